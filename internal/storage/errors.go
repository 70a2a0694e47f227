package storage

import (
	sdkerrors "cosmossdk.io/errors"
)

// Codespace scopes the relay's registered errors.
const Codespace = "proofrelay"

var (
	// Store contract errors. Surfaced to the caller of a step, never
	// retried automatically.
	ErrNotFound           = sdkerrors.Register(Codespace, 2, "proof request not found")
	ErrAlreadyExists      = sdkerrors.Register(Codespace, 3, "proof request already exists")
	ErrInvalidTransition  = sdkerrors.Register(Codespace, 4, "invalid proof request state transition")
	ErrPayloadUnavailable = sdkerrors.Register(Codespace, 5, "proof payload not available yet")

	// Service and chain errors. Transient failures are absorbed by the
	// managers and retried on a later step; the rest are reported upward.
	ErrTransientService = sdkerrors.Register(Codespace, 10, "proving service temporarily unavailable")
	ErrJobRejected      = sdkerrors.Register(Codespace, 11, "proving service rejected the job")
	ErrTransaction      = sdkerrors.Register(Codespace, 12, "batch transaction failed")
)
