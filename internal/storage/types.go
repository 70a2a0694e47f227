// Package storage holds the authoritative state of every in-flight proof
// request and enforces the lifecycle transition discipline shared by the
// pending- and completed-proof managers.
package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ProofRequestState is the lifecycle state of a proof request. States only
// ever advance along Pending -> Completed -> PreparingOnchain ->
// CompletedOnchain; a request reaching the terminal state is removed.
type ProofRequestState int

const (
	// StatePending: submitted to the proving service, proof not ready yet.
	StatePending ProofRequestState = iota + 1
	// StateCompleted: the proving service reported the proof as ready.
	StateCompleted
	// StatePreparingOnchain: proof fetched and queued in an open batch.
	StatePreparingOnchain
	// StateCompletedOnchain: batch transaction confirmed. Terminal.
	StateCompletedOnchain
)

// String returns a human-readable name for the request state.
func (s ProofRequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StatePreparingOnchain:
		return "preparing_onchain"
	case StateCompletedOnchain:
		return "completed_onchain"
	default:
		return "unknown"
	}
}

// Next returns the state that follows s in the fixed lifecycle sequence.
// ok is false for the terminal state and for unknown values.
func (s ProofRequestState) Next() (next ProofRequestState, ok bool) {
	switch s {
	case StatePending:
		return StateCompleted, true
	case StateCompleted:
		return StatePreparingOnchain, true
	case StatePreparingOnchain:
		return StateCompletedOnchain, true
	default:
		return 0, false
	}
}

// Terminal reports whether s is the final lifecycle state.
func (s ProofRequestState) Terminal() bool {
	return s == StateCompletedOnchain
}

// CallbackRequest is the immutable origin record of a proof request,
// captured once from the triggering contract event and never mutated.
type CallbackRequest struct {
	Account          common.Address
	ImageID          common.Hash
	Input            []byte
	CallbackContract common.Address
	FunctionSelector [4]byte
	GasLimit         uint64
}

// ProofRequest is one tracked job: its service-assigned id, origin record,
// lifecycle state and, once completed, the fetched proof payload.
type ProofRequest struct {
	ID      string
	Origin  CallbackRequest
	State   ProofRequestState
	Payload []byte
}

// Storage is the request store shared by both proof managers. All operations
// are safe under concurrent invocation; Transition is an atomic
// compare-and-advance so two callers racing on the same request see exactly
// one winner.
type Storage interface {
	// Insert creates a request in StatePending. A duplicate id is rejected
	// with ErrAlreadyExists.
	Insert(ctx context.Context, id string, origin CallbackRequest) error

	// Transition checks that the request's current state equals expected and
	// advances it to the next state in the lifecycle sequence, returning the
	// new state. A mismatch yields ErrInvalidTransition, a missing id
	// ErrNotFound.
	Transition(ctx context.Context, id string, expected ProofRequestState) (ProofRequestState, error)

	// GetState returns the current state, or ErrNotFound for an absent or
	// removed id.
	GetState(ctx context.Context, id string) (ProofRequestState, error)

	// Get returns a copy of the full request record.
	Get(ctx context.Context, id string) (ProofRequest, error)

	// ListByState returns copies of all requests currently in state, in
	// insertion order.
	ListByState(ctx context.Context, state ProofRequestState) ([]ProofRequest, error)

	// SetPayload attaches the fetched proof bytes to the request.
	SetPayload(ctx context.Context, id string, payload []byte) error

	// GetPayload returns the proof bytes. Calling it before the request has
	// reached StateCompleted is a caller contract violation and yields
	// ErrPayloadUnavailable.
	GetPayload(ctx context.Context, id string) ([]byte, error)

	// Remove deletes the record. Only called after the terminal transition
	// has succeeded.
	Remove(ctx context.Context, id string) error
}
