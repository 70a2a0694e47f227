// Package prover is the HTTP client for the external proving service. The
// service computes proofs out-of-band; the relay only submits jobs, polls
// their status and fetches finished payloads.
package prover

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the proving service's reported state for one job.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// Fatal reports whether the service has permanently given up on the job.
// A fatal status affects only that job; other jobs keep polling.
func (s Status) Fatal() bool {
	switch s {
	case StatusFailed, StatusTimedOut, StatusAborted:
		return true
	default:
		return false
	}
}

// Done reports whether the job will make no further progress.
func (s Status) Done() bool {
	return s == StatusSucceeded || s.Fatal()
}

// Client is the proving-service capability consumed by the managers. The
// service is a black box; transport failures surface as
// storage.ErrTransientService and are retried, permanent rejections as
// storage.ErrJobRejected.
type Client interface {
	// Submit sends a job and returns the service-assigned id.
	Submit(ctx context.Context, imageID common.Hash, input []byte) (string, error)

	// Poll returns the job's current status.
	Poll(ctx context.Context, id string) (Status, error)

	// FetchPayload downloads the finished proof bytes for a succeeded job.
	FetchPayload(ctx context.Context, id string) ([]byte, error)
}
