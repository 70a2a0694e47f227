// Package relay contains the two proof-lifecycle managers and the loop that
// drives them. The pending manager moves requests Pending -> Completed; the
// completed manager owns the rest of the lifecycle. The request store is the
// only state shared between them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prooflink/prooflink/internal/metrics"
	"github.com/prooflink/prooflink/internal/prover"
	"github.com/prooflink/prooflink/internal/signal"
	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

// pollOutcome is one finished poll loop: success, or the fatal error that
// ended polling for that id.
type pollOutcome struct {
	id  string
	err error
}

// PendingManagerConfig holds tuning for the pending-proof manager.
type PendingManagerConfig struct {
	// PollInterval paces status polls for each in-flight job.
	PollInterval time.Duration
}

// PendingProofManager watches newly-submitted jobs and polls the proving
// service until each completes, then advances the request to Completed and
// wakes the completed manager.
//
// Each outstanding id gets its own poll goroutine, so a slow job never
// delays completion detection for a fast one. Step consumes at most one
// event per invocation and suspends when there is nothing to do.
type PendingProofManager struct {
	client    prover.Client
	store     storage.Storage
	newWork   *signal.Notifier
	completed *signal.Notifier
	cfg       PendingManagerConfig
	log       *logger.Logger

	// inFlight is touched only from Step, never from the poll goroutines.
	inFlight map[string]struct{}
	outcomes chan pollOutcome
}

// NewPendingProofManager wires the manager to its store, client and signals.
// newWork wakes it when Pending requests appear; it raises completed after
// every Pending -> Completed transition.
func NewPendingProofManager(client prover.Client, store storage.Storage, newWork, completed *signal.Notifier, cfg PendingManagerConfig, log *logger.Logger) *PendingProofManager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &PendingProofManager{
		client:    client,
		store:     store,
		newWork:   newWork,
		completed: completed,
		cfg:       cfg,
		log:       log,
		inFlight:  make(map[string]struct{}),
		outcomes:  make(chan pollOutcome),
	}
}

// Step performs one discrete unit of progress: it suspends until new work
// arrives or an active poll finishes, then handles exactly that event.
// Errors concern a single request and leave all others polling.
func (m *PendingProofManager) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.newWork.Wake():
		return m.beginPolling(ctx)
	case outcome := <-m.outcomes:
		return m.resolve(ctx, outcome)
	}
}

// beginPolling starts one poll goroutine per Pending request that is not
// already being polled.
func (m *PendingProofManager) beginPolling(ctx context.Context) error {
	pending, err := m.store.ListByState(ctx, storage.StatePending)
	if err != nil {
		return fmt.Errorf("failed to list pending requests: %w", err)
	}
	for _, req := range pending {
		if _, ok := m.inFlight[req.ID]; ok {
			continue
		}
		m.inFlight[req.ID] = struct{}{}
		metrics.InFlightPolls.Inc()
		go m.pollJob(ctx, req.ID)
		m.log.Debug("polling started", "id", req.ID)
	}
	return nil
}

// pollJob polls one job until it succeeds, fails permanently or the context
// ends. Transient service errors are absorbed and retried on the next tick.
func (m *PendingProofManager) pollJob(ctx context.Context, id string) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := m.client.Poll(ctx, id)
		switch {
		case errors.Is(err, storage.ErrTransientService):
			metrics.PollsTotal.WithLabelValues("transient_error").Inc()
			m.log.Debug("poll hit transient error, will retry", "id", id, "error", err)
		case err != nil:
			metrics.PollsTotal.WithLabelValues("fatal").Inc()
			m.deliver(ctx, pollOutcome{id: id, err: err})
			return
		case status == prover.StatusSucceeded:
			metrics.PollsTotal.WithLabelValues("succeeded").Inc()
			m.deliver(ctx, pollOutcome{id: id})
			return
		default:
			metrics.PollsTotal.WithLabelValues("running").Inc()
		}

		select {
		case <-ctx.Done():
			// Abandoned mid-poll: the request stays Pending and is re-polled
			// after restart.
			return
		case <-ticker.C:
		}
	}
}

// deliver hands an outcome to Step without blocking shutdown.
func (m *PendingProofManager) deliver(ctx context.Context, outcome pollOutcome) {
	select {
	case m.outcomes <- outcome:
	case <-ctx.Done():
	}
}

// resolve finishes one poll: transition the request and wake the completed
// manager, or report the fatal failure for this id only.
func (m *PendingProofManager) resolve(ctx context.Context, outcome pollOutcome) error {
	delete(m.inFlight, outcome.id)
	metrics.InFlightPolls.Dec()

	if outcome.err != nil {
		// The service has given up on the job; the request can never
		// advance, so drop it rather than let it sit Pending forever.
		// The failure still surfaces as this step's error.
		if rmErr := m.store.Remove(ctx, outcome.id); rmErr != nil {
			m.log.Error("failed to drop rejected request", "id", outcome.id, "error", rmErr)
		}
		return fmt.Errorf("proving failed for request %s: %w", outcome.id, outcome.err)
	}

	if _, err := m.store.Transition(ctx, outcome.id, storage.StatePending); err != nil {
		return fmt.Errorf("failed to complete request %s: %w", outcome.id, err)
	}
	metrics.ProofsCompleted.Inc()
	m.completed.Notify()
	m.log.Info("proof completed", "id", outcome.id)
	return nil
}
