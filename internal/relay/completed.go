package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prooflink/prooflink/internal/chain"
	"github.com/prooflink/prooflink/internal/metrics"
	"github.com/prooflink/prooflink/internal/prover"
	"github.com/prooflink/prooflink/internal/signal"
	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

// fetchOutcome is one finished payload fetch.
type fetchOutcome struct {
	id      string
	payload []byte
	err     error
}

// CompletedManagerConfig holds batching configuration.
type CompletedManagerConfig struct {
	// MaxBatchSize flushes the open batch as soon as it is reached.
	MaxBatchSize int
	// FlushInterval flushes whatever has accumulated, full or not.
	FlushInterval time.Duration
	// FetchRetryInterval paces payload-fetch retries on transient errors.
	FetchRetryInterval time.Duration
}

// CompletedProofManager fetches proof payloads for completed requests,
// accumulates them into an ordered batch and flushes the batch as one
// on-chain transaction when it fills up or the timer elapses.
//
// Submission is at-least-once: a failed flush keeps every entry in the batch,
// in order, for the next trigger. The receiving contract is assumed to
// suppress duplicate callbacks.
type CompletedProofManager struct {
	client    prover.Client
	store     storage.Storage
	sender    chain.Sender
	completed *signal.Notifier
	flushNow  *signal.Notifier
	cfg       CompletedManagerConfig
	log       *logger.Logger

	ticker *time.Ticker

	// All batch state is touched only from Step.
	fetching map[string]struct{}
	outcomes chan fetchOutcome
	batch    []chain.BatchEntry
	inBatch  map[string]struct{}
}

// NewCompletedProofManager wires the manager to its collaborators. completed
// wakes it when the pending manager finishes a request; flushNow forces a
// flush regardless of the timer.
func NewCompletedProofManager(client prover.Client, store storage.Storage, sender chain.Sender, completed, flushNow *signal.Notifier, cfg CompletedManagerConfig, log *logger.Logger) (*CompletedProofManager, error) {
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}
	if cfg.FetchRetryInterval <= 0 {
		cfg.FetchRetryInterval = 2 * time.Second
	}
	return &CompletedProofManager{
		client:    client,
		store:     store,
		sender:    sender,
		completed: completed,
		flushNow:  flushNow,
		cfg:       cfg,
		log:       log,
		ticker:    time.NewTicker(cfg.FlushInterval),
		fetching:  make(map[string]struct{}),
		outcomes:  make(chan fetchOutcome),
		inBatch:   make(map[string]struct{}),
	}, nil
}

// Stop releases the flush timer.
func (m *CompletedProofManager) Stop() {
	m.ticker.Stop()
}

// Step performs one discrete unit of progress: it suspends until a request
// completes, a payload fetch finishes, the flush timer elapses or a flush is
// forced, then handles exactly that event.
func (m *CompletedProofManager) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.completed.Wake():
		return m.collect(ctx)
	case outcome := <-m.outcomes:
		return m.appendEntry(ctx, outcome)
	case <-m.ticker.C:
		return m.flush(ctx)
	case <-m.flushNow.Wake():
		return m.flush(ctx)
	}
}

// collect starts a payload fetch for every Completed request not already
// being handled, and re-adopts requests a previous process left in
// PreparingOnchain with their payload already stored.
func (m *CompletedProofManager) collect(ctx context.Context) error {
	completed, err := m.store.ListByState(ctx, storage.StateCompleted)
	if err != nil {
		return fmt.Errorf("failed to list completed requests: %w", err)
	}
	for _, req := range completed {
		if _, ok := m.fetching[req.ID]; ok {
			continue
		}
		m.fetching[req.ID] = struct{}{}
		go m.fetchPayload(ctx, req.ID)
		m.log.Debug("payload fetch started", "id", req.ID)
	}

	if err := m.adoptPrepared(ctx); err != nil {
		return err
	}
	if len(m.batch) >= m.cfg.MaxBatchSize {
		return m.flush(ctx)
	}
	return nil
}

// adoptPrepared re-queues requests already transitioned to PreparingOnchain
// but missing from the open batch. Their payload is in the store, so they
// only need to rejoin a batch to be re-flushed.
func (m *CompletedProofManager) adoptPrepared(ctx context.Context) error {
	prepared, err := m.store.ListByState(ctx, storage.StatePreparingOnchain)
	if err != nil {
		return fmt.Errorf("failed to list prepared requests: %w", err)
	}
	for _, req := range prepared {
		if _, ok := m.inBatch[req.ID]; ok {
			continue
		}
		if len(req.Payload) == 0 {
			m.log.Warn("prepared request has no stored payload, skipping", "id", req.ID)
			continue
		}
		m.append(req, req.Payload)
		m.log.Info("re-adopted prepared request into batch", "id", req.ID)
	}
	return nil
}

// fetchPayload downloads one proof payload, retrying transient failures
// until the context ends.
func (m *CompletedProofManager) fetchPayload(ctx context.Context, id string) {
	ticker := time.NewTicker(m.cfg.FetchRetryInterval)
	defer ticker.Stop()

	for {
		payload, err := m.client.FetchPayload(ctx, id)
		if err == nil {
			m.deliver(ctx, fetchOutcome{id: id, payload: payload})
			return
		}
		if !errors.Is(err, storage.ErrTransientService) {
			m.deliver(ctx, fetchOutcome{id: id, err: err})
			return
		}
		m.log.Debug("payload fetch hit transient error, will retry", "id", id, "error", err)

		select {
		case <-ctx.Done():
			// Abandoned mid-fetch: the request stays Completed and is
			// re-fetched after restart.
			return
		case <-ticker.C:
		}
	}
}

// deliver hands an outcome to Step without blocking shutdown.
func (m *CompletedProofManager) deliver(ctx context.Context, outcome fetchOutcome) {
	select {
	case m.outcomes <- outcome:
	case <-ctx.Done():
	}
}

// appendEntry finishes one fetch: record the payload, advance the request to
// PreparingOnchain and add it to the open batch, flushing if full.
func (m *CompletedProofManager) appendEntry(ctx context.Context, outcome fetchOutcome) error {
	delete(m.fetching, outcome.id)

	if outcome.err != nil {
		// The service no longer has the payload; the request can never be
		// delivered, so drop it rather than re-fetch on every wake-up.
		if rmErr := m.store.Remove(ctx, outcome.id); rmErr != nil {
			m.log.Error("failed to drop undeliverable request", "id", outcome.id, "error", rmErr)
		}
		return fmt.Errorf("payload fetch failed for request %s: %w", outcome.id, outcome.err)
	}

	if err := m.store.SetPayload(ctx, outcome.id, outcome.payload); err != nil {
		return fmt.Errorf("failed to store payload for request %s: %w", outcome.id, err)
	}
	if _, err := m.store.Transition(ctx, outcome.id, storage.StateCompleted); err != nil {
		return fmt.Errorf("failed to prepare request %s: %w", outcome.id, err)
	}
	req, err := m.store.Get(ctx, outcome.id)
	if err != nil {
		return fmt.Errorf("failed to load request %s: %w", outcome.id, err)
	}
	m.append(req, outcome.payload)
	m.log.Info("request queued for on-chain delivery",
		"id", outcome.id, "batch_size", len(m.batch))

	if len(m.batch) >= m.cfg.MaxBatchSize {
		return m.flush(ctx)
	}
	return nil
}

// append adds one entry to the open batch, preserving arrival order.
func (m *CompletedProofManager) append(req storage.ProofRequest, payload []byte) {
	m.batch = append(m.batch, chain.BatchEntry{
		ID:               req.ID,
		CallbackContract: req.Origin.CallbackContract,
		FunctionSelector: req.Origin.FunctionSelector,
		GasLimit:         req.Origin.GasLimit,
		ImageID:          req.Origin.ImageID,
		Payload:          payload,
	})
	m.inBatch[req.ID] = struct{}{}
}

// flush submits the open batch as a single transaction. On success every
// member reaches the terminal state and leaves the store; on failure the
// batch is kept untouched for the next trigger.
func (m *CompletedProofManager) flush(ctx context.Context) error {
	if len(m.batch) == 0 {
		return nil
	}

	receipt, err := m.sender.Send(ctx, m.batch)
	if err != nil {
		metrics.FlushFailures.Inc()
		return fmt.Errorf("failed to submit batch of %d: %w", len(m.batch), err)
	}

	metrics.BatchesFlushed.Inc()
	metrics.BatchSize.Observe(float64(len(m.batch)))
	m.log.Info("batch confirmed on chain",
		"tx", receipt.TxHash.Hex(), "entries", len(m.batch))

	var firstErr error
	for _, entry := range m.batch {
		if _, err := m.store.Transition(ctx, entry.ID, storage.StatePreparingOnchain); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to finalize request %s: %w", entry.ID, err)
			}
			continue
		}
		if err := m.store.Remove(ctx, entry.ID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove request %s: %w", entry.ID, err)
			}
		}
	}
	m.batch = m.batch[:0]
	m.inBatch = make(map[string]struct{})
	return firstErr
}
