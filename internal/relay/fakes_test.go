package relay

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/prooflink/prooflink/internal/chain"
	"github.com/prooflink/prooflink/internal/prover"
	"github.com/prooflink/prooflink/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New("relay-test", "error")
}

// fakeProver scripts the proving service per job id.
type fakeProver struct {
	mu        sync.Mutex
	statuses  map[string]prover.Status
	pollErrs  map[string]error
	payloads  map[string][]byte
	fetchErrs map[string]error
	fetchGate map[string]chan struct{}
	polls     map[string]int
}

func newFakeProver() *fakeProver {
	return &fakeProver{
		statuses:  make(map[string]prover.Status),
		pollErrs:  make(map[string]error),
		payloads:  make(map[string][]byte),
		fetchErrs: make(map[string]error),
		fetchGate: make(map[string]chan struct{}),
		polls:     make(map[string]int),
	}
}

func (f *fakeProver) setStatus(id string, status prover.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
}

func (f *fakeProver) setPollError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErrs[id] = err
}

func (f *fakeProver) setPayload(id string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[id] = payload
}

func (f *fakeProver) setFetchError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs[id] = err
}

// gateFetch makes FetchPayload for id block until release is called.
func (f *fakeProver) gateFetch(id string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.fetchGate[id] = gate
	return func() { close(gate) }
}

func (f *fakeProver) pollCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func (f *fakeProver) Submit(ctx context.Context, imageID common.Hash, input []byte) (string, error) {
	return uuid.NewString(), nil
}

func (f *fakeProver) Poll(ctx context.Context, id string) (prover.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[id]++
	if err := f.pollErrs[id]; err != nil {
		return "", err
	}
	if status, ok := f.statuses[id]; ok {
		return status, nil
	}
	return prover.StatusRunning, nil
}

func (f *fakeProver) FetchPayload(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	gate := f.fetchGate[id]
	payload := f.payloads[id]
	fetchErr := f.fetchErrs[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return payload, nil
}

// fakeSender records batches and can fail a scripted number of flushes.
type fakeSender struct {
	mu       sync.Mutex
	batches  [][]chain.BatchEntry
	failures int
	failErr  error
}

func (f *fakeSender) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.failErr = err
}

func (f *fakeSender) Send(ctx context.Context, entries []chain.BatchEntry) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, f.failErr
	}
	batch := make([]chain.BatchEntry, len(entries))
	copy(batch, entries)
	f.batches = append(f.batches, batch)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0xfeed")}, nil
}

func (f *fakeSender) sent() [][]chain.BatchEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]chain.BatchEntry, len(f.batches))
	copy(out, f.batches)
	return out
}
