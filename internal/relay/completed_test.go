package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflink/prooflink/internal/signal"
	"github.com/prooflink/prooflink/internal/storage"
)

type completedFixture struct {
	mgr       *CompletedProofManager
	client    *fakeProver
	store     *storage.InMemoryStorage
	sender    *fakeSender
	completed *signal.Notifier
	flushNow  *signal.Notifier
}

// newCompletedFixture builds a manager whose flush timer is effectively
// disabled so tests control flushing through the flush-now signal.
func newCompletedFixture(t *testing.T, maxBatchSize int, flushInterval time.Duration) *completedFixture {
	t.Helper()
	client := newFakeProver()
	store := storage.NewInMemoryStorage()
	sender := &fakeSender{}
	completed := signal.NewNotifier()
	flushNow := signal.NewNotifier()
	mgr, err := NewCompletedProofManager(client, store, sender, completed, flushNow,
		CompletedManagerConfig{
			MaxBatchSize:       maxBatchSize,
			FlushInterval:      flushInterval,
			FetchRetryInterval: 5 * time.Millisecond,
		}, testLogger())
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	return &completedFixture{
		mgr:       mgr,
		client:    client,
		store:     store,
		sender:    sender,
		completed: completed,
		flushNow:  flushNow,
	}
}

// addCompleted inserts a request and walks it to StateCompleted.
func (f *completedFixture) addCompleted(t *testing.T, id string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Insert(ctx, id, testOrigin()))
	_, err := f.store.Transition(ctx, id, storage.StatePending)
	require.NoError(t, err)
	f.client.setPayload(id, payload)
}

func TestCompletedManagerFlushOnBatchSize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 3, time.Hour)
	releases := make([]func(), 0, 3)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		f.addCompleted(t, id, []byte{byte(i)})
		releases = append(releases, f.client.gateFetch(id))
	}

	f.completed.Notify()
	require.NoError(t, f.mgr.Step(ctx)) // starts the three fetches

	// Release fetches one at a time so batch order is the completion order.
	for i, release := range releases {
		release()
		require.NoError(t, f.mgr.Step(ctx))

		if i < 2 {
			// Not full yet: nothing sent, entry is PreparingOnchain.
			assert.Empty(t, f.sender.sent())
			state, err := f.store.GetState(ctx, fmt.Sprintf("job-%d", i+1))
			require.NoError(t, err)
			assert.Equal(t, storage.StatePreparingOnchain, state)
		}
	}

	// Reaching max batch size flushed immediately, without a timer tick.
	batches := f.sender.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	for i, entry := range batches[0] {
		assert.Equal(t, fmt.Sprintf("job-%d", i+1), entry.ID)
		assert.Equal(t, []byte{0xab, 0xcd, 0xef, 0xab}, entry.FunctionSelector[:])
	}

	// Every member reached the terminal state and left the store.
	for i := 1; i <= 3; i++ {
		_, err := f.store.GetState(ctx, fmt.Sprintf("job-%d", i))
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestCompletedManagerFlushOnTimer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 3, 30*time.Millisecond)
	f.addCompleted(t, "job-1", []byte{0xaa})
	f.completed.Notify()

	// The batch never fills and flush-now is never raised, so the only way
	// the entry can be sent is the timer.
	for i := 0; i < 10 && len(f.sender.sent()) == 0; i++ {
		require.NoError(t, f.mgr.Step(ctx))
	}

	batches := f.sender.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "job-1", batches[0][0].ID)

	_, err := f.store.GetState(ctx, "job-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompletedManagerFlushOnSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 10, time.Hour)
	f.addCompleted(t, "job-1", []byte{0xaa})

	f.completed.Notify()
	require.NoError(t, f.mgr.Step(ctx))
	require.NoError(t, f.mgr.Step(ctx))
	assert.Empty(t, f.sender.sent())

	f.flushNow.Notify()
	require.NoError(t, f.mgr.Step(ctx))
	require.Len(t, f.sender.sent(), 1)
}

func TestCompletedManagerEmptyFlushSendsNothing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 3, time.Hour)
	f.flushNow.Notify()
	require.NoError(t, f.mgr.Step(ctx))
	assert.Empty(t, f.sender.sent())
}

func TestCompletedManagerFailedFlushRetainsBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 10, time.Hour)
	releases := make([]func(), 0, 2)
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("job-%d", i)
		f.addCompleted(t, id, []byte{byte(i)})
		releases = append(releases, f.client.gateFetch(id))
	}
	f.sender.failNext(1, storage.ErrTransaction)

	f.completed.Notify()
	require.NoError(t, f.mgr.Step(ctx))
	for _, release := range releases {
		release()
		require.NoError(t, f.mgr.Step(ctx))
	}

	// First flush fails: the step reports it, members stay PreparingOnchain.
	f.flushNow.Notify()
	err := f.mgr.Step(ctx)
	require.ErrorIs(t, err, storage.ErrTransaction)
	for i := 1; i <= 2; i++ {
		state, stateErr := f.store.GetState(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, stateErr)
		assert.Equal(t, storage.StatePreparingOnchain, state)
	}
	assert.Empty(t, f.sender.sent())

	// Next trigger resubmits the same ids in the same order.
	f.flushNow.Notify()
	require.NoError(t, f.mgr.Step(ctx))

	batches := f.sender.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "job-1", batches[0][0].ID)
	assert.Equal(t, "job-2", batches[0][1].ID)

	for i := 1; i <= 2; i++ {
		_, err := f.store.GetState(ctx, fmt.Sprintf("job-%d", i))
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestCompletedManagerAdoptsPreparedRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 10, time.Hour)

	// A previous process advanced this request to PreparingOnchain with its
	// payload stored, then died before flushing.
	require.NoError(t, f.store.Insert(ctx, "job-1", testOrigin()))
	_, err := f.store.Transition(ctx, "job-1", storage.StatePending)
	require.NoError(t, err)
	require.NoError(t, f.store.SetPayload(ctx, "job-1", []byte{0xaa}))
	_, err = f.store.Transition(ctx, "job-1", storage.StateCompleted)
	require.NoError(t, err)

	f.completed.Notify()
	require.NoError(t, f.mgr.Step(ctx))

	f.flushNow.Notify()
	require.NoError(t, f.mgr.Step(ctx))

	batches := f.sender.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "job-1", batches[0][0].ID)
	assert.Equal(t, []byte{0xaa}, batches[0][0].Payload)
}

func TestCompletedManagerFatalFetchIsIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newCompletedFixture(t, 10, time.Hour)
	f.addCompleted(t, "job-good", []byte{0x01})

	// job-bad's payload fetch is permanently rejected.
	require.NoError(t, f.store.Insert(ctx, "job-bad", testOrigin()))
	_, err := f.store.Transition(ctx, "job-bad", storage.StatePending)
	require.NoError(t, err)
	f.client.setFetchError("job-bad", storage.ErrJobRejected)

	f.completed.Notify()
	require.NoError(t, f.mgr.Step(ctx))

	var stepErrs []error
	for i := 0; i < 2; i++ {
		stepErrs = append(stepErrs, f.mgr.Step(ctx))
	}
	failures := 0
	for _, err := range stepErrs {
		if err != nil {
			require.ErrorIs(t, err, storage.ErrJobRejected)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	f.flushNow.Notify()
	require.NoError(t, f.mgr.Step(ctx))

	batches := f.sender.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "job-good", batches[0][0].ID)

	// The undeliverable request is dropped, not re-fetched on every wake.
	_, err = f.store.GetState(ctx, "job-bad")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
