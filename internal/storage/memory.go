package storage

import (
	"context"
	"sort"
	"sync"

	sdkerrors "cosmossdk.io/errors"
)

// record is the internal mutable state for one tracked request. seq
// preserves insertion order for ListByState.
type record struct {
	request ProofRequest
	seq     uint64
}

// InMemoryStorage is the single-process Storage backend: a keyed table
// behind a mutex. Records are copied on the way in and out so no caller
// ever observes a torn update.
type InMemoryStorage struct {
	mu      sync.RWMutex
	nextSeq uint64
	records map[string]*record
}

var _ Storage = (*InMemoryStorage)(nil)

// NewInMemoryStorage creates an empty in-memory request store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{records: make(map[string]*record)}
}

func (s *InMemoryStorage) Insert(_ context.Context, id string, origin CallbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return sdkerrors.Wrapf(ErrAlreadyExists, "id %s", id)
	}
	s.nextSeq++
	s.records[id] = &record{
		request: ProofRequest{
			ID:     id,
			Origin: copyOrigin(origin),
			State:  StatePending,
		},
		seq: s.nextSeq,
	}
	return nil
}

func (s *InMemoryStorage) Transition(_ context.Context, id string, expected ProofRequestState) (ProofRequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return 0, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	if rec.request.State != expected {
		return 0, sdkerrors.Wrapf(ErrInvalidTransition, "id %s: state %s, expected %s", id, rec.request.State, expected)
	}
	next, ok := expected.Next()
	if !ok {
		return 0, sdkerrors.Wrapf(ErrInvalidTransition, "id %s: no transition out of %s", id, expected)
	}
	rec.request.State = next
	return next, nil
}

func (s *InMemoryStorage) GetState(_ context.Context, id string) (ProofRequestState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return 0, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	return rec.request.State, nil
}

func (s *InMemoryStorage) Get(_ context.Context, id string) (ProofRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return ProofRequest{}, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	return copyRequest(rec.request), nil
}

func (s *InMemoryStorage) ListByState(_ context.Context, state ProofRequestState) ([]ProofRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type seqRequest struct {
		req ProofRequest
		seq uint64
	}
	matched := make([]seqRequest, 0)
	for _, rec := range s.records {
		if rec.request.State == state {
			matched = append(matched, seqRequest{req: copyRequest(rec.request), seq: rec.seq})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]ProofRequest, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.req)
	}
	return out, nil
}

func (s *InMemoryStorage) SetPayload(_ context.Context, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	rec.request.Payload = append([]byte(nil), payload...)
	return nil
}

func (s *InMemoryStorage) GetPayload(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	if rec.request.State < StateCompleted {
		return nil, sdkerrors.Wrapf(ErrPayloadUnavailable, "id %s: state %s", id, rec.request.State)
	}
	return append([]byte(nil), rec.request.Payload...), nil
}

func (s *InMemoryStorage) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	delete(s.records, id)
	return nil
}

func copyOrigin(origin CallbackRequest) CallbackRequest {
	out := origin
	out.Input = append([]byte(nil), origin.Input...)
	return out
}

func copyRequest(req ProofRequest) ProofRequest {
	out := req
	out.Origin = copyOrigin(req.Origin)
	out.Payload = append([]byte(nil), req.Payload...)
	return out
}
