package storage

import (
	"context"
	"sync"

	"postbot/internal/model"
)

type memoryStore struct {
	mu       sync.Mutex
	queue    []model.Job
	outcomes []model.Outcome
	closed   bool
}

// NewMemory returns a process-local store. Tests use it as a queue repository.
func NewMemory() Store { return &memoryStore{} }

func (s *memoryStore) LoadQueue(ctx context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]model.Job(nil), s.queue...), nil
}

func (s *memoryStore) SaveQueue(ctx context.Context, jobs []model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue[:0:0], jobs...)
	return nil
}

func (s *memoryStore) AppendOutcome(ctx context.Context, o model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *memoryStore) RecentOutcomes(ctx context.Context, limit int) ([]model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	out := make([]model.Outcome, 0, limit)
	for i := len(s.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.outcomes[i])
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
