package otp

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: map[string]Attempt{}}
}

func (s *MemoryStore) Put(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.BatchID] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, batchID string) (Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[batchID]
	return a, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, batchID, attemptID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[batchID]; ok && a.AttemptID == attemptID {
		delete(s.attempts, batchID)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, batchID, attemptID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[batchID]
	if !ok || a.AttemptID != attemptID {
		return 0, false, nil
	}
	a.Failures++
	s.attempts[batchID] = a
	return a.Failures, true, nil
}
