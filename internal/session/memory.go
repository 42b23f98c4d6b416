package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node
// development runs. Claim semantics match the redis implementation,
// including TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	claims  map[string]time.Time // thought id -> expiry
	history map[int64][]Exchange
	latest  map[int64]time.Time

	// FailNext forces the next n operations to return ErrUnavailable.
	failNext int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:  make(map[string]time.Time),
		history: make(map[int64][]Exchange),
		latest:  make(map[int64]time.Time),
	}
}

// FailNextOps makes the following n store operations fail, simulating
// an unreachable backend.
func (s *MemoryStore) FailNextOps(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *MemoryStore) takeFailure() bool {
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func (s *MemoryStore) Claim(_ context.Context, thoughtID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return false, ErrUnavailable
	}
	now := time.Now()
	if exp, ok := s.claims[thoughtID]; ok && now.Before(exp) {
		return false, nil
	}
	s.claims[thoughtID] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) AppendExchange(_ context.Context, ex Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return ErrUnavailable
	}
	s.history[ex.UserID] = append(s.history[ex.UserID], ex)
	return nil
}

func (s *MemoryStore) ReadWindow(_ context.Context, userID int64, since time.Time) ([]Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, ErrUnavailable
	}
	var out []Exchange
	for _, ex := range s.history[userID] {
		if !ex.Timestamp.Before(since) {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetLatestThought(_ context.Context, userID int64, formedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return ErrUnavailable
	}
	s.latest[userID] = formedAt
	return nil
}

func (s *MemoryStore) LatestThought(_ context.Context, userID int64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return time.Time{}, ErrUnavailable
	}
	return s.latest[userID], nil
}
