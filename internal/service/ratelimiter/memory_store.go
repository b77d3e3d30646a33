package ratelimiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// MemoryStore is a process-local Store. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	calls   map[string][]domain.ProviderCallRecord
	backoff map[string]domain.BackoffState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:   make(map[string][]domain.ProviderCallRecord),
		backoff: make(map[string]domain.BackoffState),
	}
}

// prune must be called with mu held.
func (s *MemoryStore) prune(provider string, now time.Time, window time.Duration) []domain.ProviderCallRecord {
	recs := s.calls[provider]
	kept := recs[:0]
	for _, r := range recs {
		if now.Sub(r.Timestamp) < window {
			kept = append(kept, r)
		}
	}
	s.calls[provider] = kept
	return kept
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, provider string, now time.Time, window time.Duration, limit int) (bool, time.Duration, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.prune(provider, now, window)
	if limit > 0 && len(recs) >= limit {
		oldest := recs[0].Timestamp
		for _, r := range recs[1:] {
			if r.Timestamp.Before(oldest) {
				oldest = r.Timestamp
			}
		}
		return false, oldest.Add(window).Sub(now), "", nil
	}
	id := uuid.NewString()
	s.calls[provider] = append(recs, domain.ProviderCallRecord{ID: id, Provider: provider, Timestamp: now})
	return true, 0, id, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, provider, id string, success bool, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.calls[provider]
	for i := range recs {
		if recs[i].ID == id {
			recs[i].Completed = true
			recs[i].Success = success
			recs[i].Latency = latency
			return nil
		}
	}
	return nil
}

// Calls implements Store.
func (s *MemoryStore) Calls(_ context.Context, provider string, now time.Time, window time.Duration) ([]domain.ProviderCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.prune(provider, now, window)
	out := make([]domain.ProviderCallRecord, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// IncrFailures implements Store.
func (s *MemoryStore) IncrFailures(_ context.Context, provider string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.backoff[provider]
	st.Provider = provider
	st.ConsecutiveFailures++
	s.backoff[provider] = st
	return st.ConsecutiveFailures, nil
}

// SetResetTime implements Store.
func (s *MemoryStore) SetResetTime(_ context.Context, provider string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.backoff[provider]
	st.Provider = provider
	st.ResetTime = t
	s.backoff[provider] = st
	return nil
}

// Backoff implements Store.
func (s *MemoryStore) Backoff(_ context.Context, provider string) (domain.BackoffState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.backoff[provider]
	st.Provider = provider
	return st, nil
}

// ClearExpired implements Store.
func (s *MemoryStore) ClearExpired(_ context.Context, provider string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.backoff[provider]
	if !ok || st.ResetTime.IsZero() || now.Before(st.ResetTime) {
		return false, nil
	}
	st.ConsecutiveFailures = 0
	st.ResetTime = time.Time{}
	st.Cooldowns++
	s.backoff[provider] = st
	return true, nil
}

// ResetBackoff implements Store.
func (s *MemoryStore) ResetBackoff(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, provider)
	return nil
}
