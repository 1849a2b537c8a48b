package memory

import (
	"context"
	"sync"
	"time"

	"avmed-detection/internal/domain"
	"avmed-detection/internal/usecase"
)

type sessionEntry struct {
	record    domain.SessionRecord
	createdAt time.Time
}

// Store keeps session records in memory with capacity and TTL eviction.
// Oldest sessions go first when the cap is hit.
type Store struct {
	mu sync.RWMutex
	// ring by insertion order of session ids
	order []string
	items map[string]*sessionEntry

	maxSessions int
	ttl         time.Duration
}

func NewStore(maxSessions int, ttl time.Duration) *Store {
	return &Store{
		order:       make([]string, 0, maxSessions),
		items:       make(map[string]*sessionEntry, maxSessions),
		maxSessions: maxSessions,
		ttl:         ttl,
	}
}

func (s *Store) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	if s.maxSessions > 0 && len(s.items) >= s.maxSessions {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
	s.items[rec.ID] = &sessionEntry{record: rec, createdAt: time.Now()}
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.items[id]; ok {
		return e.record, true, nil
	}
	return domain.SessionRecord{}, false, nil
}

func (s *Store) ListSessions(ctx context.Context, f usecase.SessionFilter) ([]domain.SessionRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]domain.SessionRecord, 0, len(s.items))
	for _, id := range s.order { // preserve insertion order
		e := s.items[id]
		if e == nil {
			continue
		}
		if f.Mode != "" && e.record.Mode != f.Mode {
			continue
		}
		if f.ActiveOnly && e.record.ClosedAt != nil {
			continue
		}
		results = append(results, e.record)
	}
	total := len(results)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return results[start:end], total, nil
}

func (s *Store) AddFrameCounts(ctx context.Context, id string, delta domain.FrameCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[id]; ok {
		e.record.Frames.Submitted += delta.Submitted
		e.record.Frames.Detected += delta.Detected
		e.record.Frames.Dropped += delta.Dropped
		e.record.Frames.Skipped += delta.Skipped
	}
	return nil
}

func (s *Store) SetClosed(ctx context.Context, id string, closedAt time.Time, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[id]; ok {
		e.record.ClosedAt = &closedAt
		e.record.Error = errMsg
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		delete(s.items, id)
		for i, sid := range s.order {
			if sid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *Store) ClearAllSessions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*sessionEntry, len(s.items))
	s.order = s.order[:0]
	return nil
}

func (s *Store) evictExpiredLocked() {
	if s.ttl <= 0 {
		return
	}
	now := time.Now()
	i := 0
	for i < len(s.order) {
		id := s.order[i]
		e := s.items[id]
		if e == nil || now.Sub(e.createdAt) > s.ttl {
			delete(s.items, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			continue
		}
		i++
	}
}
