package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/classb-node/internal/models"
)

// MemoryStore keeps a bounded in-memory history. It backs bench runs
// without a database and the test suites.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	events   []*models.DeviceEvent
	frames   []*models.FrameLog
}

// NewMemoryStore creates a memory store holding at most capacity entries
// per history. A capacity of zero falls back to 1024.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryStore{capacity: capacity}
}

// BeginTx returns the store itself, memory writes are atomic already
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	return s, nil
}

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// CreateEvent appends an event, evicting the oldest entry when full
func (s *MemoryStore) CreateEvent(ctx context.Context, event *models.DeviceEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events = append(s.events, &cp)
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}

	return nil
}

// ListEvents lists events newest first
func (s *MemoryStore) ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.DeviceEvent, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.DeviceEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filters.Type != nil && e.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && e.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && e.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && e.CreatedAt.After(*filters.EndTime) {
			continue
		}
		matched = append(matched, e)
	}

	return pageEvents(matched, limit, offset), int64(len(matched)), nil
}

// CreateFrame appends a frame, evicting the oldest entry when full
func (s *MemoryStore) CreateFrame(ctx context.Context, frame *models.FrameLog) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *frame
	s.frames = append(s.frames, &cp)
	if len(s.frames) > s.capacity {
		s.frames = s.frames[len(s.frames)-s.capacity:]
	}

	return nil
}

// ListFrames lists frames newest first
func (s *MemoryStore) ListFrames(ctx context.Context, filters FrameFilters, limit, offset int) ([]*models.FrameLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.FrameLog
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		if filters.Direction != nil && f.Direction != *filters.Direction {
			continue
		}
		if filters.StartTime != nil && f.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && f.CreatedAt.After(*filters.EndTime) {
			continue
		}
		matched = append(matched, f)
	}

	return pageFrames(matched, limit, offset), int64(len(matched)), nil
}

func pageEvents(entries []*models.DeviceEvent, limit, offset int) []*models.DeviceEvent {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func pageFrames(entries []*models.FrameLog, limit, offset int) []*models.FrameLog {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
