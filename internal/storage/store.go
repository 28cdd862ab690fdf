package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-node/classb-node/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the event and frame history interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Event log methods
	CreateEvent(ctx context.Context, event *models.DeviceEvent) error
	ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.DeviceEvent, int64, error)

	// Frame log methods
	CreateFrame(ctx context.Context, frame *models.FrameLog) error
	ListFrames(ctx context.Context, filters FrameFilters, limit, offset int) ([]*models.FrameLog, int64, error)

	// Close the store
	Close() error
}

// EventFilters represents filters for the event log
type EventFilters struct {
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

// FrameFilters represents filters for the frame log
type FrameFilters struct {
	Direction *models.FrameDirection
	StartTime *time.Time
	EndTime   *time.Time
}
