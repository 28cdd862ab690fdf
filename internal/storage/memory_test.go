package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/classb-node/internal/models"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

func testEUI() lorawan.EUI64 {
	eui, _ := lorawan.ParseEUI64("70b3d57ed006d020")
	return eui
}

func TestMemoryStoreEvents(t *testing.T) {
	s := NewMemoryStore(8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := models.NewDeviceEvent(testEUI(), models.EventTypeUplink, models.EventLevelInfo,
			fmt.Sprintf("uplink %d", i), nil)
		ev.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateEvent(ctx, &ev))
	}

	events, total, err := s.ListEvents(ctx, EventFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, events, 3)

	// newest first
	assert.Equal(t, "uplink 2", events[0].Description)
	assert.Equal(t, "uplink 0", events[2].Description)
}

func TestMemoryStoreEventFilters(t *testing.T) {
	s := NewMemoryStore(8)
	ctx := context.Background()

	up := models.NewDeviceEvent(testEUI(), models.EventTypeUplink, models.EventLevelInfo, "up", nil)
	lost := models.NewDeviceEvent(testEUI(), models.EventTypeBeaconLost, models.EventLevelWarning, "lost", nil)
	require.NoError(t, s.CreateEvent(ctx, &up))
	require.NoError(t, s.CreateEvent(ctx, &lost))

	typ := models.EventTypeBeaconLost
	events, total, err := s.ListEvents(ctx, EventFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, events, 1)
	assert.Equal(t, "lost", events[0].Description)

	level := models.EventLevelWarning
	_, total, err = s.ListEvents(ctx, EventFilters{Level: &level}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ev := models.NewDeviceEvent(testEUI(), models.EventTypeUplink, models.EventLevelInfo,
			fmt.Sprintf("event %d", i), nil)
		require.NoError(t, s.CreateEvent(ctx, &ev))
	}

	events, total, err := s.ListEvents(ctx, EventFilters{}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, events, 4)

	// only the newest four survive
	assert.Equal(t, "event 9", events[0].Description)
	assert.Equal(t, "event 6", events[3].Description)
}

func TestMemoryStorePaging(t *testing.T) {
	s := NewMemoryStore(16)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f := models.NewFrameLog(testEUI(), models.FrameDirectionUp)
		f.FCnt = uint32(i)
		require.NoError(t, s.CreateFrame(ctx, &f))
	}

	tests := []struct {
		name      string
		limit     int
		offset    int
		wantLen   int
		wantFirst uint32
	}{
		{"first page", 2, 0, 2, 4},
		{"second page", 2, 2, 2, 2},
		{"tail", 10, 4, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, total, err := s.ListFrames(ctx, FrameFilters{}, tt.limit, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, int64(5), total)
			require.Len(t, frames, tt.wantLen)
			assert.Equal(t, tt.wantFirst, frames[0].FCnt)
		})
	}

	// offset past end returns nothing
	frames, total, err := s.ListFrames(ctx, FrameFilters{}, 10, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Empty(t, frames)
}

func TestMemoryStoreFrameDirectionFilter(t *testing.T) {
	s := NewMemoryStore(16)
	ctx := context.Background()

	up := models.NewFrameLog(testEUI(), models.FrameDirectionUp)
	down := models.NewFrameLog(testEUI(), models.FrameDirectionDown)
	require.NoError(t, s.CreateFrame(ctx, &up))
	require.NoError(t, s.CreateFrame(ctx, &down))

	dir := models.FrameDirectionDown
	frames, total, err := s.ListFrames(ctx, FrameFilters{Direction: &dir}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, frames, 1)
	assert.Equal(t, models.FrameDirectionDown, frames[0].Direction)
}
