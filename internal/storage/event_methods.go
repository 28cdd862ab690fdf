package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/classb-node/internal/models"
)

// CreateEvent creates an event log entry
func (s *PostgresStore) CreateEvent(ctx context.Context, event *models.DeviceEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO device_events (
			id, created_at, dev_eui, type, level, description, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.DevEUI[:], event.Type, event.Level,
		event.Description, event.Details,
	)

	return err
}

// ListEvents lists event log entries with filters
func (s *PostgresStore) ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.DeviceEvent, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM device_events WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Type != nil {
		argCount++
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, *filters.Type)
	}

	if filters.Level != nil {
		argCount++
		query += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, *filters.Level)
	}

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, dev_eui, type, level, description, details", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.DeviceEvent
	for rows.Next() {
		event := &models.DeviceEvent{}
		var devEUI []byte

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &devEUI, &event.Type, &event.Level,
			&event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		copy(event.DevEUI[:], devEUI)

		events = append(events, event)
	}

	return events, count, nil
}
