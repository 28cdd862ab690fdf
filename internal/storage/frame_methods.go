package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/classb-node/internal/models"
)

// CreateFrame creates a frame log entry
func (s *PostgresStore) CreateFrame(ctx context.Context, frame *models.FrameLog) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}

	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO frame_logs (
			id, created_at, dev_eui, dev_addr, direction, f_cnt, f_port,
			dr, confirmed, ack, data, frequency, rssi, snr
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.getDB().ExecContext(ctx, query,
		frame.ID, frame.CreatedAt, frame.DevEUI[:], frame.DevAddr[:],
		frame.Direction, frame.FCnt, frame.FPort, frame.DR, frame.Confirmed,
		frame.ACK, frame.Data, frame.Frequency, frame.RSSI, frame.SNR,
	)

	return err
}

// ListFrames lists frame log entries with filters
func (s *PostgresStore) ListFrames(ctx context.Context, filters FrameFilters, limit, offset int) ([]*models.FrameLog, int64, error) {
	query := "SELECT COUNT(*) FROM frame_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Direction != nil {
		argCount++
		query += fmt.Sprintf(" AND direction = $%d", argCount)
		args = append(args, *filters.Direction)
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
		"SELECT id, created_at, dev_eui, dev_addr, direction, f_cnt, f_port, dr, confirmed, ack, data, frequency, rssi, snr", 1)

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

	var frames []*models.FrameLog
	for rows.Next() {
		frame := &models.FrameLog{}
		var devEUI, devAddr []byte

		err := rows.Scan(
			&frame.ID, &frame.CreatedAt, &devEUI, &devAddr, &frame.Direction,
			&frame.FCnt, &frame.FPort, &frame.DR, &frame.Confirmed, &frame.ACK,
			&frame.Data, &frame.Frequency, &frame.RSSI, &frame.SNR,
		)
		if err != nil {
			return nil, 0, err
		}

		copy(frame.DevEUI[:], devEUI)
		copy(frame.DevAddr[:], devAddr)

		frames = append(frames, frame)
	}

	return frames, count, nil
}
