package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// PostgresOptions holds connection pool settings
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL store and bootstraps the schema
func NewPostgresStore(dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

// migrate creates the history tables when they do not exist yet
func (s *PostgresStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS device_events (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			dev_eui BYTEA NOT NULL,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			description TEXT NOT NULL,
			details JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_device_events_created_at ON device_events (created_at DESC);

		CREATE TABLE IF NOT EXISTS frame_logs (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			dev_eui BYTEA NOT NULL,
			dev_addr BYTEA NOT NULL,
			direction TEXT NOT NULL,
			f_cnt BIGINT NOT NULL,
			f_port SMALLINT,
			dr INT NOT NULL,
			confirmed BOOLEAN NOT NULL,
			ack BOOLEAN NOT NULL,
			data BYTEA,
			frequency BIGINT NOT NULL,
			rssi INT NOT NULL,
			snr DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_frame_logs_created_at ON frame_logs (created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}
