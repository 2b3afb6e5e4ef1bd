package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pq "github.com/lib/pq"

	"sitemirror/internal/config"
	"sitemirror/pkg/types"
)

// ResultStore persists per-URL download outcomes for later inspection.
type ResultStore interface {
	SaveResult(ctx context.Context, res types.Result) error
	Close() error
}

// SQLWriter records the run manifest in a relational database.
type SQLWriter struct {
	db    *sql.DB
	table string
}

// NewSQLWriter opens the manifest database from configuration.
func NewSQLWriter(cfg config.SQLConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	table := cfg.Table
	if table == "" {
		table = "download_results"
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	writer := &SQLWriter{db: db, table: table}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	url         TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	status_code INTEGER,
	path        TEXT,
	error       TEXT,
	elapsed_ms  BIGINT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure manifest schema: %w", err)
	}
	return nil
}

// SaveResult inserts one manifest row.
func (s *SQLWriter) SaveResult(ctx context.Context, res types.Result) error {
	if s == nil || s.db == nil {
		return nil
	}
	stmt := fmt.Sprintf(
		`INSERT INTO %s (url, success, status_code, path, error, elapsed_ms) VALUES ($1, $2, $3, $4, $5, $6)`,
		pq.QuoteIdentifier(s.table),
	)
	var status sql.NullInt64
	if res.StatusCode != 0 {
		status = sql.NullInt64{Int64: int64(res.StatusCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, stmt,
		res.URL, res.Success, status, nullString(res.Path), nullString(res.Err), res.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert manifest row: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
