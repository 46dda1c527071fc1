package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const columnsPerRow = 9

const schema = `
CREATE TABLE IF NOT EXISTS classified_tokens (
	id                 BIGSERIAL PRIMARY KEY,
	run_id             TEXT        NOT NULL,
	term               TEXT        NOT NULL,
	term_hash          CHAR(64)    NOT NULL,
	start_offset       INTEGER     NOT NULL,
	end_offset         INTEGER     NOT NULL,
	position_increment INTEGER     NOT NULL DEFAULT 1,
	position_length    INTEGER     NOT NULL DEFAULT 1,
	type               TEXT        NOT NULL,
	flags              INTEGER     NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_classified_tokens_run_id ON classified_tokens (run_id);
CREATE INDEX IF NOT EXISTS idx_classified_tokens_type ON classified_tokens (type);`

// Store persists classified tokens in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// NewStore connects to Postgres and makes sure the schema exists
func NewStore(ctx context.Context, config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	s := &Store{db: db, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Token store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return s, nil
}

// EnsureSchema creates the classified_tokens table and its indexes
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// BatchInsert writes rows in a single multi-row INSERT
func (s *Store) BatchInsert(ctx context.Context, rows []*ClassifiedToken) (*BatchInsertResult, error) {
	if len(rows) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	result := &BatchInsertResult{}

	query, args := buildInsert(rows)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		result.Failed = int64(len(rows))
		result.Errors = []error{err}
		s.logger.Error("Batch insert failed", zap.Error(err))
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(rows))
	}

	result.Inserted = inserted
	result.Failed = int64(len(rows)) - inserted
	result.Duration = time.Since(start)

	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// TypeStats returns per-type token counts, optionally limited to one run
func (s *Store) TypeStats(ctx context.Context, runID string) ([]TypeCount, error) {
	query := `SELECT type, COUNT(*) AS count FROM classified_tokens`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = $1`
		args = append(args, runID)
	}
	query += ` GROUP BY type ORDER BY count DESC, type`

	var counts []TypeCount
	if err := s.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get type stats: %w", err)
	}
	return counts, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildInsert(rows []*ClassifiedToken) (string, []interface{}) {
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*columnsPerRow)

	for i, r := range rows {
		n := i * columnsPerRow
		p := make([]string, columnsPerRow)
		for j := range p {
			p[j] = fmt.Sprintf("$%d", n+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(p, ", ")+")")
		args = append(args,
			r.RunID,
			r.Term,
			r.TermHash,
			r.StartOffset,
			r.EndOffset,
			r.PositionIncrement,
			r.PositionLength,
			r.Type,
			r.Flags,
		)
	}

	query := `INSERT INTO classified_tokens
		(run_id, term, term_hash, start_offset, end_offset, position_increment, position_length, type, flags)
		VALUES ` + strings.Join(placeholders, ", ")
	return query, args
}

// HashTerm returns the hex SHA-256 of a term
func HashTerm(term string) string {
	sum := sha256.Sum256([]byte(term))
	return hex.EncodeToString(sum[:])
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	start := 0
	if i := strings.Index(url, "://"); i >= 0 && i < at {
		start = i + 3
	}
	colon := strings.Index(url[start:at], ":")
	if colon < 0 {
		return url
	}
	return url[:start+colon+1] + "***" + url[at:]
}
