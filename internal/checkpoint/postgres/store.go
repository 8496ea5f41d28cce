// Package postgres stores the checkpoint in a Postgres table, one row per
// harvested item.
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store implements harvest.CheckpointStore. Each Save runs in one
// transaction so the table always mirrors a whole checkpoint.
type Store struct {
	pool   pool
	table  string
	logger *zap.Logger

	mu     sync.Mutex
	stored map[harvest.ItemID][]byte
}

// New connects to Postgres and ensures the checkpoint table exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store on an existing pool (primarily for testing).
func NewWithPool(p pool, table string, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "harvest_checkpoint"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   p,
		table:  table,
		logger: logger,
		stored: make(map[harvest.ItemID][]byte),
	}, nil
}

// EnsureSchema creates the checkpoint table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item_id    TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load reads every row. Rows whose JSON no longer decodes are skipped with a
// warning so one bad row cannot block a resume.
func (s *Store) Load(ctx context.Context) (harvest.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT item_id, record FROM %s`, s.table))
	if err != nil {
		return nil, &harvest.PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()

	cp := harvest.Checkpoint{}
	stored := make(map[harvest.ItemID][]byte)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, &harvest.PersistenceError{Op: "load", Err: fmt.Errorf("scan row: %w", err)}
		}
		var rec harvest.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping corrupt checkpoint row", zap.String("item_id", id), zap.Error(err))
			continue
		}
		cp[harvest.ItemID(id)] = rec
		stored[harvest.ItemID(id)] = raw
	}
	if err := rows.Err(); err != nil {
		return nil, &harvest.PersistenceError{Op: "load", Err: err}
	}
	s.stored = stored
	return cp, nil
}

// Save makes the table equal to cp. Only rows that changed since the last
// Load or Save are rewritten.
func (s *Store) Save(ctx context.Context, cp harvest.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(cp))
	for id := range cp {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	encoded := make(map[harvest.ItemID][]byte, len(cp))
	for _, id := range ids {
		raw, err := json.Marshal(cp[harvest.ItemID(id)])
		if err != nil {
			return &harvest.PersistenceError{Op: "encode", Err: err}
		}
		encoded[harvest.ItemID(id)] = raw
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &harvest.PersistenceError{Op: "save", Err: fmt.Errorf("begin: %w", err)}
	}
	fail := func(op string, err error) error {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("checkpoint rollback failed", zap.Error(rbErr))
		}
		return &harvest.PersistenceError{Op: "save", Err: fmt.Errorf("%s: %w", op, err)}
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE NOT (item_id = ANY($1))`, s.table)
	if _, err := tx.Exec(ctx, deleteQuery, ids); err != nil {
		return fail("prune", err)
	}
	upsertQuery := fmt.Sprintf(`
INSERT INTO %s (item_id, record, updated_at) VALUES ($1, $2, now())
ON CONFLICT (item_id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`, s.table)
	for _, id := range ids {
		raw := encoded[harvest.ItemID(id)]
		if prev, ok := s.stored[harvest.ItemID(id)]; ok && bytes.Equal(prev, raw) {
			continue
		}
		if _, err := tx.Exec(ctx, upsertQuery, id, raw); err != nil {
			return fail("upsert "+id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &harvest.PersistenceError{Op: "save", Err: fmt.Errorf("commit: %w", err)}
	}
	s.stored = encoded
	return nil
}
