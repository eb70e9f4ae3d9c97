package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/procwatch/internal/history"
)

// Sink writes history records to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New opens (and creates if needed) a SQLite history store.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS target_history(
			id TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			target TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			restart_count INTEGER NOT NULL DEFAULT 0,
			cpu_percent REAL NOT NULL DEFAULT 0,
			memory_mb REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_target_history_target ON target_history(target, occurred_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO target_history(id, occurred_at, target, kind, status, message, restart_count, cpu_percent, memory_mb)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.OccurredAt.UTC().UnixNano(), r.Target, string(r.Kind), r.Status, r.Message,
		r.RestartCount, r.CPUPercent, r.MemoryMB)
	return err
}

func (s *Sink) Recent(ctx context.Context, target string, limit int) ([]history.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, target, kind, status, message, restart_count, cpu_percent, memory_mb
		FROM target_history WHERE target = ?
		ORDER BY occurred_at DESC, rowid DESC LIMIT ?;`,
		target, history.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Record
	for rows.Next() {
		var (
			r    history.Record
			nano int64
			kind string
		)
		if err := rows.Scan(&r.ID, &nano, &r.Target, &kind, &r.Status, &r.Message,
			&r.RestartCount, &r.CPUPercent, &r.MemoryMB); err != nil {
			return nil, err
		}
		r.Kind = history.Kind(kind)
		r.OccurredAt = time.Unix(0, nano).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
