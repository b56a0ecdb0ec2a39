package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteKV is the persistent lifetime class of the KV interface.
type SQLiteKV struct {
	db *sql.DB
}

var _ KV = &SQLiteKV{}

func NewSQLiteKV(dsn string) (*SQLiteKV, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite kv: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteKV{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteKVDSNForFile builds a DSN with the pragmas the store expects.
func SQLiteKVDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite kv: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteKV) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite kv: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT NOT NULL PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS kv_entries_by_updated ON kv_entries(updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite kv: migrate")
		}
	}
	return nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite kv: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("sqlite kv: key is empty")
	}
	if ctx == nil {
		return nil, false, errors.New("sqlite kv: ctx is nil")
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite kv: get")
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite kv: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("sqlite kv: key is empty")
	}
	if ctx == nil {
		return errors.New("sqlite kv: ctx is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries(key, value, updated_at_ms)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	return errors.Wrap(err, "sqlite kv: set")
}

func (s *SQLiteKV) Remove(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite kv: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("sqlite kv: key is empty")
	}
	if ctx == nil {
		return errors.New("sqlite kv: ctx is nil")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return errors.Wrap(err, "sqlite kv: remove")
}

func (s *SQLiteKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
