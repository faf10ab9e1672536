package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloudpico-node/internal/kvstore/migrate"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps slots in a single kv table. Each Put is a single
// autocommit upsert; with synchronous=FULL it is durable on return.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies the embedded migrations.
// When logger has debug enabled every statement is logged.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		db = sql.OpenDB(newTracingConnector(dsn, logger))
	} else {
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
	}

	// One writer keeps slot and metadata writes strictly ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key uint16) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, int64(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key %d: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Put(key uint16, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		int64(key), value,
	)
	if err != nil {
		return fmt.Errorf("put key %d: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key uint16) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, int64(key)); err != nil {
		return fmt.Errorf("delete key %d: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return "file::memory:?_synchronous=FULL", nil
	}

	if !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	// - busy_timeout: the CLI may inspect the file while the node runs
	// - journal_mode=WAL + synchronous=FULL: a committed Put survives power loss
	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_synchronous=FULL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
