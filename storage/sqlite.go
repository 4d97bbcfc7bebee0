package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog/log"
)

// SQLiteStore persists entries in a single sqlite table. Use the dsn
// "file::memory:?cache=shared" for an in-memory database.
type SQLiteStore struct {
	Grace time.Duration

	db         *sql.DB
	writeMutex sync.Mutex
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS responses (key TEXT PRIMARY KEY, evict INTEGER, entry BLOB)"); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS evict_idx ON responses (evict)"); err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &SQLiteStore{
		Grace: DefaultGrace,
		db:    db,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var evict int64
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT evict, entry FROM responses WHERE key = ?", key).Scan(&evict, &blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	if time.Now().Unix() > evict {
		s.purge(ctx, key)
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	evict := time.Now().Add(ttl + s.Grace).Unix()
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx, "INSERT OR REPLACE INTO responses (key, evict, entry) VALUES (?, ?, ?)", key, evict, blob)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// purge drops an expired row. The row is already invisible to Get, so
// a failed delete only costs space and is just logged.
func (s *SQLiteStore) purge(ctx context.Context, key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM responses WHERE key = ?", key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Could not purge expired entry")
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
