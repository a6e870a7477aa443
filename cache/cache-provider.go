package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jonboulle/clockwork"
)

// ErrInvalidTTL is returned by Put when the time-to-live is not positive.
var ErrInvalidTTL = errors.New("ttl must be positive")

// Store is a key-value map with per-key expiration.
// It stores and retrieves []byte values, which represent fetched page bodies.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the stored value for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the entry has expired, the boolean should be false.
	// A missing key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the given value under the given key, overwriting any previous entry.
	// The entry expires ttl from now.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Purge removes the entry for the given key.
	Purge(ctx context.Context, key string) error
	// Close releases the resources held by the store.
	Close() error
}

// Expirer is implemented by stores that keep expired entries around until they are purged.
// The sweeper uses it to bound memory.
type Expirer interface {
	// Oldest returns the key and expiration time of the entry expiring first.
	// ok is false if the store holds no entries.
	Oldest(ctx context.Context) (key string, expires time.Time, ok bool, err error)
	// PurgeExpired removes the entry for the given key only if it has expired.
	// It reports whether an entry was removed.
	PurgeExpired(ctx context.Context, key string) (bool, error)
	// PurgeAllExpired removes every expired entry in one pass and returns how many were removed.
	PurgeAllExpired(ctx context.Context) (int, error)
}

type memEntry struct {
	expires time.Time
	bytes   []byte
}

// MemStore is an in-process Store. Expired entries are evicted lazily.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]memEntry
	clock clockwork.Clock
}

// NewMemStore creates an empty in-memory store.
// A nil clock means the wall clock.
func NewMemStore(clock clockwork.Clock) MemStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memEntry),
		clock: clock,
	}
}

func (m MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(entry.expires) {
		return nil, false, nil
	}
	return bytes.Clone(entry.bytes), true, nil
}

func (m MemStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	entry := memEntry{
		expires: m.clock.Now().Add(ttl),
		bytes:   bytes.Clone(value),
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = entry
	return nil
}

func (m MemStore) Purge(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemStore) Oldest(_ context.Context) (string, time.Time, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var oldestKey string
	var oldestTime time.Time
	found := false
	for key, entry := range m.db {
		if !found || entry.expires.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expires
			found = true
		}
	}
	return oldestKey, oldestTime, found, nil
}

func (m MemStore) PurgeExpired(_ context.Context, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[key]
	if !ok || m.clock.Now().Before(entry.expires) {
		return false, nil
	}
	delete(m.db, key)
	return true, nil
}

func (m MemStore) PurgeAllExpired(_ context.Context) (int, error) {
	now := m.clock.Now()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	purged := 0
	for key, entry := range m.db {
		if !now.Before(entry.expires) {
			delete(m.db, key)
			purged++
		}
	}
	return purged, nil
}

// Len returns the number of resident entries, expired or not.
func (m MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

func (m MemStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	clear(m.db)
	return nil
}

// SQLiteStore keeps entries in a SQLite database.
// Expiration times are stored as unix nanoseconds.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewSQLiteStore opens (or creates) the database at the given DSN.
// Use "file::memory:?cache=shared" for a database that lives only as long as the process.
func NewSQLiteStore(dsn string, clock clockwork.Clock) (SQLiteStore, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return SQLiteStore{}, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return SQLiteStore{
		db:    db,
		clock: clock,
	}, nil
}

func (s SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var expires int64
	var bytes []byte
	err := s.db.QueryRowContext(ctx, "SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&expires, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.clock.Now().UnixNano() >= expires {
		return nil, false, nil
	}
	return bytes, true, nil
}

func (s SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	expires := s.clock.Now().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key, expires, value)
	return err
}

func (s SQLiteStore) Purge(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s SQLiteStore) Oldest(ctx context.Context) (string, time.Time, bool, error) {
	var key string
	var expires int64
	err := s.db.QueryRowContext(ctx, "SELECT key, expires FROM cache ORDER BY expires ASC LIMIT 1").Scan(&key, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return key, time.Unix(0, expires), true, nil
}

func (s SQLiteStore) PurgeExpired(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ? AND expires <= ?", key, s.clock.Now().UnixNano())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s SQLiteStore) PurgeAllExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE expires <= ?", s.clock.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ Store   = MemStore{}
	_ Expirer = MemStore{}
	_ Store   = SQLiteStore{}
	_ Expirer = SQLiteStore{}
)
