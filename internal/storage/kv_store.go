package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// RemoteKV is the Cache's L2 contract: a shared remote key-value service.
// Writes are fire-and-forget with a short timeout from the caller; reads
// are blocking with a short timeout. Implementations must not block past
// the context deadline.
type RemoteKV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// MemoryKV is an in-process RemoteKV, standing in for a shared remote
// service in tests and single-replica deployments.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]kvEntry
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]kvEntry)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = kvEntry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
	return nil
}

// SQLKV is a RemoteKV backed by a SQL table, used when a dedicated cache
// service (Redis, memcached) is not available: the same postgres/sqlite
// database already holding session records backs the Cache's L2 tier.
type SQLKV struct {
	db      *sql.DB
	dialect string
}

func NewSQLKV(db *sql.DB, dialect string) *SQLKV {
	return &SQLKV{db: db, dialect: dialect}
}

func (s *SQLKV) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf("SELECT value, expires_at FROM cache_entries WHERE key = %s", s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, key)
	var value []byte
	var expiresAt sql.NullTime
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		         ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	} else {
		query = `INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		         ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
	}
	_, err := s.db.ExecContext(ctx, query, key, value, expiresAt)
	return err
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM cache_entries WHERE key = %s", s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQLKV) DeletePrefix(ctx context.Context, prefix string) error {
	var query string
	if s.dialect == "postgres" {
		query = "DELETE FROM cache_entries WHERE key LIKE $1"
	} else {
		query = "DELETE FROM cache_entries WHERE key LIKE ?"
	}
	_, err := s.db.ExecContext(ctx, query, prefix+"%")
	return err
}
