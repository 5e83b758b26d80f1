package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencellcw/agentcore/pkg/models"
)

// SessionRecord is the durable-store representation of a Session plus its
// ordered Turns, matching the "versioned structured format with
// backward-compatible field addition" persistence contract: a schema
// version and checksum travel with every record so that a reader can detect
// truncated or corrupted writes.
type SessionRecord struct {
	SchemaVersion int              `json:"schema_version"`
	Session       *models.Session  `json:"session"`
	Turns         []*models.Message `json:"turns"`
	Checksum      string           `json:"checksum"`
}

const sessionSchemaVersion = 1

// SessionStore is the durable persistence contract for the Session
// Manager's write-behind flush and crash-recovery scan: put/get/list/delete
// keyed by user-id (the Session's AgentID+Key composite in this module,
// since a single replica may host many agents).
type SessionStore interface {
	Put(ctx context.Context, userID string, record *SessionRecord) error
	Get(ctx context.Context, userID string) (*SessionRecord, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, userID string) error
}

func checksumOf(session *models.Session, turns []*models.Message) string {
	h := 0
	buf, _ := json.Marshal(struct {
		S *models.Session   `json:"s"`
		T []*models.Message `json:"t"`
	}{session, turns})
	for _, b := range buf {
		h = (h*31 + int(b)) & 0x7fffffff
	}
	return fmt.Sprintf("%x", h)
}

// NewSessionRecord builds a SessionRecord with schema version and checksum
// populated, ready to hand to a SessionStore.Put.
func NewSessionRecord(session *models.Session, turns []*models.Message) *SessionRecord {
	return &SessionRecord{
		SchemaVersion: sessionSchemaVersion,
		Session:       session,
		Turns:         turns,
		Checksum:      checksumOf(session, turns),
	}
}

// Verify reports whether the record's checksum matches its content,
// detecting corruption introduced after the write.
func (r *SessionRecord) Verify() bool {
	if r == nil || r.Session == nil {
		return false
	}
	return r.Checksum == checksumOf(r.Session, r.Turns)
}

// MemorySessionStore is an in-process SessionStore, useful for tests and
// single-process deployments that accept losing durability on crash.
type MemorySessionStore struct {
	mu      sync.RWMutex
	records map[string]*SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{records: make(map[string]*SessionRecord)}
}

func (s *MemorySessionStore) Put(ctx context.Context, userID string, record *SessionRecord) error {
	if userID == "" || record == nil {
		return fmt.Errorf("user id and record are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = record
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, userID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemorySessionStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[userID]; !ok {
		return ErrNotFound
	}
	delete(s.records, userID)
	return nil
}

// SQLSessionStore persists SessionRecords as JSON blobs in a single table,
// against any database/sql driver (postgres via lib/pq, or sqlite via
// modernc.org/sqlite for single-replica deployments). The table is expected
// to already exist (see migrations.go); this store does no DDL.
type SQLSessionStore struct {
	db     *sql.DB
	dialect string // "postgres" or "sqlite"
}

func NewSQLSessionStore(db *sql.DB, dialect string) *SQLSessionStore {
	return &SQLSessionStore{db: db, dialect: dialect}
}

func (s *SQLSessionStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLSessionStore) Put(ctx context.Context, userID string, record *SessionRecord) error {
	if userID == "" || record == nil {
		return fmt.Errorf("user id and record are required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO sessions (user_id, payload, updated_at) VALUES ($1, $2, $3)
		         ON CONFLICT (user_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	} else {
		query = `INSERT INTO sessions (user_id, payload, updated_at) VALUES (?, ?, ?)
		         ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	}
	_, err = s.db.ExecContext(ctx, query, userID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Get(ctx context.Context, userID string) (*SessionRecord, error) {
	query := fmt.Sprintf("SELECT payload FROM sessions WHERE user_id = %s", s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, userID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

func (s *SQLSessionStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM sessions ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLSessionStore) Delete(ctx context.Context, userID string) error {
	query := fmt.Sprintf("DELETE FROM sessions WHERE user_id = %s", s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ToolInvocationLog is the append-only record of ToolInvocations used for
// observability and for crash recovery: invocations with a start-time and
// no end-time are surfaced as a warning on the next open() of their session.
type ToolInvocationLog interface {
	Append(ctx context.Context, inv *models.ToolInvocation) error
	Unresolved(ctx context.Context, sessionID string) ([]*models.ToolInvocation, error)
	Complete(ctx context.Context, invocationID string, outcome models.ToolOutcome, errMsg string) error
}

type memoryToolInvocationLog struct {
	mu   sync.Mutex
	rows map[string]*models.ToolInvocation
}

func NewMemoryToolInvocationLog() ToolInvocationLog {
	return &memoryToolInvocationLog{rows: make(map[string]*models.ToolInvocation)}
}

func (l *memoryToolInvocationLog) Append(ctx context.Context, inv *models.ToolInvocation) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invocation is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *inv
	l.rows[inv.ID] = &cp
	return nil
}

func (l *memoryToolInvocationLog) Unresolved(ctx context.Context, sessionID string) ([]*models.ToolInvocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.ToolInvocation
	for _, inv := range l.rows {
		if inv.SessionID == sessionID && inv.Outcome == models.OutcomePending && inv.EndTime.IsZero() {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (l *memoryToolInvocationLog) Complete(ctx context.Context, invocationID string, outcome models.ToolOutcome, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.rows[invocationID]
	if !ok {
		return ErrNotFound
	}
	if inv.Outcome != models.OutcomePending {
		return fmt.Errorf("invocation %s outcome already set", invocationID)
	}
	inv.Outcome = outcome
	inv.EndTime = time.Now()
	inv.ErrorMessage = errMsg
	return nil
}

// isDuplicateKeyErr reports whether err indicates a unique-constraint
// violation across the postgres and sqlite drivers this store supports.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
