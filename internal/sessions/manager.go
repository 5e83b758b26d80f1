// Package sessions implements the Session Manager: open/append/history/close
// over a per-user conversation, backed by a write-behind durable store and
// recovered from a crash via the tool-invocation log.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opencellcw/agentcore/internal/infra"
	"github.com/opencellcw/agentcore/internal/storage"
	"github.com/opencellcw/agentcore/pkg/models"
)

// Config configures the Session Manager's write-behind and idle-eviction
// policy.
type Config struct {
	// FlushThreshold is K: a session schedules a flush once this many
	// messages have accumulated since its last flush.
	FlushThreshold int
	// FlushIdle is T: a session schedules a flush once it has gone idle
	// this long, even below FlushThreshold.
	FlushIdle time.Duration
	// MaxIdleAge bounds how long a session may sit unused in memory before
	// the sweep flushes and evicts it.
	MaxIdleAge time.Duration
	// SweepInterval is the cron schedule for the idle-eviction sweep,
	// expressed as a robfig/cron spec (e.g. "@every 1m").
	SweepInterval string
}

// DefaultConfig returns a flush every 20 messages or 30s of idle time,
// eviction after 30 minutes idle, swept once a minute.
func DefaultConfig() Config {
	return Config{
		FlushThreshold: 20,
		FlushIdle:      30 * time.Second,
		MaxIdleAge:     30 * time.Minute,
		SweepInterval:  "@every 1m",
	}
}

// hotSession is one session's in-memory working set: its metadata, its
// turns, and the bookkeeping needed to coalesce flushes and bound its
// residency in the hot map.
type hotSession struct {
	session            *models.Session
	turns              []*models.Message
	dirty              bool
	messagesSinceFlush int
	lastActivity       time.Time
	flushing           bool
	refs               int
}

// Handle is a caller's lease on an open session. It carries no state of its
// own beyond the session ID; all mutation happens through the Manager.
type Handle struct {
	sessionID string
}

// SessionID returns the session this handle was opened against.
func (h *Handle) SessionID() string { return h.sessionID }

// Manager is the Session Manager: open/append/history/close over sessions
// held hot in memory, write-behind flushed to a durable SessionStore, and
// recovered from a crash via a ToolInvocationLog.
type Manager struct {
	*infra.BaseComponent
	config      Config
	store       storage.SessionStore
	invocations storage.ToolInvocationLog
	locks       *lockTable

	mu  sync.Mutex
	hot map[string]*hotSession

	sweep *cron.Cron
}

// New constructs a Manager. invocations may be nil, in which case
// crash-recovery synthetic timeout turns are skipped.
func New(config Config, store storage.SessionStore, invocations storage.ToolInvocationLog) *Manager {
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = 20
	}
	if config.FlushIdle <= 0 {
		config.FlushIdle = 30 * time.Second
	}
	if config.MaxIdleAge <= 0 {
		config.MaxIdleAge = 30 * time.Minute
	}
	if config.SweepInterval == "" {
		config.SweepInterval = "@every 1m"
	}
	return &Manager{
		BaseComponent: infra.NewBaseComponent("session-manager", nil),
		config:        config,
		store:         store,
		invocations:   invocations,
		locks:         newLockTable(),
		hot:           make(map[string]*hotSession),
	}
}

// Start begins the idle-eviction sweep.
func (m *Manager) Start(ctx context.Context) error {
	if !m.TransitionTo(infra.ComponentStateNew, infra.ComponentStateStarting) {
		return nil
	}
	m.sweep = cron.New()
	if _, err := m.sweep.AddFunc(m.config.SweepInterval, func() { m.runSweep(context.Background()) }); err != nil {
		m.SetState(infra.ComponentStateFailed)
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	m.sweep.Start()
	m.SetState(infra.ComponentStateRunning)
	return nil
}

// Stop flushes every dirty session and halts the sweep.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.TransitionTo(infra.ComponentStateRunning, infra.ComponentStateStopping) {
		return nil
	}
	if m.sweep != nil {
		stopCtx := m.sweep.Stop()
		<-stopCtx.Done()
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.hot))
	for id := range m.hot {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.flush(ctx, id); err != nil {
			m.Logger().Warn("flush on shutdown failed", "session_id", id, "error", err)
		}
	}
	m.SetState(infra.ComponentStateStopped)
	return nil
}

// Open loads userID's session into the hot set (from the durable store on a
// cold start, or fresh if none exists) and returns a handle to it. Crash
// recovery runs here: any unresolved tool invocation from a prior process is
// surfaced as a warning and folded into the session as a synthetic timeout
// turn.
func (m *Manager) Open(ctx context.Context, userID string) (*Handle, error) {
	if userID == "" {
		return nil, fmt.Errorf("sessions: user id is required")
	}

	m.mu.Lock()
	hs, ok := m.hot[userID]
	if !ok {
		m.mu.Unlock()
		hs = m.load(ctx, userID)
		m.mu.Lock()
		if existing, raced := m.hot[userID]; raced {
			hs = existing
		} else {
			m.hot[userID] = hs
		}
	}
	hs.refs++
	m.mu.Unlock()

	return &Handle{sessionID: userID}, nil
}

// load builds a hotSession for userID from the durable store, recovering
// any unresolved tool invocations along the way. It does not touch m.hot.
func (m *Manager) load(ctx context.Context, userID string) *hotSession {
	now := time.Now()
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		return &hotSession{
			session:      &models.Session{ID: userID, CreatedAt: now, UpdatedAt: now, LastActivity: now},
			lastActivity: now,
		}
	}

	hs := &hotSession{session: rec.Session, turns: rec.Turns, lastActivity: now}
	if m.invocations == nil {
		return hs
	}

	unresolved, err := m.invocations.Unresolved(ctx, userID)
	if err != nil {
		m.Logger().Warn("scan for unresolved tool invocations failed", "session_id", userID, "error", err)
		return hs
	}
	for _, inv := range unresolved {
		m.Logger().Warn("recovering unresolved tool invocation after restart",
			"session_id", userID, "invocation_id", inv.ID, "tool", inv.ToolName)
		hs.turns = append(hs.turns, syntheticTimeoutTurn(userID, inv))
		if cerr := m.invocations.Complete(ctx, inv.ID, models.OutcomeTimeout, "interrupted by restart"); cerr != nil {
			m.Logger().Warn("failed to mark recovered invocation complete", "invocation_id", inv.ID, "error", cerr)
		}
	}
	if len(unresolved) > 0 {
		hs.dirty = true
	}
	return hs
}

func syntheticTimeoutTurn(sessionID string, inv *models.ToolInvocation) *models.Message {
	return &models.Message{
		SessionID: sessionID,
		Role:      models.RoleTool,
		CreatedAt: time.Now(),
		ToolResults: []models.ToolResult{{
			ToolCallID: inv.ID,
			Content:    fmt.Sprintf("tool %q did not complete before the process restarted", inv.ToolName),
			IsError:    true,
		}},
	}
}

// Append adds turn to the session under its handle, serialized by the
// session's exclusive lock, and schedules a write-behind flush once the
// message count or idle bound is crossed.
func (m *Manager) Append(ctx context.Context, h *Handle, turn *models.Message) error {
	release := m.locks.Lock(h.sessionID)
	defer release()

	m.mu.Lock()
	hs, ok := m.hot[h.sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessions: handle for %q is not open", h.sessionID)
	}

	now := time.Now()
	turn.SessionID = h.sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}

	hs.turns = append(hs.turns, turn)
	hs.dirty = true
	hs.messagesSinceFlush++
	hs.lastActivity = now
	hs.session.UpdatedAt = now
	hs.session.LastActivity = now
	hs.session.Dirty = true

	if hs.messagesSinceFlush >= m.config.FlushThreshold {
		m.scheduleFlush(h.sessionID)
	}
	return nil
}

// History returns a copy of the session's ordered turns, serialized by the
// session's exclusive lock so it cannot race a concurrent Append.
func (m *Manager) History(ctx context.Context, h *Handle) ([]*models.Message, error) {
	release := m.locks.Lock(h.sessionID)
	defer release()

	m.mu.Lock()
	hs, ok := m.hot[h.sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sessions: handle for %q is not open", h.sessionID)
	}

	out := make([]*models.Message, len(hs.turns))
	copy(out, hs.turns)
	return out, nil
}

// Close releases the handle and, if the session is dirty, flushes it
// synchronously. It does not evict the session from the hot set; idle
// eviction is the sweep's job.
func (m *Manager) Close(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	hs, ok := m.hot[h.sessionID]
	if ok {
		hs.refs--
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if hs.dirty {
		return m.flush(ctx, h.sessionID)
	}
	return nil
}

// scheduleFlush enqueues a background flush for sessionID unless one is
// already in flight, coalescing bursts of Append calls into a single write.
func (m *Manager) scheduleFlush(sessionID string) {
	m.mu.Lock()
	hs, ok := m.hot[sessionID]
	if !ok || hs.flushing {
		m.mu.Unlock()
		return
	}
	hs.flushing = true
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.flush(ctx, sessionID); err != nil {
			m.Logger().Warn("background session flush failed", "session_id", sessionID, "error", err)
		}
		m.mu.Lock()
		if hs, ok := m.hot[sessionID]; ok {
			hs.flushing = false
		}
		m.mu.Unlock()
	}()
}

// flush snapshots sessionID's turns under its lock and writes them to the
// durable store if dirty. A clean session is a no-op.
func (m *Manager) flush(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	hs, ok := m.hot[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	release := m.locks.Lock(sessionID)
	if !hs.dirty {
		release()
		return nil
	}
	sessCopy := *hs.session
	sessCopy.Dirty = false
	turnsCopy := make([]*models.Message, len(hs.turns))
	copy(turnsCopy, hs.turns)
	hs.dirty = false
	hs.messagesSinceFlush = 0
	hs.session.Dirty = false
	release()

	return m.store.Put(ctx, sessionID, storage.NewSessionRecord(&sessCopy, turnsCopy))
}

// runSweep flushes every dirty hot session idle at least FlushIdle, and
// separately flushes-then-evicts every session idle beyond MaxIdleAge with
// no open handles. The two idle thresholds are independent: a session can
// be flushed repeatedly by the FlushIdle check long before it is old enough
// to be evicted.
func (m *Manager) runSweep(ctx context.Context) {
	m.mu.Lock()
	var toFlush, toEvict []string
	for id, hs := range m.hot {
		idle := time.Since(hs.lastActivity)
		switch {
		case hs.refs <= 0 && idle > m.config.MaxIdleAge:
			toEvict = append(toEvict, id)
		case hs.dirty && m.config.FlushIdle > 0 && idle >= m.config.FlushIdle:
			toFlush = append(toFlush, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toFlush {
		if err := m.flush(ctx, id); err != nil {
			m.Logger().Warn("idle flush failed", "session_id", id, "error", err)
		}
	}

	for _, id := range toEvict {
		if err := m.flush(ctx, id); err != nil {
			m.Logger().Warn("sweep flush failed, skipping eviction", "session_id", id, "error", err)
			continue
		}
		m.mu.Lock()
		if hs, ok := m.hot[id]; ok && hs.refs <= 0 {
			delete(m.hot, id)
		}
		m.mu.Unlock()
	}
}

// Recover lists every session known to the durable store. It does not load
// them into the hot set: per-session recovery (unresolved tool invocations,
// durable turns) happens lazily on that session's next Open.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions for recovery: %w", err)
	}
	m.Logger().Info("session recovery scan complete", "session_count", len(ids))
	return ids, nil
}
