package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral use.
// The Fail* hooks inject storage errors into specific operations.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	turns    map[string][]*Turn

	// FailInsertTurn, when set, is returned by every InsertTurn call.
	FailInsertTurn error

	// FailUpdateTotals, when set, is returned by every
	// UpdateSessionTotals call.
	FailUpdateTotals error
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]*Turn),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *MemoryStore) InsertTurn(ctx context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsertTurn != nil {
		return m.FailInsertTurn
	}
	if _, ok := m.sessions[t.SessionID]; !ok {
		return fmt.Errorf("insert turn: %w", ErrNotFound)
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.turns[t.SessionID] = append(m.turns[t.SessionID], &cp)
	return nil
}

func (m *MemoryStore) UpdateSessionTotals(ctx context.Context, sessionID string, c Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdateTotals != nil {
		return m.FailUpdateTotals
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update session totals: %w", ErrNotFound)
	}
	sess.Counters = c
	return nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, sessionID string, status Status, endedAt time.Time, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("close session: %w", ErrNotFound)
	}
	sess.Status = status
	sess.EndedAt = endedAt
	sess.DurationMs = durationMs
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []*Session
	for _, sess := range m.sessions {
		if sess.UserID != userID {
			continue
		}
		cp := *sess
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (m *MemoryStore) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := m.turns[sessionID]
	out := make([]*Turn, len(turns))
	for i, t := range turns {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
