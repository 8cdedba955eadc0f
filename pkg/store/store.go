// Package store persists voice sessions and their conversation turns.
// A SQLite implementation backs production use, an in-memory one backs
// tests, and Bridge decouples the realtime event loop from storage
// latency.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("store: not found")

// Status is the lifecycle state of a persisted session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusEnded     Status = "ended"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusEnded
}

// Session is one realtime voice session.
type Session struct {
	ID        string
	AgentID   string
	UserID    string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time

	// DurationMs is wall time between connect and end, zero while the
	// session is active.
	DurationMs int64

	Counters
}

// Counters aggregates per-session usage totals.
type Counters struct {
	TurnCount    int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CachedTokens int
}

// Add accumulates another set of counters into c.
func (c *Counters) Add(o Counters) {
	c.TurnCount += o.TurnCount
	c.InputTokens += o.InputTokens
	c.OutputTokens += o.OutputTokens
	c.TotalTokens += o.TotalTokens
	c.CachedTokens += o.CachedTokens
}

// Turn is one user/agent exchange within a session. Index is dense and
// zero-based within the session.
type Turn struct {
	SessionID string
	Index     int
	UserText  string
	AgentText string

	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CachedTokens int

	CreatedAt time.Time
}

// Store is the persistence contract for sessions and turns.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	InsertTurn(ctx context.Context, t *Turn) error
	UpdateSessionTotals(ctx context.Context, sessionID string, c Counters) error
	CloseSession(ctx context.Context, sessionID string, status Status, endedAt time.Time, durationMs int64) error

	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	Close() error
}
