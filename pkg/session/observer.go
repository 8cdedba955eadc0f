package session

import "time"

// Status tracks where a session is in its lifecycle. Transitions only
// move forward; an ended session never reconnects.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one observer-facing transcript entry. Partial messages
// carry a stable ID and are replaced in place as deltas arrive; the
// final message reuses the same ID with IsPartial false.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	IsPartial bool
}
