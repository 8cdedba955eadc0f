// Package session orchestrates one realtime voice conversation: it
// mints a credential, brings up the media transport, processes the
// event stream into transcript turns, and persists everything through
// the store bridge.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicekit-dev/go-voicekit/internal/log"
	"github.com/voicekit-dev/go-voicekit/pkg/broker"
	"github.com/voicekit-dev/go-voicekit/pkg/protocol"
	"github.com/voicekit-dev/go-voicekit/pkg/store"
	"github.com/voicekit-dev/go-voicekit/pkg/transport"
)

const endFlushBudget = 5 * time.Second

// Controller drives a single voice session from idle to ended. A
// controller is single-use; once ended it cannot be started again.
type Controller struct {
	cfg    Config
	minter broker.Minter
	tr     transport.Transport
	bridge *store.Bridge

	mu          sync.Mutex
	status      Status
	sessionID   string
	events      transport.EventChannel
	startCancel context.CancelFunc
	connectedAt time.Time
	agg         *aggregator

	cbMu       sync.Mutex
	onMessage  func(Message)
	onStatus   func(Status)
	onSpeaking func(bool)
}

// New creates an idle controller. Start must be called to connect.
func New(minter broker.Minter, tr transport.Transport, bridge *store.Bridge, opts ...Option) *Controller {
	cfg := newConfig(opts...)
	if cfg.Logger == nil {
		cfg.Logger = log.Component("session")
	}
	return &Controller{
		cfg:       cfg,
		minter:    minter,
		tr:        tr,
		bridge:    bridge,
		status:    StatusIdle,
		sessionID: uuid.NewString(),
	}
}

// ID returns the session's identity, stable from construction.
func (c *Controller) ID() string {
	return c.sessionID
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnMessage registers the transcript observer.
func (c *Controller) OnMessage(fn func(Message)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

// OnStatus registers the lifecycle observer.
func (c *Controller) OnStatus(fn func(Status)) {
	c.cbMu.Lock()
	c.onStatus = fn
	c.cbMu.Unlock()
}

// OnSpeaking registers the agent speaking observer. It fires on edges
// only, never twice in a row with the same value.
func (c *Controller) OnSpeaking(fn func(bool)) {
	c.cbMu.Lock()
	c.onSpeaking = fn
	c.cbMu.Unlock()
}

// Start mints a credential, opens the transport, and begins processing
// events. It blocks until the session is connected or fails; End from
// another goroutine aborts the sequence at the next step boundary.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusIdle:
	case StatusEnded:
		c.mu.Unlock()
		return ErrSessionEnded
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	c.startCancel = cancel
	c.status = StatusConnecting
	c.mu.Unlock()
	defer cancel()

	c.emitStatus(StatusConnecting)

	cred, err := c.minter.Mint(ctx, broker.MintRequest{
		Voice:        c.cfg.Voice,
		Model:        c.cfg.Model,
		Instructions: c.cfg.Instructions,
	})
	if err != nil {
		if c.endedDuringStart() {
			return ErrSessionEnded
		}
		c.failStart()
		return fmt.Errorf("%w: %w", ErrCredential, err)
	}
	if c.endedDuringStart() {
		return ErrSessionEnded
	}

	events, err := c.tr.Open(ctx, cred)
	if err != nil {
		if c.endedDuringStart() {
			return ErrSessionEnded
		}
		c.failStart()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	c.mu.Lock()
	if c.status == StatusEnded {
		c.mu.Unlock()
		c.tr.Close()
		return ErrSessionEnded
	}

	now := time.Now()
	c.events = events
	c.connectedAt = now

	c.bridge.CreateSession(&store.Session{
		ID:        c.sessionID,
		AgentID:   c.cfg.AgentID,
		UserID:    c.cfg.UserID,
		Status:    store.StatusActive,
		StartedAt: now,
	})

	agg := newAggregator(c.sessionID, c.bridge, c.cfg.Logger)
	c.agg = agg
	update := protocol.NewSessionUpdate(c.sessionConfig())
	proc := newProcessor(update, events.Send, agg, c.cfg.Logger)
	proc.emit = c.emitMessage
	proc.speaking = c.emitSpeaking
	proc.onClosed = func() { c.End() }

	c.status = StatusConnected
	c.mu.Unlock()

	c.emitStatus(StatusConnected)
	go proc.run(events.Recv())

	c.cfg.Logger.Info("session connected",
		"session_id", c.sessionID,
		"model", c.cfg.Model,
	)
	return nil
}

// sessionConfig maps the controller options onto the wire form. An
// unset prompt id must keep the prompt key out of the payload.
func (c *Controller) sessionConfig() protocol.SessionConfig {
	wire := protocol.SessionConfig{
		Instructions: c.cfg.Instructions,
		Voice:        c.cfg.Voice,
	}
	if c.cfg.PromptID != "" {
		wire.Prompt = &protocol.Prompt{ID: c.cfg.PromptID}
	}
	return wire
}

// SendText injects a typed user message and asks for a response. The
// text is surfaced to the observer right away rather than waiting for
// the endpoint to echo it back.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	events := c.events
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || events == nil {
		return ErrNotConnected
	}
	if err := events.Send(protocol.NewUserText(text)); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	if err := events.Send(protocol.NewResponseCreate()); err != nil {
		return fmt.Errorf("session: request response: %w", err)
	}

	c.emitMessage(Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})
	return nil
}

// CancelResponse interrupts the agent's in-flight response.
func (c *Controller) CancelResponse() error {
	c.mu.Lock()
	events := c.events
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || events == nil {
		return ErrNotConnected
	}
	if err := events.Send(protocol.NewResponseCancel()); err != nil {
		return fmt.Errorf("session: cancel response: %w", err)
	}
	return nil
}

// SetMicMuted stops or resumes outbound audio.
func (c *Controller) SetMicMuted(muted bool) {
	c.tr.SetMicMuted(muted)
}

// SetSpeakerMuted stops or resumes inbound audio playback.
func (c *Controller) SetSpeakerMuted(muted bool) {
	c.tr.SetSpeakerMuted(muted)
}

// End tears the session down. It is idempotent; only the first call
// closes the transport and writes the final session record.
func (c *Controller) End() error {
	c.mu.Lock()
	if c.status == StatusEnded {
		c.mu.Unlock()
		return nil
	}
	prev := c.status
	c.status = StatusEnded
	cancel := c.startCancel
	connectedAt := c.connectedAt
	agg := c.agg
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.tr.Close()

	if prev == StatusConnected {
		endedAt := time.Now()
		durationMs := endedAt.Sub(connectedAt).Milliseconds()
		c.bridge.CloseSession(c.sessionID, store.StatusCompleted, endedAt, durationMs)

		flushCtx, flushCancel := context.WithTimeout(context.Background(), endFlushBudget)
		if err := c.bridge.Flush(flushCtx); err != nil {
			c.cfg.Logger.Warn("flush on end timed out", "session_id", c.sessionID)
		}
		flushCancel()

		totals := agg.snapshot()
		c.cfg.Logger.Info("session ended",
			"session_id", c.sessionID,
			"duration_ms", durationMs,
			"turns", totals.TurnCount,
			"total_tokens", totals.TotalTokens,
		)
	}

	c.emitStatus(StatusEnded)
	return nil
}

// endedDuringStart reports whether End raced the connect sequence.
func (c *Controller) endedDuringStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusEnded
}

// failStart marks a failed connect attempt terminal.
func (c *Controller) failStart() {
	c.mu.Lock()
	if c.status == StatusEnded {
		c.mu.Unlock()
		return
	}
	c.status = StatusEnded
	c.mu.Unlock()
	c.emitStatus(StatusEnded)
}

func (c *Controller) emitStatus(s Status) {
	c.cbMu.Lock()
	fn := c.onStatus
	c.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Controller) emitMessage(m Message) {
	c.cbMu.Lock()
	fn := c.onMessage
	c.cbMu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Controller) emitSpeaking(on bool) {
	c.cbMu.Lock()
	fn := c.onSpeaking
	c.cbMu.Unlock()
	if fn != nil {
		fn(on)
	}
}
