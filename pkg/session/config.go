package session

import (
	"log/slog"
	"time"
)

const defaultStartTimeout = 30 * time.Second

// Config holds the settings a session is started with. Zero values are
// filled with defaults by newConfig; everything here is fixed for the
// lifetime of the session.
type Config struct {
	// AgentID and UserID tag the persisted session record.
	AgentID string
	UserID  string

	// Model and Voice select the inference endpoint behavior.
	Model string
	Voice string

	// Instructions is the system prompt applied after the session is
	// created. Empty means the endpoint default.
	Instructions string

	// PromptID references a server-side prompt. Empty means none is
	// sent at all.
	PromptID string

	// StartTimeout bounds the whole connect sequence.
	StartTimeout time.Duration

	Logger *slog.Logger
}

// Option configures a session.
type Option func(*Config)

// WithAgentID tags the session with the agent identity.
func WithAgentID(id string) Option {
	return func(c *Config) { c.AgentID = id }
}

// WithUserID tags the session with the user identity.
func WithUserID(id string) Option {
	return func(c *Config) { c.UserID = id }
}

// WithModel selects the inference model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithVoice selects the agent voice.
func WithVoice(voice string) Option {
	return func(c *Config) { c.Voice = voice }
}

// WithInstructions sets the system prompt.
func WithInstructions(instructions string) Option {
	return func(c *Config) { c.Instructions = instructions }
}

// WithPromptID references a server-side prompt by id.
func WithPromptID(id string) Option {
	return func(c *Config) { c.PromptID = id }
}

// WithStartTimeout bounds the connect sequence.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.StartTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

func newConfig(opts ...Option) Config {
	cfg := Config{
		StartTimeout: defaultStartTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
