// Package transport moves media and protocol events between the local
// process and a realtime voice backend. The primary implementation
// negotiates a WebRTC peer connection over an HTTP SDP exchange; a
// WebSocket implementation covers environments without media support.
package transport

import (
	"context"
	"errors"

	"github.com/voicekit-dev/go-voicekit/pkg/broker"
)

var (
	// ErrHandshakeFailed indicates the backend rejected the connection
	// attempt during SDP or WebSocket negotiation.
	ErrHandshakeFailed = errors.New("transport: handshake failed")

	// ErrClosed indicates the transport was closed before or during
	// the operation.
	ErrClosed = errors.New("transport: closed")
)

// EventChannel carries protocol events over an open transport.
// Recv yields raw event payloads until the channel closes; closure
// means the underlying connection is gone.
type EventChannel interface {
	// Send marshals v as JSON and writes it to the backend.
	Send(v any) error

	// Recv returns the stream of inbound event payloads.
	Recv() <-chan []byte
}

// Transport negotiates and maintains a connection to a realtime
// backend. Open blocks until the event channel is usable or ctx is
// done. Implementations must make Close safe to call at any point,
// including concurrently with Open.
type Transport interface {
	Open(ctx context.Context, cred broker.Credential) (EventChannel, error)
	SetMicMuted(muted bool)
	SetSpeakerMuted(muted bool)
	Close() error
}
