package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicekit-dev/go-voicekit/internal/log"
	"github.com/voicekit-dev/go-voicekit/pkg/audio"
	"github.com/voicekit-dev/go-voicekit/pkg/broker"
	"github.com/voicekit-dev/go-voicekit/pkg/protocol"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 120 * time.Second
	wsKeepAlive        = 30 * time.Second
)

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	// URL is the wss endpoint, without the model query parameter.
	URL   string
	Model string

	Capture  audio.Capture
	Playback audio.Playback

	Logger *slog.Logger
}

// WS is a Transport that carries everything, audio included, over a
// single WebSocket. Microphone frames are base64-appended to the input
// buffer and the agent's audio deltas are decoded into the playback
// sink on the way past the event stream.
type WS struct {
	cfg WSConfig
	log *slog.Logger

	wsMu sync.Mutex
	ws   *websocket.Conn

	recv chan []byte

	micMuted     atomic.Bool
	speakerMuted atomic.Bool
	closed       atomic.Bool
}

var _ Transport = (*WS)(nil)

// NewWS creates a WebSocket transport.
func NewWS(cfg WSConfig) *WS {
	w := &WS{
		cfg:  cfg,
		log:  cfg.Logger,
		recv: make(chan []byte, 64),
	}
	if w.log == nil {
		w.log = log.Component("transport.ws")
	}
	return w
}

// Open dials the backend and starts the read loop. The returned event
// channel is usable as soon as Open returns.
func (w *WS) Open(ctx context.Context, cred broker.Credential) (EventChannel, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	if w.cfg.Capture != nil {
		if err := w.cfg.Capture.Start(ctx); err != nil {
			return nil, fmt.Errorf("start capture: %w", err)
		}
	}

	url := w.cfg.URL
	if w.cfg.Model != "" {
		url = fmt.Sprintf("%s?model=%s", url, w.cfg.Model)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	conn.SetPingHandler(func(appData string) error {
		w.wsMu.Lock()
		defer w.wsMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

	w.wsMu.Lock()
	w.ws = conn
	w.wsMu.Unlock()

	go w.readLoop(conn)
	go w.keepAlive(conn)
	if w.cfg.Capture != nil {
		go w.pumpMicrophone()
	}

	return w, nil
}

func (w *WS) readLoop(conn *websocket.Conn) {
	defer close(w.recv)

	for !w.closed.Load() {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !w.closed.Load() {
				w.log.Warn("read failed", "error", err)
			}
			return
		}

		w.tapAudio(message)

		// The event stream is ordered and lossless. A full buffer
		// means the consumer is behind, so the read loop waits
		// rather than dropping; the consumer drains until close.
		w.recv <- message
	}
}

// tapAudio decodes audio deltas into the playback sink before the
// event reaches the consumer.
func (w *WS) tapAudio(message []byte) {
	if w.cfg.Playback == nil || w.speakerMuted.Load() {
		return
	}

	ev, err := protocol.ParseServerEvent(message)
	if err != nil || ev.Type != protocol.EventResponseAudioDelta {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		return
	}
	if err := w.cfg.Playback.Write(audio.Frame{Data: pcm}); err != nil {
		w.log.Warn("playback write failed", "error", err)
	}
}

func (w *WS) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(wsKeepAlive)
	defer ticker.Stop()

	for range ticker.C {
		if w.closed.Load() {
			return
		}
		w.wsMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
		w.wsMu.Unlock()
		if err != nil {
			return
		}
	}
}

// pumpMicrophone base64-encodes capture frames into input buffer
// appends.
func (w *WS) pumpMicrophone() {
	for frame := range w.cfg.Capture.Frames() {
		if w.closed.Load() {
			return
		}
		if w.micMuted.Load() {
			continue
		}
		msg := map[string]string{
			"type":  "input_audio_buffer.append",
			"audio": base64.StdEncoding.EncodeToString(frame.Data),
		}
		if err := w.Send(msg); err != nil {
			if !w.closed.Load() {
				w.log.Warn("audio append failed", "error", err)
			}
			return
		}
	}
}

// Send marshals v and writes it to the socket. Part of the
// EventChannel contract; WS is its own event channel.
func (w *WS) Send(v any) error {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()

	if w.ws == nil || w.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

// Recv returns the inbound event stream.
func (w *WS) Recv() <-chan []byte {
	return w.recv
}

func (w *WS) SetMicMuted(muted bool) {
	w.micMuted.Store(muted)
}

func (w *WS) SetSpeakerMuted(muted bool) {
	w.speakerMuted.Store(muted)
}

// Close shuts the socket down. Safe to call more than once.
func (w *WS) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws != nil {
		return w.ws.Close()
	}
	return nil
}
