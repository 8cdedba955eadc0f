package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/voicekit-dev/go-voicekit/internal/httpc"
	"github.com/voicekit-dev/go-voicekit/internal/log"
	"github.com/voicekit-dev/go-voicekit/pkg/audio"
	"github.com/voicekit-dev/go-voicekit/pkg/broker"
)

const eventChannelLabel = "oai-events"

// PeerConfig configures a WebRTC peer transport.
type PeerConfig struct {
	// BaseURL is the realtime endpoint the SDP offer is posted to.
	BaseURL string

	// Model is appended to the SDP exchange as a query parameter.
	Model string

	Capture  audio.Capture
	Playback audio.Playback

	// HTTPClient overrides the shared client for the SDP exchange.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Peer is a Transport backed by a pion WebRTC peer connection.
// Outbound microphone frames ride an opus track, the agent's voice
// arrives on a remote track, and protocol events flow over a data
// channel.
type Peer struct {
	cfg  PeerConfig
	http *http.Client
	log  *slog.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection

	micMuted     atomic.Bool
	speakerMuted atomic.Bool
	closed       atomic.Bool
}

var _ Transport = (*Peer)(nil)

// NewPeer creates a peer transport. Open must be called before any
// media flows.
func NewPeer(cfg PeerConfig) *Peer {
	p := &Peer{
		cfg:  cfg,
		http: cfg.HTTPClient,
		log:  cfg.Logger,
	}
	if p.http == nil {
		p.http = httpc.Client
	}
	if p.log == nil {
		p.log = log.Component("transport.peer")
	}
	return p
}

// Open negotiates the peer connection and blocks until the event data
// channel is open or ctx is done.
func (p *Peer) Open(ctx context.Context, cred broker.Credential) (EventChannel, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	// Acquire the capture device before any network work so a refused
	// microphone fails fast, without touching the endpoint.
	if p.cfg.Capture != nil {
		if err := p.cfg.Capture.Start(ctx); err != nil {
			return nil, fmt.Errorf("start capture: %w", err)
		}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if err := p.adopt(pc); err != nil {
		return nil, err
	}

	micTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicekit-mic",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create mic track: %w", err)
	}
	if _, err := pc.AddTrack(micTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add mic track: %w", err)
	}

	dc, err := pc.CreateDataChannel(eventChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	events := newDataChannelEvents(dc)
	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.log.Debug("remote audio track", "codec", track.Codec().MimeType)
		go p.handleRemoteAudio(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.closed.Load() {
			return
		}
		p.log.Debug("connection state", "state", state.String())
	})

	if err := p.exchangeSDP(ctx, pc, cred); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case <-opened:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	// Close can race the handshake. Once it has flipped the closed
	// flag the teardown path will never run again, so a connection
	// that finished opening after that point must be torn down here.
	if p.closed.Load() {
		pc.Close()
		return nil, ErrClosed
	}

	if p.cfg.Capture != nil {
		go p.pumpMicrophone(micTrack)
	}

	return events, nil
}

// exchangeSDP runs the offer/answer handshake over HTTP. The local
// offer is posted after ICE gathering completes so the SDP carries
// every candidate in one round trip.
func (p *Peer) exchangeSDP(ctx context.Context, pc *webrtc.PeerConnection, cred broker.Credential) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	url := p.cfg.BaseURL
	if p.cfg.Model != "" {
		url = fmt.Sprintf("%s?model=%s", url, p.cfg.Model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		strings.NewReader(pc.LocalDescription().SDP))
	if err != nil {
		return fmt.Errorf("build SDP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read answer: %v", ErrHandshakeFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrHandshakeFailed, resp.StatusCode, string(body))
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(body),
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// pumpMicrophone feeds capture frames into the outbound opus track.
// Muting swallows frames rather than pausing capture so unmute picks
// up live audio immediately.
func (p *Peer) pumpMicrophone(track *webrtc.TrackLocalStaticSample) {
	for frame := range p.cfg.Capture.Frames() {
		if p.closed.Load() {
			return
		}
		if p.micMuted.Load() {
			continue
		}
		sample := media.Sample{Data: frame.Data, Duration: frame.Duration}
		if err := track.WriteSample(sample); err != nil {
			if !p.closed.Load() {
				p.log.Warn("mic sample write failed", "error", err)
			}
			return
		}
	}
}

// handleRemoteAudio drains the agent's audio track into the playback
// sink.
func (p *Peer) handleRemoteAudio(track *webrtc.TrackRemote) {
	for !p.closed.Load() {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if p.speakerMuted.Load() || p.cfg.Playback == nil {
			continue
		}
		if err := p.cfg.Playback.Write(frameFromRTP(pkt)); err != nil {
			if !p.closed.Load() {
				p.log.Warn("playback write failed", "error", err)
			}
			return
		}
	}
}

// frameFromRTP lifts an RTP payload into a playback frame. The payload
// stays encoded; decoding belongs to the playback backend.
func frameFromRTP(pkt *rtp.Packet) audio.Frame {
	return audio.Frame{Data: pkt.Payload}
}

// SetMicMuted stops outbound audio without tearing down the track.
func (p *Peer) SetMicMuted(muted bool) {
	p.micMuted.Store(muted)
}

// SetSpeakerMuted discards inbound audio without renegotiating.
func (p *Peer) SetSpeakerMuted(muted bool) {
	p.speakerMuted.Store(muted)
}

// adopt records the connection so Close can reach it. If Close already
// ran, its teardown saw a nil connection, so this one is closed here.
func (p *Peer) adopt(pc *webrtc.PeerConnection) error {
	p.mu.Lock()
	p.pc = pc
	closed := p.closed.Load()
	p.mu.Unlock()

	if closed {
		pc.Close()
		return ErrClosed
	}
	return nil
}

// Close tears down the peer connection. Safe to call more than once
// and concurrently with Open.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

// dataChannelEvents adapts a WebRTC data channel to the EventChannel
// contract.
type dataChannelEvents struct {
	dc *webrtc.DataChannel

	recv chan []byte

	mu     sync.Mutex
	closed bool
}

var _ EventChannel = (*dataChannelEvents)(nil)

func newDataChannelEvents(dc *webrtc.DataChannel) *dataChannelEvents {
	e := &dataChannelEvents{
		dc:   dc,
		recv: make(chan []byte, 64),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.deliver(msg.Data)
	})
	dc.OnClose(e.closeRecv)

	return e
}

// deliver hands one inbound payload to the consumer. The send blocks
// when the buffer is full: the event stream is ordered and lossless,
// so a slow consumer gets backpressure, never gaps. The consumer
// drains until the channel closes, which bounds the wait.
func (e *dataChannelEvents) deliver(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.recv <- data
}

func (e *dataChannelEvents) closeRecv() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.recv)
}

func (e *dataChannelEvents) Send(v any) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return e.dc.SendText(string(data))
}

func (e *dataChannelEvents) Recv() <-chan []byte {
	return e.recv
}
