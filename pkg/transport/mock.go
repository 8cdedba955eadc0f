package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voicekit-dev/go-voicekit/pkg/broker"
)

// MockEvents is an in-memory EventChannel for tests. Pushed payloads
// appear on Recv; sent payloads are recorded for inspection.
type MockEvents struct {
	mu     sync.Mutex
	sent   [][]byte
	recv   chan []byte
	closed bool
}

var _ EventChannel = (*MockEvents)(nil)

func NewMockEvents() *MockEvents {
	return &MockEvents{recv: make(chan []byte, 64)}
}

func (m *MockEvents) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *MockEvents) Recv() <-chan []byte {
	return m.recv
}

// Push delivers a raw payload to the consumer.
func (m *MockEvents) Push(data []byte) {
	m.recv <- data
}

// PushJSON marshals v and delivers it to the consumer.
func (m *MockEvents) PushJSON(v any) {
	data, _ := json.Marshal(v)
	m.recv <- data
}

// CloseRecv ends the inbound stream, simulating connection loss.
func (m *MockEvents) CloseRecv() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.recv)
}

// Sent returns a copy of every payload written so far.
func (m *MockEvents) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTypes returns the type tag of each sent payload, in order.
func (m *MockEvents) SentTypes() []string {
	var types []string
	for _, data := range m.Sent() {
		var tagged struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &tagged)
		types = append(types, tagged.Type)
	}
	return types
}

// Mock is a scriptable Transport for tests.
type Mock struct {
	// OpenErr, when set, is returned by Open.
	OpenErr error

	// Gate, when set, blocks Open until the channel is closed or ctx
	// is done.
	Gate chan struct{}

	Events *MockEvents

	mu           sync.Mutex
	openCount    int
	closeCount   int
	lastCred     broker.Credential
	micMuted     bool
	speakerMuted bool
}

var _ Transport = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{Events: NewMockEvents()}
}

func (m *Mock) Open(ctx context.Context, cred broker.Credential) (EventChannel, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	m.mu.Lock()
	m.openCount++
	m.lastCred = cred
	m.mu.Unlock()
	return m.Events, nil
}

func (m *Mock) SetMicMuted(muted bool) {
	m.mu.Lock()
	m.micMuted = muted
	m.mu.Unlock()
}

func (m *Mock) SetSpeakerMuted(muted bool) {
	m.mu.Lock()
	m.speakerMuted = muted
	m.mu.Unlock()
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closeCount++
	m.mu.Unlock()
	return nil
}

func (m *Mock) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}

func (m *Mock) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *Mock) LastCred() broker.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCred
}

func (m *Mock) MicMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micMuted
}

func (m *Mock) SpeakerMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakerMuted
}
