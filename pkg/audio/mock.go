package audio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// MockCapture is a scriptable capture device for tests.
type MockCapture struct {
	// DenyPermission makes Start fail with ErrPermissionDenied.
	DenyPermission bool

	mu      sync.Mutex
	started bool
	closed  bool
	frames  chan Frame
}

// NewMockCapture creates a mock capture device.
func NewMockCapture() *MockCapture {
	return &MockCapture{
		frames: make(chan Frame, 16),
	}
}

// Start begins the mock capture.
func (m *MockCapture) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.DenyPermission {
		return ErrPermissionDenied
	}
	m.started = true
	return nil
}

// Frames returns the frame channel.
func (m *MockCapture) Frames() <-chan Frame {
	return m.frames
}

// Push injects a frame, as if captured from the device.
func (m *MockCapture) Push(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.started {
		return
	}
	select {
	case m.frames <- Frame{Data: data, Duration: 20 * time.Millisecond}:
	default:
		// Buffer full, drop frame (overrun)
	}
}

// Started reports whether Start has been called successfully.
func (m *MockCapture) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Close stops the mock capture.
func (m *MockCapture) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.frames)
	return nil
}

var _ Capture = (*MockCapture)(nil)

// MockPlayback discards frames and counts them.
type MockPlayback struct {
	frames atomic.Int64
	bytes  atomic.Int64
	closed atomic.Bool
}

// NewMockPlayback creates a mock playback sink.
func NewMockPlayback() *MockPlayback {
	return &MockPlayback{}
}

// Write accepts a frame.
func (m *MockPlayback) Write(f Frame) error {
	if m.closed.Load() {
		return io.ErrClosedPipe
	}
	m.frames.Add(1)
	m.bytes.Add(int64(len(f.Data)))
	return nil
}

// FramesWritten returns the number of frames accepted.
func (m *MockPlayback) FramesWritten() int64 {
	return m.frames.Load()
}

// Close stops the sink.
func (m *MockPlayback) Close() error {
	m.closed.Store(true)
	return nil
}

var _ Playback = (*MockPlayback)(nil)
