// Package audio defines the capture and playback surfaces a voice session
// drives. Frames are opaque encoded payloads; codecs, resampling, and device
// backends live behind these interfaces, not in this module.
package audio

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPermissionDenied indicates the operating environment refused access to
// the capture device.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// Frame is one encoded audio frame.
type Frame struct {
	// Data is the encoded payload, ready for the media track.
	Data []byte

	// Duration is the wall-clock length of the frame.
	Duration time.Duration
}

// Capture produces encoded audio frames from a microphone or other input.
type Capture interface {
	// Start begins capture. It returns ErrPermissionDenied when the
	// environment refuses the device.
	Start(ctx context.Context) error

	// Frames returns the frame channel. It is closed when capture stops.
	Frames() <-chan Frame

	// Close releases the device. After Close, capture cannot restart.
	io.Closer
}

// Playback consumes encoded audio frames for the local speaker.
type Playback interface {
	// Write queues one frame for playback.
	Write(Frame) error

	io.Closer
}
