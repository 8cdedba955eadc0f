package session

import (
	"errors"

	"github.com/voicekit-dev/go-voicekit/pkg/audio"
)

// Sentinel errors for the session package.
var (
	// ErrAlreadyStarted indicates Start was called on a session that
	// already left the idle state.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrNotConnected indicates the operation needs a connected
	// session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSessionEnded indicates the session was ended and cannot be
	// reused.
	ErrSessionEnded = errors.New("session: ended")

	// ErrCredential indicates the credential broker refused or failed
	// to issue a token for this session.
	ErrCredential = errors.New("session: credential mint failed")

	// ErrConnectFailed indicates the media transport could not be
	// established.
	ErrConnectFailed = errors.New("session: connect failed")
)

// Error checking helpers.

// IsPermissionDenied reports whether the error stems from a refused
// audio capture device.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, audio.ErrPermissionDenied)
}

// IsEnded reports whether the error means the session is gone for good.
func IsEnded(err error) bool {
	return errors.Is(err, ErrSessionEnded)
}
