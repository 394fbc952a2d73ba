package capture

import (
	"context"
	"errors"
)

// ErrNoDevice indicates recording is unavailable because no capture
// backend could be found on this host.
var ErrNoDevice = errors.New("no capture device available")

// Device port (microphone capture backend).
//
// A Device writes one file per Start/Stop cycle. Pause and Resume may be
// called any number of times in between. Implementations are not required
// to be safe for concurrent use; the recording session serializes calls.
type Device interface {
	// Start begins capturing into the file at path. The context bounds the
	// whole capture; cancelling it aborts the recording.
	Start(ctx context.Context, path string) error
	Pause() error
	Resume() error
	// Stop ends the capture and waits for the backend to flush the file.
	Stop() error
	// Extension is the file extension (without dot) the device produces.
	Extension() string
}
