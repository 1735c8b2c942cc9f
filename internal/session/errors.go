package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is active.
	// The running session is left untouched.
	ErrAlreadyRecording = errors.New("a recording session is already active")

	// ErrPermissionDenied is returned by Start when microphone access was refused
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// DeviceError wraps a failed prepare, start or stop of the capture device
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %s failed: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
