package andes

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is generated when no attached USB device matches the
	// controller's vendor and product IDs.
	ErrDeviceNotFound = errors.New("no device matching the controller vendor and product IDs is attached")

	// ErrPermissionDenied is generated when the controller is attached but the
	// OS refuses access to it.  On linux this usually means a missing udev rule.
	ErrPermissionDenied = errors.New("controller found, but the OS denied access to it")

	// ErrDeviceBusy is generated when a configure or capture is attempted while
	// another one is in flight on the same camera.
	ErrDeviceBusy = errors.New("camera is busy with another operation")

	// ErrNotConfigured is generated when a capture is attempted before any
	// configuration has been applied to the controller.
	ErrNotConfigured = errors.New("camera has no applied configuration, call Configure first")

	// ErrDisconnected is generated when the controller drops off the bus.  It is
	// terminal for the handle; the camera must be reopened.
	ErrDisconnected = errors.New("controller disconnected, reopen the camera")

	// ErrCaptureTimeout is generated when the controller does not signal
	// exposure completion before the capture deadline.
	ErrCaptureTimeout = errors.New("timed out waiting for the exposure to complete")

	// ErrTimeout is generated when a transfer does not complete in time.
	ErrTimeout = errors.New("timed out waiting for a transfer to complete")
)

// respMeanings maps controller reply words to human descriptions.
var respMeanings = map[uint32]string{
	RespError:   "controller signaled a general fault",
	RespTimeout: "controller signaled an internal timeout",
}

// StatusError is a non-OK reply word from the controller.
type StatusError struct {
	// Code is the raw 32-bit reply word.
	Code uint32
}

func (e StatusError) Error() string {
	if s, ok := respMeanings[e.Code]; ok {
		return fmt.Sprintf("%s (reply 0x%08X)", s, e.Code)
	}
	return fmt.Sprintf("unknown controller reply 0x%08X", e.Code)
}

// InvalidParameterError is generated by setters when a value violates a
// constraint of the sensor.  The value never reaches the controller.
type InvalidParameterError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Constraint)
}

// IncompleteFrameError is generated when the pixel stream ends before a full
// frame has been received.
type IncompleteFrameError struct {
	Expected int
	Received int
}

func (e IncompleteFrameError) Error() string {
	return fmt.Sprintf("incomplete frame: expected %d bytes, received %d", e.Expected, e.Received)
}
