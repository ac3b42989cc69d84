package command

import (
	"errors"
	"fmt"

	"testrig/internal/device"
)

var (
	// ErrNotStarted is returned by operations that need a running loop.
	ErrNotStarted = errors.New("scheduler not started")
	// ErrShuttingDown rejects submissions after shutdown was requested.
	ErrShuttingDown = errors.New("scheduler shutting down")
	// ErrFileAlreadyAdded rejects a duplicate command-file registration
	// while reload watching is disabled.
	ErrFileAlreadyAdded = errors.New("command file already added")
	// ErrNoFileParser is returned when command files are used without a
	// parser collaborator.
	ErrNoFileParser = errors.New("no command file parser configured")
)

// NoDeviceError reports that a synchronous dispatch could not satisfy a
// device requirement. No devices stay allocated when it is returned.
type NoDeviceError struct {
	Slot      string
	Selection device.Selection
}

func (e *NoDeviceError) Error() string {
	return fmt.Sprintf("no device available for slot %q (%s)", e.Slot, e.Selection)
}

// conflictError is the diagnostic recorded when a device is handed to a new
// invocation while a previous one still holds it without having marked an
// early release. The message format is part of the operational surface.
func conflictError(serial string) error {
	return fmt.Errorf("Attempting invocation on device %s when one is already running", serial)
}
