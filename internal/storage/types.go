package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free backend (JSON Lines under the state dir)
//   - "sqlite": SQLite database file (build with -tags sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// InvocationRecord is one finished invocation.
// Keep it compact and schema-stable.
type InvocationRecord struct {
	At           time.Time `json:"at"` // completion time
	InvocationID string    `json:"invocation_id"`
	CommandID    int64     `json:"command_id"`
	CommandLine  string    `json:"command_line"`
	Serials      []string  `json:"serials,omitempty"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	ElapsedMS    int64     `json:"elapsed_ms"`
}

// InvocationQuery filters ListInvocations. Zero fields match everything;
// results come back newest first.
type InvocationQuery struct {
	CommandID int64
	Serial    string
	Since     time.Time
	Limit     int // 0 means no limit
}

// DeviceEvent is one allocation-state transition of a pooled device.
type DeviceEvent struct {
	At     time.Time `json:"at"`
	Serial string    `json:"serial"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

// DeviceEventQuery filters ListDeviceEvents, newest first.
type DeviceEventQuery struct {
	Serial string
	Since  time.Time
	Limit  int
}
