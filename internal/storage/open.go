package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "testrig/pkg/logx"
)

// Store is the persistence API used by history and maintenance.
type Store interface {
	AppendInvocation(ctx context.Context, rec InvocationRecord) error
	ListInvocations(ctx context.Context, q InvocationQuery) ([]InvocationRecord, error)
	AppendDeviceEvent(ctx context.Context, ev DeviceEvent) error
	ListDeviceEvents(ctx context.Context, q DeviceEventQuery) ([]DeviceEvent, error)
	// Prune drops records that completed before the cutoff, from both logs,
	// and reports how many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
