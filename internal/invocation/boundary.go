package invocation

import (
	"context"

	"testrig/internal/device"
)

// Executor runs one invocation on an allocated context. A device that became
// unusable mid-run is reported as *DeviceUnavailableError; any other non-nil
// error counts as a plain run failure. Executors must honor ctx cancellation
// but are never interrupted by the engine's graceful shutdown.
type Executor interface {
	Invoke(ctx context.Context, ic *Context, cfg Configuration, resched Rescheduler, listener ScheduledListener) error
}

// Rescheduler lets a running invocation enqueue a replacement configuration
// under its own command identity. ScheduleConfig is one-shot: the first call
// wins, later calls report false. It never frees or reuses the caller's
// current devices.
type Rescheduler interface {
	ScheduleConfig(cfg Configuration) bool
}

// ScheduledListener observes the lifecycle of a dispatched invocation.
// ReleaseDevices is how a collaborator returns devices mid-run: the engine's
// own listener performs the free and records the early release.
type ScheduledListener interface {
	InvocationInitiated(ic *Context)
	InvocationComplete(ic *Context, states map[string]device.FreeState)
	ReleaseDevices(ic *Context, states map[string]device.FreeState)
}

// Listeners fans callbacks out to each listener in order. A nil entry is
// skipped.
type Listeners []ScheduledListener

func (ls Listeners) InvocationInitiated(ic *Context) {
	for _, l := range ls {
		if l != nil {
			l.InvocationInitiated(ic)
		}
	}
}

func (ls Listeners) InvocationComplete(ic *Context, states map[string]device.FreeState) {
	for _, l := range ls {
		if l != nil {
			l.InvocationComplete(ic, states)
		}
	}
}

func (ls Listeners) ReleaseDevices(ic *Context, states map[string]device.FreeState) {
	for _, l := range ls {
		if l != nil {
			l.ReleaseDevices(ic, states)
		}
	}
}
