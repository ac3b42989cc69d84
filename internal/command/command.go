package command

import (
	"time"

	"testrig/internal/invocation"
)

// State is a queued command's lifecycle state.
type State int

const (
	// StateUnallocated commands are waiting for matching devices.
	StateUnallocated State = iota
	// StateExecuting commands are running on an invocation worker.
	StateExecuting
	// StateSleeping commands are loop re-queues waiting out their
	// minimum interval.
	StateSleeping
)

// String returns the operator-facing state name (queue display, events).
func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "Wait_for_device"
	case StateExecuting:
		return "Executing"
	case StateSleeping:
		return "Sleeping"
	default:
		return "Unknown"
	}
}

// execCommand pairs one Tracker with one resolved configuration for a single
// pass through the queue. Loop commands get a fresh execCommand (and a fresh
// configuration) for every iteration; the Tracker carries over.
//
// state, sleepUntil and dropped are guarded by the scheduler's mutex.
type execCommand struct {
	tracker *Tracker
	config  invocation.Configuration

	// rescheduled marks replacement commands enqueued through the
	// reschedule callback. They never loop, regardless of options.
	rescheduled bool

	state      State
	sleepUntil time.Time
	// dropped is set when the source command file was reloaded while this
	// command was executing; it finishes but does not re-queue.
	dropped bool
}

func newExecCommand(t *Tracker, cfg invocation.Configuration) *execCommand {
	return &execCommand{tracker: t, config: cfg, state: StateUnallocated}
}

func (c *execCommand) loop() bool { return c.config.Options().Loop }

func (c *execCommand) minLoopTime() time.Duration { return c.config.Options().MinLoopTime }

// sleepRemaining reports how long until a Sleeping command becomes eligible.
func (c *execCommand) sleepRemaining(now time.Time) time.Duration {
	if c.state != StateSleeping || c.sleepUntil.IsZero() {
		return 0
	}
	if d := c.sleepUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}
