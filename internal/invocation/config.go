package invocation

import (
	"io"
	"time"

	"testrig/internal/device"
)

// Options are the scheduling-relevant knobs of a resolved configuration.
type Options struct {
	// Help requests usage output instead of a run.
	Help bool
	// DryRun validates the configuration without enqueuing it.
	DryRun bool
	// Loop re-enqueues the command after each completion.
	Loop bool
	// MinLoopTime is the floor on the interval between consecutive loop
	// executions, measured start to start.
	MinLoopTime time.Duration
	// Shards requests replicated execution across this many devices.
	Shards int
	// Replicate enables cloning the base device slot once per shard.
	Replicate bool
}

// DeviceRequirement is one device slot the configuration needs filled.
type DeviceRequirement struct {
	Name      string
	Selection device.Selection
}

// Configuration is the resolved form of a submitted command. The engine
// treats it as opaque beyond these accessors.
type Configuration interface {
	// CommandLine is the original argv joined for display and history.
	CommandLine() string
	Options() Options
	// DeviceRequirements lists the base device slots, before any
	// shard replication is applied.
	DeviceRequirements() []DeviceRequirement
	// ValidateOptions rejects incoherent option combinations. Called for
	// dry-run and normal submissions, not for help requests.
	ValidateOptions() error
	// PrintHelp writes usage for this configuration.
	PrintHelp(w io.Writer)
}

// Factory resolves an argument vector into a Configuration.
type Factory interface {
	CreateConfiguration(args []string) (Configuration, error)
}
