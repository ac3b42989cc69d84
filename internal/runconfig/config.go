// Package runconfig resolves scheduler command lines into runnable
// configurations. The grammar is a positional plan name followed by
// engine flags; anything after the flags is handed to the plan process
// untouched.
package runconfig

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"testrig/internal/device"
	"testrig/internal/invocation"
)

// Factory is the default configuration resolver.
type Factory struct{}

// New returns a Factory.
func New() *Factory { return &Factory{} }

// CreateConfiguration parses args into a Config. Unknown flags and
// malformed flag values fail here; option coherence is checked later by
// ValidateOptions so that help requests always succeed.
func (f *Factory) CreateConfiguration(args []string) (invocation.Configuration, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command line")
	}
	c := &Config{argv: append([]string(nil), args...)}

	rest := c.argv
	if !strings.HasPrefix(rest[0], "-") {
		c.plan = rest[0]
		rest = rest[1:]
	}
	fs := c.flagSet()
	fs.SetOutput(io.Discard)
	if err := fs.Parse(rest); err != nil {
		return nil, err
	}
	c.planArgs = fs.Args()
	return c, nil
}

// Config is one resolved command line.
type Config struct {
	argv     []string
	plan     string
	planArgs []string

	help      bool
	dryRun    bool
	loop      bool
	minLoop   time.Duration
	devices   int
	shards    int
	replicate bool

	serials  stringList
	excludes stringList
	props    propMap
	slots    slotList
}

func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("command", flag.ContinueOnError)
	fs.BoolVar(&c.help, "help", false, "print usage and do not run")
	fs.BoolVar(&c.dryRun, "dry-run", false, "validate the command line without enqueuing it")
	fs.BoolVar(&c.loop, "loop", false, "re-enqueue the command after each completion")
	fs.DurationVar(&c.minLoop, "min-loop-time", 0, "floor on the interval between loop executions")
	fs.IntVar(&c.devices, "devices", 1, "number of identical device slots to allocate")
	fs.IntVar(&c.shards, "shards", 1, "split the run across this many shards")
	fs.BoolVar(&c.replicate, "replicate", false, "clone the device slot once per shard")
	fs.Var(&c.serials, "serial", "allocate this serial (repeatable)")
	fs.Var(&c.excludes, "exclude-serial", "never allocate this serial (repeatable)")
	fs.Var(&c.props, "property", "required device property, key=value (repeatable)")
	fs.Var(&c.slots, "device", "named slot bound to a serial, name=serial (repeatable)")
	return fs
}

// CommandLine returns the original argv joined for display and history.
func (c *Config) CommandLine() string { return strings.Join(c.argv, " ") }

// Plan is the positional plan name.
func (c *Config) Plan() string { return c.plan }

// PlanArgs are the positional arguments left after flag parsing.
func (c *Config) PlanArgs() []string { return append([]string(nil), c.planArgs...) }

func (c *Config) Options() invocation.Options {
	return invocation.Options{
		Help:        c.help,
		DryRun:      c.dryRun,
		Loop:        c.loop,
		MinLoopTime: c.minLoop,
		Shards:      c.shards,
		Replicate:   c.replicate,
	}
}

// DeviceRequirements builds the base device slots. Named --device slots
// take over completely; otherwise --devices N identical slots share the
// serial, exclusion and property filters.
func (c *Config) DeviceRequirements() []invocation.DeviceRequirement {
	if len(c.slots) > 0 {
		reqs := make([]invocation.DeviceRequirement, 0, len(c.slots))
		for _, s := range c.slots {
			reqs = append(reqs, invocation.DeviceRequirement{
				Name:      s.name,
				Selection: device.Selection{Serials: []string{s.serial}},
			})
		}
		return reqs
	}
	base := device.Selection{
		Serials:        append([]string(nil), c.serials...),
		ExcludeSerials: append([]string(nil), c.excludes...),
		Properties:     c.props.clone(),
	}
	reqs := []invocation.DeviceRequirement{{Name: "device", Selection: base}}
	for i := 2; i <= c.devices; i++ {
		reqs = append(reqs, invocation.DeviceRequirement{
			Name:      fmt.Sprintf("device-%d", i),
			Selection: base.Clone(),
		})
	}
	return reqs
}

func (c *Config) ValidateOptions() error {
	if c.plan == "" {
		return errors.New("missing plan name")
	}
	if c.minLoop < 0 {
		return errors.New("--min-loop-time cannot be negative")
	}
	if c.minLoop > 0 && !c.loop {
		return errors.New("--min-loop-time requires --loop")
	}
	if c.devices < 1 {
		return errors.New("--devices must be at least 1")
	}
	if c.shards < 1 {
		return errors.New("--shards must be at least 1")
	}
	if len(c.slots) > 0 {
		if c.devices > 1 || len(c.serials) > 0 || len(c.excludes) > 0 || len(c.props) > 0 {
			return errors.New("--device replaces --devices, --serial, --exclude-serial and --property")
		}
		seen := make(map[string]bool, len(c.slots))
		for _, s := range c.slots {
			if seen[s.name] {
				return fmt.Errorf("duplicate --device slot %q", s.name)
			}
			seen[s.name] = true
		}
	}
	if c.replicate {
		if c.shards < 2 {
			return errors.New("--replicate requires --shards of at least 2")
		}
		if c.devices > 1 || len(c.slots) > 0 {
			return errors.New("--replicate needs a single base device slot")
		}
	}
	return nil
}

func (c *Config) PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: <plan> [flag ...] [plan args ...]")
	fmt.Fprintln(w, "Flags:")
	fs := (&Config{}).flagSet()
	fs.SetOutput(w)
	fs.PrintDefaults()
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type propMap map[string]string

func (m *propMap) String() string {
	parts := make([]string, 0, len(*m))
	for k, v := range *m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m *propMap) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	if *m == nil {
		*m = propMap{}
	}
	(*m)[k] = val
	return nil
}

func (m propMap) clone() map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

type slot struct {
	name   string
	serial string
}

type slotList []slot

func (l *slotList) String() string {
	parts := make([]string, 0, len(*l))
	for _, s := range *l {
		parts = append(parts, s.name+"="+s.serial)
	}
	return strings.Join(parts, ",")
}

func (l *slotList) Set(v string) error {
	name, serial, ok := strings.Cut(v, "=")
	if !ok || name == "" || serial == "" {
		return fmt.Errorf("expected name=serial, got %q", v)
	}
	*l = append(*l, slot{name: name, serial: serial})
	return nil
}
