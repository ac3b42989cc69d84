package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
)

// Config is the daemon's YAML configuration. All durations are Go duration
// strings ("500ms", "45s", "10m"); empty means "use the default".
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`

	// StateDir anchors relative on-disk paths (storage, defaults).
	StateDir string `json:"state_dir,omitempty"`

	// Storage enables history persistence. Nil or driver "none" disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	Pool        PoolConfig        `json:"pool"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Runner      RunnerConfig      `json:"runner"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Events  LoggingEvents `json:"events"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingEvents republishes log lines at or above MinLevel as bus events.
type LoggingEvents struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the history backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "history/testrig" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "file", "sqlite", "none"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PoolConfig seeds the device pool.
type PoolConfig struct {
	Devices []DeviceConfig `json:"devices"`

	// ProbeAttempts and ProbeInterval tune the responsiveness probe used
	// when freeing a suspect device. Zero keeps the pool defaults.
	ProbeAttempts int    `json:"probe_attempts,omitempty"`
	ProbeInterval string `json:"probe_interval,omitempty"`
}

// DeviceConfig describes one attached device.
type DeviceConfig struct {
	Serial     string            `json:"serial"`
	Kind       string            `json:"kind,omitempty"` // "physical" (default), "tcp", "stub"
	Properties map[string]string `json:"properties,omitempty"`
	// Ignored admits the device into the pool but never offers it.
	Ignored bool `json:"ignored,omitempty"`
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	// PollInterval is the loop's backstop wake cadence (default 500ms).
	PollInterval string `json:"poll_interval,omitempty"`
	// CommandFiles are loaded at startup; each line is one scheduler command.
	CommandFiles []string `json:"command_files,omitempty"`
	// ReloadOnChange re-reads a command file when it changes on disk,
	// removing its previous commands first.
	ReloadOnChange bool `json:"reload_on_change,omitempty"`
}

// RunnerConfig tunes the subprocess executor.
type RunnerConfig struct {
	// PlanDir is where test-plan executables live (default "plans").
	PlanDir string `json:"plan_dir,omitempty"`
	// Timeout bounds one invocation; "0s" or empty disables it.
	Timeout string `json:"timeout,omitempty"`
}

// MaintenanceConfig gates the background jobs. A job with an empty schedule
// is off. Schedules are standard 5-field cron specs.
type MaintenanceConfig struct {
	HistoryPrune PruneJob   `json:"history_prune,omitempty"`
	PoolReport   ReportJob  `json:"pool_report,omitempty"`
	PoolReadmit  ReadmitJob `json:"pool_readmit,omitempty"`
}

// PruneJob drops history older than Retention.
type PruneJob struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"` // e.g. "168h"
}

// ReportJob logs and publishes a device-state summary.
type ReportJob struct {
	Schedule string `json:"schedule,omitempty"`
}

// ReadmitJob returns devices to Available after they have sat Unavailable
// for longer than After.
type ReadmitJob struct {
	Schedule string `json:"schedule,omitempty"`
	After    string `json:"after,omitempty"` // e.g. "30m"
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback bind requires a token or an
// explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Zero keeps the Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// WatchdogConfig controls systemd watchdog pings. Interval overrides the
// half-of-WATCHDOG_USEC default derived from the environment.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

// StateDirOrDefault returns the configured state dir or "testrig-state".
func (c *Config) StateDirOrDefault() string {
	if s := strings.TrimSpace(c.StateDir); s != "" {
		return s
	}
	return "testrig-state"
}

// StoragePath resolves the storage path, defaulting under the state dir and
// anchoring relative paths there.
func (c *Config) StoragePath() string {
	if c.Storage == nil {
		return ""
	}
	p := strings.TrimSpace(c.Storage.Path)
	if p == "" {
		return filepath.Join(c.StateDirOrDefault(), "history", "testrig")
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(c.StateDirOrDefault(), p)
	}
	return p
}

var logLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

var deviceKinds = map[string]bool{
	"": true, "physical": true, "tcp": true, "stub": true,
}

var storageDrivers = map[string]bool{
	"": true, "none": true, "file": true, "sqlite": true, "sqlite3": true,
}

// Validate checks the whole tree so a bad reload is rejected before commit.
// It returns the first problem found, prefixed with the config path.
func (c *Config) Validate() error {
	if !logLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if !logLevels[strings.ToLower(strings.TrimSpace(c.Logging.Events.MinLevel))] {
		return fmt.Errorf("logging.events.min_level: unknown level %q", c.Logging.Events.MinLevel)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}

	if c.Storage != nil {
		if !storageDrivers[strings.ToLower(strings.TrimSpace(c.Storage.Driver))] {
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if c.Pool.ProbeAttempts < 0 {
		return fmt.Errorf("pool.probe_attempts: must be >= 0")
	}
	if _, err := ParseDurationField("pool.probe_interval", c.Pool.ProbeInterval); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Pool.Devices))
	for i, d := range c.Pool.Devices {
		serial := strings.TrimSpace(d.Serial)
		if serial == "" {
			return fmt.Errorf("pool.devices[%d].serial: required", i)
		}
		if seen[serial] {
			return fmt.Errorf("pool.devices[%d].serial: duplicate %q", i, serial)
		}
		seen[serial] = true
		if !deviceKinds[strings.ToLower(strings.TrimSpace(d.Kind))] {
			return fmt.Errorf("pool.devices[%d].kind: unknown kind %q", i, d.Kind)
		}
	}

	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}
	for i, f := range c.Scheduler.CommandFiles {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("scheduler.command_files[%d]: empty path", i)
		}
	}

	if _, err := ParseDurationField("runner.timeout", c.Runner.Timeout); err != nil {
		return err
	}

	if err := validateCronJob("maintenance.history_prune", c.Maintenance.HistoryPrune.Schedule); err != nil {
		return err
	}
	if c.Maintenance.HistoryPrune.Schedule != "" {
		d, err := ParseDurationField("maintenance.history_prune.retention", c.Maintenance.HistoryPrune.Retention)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("maintenance.history_prune.retention: required when scheduled")
		}
	}
	if err := validateCronJob("maintenance.pool_report", c.Maintenance.PoolReport.Schedule); err != nil {
		return err
	}
	if err := validateCronJob("maintenance.pool_readmit", c.Maintenance.PoolReadmit.Schedule); err != nil {
		return err
	}
	if c.Maintenance.PoolReadmit.Schedule != "" {
		d, err := ParseDurationField("maintenance.pool_readmit.after", c.Maintenance.PoolReadmit.After)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("maintenance.pool_readmit.after: required when scheduled")
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
		{"watchdog.interval", c.Watchdog.Interval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func validateCronJob(path, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s.schedule: invalid cron spec %q: %w", path, spec, err)
	}
	return nil
}
