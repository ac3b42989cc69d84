package app

import (
	"fmt"
	"strings"

	"testrig/internal/command"
	"testrig/internal/config"
	"testrig/internal/device"
	"testrig/internal/maintenance"
	"testrig/internal/runner"
	logx "testrig/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Events: logx.EventsConfig{
			Enabled:    cfg.Logging.Events.Enabled,
			MinLevel:   cfg.Logging.Events.MinLevel,
			RatePerSec: cfg.Logging.Events.RatePerSec,
		},
	}
	// A config with no sink at all would make the daemon mute.
	if !lc.Console && !lc.File.Enabled {
		lc.Console = true
	}
	return lc
}

func mapPoolConfig(cfg *config.Config) (device.PoolConfig, []device.Spec, error) {
	var pc device.PoolConfig
	pc.ProbeAttempts = cfg.Pool.ProbeAttempts
	interval, err := config.ParseDurationField("pool.probe_interval", cfg.Pool.ProbeInterval)
	if err != nil {
		return pc, nil, err
	}
	pc.ProbeInterval = interval

	specs := make([]device.Spec, 0, len(cfg.Pool.Devices))
	for i, d := range cfg.Pool.Devices {
		kind, err := parseDeviceKind(d.Kind)
		if err != nil {
			return pc, nil, fmt.Errorf("pool.devices[%d].kind: %w", i, err)
		}
		specs = append(specs, device.Spec{
			Serial:     strings.TrimSpace(d.Serial),
			Kind:       kind,
			Properties: d.Properties,
			Ignored:    d.Ignored,
		})
	}
	return pc, specs, nil
}

func parseDeviceKind(raw string) (device.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "physical":
		return device.Physical, nil
	case "tcp":
		return device.TCP, nil
	case "stub":
		return device.Stub, nil
	default:
		return device.Physical, fmt.Errorf("unknown device kind %q", raw)
	}
}

func mapSchedulerConfig(cfg *config.Config) (command.Config, error) {
	poll, err := config.ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	if err != nil {
		return command.Config{}, err
	}
	return command.Config{
		PollInterval: poll,
		FileReload:   cfg.Scheduler.ReloadOnChange,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	timeout, err := config.ParseDurationField("runner.timeout", cfg.Runner.Timeout)
	if err != nil {
		return runner.Config{}, err
	}
	dir := strings.TrimSpace(cfg.Runner.PlanDir)
	if dir == "" {
		dir = "plans"
	}
	return runner.Config{PlanDir: dir, Timeout: timeout}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	var out maintenance.Config
	retention, err := config.ParseDurationField("maintenance.history_prune.retention", cfg.Maintenance.HistoryPrune.Retention)
	if err != nil {
		return out, err
	}
	after, err := config.ParseDurationField("maintenance.pool_readmit.after", cfg.Maintenance.PoolReadmit.After)
	if err != nil {
		return out, err
	}
	out.HistoryPrune = maintenance.PruneConfig{
		Schedule:  cfg.Maintenance.HistoryPrune.Schedule,
		Retention: retention,
	}
	out.PoolReport = maintenance.ReportConfig{Schedule: cfg.Maintenance.PoolReport.Schedule}
	out.PoolReadmit = maintenance.ReadmitConfig{
		Schedule: cfg.Maintenance.PoolReadmit.Schedule,
		After:    after,
	}
	return out, nil
}

// validateMapped re-runs every config-to-component mapping so a reload that
// parses but cannot be wired is rejected before commit.
func validateMapped(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapPoolConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	_, err := config.ParseDurationField("watchdog.interval", cfg.Watchdog.Interval)
	return err
}
