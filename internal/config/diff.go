package config

import (
	"reflect"
	"sort"
	"strings"

	logx "testrig/pkg/logx"
)

// SummarizeChange returns a sorted list of changed sections plus structured
// attrs safe for logging. Secrets (the pprof token) are reported only as
// set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.events_enabled", newCfg.Logging.Events.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.StateDir) != strings.TrimSpace(newCfg.StateDir) {
		changed = append(changed, "state_dir")
		attrs = append(attrs, logx.String("state_dir", newCfg.StateDirOrDefault()))
	}

	// Nil storage means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pool, newCfg.Pool) {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.devices", len(newCfg.Pool.Devices)),
			logx.Int("pool.probe_attempts", newCfg.Pool.ProbeAttempts),
			logx.String("pool.probe_interval", strings.TrimSpace(newCfg.Pool.ProbeInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.Int("scheduler.command_files", len(newCfg.Scheduler.CommandFiles)),
			logx.Bool("scheduler.reload_on_change", newCfg.Scheduler.ReloadOnChange),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.plan_dir", strings.TrimSpace(newCfg.Runner.PlanDir)),
			logx.String("runner.timeout", strings.TrimSpace(newCfg.Runner.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.history_prune", newCfg.Maintenance.HistoryPrune.Schedule != ""),
			logx.Bool("maintenance.pool_report", newCfg.Maintenance.PoolReport.Schedule != ""),
			logx.Bool("maintenance.pool_readmit", newCfg.Maintenance.PoolReadmit.Schedule != ""),
		)
	}

	// Pprof: compare everything, but only report whether a token exists.
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	oTok, nTok := strings.TrimSpace(oP.Token) != "", strings.TrimSpace(nP.Token) != ""
	oP.Token, nP.Token = "", ""
	if !reflect.DeepEqual(oP, nP) || oTok != nTok {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", nTok),
			logx.Bool("pprof.allow_insecure", nP.AllowInsecure),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.String("watchdog.interval", strings.TrimSpace(newCfg.Watchdog.Interval)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
