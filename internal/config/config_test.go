package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testrig/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: testrig.log
  events:
    enabled: true
    min_level: warn
    rate_per_sec: 2
state_dir: /var/lib/testrig
storage:
  driver: file
  path: history/testrig
pool:
  probe_attempts: 2
  probe_interval: 250ms
  devices:
    - serial: rig-01
      properties:
        platform: arm64
    - serial: rig-02
      kind: tcp
    - serial: rig-03
      ignored: true
scheduler:
  poll_interval: 100ms
  reload_on_change: true
  command_files:
    - commands/nightly.txt
runner:
  plan_dir: /opt/testrig/plans
  timeout: 2h
maintenance:
  history_prune:
    schedule: "0 3 * * *"
    retention: 168h
  pool_report:
    schedule: "*/30 * * * *"
  pool_readmit:
    schedule: "*/10 * * * *"
    after: 30m
pprof:
  enabled: true
  addr: 127.0.0.1:6060
watchdog:
  enabled: true
  interval: 10s
`

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "testrig.yaml", sampleYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Logging.Events.MinLevel != "warn" || cfg.Logging.Events.RatePerSec != 2 {
		t.Fatalf("logging.events = %+v", cfg.Logging.Events)
	}
	if cfg.StateDir != "/var/lib/testrig" {
		t.Fatalf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
	if len(cfg.Pool.Devices) != 3 {
		t.Fatalf("len(Pool.Devices) = %d, want 3", len(cfg.Pool.Devices))
	}
	if cfg.Pool.Devices[0].Properties["platform"] != "arm64" {
		t.Fatalf("device[0] properties = %v", cfg.Pool.Devices[0].Properties)
	}
	if cfg.Pool.Devices[1].Kind != "tcp" || !cfg.Pool.Devices[2].Ignored {
		t.Fatalf("devices = %+v", cfg.Pool.Devices)
	}
	if cfg.Scheduler.PollInterval != "100ms" || !cfg.Scheduler.ReloadOnChange {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Scheduler.CommandFiles) != 1 {
		t.Fatalf("command files = %v", cfg.Scheduler.CommandFiles)
	}
	if cfg.Runner.PlanDir != "/opt/testrig/plans" || cfg.Runner.Timeout != "2h" {
		t.Fatalf("runner = %+v", cfg.Runner)
	}
	if cfg.Maintenance.HistoryPrune.Retention != "168h" {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
	if !cfg.Watchdog.Enabled || cfg.Watchdog.Interval != "10s" {
		t.Fatalf("watchdog = %+v", cfg.Watchdog)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get() = %p, want committed %p", got, cfg)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "testrig.yaml", "loging:\n  level: info\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("Load accepted an unknown top-level key")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file without path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
		{"bad storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "etcd"} }, "storage.driver"},
		{"bad probe interval", func(c *Config) { c.Pool.ProbeInterval = "fast" }, "pool.probe_interval"},
		{"negative probe attempts", func(c *Config) { c.Pool.ProbeAttempts = -1 }, "pool.probe_attempts"},
		{"device without serial", func(c *Config) { c.Pool.Devices = []DeviceConfig{{}} }, "serial: required"},
		{"duplicate serial", func(c *Config) {
			c.Pool.Devices = []DeviceConfig{{Serial: "a"}, {Serial: "a"}}
		}, "duplicate"},
		{"bad kind", func(c *Config) {
			c.Pool.Devices = []DeviceConfig{{Serial: "a", Kind: "usb4"}}
		}, "kind"},
		{"empty command file", func(c *Config) { c.Scheduler.CommandFiles = []string{" "} }, "command_files"},
		{"bad runner timeout", func(c *Config) { c.Runner.Timeout = "-5s" }, "runner.timeout"},
		{"bad cron spec", func(c *Config) {
			c.Maintenance.PoolReport.Schedule = "every sometimes"
		}, "pool_report.schedule"},
		{"prune without retention", func(c *Config) {
			c.Maintenance.HistoryPrune.Schedule = "0 3 * * *"
		}, "retention"},
		{"readmit without after", func(c *Config) {
			c.Maintenance.PoolReadmit.Schedule = "*/5 * * * *"
		}, "after"},
		{"bad watchdog interval", func(c *Config) { c.Watchdog.Interval = "soon" }, "watchdog.interval"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var c Config
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsZeroValue(t *testing.T) {
	t.Parallel()

	var c Config
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() on zero config = %v", err)
	}
}

func TestStoragePath(t *testing.T) {
	t.Parallel()

	var c Config
	if got := c.StoragePath(); got != "" {
		t.Fatalf("StoragePath() with nil storage = %q, want empty", got)
	}
	c.Storage = &StorageConfig{Driver: "file"}
	if got := c.StoragePath(); got != filepath.Join("testrig-state", "history", "testrig") {
		t.Fatalf("default StoragePath() = %q", got)
	}
	c.StateDir = "/var/lib/testrig"
	c.Storage.Path = "db/history"
	if got := c.StoragePath(); got != "/var/lib/testrig/db/history" {
		t.Fatalf("relative StoragePath() = %q", got)
	}
	c.Storage.Path = "/srv/testrig/history"
	if got := c.StoragePath(); got != "/srv/testrig/history" {
		t.Fatalf("absolute StoragePath() = %q", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Level = "debug"
	newCfg.Scheduler.ReloadOnChange = true
	newCfg.Pprof.Token = "s3cret"

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"logging", "pprof", "scheduler"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs for changed sections")
	}

	if changed, _ := SummarizeChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "testrig.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher a beat to arm before the first write.
	time.Sleep(150 * time.Millisecond)

	writeConfig(t, dir, "testrig.yaml", "logging:\n  level: warn\n")
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q, want warn", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}

	// An invalid rewrite must not reach subscribers or Get().
	writeConfig(t, dir, "testrig.yaml", "logging:\n  level: loud\n")
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Logging)
	case <-time.After(700 * time.Millisecond):
	}
	if got := m.Get().Logging.Level; got != "warn" {
		t.Fatalf("Get().Logging.Level = %q, want warn", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop on cancel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
	m.Unsubscribe(ch) // second call is a no-op
}
