// Package app wires the daemon together: configuration, logging, storage,
// the device pool, the command scheduler and the background services, all
// under one supervisor. It owns start and stop order; the packages it
// assembles stay unaware of each other beyond their declared interfaces.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"testrig/internal/cmdfile"
	"testrig/internal/command"
	"testrig/internal/config"
	"testrig/internal/device"
	"testrig/internal/eventbus"
	"testrig/internal/history"
	"testrig/internal/maintenance"
	"testrig/internal/observability/pprof"
	"testrig/internal/runconfig"
	"testrig/internal/runner"
	"testrig/internal/runtime/supervisor"
	"testrig/internal/storage"
	logx "testrig/pkg/logx"
	"testrig/pkg/sdnotify"
)

// Bus event types published by the wiring layer itself.
const (
	// EventTypeDeviceState carries a device.StateChange whenever a pooled
	// device moves between allocation states.
	EventTypeDeviceState = "device.state"
	// EventTypeConfigReloaded carries a ConfigReloadEvent after a hot
	// reload has been applied.
	EventTypeConfigReloaded = "config.reloaded"
)

// ConfigReloadEvent is the payload for config.reloaded.
type ConfigReloadEvent struct {
	Sections []string `json:"sections"`
}

// appendTimeout bounds the device-event write that rides on pool state
// transitions.
const appendTimeout = 5 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pool  *device.StaticPool
	sched *command.Scheduler
	maint *maintenance.Service
	prof  *pprof.Service
	sd    *sdnotify.Notifier
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The bus exists before logging because the log service can republish
	// lines as bus events.
	bus := eventbus.New()
	logSvc, log := logx.New(mapLoggingConfig(cfg), bus)
	root := logSvc.Logger()
	log = log.With(logx.String("component", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("component", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled",
			logx.String("driver", sc.Driver),
			logx.String("path", sc.Path),
		)
	}

	poolCfg, specs, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := device.NewStaticPool(poolCfg, root)
	for _, spec := range specs {
		if err := pool.Add(spec); err != nil {
			return nil, fmt.Errorf("seed device pool: %w", err)
		}
	}
	// Every allocation-state transition becomes a bus event and, with
	// storage on, a row in the device-event log. The append runs off the
	// caller: state changes fire on allocation paths that hold locks.
	pool.OnStateChange(func(sc device.StateChange) {
		bus.Publish(eventbus.Event{Type: EventTypeDeviceState, Time: sc.At, Data: sc})
		if store == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
			defer cancel()
			ev := storage.DeviceEvent{
				At:     sc.At,
				Serial: sc.Serial,
				From:   sc.From.String(),
				To:     sc.To.String(),
				Reason: sc.Reason,
			}
			if err := store.AppendDeviceEvent(ctx, ev); err != nil {
				log.Error("device event append failed", logx.Err(err), logx.String("serial", sc.Serial))
			}
		}()
	})

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := command.New(schedCfg, command.Deps{
		Pool:     pool,
		Factory:  runconfig.New(),
		Executor: runner.New(runCfg, root),
		Parser:   cmdfile.New(),
		Log:      root,
		Bus:      bus,
	})
	sched.AddListener(history.NewRecorder(store, bus, root))

	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintCfg, pool, store, bus, root)

	profCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	prof := pprof.New(profCfg, root.With(logx.String("component", "pprof")))
	prof.SetStatusHandler(func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "devices: %s\n\n", pool.Counts())
		sched.DisplayQueue(&b)
		return b.String()
	})

	wd, err := config.ParseDurationField("watchdog.interval", cfg.Watchdog.Interval)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		pool:  pool,
		sched: sched,
		maint: maint,
		prof:  prof,
		sd:    sdnotify.New(wd, root),
	}, nil
}

// Scheduler exposes the command queue for the run-once and operational
// surfaces of the binary.
func (a *App) Scheduler() *command.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled, either by a
// fatal component error or by Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("component", "config")))
	// Schema validation runs inside the manager; the hook re-runs the
	// component mappings so a reload that parses but cannot be wired is
	// rejected before commit.
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateMapped(c)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	for _, path := range cfg.Scheduler.CommandFiles {
		if err := a.sched.AddCommandFile(path, nil); err != nil {
			return fmt.Errorf("command file %s: %w", path, err)
		}
	}

	if err := a.maint.Start(); err != nil {
		return err
	}
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}
	if cfg.Watchdog.Enabled {
		a.sup.Go("watchdog", a.sd.RunWatchdog)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// The reload applier subscribes before the watcher starts so the first
	// change cannot slip past it.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.sd.Status("running")
	a.log.Info("testrig started",
		logx.Int("devices", a.pool.Counts().Total()),
		logx.Int("command_files", len(cfg.Scheduler.CommandFiles)),
	)
	return nil
}

// restartOnly lists config sections the running daemon cannot re-apply.
var restartOnly = map[string]bool{
	"state_dir": true,
	"storage":   true,
	"pool":      true,
	"runner":    true,
	"watchdog":  true,
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload carried no effective changes")
		return
	}

	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config change requires a restart", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if oldCfg.Scheduler.ReloadOnChange != newCfg.Scheduler.ReloadOnChange {
		a.sched.SetCommandFileReload(newCfg.Scheduler.ReloadOnChange)
	}
	if oldCfg.Scheduler.PollInterval != newCfg.Scheduler.PollInterval ||
		!reflect.DeepEqual(oldCfg.Scheduler.CommandFiles, newCfg.Scheduler.CommandFiles) {
		a.log.Warn("config change requires a restart", logx.String("section", "scheduler"))
	}

	if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config, keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mcfg); err != nil {
		a.log.Warn("maintenance reconfigure failed", logx.Err(err))
	} else if err := a.maint.Start(); err != nil {
		// No-op when the runner is already up; starts it when a reload
		// introduces the first schedule.
		a.log.Error("maintenance start failed", logx.Err(err))
	}

	if pcfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config, keeping previous", logx.Err(err))
	} else {
		a.prof.Reconfigure(ctx, pcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{
		Type: EventTypeConfigReloaded,
		Time: time.Now(),
		Data: ConfigReloadEvent{Sections: sections},
	})
}

// Stop drains the scheduler within ctx, then unwinds the background loops.
// Each stage is bounded so one wedged component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sd.Status("stopping: " + string(reason))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 || rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The scheduler drains first, on the caller's full budget: workers run
	// under the supervisor context, so Cancel before the drain would abort
	// executing invocations instead of letting them finish.
	step("scheduler", 0, a.sched.Stop)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("pprof", 2*time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
