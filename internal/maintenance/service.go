// Package maintenance runs the daemon's periodic housekeeping on cron
// schedules: pruning old history, reporting pool occupancy, and readmitting
// devices that have sat unavailable for too long.
package maintenance

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"testrig/internal/device"
	"testrig/internal/eventbus"
	"testrig/internal/storage"
	logx "testrig/pkg/logx"
)

// EventTypeRan is published after every job run. Data is a RunReport.
const EventTypeRan = "maintenance.ran"

// Job names, as they appear in logs and RunReport.Job.
const (
	JobHistoryPrune = "history_prune"
	JobPoolReport   = "pool_report"
	JobPoolReadmit  = "pool_readmit"
)

// RunReport describes one job run.
type RunReport struct {
	Job        string         `json:"job"`
	At         time.Time      `json:"at"`
	TookMS     int64          `json:"took_ms"`
	Pruned     int            `json:"pruned,omitempty"`
	Readmitted []string       `json:"readmitted,omitempty"`
	Counts     *device.Counts `json:"counts,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Config gates the jobs. A job with an empty schedule is off. Schedules are
// standard cron specs; the config layer validates them before they get here.
type Config struct {
	HistoryPrune PruneConfig
	PoolReport   ReportConfig
	PoolReadmit  ReadmitConfig
}

// Active reports whether any job carries a schedule.
func (c Config) Active() bool {
	return strings.TrimSpace(c.HistoryPrune.Schedule) != "" ||
		strings.TrimSpace(c.PoolReport.Schedule) != "" ||
		strings.TrimSpace(c.PoolReadmit.Schedule) != ""
}

// PruneConfig drops history older than Retention.
type PruneConfig struct {
	Schedule  string
	Retention time.Duration
}

type ReportConfig struct {
	Schedule string
}

// ReadmitConfig returns devices to Available once they have been
// Unavailable for longer than After.
type ReadmitConfig struct {
	Schedule string
	After    time.Duration
}

// DevicePool is the slice of the pool the jobs touch.
type DevicePool interface {
	ListAll() []device.Descriptor
	Counts() device.Counts
	Recover(serial string) error
}

// pruneTimeout bounds one store prune so a wedged backend cannot pin a cron
// goroutine forever.
const pruneTimeout = time.Minute

// Service hosts the cron runner. store and bus may be nil; a scheduled job
// that needs a missing collaborator is skipped at registration.
type Service struct {
	pool  DevicePool
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, pool DevicePool, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		pool:  pool,
		store: store,
		bus:   bus,
		log:   log.With(logx.String("component", "maintenance")),
	}
}

// Start registers the enabled jobs and starts the cron runner. It is a no-op
// on a started service and when no job is scheduled.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Active() {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	jobs := 0

	if spec := strings.TrimSpace(s.cfg.HistoryPrune.Schedule); spec != "" {
		if s.store == nil {
			s.log.Warn("history_prune scheduled without storage; job disabled")
		} else {
			if _, err := c.AddFunc(spec, func() { s.runJob(JobHistoryPrune, s.historyPrune) }); err != nil {
				return fmt.Errorf("history_prune schedule: %w", err)
			}
			jobs++
		}
	}
	if spec := strings.TrimSpace(s.cfg.PoolReport.Schedule); spec != "" {
		if _, err := c.AddFunc(spec, func() { s.runJob(JobPoolReport, s.poolReport) }); err != nil {
			return fmt.Errorf("pool_report schedule: %w", err)
		}
		jobs++
	}
	if spec := strings.TrimSpace(s.cfg.PoolReadmit.Schedule); spec != "" {
		if _, err := c.AddFunc(spec, func() { s.runJob(JobPoolReadmit, s.poolReadmit) }); err != nil {
			return fmt.Errorf("pool_readmit schedule: %w", err)
		}
		jobs++
	}

	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.Int("jobs", jobs))
	return nil
}

// Stop halts triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps the job configuration at runtime. Schedule changes restart the
// cron runner; window-only changes (retention, after) take effect on the
// next run without a restart.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	if old.HistoryPrune.Schedule == cfg.HistoryPrune.Schedule &&
		old.PoolReport.Schedule == cfg.PoolReport.Schedule &&
		old.PoolReadmit.Schedule == cfg.PoolReadmit.Schedule {
		return nil
	}

	s.c.Stop()
	s.c = nil
	if err := s.startLocked(); err != nil {
		s.cfg = old
		_ = s.startLocked() // keep the previous schedules running
		return err
	}
	return nil
}

// runJob wraps a job with timing, panic capture, failure logging, and the
// bus publish.
func (s *Service) runJob(name string, fn func(rep *RunReport) error) {
	start := time.Now()
	rep := RunReport{Job: name, At: start}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", name, r)
				s.log.Error("maintenance job panicked",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return fn(&rep)
	}()

	rep.TookMS = time.Since(start).Milliseconds()
	if err != nil {
		rep.Error = err.Error()
		s.log.Warn("maintenance job failed",
			logx.String("job", name),
			logx.Err(err),
			logx.Int64("took_ms", rep.TookMS))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTypeRan, Time: start, Data: rep})
	}
}

func (s *Service) historyPrune(rep *RunReport) error {
	s.mu.Lock()
	retention := s.cfg.HistoryPrune.Retention
	s.mu.Unlock()
	if retention <= 0 {
		return fmt.Errorf("no retention window configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	n, err := s.store.Prune(ctx, time.Now().Add(-retention))
	rep.Pruned = n
	if err != nil {
		return err
	}
	s.log.Info("history pruned",
		logx.Int("removed", n),
		logx.Duration("retention", retention))
	return nil
}

func (s *Service) poolReport(rep *RunReport) error {
	c := s.pool.Counts()
	rep.Counts = &c
	s.log.Info("device pool report",
		logx.Int("available", c.Available),
		logx.Int("allocated", c.Allocated),
		logx.Int("unavailable", c.Unavailable),
		logx.Int("ignored", c.Ignored))
	return nil
}

func (s *Service) poolReadmit(rep *RunReport) error {
	s.mu.Lock()
	after := s.cfg.PoolReadmit.After
	s.mu.Unlock()
	if after <= 0 {
		return fmt.Errorf("no readmit window configured")
	}

	cutoff := time.Now().Add(-after)
	for _, d := range s.pool.ListAll() {
		if d.Alloc != device.Unavailable {
			continue
		}
		if d.Since.IsZero() || d.Since.After(cutoff) {
			continue
		}
		if err := s.pool.Recover(d.Serial); err != nil {
			s.log.Warn("readmit failed", logx.String("serial", d.Serial), logx.Err(err))
			continue
		}
		rep.Readmitted = append(rep.Readmitted, d.Serial)
	}
	if len(rep.Readmitted) > 0 {
		s.log.Info("devices readmitted", logx.Strings("serials", rep.Readmitted))
	}
	return nil
}
