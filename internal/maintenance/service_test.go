package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"testrig/internal/device"
	"testrig/internal/eventbus"
	"testrig/internal/storage"
	"testrig/pkg/logx"
)

type fakePool struct {
	mu        sync.Mutex
	devs      []device.Descriptor
	recovered []string
}

func (p *fakePool) ListAll() []device.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.Descriptor(nil), p.devs...)
}

func (p *fakePool) Counts() device.Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c device.Counts
	for _, d := range p.devs {
		switch d.Alloc {
		case device.Available:
			c.Available++
		case device.Allocated:
			c.Allocated++
		case device.Unavailable:
			c.Unavailable++
		case device.Ignored:
			c.Ignored++
		}
	}
	return c
}

func (p *fakePool) Recover(serial string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovered = append(p.recovered, serial)
	return nil
}

type pruneStore struct {
	storage.Store
	mu     sync.Mutex
	cutoff time.Time
	n      int
	err    error
}

func (s *pruneStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = olderThan
	return s.n, s.err
}

func nextReport(t *testing.T, ch <-chan eventbus.Event) RunReport {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != EventTypeRan {
			t.Fatalf("event type = %q, want %q", ev.Type, EventTypeRan)
		}
		rep, ok := ev.Data.(RunReport)
		if !ok {
			t.Fatalf("event data type = %T", ev.Data)
		}
		return rep
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", EventTypeRan)
		return RunReport{}
	}
}

func TestHistoryPruneJob(t *testing.T) {
	t.Parallel()

	store := &pruneStore{n: 5}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{
		HistoryPrune: PruneConfig{Schedule: "0 3 * * *", Retention: 24 * time.Hour},
	}, &fakePool{}, store, bus, logx.Nop())

	s.runJob(JobHistoryPrune, s.historyPrune)

	rep := nextReport(t, ch)
	if rep.Job != JobHistoryPrune || rep.Pruned != 5 || rep.Error != "" {
		t.Fatalf("report = %+v", rep)
	}
	wantCutoff := time.Now().Add(-24 * time.Hour)
	store.mu.Lock()
	cutoff := store.cutoff
	store.mu.Unlock()
	if d := cutoff.Sub(wantCutoff); d < -time.Minute || d > time.Minute {
		t.Fatalf("prune cutoff = %v, want about %v", cutoff, wantCutoff)
	}
}

func TestHistoryPruneJobReportsError(t *testing.T) {
	t.Parallel()

	store := &pruneStore{err: errors.New("disk broke")}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{
		HistoryPrune: PruneConfig{Schedule: "0 3 * * *", Retention: time.Hour},
	}, &fakePool{}, store, bus, logx.Nop())
	s.runJob(JobHistoryPrune, s.historyPrune)

	if rep := nextReport(t, ch); rep.Error == "" {
		t.Fatalf("report carries no error: %+v", rep)
	}
}

func TestPoolReportJob(t *testing.T) {
	t.Parallel()

	pool := &fakePool{devs: []device.Descriptor{
		{Serial: "a", Alloc: device.Available},
		{Serial: "b", Alloc: device.Allocated},
		{Serial: "c", Alloc: device.Unavailable},
	}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{}, pool, nil, bus, logx.Nop())
	s.runJob(JobPoolReport, s.poolReport)

	rep := nextReport(t, ch)
	if rep.Counts == nil {
		t.Fatalf("report has no counts: %+v", rep)
	}
	if rep.Counts.Available != 1 || rep.Counts.Allocated != 1 || rep.Counts.Unavailable != 1 {
		t.Fatalf("counts = %+v", rep.Counts)
	}
}

func TestPoolReadmitJob(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pool := &fakePool{devs: []device.Descriptor{
		{Serial: "old-unavail", Alloc: device.Unavailable, Since: now.Add(-time.Hour)},
		{Serial: "new-unavail", Alloc: device.Unavailable, Since: now.Add(-time.Minute)},
		{Serial: "old-alloc", Alloc: device.Allocated, Since: now.Add(-time.Hour)},
		{Serial: "no-since", Alloc: device.Unavailable},
	}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{
		PoolReadmit: ReadmitConfig{Schedule: "*/10 * * * *", After: 30 * time.Minute},
	}, pool, nil, bus, logx.Nop())
	s.runJob(JobPoolReadmit, s.poolReadmit)

	rep := nextReport(t, ch)
	if len(rep.Readmitted) != 1 || rep.Readmitted[0] != "old-unavail" {
		t.Fatalf("Readmitted = %v, want [old-unavail]", rep.Readmitted)
	}
	pool.mu.Lock()
	recovered := append([]string(nil), pool.recovered...)
	pool.mu.Unlock()
	if len(recovered) != 1 || recovered[0] != "old-unavail" {
		t.Fatalf("recovered = %v", recovered)
	}
}

func TestJobPanicIsCaptured(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{}, &fakePool{}, nil, bus, logx.Nop())
	s.runJob("boom", func(*RunReport) error { panic("kaput") })

	if rep := nextReport(t, ch); rep.Error == "" {
		t.Fatalf("panic not reported: %+v", rep)
	}
}

func TestStartRunsScheduledJobs(t *testing.T) {
	t.Parallel()

	pool := &fakePool{devs: []device.Descriptor{{Serial: "a", Alloc: device.Available}}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{PoolReport: ReportConfig{Schedule: "@every 1s"}}, pool, nil, bus, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case ev := <-ch:
		rep, ok := ev.Data.(RunReport)
		if !ok || rep.Job != JobPoolReport {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("scheduled pool_report never ran")
	}
}

func TestStartWithoutSchedulesIsInert(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakePool{}, nil, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.mu.Lock()
	started := s.c != nil
	s.mu.Unlock()
	if started {
		t.Fatalf("cron runner started with no schedules")
	}

	// A reload that introduces the first schedule starts it.
	if err := s.Apply(Config{PoolReport: ReportConfig{Schedule: "@every 1h"}}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start after Apply error: %v", err)
	}
	s.mu.Lock()
	started = s.c != nil
	s.mu.Unlock()
	if !started {
		t.Fatalf("cron runner did not start after the first schedule arrived")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestApplyRestartsOnlyOnScheduleChange(t *testing.T) {
	t.Parallel()

	s := New(Config{
		HistoryPrune: PruneConfig{Schedule: "0 3 * * *", Retention: time.Hour},
	}, &fakePool{}, &pruneStore{}, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	s.mu.Lock()
	before := s.c
	s.mu.Unlock()

	// Window-only change keeps the runner.
	if err := s.Apply(Config{
		HistoryPrune: PruneConfig{Schedule: "0 3 * * *", Retention: 2 * time.Hour},
	}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	s.mu.Lock()
	same := s.c == before
	retention := s.cfg.HistoryPrune.Retention
	s.mu.Unlock()
	if !same {
		t.Fatalf("window-only change restarted the cron runner")
	}
	if retention != 2*time.Hour {
		t.Fatalf("retention = %v, want 2h", retention)
	}

	// Schedule change rebuilds it.
	if err := s.Apply(Config{
		HistoryPrune: PruneConfig{Schedule: "0 4 * * *", Retention: 2 * time.Hour},
	}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	s.mu.Lock()
	rebuilt := s.c != nil && s.c != before
	s.mu.Unlock()
	if !rebuilt {
		t.Fatalf("schedule change did not rebuild the cron runner")
	}
}
