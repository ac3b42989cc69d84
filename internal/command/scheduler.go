package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"testrig/internal/device"
	"testrig/internal/eventbus"
	"testrig/internal/invocation"
	"testrig/internal/runtime/supervisor"
	logx "testrig/pkg/logx"
)

// FileParser turns a command file into one argument vector per command.
type FileParser interface {
	ParseFile(path string) ([][]string, error)
}

// Config tunes the scheduler loop.
type Config struct {
	// PollInterval is the dispatch loop's wake cadence. The loop also
	// wakes immediately on queue mutations; the ticker is the backstop
	// for devices freed outside the scheduler's view.
	PollInterval time.Duration
	// FileReload enables watching registered command files for changes.
	FileReload bool
	// HelpWriter receives usage output for help-mode submissions.
	HelpWriter io.Writer
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HelpWriter == nil {
		c.HelpWriter = os.Stdout
	}
	return c
}

// Deps are the scheduler's collaborators. Pool, Factory and Executor are
// required; Parser only when command files are used.
type Deps struct {
	Pool     device.Pool
	Factory  invocation.Factory
	Executor invocation.Executor
	Parser   FileParser
	Log      logx.Logger
	Bus      eventbus.Bus
}

type runState int

const (
	stateNew runState = iota
	stateRunning
	stateDraining
	stateShutdown
)

// Scheduler owns the command queue and the dispatch loop. Commands enter
// through AddCommand/AddCommandFile (queued) or ExecCommand (immediate),
// wait for devices, and run on per-invocation workers.
//
// Lock order is s.mu before the pool's internal mutex; worker completions
// and the loop both take s.mu for short critical sections only.
type Scheduler struct {
	cfg      Config
	pool     device.Pool
	factory  invocation.Factory
	executor invocation.Executor
	parser   FileParser
	log      logx.Logger
	bus      eventbus.Bus

	sup  *supervisor.Supervisor
	kick chan struct{}

	mu         sync.Mutex
	state      runState
	nextID     int64
	queue      []*execCommand
	running    map[string]*liveInvocation
	files      map[string]*commandFile
	listeners  invocation.Listeners
	watcher    *fileWatcher
	lastInvErr error

	workerWG sync.WaitGroup
}

// commandFile remembers the terms a command file was registered under, so a
// watcher-triggered reload re-adds its commands unchanged.
type commandFile struct {
	path      string
	extraArgs []string
}

func New(cfg Config, deps Deps) *Scheduler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		pool:     deps.Pool,
		factory:  deps.Factory,
		executor: deps.Executor,
		parser:   deps.Parser,
		log:      log.With(logx.String("component", "scheduler")),
		bus:      deps.Bus,
		kick:     make(chan struct{}, 1),
		running:  map[string]*liveInvocation{},
		files:    map[string]*commandFile{},
	}
}

// Start launches the dispatch loop under a supervisor derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateNew:
	case stateShutdown:
		return ErrShuttingDown
	default:
		return errors.New("scheduler already started")
	}
	if s.pool == nil || s.factory == nil || s.executor == nil {
		return errors.New("scheduler requires a pool, a factory and an executor")
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.state = stateRunning
	if s.cfg.FileReload {
		s.ensureWatcherLocked()
	}
	s.sup.Go("scheduler", s.loop)
	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Bool("file_reload", s.cfg.FileReload),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if s.loopExit() {
			break
		}
		s.dispatchReady(time.Now())
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-ticker.C:
		case <-s.kick:
		}
	}
	s.workerWG.Wait()
	s.mu.Lock()
	s.state = stateShutdown
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	if dropped > 0 {
		s.log.Info("dropped queued commands at shutdown", logx.Int("count", dropped))
	}
	s.log.Info("scheduler stopped")
	s.sup.Cancel()
	return nil
}

func (s *Scheduler) loopExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateShutdown:
		return true
	case stateDraining:
		return len(s.queue) == 0 && len(s.running) == 0
	default:
		return false
	}
}

// dispatchReady walks the queue in tracker id order and starts every command
// whose device requirements can all be satisfied right now. Unsatisfiable
// commands stay queued without blocking later ones; Sleeping commands become
// eligible once their deadline passes.
func (s *Scheduler) dispatchReady(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning && s.state != stateDraining {
		return
	}
	var keep []*execCommand
	for _, cmd := range s.queue {
		if cmd.state == StateSleeping {
			if cmd.sleepRemaining(now) > 0 {
				keep = append(keep, cmd)
				continue
			}
			cmd.state = StateUnallocated
		}
		got, missing := s.allocateLocked(effectiveRequirements(cmd.config))
		if missing != nil {
			keep = append(keep, cmd)
			continue
		}
		s.startInvocationLocked(cmd, got, nil)
	}
	s.queue = keep
}

// startInvocationLocked moves a command into Executing and hands it to a
// dedicated worker. Caller holds s.mu and has already allocated devs.
func (s *Scheduler) startInvocationLocked(cmd *execCommand, devs []slotDevice, extra invocation.ScheduledListener) {
	ic := invocation.NewContext()
	for _, sd := range devs {
		ic.AddDevice(sd.name, sd.dev)
	}
	ic.SetAttribute(invocation.AttrCommandID, strconv.FormatInt(cmd.tracker.ID(), 10))
	ic.SetAttribute(invocation.AttrCommandLine, cmd.tracker.CommandLine())
	if n := cmd.config.Options().Shards; n > 1 {
		ic.SetAttribute(invocation.AttrShardCount, strconv.Itoa(n))
	}
	cmd.state = StateExecuting

	chain := append(invocation.Listeners(nil), s.listeners...)
	if extra != nil {
		chain = append(chain, extra)
	}
	live := &liveInvocation{
		cmd:       cmd,
		ictx:      ic,
		devices:   devs,
		listeners: chain,
		started:   time.Now(),
	}
	s.running[ic.ID()] = live

	s.workerWG.Add(1)
	s.sup.Go(fmt.Sprintf("invocation-%d", cmd.tracker.ID()), func(ctx context.Context) error {
		defer s.workerWG.Done()
		s.runWorker(ctx, live)
		return nil
	})
}

// admissionOpenLocked reports whether new work may enter the queue. During a
// drain the door stays open while anything is queued or running, so loop
// re-queues and reschedules keep flowing until the system is actually empty.
func (s *Scheduler) admissionOpenLocked() bool {
	switch s.state {
	case stateRunning:
		return true
	case stateDraining:
		return len(s.queue) > 0 || len(s.running) > 0
	default:
		return false
	}
}

// enqueueLocked inserts by tracker id so loop re-queues and reschedules keep
// their arrival position relative to later submissions.
func (s *Scheduler) enqueueLocked(cmd *execCommand) {
	i := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].tracker.ID() > cmd.tracker.ID()
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = cmd
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// AddCommand resolves args into a configuration and enqueues it. The boolean
// reports whether a command was actually queued: help submissions print
// usage and return false, dry-run submissions validate and return false.
func (s *Scheduler) AddCommand(args ...string) (bool, error) {
	return s.addCommand(args, "", nil)
}

func (s *Scheduler) addCommand(args []string, filePath string, fileExtra []string) (bool, error) {
	cfg, err := s.factory.CreateConfiguration(args)
	if err != nil {
		return false, err
	}
	if cfg.Options().Help {
		cfg.PrintHelp(s.cfg.HelpWriter)
		return false, nil
	}
	if err := cfg.ValidateOptions(); err != nil {
		return false, err
	}
	if cfg.Options().DryRun {
		return false, nil
	}

	s.mu.Lock()
	if s.state == stateNew {
		s.mu.Unlock()
		return false, ErrNotStarted
	}
	if !s.admissionOpenLocked() {
		s.mu.Unlock()
		return false, ErrShuttingDown
	}
	s.nextID++
	t := newTracker(s.nextID, args, filePath, fileExtra)
	s.enqueueLocked(newExecCommand(t, cfg))
	s.mu.Unlock()

	s.log.Info("command added",
		logx.Int64("command_id", t.ID()),
		logx.String("command_line", t.CommandLine()),
	)
	s.publish(EventTypeCommandAdded, CommandEvent{
		ID:          t.ID(),
		CommandLine: t.CommandLine(),
		State:       StateUnallocated.String(),
	})
	s.wake()
	return true, nil
}

// AddCommandFile parses a command file and enqueues one command per line,
// each line extended with extraArgs. With reload enabled the path is watched
// and re-parsed on change; re-adding a path while reload is disabled is an
// error. A parse failure registers nothing; a bad line aborts the add but
// keeps the lines enqueued before it.
func (s *Scheduler) AddCommandFile(path string, extraArgs []string) error {
	if s.parser == nil {
		return ErrNoFileParser
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve command file path: %w", err)
	}
	lines, err := s.parser.ParseFile(abs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == stateNew {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if !s.admissionOpenLocked() {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := s.files[abs]; dup {
		if !s.cfg.FileReload {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrFileAlreadyAdded, abs)
		}
		s.removeFileCommandsLocked(abs)
	}
	s.files[abs] = &commandFile{path: abs, extraArgs: append([]string(nil), extraArgs...)}
	var w *fileWatcher
	if s.cfg.FileReload {
		w = s.ensureWatcherLocked()
	}
	s.mu.Unlock()

	if w != nil {
		w.Watch(abs)
	}
	s.log.Info("command file added",
		logx.String("path", abs),
		logx.Int("commands", len(lines)),
		logx.Strings("extra_args", extraArgs),
	)
	return s.addFileCommands(abs, lines, extraArgs)
}

func (s *Scheduler) addFileCommands(path string, lines [][]string, extraArgs []string) error {
	for _, line := range lines {
		args := append(append([]string(nil), line...), extraArgs...)
		if _, err := s.addCommand(args, path, extraArgs); err != nil {
			return fmt.Errorf("command file %s: %w", path, err)
		}
	}
	return nil
}

// removeFileCommandsLocked drops queued commands sourced from path and marks
// executing ones dropped so they finish without re-queuing.
func (s *Scheduler) removeFileCommandsLocked(path string) (removed []*execCommand) {
	var keep []*execCommand
	for _, cmd := range s.queue {
		if cmd.tracker.FilePath() == path {
			removed = append(removed, cmd)
			continue
		}
		keep = append(keep, cmd)
	}
	s.queue = keep
	for _, live := range s.running {
		if live.cmd.tracker.FilePath() == path {
			live.cmd.dropped = true
		}
	}
	return removed
}

// NotifyFileChanged reloads one command file: queued commands that came from
// it are replaced by the file's current content, executing ones finish but
// will not loop again. Commands from other sources are untouched. On a parse
// failure the queue keeps its current state.
func (s *Scheduler) NotifyFileChanged(path string, extraArgs []string) {
	if s.parser == nil {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.log.Error("command file reload failed", logx.String("path", path), logx.Err(err))
		return
	}
	lines, err := s.parser.ParseFile(abs)
	if err != nil {
		s.log.Error("command file reload failed", logx.String("path", abs), logx.Err(err))
		return
	}

	s.mu.Lock()
	if !s.admissionOpenLocked() {
		s.mu.Unlock()
		return
	}
	removed := s.removeFileCommandsLocked(abs)
	if cf, ok := s.files[abs]; ok {
		cf.extraArgs = append([]string(nil), extraArgs...)
	}
	s.mu.Unlock()

	s.log.Info("command file reloaded",
		logx.String("path", abs),
		logx.Int("removed", len(removed)),
		logx.Int("commands", len(lines)),
	)
	for _, cmd := range removed {
		s.publish(EventTypeCommandRemoved, CommandEvent{
			ID:          cmd.tracker.ID(),
			CommandLine: cmd.tracker.CommandLine(),
			State:       cmd.state.String(),
		})
	}
	if err := s.addFileCommands(abs, lines, extraArgs); err != nil {
		s.log.Error("command file reload rejected a command", logx.String("path", abs), logx.Err(err))
	}
	s.publish(EventTypeFileReloaded, FileEvent{Path: abs, Commands: len(lines), Removed: len(removed)})
	s.wake()
}

// SetCommandFileReload toggles watching of registered command files.
func (s *Scheduler) SetCommandFileReload(on bool) {
	s.mu.Lock()
	s.cfg.FileReload = on
	var w *fileWatcher
	var paths []string
	if on {
		w = s.ensureWatcherLocked()
		for p := range s.files {
			paths = append(paths, p)
		}
	} else {
		w = s.watcher
	}
	s.mu.Unlock()

	if w == nil {
		return
	}
	if on {
		for _, p := range paths {
			w.Watch(p)
		}
	} else {
		w.Clear()
	}
}

// ensureWatcherLocked lazily starts the reload watcher. Needs a started
// scheduler: the watcher runs under its supervisor.
func (s *Scheduler) ensureWatcherLocked() *fileWatcher {
	if s.watcher != nil {
		return s.watcher
	}
	if s.sup == nil {
		return nil
	}
	s.watcher = newFileWatcher(s.sup, s.log, func(path string) {
		s.mu.Lock()
		cf := s.files[path]
		s.mu.Unlock()
		var extra []string
		if cf != nil {
			extra = cf.extraArgs
		}
		s.NotifyFileChanged(path, extra)
	})
	return s.watcher
}

// RemoveAllCommands empties the queue. Executing commands are unaffected and
// loop commands among them will still re-queue on completion.
func (s *Scheduler) RemoveAllCommands() {
	s.mu.Lock()
	removed := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(removed) == 0 {
		return
	}
	s.log.Info("removed queued commands", logx.Int("count", len(removed)))
	for _, cmd := range removed {
		s.publish(EventTypeCommandRemoved, CommandEvent{
			ID:          cmd.tracker.ID(),
			CommandLine: cmd.tracker.CommandLine(),
			State:       cmd.state.String(),
		})
	}
}

// ExecCommand resolves args, allocates matching devices immediately and
// dispatches outside the queue. listener is notified in addition to the
// scheduler-wide listeners. Returns *NoDeviceError when a requirement cannot
// be satisfied right now; partial allocations are rolled back.
func (s *Scheduler) ExecCommand(listener invocation.ScheduledListener, args ...string) error {
	cfg, err := s.resolveDirect(args)
	if err != nil || cfg == nil {
		return err
	}
	s.mu.Lock()
	if err := s.admitDirectLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	reqs := effectiveRequirements(cfg)
	got, missing := s.allocateLocked(reqs)
	if missing != nil {
		s.mu.Unlock()
		return &NoDeviceError{Slot: missing.Name, Selection: missing.Selection}
	}
	s.nextID++
	t := newTracker(s.nextID, args, "", nil)
	s.startInvocationLocked(newExecCommand(t, cfg), got, listener)
	s.mu.Unlock()
	return nil
}

// ExecCommandOn dispatches on devices the caller already holds. Slot names
// follow the configuration's requirements in order; surplus devices get
// numbered slots.
func (s *Scheduler) ExecCommandOn(listener invocation.ScheduledListener, devices []device.Device, args ...string) error {
	if len(devices) == 0 {
		return errors.New("no devices supplied")
	}
	cfg, err := s.resolveDirect(args)
	if err != nil || cfg == nil {
		return err
	}
	reqs := effectiveRequirements(cfg)
	got := make([]slotDevice, 0, len(devices))
	for i, d := range devices {
		if d == nil {
			return errors.New("nil device supplied")
		}
		name := fmt.Sprintf("device-%d", i+1)
		if i < len(reqs) {
			name = reqs[i].Name
		}
		got = append(got, slotDevice{name: name, dev: d})
	}
	s.mu.Lock()
	if err := s.admitDirectLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.nextID++
	t := newTracker(s.nextID, args, "", nil)
	s.startInvocationLocked(newExecCommand(t, cfg), got, listener)
	s.mu.Unlock()
	return nil
}

// resolveDirect shares AddCommand's resolve/help/validate/dry-run handling
// for the immediate dispatch paths. A nil configuration with nil error means
// the submission was consumed without dispatching.
func (s *Scheduler) resolveDirect(args []string) (invocation.Configuration, error) {
	cfg, err := s.factory.CreateConfiguration(args)
	if err != nil {
		return nil, err
	}
	if cfg.Options().Help {
		cfg.PrintHelp(s.cfg.HelpWriter)
		return nil, nil
	}
	if err := cfg.ValidateOptions(); err != nil {
		return nil, err
	}
	if cfg.Options().DryRun {
		return nil, nil
	}
	return cfg, nil
}

func (s *Scheduler) admitDirectLocked() error {
	if s.state == stateNew {
		return ErrNotStarted
	}
	if !s.admissionOpenLocked() {
		return ErrShuttingDown
	}
	return nil
}

// Shutdown requests a stop: queued commands are dropped, executing ones run
// to completion without re-queuing, the file watcher is released. Safe to
// call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return
	}
	started := s.state != stateNew
	s.state = stateShutdown
	dropped := len(s.queue)
	s.queue = nil
	w := s.watcher
	s.mu.Unlock()

	if w != nil {
		w.Clear()
	}
	if started {
		s.wake()
	}
	s.log.Info("shutdown requested", logx.Int("dropped", dropped))
}

// ShutdownOnEmpty lets the queue drain: no new top-level submissions, loop
// re-queues and reschedules keep working while anything is queued or
// running, and the scheduler stops once both are empty.
func (s *Scheduler) ShutdownOnEmpty() {
	s.mu.Lock()
	if s.state == stateRunning {
		s.state = stateDraining
	}
	s.mu.Unlock()
	s.wake()
	s.log.Info("drain requested")
}

// Join blocks until the loop and every invocation worker have exited.
func (s *Scheduler) Join(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Wait(ctx)
}

// Stop is Shutdown followed by Join, for the app layer's signal path.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.Shutdown()
	return s.Join(ctx)
}

// AddListener registers a scheduler-wide invocation listener. Listeners
// added after a command was dispatched do not observe that invocation.
func (s *Scheduler) AddListener(l invocation.ScheduledListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// LastInvocationError returns the most recent invocation failure. Each new
// failure overwrites the previous one; engine faults are reported through
// Join instead.
func (s *Scheduler) LastInvocationError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInvErr
}

func (s *Scheduler) recordInvocationError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastInvErr = err
	s.mu.Unlock()
}
