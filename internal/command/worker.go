package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"testrig/internal/device"
	"testrig/internal/invocation"
	logx "testrig/pkg/logx"
)

// liveInvocation is the scheduler's record of one dispatched command: the
// command itself, its invocation context, the devices it holds and the
// listener chain snapshotted at dispatch time.
type liveInvocation struct {
	cmd       *execCommand
	ictx      *invocation.Context
	devices   []slotDevice
	listeners invocation.Listeners
	started   time.Time
}

// runWorker owns one invocation from dispatch to completion. It never
// returns an error to the supervisor: invocation failures, including
// recovered executor panics, land in the last-invocation-error slot so the
// engine's own fault channel stays clean.
func (s *Scheduler) runWorker(ctx context.Context, live *liveInvocation) {
	cmd := live.cmd
	ic := live.ictx
	log := s.log.With(
		logx.Int64("command_id", cmd.tracker.ID()),
		logx.String("invocation_id", ic.ID()),
		logx.Strings("serials", ic.Serials()),
	)

	if serial := s.conflictingSerial(live); serial != "" {
		err := conflictError(serial)
		log.Error("invocation rejected", logx.Err(err))
		s.recordInvocationError(err)
		s.removeLive(live)
		s.freeDevices(live.devices, nil)
		s.wake()
		return
	}

	log.Info("invocation started", logx.String("command_line", cmd.tracker.CommandLine()))
	s.publish(EventTypeInvocationStarted, InvocationEvent{
		CommandID:    cmd.tracker.ID(),
		InvocationID: ic.ID(),
		CommandLine:  cmd.tracker.CommandLine(),
		Serials:      ic.Serials(),
	})
	live.listeners.InvocationInitiated(ic)

	resched := &rescheduler{s: s, tracker: cmd.tracker}
	err := s.invokeSafely(ctx, live, resched)
	elapsed := time.Since(live.started)
	cmd.tracker.RecordExecution(elapsed)
	// Record before completion becomes observable through listeners or
	// the queue, so readers never see a finished run with a stale fault.
	s.recordInvocationError(err)

	outcome := invocation.ClassifyOutcome(err)
	stampCompletion(ic, live.started, elapsed, outcome, err)

	states := s.finalDeviceStates(ctx, live, err)
	requeue := s.removeLive(live)
	if !ic.WasReleasedEarly() {
		s.freeDevices(live.devices, states)
	}
	live.listeners.InvocationComplete(ic, states)

	if err != nil {
		log.Error("invocation failed",
			logx.Err(err),
			logx.Duration("elapsed", elapsed),
			logx.String("outcome", outcome.String()),
		)
	} else {
		log.Info("invocation complete", logx.Duration("elapsed", elapsed))
	}
	s.publish(EventTypeInvocationComplete, InvocationEvent{
		CommandID:    cmd.tracker.ID(),
		InvocationID: ic.ID(),
		CommandLine:  cmd.tracker.CommandLine(),
		Serials:      ic.Serials(),
		Outcome:      outcome.String(),
		Elapsed:      elapsed.Milliseconds(),
	})

	if requeue {
		s.requeueLoop(cmd.tracker, cmd.minLoopTime()-elapsed)
	}
	s.wake()
}

// stampCompletion makes the result readable from the context itself, for
// listeners whose completion callback carries only the context and the
// device states.
func stampCompletion(ic *invocation.Context, started time.Time, elapsed time.Duration, outcome invocation.Outcome, err error) {
	ic.SetAttribute(invocation.AttrOutcome, outcome.String())
	ic.SetAttribute(invocation.AttrStartedAt, started.Format(time.RFC3339Nano))
	ic.SetAttribute(invocation.AttrElapsedMS, strconv.FormatInt(elapsed.Milliseconds(), 10))
	if err != nil {
		ic.SetAttribute(invocation.AttrError, err.Error())
	}
}

// removeLive takes the invocation out of the running set and decides, in
// the same critical section, whether its command loops back. The removal
// happens first so a drain that is down to this invocation closes admission
// before the loop decision is made.
func (s *Scheduler) removeLive(live *liveInvocation) (requeue bool) {
	cmd := live.cmd
	s.mu.Lock()
	delete(s.running, live.ictx.ID())
	requeue = cmd.loop() && !cmd.rescheduled && !cmd.dropped && s.admissionOpenLocked()
	s.mu.Unlock()
	return requeue
}

// conflictingSerial reports a serial this invocation holds that another live
// invocation also holds without having marked an early release. A non-empty
// result means the device was handed out twice.
func (s *Scheduler) conflictingSerial(live *liveInvocation) string {
	mine := make(map[string]bool, len(live.devices))
	for _, sd := range live.devices {
		mine[sd.dev.Serial()] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.running {
		if other == live || other.ictx.WasReleasedEarly() {
			continue
		}
		for _, serial := range other.ictx.Serials() {
			if mine[serial] {
				return serial
			}
		}
	}
	return ""
}

// invokeSafely runs the executor with a panic fence so one bad invocation
// cannot take the scheduling loop down with it.
func (s *Scheduler) invokeSafely(ctx context.Context, live *liveInvocation, resched invocation.Rescheduler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("invocation panic: %v", p)
		}
	}()
	release := &releaseHandler{s: s, chain: live.listeners}
	return s.executor.Invoke(ctx, live.ictx, live.cmd.config, resched, release)
}

// finalDeviceStates classifies every held device for the completion report.
// The pool applies its own placeholder rule on top, so tcp and stub handles
// come back Available no matter what is reported here.
func (s *Scheduler) finalDeviceStates(ctx context.Context, live *liveInvocation, runErr error) map[string]device.FreeState {
	lost := ""
	var dua *invocation.DeviceUnavailableError
	if errors.As(runErr, &dua) {
		lost = dua.Serial
	}
	states := make(map[string]device.FreeState, len(live.devices))
	for _, sd := range live.devices {
		d := sd.dev
		switch {
		case d.Serial() == lost:
			states[d.Serial()] = device.FreeUnavailable
		case d.Health() != device.Online:
			states[d.Serial()] = device.FreeUnavailable
		case !d.WaitForResponsive(ctx):
			states[d.Serial()] = device.FreeUnresponsive
		default:
			states[d.Serial()] = device.FreeAvailable
		}
	}
	return states
}

// freeDevices returns held devices to the pool. Serials missing from states
// default to Available.
func (s *Scheduler) freeDevices(devs []slotDevice, states map[string]device.FreeState) {
	for _, sd := range devs {
		st, ok := states[sd.dev.Serial()]
		if !ok {
			st = device.FreeAvailable
		}
		s.pool.Free(sd.dev, st)
	}
}

// requeueLoop enqueues the next iteration of a loop command. The
// configuration is resolved fresh from the tracker's original arguments, so
// per-run state never leaks between iterations; the resolve happens even
// when admission then refuses the enqueue. A pause left over from the
// minimum interval parks the command Sleeping.
func (s *Scheduler) requeueLoop(t *Tracker, pause time.Duration) {
	cfg, err := s.factory.CreateConfiguration(t.Args())
	if err != nil {
		s.log.Error("loop re-queue failed",
			logx.Int64("command_id", t.ID()),
			logx.Err(err),
		)
		return
	}
	next := newExecCommand(t, cfg)
	if pause > 0 {
		next.state = StateSleeping
		next.sleepUntil = time.Now().Add(pause)
	}

	s.mu.Lock()
	open := s.admissionOpenLocked()
	if open {
		s.enqueueLocked(next)
	}
	s.mu.Unlock()
	if !open {
		return
	}
	s.publish(EventTypeCommandRequeued, CommandEvent{
		ID:          t.ID(),
		CommandLine: t.CommandLine(),
		State:       next.state.String(),
	})
}

// rescheduler is the one-shot latch handed to each invocation. The first
// ScheduleConfig call wins; it never touches the caller's current devices.
type rescheduler struct {
	s       *Scheduler
	tracker *Tracker
	used    atomic.Bool
}

// ScheduleConfig enqueues cfg as a replacement running under the original
// command's identity. Replacements never loop.
func (r *rescheduler) ScheduleConfig(cfg invocation.Configuration) bool {
	if cfg == nil || !r.used.CompareAndSwap(false, true) {
		return false
	}
	next := newExecCommand(r.tracker, cfg)
	next.rescheduled = true

	r.s.mu.Lock()
	open := r.s.admissionOpenLocked()
	if open {
		r.s.enqueueLocked(next)
	}
	r.s.mu.Unlock()
	if !open {
		return false
	}
	r.s.publish(EventTypeCommandRequeued, CommandEvent{
		ID:          r.tracker.ID(),
		CommandLine: cfg.CommandLine(),
		State:       StateUnallocated.String(),
		Rescheduled: true,
	})
	r.s.wake()
	return true
}

// releaseHandler is the engine's slot in the listener chain handed to the
// executor. ReleaseDevices frees through the pool whether or not the
// collaborator marked the context released-early; an unmarked release shows
// up later as a conflict on the next invocation touching the same device.
type releaseHandler struct {
	s     *Scheduler
	chain invocation.Listeners
}

func (h *releaseHandler) InvocationInitiated(ic *invocation.Context) {}

func (h *releaseHandler) InvocationComplete(ic *invocation.Context, states map[string]device.FreeState) {
}

func (h *releaseHandler) ReleaseDevices(ic *invocation.Context, states map[string]device.FreeState) {
	for _, d := range ic.Devices() {
		st, ok := states[d.Serial()]
		if !ok {
			st = device.FreeAvailable
		}
		h.s.pool.Free(d, st)
	}
	h.chain.ReleaseDevices(ic, states)
	h.s.wake()
}
