package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "testrig/pkg/logx"
)

// Pool is the allocation boundary the scheduling engine depends on.
//
// Allocate returns nil when no available device satisfies the selection.
// Free with a device that is not currently allocated is ignored, so freeing
// is idempotent. ForceAllocate grabs a device regardless of its state and
// has no effect if the device is already allocated.
type Pool interface {
	Allocate(sel Selection) Device
	ForceAllocate(serial string) Device
	Free(d Device, state FreeState)
	ListAll() []Descriptor
}

var (
	ErrUnknownSerial   = errors.New("unknown device serial")
	ErrDuplicateSerial = errors.New("duplicate device serial")
)

// PoolConfig tunes the responsiveness probe shared by all pooled devices.
type PoolConfig struct {
	// ProbeAttempts is the bounded retry count for WaitForResponsive.
	ProbeAttempts int
	// ProbeInterval is the fixed sleep between attempts.
	ProbeInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	return c
}

// StaticPool is the in-process Pool implementation: the fleet is seeded from
// config and only its allocation states change at runtime. One coarse mutex
// guards every state transition, which keeps multi-slot allocation rollback
// trivially correct.
type StaticPool struct {
	cfg PoolConfig
	log logx.Logger

	mu       sync.Mutex
	entries  map[string]*poolEntry
	order    []string // insertion order, also the matching order
	listener StateListener
}

type poolEntry struct {
	dev   *managed
	alloc AllocState
	since time.Time
}

// StateChange describes one allocation-state transition of a pooled device.
type StateChange struct {
	Serial string     `json:"serial"`
	From   AllocState `json:"from"`
	To     AllocState `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// StateListener observes allocation-state transitions. It is called outside
// the pool lock, so it may call back into the pool.
type StateListener func(StateChange)

// Counts summarizes pool occupancy per allocation state.
type Counts struct {
	Available   int `json:"available"`
	Allocated   int `json:"allocated"`
	Unavailable int `json:"unavailable"`
	Ignored     int `json:"ignored"`
}

func (c Counts) Total() int { return c.Available + c.Allocated + c.Unavailable + c.Ignored }

func (c Counts) String() string {
	return fmt.Sprintf("available=%d allocated=%d unavailable=%d ignored=%d",
		c.Available, c.Allocated, c.Unavailable, c.Ignored)
}

func NewStaticPool(cfg PoolConfig, log logx.Logger) *StaticPool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StaticPool{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("component", "devicepool")),
		entries: map[string]*poolEntry{},
	}
}

// OnStateChange registers the transition observer. The fleet is seeded before
// anything runs, so seeding itself is not reported; only runtime transitions
// are.
func (p *StaticPool) OnStateChange(fn StateListener) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
}

// changedLocked stamps the entry's state age and captures the notification to
// fire once the lock is dropped.
func (p *StaticPool) changedLocked(serial string, ent *poolEntry, from AllocState, reason string) (StateListener, StateChange) {
	now := time.Now()
	ent.since = now
	return p.listener, StateChange{Serial: serial, From: from, To: ent.alloc, Reason: reason, At: now}
}

// Add seeds one device. Ignored specs are admitted but never offered.
func (p *StaticPool) Add(spec Spec) error {
	serial := strings.TrimSpace(spec.Serial)
	if serial == "" {
		return errors.New("device serial is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[serial]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, serial)
	}

	d := &managed{
		serial:        serial,
		kind:          spec.Kind,
		props:         spec.Properties,
		probeAttempts: p.cfg.ProbeAttempts,
		probeInterval: p.cfg.ProbeInterval,
		health:        spec.Health,
		recovery:      spec.Recovery,
		responsive:    !spec.Unresponsive,
	}
	alloc := Available
	if spec.Ignored {
		alloc = Ignored
	}
	p.entries[serial] = &poolEntry{dev: d, alloc: alloc, since: time.Now()}
	p.order = append(p.order, serial)

	p.log.Debug("device added",
		logx.String("serial", serial),
		logx.String("kind", spec.Kind.String()),
		logx.String("alloc", alloc.String()))
	return nil
}

// Allocate binds the first available device matching the selection, in pool
// insertion order, and returns nil when nothing matches.
func (p *StaticPool) Allocate(sel Selection) Device {
	p.mu.Lock()
	for _, serial := range p.order {
		ent := p.entries[serial]
		if ent.alloc != Available {
			continue
		}
		if !sel.Matches(p.describeLocked(serial, ent)) {
			continue
		}
		ent.alloc = Allocated
		fn, change := p.changedLocked(serial, ent, Available, "allocated")
		p.mu.Unlock()

		p.log.Debug("device allocated", logx.String("serial", serial))
		if fn != nil {
			fn(change)
		}
		return ent.dev
	}
	p.mu.Unlock()
	return nil
}

// ForceAllocate binds a device by serial even when it is Unavailable or
// Ignored. It returns nil for unknown serials and for devices already
// backing a worker.
func (p *StaticPool) ForceAllocate(serial string) Device {
	p.mu.Lock()
	ent := p.entries[serial]
	if ent == nil || ent.alloc == Allocated {
		p.mu.Unlock()
		return nil
	}
	from := ent.alloc
	ent.alloc = Allocated
	fn, change := p.changedLocked(serial, ent, from, "force-allocated")
	p.mu.Unlock()

	p.log.Info("device force-allocated", logx.String("serial", serial))
	if fn != nil {
		fn(change)
	}
	return ent.dev
}

// Free returns an allocated device to the pool with a resulting-state hint.
// Unknown devices and devices that are not currently allocated are ignored.
// Placeholder (tcp/stub) handles always come back as Available: dropping them
// from the pool would lose the slot forever since nothing re-detects them.
func (p *StaticPool) Free(d Device, state FreeState) {
	if d == nil {
		return
	}
	p.mu.Lock()
	ent := p.entries[d.Serial()]
	if ent == nil || ent.alloc != Allocated {
		p.mu.Unlock()
		return
	}

	var left bool
	switch {
	case ent.dev.IsPlaceholder():
		ent.alloc = Available
		ent.dev.SetRecoveryMode(RecoveryAvailable)
	case state == FreeAvailable:
		ent.alloc = Available
		ent.dev.SetRecoveryMode(RecoveryAvailable)
	case state == FreeUnavailable || state == FreeUnresponsive:
		ent.alloc = Unavailable
		ent.dev.setHealth(NotAvailable)
		left = true
	case state == FreeIgnore:
		ent.alloc = Ignored
	default:
		ent.alloc = Available
	}
	fn, change := p.changedLocked(d.Serial(), ent, Allocated, "freed:"+state.String())
	p.mu.Unlock()

	if left {
		p.log.Warn("device left the pool",
			logx.String("serial", d.Serial()),
			logx.String("hint", state.String()))
	}
	if fn != nil {
		fn(change)
	}
}

// Recover re-admits an Unavailable device. It is a no-op for devices in any
// other state.
func (p *StaticPool) Recover(serial string) error {
	p.mu.Lock()
	ent := p.entries[serial]
	if ent == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSerial, serial)
	}
	if ent.alloc != Unavailable {
		p.mu.Unlock()
		return nil
	}
	ent.alloc = Available
	ent.dev.setHealth(Online)
	ent.dev.SetRecoveryMode(RecoveryAvailable)
	fn, change := p.changedLocked(serial, ent, Unavailable, "recovered")
	p.mu.Unlock()

	p.log.Info("device recovered", logx.String("serial", serial))
	if fn != nil {
		fn(change)
	}
	return nil
}

// ListAll returns descriptors for every known device in insertion order.
func (p *StaticPool) ListAll() []Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Descriptor, 0, len(p.order))
	for _, serial := range p.order {
		out = append(out, p.describeLocked(serial, p.entries[serial]))
	}
	return out
}

// Counts tallies the pool by allocation state.
func (p *StaticPool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()

	var c Counts
	for _, ent := range p.entries {
		switch ent.alloc {
		case Available:
			c.Available++
		case Allocated:
			c.Allocated++
		case Unavailable:
			c.Unavailable++
		case Ignored:
			c.Ignored++
		}
	}
	return c
}

func (p *StaticPool) describeLocked(serial string, ent *poolEntry) Descriptor {
	return Descriptor{
		Serial:     serial,
		Kind:       ent.dev.kind,
		Alloc:      ent.alloc,
		Health:     ent.dev.Health(),
		Properties: ent.dev.props,
		Since:      ent.since,
	}
}
