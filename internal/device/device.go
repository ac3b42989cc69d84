// Package device models the fleet the orchestrator schedules onto: a pool of
// attached devices, each with an allocation state, a health state, and a set
// of descriptive properties used for matching.
package device

import (
	"context"
	"sync"
	"time"
)

// AllocState is a device's allocation state inside the pool.
type AllocState int

const (
	// Available devices are eligible for matching.
	Available AllocState = iota
	// Allocated devices back exactly one running invocation.
	Allocated
	// Unavailable devices are excluded from matching until recovered.
	Unavailable
	// Ignored devices are never offered (explicitly excluded in config).
	Ignored
)

func (s AllocState) String() string {
	switch s {
	case Available:
		return "available"
	case Allocated:
		return "allocated"
	case Unavailable:
		return "unavailable"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// HealthState is the device-side health as last observed.
type HealthState int

const (
	Online HealthState = iota
	NotAvailable
	Recovery
)

func (s HealthState) String() string {
	switch s {
	case Online:
		return "online"
	case NotAvailable:
		return "not_available"
	case Recovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Kind distinguishes real hardware from placeholder handles.
type Kind int

const (
	// Physical is an attached hardware device.
	Physical Kind = iota
	// TCP is a network-addressed device handle.
	TCP
	// Stub is a no-op placeholder handle.
	Stub
)

func (k Kind) String() string {
	switch k {
	case Physical:
		return "physical"
	case TCP:
		return "tcp"
	case Stub:
		return "stub"
	default:
		return "unknown"
	}
}

// RecoveryMode controls how aggressively a collaborator should try to bring
// the device back when it misbehaves during a run.
type RecoveryMode int

const (
	// RecoveryAvailable is the default: full recovery until the device is
	// available again.
	RecoveryAvailable RecoveryMode = iota
	// RecoveryNone disables recovery for the run.
	RecoveryNone
)

func (m RecoveryMode) String() string {
	if m == RecoveryNone {
		return "none"
	}
	return "available"
}

// FreeState is the caller's hint when returning a device to the pool.
type FreeState int

const (
	FreeAvailable FreeState = iota
	FreeUnavailable
	FreeUnresponsive
	FreeIgnore
)

func (s FreeState) String() string {
	switch s {
	case FreeAvailable:
		return "available"
	case FreeUnavailable:
		return "unavailable"
	case FreeUnresponsive:
		return "unresponsive"
	case FreeIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Device is the handle handed to invocation workers. Implementations must be
// safe for concurrent use; a device backs at most one worker at a time, but
// introspection may race with the run.
type Device interface {
	Serial() string
	Kind() Kind
	// IsPlaceholder reports whether this is a tcp/stub handle rather than
	// real hardware. Placeholders are re-pooled no matter how a run ends.
	IsPlaceholder() bool
	Health() HealthState
	RecoveryMode() RecoveryMode
	SetRecoveryMode(m RecoveryMode)
	Property(key string) string
	// WaitForResponsive probes the device with bounded retries and a fixed
	// sleep between attempts. Exhausting the retries is a normal false
	// result, not an error.
	WaitForResponsive(ctx context.Context) bool
}

// Descriptor is a point-in-time summary of one pooled device.
type Descriptor struct {
	Serial     string            `json:"serial"`
	Kind       Kind              `json:"kind"`
	Alloc      AllocState        `json:"alloc"`
	Health     HealthState       `json:"health"`
	Properties map[string]string `json:"properties,omitempty"`
	// Since is when the device entered its current allocation state.
	Since time.Time `json:"since,omitzero"`
}

// Spec seeds one device into a pool.
type Spec struct {
	Serial       string
	Kind         Kind
	Health       HealthState // default Online
	Unresponsive bool        // probe always fails when set
	Recovery     RecoveryMode
	Properties   map[string]string
	Ignored      bool // admit in Ignored state, never offered
}

// managed is the pool-owned Device implementation.
type managed struct {
	serial string
	kind   Kind
	props  map[string]string

	probeAttempts int
	probeInterval time.Duration

	mu         sync.Mutex
	health     HealthState
	recovery   RecoveryMode
	responsive bool
}

func (d *managed) Serial() string { return d.serial }
func (d *managed) Kind() Kind     { return d.kind }

func (d *managed) IsPlaceholder() bool { return d.kind == TCP || d.kind == Stub }

func (d *managed) Health() HealthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

func (d *managed) setHealth(h HealthState) {
	d.mu.Lock()
	d.health = h
	d.mu.Unlock()
}

func (d *managed) RecoveryMode() RecoveryMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recovery
}

func (d *managed) SetRecoveryMode(m RecoveryMode) {
	d.mu.Lock()
	d.recovery = m
	d.mu.Unlock()
}

func (d *managed) Property(key string) string {
	if d.props == nil {
		return ""
	}
	return d.props[key]
}

func (d *managed) isResponsive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responsive
}

// WaitForResponsive retries up to the pool's configured attempt count with a
// fixed sleep between attempts. Stub handles are always treated as responsive.
func (d *managed) WaitForResponsive(ctx context.Context) bool {
	if d.kind == Stub {
		return true
	}
	attempts := d.probeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if d.isResponsive() {
			return true
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.probeInterval):
		}
	}
	return false
}
