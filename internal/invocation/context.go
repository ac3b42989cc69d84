// Package invocation defines the boundary between the scheduling engine and
// the collaborators that actually run tests: configuration resolution,
// invocation execution, and result listeners. The engine depends only on the
// interfaces here, never on concrete collaborator types.
package invocation

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"testrig/internal/device"
)

// Attribute keys the engine sets on every dispatched context.
const (
	AttrCommandID   = "command_id"
	AttrCommandLine = "command_line"
	AttrShardCount  = "shard_count"
)

// Attribute keys the engine stamps at completion, before listeners run.
// They let a ScheduledListener reconstruct the result from the context alone.
const (
	AttrOutcome   = "outcome"
	AttrError     = "error"
	AttrStartedAt = "started_at" // RFC3339Nano
	AttrElapsedMS = "elapsed_ms"
)

// Context aggregates the devices and metadata of one invocation. It is
// created by the engine at dispatch time and owned by a single worker for
// the run's duration; collaborators may read it concurrently.
type Context struct {
	id string

	mu      sync.Mutex
	names   []string
	devices map[string]device.Device
	attrs   map[string]string

	releasedEarly atomic.Bool
}

func NewContext() *Context {
	return &Context{
		id:      uuid.NewString(),
		devices: map[string]device.Device{},
		attrs:   map[string]string{},
	}
}

// ID is the globally unique invocation id.
func (c *Context) ID() string { return c.id }

// AddDevice binds a named device slot. Slot order is preserved; the first
// added device is the primary one.
func (c *Context) AddDevice(name string, d device.Device) {
	if d == nil {
		return
	}
	c.mu.Lock()
	if _, ok := c.devices[name]; !ok {
		c.names = append(c.names, name)
	}
	c.devices[name] = d
	c.mu.Unlock()
}

// Device returns the device bound to a slot name, or nil.
func (c *Context) Device(name string) device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[name]
}

// Devices returns all bound devices in slot order.
func (c *Context) Devices() []device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]device.Device, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.devices[name])
	}
	return out
}

// Serials returns the bound device serials in slot order.
func (c *Context) Serials() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.devices[name].Serial())
	}
	return out
}

// DeviceCount returns the number of bound slots.
func (c *Context) DeviceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names)
}

func (c *Context) SetAttribute(key, value string) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

func (c *Context) Attribute(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs[key]
}

// Attributes returns a copy of all attributes.
func (c *Context) Attributes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// MarkReleasedEarly records that the collaborator already returned this
// context's devices to the pool mid-run. The worker must then skip its own
// free at completion; a release reported without this marker is a conflict.
func (c *Context) MarkReleasedEarly() { c.releasedEarly.Store(true) }

func (c *Context) WasReleasedEarly() bool { return c.releasedEarly.Load() }
