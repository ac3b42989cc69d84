package command

import (
	"fmt"

	"testrig/internal/device"
	"testrig/internal/invocation"
)

// slotDevice binds an allocated device to its requirement slot name.
type slotDevice struct {
	name string
	dev  device.Device
}

// effectiveRequirements expands a configuration's device requirements. A
// configuration without declared requirements gets a single anonymous slot.
// Replicated sharding clones the base slot once per extra shard, so a shard
// count of N binds N devices matching the same selection.
func effectiveRequirements(cfg invocation.Configuration) []invocation.DeviceRequirement {
	reqs := cfg.DeviceRequirements()
	if len(reqs) == 0 {
		reqs = []invocation.DeviceRequirement{{Name: "device"}}
	}
	opts := cfg.Options()
	if !opts.Replicate || opts.Shards <= 1 || len(reqs) != 1 {
		return reqs
	}
	base := reqs[0]
	out := make([]invocation.DeviceRequirement, 0, opts.Shards)
	out = append(out, base)
	for i := 2; i <= opts.Shards; i++ {
		out = append(out, invocation.DeviceRequirement{
			Name:      fmt.Sprintf("%s-%d", base.Name, i),
			Selection: base.Selection.Clone(),
		})
	}
	return out
}

// allocateLocked claims one device per requirement, all or nothing: on the
// first unsatisfiable slot every device claimed so far goes back to the pool
// and the failing requirement is reported. Caller holds s.mu.
func (s *Scheduler) allocateLocked(reqs []invocation.DeviceRequirement) ([]slotDevice, *invocation.DeviceRequirement) {
	got := make([]slotDevice, 0, len(reqs))
	for i := range reqs {
		d := s.pool.Allocate(reqs[i].Selection)
		if d == nil {
			for _, sd := range got {
				s.pool.Free(sd.dev, device.FreeAvailable)
			}
			return nil, &reqs[i]
		}
		got = append(got, slotDevice{name: reqs[i].Name, dev: d})
	}
	return got, nil
}
