package device

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "testrig/pkg/logx"
)

func newTestPool(t *testing.T, specs ...Spec) *StaticPool {
	t.Helper()
	p := NewStaticPool(PoolConfig{ProbeAttempts: 2, ProbeInterval: 2 * time.Millisecond}, logx.Nop())
	for _, s := range specs {
		if err := p.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.Serial, err)
		}
	}
	return p
}

func TestPoolAllocateInInsertionOrder(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"}, Spec{Serial: "rig-02"})

	first := p.Allocate(Selection{})
	if first == nil || first.Serial() != "rig-01" {
		t.Fatalf("first allocation = %v, want rig-01", first)
	}
	second := p.Allocate(Selection{})
	if second == nil || second.Serial() != "rig-02" {
		t.Fatalf("second allocation = %v, want rig-02", second)
	}
	if d := p.Allocate(Selection{}); d != nil {
		t.Fatalf("expected exhausted pool, got %s", d.Serial())
	}
}

func TestPoolAllocateBySelection(t *testing.T) {
	t.Parallel()
	p := newTestPool(t,
		Spec{Serial: "rig-01", Properties: map[string]string{"board": "a113"}},
		Spec{Serial: "rig-02", Properties: map[string]string{"board": "r5"}},
	)

	d := p.Allocate(Selection{Properties: map[string]string{"board": "r5"}})
	if d == nil || d.Serial() != "rig-02" {
		t.Fatalf("allocation = %v, want rig-02", d)
	}
	if d := p.Allocate(Selection{Serials: []string{"rig-02"}}); d != nil {
		t.Fatalf("rig-02 is allocated, expected nil, got %s", d.Serial())
	}
}

func TestPoolFreeIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})

	d := p.Allocate(Selection{})
	if d == nil {
		t.Fatal("allocation failed")
	}
	p.Free(d, FreeAvailable)
	p.Free(d, FreeAvailable) // second free is a no-op

	c := p.Counts()
	if c.Available != 1 || c.Allocated != 0 {
		t.Fatalf("counts after double free: %s", c)
	}
}

func TestPoolFreeUnknownDeviceIgnored(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})
	other := newTestPool(t, Spec{Serial: "ghost"})
	stranger := other.Allocate(Selection{})

	p.Free(stranger, FreeAvailable)
	if c := p.Counts(); c.Available != 1 {
		t.Fatalf("counts after freeing stranger: %s", c)
	}
}

func TestPoolFreeUnavailableExcludesDevice(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"}, Spec{Serial: "rig-02"})

	d := p.Allocate(Selection{Serials: []string{"rig-01"}})
	p.Free(d, FreeUnavailable)

	if got := p.Allocate(Selection{}); got == nil || got.Serial() != "rig-02" {
		t.Fatalf("allocation after exclusion = %v, want rig-02", got)
	}
	c := p.Counts()
	if c.Unavailable != 1 {
		t.Fatalf("counts = %s, want one unavailable", c)
	}

	if err := p.Recover("rig-01"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := p.Allocate(Selection{}); got == nil || got.Serial() != "rig-01" {
		t.Fatalf("allocation after recover = %v, want rig-01", got)
	}
}

func TestPoolRecoverUnknownSerial(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})
	if err := p.Recover("nope"); err == nil {
		t.Fatal("expected error for unknown serial")
	}
}

func TestPoolPlaceholdersAlwaysRepooled(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind Kind
	}{
		{name: "tcp", kind: TCP},
		{name: "stub", kind: Stub},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, Spec{Serial: "ph-01", Kind: tt.kind, Health: NotAvailable})
			d := p.Allocate(Selection{})
			if d == nil {
				t.Fatal("placeholder not offered")
			}
			p.Free(d, FreeUnavailable)
			if got := p.Allocate(Selection{}); got == nil || got.Serial() != "ph-01" {
				t.Fatalf("placeholder not re-pooled, got %v", got)
			}
		})
	}
}

func TestPoolFreeAvailableResetsRecoveryMode(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01", Recovery: RecoveryNone})

	d := p.Allocate(Selection{})
	if d.RecoveryMode() != RecoveryNone {
		t.Fatalf("seeded recovery mode = %v", d.RecoveryMode())
	}
	p.Free(d, FreeAvailable)

	again := p.Allocate(Selection{})
	if again.RecoveryMode() != RecoveryAvailable {
		t.Fatalf("recovery mode after free = %v, want available", again.RecoveryMode())
	}
}

func TestPoolForceAllocate(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"}, Spec{Serial: "rig-02"})

	d := p.Allocate(Selection{Serials: []string{"rig-01"}})
	p.Free(d, FreeUnavailable)

	forced := p.ForceAllocate("rig-01")
	if forced == nil || forced.Serial() != "rig-01" {
		t.Fatalf("ForceAllocate = %v, want rig-01", forced)
	}
	if again := p.ForceAllocate("rig-01"); again != nil {
		t.Fatalf("second ForceAllocate should be nil, got %s", again.Serial())
	}
	if p.ForceAllocate("nope") != nil {
		t.Fatal("ForceAllocate of unknown serial should be nil")
	}
}

func TestPoolIgnoredNeverOffered(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01", Ignored: true})

	if d := p.Allocate(Selection{}); d != nil {
		t.Fatalf("ignored device was offered: %s", d.Serial())
	}
	if d := p.Allocate(Selection{Serials: []string{"rig-01"}}); d != nil {
		t.Fatalf("ignored device matched by serial: %s", d.Serial())
	}
	c := p.Counts()
	if c.Ignored != 1 || c.Available != 0 {
		t.Fatalf("counts = %s", c)
	}
}

func TestPoolAddValidation(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})

	if err := p.Add(Spec{Serial: " "}); err == nil {
		t.Fatal("expected error for blank serial")
	}
	if err := p.Add(Spec{Serial: "rig-01"}); err == nil {
		t.Fatal("expected error for duplicate serial")
	}
}

func TestWaitForResponsive(t *testing.T) {
	t.Parallel()
	p := newTestPool(t,
		Spec{Serial: "good"},
		Spec{Serial: "mute", Unresponsive: true},
		Spec{Serial: "shim", Kind: Stub, Unresponsive: true},
	)

	ctx := context.Background()
	good := p.Allocate(Selection{Serials: []string{"good"}})
	if !good.WaitForResponsive(ctx) {
		t.Fatal("responsive device reported unresponsive")
	}

	mute := p.Allocate(Selection{Serials: []string{"mute"}})
	start := time.Now()
	if mute.WaitForResponsive(ctx) {
		t.Fatal("unresponsive device reported responsive")
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("probe returned before retry sleep: %v", elapsed)
	}

	// Stubs skip the probe entirely.
	shim := p.Allocate(Selection{Serials: []string{"shim"}})
	if !shim.WaitForResponsive(ctx) {
		t.Fatal("stub should always be responsive")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if mute.WaitForResponsive(canceled) {
		t.Fatal("canceled probe should fail")
	}
}

func TestPoolListAll(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"}, Spec{Serial: "rig-02", Ignored: true})

	if d := p.Allocate(Selection{}); d == nil {
		t.Fatal("allocation failed")
	}
	all := p.ListAll()
	if len(all) != 2 {
		t.Fatalf("ListAll len = %d", len(all))
	}
	if all[0].Serial != "rig-01" || all[0].Alloc != Allocated {
		t.Fatalf("first descriptor = %+v", all[0])
	}
	if all[1].Serial != "rig-02" || all[1].Alloc != Ignored {
		t.Fatalf("second descriptor = %+v", all[1])
	}
}

func TestPoolStateChangeNotifications(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})

	var mu sync.Mutex
	var got []StateChange
	p.OnStateChange(func(c StateChange) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	d := p.Allocate(Selection{})
	p.Free(d, FreeUnavailable)
	if err := p.Recover("rig-01"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []struct {
		from, to AllocState
		reason   string
	}{
		{Available, Allocated, "allocated"},
		{Allocated, Unavailable, "freed:unavailable"},
		{Unavailable, Available, "recovered"},
	}
	if len(got) != len(want) {
		t.Fatalf("observed %d changes, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		c := got[i]
		if c.Serial != "rig-01" || c.From != w.from || c.To != w.to || c.Reason != w.reason {
			t.Fatalf("change %d = %+v, want %s %v->%v", i, c, w.reason, w.from, w.to)
		}
		if c.At.IsZero() {
			t.Fatalf("change %d has no timestamp", i)
		}
	}
}

func TestPoolListenerMayReenterPool(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})

	// A listener that reads pool state must not deadlock.
	p.OnStateChange(func(StateChange) { _ = p.Counts() })

	d := p.Allocate(Selection{})
	if d == nil {
		t.Fatal("allocation failed")
	}
	p.Free(d, FreeAvailable)
	if c := p.Counts(); c.Available != 1 {
		t.Fatalf("Counts = %+v, want one available device", c)
	}
}

func TestPoolDescriptorSinceAdvances(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Spec{Serial: "rig-01"})

	before := p.ListAll()[0].Since
	if before.IsZero() {
		t.Fatal("seeded device has no state age")
	}
	time.Sleep(5 * time.Millisecond)
	d := p.Allocate(Selection{})
	p.Free(d, FreeUnavailable)
	after := p.ListAll()[0].Since
	if !after.After(before) {
		t.Fatalf("Since did not advance: before=%v after=%v", before, after)
	}
}
