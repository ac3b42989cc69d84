package invocation

import (
	"errors"
	"testing"

	"testrig/internal/device"
	logx "testrig/pkg/logx"
)

func testDevice(t *testing.T, serial string) device.Device {
	t.Helper()
	p := device.NewStaticPool(device.PoolConfig{}, logx.Nop())
	if err := p.Add(device.Spec{Serial: serial}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d := p.Allocate(device.Selection{})
	if d == nil {
		t.Fatal("allocation failed")
	}
	return d
}

func TestContextDeviceOrder(t *testing.T) {
	t.Parallel()
	ic := NewContext()
	ic.AddDevice("left", testDevice(t, "rig-01"))
	ic.AddDevice("right", testDevice(t, "rig-02"))

	serials := ic.Serials()
	if len(serials) != 2 || serials[0] != "rig-01" || serials[1] != "rig-02" {
		t.Fatalf("Serials = %v", serials)
	}
	if ic.DeviceCount() != 2 {
		t.Fatalf("DeviceCount = %d", ic.DeviceCount())
	}
	if d := ic.Device("left"); d == nil || d.Serial() != "rig-01" {
		t.Fatalf("Device(left) = %v", d)
	}
	if ic.Device("middle") != nil {
		t.Fatal("unknown slot should be nil")
	}
}

func TestContextIDsAreUnique(t *testing.T) {
	t.Parallel()
	a, b := NewContext(), NewContext()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids not unique: %q %q", a.ID(), b.ID())
	}
}

func TestContextEarlyReleaseMarker(t *testing.T) {
	t.Parallel()
	ic := NewContext()
	if ic.WasReleasedEarly() {
		t.Fatal("fresh context marked released")
	}
	ic.MarkReleasedEarly()
	if !ic.WasReleasedEarly() {
		t.Fatal("marker not set")
	}
}

func TestContextAttributesCopied(t *testing.T) {
	t.Parallel()
	ic := NewContext()
	ic.SetAttribute(AttrCommandID, "7")

	got := ic.Attributes()
	got[AttrCommandID] = "mutated"
	if ic.Attribute(AttrCommandID) != "7" {
		t.Fatalf("attribute mutated through copy: %q", ic.Attribute(AttrCommandID))
	}
}

func TestClassifyOutcome(t *testing.T) {
	t.Parallel()
	if got := ClassifyOutcome(nil); got != OutcomeSuccess {
		t.Fatalf("nil -> %v", got)
	}
	dua := &DeviceUnavailableError{Serial: "rig-01"}
	if got := ClassifyOutcome(dua); got != OutcomeDeviceUnavailable {
		t.Fatalf("dua -> %v", got)
	}
	wrapped := errors.New("wrap: " + dua.Error())
	if got := ClassifyOutcome(wrapped); got != OutcomeFailure {
		t.Fatalf("plain error -> %v", got)
	}
	if got := ClassifyOutcome(errors.New("boom")); got != OutcomeFailure {
		t.Fatalf("boom -> %v", got)
	}
}
