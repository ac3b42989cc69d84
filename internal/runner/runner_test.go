package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testrig/internal/device"
	"testrig/internal/invocation"
	"testrig/pkg/logx"
)

type planCfg struct {
	plan string
	args []string
}

func (c planCfg) CommandLine() string                                { return c.plan }
func (c planCfg) Options() invocation.Options                        { return invocation.Options{} }
func (c planCfg) DeviceRequirements() []invocation.DeviceRequirement { return nil }
func (c planCfg) ValidateOptions() error                             { return nil }
func (c planCfg) PrintHelp(io.Writer)                                {}
func (c planCfg) Plan() string                                       { return c.plan }
func (c planCfg) PlanArgs() []string                                 { return c.args }

// bareCfg lacks the plan accessors on purpose.
type bareCfg struct{ planCfg }

func (bareCfg) Plan() {}

type fakeDevice struct{ serial string }

func (d fakeDevice) Serial() string                       { return d.serial }
func (d fakeDevice) Kind() device.Kind                    { return device.Physical }
func (d fakeDevice) IsPlaceholder() bool                  { return false }
func (d fakeDevice) Health() device.HealthState           { return device.Online }
func (d fakeDevice) RecoveryMode() device.RecoveryMode    { return device.RecoveryAvailable }
func (d fakeDevice) SetRecoveryMode(device.RecoveryMode)  {}
func (d fakeDevice) Property(string) string               { return "" }
func (d fakeDevice) WaitForResponsive(context.Context) bool { return true }

func newInvocation(serials ...string) *invocation.Context {
	ic := invocation.NewContext()
	for i, s := range serials {
		name := "device"
		if i > 0 {
			name = "device-" + string(rune('1'+i))
		}
		ic.AddDevice(name, fakeDevice{serial: s})
	}
	ic.SetAttribute(invocation.AttrCommandID, "7")
	return ic
}

func writePlan(t *testing.T, dir, name, script string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write plan: %v", err)
	}
}

func TestInvokeRunsPlanWithEnvironment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	writePlan(t, dir, "smoke", `printf '%s\n%s\n%s\n%s\n' "$TESTRIG_INVOCATION_ID" "$TESTRIG_DEVICE_SERIAL" "$TESTRIG_DEVICE_SERIALS" "$TESTRIG_COMMAND_ID" > "$1"`)

	e := New(Config{PlanDir: dir}, logx.Nop())
	ic := newInvocation("rig-01", "rig-02")
	if err := e.Invoke(context.Background(), ic, planCfg{plan: "smoke", args: []string{out}}, nil, nil); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read plan output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{ic.ID(), "rig-01", "rig-01,rig-02", "7"}
	if len(lines) != len(want) {
		t.Fatalf("plan saw %d env lines, want %d: %q", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("env line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestInvokeExitCodeIsFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlan(t, dir, "flappy", `echo boom >&2; exit 3`)

	e := New(Config{PlanDir: dir}, logx.Nop())
	err := e.Invoke(context.Background(), newInvocation("rig-01"), planCfg{plan: "flappy"}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("Invoke error = %v, want plan failure", err)
	}
	var dua *invocation.DeviceUnavailableError
	if errors.As(err, &dua) {
		t.Fatalf("plain exit mapped to DeviceUnavailableError: %v", err)
	}
}

func TestInvokeExit69MarksPrimaryDeviceUnavailable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlan(t, dir, "dead-rig", `exit 69`)

	e := New(Config{PlanDir: dir}, logx.Nop())
	err := e.Invoke(context.Background(), newInvocation("rig-01", "rig-02"), planCfg{plan: "dead-rig"}, nil, nil)

	var dua *invocation.DeviceUnavailableError
	if !errors.As(err, &dua) {
		t.Fatalf("Invoke error = %v, want DeviceUnavailableError", err)
	}
	if dua.Serial != "rig-01" {
		t.Fatalf("unavailable serial = %q, want rig-01", dua.Serial)
	}
}

func TestInvokeTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlan(t, dir, "slow", `sleep 5`)

	e := New(Config{PlanDir: dir, Timeout: 100 * time.Millisecond}, logx.Nop())
	started := time.Now()
	err := e.Invoke(context.Background(), newInvocation("rig-01"), planCfg{plan: "slow"}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Invoke error = %v, want timeout", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("timed-out plan held the worker for %s", elapsed)
	}
}

func TestInvokeCanceledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlan(t, dir, "slow", `sleep 5`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	e := New(Config{PlanDir: dir}, logx.Nop())
	err := e.Invoke(ctx, newInvocation("rig-01"), planCfg{plan: "slow"}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("Invoke error = %v, want interruption", err)
	}
}

func TestInvokeRejectsBadPlans(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlan(t, dir, "ok", `exit 0`)
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte("not a program"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	e := New(Config{PlanDir: dir}, logx.Nop())
	tests := []struct {
		name string
		plan string
		want string
	}{
		{"missing", "absent", "absent"},
		{"path escape", "../ok", "invalid plan name"},
		{"hidden", ".profile", "invalid plan name"},
		{"not executable", "data", "not executable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Invoke(context.Background(), newInvocation("rig-01"), planCfg{plan: tt.plan}, nil, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Invoke(%q) error = %v, want substring %q", tt.plan, err, tt.want)
			}
		})
	}
}

func TestInvokeRejectsForeignConfiguration(t *testing.T) {
	t.Parallel()

	e := New(Config{PlanDir: t.TempDir()}, logx.Nop())
	err := e.Invoke(context.Background(), newInvocation("rig-01"), bareCfg{}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "runnable plan") {
		t.Fatalf("Invoke error = %v, want configuration rejection", err)
	}
}
