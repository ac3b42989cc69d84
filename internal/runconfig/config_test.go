package runconfig

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"testrig/internal/invocation"
)

var _ invocation.Factory = (*Factory)(nil)

func mustCreate(t *testing.T, args ...string) *Config {
	t.Helper()
	cfg, err := New().CreateConfiguration(args)
	if err != nil {
		t.Fatalf("CreateConfiguration(%q) error: %v", args, err)
	}
	return cfg.(*Config)
}

func TestCreateConfigurationParsesFlags(t *testing.T) {
	t.Parallel()

	args := []string{
		"nightly", "--loop", "--min-loop-time", "10m",
		"--serial", "rig-01", "--serial", "rig-02",
		"--exclude-serial", "rig-09",
		"--property", "model=pixel8",
		"--shards", "3", "--replicate",
	}
	cfg := mustCreate(t, args...)

	if got := cfg.CommandLine(); got != strings.Join(args, " ") {
		t.Fatalf("CommandLine = %q, want %q", got, strings.Join(args, " "))
	}
	if cfg.Plan() != "nightly" {
		t.Fatalf("Plan = %q, want %q", cfg.Plan(), "nightly")
	}
	opts := cfg.Options()
	want := invocation.Options{Loop: true, MinLoopTime: 10 * time.Minute, Shards: 3, Replicate: true}
	if opts != want {
		t.Fatalf("Options = %+v, want %+v", opts, want)
	}

	reqs := cfg.DeviceRequirements()
	if len(reqs) != 1 || reqs[0].Name != "device" {
		t.Fatalf("DeviceRequirements = %+v, want one slot named device", reqs)
	}
	sel := reqs[0].Selection
	if !reflect.DeepEqual(sel.Serials, []string{"rig-01", "rig-02"}) {
		t.Fatalf("Serials = %q, want [rig-01 rig-02]", sel.Serials)
	}
	if !reflect.DeepEqual(sel.ExcludeSerials, []string{"rig-09"}) {
		t.Fatalf("ExcludeSerials = %q, want [rig-09]", sel.ExcludeSerials)
	}
	if sel.Properties["model"] != "pixel8" {
		t.Fatalf("Properties = %v, want model=pixel8", sel.Properties)
	}
	if err := cfg.ValidateOptions(); err != nil {
		t.Fatalf("ValidateOptions error: %v", err)
	}
}

func TestCreateConfigurationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"empty", nil},
		{"unknown flag", []string{"smoke", "--frobnicate"}},
		{"malformed property", []string{"smoke", "--property", "model"}},
		{"malformed device slot", []string{"smoke", "--device", "primary"}},
		{"bad duration", []string{"smoke", "--min-loop-time", "soon"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New().CreateConfiguration(tt.args); err == nil {
				t.Fatalf("CreateConfiguration(%q) returned nil error", tt.args)
			}
		})
	}
}

func TestPlanArgsPassThrough(t *testing.T) {
	t.Parallel()

	cfg := mustCreate(t, "smoke", "--loop", "--", "--suite", "quick")
	if got := cfg.PlanArgs(); !reflect.DeepEqual(got, []string{"--suite", "quick"}) {
		t.Fatalf("PlanArgs = %q, want [--suite quick]", got)
	}

	cfg = mustCreate(t, "smoke", "extra")
	if got := cfg.PlanArgs(); !reflect.DeepEqual(got, []string{"extra"}) {
		t.Fatalf("PlanArgs = %q, want [extra]", got)
	}

	cfg = mustCreate(t, "smoke")
	if got := cfg.PlanArgs(); len(got) != 0 {
		t.Fatalf("PlanArgs = %q, want none", got)
	}
}

func TestValidateOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"minimal ok", []string{"smoke"}, ""},
		{"looped ok", []string{"smoke", "--loop", "--min-loop-time", "5m"}, ""},
		{"sharded ok", []string{"smoke", "--shards", "2", "--replicate"}, ""},
		{"named slots ok", []string{"pair", "--device", "primary=rig-01", "--device", "buddy=rig-02"}, ""},
		{"missing plan", []string{"--loop"}, "missing plan name"},
		{"min loop without loop", []string{"smoke", "--min-loop-time", "5m"}, "requires --loop"},
		{"negative min loop", []string{"smoke", "--loop", "--min-loop-time=-5m"}, "cannot be negative"},
		{"zero devices", []string{"smoke", "--devices", "0"}, "--devices"},
		{"zero shards", []string{"smoke", "--shards", "0"}, "--shards"},
		{"replicate without shards", []string{"smoke", "--replicate"}, "--replicate requires"},
		{"replicate with many slots", []string{"smoke", "--shards", "2", "--replicate", "--devices", "2"}, "single base device slot"},
		{"slots mixed with serial", []string{"smoke", "--device", "primary=rig-01", "--serial", "rig-02"}, "--device replaces"},
		{"duplicate slot name", []string{"smoke", "--device", "primary=rig-01", "--device", "primary=rig-02"}, "duplicate --device slot"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := mustCreate(t, tt.args...)
			err := cfg.ValidateOptions()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateOptions(%q) error: %v", tt.args, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateOptions(%q) = %v, want substring %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestHelpSurvivesIncoherentOptions(t *testing.T) {
	t.Parallel()

	// Help must resolve even when the rest of the line would not validate.
	cfg := mustCreate(t, "--help")
	if !cfg.Options().Help {
		t.Fatalf("Options().Help = false, want true")
	}
	if err := cfg.ValidateOptions(); err == nil {
		t.Fatalf("ValidateOptions returned nil error for a planless line")
	}
}

func TestDeviceRequirementsNamedSlots(t *testing.T) {
	t.Parallel()

	cfg := mustCreate(t, "pair", "--device", "primary=rig-01", "--device", "buddy=rig-02")
	reqs := cfg.DeviceRequirements()
	if len(reqs) != 2 {
		t.Fatalf("len(reqs) = %d, want 2", len(reqs))
	}
	if reqs[0].Name != "primary" || !reflect.DeepEqual(reqs[0].Selection.Serials, []string{"rig-01"}) {
		t.Fatalf("slot 0 = %+v, want primary bound to rig-01", reqs[0])
	}
	if reqs[1].Name != "buddy" || !reflect.DeepEqual(reqs[1].Selection.Serials, []string{"rig-02"}) {
		t.Fatalf("slot 1 = %+v, want buddy bound to rig-02", reqs[1])
	}
}

func TestDeviceRequirementsCount(t *testing.T) {
	t.Parallel()

	cfg := mustCreate(t, "smoke", "--devices", "3", "--exclude-serial", "bad-01")
	reqs := cfg.DeviceRequirements()
	wantNames := []string{"device", "device-2", "device-3"}
	if len(reqs) != len(wantNames) {
		t.Fatalf("len(reqs) = %d, want %d", len(reqs), len(wantNames))
	}
	for i, req := range reqs {
		if req.Name != wantNames[i] {
			t.Fatalf("reqs[%d].Name = %q, want %q", i, req.Name, wantNames[i])
		}
		if !reflect.DeepEqual(req.Selection.ExcludeSerials, []string{"bad-01"}) {
			t.Fatalf("reqs[%d] exclude = %q, want [bad-01]", i, req.Selection.ExcludeSerials)
		}
	}

	reqs[1].Selection.ExcludeSerials[0] = "changed"
	if reqs[0].Selection.ExcludeSerials[0] != "bad-01" {
		t.Fatalf("slots share selection storage")
	}
}

func TestPrintHelp(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	mustCreate(t, "--help").PrintHelp(&sb)
	out := sb.String()
	for _, want := range []string{"Usage:", "-loop", "-min-loop-time", "-shards", "-device "} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q:\n%s", want, out)
		}
	}
}
