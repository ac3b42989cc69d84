// Package runner executes resolved test plans as local subprocesses. A plan
// named "smoke" is the executable <plan dir>/smoke; the invocation id and the
// allocated serials travel to the process in TESTRIG_* environment variables.
// A plan that exits with status 69 (EX_UNAVAILABLE) reports its primary
// device as unusable.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"testrig/internal/invocation"
	"testrig/pkg/logx"
)

// Environment passed to every plan process.
const (
	EnvInvocationID = "TESTRIG_INVOCATION_ID"
	EnvCommandID    = "TESTRIG_COMMAND_ID"
	EnvSerial       = "TESTRIG_DEVICE_SERIAL"
	EnvSerials      = "TESTRIG_DEVICE_SERIALS"
	EnvShardCount   = "TESTRIG_SHARD_COUNT"
)

// ExitDeviceUnavailable is the exit status a plan uses to flag that its
// primary device stopped responding.
const ExitDeviceUnavailable = 69

// termGrace is how long a signaled plan gets to exit before the kill.
const termGrace = 5 * time.Second

type Config struct {
	// PlanDir holds the plan executables.
	PlanDir string
	// Timeout bounds one invocation; zero means unbounded.
	Timeout time.Duration
}

// Executor is the default invocation executor.
type Executor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, log: log.With(logx.String("component", "runner"))}
}

// planConfig is the slice of a configuration the runner understands. The
// default resolver's Config satisfies it.
type planConfig interface {
	Plan() string
	PlanArgs() []string
}

var validPlanName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func (e *Executor) Invoke(ctx context.Context, ic *invocation.Context, cfg invocation.Configuration, _ invocation.Rescheduler, _ invocation.ScheduledListener) error {
	pc, ok := cfg.(planConfig)
	if !ok {
		return fmt.Errorf("configuration %T does not name a runnable plan", cfg)
	}
	bin, err := e.resolvePlan(pc.Plan())
	if err != nil {
		return err
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	serials := ic.Serials()
	cmd := exec.CommandContext(runCtx, bin, pc.PlanArgs()...)
	cmd.Env = append(os.Environ(),
		EnvInvocationID+"="+ic.ID(),
		EnvCommandID+"="+ic.Attribute(invocation.AttrCommandID),
		EnvSerial+"="+primary(serials),
		EnvSerials+"="+strings.Join(serials, ","),
	)
	if sc := ic.Attribute(invocation.AttrShardCount); sc != "" {
		cmd.Env = append(cmd.Env, EnvShardCount+"="+sc)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Let the plan clean up on cancellation before the hard kill lands.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = termGrace

	log := e.log.With(
		logx.String("plan", pc.Plan()),
		logx.String("invocation_id", ic.ID()),
	)
	log.Info("plan starting", logx.Strings("serials", serials))

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if runErr == nil {
		log.Info("plan finished", logx.Duration("elapsed", elapsed))
		return nil
	}

	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("plan %s interrupted: %w", pc.Plan(), ctx.Err())
	case runCtx.Err() == context.DeadlineExceeded:
		err = fmt.Errorf("plan %s timed out after %s", pc.Plan(), e.cfg.Timeout)
	default:
		var ee *exec.ExitError
		if errors.As(runErr, &ee) && ee.ExitCode() == ExitDeviceUnavailable {
			err = &invocation.DeviceUnavailableError{
				Serial: primary(serials),
				Err:    fmt.Errorf("plan %s exit status %d", pc.Plan(), ExitDeviceUnavailable),
			}
		} else {
			err = fmt.Errorf("plan %s failed: %w", pc.Plan(), runErr)
		}
	}

	log.Warn("plan failed",
		logx.Err(err),
		logx.Duration("elapsed", elapsed),
		logx.String("output", tail(out.Bytes(), 2000)),
	)
	return err
}

// resolvePlan maps a plan name onto an executable under PlanDir. Names that
// could navigate outside the directory are rejected outright.
func (e *Executor) resolvePlan(plan string) (string, error) {
	if !validPlanName.MatchString(plan) {
		return "", fmt.Errorf("invalid plan name %q", plan)
	}
	path := filepath.Join(e.cfg.PlanDir, plan)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("plan %q: %w", plan, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("plan %q is not executable", plan)
	}
	return path, nil
}

func primary(serials []string) string {
	if len(serials) == 0 {
		return ""
	}
	return serials[0]
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
