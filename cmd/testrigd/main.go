// Command testrigd runs the device-fleet test orchestrator: it owns a pool
// of attached devices, queues test commands against them and executes each
// invocation as a local plan subprocess.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"testrig/internal/app"
	"testrig/internal/cmdfile"
	"testrig/internal/config"
	"testrig/internal/runconfig"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

// stopGrace bounds how long a shutdown may drain running invocations.
const stopGrace = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("testrigd", flag.ExitOnError)
	cfgPath := fs.String("config", "./testrig.yaml", "path to the config file")
	runLine := fs.String("run", "", "submit one command line, drain the queue, then exit")
	dumpQueue := fs.Bool("dump-queue", false, "parse the configured command files, print them and exit")
	showVersion := fs.Bool("version", false, "print the version and exit")
	_ = fs.Parse(args)

	switch {
	case *showVersion:
		fmt.Println("testrigd", version)
		return 0
	case *dumpQueue:
		return dumpCommandFiles(*cfgPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "testrigd:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "testrigd: start:", err)
		return 1
	}

	code := 0
	reason := app.StopSignal
	if *runLine != "" {
		reason = app.StopRunComplete
		code = runOnce(ctx, a, *runLine)
	} else {
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
			if err := a.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "testrigd:", err)
				code = 1
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopGrace)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "testrigd: stop:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// runOnce submits one command and waits for the queue to drain. The exit
// code reflects the last invocation failure, mirroring a test runner.
func runOnce(ctx context.Context, a *app.App, line string) int {
	cmds, err := cmdfile.Parse(strings.NewReader(line))
	if err != nil {
		fmt.Fprintln(os.Stderr, "testrigd: run:", err)
		return 2
	}
	if len(cmds) != 1 {
		fmt.Fprintf(os.Stderr, "testrigd: run: expected one command, got %d\n", len(cmds))
		return 2
	}
	if _, err := a.Scheduler().AddCommand(cmds[0]...); err != nil {
		fmt.Fprintln(os.Stderr, "testrigd: run:", err)
		return 2
	}
	a.Scheduler().ShutdownOnEmpty()
	if err := a.Scheduler().Join(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "testrigd: run interrupted:", err)
		return 1
	}
	if err := a.Scheduler().LastInvocationError(); err != nil {
		fmt.Fprintln(os.Stderr, "testrigd: run failed:", err)
		return 1
	}
	return 0
}

// dumpCommandFiles resolves every configured command file without starting
// the daemon, so an operator can vet a queue before deploying it.
func dumpCommandFiles(cfgPath string) int {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "testrigd:", err)
		return 1
	}
	if len(cfg.Scheduler.CommandFiles) == 0 {
		fmt.Println("no command files configured")
		return 0
	}

	parser := cmdfile.New()
	factory := runconfig.New()
	code := 0
	for _, path := range cfg.Scheduler.CommandFiles {
		cmds, err := parser.ParseFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "testrigd:", err)
			code = 1
			continue
		}
		fmt.Printf("%s: %d command(s)\n", path, len(cmds))
		for _, argv := range cmds {
			line := strings.Join(argv, " ")
			c, err := factory.CreateConfiguration(argv)
			if err == nil {
				err = c.ValidateOptions()
			}
			if err != nil {
				fmt.Printf("  BAD  %s  (%v)\n", line, err)
				code = 1
				continue
			}
			fmt.Printf("  OK   %s\n", line)
		}
	}
	return code
}
