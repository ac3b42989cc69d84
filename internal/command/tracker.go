// Package command implements the scheduling core: a queue of submitted
// commands, the dispatch loop matching them to pooled devices, invocation
// workers, and the optional command-file watcher.
package command

import (
	"strings"
	"sync"
	"time"
)

// Tracker is the identity and usage record of one submitted command. The id
// is assigned in arrival order and doubles as the queue's fairness key. The
// argument vector never changes after creation; only the execution counters
// do, and only from the worker that ran the command.
type Tracker struct {
	id        int64
	args      []string
	filePath  string
	fileExtra []string
	createdAt time.Time

	mu        sync.Mutex
	execTime  time.Duration
	execCount int
}

func newTracker(id int64, args []string, filePath string, fileExtra []string) *Tracker {
	return &Tracker{
		id:        id,
		args:      append([]string(nil), args...),
		filePath:  filePath,
		fileExtra: append([]string(nil), fileExtra...),
		createdAt: time.Now(),
	}
}

func (t *Tracker) ID() int64 { return t.id }

// Args returns a copy of the original argument vector.
func (t *Tracker) Args() []string { return append([]string(nil), t.args...) }

// CommandLine joins the argument vector for display and history.
func (t *Tracker) CommandLine() string { return strings.Join(t.args, " ") }

// FilePath is the absolute source command-file path, empty for directly
// submitted commands. Used to correlate commands on file reload.
func (t *Tracker) FilePath() string { return t.filePath }

// FileExtraArgs returns the extra arguments the source file was registered
// with, so a reload can re-add commands under the same terms.
func (t *Tracker) FileExtraArgs() []string { return append([]string(nil), t.fileExtra...) }

func (t *Tracker) CreatedAt() time.Time { return t.createdAt }

// RecordExecution adds one finished run to the tracker's tally.
func (t *Tracker) RecordExecution(elapsed time.Duration) {
	t.mu.Lock()
	t.execTime += elapsed
	t.execCount++
	t.mu.Unlock()
}

// ExecTime is the total elapsed execution time across all runs.
func (t *Tracker) ExecTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execTime
}

// ExecCount is the number of completed runs.
func (t *Tracker) ExecCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execCount
}
