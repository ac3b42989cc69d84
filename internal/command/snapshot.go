package command

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"testrig/internal/eventbus"
)

// Event types published on the bus.
const (
	EventTypeCommandAdded       = "command.added"
	EventTypeCommandRemoved     = "command.removed"
	EventTypeCommandRequeued    = "command.requeued"
	EventTypeInvocationStarted  = "invocation.started"
	EventTypeInvocationComplete = "invocation.completed"
	EventTypeFileReloaded       = "commandfile.reloaded"
)

// CommandEvent is the payload for command.added, command.removed and
// command.requeued.
type CommandEvent struct {
	ID          int64  `json:"id"`
	CommandLine string `json:"command_line"`
	State       string `json:"state"`
	Rescheduled bool   `json:"rescheduled,omitempty"`
}

// InvocationEvent is the payload for invocation.started and
// invocation.completed.
type InvocationEvent struct {
	CommandID    int64    `json:"command_id"`
	InvocationID string   `json:"invocation_id"`
	CommandLine  string   `json:"command_line"`
	Serials      []string `json:"serials"`
	Outcome      string   `json:"outcome,omitempty"`
	Elapsed      int64    `json:"elapsed_ms,omitempty"`
}

// FileEvent is the payload for commandfile.reloaded.
type FileEvent struct {
	Path     string `json:"path"`
	Commands int    `json:"commands"`
	Removed  int    `json:"removed"`
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// CommandInfo is a point-in-time view of one queued or executing command.
type CommandInfo struct {
	ID          int64
	CommandLine string
	CreatedAt   time.Time
	State       State
	ExecTime    time.Duration
	ExecCount   int
	SleepLeft   time.Duration
	Rescheduled bool
	Loop        bool
	FilePath    string
}

// Commands snapshots queued and executing commands in tracker id order. A
// command rescheduled while its original is still running appears twice
// under the same id, once per state.
func (s *Scheduler) Commands() []CommandInfo {
	now := time.Now()
	s.mu.Lock()
	out := make([]CommandInfo, 0, len(s.queue)+len(s.running))
	for _, cmd := range s.queue {
		out = append(out, commandInfo(cmd, now))
	}
	for _, live := range s.running {
		out = append(out, commandInfo(live.cmd, now))
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func commandInfo(cmd *execCommand, now time.Time) CommandInfo {
	t := cmd.tracker
	return CommandInfo{
		ID:          t.ID(),
		CommandLine: t.CommandLine(),
		CreatedAt:   t.CreatedAt(),
		State:       cmd.state,
		ExecTime:    t.ExecTime(),
		ExecCount:   t.ExecCount(),
		SleepLeft:   cmd.sleepRemaining(now),
		Rescheduled: cmd.rescheduled,
		Loop:        cmd.loop(),
		FilePath:    t.FilePath(),
	}
}

// QueueSize counts queued plus executing commands.
func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.running)
}

// DisplayQueue writes the operator-facing queue table.
func (s *Scheduler) DisplayQueue(w io.Writer) {
	now := time.Now()
	cmds := s.Commands()
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Id\tConfig\tCreated\tExec time\tState\tSleep time\tRescheduled\tLoop")
	for _, c := range cmds {
		sleep := ""
		if c.SleepLeft > 0 {
			sleep = formatElapsed(c.SleepLeft)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%v\t%v\n",
			c.ID,
			c.CommandLine,
			formatElapsed(now.Sub(c.CreatedAt)),
			formatElapsed(c.ExecTime),
			c.State,
			sleep,
			c.Rescheduled,
			c.Loop,
		)
	}
	tw.Flush()
}

// formatElapsed renders a duration in the compact queue style, "4m:05" or
// "2h:03m:09" once hours are involved.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if h > 0 {
		return fmt.Sprintf("%dh:%02dm:%02d", h, m, sec)
	}
	return fmt.Sprintf("%dm:%02d", m, sec)
}

// InvocationInfo is a point-in-time view of one live invocation.
type InvocationInfo struct {
	CommandID    int64
	InvocationID string
	CommandLine  string
	Serials      []string
	StartedAt    time.Time
}

// Invocations snapshots the currently executing invocations, oldest first.
func (s *Scheduler) Invocations() []InvocationInfo {
	s.mu.Lock()
	out := make([]InvocationInfo, 0, len(s.running))
	for _, live := range s.running {
		out = append(out, InvocationInfo{
			CommandID:    live.cmd.tracker.ID(),
			InvocationID: live.ictx.ID(),
			CommandLine:  live.cmd.tracker.CommandLine(),
			Serials:      live.ictx.Serials(),
			StartedAt:    live.started,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CommandID < out[j].CommandID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// InvocationByCommandID finds a live invocation by its command id.
func (s *Scheduler) InvocationByCommandID(id int64) (InvocationInfo, bool) {
	for _, info := range s.Invocations() {
		if info.CommandID == id {
			return info, true
		}
	}
	return InvocationInfo{}, false
}
