package app

// StopReason labels why the daemon is shutting down. It feeds the final log
// line and the sd_notify status, nothing else.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopRunComplete StopReason = "run_complete"
)
