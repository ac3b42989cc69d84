// Package storage provides the persistence layer of the daemon.
//
// It currently supports:
//   - Invocation history appends (one record per finished run)
//   - Device-event log (allocation-state transitions)
//   - Retention pruning driven by the maintenance service
package storage
