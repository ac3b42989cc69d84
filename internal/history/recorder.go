// Package history turns finished invocations into durable records. The
// Recorder sits in the scheduler's global listener chain and rebuilds each
// result from the completion attributes the engine stamps on the context.
package history

import (
	"context"
	"strconv"
	"time"

	"testrig/internal/device"
	"testrig/internal/eventbus"
	"testrig/internal/invocation"
	"testrig/internal/storage"
	logx "testrig/pkg/logx"
)

// EventTypeRecorded is published once a record has been built, whether or
// not a store is attached. Data is the storage.InvocationRecord.
const EventTypeRecorded = "history.recorded"

// appendTimeout bounds one storage write so a stuck disk cannot wedge the
// completion path of an invocation worker.
const appendTimeout = 5 * time.Second

// Recorder appends one InvocationRecord per finished run. A nil store makes
// it bus-only; a nil bus makes it store-only.
type Recorder struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("component", "history")),
	}
}

func (r *Recorder) InvocationInitiated(ic *invocation.Context) {}

func (r *Recorder) InvocationComplete(ic *invocation.Context, states map[string]device.FreeState) {
	rec := recordFrom(ic)
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := r.store.AppendInvocation(ctx, rec); err != nil {
			r.log.Error("history append failed",
				logx.Err(err),
				logx.String("invocation_id", rec.InvocationID))
		}
		cancel()
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventTypeRecorded, Time: rec.At, Data: rec})
	}
}

func (r *Recorder) ReleaseDevices(ic *invocation.Context, states map[string]device.FreeState) {}

func recordFrom(ic *invocation.Context) storage.InvocationRecord {
	rec := storage.InvocationRecord{
		At:           time.Now(),
		InvocationID: ic.ID(),
		CommandLine:  ic.Attribute(invocation.AttrCommandLine),
		Serials:      ic.Serials(),
		Outcome:      ic.Attribute(invocation.AttrOutcome),
		Error:        ic.Attribute(invocation.AttrError),
	}
	if id, err := strconv.ParseInt(ic.Attribute(invocation.AttrCommandID), 10, 64); err == nil {
		rec.CommandID = id
	}
	if t, err := time.Parse(time.RFC3339Nano, ic.Attribute(invocation.AttrStartedAt)); err == nil {
		rec.StartedAt = t
	}
	if ms, err := strconv.ParseInt(ic.Attribute(invocation.AttrElapsedMS), 10, 64); err == nil {
		rec.ElapsedMS = ms
	}
	return rec
}
