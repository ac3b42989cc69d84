package invocation

import (
	"errors"
	"fmt"
)

// DeviceUnavailableError reports that a specific device became unusable
// during a run. The worker classifies that device out of the Available pool
// and treats the run as failed without penalizing the scheduling loop.
type DeviceUnavailableError struct {
	Serial string
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s not available: %v", e.Serial, e.Err)
	}
	return fmt.Sprintf("device %s not available", e.Serial)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// Outcome tags how one invocation ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDeviceUnavailable
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeviceUnavailable:
		return "device_unavailable"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ClassifyOutcome maps an executor's return into an Outcome tag.
func ClassifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var dua *DeviceUnavailableError
	if errors.As(err, &dua) {
		return OutcomeDeviceUnavailable
	}
	return OutcomeFailure
}
