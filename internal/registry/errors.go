package registry

import "errors"

// Domain errors. Check with errors.Is().
var (
	// ErrNotRegistered is returned when an endpoint has no registration
	// record, or its record no longer addresses a live device.
	ErrNotRegistered = errors.New("registry: not registered")

	// ErrDeviceUnavailable is returned when commands are dispatched to an
	// expired or deregistered endpoint. A fresh registration clears it.
	ErrDeviceUnavailable = errors.New("registry: device unavailable")

	// ErrSequenceGap is returned when a telemetry frame's seq is not the
	// expected successor. The device is flagged desynced as a side effect.
	ErrSequenceGap = errors.New("registry: sequence gap")

	// ErrDesynced is returned for telemetry from a device already flagged
	// desynced; frames are rejected until a new birth arrives.
	ErrDesynced = errors.New("registry: device desynced")

	// ErrInvalidRegistration is returned when a registration frame fails
	// validation.
	ErrInvalidRegistration = errors.New("registry: invalid registration")
)
