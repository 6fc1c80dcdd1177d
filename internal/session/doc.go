// Package session implements the device-side dual-protocol state machine.
//
// One Session drives a single simulated smart breaker over one MQTT
// connection carrying two logically separate frame streams: JSON control
// frames on the management plane (registration lifecycle, commands,
// bulk operation batches) and binary telemetry frames on the telemetry
// plane (birth/data/death with a wrapping sequence number). The two
// planes are interleaved by the session's tick loop but never merged
// into one frame.
//
// State machine:
//
//	Disconnected -> Connecting -> Registering -> Registered <-> Updating
//	Registered -> Deregistering -> Disconnected
//
// Registration is the only automatic retry path: unacknowledged
// registrations back off exponentially with jitter up to a configured
// attempt ceiling, after which Run returns a fatal error. Connection
// loss drops the session back to Connecting; the next registration
// triggers a fresh birth frame (seq reset, bdSeq incremented).
package session
