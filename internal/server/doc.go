// Package server terminates the device transport: it subscribes to both
// protocol planes, routes inbound frames to the registry, correlates
// command responses, unbatches bulk frames and emits normalized events
// to the configured sink.
//
// Frames from one endpoint are processed strictly in arrival order by a
// lazily created per-endpoint worker with a bounded queue; different
// endpoints proceed in parallel. The registry owns all registration
// state; the server owns transport concerns only.
package server
