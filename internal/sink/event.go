package sink

import "time"

// Event types emitted by the transport server.
const (
	TypeBirth          = "sparkplug.birth"
	TypeData           = "sparkplug.data"
	TypeDeath          = "sparkplug.death"
	TypeRegistration   = "lwm2m.registration"
	TypeUpdate         = "lwm2m.update"
	TypeDeregistration = "lwm2m.deregistration"
	TypeOperation      = "lwm2m.operation"
	TypeResponse       = "command.response"
	TypeDesynced       = "registry.desynced"
	TypeExpired        = "registry.expired"
)

// Event is one transport occurrence, normalized across both protocol
// planes.
//
// Consumers deduplicate on (endpoint, type, timestamp) or, for data
// events, (endpoint, seq): delivery is at-least-once on every adapter.
type Event struct {
	// Offset is assigned by the Feed; zero until emitted through it.
	Offset int64 `json:"offset,omitempty"`

	// Type is one of the Type* constants.
	Type string `json:"type"`

	// Endpoint is the originating device.
	Endpoint string `json:"endpoint"`

	// Group is the telemetry group, when the event came from that plane.
	Group string `json:"group,omitempty"`

	// Timestamp is when the server accepted the underlying frame.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries type-specific detail (metrics, operation, response).
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink accepts events for delivery. Emit must not block the caller.
type Sink interface {
	Emit(event Event)
}

// Fanout delivers each event to every wrapped sink, in order.
type Fanout []Sink

// Emit forwards the event to all sinks.
func (f Fanout) Emit(event Event) {
	for _, s := range f {
		s.Emit(event)
	}
}

// Discard is a Sink that drops everything. Used when no sink is
// configured.
type Discard struct{}

// Emit drops the event.
func (Discard) Emit(Event) {}
