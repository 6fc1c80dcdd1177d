package registry

import (
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// State is a registration record's lifecycle state as the server sees
// it. The device-side session additionally passes through Registering,
// Updating and Deregistering; the record only ever holds the settled
// states below.
type State string

// Registration record states.
const (
	StateRegistered   State = "registered"
	StateDeregistered State = "deregistered"

	// StateExpired marks a record whose lifetime elapsed without a
	// refresh. Logically equivalent to unregistered for addressing, but
	// the record is retained for diagnostics until purged.
	StateExpired State = "expired"
)

// Registration is one endpoint's authoritative record.
type Registration struct {
	EndpointID      string           `json:"endpoint_id"`
	GroupID         string           `json:"group_id"`
	State           State            `json:"state"`
	LifetimeSeconds int64            `json:"lifetime_seconds"`
	Version         string           `json:"version"`
	BindingMode     string           `json:"binding_mode"`
	Objects         codec.ObjectTree `json:"objects,omitempty"`

	// Telemetry sequencing. LastSeq is -1 until a birth establishes a
	// baseline; Desynced flags a detected gap pending rebirth.
	BdSeq    int64 `json:"bd_seq"`
	LastSeq  int   `json:"last_seq"`
	Desynced bool  `json:"desynced"`

	// LastError is the most recent failure surfaced for this endpoint
	// (registration rejection, desync reason). Empty when healthy.
	LastError string `json:"last_error,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	LastUpdate   time.Time `json:"last_update"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy, cloning the object tree.
func (r *Registration) DeepCopy() *Registration {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Objects != nil {
		cp.Objects = make(codec.ObjectTree, len(r.Objects))
		for obj, instances := range r.Objects {
			cp.Objects[obj] = make(map[string]map[string]any, len(instances))
			for inst, resources := range instances {
				res := make(map[string]any, len(resources))
				for id, v := range resources {
					res[id] = v
				}
				cp.Objects[obj][inst] = res
			}
		}
	}
	return &cp
}

// ExpiredAt reports whether the registration's lifetime has elapsed at
// the given instant.
func (r *Registration) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Healthy reports whether the endpoint is registered and in sequence.
// Desynced devices are excluded until they rebirth.
func (r *Registration) Healthy() bool {
	return r.State == StateRegistered && !r.Desynced
}

// Addressable reports whether commands may be dispatched to the
// endpoint.
func (r *Registration) Addressable() bool {
	return r.State == StateRegistered
}

// MetricSample is one entry in the latest-metric mirror.
type MetricSample struct {
	Name        string    `json:"name"`
	Datatype    string    `json:"datatype"`
	Value       any       `json:"value"`
	TimestampMs int64     `json:"timestamp_ms"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Device event types recorded in the history table.
const (
	EventRegistered   = "registered"
	EventUpdated      = "updated"
	EventDeregistered = "deregistered"
	EventExpired      = "expired"
	EventBirth        = "birth"
	EventDeath        = "death"
	EventDesynced     = "desynced"
)

// DeviceEvent is one row of an endpoint's lifecycle history.
type DeviceEvent struct {
	ID         int64     `json:"id"`
	EndpointID string    `json:"endpoint_id"`
	Type       string    `json:"type"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats summarises the fleet for health reporting.
type Stats struct {
	Total        int `json:"total"`
	Registered   int `json:"registered"`
	Healthy      int `json:"healthy"`
	Desynced     int `json:"desynced"`
	Expired      int `json:"expired"`
	Deregistered int `json:"deregistered"`
}
