package breaker

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State is the breaker's contact state.
type State string

// Breaker states.
const (
	StateOpen    State = "open"
	StateClosed  State = "closed"
	StateTripped State = "tripped"
	StateFault   State = "fault"
)

// Trip reasons reported in trip events and notifications.
const (
	TripOvercurrent   = "overcurrent"
	TripGroundFault   = "ground_fault"
	TripArcFault      = "arc_fault"
	TripThermal       = "thermal"
	TripRemoteCommand = "remote_command"
)

// Settings holds the protection configuration. All pickups are in
// amperes; delays are in milliseconds except the thermal delay, which
// protection curves conventionally specify in seconds.
type Settings struct {
	OvercurrentPickupAmps float64
	OvercurrentDelayMs    float64
	GroundFaultPickupAmps float64
	GroundFaultDelayMs    float64
	ArcFaultPickupAmps    float64
	ArcFaultDelayMs       float64
	ThermalPickupAmps     float64
	ThermalDelaySeconds   float64
	ProtectionEnabled     bool
}

// DefaultSettings returns the factory protection configuration.
func DefaultSettings() Settings {
	return Settings{
		OvercurrentPickupAmps: 100.0,
		OvercurrentDelayMs:    1000.0,
		GroundFaultPickupAmps: 5.0,
		GroundFaultDelayMs:    500.0,
		ArcFaultPickupAmps:    50.0,
		ArcFaultDelayMs:       100.0,
		ThermalPickupAmps:     120.0,
		ThermalDelaySeconds:   300.0,
		ProtectionEnabled:     true,
	}
}

// Config holds the breaker's nameplate data.
type Config struct {
	// EndpointID is the device endpoint this breaker belongs to.
	EndpointID string

	// Nameplate ratings. Zero values fall back to a 100A/480V/60Hz
	// three-pole unit.
	RatedCurrentAmps  float64
	RatedVoltageVolts float64
	RatedFrequencyHz  float64
	PoleCount         int

	// Settings is the initial protection configuration.
	// Zero value means DefaultSettings().
	Settings Settings

	// Seed seeds the simulation's random source. Zero means seed from
	// the clock; tests pass a fixed seed for reproducible samples.
	Seed int64
}

// TripEvent describes one protection or command trip.
type TripEvent struct {
	Reason      string
	CurrentAmps float64
	DelayMs     float64
	Count       int
	At          time.Time
}

// Sample is one simulated measurement set, produced by Sample().
type Sample struct {
	Timestamp time.Time
	State     State

	CurrentA float64
	CurrentB float64
	CurrentC float64
	VoltageA float64
	VoltageB float64
	VoltageC float64

	PowerFactor      float64
	ActivePowerKW    float64
	ApparentPowerKVA float64
	FrequencyHz      float64
	TemperatureC     float64
	LoadPercent      float64
	EnergyKWh        float64

	GroundFaultAmps  float64
	ArcFaultDetected bool
	TripCount        int

	// Trip is non-nil when this sample's protection pass tripped the
	// breaker. The caller emits the trip notification on both planes.
	Trip *TripEvent
}

// Breaker is a simulated smart circuit breaker.
//
// Thread Safety: all methods are safe for concurrent use; the session
// loop samples while the command handler mutates settings and state.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	settings Settings
	state    State
	rng      *rand.Rand

	tripCount      int
	lastTripReason string
	lastTripAt     time.Time
	lastTripAmps   float64
	alarmActive    bool

	energyKWh  float64
	lastSample time.Time

	// Protection timers: when a pickup threshold was first exceeded.
	// Zero means the condition is not present.
	overcurrentSince time.Time
	groundFaultSince time.Time
	arcFaultSince    time.Time
	thermalSince     time.Time
}

// New creates a breaker in the closed position.
func New(cfg Config) *Breaker {
	if cfg.RatedCurrentAmps <= 0 {
		cfg.RatedCurrentAmps = 100.0
	}
	if cfg.RatedVoltageVolts <= 0 {
		cfg.RatedVoltageVolts = 480.0
	}
	if cfg.RatedFrequencyHz <= 0 {
		cfg.RatedFrequencyHz = 60.0
	}
	if cfg.PoleCount <= 0 {
		cfg.PoleCount = 3
	}
	if cfg.Settings == (Settings{}) {
		cfg.Settings = DefaultSettings()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Breaker{
		cfg:      cfg,
		settings: cfg.Settings,
		state:    StateClosed,
		rng:      rand.New(rand.NewSource(seed)), //nolint:gosec // simulation noise, not cryptography
	}
}

// State returns the current contact state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Settings returns a copy of the current protection settings.
func (b *Breaker) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

// TripCount returns the lifetime trip counter.
func (b *Breaker) TripCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripCount
}

// Sample advances the simulation to now and returns a measurement set.
// Protection functions are evaluated against the new measurements; if
// one fires, the breaker trips and Sample.Trip carries the event.
func (b *Breaker) Sample(now time.Time) Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Sample{
		Timestamp:   now,
		FrequencyHz: b.cfg.RatedFrequencyHz + b.rng.Float64()*0.2 - 0.1,
		PowerFactor: 0.95,
	}

	voltageVariation := 1 + (b.rng.Float64()*0.04 - 0.02)
	s.VoltageA = b.cfg.RatedVoltageVolts * voltageVariation
	s.VoltageB = b.cfg.RatedVoltageVolts * voltageVariation
	s.VoltageC = b.cfg.RatedVoltageVolts * voltageVariation

	if b.state == StateClosed {
		s.LoadPercent = clamp(60+b.rng.Float64()*20-10, 0, 100)
		factor := s.LoadPercent / 100

		s.CurrentA = b.cfg.RatedCurrentAmps * factor * (1 + b.rng.Float64()*0.1 - 0.05)
		s.CurrentB = b.cfg.RatedCurrentAmps * factor * (1 + b.rng.Float64()*0.1 - 0.05)
		s.CurrentC = b.cfg.RatedCurrentAmps * factor * (1 + b.rng.Float64()*0.1 - 0.05)

		// Occasional leakage and rare arc signatures drive the ground
		// fault and arc fault protection paths.
		if b.rng.Float64() < 0.001 {
			s.GroundFaultAmps = 0.1 + b.rng.Float64()*1.9
		}
		s.ArcFaultDetected = b.rng.Float64() < 0.0001
	}

	voltageAvg := (s.VoltageA + s.VoltageB + s.VoltageC) / 3
	currentAvg := (s.CurrentA + s.CurrentB + s.CurrentC) / 3
	s.ApparentPowerKVA = voltageAvg * currentAvg * math.Sqrt(3) / 1000
	s.ActivePowerKW = s.ApparentPowerKVA * s.PowerFactor
	s.TemperatureC = 25 + s.LoadPercent*0.3 + b.rng.Float64()*4 - 2

	// Accumulate energy over the interval since the previous sample.
	if !b.lastSample.IsZero() {
		hours := now.Sub(b.lastSample).Hours()
		if hours > 0 {
			b.energyKWh += s.ActivePowerKW * hours
		}
	}
	b.lastSample = now
	s.EnergyKWh = b.energyKWh

	if trip := b.checkProtection(&s, now); trip != nil {
		s.Trip = trip
		// The trip opened the contacts; zero the load on this sample so
		// downstream consumers never see current through an open breaker.
		s.CurrentA, s.CurrentB, s.CurrentC = 0, 0, 0
		s.ActivePowerKW, s.ApparentPowerKVA, s.LoadPercent = 0, 0, 0
	}

	s.State = b.state
	s.TripCount = b.tripCount
	return s
}

// checkProtection evaluates the protection functions against a sample.
// Caller must hold b.mu. Returns the trip event if one fired.
func (b *Breaker) checkProtection(s *Sample, now time.Time) *TripEvent {
	if b.state != StateClosed || !b.settings.ProtectionEnabled {
		return nil
	}

	maxCurrent := math.Max(s.CurrentA, math.Max(s.CurrentB, s.CurrentC))

	if trip := b.checkPickup(&b.overcurrentSince, maxCurrent > b.settings.OvercurrentPickupAmps,
		now, b.settings.OvercurrentDelayMs, TripOvercurrent, maxCurrent); trip != nil {
		return trip
	}
	if trip := b.checkPickup(&b.groundFaultSince, s.GroundFaultAmps > b.settings.GroundFaultPickupAmps,
		now, b.settings.GroundFaultDelayMs, TripGroundFault, s.GroundFaultAmps); trip != nil {
		return trip
	}
	if trip := b.checkPickup(&b.arcFaultSince, s.ArcFaultDetected,
		now, b.settings.ArcFaultDelayMs, TripArcFault, maxCurrent); trip != nil {
		return trip
	}
	if trip := b.checkPickup(&b.thermalSince, maxCurrent > b.settings.ThermalPickupAmps,
		now, b.settings.ThermalDelaySeconds*1000, TripThermal, maxCurrent); trip != nil {
		return trip
	}

	return nil
}

// checkPickup tracks how long a protection condition has been present
// and trips once it outlasts its delay. Caller must hold b.mu.
func (b *Breaker) checkPickup(since *time.Time, active bool, now time.Time, delayMs float64, reason string, amps float64) *TripEvent {
	if !active {
		*since = time.Time{}
		return nil
	}
	if since.IsZero() {
		*since = now
		return nil
	}
	if now.Sub(*since) < time.Duration(delayMs*float64(time.Millisecond)) {
		return nil
	}
	*since = time.Time{}
	return b.tripLocked(reason, amps, delayMs, now)
}

// Trip opens the breaker on command. Returns nil if the breaker was not
// closed (a trip on an already-open breaker is a no-op, not an error).
func (b *Breaker) Trip(reason string) *TripEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" {
		reason = TripRemoteCommand
	}
	return b.tripLocked(reason, 0, 0, time.Now().UTC())
}

// tripLocked performs the trip transition. Caller must hold b.mu.
func (b *Breaker) tripLocked(reason string, amps, delayMs float64, now time.Time) *TripEvent {
	if b.state != StateClosed {
		return nil
	}

	b.state = StateTripped
	b.tripCount++
	b.lastTripReason = reason
	b.lastTripAt = now
	b.lastTripAmps = amps
	b.alarmActive = true

	return &TripEvent{
		Reason:      reason,
		CurrentAmps: amps,
		DelayMs:     delayMs,
		Count:       b.tripCount,
		At:          now,
	}
}

// Close re-closes the contacts after a trip or manual open.
// Returns ErrInvalidTransition if the breaker is faulted or already closed.
func (b *Breaker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateTripped, StateOpen:
		b.state = StateClosed
		return nil
	case StateClosed:
		return fmt.Errorf("%w: already closed", ErrInvalidTransition)
	default:
		return fmt.Errorf("%w: cannot close from %s", ErrInvalidTransition, b.state)
	}
}

// Open opens the contacts without recording a trip.
func (b *Breaker) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		return fmt.Errorf("%w: cannot open from %s", ErrInvalidTransition, b.state)
	}
	b.state = StateOpen
	return nil
}

// Reset clears the alarm latch. The contact state is unchanged; a
// tripped breaker still needs an explicit close.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alarmActive = false
}

// LastTrip returns the most recent trip details (zero values if the
// breaker has never tripped).
func (b *Breaker) LastTrip() (reason string, at time.Time, amps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTripReason, b.lastTripAt, b.lastTripAmps
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
