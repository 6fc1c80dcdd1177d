package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/batch"
	"github.com/gridlink-systems/gridlink-core/internal/breaker"
	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// State identifies a session's position in its lifecycle.
type State string

// Session states.
const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateRegistering   State = "registering"
	StateRegistered    State = "registered"
	StateUpdating      State = "updating"
	StateDeregistering State = "deregistering"
)

// Transport is the injected message transport. Satisfied by the
// infrastructure MQTT client via a thin adapter in main, and by mocks
// in tests.
type Transport interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error

	// IsConnected reports whether the transport is currently usable.
	IsConnected() bool
}

// Logger is the minimal logging interface the session needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// nopLogger discards everything; used when no logger is injected.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Defaults for zero-valued Config fields.
const (
	defaultLifetime            = 300 * time.Second
	defaultTelemetryInterval   = 5 * time.Second
	defaultTickInterval        = 250 * time.Millisecond
	defaultRegisterTimeout     = 10 * time.Second
	defaultRegisterMaxAttempts = 5
	defaultBindingMode         = "U"
	defaultVersion             = "1.2"

	registerBackoffInitial = 500 * time.Millisecond
	registerBackoffMax     = 30 * time.Second

	// lifetimeRefreshFraction is how far into the lifetime the session
	// sends a registration update.
	lifetimeRefreshFraction = 0.8

	commandQueueCapacity = 16
)

// Config holds the per-session settings.
type Config struct {
	EndpointID  string
	GroupID     string
	Lifetime    time.Duration
	BindingMode string
	Version     string

	TelemetryInterval time.Duration
	TickInterval      time.Duration

	BulkSize     int
	BulkInterval time.Duration

	RegisterTimeout     time.Duration
	RegisterMaxAttempts int

	QoS byte

	// Seed seeds the simulated device when none is injected.
	Seed int64
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = defaultLifetime
	}
	if c.BindingMode == "" {
		c.BindingMode = defaultBindingMode
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = defaultTelemetryInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = defaultRegisterTimeout
	}
	if c.RegisterMaxAttempts <= 0 {
		c.RegisterMaxAttempts = defaultRegisterMaxAttempts
	}
	return c
}

// Deps holds the session's injected collaborators.
type Deps struct {
	// Transport carries both protocol planes. Required.
	Transport Transport

	// Device is the breaker model. Optional; a simulated breaker is
	// created from Config when nil.
	Device *breaker.Breaker

	// Logger is optional.
	Logger Logger
}

// Session is one device's dual-protocol state machine.
//
// Thread Safety: Run drives the session from a single goroutine;
// transport handlers feed inbound frames through channels. State
// accessors are safe from any goroutine.
type Session struct {
	cfg       Config
	transport Transport
	device    *breaker.Breaker
	batcher   *batch.Batcher
	logger    Logger
	rng       *rand.Rand

	mu    sync.Mutex
	state State

	// Telemetry sequencing. Guarded by mu so the rebirth request from
	// the transport handler can flip birthNeeded mid-tick.
	seq         uint8
	bdSeq       uint64
	born        bool
	birthNeeded bool

	lastTelemetry time.Time
	lastRefresh   time.Time
	updateSentAt  time.Time
	lastReported  breaker.State

	acks     chan *codec.ResponseFrame
	commands chan *codec.CommandFrame
}

// New creates a session. The transport is required; a nil device gets a
// simulated breaker seeded from cfg.Seed.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("%w: transport", ErrMissingDependency)
	}
	if cfg.EndpointID == "" {
		return nil, fmt.Errorf("%w: endpoint id", ErrMissingDependency)
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("%w: group id", ErrMissingDependency)
	}
	cfg = cfg.withDefaults()

	device := deps.Device
	if device == nil {
		device = breaker.New(breaker.Config{EndpointID: cfg.EndpointID, Seed: cfg.Seed})
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Session{
		cfg:          cfg,
		transport:    deps.Transport,
		device:       device,
		batcher:      batch.New(cfg.BulkSize, cfg.BulkInterval),
		logger:       logger,
		rng:          rand.New(rand.NewSource(seed)), //nolint:gosec // backoff jitter
		state:        StateDisconnected,
		birthNeeded:  true,
		lastReported: device.State(),
		acks:         make(chan *codec.ResponseFrame, 4),
		commands:     make(chan *codec.CommandFrame, commandQueueCapacity),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("session state change", "endpoint", s.cfg.EndpointID, "from", prev, "to", next)
	}
}

// Seq returns the last emitted telemetry sequence number.
func (s *Session) Seq() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// BdSeq returns the current birth-death sequence.
func (s *Session) BdSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bdSeq
}

// Device returns the underlying breaker model.
func (s *Session) Device() *breaker.Breaker {
	return s.device
}

// RequestRebirth forces the next telemetry emission to be a fresh birth
// frame. Called for the server's rebirth command and on reconnect.
func (s *Session) RequestRebirth() {
	s.mu.Lock()
	s.birthNeeded = true
	s.mu.Unlock()
}

// subscribe attaches the session's inbound handlers: management-plane
// frames addressed to this endpoint and telemetry-plane commands.
func (s *Session) subscribe() error {
	cmdTopic := codec.MgmtTopic(s.cfg.EndpointID, codec.KindCommand)
	if err := s.transport.Subscribe(cmdTopic, s.cfg.QoS, s.handleMgmt); err != nil {
		return fmt.Errorf("subscribe %s: %w", cmdTopic, err)
	}
	telTopic := codec.TelemetryTopic(s.cfg.GroupID, codec.TelemetryCommand, s.cfg.EndpointID)
	if err := s.transport.Subscribe(telTopic, s.cfg.QoS, s.handleTelemetryCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", telTopic, err)
	}
	return nil
}

// handleMgmt processes inbound management-plane frames. Codec errors
// drop the frame and keep the session alive.
func (s *Session) handleMgmt(topic string, payload []byte) error {
	parsed, err := codec.ParseMgmtTopic(topic)
	if err != nil || parsed.Endpoint != s.cfg.EndpointID {
		return nil
	}

	frame, err := codec.DecodeControl(payload)
	if err != nil {
		s.logger.Warn("dropping malformed control frame",
			"endpoint", s.cfg.EndpointID, "topic", topic, "error", err)
		return nil
	}

	switch f := frame.(type) {
	case *codec.CommandFrame:
		select {
		case s.commands <- f:
		default:
			s.logger.Warn("command queue full, dropping command",
				"endpoint", s.cfg.EndpointID, "command", f.Command, "command_id", f.CommandID)
		}
	case *codec.ResponseFrame:
		// Registration and update acknowledgments ride the command topic
		// with the operation name as the correlation id.
		select {
		case s.acks <- f:
		default:
		}
	case *codec.RegisterFrame, *codec.UpdateFrame, *codec.DeregisterFrame, *codec.BulkFrame:
		// Device-originated kinds; nothing to do when echoed back.
	}
	return nil
}

// handleTelemetryCommand processes Sparkplug-style command frames:
// boolean-triggered metrics for rebirth and direct breaker control.
func (s *Session) handleTelemetryCommand(topic string, payload []byte) error {
	frame, err := codec.DecodeTelemetry(payload)
	if err != nil {
		s.logger.Warn("dropping malformed telemetry command",
			"endpoint", s.cfg.EndpointID, "topic", topic, "error", err)
		return nil
	}

	for _, m := range frame.Metrics {
		fired, _ := m.Value.(bool)
		if !fired {
			continue
		}
		switch m.Name {
		case codec.MetricRebirth:
			s.logger.Info("rebirth requested", "endpoint", s.cfg.EndpointID)
			s.RequestRebirth()
		case codec.MetricCommandTrip:
			if trip := s.device.Trip(breaker.TripRemoteCommand); trip != nil {
				s.noteTrip(trip)
			}
		case codec.MetricCommandClose:
			if err := s.device.Close(); err != nil {
				s.logger.Warn("telemetry close command refused",
					"endpoint", s.cfg.EndpointID, "error", err)
			}
		case codec.MetricCommandReset:
			s.device.Reset()
		}
	}
	return nil
}

// Resource paths reported through the bulk batcher.
const (
	resourceState      = "3200/0/0"
	resourceTripCount  = "3200/0/1"
	resourceTripReason = "3200/0/6"
)

// noteTrip queues the management-plane side of a trip notification. The
// telemetry side is carried by the state metric on the next data frame.
func (s *Session) noteTrip(trip *breaker.TripEvent) {
	at := trip.At.UnixMilli()
	s.enqueueOp(codec.Operation{Path: resourceState, Kind: codec.OpNotify, Value: string(breaker.StateTripped), Timestamp: at})
	s.enqueueOp(codec.Operation{Path: resourceTripCount, Kind: codec.OpNotify, Value: trip.Count, Timestamp: at})
	s.enqueueOp(codec.Operation{Path: resourceTripReason, Kind: codec.OpNotify, Value: trip.Reason, Timestamp: at})
}

// enqueueOp adds an operation to the batcher, publishing immediately if
// the enqueue forced an overflow flush.
func (s *Session) enqueueOp(op codec.Operation) {
	if forced := s.batcher.Enqueue(op); forced != nil {
		if err := s.publishBatch(forced); err != nil {
			s.logger.Warn("forced bulk flush failed",
				"endpoint", s.cfg.EndpointID, "batch_seq", forced.Seq, "error", err)
		}
	}
}

// publishBatch emits one batch as a single bulk management frame.
func (s *Session) publishBatch(b *batch.Batch) error {
	payload, err := codec.EncodeControl(&codec.BulkFrame{
		Endpoint:   s.cfg.EndpointID,
		BatchSeq:   b.Seq,
		Operations: b.Operations,
	})
	if err != nil {
		return err
	}
	return s.transport.Publish(codec.MgmtTopic(s.cfg.EndpointID, codec.KindBulk), payload, s.cfg.QoS, false)
}
