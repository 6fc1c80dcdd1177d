package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
	"github.com/gridlink-systems/gridlink-core/internal/registry"
	"github.com/gridlink-systems/gridlink-core/internal/sink"
)

// Transport abstracts the MQTT client. The concrete client is adapted
// in main.go.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	IsConnected() bool
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// HistoryWriter records accepted telemetry to a time-series backend.
type HistoryWriter interface {
	WriteMetrics(ctx context.Context, endpoint string, metrics []codec.Metric, ts time.Time) error
}

// nopHistory discards telemetry history.
type nopHistory struct{}

func (nopHistory) WriteMetrics(context.Context, string, []codec.Metric, time.Time) error {
	return nil
}

// Defaults applied by Config.withDefaults.
const (
	defaultGroupID       = "default"
	defaultSweepInterval = 10 * time.Second
	defaultCmdTimeout    = 10 * time.Second
	defaultCmdRetries    = 2
	defaultWorkerQueue   = 64
	defaultQoS           = 1
)

// Config holds the transport server settings.
type Config struct {
	// GroupID is assigned to registrations arriving on the management
	// plane, which carries no group of its own.
	GroupID string

	// SweepInterval is how often expired registrations are promoted.
	SweepInterval time.Duration

	// CommandTimeout bounds one command delivery attempt.
	CommandTimeout time.Duration

	// CommandRetries is how many times an unanswered command is
	// republished before failing.
	CommandRetries int

	// WorkerQueueSize bounds each per-endpoint intake queue.
	WorkerQueueSize int

	// QoS applies to all subscriptions and publishes.
	QoS byte
}

func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = defaultGroupID
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCmdTimeout
	}
	if c.CommandRetries < 0 {
		c.CommandRetries = defaultCmdRetries
	}
	if c.WorkerQueueSize < 1 {
		c.WorkerQueueSize = defaultWorkerQueue
	}
	if c.QoS == 0 {
		c.QoS = defaultQoS
	}
	return c
}

// Deps are the server's injected dependencies. Transport and Registry
// are required; the rest default to no-ops.
type Deps struct {
	Transport Transport
	Registry  *registry.Registry
	Sink      sink.Sink
	History   HistoryWriter
	Logger    Logger
}

// inbound is one raw message queued for a per-endpoint worker.
type inbound struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// worker serializes one endpoint's frames.
type worker struct {
	ch chan inbound
}

// Server is the transport terminator.
type Server struct {
	cfg       Config
	transport Transport
	registry  *registry.Registry
	sink      sink.Sink
	history   HistoryWriter
	logger    Logger

	// Dispatcher correlates outbound commands with device responses.
	Dispatcher *Dispatcher

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// New creates a transport server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("%w: transport", ErrMissingDependency)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry", ErrMissingDependency)
	}
	if deps.Sink == nil {
		deps.Sink = sink.Discard{}
	}
	if deps.History == nil {
		deps.History = nopHistory{}
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}

	cfg = cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		transport: deps.Transport,
		registry:  deps.Registry,
		sink:      deps.Sink,
		history:   deps.History,
		logger:    deps.Logger,
		workers:   make(map[string]*worker),
	}
	s.Dispatcher = NewDispatcher(deps.Transport, deps.Registry,
		cfg.CommandTimeout, cfg.CommandRetries, cfg.QoS)
	s.Dispatcher.SetLogger(deps.Logger)
	return s, nil
}

// Run subscribes to both protocol planes and drives the expiry sweep
// until ctx is cancelled. Inbound processing happens on per-endpoint
// workers, not on the subscriber callback.
func (s *Server) Run(ctx context.Context) error {
	if err := s.subscribe(); err != nil {
		return err
	}
	s.logger.Info("transport server started", "group", s.cfg.GroupID)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) subscribe() error {
	// The server must not hear its own command publishes, so the mgmt
	// command topic is deliberately absent.
	topics := []string{
		codec.MgmtWildcard(codec.KindRegister),
		codec.MgmtWildcard(codec.KindUpdate),
		codec.MgmtWildcard(codec.KindDeregister),
		codec.MgmtWildcard(codec.KindResponse),
		codec.MgmtWildcard(codec.KindBulk),
		codec.TelemetryWildcard("+", codec.TelemetryBirth),
		codec.TelemetryWildcard("+", codec.TelemetryData),
		codec.TelemetryWildcard("+", codec.TelemetryDeath),
	}
	for _, topic := range topics {
		if err := s.transport.Subscribe(topic, s.cfg.QoS, s.intake); err != nil {
			return fmt.Errorf("subscribing %s: %w", topic, err)
		}
	}
	return nil
}

// intake runs on the transport callback: it only resolves the endpoint
// and hands the raw message to that endpoint's worker.
func (s *Server) intake(topic string, payload []byte) error {
	endpoint, err := endpointOf(topic)
	if err != nil {
		s.logger.Warn("dropping message on unparseable topic", "topic", topic, "error", err)
		return nil
	}

	msg := inbound{topic: topic, payload: payload, receivedAt: time.Now().UTC()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	w, ok := s.workers[endpoint]
	if !ok {
		w = &worker{ch: make(chan inbound, s.cfg.WorkerQueueSize)}
		s.workers[endpoint] = w
		s.wg.Add(1)
		go s.runWorker(endpoint, w)
	}

	// The non-blocking send happens under the lock so shutdown cannot
	// close the channel mid-send.
	select {
	case w.ch <- msg:
	default:
		s.logger.Warn("endpoint intake queue full, dropping frame",
			"endpoint", endpoint, "topic", topic)
	}
	s.mu.Unlock()
	return nil
}

// endpointOf extracts the endpoint segment from either topic grammar.
func endpointOf(topic string) (string, error) {
	if strings.HasPrefix(topic, codec.TopicPrefixMgmt+"/") {
		parsed, err := codec.ParseMgmtTopic(topic)
		if err != nil {
			return "", err
		}
		return parsed.Endpoint, nil
	}
	parsed, err := codec.ParseTelemetryTopic(topic)
	if err != nil {
		return "", err
	}
	return parsed.Endpoint, nil
}

func (s *Server) runWorker(endpoint string, w *worker) {
	defer s.wg.Done()
	for msg := range w.ch {
		s.process(endpoint, msg)
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, w := range s.workers {
		close(w.ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("transport server stopped")
}

// sweep promotes overdue registrations and announces them.
func (s *Server) sweep(ctx context.Context) {
	expired, err := s.registry.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	for _, endpoint := range expired {
		s.sink.Emit(sink.Event{
			Type:      sink.TypeExpired,
			Endpoint:  endpoint,
			Timestamp: time.Now().UTC(),
		})
	}
}

// process applies one frame. Runs on the endpoint's worker goroutine.
func (s *Server) process(endpoint string, msg inbound) {
	ctx := context.Background()

	if strings.HasPrefix(msg.topic, codec.TopicPrefixMgmt+"/") {
		frame, err := codec.DecodeControl(msg.payload)
		if err != nil {
			s.logger.Warn("dropping malformed control frame",
				"endpoint", endpoint, "topic", msg.topic, "error", err)
			return
		}
		if frame.EndpointID() != endpoint {
			s.logger.Warn("dropping control frame with mismatched endpoint",
				"topic", msg.topic, "frame_endpoint", frame.EndpointID())
			return
		}
		s.processControl(ctx, frame, msg)
		return
	}

	parsed, err := codec.ParseTelemetryTopic(msg.topic)
	if err != nil {
		s.logger.Warn("dropping message on unparseable topic", "topic", msg.topic)
		return
	}
	frame, err := codec.DecodeTelemetry(msg.payload)
	if err != nil {
		s.logger.Warn("dropping malformed telemetry frame",
			"endpoint", endpoint, "topic", msg.topic, "error", err)
		return
	}
	s.processTelemetry(ctx, parsed, frame, msg.receivedAt)
}

func (s *Server) processControl(ctx context.Context, frame codec.ControlFrame, msg inbound) {
	switch f := frame.(type) {
	case *codec.RegisterFrame:
		s.handleRegister(ctx, f, msg.receivedAt)
	case *codec.UpdateFrame:
		s.handleUpdate(ctx, f, msg.receivedAt)
	case *codec.DeregisterFrame:
		s.handleDeregister(ctx, f, msg.receivedAt)
	case *codec.ResponseFrame:
		s.handleResponse(f, msg.receivedAt)
	case *codec.BulkFrame:
		s.handleBulk(f, msg.receivedAt)
	default:
		s.logger.Warn("dropping unexpected control frame",
			"endpoint", frame.EndpointID(), "kind", frame.FrameKind())
	}
}

func (s *Server) handleRegister(ctx context.Context, frame *codec.RegisterFrame, receivedAt time.Time) {
	_, err := s.registry.Register(ctx, s.cfg.GroupID, frame)
	s.ackOperation(frame.Endpoint, string(codec.KindRegister), err)
	if err != nil {
		s.logger.Warn("registration rejected", "endpoint", frame.Endpoint, "error", err)
		return
	}
	s.sink.Emit(sink.Event{
		Type:      sink.TypeRegistration,
		Endpoint:  frame.Endpoint,
		Timestamp: receivedAt,
		Payload: map[string]any{
			"lifetime":     frame.Lifetime,
			"binding_mode": frame.BindingMode,
			"version":      frame.Version,
		},
	})
}

func (s *Server) handleUpdate(ctx context.Context, frame *codec.UpdateFrame, receivedAt time.Time) {
	rec, err := s.registry.Update(ctx, frame)
	s.ackOperation(frame.Endpoint, string(codec.KindUpdate), err)
	if err != nil {
		s.logger.Warn("registration update rejected", "endpoint", frame.Endpoint, "error", err)
		return
	}
	s.sink.Emit(sink.Event{
		Type:      sink.TypeUpdate,
		Endpoint:  frame.Endpoint,
		Timestamp: receivedAt,
		Payload:   map[string]any{"lifetime": rec.LifetimeSeconds},
	})
}

func (s *Server) handleDeregister(ctx context.Context, frame *codec.DeregisterFrame, receivedAt time.Time) {
	if err := s.registry.Deregister(ctx, frame.Endpoint); err != nil {
		s.logger.Warn("deregistration failed", "endpoint", frame.Endpoint, "error", err)
		return
	}
	s.sink.Emit(sink.Event{
		Type:      sink.TypeDeregistration,
		Endpoint:  frame.Endpoint,
		Timestamp: receivedAt,
	})
}

func (s *Server) handleResponse(frame *codec.ResponseFrame, receivedAt time.Time) {
	if !s.Dispatcher.Resolve(frame) {
		s.logger.Debug("response for unknown command id",
			"endpoint", frame.Endpoint, "command_id", frame.CommandID)
		return
	}
	s.sink.Emit(sink.Event{
		Type:      sink.TypeResponse,
		Endpoint:  frame.Endpoint,
		Timestamp: receivedAt,
		Payload: map[string]any{
			"command_id": frame.CommandID,
			"status":     frame.Status,
			"error":      frame.Error,
		},
	})
}

func (s *Server) handleBulk(frame *codec.BulkFrame, receivedAt time.Time) {
	ops := Unbatch(frame, receivedAt)
	for _, op := range ops {
		s.sink.Emit(sink.Event{
			Type:      sink.TypeOperation,
			Endpoint:  frame.Endpoint,
			Timestamp: receivedAt,
			Payload: map[string]any{
				"batch_seq": frame.BatchSeq,
				"path":      op.Path,
				"op":        string(op.Kind),
				"value":     op.Value,
				"ts":        op.Timestamp,
			},
		})
	}
	s.logger.Debug("bulk frame unbatched",
		"endpoint", frame.Endpoint, "batch_seq", frame.BatchSeq, "operations", len(ops))
}

func (s *Server) processTelemetry(ctx context.Context, parsed codec.ParsedTelemetryTopic, frame *codec.TelemetryFrame, receivedAt time.Time) {
	switch parsed.Kind {
	case codec.TelemetryBirth:
		s.handleBirth(ctx, parsed, frame, receivedAt)
	case codec.TelemetryData:
		s.handleData(ctx, parsed, frame, receivedAt)
	case codec.TelemetryDeath:
		s.handleDeath(ctx, parsed, frame, receivedAt)
	default:
		// Command topics are outbound only; nothing else reaches here.
	}
}

func (s *Server) handleBirth(ctx context.Context, parsed codec.ParsedTelemetryTopic, frame *codec.TelemetryFrame, receivedAt time.Time) {
	rec, err := s.registry.RecordBirth(ctx, parsed.Endpoint, frame)
	if err != nil {
		s.logger.Warn("birth from unknown endpoint dropped",
			"endpoint", parsed.Endpoint, "error", err)
		return
	}
	s.acceptMetrics(ctx, parsed.Endpoint, frame.Metrics, frame.Timestamp, receivedAt)

	s.sink.Emit(sink.Event{
		Type:      sink.TypeBirth,
		Endpoint:  parsed.Endpoint,
		Group:     parsed.Group,
		Timestamp: receivedAt,
		Payload: map[string]any{
			"bd_seq":  rec.BdSeq,
			"metrics": metricMap(frame.Metrics),
		},
	})
}

func (s *Server) handleData(ctx context.Context, parsed codec.ParsedTelemetryTopic, frame *codec.TelemetryFrame, receivedAt time.Time) {
	err := s.registry.ValidateData(ctx, parsed.Endpoint, frame.Seq)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrSequenceGap):
		s.requestRebirth(parsed.Group, parsed.Endpoint, err.Error(), receivedAt)
		return
	case errors.Is(err, registry.ErrDesynced):
		// Already flagged; the rebirth command is on its way or the
		// device ignored it. Drop quietly until the new birth arrives.
		s.logger.Debug("dropping data frame from desynced endpoint",
			"endpoint", parsed.Endpoint, "seq", frame.Seq)
		return
	default:
		s.logger.Warn("data frame rejected",
			"endpoint", parsed.Endpoint, "seq", frame.Seq, "error", err)
		return
	}

	resolved := s.registry.ResolveAliases(parsed.Endpoint, frame.Metrics)
	s.acceptMetrics(ctx, parsed.Endpoint, resolved, frame.Timestamp, receivedAt)

	s.sink.Emit(sink.Event{
		Type:      sink.TypeData,
		Endpoint:  parsed.Endpoint,
		Group:     parsed.Group,
		Timestamp: receivedAt,
		Payload: map[string]any{
			"seq":     frame.Seq,
			"metrics": metricMap(resolved),
		},
	})
}

func (s *Server) handleDeath(ctx context.Context, parsed codec.ParsedTelemetryTopic, frame *codec.TelemetryFrame, receivedAt time.Time) {
	if err := s.registry.RecordDeath(ctx, parsed.Endpoint, frame); err != nil {
		s.logger.Warn("death from unknown endpoint dropped",
			"endpoint", parsed.Endpoint, "error", err)
		return
	}
	s.sink.Emit(sink.Event{
		Type:      sink.TypeDeath,
		Endpoint:  parsed.Endpoint,
		Group:     parsed.Group,
		Timestamp: receivedAt,
	})
}

// acceptMetrics mirrors accepted telemetry and records it to history.
func (s *Server) acceptMetrics(ctx context.Context, endpoint string, metrics []codec.Metric, frameTs int64, receivedAt time.Time) {
	if err := s.registry.RecordMetrics(ctx, endpoint, metrics, frameTs, receivedAt); err != nil {
		s.logger.Warn("mirroring metrics failed", "endpoint", endpoint, "error", err)
	}
	if err := s.history.WriteMetrics(ctx, endpoint, metrics, receivedAt); err != nil {
		s.logger.Warn("recording metric history failed", "endpoint", endpoint, "error", err)
	}
}

// requestRebirth publishes the rebirth command on the endpoint's
// telemetry command topic and announces the desync.
func (s *Server) requestRebirth(group, endpoint, reason string, receivedAt time.Time) {
	frame := &codec.TelemetryFrame{
		Timestamp: time.Now().UnixMilli(),
		Metrics: []codec.Metric{
			{Name: codec.MetricRebirth, Type: codec.DataTypeBoolean, Value: true},
		},
	}
	payload, err := codec.EncodeTelemetry(frame)
	if err != nil {
		s.logger.Error("encoding rebirth command", "endpoint", endpoint, "error", err)
		return
	}

	topic := codec.TelemetryTopic(group, codec.TelemetryCommand, endpoint)
	if err := s.transport.Publish(topic, payload, s.cfg.QoS, false); err != nil {
		s.logger.Error("publishing rebirth command", "endpoint", endpoint, "error", err)
	}

	s.sink.Emit(sink.Event{
		Type:      sink.TypeDesynced,
		Endpoint:  endpoint,
		Group:     group,
		Timestamp: receivedAt,
		Payload:   map[string]any{"reason": reason},
	})
	s.logger.Warn("rebirth requested", "endpoint", endpoint, "reason", reason)
}

// ackOperation answers a registration-plane operation on the endpoint's
// command topic. CommandID carries the operation name so the device can
// match the ack.
func (s *Server) ackOperation(endpoint, operation string, opErr error) {
	resp := &codec.ResponseFrame{
		Endpoint:  endpoint,
		CommandID: operation,
		Status:    codec.StatusOK,
		Timestamp: time.Now().UnixMilli(),
	}
	if opErr != nil {
		resp.Status = codec.StatusError
		resp.Error = opErr.Error()
	}

	payload, err := codec.EncodeControl(resp)
	if err != nil {
		s.logger.Error("encoding ack", "endpoint", endpoint, "operation", operation, "error", err)
		return
	}
	topic := codec.MgmtTopic(endpoint, codec.KindCommand)
	if err := s.transport.Publish(topic, payload, s.cfg.QoS, false); err != nil {
		s.logger.Error("publishing ack", "endpoint", endpoint, "operation", operation, "error", err)
	}
}

// metricMap flattens metrics to name -> value for event payloads.
// Nameless metrics (unknown alias) appear under their alias number.
func metricMap(metrics []codec.Metric) map[string]any {
	out := make(map[string]any, len(metrics))
	for _, m := range metrics {
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("alias:%d", m.Alias)
		}
		out[name] = m.Value
	}
	return out
}
