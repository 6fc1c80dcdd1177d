package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// connectPollInterval is how often Connecting re-checks the transport.
const connectPollInterval = 100 * time.Millisecond

// Run drives the session until ctx is cancelled or registration fails
// past its attempt ceiling.
//
// Cancellation of a registered session drains gracefully: pending bulk
// operations are flushed, a death certificate is published, and the
// registration is removed with a deregister frame.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	if err := s.subscribe(); err != nil {
		return err
	}

	for {
		s.setState(StateConnecting)
		if err := s.waitConnected(ctx); err != nil {
			return nil // shutdown before the transport came up
		}

		if err := s.register(ctx); err != nil {
			if ctx.Err() != nil {
				return nil // shutdown mid-registration, nothing to drain
			}
			return err
		}

		err := s.loop(ctx)
		if errors.Is(err, errConnectionLost) {
			s.logger.Warn("connection lost, re-entering connecting state",
				"endpoint", s.cfg.EndpointID)
			// A reconnect is a new telemetry session: fresh birth, fresh bdSeq.
			s.RequestRebirth()
			continue
		}

		s.drain()
		return nil
	}
}

// waitConnected blocks until the transport reports connected.
func (s *Session) waitConnected(ctx context.Context) error {
	for !s.transport.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectPollInterval):
		}
	}
	return nil
}

// register publishes registration frames until one is acknowledged,
// backing off exponentially with jitter between attempts.
func (s *Session) register(ctx context.Context) error {
	backoff := registerBackoffInitial
	var lastErr error

	for attempt := 1; attempt <= s.cfg.RegisterMaxAttempts; attempt++ {
		s.setState(StateRegistering)
		if err := s.publishRegister(); err != nil {
			lastErr = err
		} else if err := s.awaitAck(ctx, string(codec.KindRegister), s.cfg.RegisterTimeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		} else {
			now := time.Now()
			s.mu.Lock()
			s.lastRefresh = now
			s.mu.Unlock()
			s.setState(StateRegistered)
			s.logger.Info("registered",
				"endpoint", s.cfg.EndpointID, "attempt", attempt,
				"lifetime", s.cfg.Lifetime)
			return nil
		}

		s.logger.Warn("registration attempt failed",
			"endpoint", s.cfg.EndpointID, "attempt", attempt, "error", lastErr)

		if attempt == s.cfg.RegisterMaxAttempts {
			break
		}
		// Between attempts the session is back to waiting on the
		// transport, so report Connecting for the backoff window.
		s.setState(StateConnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.jitter(backoff)):
		}
		backoff *= 2
		if backoff > registerBackoffMax {
			backoff = registerBackoffMax
		}
	}

	return fmt.Errorf("%w: %d attempts, last error: %v",
		ErrRegistrationFailed, s.cfg.RegisterMaxAttempts, lastErr)
}

// publishRegister emits the registration frame with the device's
// current resource model.
func (s *Session) publishRegister() error {
	payload, err := codec.EncodeControl(&codec.RegisterFrame{
		Endpoint:    s.cfg.EndpointID,
		Lifetime:    int64(s.cfg.Lifetime.Seconds()),
		BindingMode: s.cfg.BindingMode,
		Version:     s.cfg.Version,
		Objects:     s.device.ObjectTree(),
	})
	if err != nil {
		return err
	}
	return s.transport.Publish(codec.MgmtTopic(s.cfg.EndpointID, codec.KindRegister), payload, s.cfg.QoS, false)
}

// awaitAck waits for a server acknowledgment whose correlation id is
// the operation name ("register" or "update").
func (s *Session) awaitAck(ctx context.Context, op string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("no %s acknowledgment within %v", op, timeout)
		case ack := <-s.acks:
			if ack.CommandID != op {
				continue
			}
			if ack.Status != codec.StatusOK {
				return fmt.Errorf("%s rejected: %s", op, ack.Error)
			}
			return nil
		}
	}
}

// jitter spreads a backoff delay to +-20%.
func (s *Session) jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + s.rng.Float64()*0.4))
}

// loop is the Registered-state tick loop. Returns errConnectionLost on
// transport loss, nil on cancellation.
func (s *Session) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !s.transport.IsConnected() {
				return errConnectionLost
			}
			s.tickTelemetry(now)
			s.tickBulk(now)
			s.tickCommand(now)
			s.tickLifetime(now)
		}
	}
}

// tickTelemetry emits a birth or data frame when one is due. Telemetry
// never shares a frame with management traffic.
func (s *Session) tickTelemetry(now time.Time) {
	s.mu.Lock()
	due := s.birthNeeded || s.lastTelemetry.IsZero() ||
		now.Sub(s.lastTelemetry) >= s.cfg.TelemetryInterval
	s.mu.Unlock()
	if !due {
		return
	}

	sample := s.device.Sample(now)
	if sample.Trip != nil {
		s.noteTrip(sample.Trip)
	}

	stateChanged := false
	s.mu.Lock()
	if sample.State != s.lastReported {
		s.lastReported = sample.State
		stateChanged = true
	}
	s.mu.Unlock()
	if stateChanged && sample.Trip == nil {
		s.enqueueOp(codec.Operation{
			Path:      resourceState,
			Kind:      codec.OpNotify,
			Value:     string(sample.State),
			Timestamp: now.UnixMilli(),
		})
	}

	s.mu.Lock()
	frame := &codec.TelemetryFrame{Timestamp: now.UnixMilli()}
	var kind codec.TelemetryKind
	if s.birthNeeded {
		if s.born {
			s.bdSeq++
		}
		s.born = true
		s.birthNeeded = false
		s.seq = 0
		kind = codec.TelemetryBirth
		frame.Metrics = append(sample.BirthMetrics(now), codec.Metric{
			Name:      codec.MetricBdSeq,
			Timestamp: now.UnixMilli(),
			Type:      codec.DataTypeUInt64,
			Value:     s.bdSeq,
		})
	} else {
		s.seq = codec.NextSeq(s.seq)
		frame.Seq = s.seq
		kind = codec.TelemetryData
		frame.Metrics = sample.DataMetrics(now)
	}
	s.mu.Unlock()

	payload, err := codec.EncodeTelemetry(frame)
	if err != nil {
		s.logger.Error("telemetry encode failed", "endpoint", s.cfg.EndpointID, "error", err)
		return
	}

	topic := codec.TelemetryTopic(s.cfg.GroupID, kind, s.cfg.EndpointID)
	if err := s.transport.Publish(topic, payload, s.cfg.QoS, false); err != nil {
		s.logger.Warn("telemetry publish failed",
			"endpoint", s.cfg.EndpointID, "kind", kind, "error", err)
		if kind == codec.TelemetryBirth {
			// A lost birth must be re-issued; a lost data frame surfaces as a
			// sequence gap at the server, which commands a rebirth anyway.
			s.RequestRebirth()
		}
		return
	}

	s.mu.Lock()
	s.lastTelemetry = now
	s.mu.Unlock()
}

// tickBulk flushes the batcher when a threshold is met.
func (s *Session) tickBulk(now time.Time) {
	b := s.batcher.PollFlush(now)
	if b == nil {
		return
	}
	if err := s.publishBatch(b); err != nil {
		s.logger.Warn("bulk publish failed",
			"endpoint", s.cfg.EndpointID, "batch_seq", b.Seq, "error", err)
	}
}

// tickCommand processes at most one inbound command.
func (s *Session) tickCommand(now time.Time) {
	select {
	case cmd := <-s.commands:
		s.executeCommand(cmd, now)
	default:
	}
}

// resourceProtection is the protection settings instance path reported
// after a configure command.
const resourceProtection = "3201/0"

// executeCommand runs a device command and publishes its response.
// Execution failure is reported in the response status, never as a
// session fault.
func (s *Session) executeCommand(cmd *codec.CommandFrame, now time.Time) {
	resp := &codec.ResponseFrame{
		Endpoint:  s.cfg.EndpointID,
		CommandID: cmd.CommandID,
		Status:    codec.StatusOK,
		Timestamp: now.UnixMilli(),
	}

	result, err := s.device.Execute(cmd.Command, cmd.Parameters)
	if err != nil {
		resp.Status = codec.StatusError
		resp.Error = err.Error()
	} else {
		resp.Result = result.Payload
		if result.Trip != nil {
			s.noteTrip(result.Trip)
		}
		if cmd.Command == "configure" {
			s.enqueueOp(codec.Operation{
				Path:      resourceProtection,
				Kind:      codec.OpWrite,
				Value:     s.device.Configuration(),
				Timestamp: now.UnixMilli(),
			})
		}
	}

	payload, err := codec.EncodeControl(resp)
	if err != nil {
		s.logger.Error("response encode failed",
			"endpoint", s.cfg.EndpointID, "command_id", cmd.CommandID, "error", err)
		return
	}
	if err := s.transport.Publish(codec.MgmtTopic(s.cfg.EndpointID, codec.KindResponse), payload, s.cfg.QoS, false); err != nil {
		s.logger.Warn("response publish failed",
			"endpoint", s.cfg.EndpointID, "command_id", cmd.CommandID, "error", err)
	}

	s.logger.Debug("command executed",
		"endpoint", s.cfg.EndpointID, "command", cmd.Command,
		"command_id", cmd.CommandID, "status", resp.Status)
}

// tickLifetime refreshes the registration when its lifetime is mostly
// elapsed, and resolves pending update acknowledgments.
func (s *Session) tickLifetime(now time.Time) {
	s.drainAcks(now)

	s.mu.Lock()
	state := s.state
	last := s.lastRefresh
	sent := s.updateSentAt
	s.mu.Unlock()

	if state == StateUpdating {
		if now.Sub(sent) > s.cfg.RegisterTimeout {
			// Non-fatal: fall back to Registered and retry at the next tick,
			// since the refresh threshold is still exceeded.
			s.logger.Warn("registration update unacknowledged",
				"endpoint", s.cfg.EndpointID, "timeout", s.cfg.RegisterTimeout)
			s.setState(StateRegistered)
		}
		return
	}
	if state != StateRegistered {
		return
	}
	refreshAfter := time.Duration(float64(s.cfg.Lifetime) * lifetimeRefreshFraction)
	if now.Sub(last) < refreshAfter {
		return
	}

	payload, err := codec.EncodeControl(&codec.UpdateFrame{
		Endpoint: s.cfg.EndpointID,
		Lifetime: int64(s.cfg.Lifetime.Seconds()),
		Objects:  s.device.ObjectTree(),
	})
	if err != nil {
		s.logger.Error("update encode failed", "endpoint", s.cfg.EndpointID, "error", err)
		return
	}
	if err := s.transport.Publish(codec.MgmtTopic(s.cfg.EndpointID, codec.KindUpdate), payload, s.cfg.QoS, false); err != nil {
		s.logger.Warn("update publish failed", "endpoint", s.cfg.EndpointID, "error", err)
		return
	}

	s.mu.Lock()
	s.updateSentAt = now
	s.mu.Unlock()
	s.setState(StateUpdating)
}

// drainAcks resolves buffered update acknowledgments without blocking.
func (s *Session) drainAcks(now time.Time) {
	for {
		select {
		case ack := <-s.acks:
			if ack.CommandID != string(codec.KindUpdate) {
				continue
			}
			if ack.Status != codec.StatusOK {
				s.logger.Warn("registration update rejected",
					"endpoint", s.cfg.EndpointID, "error", ack.Error)
				s.setState(StateRegistered)
				continue
			}
			s.mu.Lock()
			s.lastRefresh = now
			s.mu.Unlock()
			if s.State() == StateUpdating {
				s.setState(StateRegistered)
			}
			s.logger.Debug("registration refreshed", "endpoint", s.cfg.EndpointID)
		default:
			return
		}
	}
}

// drain performs the graceful shutdown sequence: flush pending bulk
// operations, publish the death certificate, deregister.
func (s *Session) drain() {
	s.setState(StateDeregistering)
	now := time.Now()

	if b := s.batcher.Flush(); b != nil {
		if err := s.publishBatch(b); err != nil {
			s.logger.Warn("drain bulk flush failed",
				"endpoint", s.cfg.EndpointID, "error", err)
		}
	}

	s.mu.Lock()
	born := s.born
	bd := s.bdSeq
	s.mu.Unlock()

	if born {
		frame := &codec.TelemetryFrame{
			Timestamp: now.UnixMilli(),
			Metrics: []codec.Metric{{
				Name:      codec.MetricBdSeq,
				Timestamp: now.UnixMilli(),
				Type:      codec.DataTypeUInt64,
				Value:     bd,
			}},
		}
		if payload, err := codec.EncodeTelemetry(frame); err == nil {
			topic := codec.TelemetryTopic(s.cfg.GroupID, codec.TelemetryDeath, s.cfg.EndpointID)
			if err := s.transport.Publish(topic, payload, s.cfg.QoS, false); err != nil {
				s.logger.Warn("death publish failed", "endpoint", s.cfg.EndpointID, "error", err)
			}
		}
	}

	if payload, err := codec.EncodeControl(&codec.DeregisterFrame{Endpoint: s.cfg.EndpointID}); err == nil {
		topic := codec.MgmtTopic(s.cfg.EndpointID, codec.KindDeregister)
		if err := s.transport.Publish(topic, payload, s.cfg.QoS, false); err != nil {
			s.logger.Warn("deregister publish failed", "endpoint", s.cfg.EndpointID, "error", err)
		}
	}

	s.logger.Info("session drained", "endpoint", s.cfg.EndpointID)
}
