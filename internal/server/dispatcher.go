package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
	"github.com/gridlink-systems/gridlink-core/internal/registry"
)

// completedRetention caps how many resolved command handles are kept
// for later lookup through the API.
const completedRetention = 256

// CommandHandle tracks one dispatched command to completion.
//
// Await blocks until a response arrives, the command times out, or the
// handle is cancelled. Handles stay retrievable from the dispatcher for
// a while after completion so HTTP callers can poll them.
type CommandHandle struct {
	// ID is the correlation id carried in the command frame.
	ID string

	// Endpoint is the target device.
	Endpoint string

	// Command is the dispatched command name.
	Command string

	// DispatchedAt is when the command was first published.
	DispatchedAt time.Time

	once     sync.Once
	done     chan struct{}
	response *codec.ResponseFrame
	err      error

	cancel func()
}

// Done returns a channel closed when the command resolves.
func (h *CommandHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the command resolves or ctx is cancelled.
func (h *CommandHandle) Await(ctx context.Context) (*codec.ResponseFrame, error) {
	select {
	case <-h.done:
		return h.response, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the command has completed.
func (h *CommandHandle) Resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Outcome returns the result without blocking. Only meaningful after
// Resolved reports true.
func (h *CommandHandle) Outcome() (*codec.ResponseFrame, error) {
	select {
	case <-h.done:
		return h.response, h.err
	default:
		return nil, nil
	}
}

// Cancel discards the correlation. The command may already be on the
// wire and the device may still execute it; cancellation only stops the
// server from waiting.
func (h *CommandHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *CommandHandle) resolve(resp *codec.ResponseFrame, err error) {
	h.once.Do(func() {
		h.response = resp
		h.err = err
		close(h.done)
	})
}

// Dispatcher publishes commands to devices and correlates the
// responses by command id. Unanswered commands are republished with the
// same id up to the retry limit, then fail with ErrCommandTimeout;
// device-side handlers are idempotent so the redelivery is safe.
type Dispatcher struct {
	transport Transport
	registry  *registry.Registry
	logger    Logger

	timeout time.Duration
	retries int
	qos     byte

	mu        sync.Mutex
	pending   map[string]*CommandHandle
	completed map[string]*CommandHandle
	order     []string
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(transport Transport, reg *registry.Registry, timeout time.Duration, retries int, qos byte) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Dispatcher{
		transport: transport,
		registry:  reg,
		logger:    nopLogger{},
		timeout:   timeout,
		retries:   retries,
		qos:       qos,
		pending:   make(map[string]*CommandHandle),
		completed: make(map[string]*CommandHandle),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Dispatch publishes a command to the endpoint and returns a handle for
// the eventual response.
//
// Returns registry.ErrNotRegistered for unknown endpoints and
// registry.ErrDeviceUnavailable for expired or deregistered ones.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint, command string, params map[string]any) (*CommandHandle, error) {
	if err := d.registry.CheckAddressable(ctx, endpoint); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	frame := &codec.CommandFrame{
		Endpoint:   endpoint,
		CommandID:  uuid.NewString(),
		Command:    command,
		Parameters: params,
		Timestamp:  now.UnixMilli(),
	}
	payload, err := codec.EncodeControl(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	handle := &CommandHandle{
		ID:           frame.CommandID,
		Endpoint:     endpoint,
		Command:      command,
		DispatchedAt: now,
		done:         make(chan struct{}),
	}
	handle.cancel = func() { d.finish(handle, nil, ErrCommandCancelled) }

	d.mu.Lock()
	d.pending[handle.ID] = handle
	d.mu.Unlock()

	topic := codec.MgmtTopic(endpoint, codec.KindCommand)
	if err := d.transport.Publish(topic, payload, d.qos, false); err != nil {
		d.finish(handle, nil, fmt.Errorf("publishing command: %w", err))
		return nil, err
	}
	go d.watch(handle, topic, payload)

	d.logger.Info("command dispatched",
		"endpoint", endpoint, "command", command, "command_id", handle.ID)
	return handle, nil
}

// Resolve completes the pending command matching the response's id.
// Returns false for unknown or already resolved ids (late duplicates).
func (d *Dispatcher) Resolve(resp *codec.ResponseFrame) bool {
	d.mu.Lock()
	handle, ok := d.pending[resp.CommandID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.finish(handle, resp, nil)
	return true
}

// Lookup finds a pending or recently completed handle by command id.
func (d *Dispatcher) Lookup(commandID string) (*CommandHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.pending[commandID]; ok {
		return h, true
	}
	h, ok := d.completed[commandID]
	return h, ok
}

// PendingCount returns the number of unresolved commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// watch republishes the command on timeout until the retry budget is
// spent, then fails the handle.
func (d *Dispatcher) watch(handle *CommandHandle, topic string, payload []byte) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		select {
		case <-handle.done:
			return
		case <-timer.C:
			if attempt >= d.retries {
				d.finish(handle, nil, fmt.Errorf("%w: %s to %s after %d attempts",
					ErrCommandTimeout, handle.Command, handle.Endpoint, attempt+1))
				return
			}
			if err := d.transport.Publish(topic, payload, d.qos, false); err != nil {
				d.logger.Warn("command republish failed",
					"endpoint", handle.Endpoint, "command_id", handle.ID, "error", err)
			} else {
				d.logger.Debug("command republished",
					"endpoint", handle.Endpoint, "command_id", handle.ID, "attempt", attempt+2)
			}
			timer.Reset(d.timeout)
		}
	}
}

// finish resolves the handle and moves it to the completed table.
func (d *Dispatcher) finish(handle *CommandHandle, resp *codec.ResponseFrame, err error) {
	handle.resolve(resp, err)

	d.mu.Lock()
	if _, ok := d.pending[handle.ID]; ok {
		delete(d.pending, handle.ID)
		d.completed[handle.ID] = handle
		d.order = append(d.order, handle.ID)
		for len(d.order) > completedRetention {
			delete(d.completed, d.order[0])
			d.order = d.order[1:]
		}
	}
	d.mu.Unlock()
}
