package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the registry's tuning knobs.
type Config struct {
	// DefaultLifetime applies when a registration omits its lifetime.
	DefaultLifetime time.Duration

	// HistoryRetention caps the event history rows kept per endpoint.
	HistoryRetention int
}

// Registry is the authoritative store of registration records.
//
// It wraps a Repository with an in-memory cache and serializes
// mutations per endpoint, so frames for one endpoint are applied in
// arrival order while different endpoints proceed in parallel.
type Registry struct {
	repo   Repository
	cfg    Config
	logger Logger

	cacheMu sync.RWMutex
	cache   map[string]*Registration

	// locks holds one mutex per endpoint, created lazily.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// aliases maps alias -> metric name per endpoint, established by the
	// most recent birth frame.
	aliasMu sync.RWMutex
	aliases map[string]map[uint64]string
}

// NewRegistry creates a registry over the given repository.
func NewRegistry(repo Repository, cfg Config) *Registry {
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = time.Hour
	}
	return &Registry{
		repo:    repo,
		cfg:     cfg,
		logger:  noopLogger{},
		cache:   make(map[string]*Registration),
		locks:   make(map[string]*sync.Mutex),
		aliases: make(map[string]map[uint64]string),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all records from the repository. Call on startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading registrations: %w", err)
	}

	r.cacheMu.Lock()
	r.cache = make(map[string]*Registration, len(records))
	for i := range records {
		rec := records[i]
		r.cache[rec.EndpointID] = rec.DeepCopy()
	}
	r.cacheMu.Unlock()

	r.logger.Info("registration cache refreshed", "count", len(records))
	return nil
}

// lockEndpoint acquires the per-endpoint mutation lock and returns its
// unlock function.
func (r *Registry) lockEndpoint(endpointID string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[endpointID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[endpointID] = mu
	}
	r.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Register applies a registration frame. A second registration while
// Registered replaces the record (no duplicates); registering also
// clears any expiry or desync left from a previous life.
func (r *Registry) Register(ctx context.Context, groupID string, frame *codec.RegisterFrame) (*Registration, error) {
	if frame.Endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrInvalidRegistration)
	}
	if frame.Lifetime < 0 {
		return nil, fmt.Errorf("%w: negative lifetime", ErrInvalidRegistration)
	}

	unlock := r.lockEndpoint(frame.Endpoint)
	defer unlock()

	now := time.Now().UTC()
	lifetime := frame.Lifetime
	if lifetime == 0 {
		lifetime = int64(r.cfg.DefaultLifetime.Seconds())
	}

	rec := &Registration{
		EndpointID:      frame.Endpoint,
		GroupID:         groupID,
		State:           StateRegistered,
		LifetimeSeconds: lifetime,
		Version:         frame.Version,
		BindingMode:     frame.BindingMode,
		Objects:         frame.Objects,
		LastSeq:         -1,
		RegisteredAt:    now,
		LastUpdate:      now,
		ExpiresAt:       now.Add(time.Duration(lifetime) * time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Re-registration keeps the original creation time and bdSeq history.
	if prev, ok := r.cached(frame.Endpoint); ok {
		rec.CreatedAt = prev.CreatedAt
		rec.BdSeq = prev.BdSeq
	}

	if err := r.persist(ctx, rec); err != nil {
		return nil, err
	}
	r.appendEvent(ctx, rec.EndpointID, EventRegistered, map[string]any{
		"lifetime": lifetime, "binding_mode": frame.BindingMode,
	})

	r.logger.Info("device registered",
		"endpoint", rec.EndpointID, "group", groupID, "lifetime", lifetime)
	return rec.DeepCopy(), nil
}

// Update applies a registration refresh. Lifetime 0 keeps the current
// lifetime; a nil object tree keeps the current resources. Expired or
// deregistered records reject the update, forcing a fresh registration.
func (r *Registry) Update(ctx context.Context, frame *codec.UpdateFrame) (*Registration, error) {
	unlock := r.lockEndpoint(frame.Endpoint)
	defer unlock()

	rec, err := r.getRecord(ctx, frame.Endpoint)
	if err != nil {
		return nil, err
	}
	if rec.State != StateRegistered {
		return nil, fmt.Errorf("%w: %s is %s", ErrDeviceUnavailable, frame.Endpoint, rec.State)
	}

	now := time.Now().UTC()
	if frame.Lifetime > 0 {
		rec.LifetimeSeconds = frame.Lifetime
	}
	if frame.Objects != nil {
		rec.Objects = frame.Objects
	}
	rec.LastUpdate = now
	rec.ExpiresAt = now.Add(time.Duration(rec.LifetimeSeconds) * time.Second)
	rec.UpdatedAt = now

	if err := r.persist(ctx, rec); err != nil {
		return nil, err
	}
	r.appendEvent(ctx, rec.EndpointID, EventUpdated, map[string]any{
		"lifetime": rec.LifetimeSeconds,
	})

	r.logger.Debug("registration refreshed", "endpoint", rec.EndpointID)
	return rec.DeepCopy(), nil
}

// Deregister marks an endpoint deregistered. The record is retained for
// diagnostics.
func (r *Registry) Deregister(ctx context.Context, endpointID string) error {
	unlock := r.lockEndpoint(endpointID)
	defer unlock()

	rec, err := r.getRecord(ctx, endpointID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.State = StateDeregistered
	rec.LastUpdate = now
	rec.UpdatedAt = now

	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	r.appendEvent(ctx, endpointID, EventDeregistered, nil)

	r.logger.Info("device deregistered", "endpoint", endpointID)
	return nil
}

// RecordBirth establishes a fresh telemetry baseline: bdSeq from the
// frame's bdSeq metric, seq baseline 0, desync cleared, and the metric
// alias vocabulary rebuilt from the birth's named metrics.
func (r *Registry) RecordBirth(ctx context.Context, endpointID string, frame *codec.TelemetryFrame) (*Registration, error) {
	unlock := r.lockEndpoint(endpointID)
	defer unlock()

	rec, err := r.getRecord(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	aliases := make(map[uint64]string, len(frame.Metrics))
	var bdSeq int64
	for _, m := range frame.Metrics {
		if m.Name == codec.MetricBdSeq {
			if v, ok := m.Value.(int64); ok {
				bdSeq = v
			}
			continue
		}
		if m.Name != "" && m.Alias != 0 {
			aliases[m.Alias] = m.Name
		}
	}

	r.aliasMu.Lock()
	r.aliases[endpointID] = aliases
	r.aliasMu.Unlock()

	now := time.Now().UTC()
	wasDesynced := rec.Desynced
	rec.BdSeq = bdSeq
	rec.LastSeq = 0
	rec.Desynced = false
	rec.LastError = ""
	rec.LastUpdate = now
	rec.UpdatedAt = now

	if err := r.persist(ctx, rec); err != nil {
		return nil, err
	}
	r.appendEvent(ctx, endpointID, EventBirth, map[string]any{
		"bd_seq": bdSeq, "metrics": len(aliases), "resynced": wasDesynced,
	})

	r.logger.Info("birth recorded",
		"endpoint", endpointID, "bd_seq", bdSeq, "resynced", wasDesynced)
	return rec.DeepCopy(), nil
}

// ValidateData enforces the sequence invariant for one data frame.
//
// Returns ErrDesynced while the device awaits rebirth, ErrSequenceGap
// when this frame breaks the sequence (flagging the device desynced as
// a side effect), or nil when the frame is accepted.
func (r *Registry) ValidateData(ctx context.Context, endpointID string, seq uint8) error {
	unlock := r.lockEndpoint(endpointID)
	defer unlock()

	rec, err := r.getRecord(ctx, endpointID)
	if err != nil {
		return err
	}
	if rec.Desynced {
		return fmt.Errorf("%w: %s awaiting rebirth", ErrDesynced, endpointID)
	}

	now := time.Now().UTC()

	// No birth baseline yet: data cannot be sequenced, demand a rebirth.
	if rec.LastSeq < 0 {
		return r.desync(ctx, rec, fmt.Sprintf("data frame seq %d before birth", seq), now)
	}

	expected := uint8(rec.LastSeq) + 1 // wraps at 255
	if seq != expected {
		reason := fmt.Sprintf("sequence gap: got %d, expected %d", seq, expected)
		return r.desync(ctx, rec, reason, now)
	}

	rec.LastSeq = int(seq)
	rec.LastUpdate = now
	rec.UpdatedAt = now
	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	return nil
}

// desync flags the record and persists it. Caller holds the endpoint lock.
func (r *Registry) desync(ctx context.Context, rec *Registration, reason string, now time.Time) error {
	rec.Desynced = true
	rec.LastError = reason
	rec.UpdatedAt = now
	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	r.appendEvent(ctx, rec.EndpointID, EventDesynced, map[string]any{"reason": reason})

	r.logger.Warn("device desynced", "endpoint", rec.EndpointID, "reason", reason)
	return fmt.Errorf("%w: %s", ErrSequenceGap, reason)
}

// RecordDeath closes the telemetry session. A death whose bdSeq does
// not match the current birth is stale and ignored.
func (r *Registry) RecordDeath(ctx context.Context, endpointID string, frame *codec.TelemetryFrame) error {
	unlock := r.lockEndpoint(endpointID)
	defer unlock()

	rec, err := r.getRecord(ctx, endpointID)
	if err != nil {
		return err
	}

	var bdSeq int64 = -1
	for _, m := range frame.Metrics {
		if m.Name == codec.MetricBdSeq {
			if v, ok := m.Value.(int64); ok {
				bdSeq = v
			}
		}
	}
	if bdSeq >= 0 && bdSeq != rec.BdSeq {
		r.logger.Debug("ignoring stale death certificate",
			"endpoint", endpointID, "death_bd_seq", bdSeq, "current_bd_seq", rec.BdSeq)
		return nil
	}

	now := time.Now().UTC()
	rec.LastSeq = -1
	rec.LastUpdate = now
	rec.UpdatedAt = now
	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	r.appendEvent(ctx, endpointID, EventDeath, map[string]any{"bd_seq": bdSeq})

	r.logger.Info("death recorded", "endpoint", endpointID, "bd_seq", bdSeq)
	return nil
}

// ResolveAliases fills in metric names from the endpoint's alias
// vocabulary. Metrics that already carry a name pass through; an
// unknown alias leaves the name empty.
func (r *Registry) ResolveAliases(endpointID string, metrics []codec.Metric) []codec.Metric {
	r.aliasMu.RLock()
	table := r.aliases[endpointID]
	r.aliasMu.RUnlock()

	if len(table) == 0 {
		return metrics
	}
	out := make([]codec.Metric, len(metrics))
	copy(out, metrics)
	for i := range out {
		if out[i].Name == "" {
			out[i].Name = table[out[i].Alias]
		}
	}
	return out
}

// RecordMetrics writes accepted telemetry into the latest-metric
// mirror. Nameless metrics (unknown alias) are skipped.
func (r *Registry) RecordMetrics(ctx context.Context, endpointID string, metrics []codec.Metric, frameTs int64, receivedAt time.Time) error {
	var firstErr error
	for _, m := range metrics {
		if m.Name == "" || m.IsNull {
			continue
		}
		ts := m.Timestamp
		if ts == 0 {
			ts = frameTs
		}
		sample := MetricSample{
			Name:        m.Name,
			Datatype:    m.Type.String(),
			Value:       m.Value,
			TimestampMs: ts,
			ReceivedAt:  receivedAt,
		}
		if err := r.repo.UpsertMetric(ctx, endpointID, sample); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckAddressable reports whether commands may be dispatched to the
// endpoint: ErrNotRegistered for unknown endpoints, ErrDeviceUnavailable
// for expired or deregistered ones.
func (r *Registry) CheckAddressable(ctx context.Context, endpointID string) error {
	rec, err := r.getRecord(ctx, endpointID)
	if err != nil {
		return err
	}
	if !rec.Addressable() {
		return fmt.Errorf("%w: %s is %s", ErrDeviceUnavailable, endpointID, rec.State)
	}
	return nil
}

// SweepExpired promotes overdue records to Expired and returns the
// affected endpoints. The sweep is advisory: it changes addressability
// but deletes nothing.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var expired []string
	for i := range records {
		rec := &records[i]
		if rec.State != StateRegistered || !rec.ExpiredAt(now) {
			continue
		}

		unlock := r.lockEndpoint(rec.EndpointID)
		current, err := r.getRecord(ctx, rec.EndpointID)
		if err != nil {
			unlock()
			continue
		}
		// Re-check under the lock: a refresh may have raced the sweep.
		if current.State != StateRegistered || !current.ExpiredAt(now) {
			unlock()
			continue
		}
		current.State = StateExpired
		current.LastError = "registration lifetime elapsed"
		current.UpdatedAt = now.UTC()
		if err := r.persist(ctx, current); err != nil {
			unlock()
			return expired, err
		}
		unlock()

		r.appendEvent(ctx, current.EndpointID, EventExpired, nil)
		expired = append(expired, current.EndpointID)
		r.logger.Warn("registration expired",
			"endpoint", current.EndpointID, "expired_at", current.ExpiresAt)
	}
	return expired, nil
}

// Get retrieves one record (deep copy).
func (r *Registry) Get(ctx context.Context, endpointID string) (*Registration, error) {
	rec, err := r.getRecordShared(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	return rec.DeepCopy(), nil
}

// List retrieves all records (deep copies), cache-first.
func (r *Registry) List(ctx context.Context) ([]Registration, error) {
	r.cacheMu.RLock()
	if len(r.cache) > 0 {
		out := make([]Registration, 0, len(r.cache))
		for _, rec := range r.cache {
			out = append(out, *rec.DeepCopy())
		}
		r.cacheMu.RUnlock()
		// Match the repository's endpoint_id ordering.
		sort.Slice(out, func(i, j int) bool {
			return out[i].EndpointID < out[j].EndpointID
		})
		return out, nil
	}
	r.cacheMu.RUnlock()

	return r.repo.List(ctx)
}

// MetricsFor returns the latest-metric mirror for one endpoint.
func (r *Registry) MetricsFor(ctx context.Context, endpointID string) ([]MetricSample, error) {
	if _, err := r.getRecordShared(ctx, endpointID); err != nil {
		return nil, err
	}
	return r.repo.MetricsFor(ctx, endpointID)
}

// EventsFor returns an endpoint's lifecycle history, newest first.
func (r *Registry) EventsFor(ctx context.Context, endpointID string, limit int) ([]DeviceEvent, error) {
	return r.repo.EventsFor(ctx, endpointID, limit)
}

// Stats summarises the fleet.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	records, err := r.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	s.Total = len(records)
	for i := range records {
		rec := &records[i]
		switch rec.State {
		case StateRegistered:
			s.Registered++
			if rec.Desynced {
				s.Desynced++
			} else {
				s.Healthy++
			}
		case StateExpired:
			s.Expired++
		case StateDeregistered:
			s.Deregistered++
		}
	}
	return s, nil
}

// cached returns the cached record (not copied). Internal use only.
func (r *Registry) cached(endpointID string) (*Registration, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	rec, ok := r.cache[endpointID]
	return rec, ok
}

// getRecord returns a mutable copy for update under the endpoint lock.
func (r *Registry) getRecord(ctx context.Context, endpointID string) (*Registration, error) {
	if rec, ok := r.cached(endpointID); ok {
		return rec.DeepCopy(), nil
	}
	rec, err := r.repo.Get(ctx, endpointID)
	if err != nil {
		if errors.Is(err, ErrNotRegistered) {
			return nil, err
		}
		return nil, fmt.Errorf("loading registration: %w", err)
	}
	return rec, nil
}

// getRecordShared is getRecord without requiring the endpoint lock;
// used by read-only accessors.
func (r *Registry) getRecordShared(ctx context.Context, endpointID string) (*Registration, error) {
	return r.getRecord(ctx, endpointID)
}

// persist writes through to the repository and refreshes the cache.
func (r *Registry) persist(ctx context.Context, rec *Registration) error {
	if err := r.repo.Upsert(ctx, rec); err != nil {
		return err
	}
	r.cacheMu.Lock()
	r.cache[rec.EndpointID] = rec.DeepCopy()
	r.cacheMu.Unlock()
	return nil
}

// appendEvent records history and trims it to the retention cap.
// History failures are logged, never propagated: the event trail is
// diagnostic, not authoritative.
func (r *Registry) appendEvent(ctx context.Context, endpointID, eventType string, payload any) {
	if err := r.repo.AppendEvent(ctx, endpointID, eventType, payload); err != nil {
		r.logger.Warn("appending device event failed",
			"endpoint", endpointID, "type", eventType, "error", err)
		return
	}
	if r.cfg.HistoryRetention > 0 {
		if err := r.repo.TrimEvents(ctx, endpointID, r.cfg.HistoryRetention); err != nil {
			r.logger.Warn("trimming device events failed",
				"endpoint", endpointID, "error", err)
		}
	}
}
