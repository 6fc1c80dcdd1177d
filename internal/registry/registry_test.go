package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// memRepository is an in-memory Repository for tests.
type memRepository struct {
	mu      sync.Mutex
	records map[string]*Registration
	metrics map[string]map[string]MetricSample
	events  map[string][]DeviceEvent
	nextID  int64
}

func newMemRepository() *memRepository {
	return &memRepository{
		records: make(map[string]*Registration),
		metrics: make(map[string]map[string]MetricSample),
		events:  make(map[string][]DeviceEvent),
	}
}

func (m *memRepository) Get(_ context.Context, endpointID string) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[endpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, endpointID)
	}
	return rec.DeepCopy(), nil
}

func (m *memRepository) List(_ context.Context) ([]Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Registration, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec.DeepCopy())
	}
	return out, nil
}

func (m *memRepository) Upsert(_ context.Context, rec *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.EndpointID] = rec.DeepCopy()
	return nil
}

func (m *memRepository) Delete(_ context.Context, endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[endpointID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, endpointID)
	}
	delete(m.records, endpointID)
	return nil
}

func (m *memRepository) UpsertMetric(_ context.Context, endpointID string, sample MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics[endpointID] == nil {
		m.metrics[endpointID] = make(map[string]MetricSample)
	}
	m.metrics[endpointID][sample.Name] = sample
	return nil
}

func (m *memRepository) MetricsFor(_ context.Context, endpointID string) ([]MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricSample, 0, len(m.metrics[endpointID]))
	for _, s := range m.metrics[endpointID] {
		out = append(out, s)
	}
	return out, nil
}

func (m *memRepository) AppendEvent(_ context.Context, endpointID, eventType string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.events[endpointID] = append(m.events[endpointID], DeviceEvent{
		ID:         m.nextID,
		EndpointID: endpointID,
		Type:       eventType,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *memRepository) EventsFor(_ context.Context, endpointID string, limit int) ([]DeviceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[endpointID]
	out := make([]DeviceEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memRepository) TrimEvents(_ context.Context, endpointID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[endpointID]
	if len(events) > keep {
		m.events[endpointID] = append([]DeviceEvent(nil), events[len(events)-keep:]...)
	}
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *memRepository) {
	t.Helper()
	repo := newMemRepository()
	reg := NewRegistry(repo, Config{DefaultLifetime: time.Hour, HistoryRetention: 50})
	return reg, repo
}

func registerFrame(endpoint string, lifetime int64) *codec.RegisterFrame {
	return &codec.RegisterFrame{
		Endpoint:    endpoint,
		Lifetime:    lifetime,
		BindingMode: "U",
		Version:     "1.2",
		Objects: codec.ObjectTree{
			"3": {"0": {"0": "GridLink Systems"}},
		},
	}
}

func birthFrame(bdSeq int64) *codec.TelemetryFrame {
	return &codec.TelemetryFrame{
		Timestamp: time.Now().UnixMilli(),
		Seq:       0,
		Metrics: []codec.Metric{
			{Name: codec.MetricBdSeq, Type: codec.DataTypeInt64, Value: bdSeq},
			{Name: "current_a_amps", Alias: 1, Type: codec.DataTypeDouble, Value: 42.0},
			{Name: "breaker_state", Alias: 15, Type: codec.DataTypeString, Value: "closed"},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Register(ctx, "plant-a", registerFrame("brk-001", 300))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.State != StateRegistered {
		t.Errorf("state = %s, want %s", rec.State, StateRegistered)
	}
	if rec.LastSeq != -1 {
		t.Errorf("LastSeq = %d, want -1 before birth", rec.LastSeq)
	}
	if want := rec.RegisteredAt.Add(300 * time.Second); !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}

	got, err := reg.Get(ctx, "brk-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.GroupID != "plant-a" || got.Version != "1.2" {
		t.Errorf("got %+v", got)
	}

	// Deep copy: mutating the returned tree must not leak back.
	got.Objects["3"]["0"]["0"] = "tampered"
	again, _ := reg.Get(ctx, "brk-001")
	if again.Objects["3"]["0"]["0"] != "GridLink Systems" {
		t.Error("Get leaked a shared object tree")
	}
}

func TestListOrderedByEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// Register out of order; the cache path must still list sorted.
	for _, endpoint := range []string{"brk-003", "brk-001", "brk-002"} {
		if _, err := reg.Register(ctx, "plant-a", registerFrame(endpoint, 300)); err != nil {
			t.Fatalf("Register %s: %v", endpoint, err)
		}
	}

	records, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i, want := range []string{"brk-001", "brk-002", "brk-003"} {
		if records[i].EndpointID != want {
			t.Errorf("records[%d] = %s, want %s", i, records[i].EndpointID, want)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("", 300)); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("empty endpoint: err = %v, want ErrInvalidRegistration", err)
	}
	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", -5)); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("negative lifetime: err = %v, want ErrInvalidRegistration", err)
	}
}

func TestRegisterDefaultLifetime(t *testing.T) {
	reg, _ := newTestRegistry(t)

	rec, err := reg.Register(context.Background(), "g", registerFrame("brk-001", 0))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.LifetimeSeconds != 3600 {
		t.Errorf("LifetimeSeconds = %d, want default 3600", rec.LifetimeSeconds)
	}
}

func TestReRegistrationReplaces(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, "plant-a", registerFrame("brk-001", 300))
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}

	// Desync the first life, then re-register.
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(3)); err != nil {
		t.Fatalf("RecordBirth: %v", err)
	}
	if err := reg.ValidateData(ctx, "brk-001", 9); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("ValidateData: err = %v, want ErrSequenceGap", err)
	}

	second, err := reg.Register(ctx, "plant-b", registerFrame("brk-001", 600))
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if second.GroupID != "plant-b" || second.LifetimeSeconds != 600 {
		t.Errorf("replacement not applied: %+v", second)
	}
	if second.Desynced {
		t.Error("re-registration should clear the desync flag")
	}
	if second.LastSeq != -1 {
		t.Errorf("LastSeq = %d, want -1 after re-registration", second.LastSeq)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("re-registration should keep the original CreatedAt")
	}

	records, _ := reg.List(ctx)
	if len(records) != 1 {
		t.Errorf("records = %d, want 1 (no duplicates)", len(records))
	}
}

func TestUpdateRefreshesExpiry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	before, err := reg.Register(ctx, "g", registerFrame("brk-001", 300))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Lifetime 0 keeps the current lifetime, nil objects keep resources.
	after, err := reg.Update(ctx, &codec.UpdateFrame{Endpoint: "brk-001"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if after.LifetimeSeconds != 300 {
		t.Errorf("LifetimeSeconds = %d, want 300 kept", after.LifetimeSeconds)
	}
	if after.Objects == nil {
		t.Error("Update with nil objects dropped the object tree")
	}
	if after.ExpiresAt.Before(before.ExpiresAt) {
		t.Error("Update did not push the expiry forward")
	}

	// Explicit lifetime replaces.
	after, err = reg.Update(ctx, &codec.UpdateFrame{Endpoint: "brk-001", Lifetime: 900})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if after.LifetimeSeconds != 900 {
		t.Errorf("LifetimeSeconds = %d, want 900", after.LifetimeSeconds)
	}
}

func TestUpdateUnknownEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Update(context.Background(), &codec.UpdateFrame{Endpoint: "ghost"})
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestUpdateRejectedAfterExpiry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Register(ctx, "g", registerFrame("brk-001", 10))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.SweepExpired(ctx, rec.ExpiresAt.Add(time.Second)); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	if _, err := reg.Update(ctx, &codec.UpdateFrame{Endpoint: "brk-001", Lifetime: 300}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSweepExpiredBoundary(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Register(ctx, "g", registerFrame("brk-001", 60))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// One second before the deadline: still live.
	expired, err := reg.SweepExpired(ctx, rec.ExpiresAt.Add(-time.Second))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expired before deadline: %v", expired)
	}

	// One second past the deadline: expired.
	expired, err = reg.SweepExpired(ctx, rec.ExpiresAt.Add(time.Second))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(expired) != 1 || expired[0] != "brk-001" {
		t.Fatalf("expired = %v, want [brk-001]", expired)
	}

	got, _ := reg.Get(ctx, "brk-001")
	if got.State != StateExpired {
		t.Errorf("state = %s, want %s", got.State, StateExpired)
	}

	// A second sweep is a no-op.
	expired, _ = reg.SweepExpired(ctx, rec.ExpiresAt.Add(2*time.Second))
	if len(expired) != 0 {
		t.Errorf("second sweep expired %v again", expired)
	}
}

func TestSequenceValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(0)); err != nil {
		t.Fatalf("RecordBirth: %v", err)
	}

	// In-order frames accepted.
	for seq := uint8(1); seq <= 3; seq++ {
		if err := reg.ValidateData(ctx, "brk-001", seq); err != nil {
			t.Fatalf("ValidateData(%d): %v", seq, err)
		}
	}

	// A gap flags the device desynced.
	if err := reg.ValidateData(ctx, "brk-001", 7); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("gap: err = %v, want ErrSequenceGap", err)
	}
	rec, _ := reg.Get(ctx, "brk-001")
	if !rec.Desynced {
		t.Error("gap did not flag the record desynced")
	}

	// While desynced every data frame is rejected, even in-order ones.
	if err := reg.ValidateData(ctx, "brk-001", 4); !errors.Is(err, ErrDesynced) {
		t.Errorf("desynced: err = %v, want ErrDesynced", err)
	}

	// Rebirth clears the flag and restarts the sequence.
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(1)); err != nil {
		t.Fatalf("rebirth: %v", err)
	}
	if err := reg.ValidateData(ctx, "brk-001", 1); err != nil {
		t.Errorf("post-rebirth ValidateData: %v", err)
	}
}

func TestSequenceWrapsAt255(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(0)); err != nil {
		t.Fatalf("RecordBirth: %v", err)
	}

	for i := 1; i <= 256; i++ {
		seq := uint8(i % 256)
		if err := reg.ValidateData(ctx, "brk-001", seq); err != nil {
			t.Fatalf("ValidateData(#%d seq %d): %v", i, seq, err)
		}
	}
	rec, _ := reg.Get(ctx, "brk-001")
	if rec.LastSeq != 0 {
		t.Errorf("LastSeq = %d, want 0 after wrap", rec.LastSeq)
	}
}

func TestDataBeforeBirthDesyncs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.ValidateData(ctx, "brk-001", 1); !errors.Is(err, ErrSequenceGap) {
		t.Errorf("err = %v, want ErrSequenceGap for data before birth", err)
	}
}

func TestValidateDataUnknownEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.ValidateData(context.Background(), "ghost", 1); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRecordDeath(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(2)); err != nil {
		t.Fatalf("RecordBirth: %v", err)
	}

	// A death from the previous life (bdSeq 1) is stale and ignored.
	stale := &codec.TelemetryFrame{Metrics: []codec.Metric{
		{Name: codec.MetricBdSeq, Type: codec.DataTypeInt64, Value: int64(1)},
	}}
	if err := reg.RecordDeath(ctx, "brk-001", stale); err != nil {
		t.Fatalf("stale RecordDeath: %v", err)
	}
	rec, _ := reg.Get(ctx, "brk-001")
	if rec.LastSeq != 0 {
		t.Errorf("stale death mutated LastSeq to %d", rec.LastSeq)
	}

	// The matching death closes the telemetry session.
	current := &codec.TelemetryFrame{Metrics: []codec.Metric{
		{Name: codec.MetricBdSeq, Type: codec.DataTypeInt64, Value: int64(2)},
	}}
	if err := reg.RecordDeath(ctx, "brk-001", current); err != nil {
		t.Fatalf("RecordDeath: %v", err)
	}
	rec, _ = reg.Get(ctx, "brk-001")
	if rec.LastSeq != -1 {
		t.Errorf("LastSeq = %d, want -1 after death", rec.LastSeq)
	}
}

func TestResolveAliases(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(0)); err != nil {
		t.Fatalf("RecordBirth: %v", err)
	}

	resolved := reg.ResolveAliases("brk-001", []codec.Metric{
		{Alias: 1, Type: codec.DataTypeDouble, Value: 17.5},
		{Alias: 15, Type: codec.DataTypeString, Value: "open"},
		{Alias: 99, Type: codec.DataTypeDouble, Value: 1.0},
		{Name: "already_named", Type: codec.DataTypeDouble, Value: 2.0},
	})

	if resolved[0].Name != "current_a_amps" {
		t.Errorf("alias 1 resolved to %q", resolved[0].Name)
	}
	if resolved[1].Name != "breaker_state" {
		t.Errorf("alias 15 resolved to %q", resolved[1].Name)
	}
	if resolved[2].Name != "" {
		t.Errorf("unknown alias 99 resolved to %q", resolved[2].Name)
	}
	if resolved[3].Name != "already_named" {
		t.Errorf("named metric rewritten to %q", resolved[3].Name)
	}
}

func TestRecordMetricsMirror(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now().UTC()
	err := reg.RecordMetrics(ctx, "brk-001", []codec.Metric{
		{Name: "current_a_amps", Type: codec.DataTypeDouble, Value: 42.0, Timestamp: 1000},
		{Name: "", Alias: 99, Type: codec.DataTypeDouble, Value: 1.0}, // unresolved, skipped
		{Name: "frequency_hz", Type: codec.DataTypeDouble, Value: 50.0},
	}, 2000, now)
	if err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}

	samples, _ := repo.MetricsFor(ctx, "brk-001")
	if len(samples) != 2 {
		t.Fatalf("mirror has %d samples, want 2", len(samples))
	}
	byName := make(map[string]MetricSample, len(samples))
	for _, s := range samples {
		byName[s.Name] = s
	}
	if byName["current_a_amps"].TimestampMs != 1000 {
		t.Errorf("metric timestamp = %d, want its own 1000", byName["current_a_amps"].TimestampMs)
	}
	if byName["frequency_hz"].TimestampMs != 2000 {
		t.Errorf("metric timestamp = %d, want frame fallback 2000", byName["frequency_hz"].TimestampMs)
	}
}

func TestCheckAddressable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.CheckAddressable(ctx, "ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unknown: err = %v, want ErrNotRegistered", err)
	}

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.CheckAddressable(ctx, "brk-001"); err != nil {
		t.Errorf("registered: err = %v, want nil", err)
	}

	if err := reg.Deregister(ctx, "brk-001"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := reg.CheckAddressable(ctx, "brk-001"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("deregistered: err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestStats(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, ep := range []string{"a", "b", "c", "d"} {
		if _, err := reg.Register(ctx, "g", registerFrame(ep, 300)); err != nil {
			t.Fatalf("Register(%s): %v", ep, err)
		}
	}
	// a: healthy. b: desynced. c: expired. d: deregistered.
	if _, err := reg.RecordBirth(ctx, "b", birthFrame(0)); err != nil {
		t.Fatal(err)
	}
	if err := reg.ValidateData(ctx, "b", 9); !errors.Is(err, ErrSequenceGap) {
		t.Fatal(err)
	}
	rec, _ := reg.Get(ctx, "c")
	if _, err := reg.SweepExpired(ctx, rec.ExpiresAt.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	// The sweep also expires a, b and d (same lifetime); re-register them
	// so each bucket holds exactly one endpoint.
	for _, ep := range []string{"a", "d"} {
		if _, err := reg.Register(ctx, "g", registerFrame(ep, 3000)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := reg.Register(ctx, "b", registerFrame("b", 3000)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RecordBirth(ctx, "b", birthFrame(0)); err != nil {
		t.Fatal(err)
	}
	if err := reg.ValidateData(ctx, "b", 9); !errors.Is(err, ErrSequenceGap) {
		t.Fatal(err)
	}
	if err := reg.Deregister(ctx, "d"); err != nil {
		t.Fatal(err)
	}

	stats, err := reg.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Total: 4, Registered: 2, Healthy: 1, Desynced: 1, Expired: 1, Deregistered: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestEventHistory(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.RecordBirth(ctx, "brk-001", birthFrame(0)); err != nil {
		t.Fatalf("RecordBirth: %v", err)
	}
	if err := reg.Deregister(ctx, "brk-001"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	events, err := reg.EventsFor(ctx, "brk-001", 10)
	if err != nil {
		t.Fatalf("EventsFor: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	// Newest first.
	want := []string{EventDeregistered, EventBirth, EventRegistered}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRefreshCache(t *testing.T) {
	repo := newMemRepository()
	seed := NewRegistry(repo, Config{})
	if _, err := seed.Register(context.Background(), "g", registerFrame("brk-001", 300)); err != nil {
		t.Fatalf("seed Register: %v", err)
	}

	// A fresh registry over the same repository sees the record after a
	// cache refresh.
	reg := NewRegistry(repo, Config{})
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	if _, ok := reg.cached("brk-001"); !ok {
		t.Error("cache miss after RefreshCache")
	}
}
