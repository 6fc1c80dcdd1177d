package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/config"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/logging"
	"github.com/gridlink-systems/gridlink-core/internal/registry"
	"github.com/gridlink-systems/gridlink-core/internal/server"
	"github.com/gridlink-systems/gridlink-core/internal/sink"
)

// memRepo is an in-memory registry.Repository for handler tests.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*registry.Registration
	metrics map[string]map[string]registry.MetricSample
	events  map[string][]registry.DeviceEvent
	nextID  int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		records: make(map[string]*registry.Registration),
		metrics: make(map[string]map[string]registry.MetricSample),
		events:  make(map[string][]registry.DeviceEvent),
	}
}

func (r *memRepo) Get(_ context.Context, endpointID string) (*registry.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[endpointID]
	if !ok {
		return nil, registry.ErrNotRegistered
	}
	return rec.DeepCopy(), nil
}

func (r *memRepo) List(_ context.Context) ([]registry.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.Registration, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

func (r *memRepo) Upsert(_ context.Context, rec *registry.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.EndpointID] = rec.DeepCopy()
	return nil
}

func (r *memRepo) Delete(_ context.Context, endpointID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[endpointID]; !ok {
		return registry.ErrNotRegistered
	}
	delete(r.records, endpointID)
	return nil
}

func (r *memRepo) UpsertMetric(_ context.Context, endpointID string, m registry.MetricSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics[endpointID] == nil {
		r.metrics[endpointID] = make(map[string]registry.MetricSample)
	}
	r.metrics[endpointID][m.Name] = m
	return nil
}

func (r *memRepo) MetricsFor(_ context.Context, endpointID string) ([]registry.MetricSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.MetricSample, 0, len(r.metrics[endpointID]))
	for _, m := range r.metrics[endpointID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memRepo) AppendEvent(_ context.Context, endpointID, eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	data, _ := json.Marshal(payload)
	r.events[endpointID] = append(r.events[endpointID], registry.DeviceEvent{
		ID:         r.nextID,
		EndpointID: endpointID,
		Type:       eventType,
		Payload:    string(data),
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (r *memRepo) EventsFor(_ context.Context, endpointID string, limit int) ([]registry.DeviceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.events[endpointID]
	out := make([]registry.DeviceEvent, 0, limit)
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, evs[i])
	}
	return out, nil
}

func (r *memRepo) TrimEvents(_ context.Context, endpointID string, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evs := r.events[endpointID]; len(evs) > keep {
		r.events[endpointID] = evs[len(evs)-keep:]
	}
	return nil
}

// stubTransport records publishes for dispatcher tests.
type stubTransport struct {
	mu        sync.Mutex
	published []struct {
		topic   string
		payload []byte
	}
}

func (t *stubTransport) Publish(topic string, payload []byte, _ byte, _ bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, struct {
		topic   string
		payload []byte
	}{topic, append([]byte(nil), payload...)})
	return nil
}

func (t *stubTransport) Subscribe(string, byte, func(string, []byte) error) error { return nil }

func (t *stubTransport) IsConnected() bool { return true }

// lastCommand decodes the most recent published control frame, if any.
func (t *stubTransport) lastCommand() (*codec.CommandFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.published) - 1; i >= 0; i-- {
		frame, err := codec.DecodeControl(t.published[i].payload)
		if err != nil {
			continue
		}
		if cmd, ok := frame.(*codec.CommandFrame); ok {
			return cmd, true
		}
	}
	return nil, false
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Output: "stderr"}, "test")
}

type testEnv struct {
	srv        *Server
	registry   *registry.Registry
	dispatcher *server.Dispatcher
	transport  *stubTransport
	feed       *sink.Feed
	http       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := registry.NewRegistry(newMemRepo(), registry.Config{})
	feed := sink.NewFeed(64)
	transport := &stubTransport{}
	dispatcher := server.NewDispatcher(transport, reg, 5*time.Second, 0, 1)

	srv, err := New(Deps{
		Logger:     testLogger(),
		Registry:   reg,
		Dispatcher: dispatcher,
		Feed:       feed,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.startedAt = time.Now().UTC()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testEnv{
		srv:        srv,
		registry:   reg,
		dispatcher: dispatcher,
		transport:  transport,
		feed:       feed,
		http:       ts,
	}
}

// seedDevice registers an endpoint so it is addressable.
func (e *testEnv) seedDevice(t *testing.T, endpoint string) {
	t.Helper()
	_, err := e.registry.Register(context.Background(), "default", &codec.RegisterFrame{
		Endpoint:    endpoint,
		Lifetime:    3600,
		BindingMode: "U",
		Version:     "1.0",
	})
	if err != nil {
		t.Fatalf("seed register %s: %v", endpoint, err)
	}
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return body
}

func postJSON(t *testing.T, url string, payload any, wantStatus int) map[string]any {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	body := getJSON(t, env.http.URL+"/api/health", http.StatusOK)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")
	env.seedDevice(t, "bkr-panel-a-02")

	body := getJSON(t, env.http.URL+"/api/devices", http.StatusOK)
	if got := body["count"].(float64); got != 2 {
		t.Errorf("count = %v, want 2", got)
	}
	devices := body["devices"].([]any)
	first := devices[0].(map[string]any)
	if first["endpoint_id"] != "bkr-panel-a-01" {
		t.Errorf("first device = %v, want bkr-panel-a-01", first["endpoint_id"])
	}
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	body := getJSON(t, env.http.URL+"/api/devices/bkr-panel-a-01", http.StatusOK)
	if body["endpoint_id"] != "bkr-panel-a-01" {
		t.Errorf("endpoint_id = %v", body["endpoint_id"])
	}
	if body["state"] != string(registry.StateRegistered) {
		t.Errorf("state = %v, want %s", body["state"], registry.StateRegistered)
	}

	errBody := getJSON(t, env.http.URL+"/api/devices/nope", http.StatusNotFound)
	if errBody["code"] != ErrCodeNotFound {
		t.Errorf("error code = %v, want %s", errBody["code"], ErrCodeNotFound)
	}
}

func TestDeviceMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	metrics := []codec.Metric{
		{Name: "current_a_amps", Type: codec.DataTypeDouble, Value: 14.2, Timestamp: 1700000000000},
		{Name: "breaker_state", Type: codec.DataTypeString, Value: "closed", Timestamp: 1700000000000},
	}
	if err := env.registry.RecordMetrics(context.Background(), "bkr-panel-a-01", metrics, 1700000000000, time.Now()); err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}

	body := getJSON(t, env.http.URL+"/api/devices/bkr-panel-a-01/metrics", http.StatusOK)
	if got := body["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
	list := body["metrics"].([]any)
	first := list[0].(map[string]any)
	if first["name"] != "breaker_state" || first["value"] != "closed" {
		t.Errorf("first metric = %v", first)
	}
}

// stubHistory records range queries and returns a canned result.
type stubHistory struct {
	mu       sync.Mutex
	endpoint string
	metric   string
	start    time.Time
	end      time.Time
	step     time.Duration
}

func (h *stubHistory) QueryMetricRange(_ context.Context, endpointID, metric string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoint, h.metric, h.start, h.end, h.step = endpointID, metric, start, end, step
	return json.RawMessage(`{"status":"success","data":{"result":[]}}`), nil
}

func TestDeviceHistory(t *testing.T) {
	env := newTestEnv(t)
	hist := &stubHistory{}
	env.srv.history = hist
	env.seedDevice(t, "bkr-0001")

	start := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	url := fmt.Sprintf("%s/api/devices/bkr-0001/history?metric=current_a_amps&start=%s&end=%s&step=1m",
		env.http.URL, start.Format(time.RFC3339), end.Format(time.RFC3339))

	body := getJSON(t, url, http.StatusOK)
	if body["endpoint"] != "bkr-0001" || body["metric"] != "current_a_amps" {
		t.Errorf("response identity = %v/%v", body["endpoint"], body["metric"])
	}

	hist.mu.Lock()
	if hist.endpoint != "bkr-0001" || hist.metric != "current_a_amps" {
		t.Errorf("query = %s/%s, want bkr-0001/current_a_amps", hist.endpoint, hist.metric)
	}
	if !hist.start.Equal(start) || !hist.end.Equal(end) {
		t.Errorf("range = %v..%v, want %v..%v", hist.start, hist.end, start, end)
	}
	if hist.step != time.Minute {
		t.Errorf("step = %v, want 1m", hist.step)
	}
	hist.mu.Unlock()
}

func TestDeviceHistoryValidation(t *testing.T) {
	env := newTestEnv(t)
	env.srv.history = &stubHistory{}
	env.seedDevice(t, "bkr-0001")

	getJSON(t, env.http.URL+"/api/devices/bkr-0001/history", http.StatusBadRequest)
	getJSON(t, env.http.URL+"/api/devices/bkr-0001/history?metric=current_a_amps&start=yesterday", http.StatusBadRequest)
	getJSON(t, env.http.URL+"/api/devices/bkr-0001/history?metric=current_a_amps&step=-5s", http.StatusBadRequest)
	getJSON(t, env.http.URL+"/api/devices/bkr-9999/history?metric=current_a_amps", http.StatusNotFound)
}

func TestDeviceHistoryUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-0001")

	getJSON(t, env.http.URL+"/api/devices/bkr-0001/history?metric=current_a_amps", http.StatusServiceUnavailable)
}

func TestDeviceEventsLimitValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	body := getJSON(t, env.http.URL+"/api/devices/bkr-panel-a-01/events", http.StatusOK)
	if got := body["count"].(float64); got < 1 {
		t.Errorf("expected at least the registration event, count = %v", got)
	}

	resp, err := http.Get(env.http.URL + "/api/devices/bkr-panel-a-01/events?limit=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}
}

func TestDispatchCommandLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	body := postJSON(t, env.http.URL+"/api/devices/bkr-panel-a-01/commands",
		map[string]any{"command": "trip"}, http.StatusAccepted)

	commandID, _ := body["command_id"].(string)
	if commandID == "" {
		t.Fatal("missing command_id in 202 body")
	}
	if body["status"] != "pending" {
		t.Errorf("status = %v, want pending", body["status"])
	}

	// The frame must have gone out on the device's command topic.
	cmd, ok := env.transport.lastCommand()
	if !ok {
		t.Fatal("no command frame published")
	}
	if cmd.Command != "trip" || cmd.CommandID != commandID {
		t.Errorf("published frame = %+v", cmd)
	}

	// Still pending until the device answers.
	pending := getJSON(t, env.http.URL+"/api/commands/"+commandID, http.StatusOK)
	if pending["status"] != "pending" {
		t.Errorf("status = %v, want pending", pending["status"])
	}

	resolved := env.dispatcher.Resolve(&codec.ResponseFrame{
		Endpoint:  "bkr-panel-a-01",
		CommandID: commandID,
		Status:    codec.StatusOK,
		Result:    map[string]any{"state": "tripped"},
	})
	if !resolved {
		t.Fatal("Resolve returned false for pending command")
	}

	done := getJSON(t, env.http.URL+"/api/commands/"+commandID, http.StatusOK)
	if done["status"] != codec.StatusOK {
		t.Errorf("status = %v, want ok", done["status"])
	}
	result := done["result"].(map[string]any)
	if result["state"] != "tripped" {
		t.Errorf("result = %v", result)
	}
}

func TestDispatchCommandErrors(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	tests := []struct {
		name       string
		endpoint   string
		body       any
		wantStatus int
	}{
		{"unknown device", "ghost", map[string]any{"command": "trip"}, http.StatusNotFound},
		{"missing command", "bkr-panel-a-01", map[string]any{}, http.StatusBadRequest},
		{"invalid json", "bkr-panel-a-01", "not-an-object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			postJSON(t, env.http.URL+"/api/devices/"+tt.endpoint+"/commands", tt.body, tt.wantStatus)
		})
	}
}

func TestGetCommandUnknown(t *testing.T) {
	env := newTestEnv(t)
	getJSON(t, env.http.URL+"/api/commands/no-such-id", http.StatusNotFound)
}

func TestApplyParameters(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	// Answer the configure command as the device would.
	responderDone := make(chan struct{})
	go func() {
		defer close(responderDone)
		deadline := time.After(3 * time.Second)
		for {
			if cmd, ok := env.transport.lastCommand(); ok && cmd.Command == "configure" {
				env.dispatcher.Resolve(&codec.ResponseFrame{
					Endpoint:  cmd.Endpoint,
					CommandID: cmd.CommandID,
					Status:    codec.StatusOK,
					Result: map[string]any{
						"trip_threshold_a": "applied",
						"bogus_setting":    "rejected: unknown parameter",
					},
				})
				return
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	body := postJSON(t, env.http.URL+"/api/devices/bkr-panel-a-01/parameters",
		map[string]any{
			"template": "standard_protection",
			"settings": map[string]any{"trip_threshold_a": 40, "bogus_setting": 1},
		}, http.StatusOK)
	<-responderDone

	result := body["result"].(map[string]any)
	if result["trip_threshold_a"] != "applied" {
		t.Errorf("trip_threshold_a = %v, want applied", result["trip_threshold_a"])
	}
	if !strings.HasPrefix(result["bogus_setting"].(string), "rejected") {
		t.Errorf("bogus_setting = %v, want per-name rejection", result["bogus_setting"])
	}
}

func TestApplyParametersValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	postJSON(t, env.http.URL+"/api/devices/bkr-panel-a-01/parameters",
		map[string]any{}, http.StatusBadRequest)
}

func TestPollEvents(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.feed.Emit(sink.Event{
			Type:     sink.TypeData,
			Endpoint: fmt.Sprintf("bkr-%d", i),
		})
	}

	body := getJSON(t, env.http.URL+"/events?after=2&max=2", http.StatusOK)
	if got := body["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
	events := body["events"].([]any)
	first := events[0].(map[string]any)
	if first["offset"].(float64) != 3 {
		t.Errorf("first offset = %v, want 3", first["offset"])
	}
	if body["next"].(float64) != 4 {
		t.Errorf("next = %v, want 4", body["next"])
	}
	if body["latest"].(float64) != 5 {
		t.Errorf("latest = %v, want 5", body["latest"])
	}

	// Re-polling the same cursor redelivers.
	again := getJSON(t, env.http.URL+"/events?after=2&max=2", http.StatusOK)
	if again["next"].(float64) != 4 {
		t.Errorf("repoll next = %v, want 4", again["next"])
	}

	// Empty page keeps the caller's cursor.
	empty := getJSON(t, env.http.URL+"/events?after=5", http.StatusOK)
	if empty["count"].(float64) != 0 || empty["next"].(float64) != 5 {
		t.Errorf("tail poll = count %v next %v", empty["count"], empty["next"])
	}

	resp, err := http.Get(env.http.URL + "/events?after=-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("after=-1 status = %d, want 400", resp.StatusCode)
	}
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seedDevice(t, "bkr-panel-a-01")

	body := getJSON(t, env.http.URL+"/api/system/status", http.StatusOK)
	fleet := body["fleet"].(map[string]any)
	if fleet["total"].(float64) != 1 || fleet["registered"].(float64) != 1 {
		t.Errorf("fleet = %v", fleet)
	}
	if body["pending_commands"].(float64) != 0 {
		t.Errorf("pending_commands = %v, want 0", body["pending_commands"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v", body["version"])
	}
}

func TestUnavailableWithoutDependencies(t *testing.T) {
	reg := registry.NewRegistry(newMemRepo(), registry.Config{})
	srv, err := New(Deps{Logger: testLogger(), Registry: reg, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/events without feed = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/devices/x/commands", "application/json", strings.NewReader(`{"command":"trip"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("commands without dispatcher = %d, want 503", resp.StatusCode)
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := New(Deps{Registry: registry.NewRegistry(newMemRepo(), registry.Config{})}); err == nil {
		t.Error("expected error without logger")
	}
}
