// GridLink Core - Fleet Transport Server
//
// This is the main entry point for the GridLink fleet server. It
// terminates both protocol planes for a fleet of smart circuit
// breakers over a single MQTT broker:
//   - Management plane: JSON control frames (register/update/command)
//   - Telemetry plane: binary Sparkplug-style metric frames
//
// Accepted state flows to the registration registry (SQLite), the
// telemetry history backend (VictoriaMetrics or InfluxDB), and the
// downstream event sink (pull feed and/or Kafka).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/gridlink-systems/gridlink-core/migrations"

	"github.com/gridlink-systems/gridlink-core/internal/api"
	"github.com/gridlink-systems/gridlink-core/internal/breaker"
	"github.com/gridlink-systems/gridlink-core/internal/codec"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/config"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/database"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/influxdb"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/logging"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/mqtt"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/tsdb"
	"github.com/gridlink-systems/gridlink-core/internal/registry"
	"github.com/gridlink-systems/gridlink-core/internal/server"
	"github.com/gridlink-systems/gridlink-core/internal/sink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting GridLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise registration registry
	repo := registry.NewSQLiteRepository(db.DB)
	reg := registry.NewRegistry(repo, registry.Config{
		DefaultLifetime:  time.Duration(cfg.Registry.DefaultLifetime) * time.Second,
		HistoryRetention: cfg.Registry.HistoryRetention,
	})
	reg.SetLogger(log)

	if refreshErr := reg.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading registry: %w", refreshErr)
	}
	stats, err := reg.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading registry stats: %w", err)
	}
	log.Info("registry initialised", "registrations", stats.Total)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Event sink: pull feed, Kafka push, or both
	eventSink, feed, publisher := buildSink(cfg, log)
	if publisher != nil {
		defer func() {
			log.Info("closing kafka sink")
			if closeErr := publisher.Close(); closeErr != nil {
				log.Error("error closing kafka sink", "error", closeErr)
			}
		}()
		log.Info("kafka sink connected", "brokers", cfg.Sink.Kafka.Brokers)
	}
	if feed != nil {
		log.Info("pull feed enabled", "capacity", cfg.Sink.FeedCapacity)
	}

	// Telemetry history backend
	history, querier, closeHistory, err := buildHistory(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connecting history backend: %w", err)
	}
	if closeHistory != nil {
		defer closeHistory()
	}

	// Transport core: subscriptions, per-endpoint workers, dispatcher
	core, err := server.New(server.Config{
		GroupID:        cfg.Fleet.GroupID,
		SweepInterval:  cfg.GetExpirySweepInterval(),
		CommandTimeout: cfg.GetCommandTimeout(),
		CommandRetries: cfg.Commands.MaxRetries,
		QoS:            byte(cfg.MQTT.QoS),
	}, server.Deps{
		Transport: &mqttTransport{client: mqttClient},
		Registry:  reg,
		Sink:      eventSink,
		History:   history,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating transport core: %w", err)
	}

	coreErr := make(chan error, 1)
	go func() {
		coreErr <- core.Run(ctx)
	}()
	log.Info("transport core started", "group", cfg.Fleet.GroupID)

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Registry:   reg,
		Dispatcher: core.Dispatcher,
		Feed:       feed,
		History:    querier,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-coreErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("transport core: %w", err)
		}
	}

	log.Info("GridLink Core stopped")
	return nil
}

// loadConfig resolves and loads the configuration. An explicit
// GRIDLINK_CONFIG path must exist; the default path falls back to
// built-in defaults when absent so a bare binary still starts.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if os.Getenv("GRIDLINK_CONFIG") == "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), "(defaults)", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// getConfigPath returns the configuration file path.
// Uses GRIDLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRIDLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildSink assembles the event sink from configuration. The feed is
// returned separately because the API serves it directly; the publisher
// is returned for lifecycle management.
func buildSink(cfg *config.Config, log *logging.Logger) (sink.Sink, *sink.Feed, *sink.Publisher) {
	var (
		feed      *sink.Feed
		publisher *sink.Publisher
	)

	if cfg.Sink.Mode == "pull" || cfg.Sink.Mode == "both" {
		feed = sink.NewFeed(cfg.Sink.FeedCapacity)
	}
	if cfg.Sink.Mode == "push" || cfg.Sink.Mode == "both" {
		publisher = sink.NewPublisher(sink.PublisherConfig{
			Brokers:      cfg.Sink.Kafka.Brokers,
			TopicPrefix:  cfg.Sink.Kafka.TopicPrefix,
			BatchTimeout: time.Duration(cfg.Sink.Kafka.BatchTimeout) * time.Millisecond,
			MaxAttempts:  cfg.Sink.Kafka.MaxAttempts,
		})
		publisher.SetLogger(log)
	}

	switch {
	case feed != nil && publisher != nil:
		return sink.Fanout{feed, publisher}, feed, publisher
	case publisher != nil:
		return publisher, feed, publisher
	case feed != nil:
		return feed, feed, publisher
	default:
		return sink.Discard{}, nil, nil
	}
}

// buildHistory connects the configured time-series backend and wraps it
// in the history writer the transport core consumes. A disabled backend
// returns a nil writer; the core then discards history. The querier is
// only non-nil for VictoriaMetrics, which serves the range-query API.
func buildHistory(ctx context.Context, cfg *config.Config, log *logging.Logger) (server.HistoryWriter, api.HistoryQuerier, func(), error) {
	switch cfg.History.Backend {
	case "victoria":
		if !cfg.History.Victoria.Enabled {
			log.Info("telemetry history disabled")
			return nil, nil, nil, nil
		}
		client, err := tsdb.Connect(ctx, cfg.History.Victoria)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("victoriametrics: %w", err)
		}
		client.SetOnError(func(err error) {
			log.Error("victoriametrics write error", "error", err)
		})
		log.Info("victoriametrics connected", "url", cfg.History.Victoria.URL)
		closeFn := func() {
			log.Info("closing victoriametrics connection")
			if err := client.Close(); err != nil {
				log.Error("error closing victoriametrics", "error", err)
			}
		}
		return &breakerHistory{backend: client}, client, closeFn, nil

	case "influxdb":
		if !cfg.History.InfluxDB.Enabled {
			log.Info("telemetry history disabled")
			return nil, nil, nil, nil
		}
		client, err := influxdb.Connect(cfg.History.InfluxDB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("influxdb: %w", err)
		}
		client.SetOnError(func(err error) {
			log.Error("influxdb write error", "error", err)
		})
		log.Info("influxdb connected",
			"url", cfg.History.InfluxDB.URL,
			"org", cfg.History.InfluxDB.Org,
			"bucket", cfg.History.InfluxDB.Bucket,
		)
		closeFn := func() {
			log.Info("closing influxdb connection")
			if err := client.Close(); err != nil {
				log.Error("error closing influxdb", "error", err)
			}
		}
		return &breakerHistory{backend: client}, nil, closeFn, nil

	default:
		log.Info("telemetry history disabled")
		return nil, nil, nil, nil
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}

// mqttTransport adapts the infrastructure MQTT client to the transport
// interface the core and dispatcher consume. The client's Subscribe
// takes a named handler type, so the interface is not satisfied
// directly.
type mqttTransport struct {
	client *mqtt.Client
}

func (t *mqttTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return t.client.Publish(topic, payload, qos, retained)
}

func (t *mqttTransport) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	return t.client.Subscribe(topic, qos, handler)
}

func (t *mqttTransport) IsConnected() bool {
	return t.client.IsConnected()
}

// breakerStore is the slice of the time-series clients the history
// writer needs; both the VictoriaMetrics and InfluxDB clients satisfy
// it.
type breakerStore interface {
	WriteBreakerMetric(endpointID string, metric string, value float64, ts time.Time)
	WriteBreakerState(endpointID string, state string, ts time.Time)
	WriteEnergyMetric(endpointID string, powerWatts float64, energyKWh float64)
}

// breakerHistory translates accepted telemetry metrics into time-series
// writes. Numeric metrics land as breaker_metrics points, the state
// label as breaker_state, and the power/energy pair as one combined
// energy point.
type breakerHistory struct {
	backend breakerStore
}

func (h *breakerHistory) WriteMetrics(_ context.Context, endpoint string, metrics []codec.Metric, ts time.Time) error {
	var (
		powerKW   float64
		energyKWh float64
		hasPower  bool
		hasEnergy bool
	)

	for i := range metrics {
		m := &metrics[i]
		if m.Name == "" || m.IsNull {
			continue
		}
		when := ts
		if m.Timestamp > 0 {
			when = time.UnixMilli(m.Timestamp)
		}

		if m.Name == breaker.MetricState {
			if state, ok := m.Value.(string); ok {
				h.backend.WriteBreakerState(endpoint, state, when)
			}
			continue
		}

		value, ok := numericValue(m.Value)
		if !ok {
			continue
		}
		h.backend.WriteBreakerMetric(endpoint, m.Name, value, when)

		switch m.Name {
		case breaker.MetricActivePower:
			powerKW, hasPower = value, true
		case breaker.MetricEnergy:
			energyKWh, hasEnergy = value, true
		}
	}

	if hasPower && hasEnergy {
		h.backend.WriteEnergyMetric(endpoint, powerKW*1000, energyKWh)
	}
	return nil
}

// numericValue coerces telemetry metric values to float64.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
