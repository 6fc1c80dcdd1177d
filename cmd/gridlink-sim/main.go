// GridLink Sim - Breaker Fleet Simulator
//
// Runs a fleet of simulated smart circuit breakers against a live MQTT
// broker. Each device is a full dual-protocol session: it registers on
// the management plane, streams binary telemetry with birth/data/death
// framing, batches resource notifications into bulk frames, and
// answers commands (trip, close, reset, configure).
//
// Used for soak-testing the fleet server and for demos without
// hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/config"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/logging"
	"github.com/gridlink-systems/gridlink-core/internal/infrastructure/mqtt"
	"github.com/gridlink-systems/gridlink-core/internal/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting GridLink Sim", "version", version, "commit", commit)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath,
		"devices", cfg.Simulator.DeviceCount,
	)

	// One broker connection carries every simulated device; topics keep
	// the sessions apart. The client id is suffixed so the simulator
	// can share a config file with the server.
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = cfg.MQTT.Broker.ClientID + "-sim"

	mqttClient, err := mqtt.Connect(mqttCfg)
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
		"broker", fmt.Sprintf("%s:%d", mqttCfg.Broker.Host, mqttCfg.Broker.Port),
		"client_id", mqttCfg.Broker.ClientID,
	)

	transport := &mqttTransport{client: mqttClient}

	var wg sync.WaitGroup
	for i := 1; i <= cfg.Simulator.DeviceCount; i++ {
		endpoint := endpointName(cfg.Simulator.EndpointPrefix, i)

		sess, err := session.New(session.Config{
			EndpointID:          endpoint,
			GroupID:             cfg.Fleet.GroupID,
			Lifetime:            cfg.GetSimulatorLifetime(),
			TelemetryInterval:   cfg.GetTelemetryInterval(),
			TickInterval:        cfg.GetTickInterval(),
			BulkSize:            cfg.Simulator.BulkSize,
			BulkInterval:        cfg.GetBulkInterval(),
			RegisterTimeout:     cfg.GetRegisterTimeout(),
			RegisterMaxAttempts: cfg.Simulator.RegisterMaxAttempts,
			QoS:                 byte(cfg.MQTT.QoS),
			Seed:                int64(i),
		}, session.Deps{
			Transport: transport,
			Logger:    log.With("endpoint", endpoint),
		})
		if err != nil {
			return fmt.Errorf("creating session %s: %w", endpoint, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if runErr := sess.Run(ctx); runErr != nil && ctx.Err() == nil {
				log.Error("session failed", "endpoint", endpoint, "error", runErr)
			}
		}()
	}
	log.Info("fleet running", "devices", cfg.Simulator.DeviceCount)

	<-ctx.Done()
	log.Info("shutdown signal received, draining sessions")

	// Sessions deregister and publish death frames on their way out.
	wg.Wait()

	log.Info("GridLink Sim stopped")
	return nil
}

// endpointName builds the nth simulated endpoint id.
func endpointName(prefix string, n int) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

// loadConfig resolves and loads the configuration, falling back to
// built-in defaults when the default path is absent.
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

func getConfigPath() string {
	if path := os.Getenv("GRIDLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// mqttTransport adapts the infrastructure MQTT client to the session's
// transport interface.
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
