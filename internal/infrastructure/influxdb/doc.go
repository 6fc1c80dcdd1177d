// Package influxdb provides InfluxDB connectivity for the GridLink fleet server.
//
// It wraps the official influxdb-client-go v2 library with GridLink-specific
// patterns for connection management, metric writing, and health monitoring.
//
// This is the alternative telemetry history backend; VictoriaMetrics (tsdb
// package) is the default. The backend is chosen via history.backend in
// config.yaml.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Breaker telemetry (current, voltage, power, temperature)
//   - Breaker state transitions
//   - Energy consumption tracking
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "gridlink",
//	    Bucket: "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Write breaker telemetry
//	client.WriteBreakerMetric("breaker-0001", "current_amps", 12.4, sampleTime)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This reduces network overhead for high-frequency telemetry data.
package influxdb
