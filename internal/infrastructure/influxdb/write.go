package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteBreakerMetric writes a single breaker telemetry sample to InfluxDB.
//
// This is the primary method for recording decoded telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// The timestamp is the device's sample time, not the receipt time, so
// bulk-uploaded history lands at the instant it was measured.
//
// Parameters:
//   - endpointID: Unique device endpoint (e.g., "breaker-0001")
//   - metric: The metric name (e.g., "current_amps", "temperature_celsius")
//   - value: The numeric value to record
//   - ts: The device sample timestamp
//
// Example:
//
//	client.WriteBreakerMetric("breaker-0001", "current_amps", 12.4, sampleTime)
//	client.WriteBreakerMetric("breaker-0001", "voltage", 239.8, sampleTime)
func (c *Client) WriteBreakerMetric(endpointID string, metric string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"breaker_metrics",
		map[string]string{
			"endpoint_id": endpointID,
			"metric":      metric,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteBreakerState records a breaker state transition (open/closed/tripped/fault).
//
// Parameters:
//   - endpointID: Device endpoint
//   - state: Breaker state label
//   - ts: When the transition was observed
func (c *Client) WriteBreakerState(endpointID string, state string, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"breaker_state",
		map[string]string{
			"endpoint_id": endpointID,
		},
		map[string]interface{}{
			"state": state,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteEnergyMetric writes an energy consumption measurement.
//
// Used for tracking per-breaker load and cumulative energy.
//
// Parameters:
//   - endpointID: Device endpoint
//   - powerWatts: Current power draw in watts
//   - energyKWh: Cumulative energy consumption in kWh (optional, use 0 if unknown)
func (c *Client) WriteEnergyMetric(endpointID string, powerWatts float64, energyKWh float64) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"power_watts": powerWatts,
	}
	if energyKWh > 0 {
		fields["energy_kwh"] = energyKWh
	}

	point := write.NewPoint(
		"energy",
		map[string]string{
			"endpoint_id": endpointID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("server_stats",
//	    map[string]string{"host": "fleet-01"},
//	    map[string]interface{}{"sessions": 42, "pending_commands": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., bulk-uploaded history).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
