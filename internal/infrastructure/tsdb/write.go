package tsdb

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WriteBreakerMetric writes a single breaker telemetry sample to VictoriaMetrics.
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
	c.addLine(formatLineProtocol(
		"breaker_metrics",
		map[string]string{
			"endpoint_id": endpointID,
			"metric":      metric,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	))
}

// WriteBreakerState records a breaker state transition (open/closed/tripped/fault).
//
// State is written as a string field so dashboards can display the label
// directly; transitions are low-frequency compared to telemetry.
//
// Parameters:
//   - endpointID: Device endpoint
//   - state: Breaker state label
//   - ts: When the transition was observed
func (c *Client) WriteBreakerState(endpointID string, state string, ts time.Time) {
	c.addLine(formatLineProtocol(
		"breaker_state",
		map[string]string{
			"endpoint_id": endpointID,
		},
		map[string]interface{}{
			"state": state,
		},
		ts,
	))
}

// WriteEnergyMetric writes an energy consumption measurement.
//
// Used for tracking per-breaker load and cumulative energy.
//
// Parameters:
//   - endpointID: Device endpoint
//   - powerWatts: Current power draw in watts
//   - energyKWh: Cumulative energy consumption in kWh (use 0 if unknown)
func (c *Client) WriteEnergyMetric(endpointID string, powerWatts float64, energyKWh float64) {
	fields := map[string]interface{}{
		"power_watts": powerWatts,
	}
	if energyKWh > 0 {
		fields["energy_kwh"] = energyKWh
	}

	c.addLine(formatLineProtocol(
		"energy",
		map[string]string{
			"endpoint_id": endpointID,
		},
		fields,
		time.Now(),
	))
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
	c.addLine(formatLineProtocol(measurement, tags, fields, time.Now()))
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
	c.addLine(formatLineProtocol(measurement, tags, fields, timestamp))
}

// formatLineProtocol formats a data point as an InfluxDB line protocol string.
//
// Format: measurement,tag1=val1,tag2=val2 field1=val1,field2=val2 timestamp_ns
//
// VictoriaMetrics accepts this format on the /write endpoint.
func formatLineProtocol(measurement string, tags map[string]string, fields map[string]interface{}, t time.Time) string {
	var b strings.Builder

	// Measurement (escaped to prevent injection)
	b.WriteString(escapeMeasurement(measurement))

	// Tags (sorted for deterministic output and testability)
	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(tags[k]))
	}

	// Fields (sorted for deterministic output)
	fieldKeys := make([]string, 0, len(fields))
	for k := range fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	b.WriteByte(' ')
	first := true
	for _, k := range fieldKeys {
		v := fields[k]
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		switch val := v.(type) {
		case float64:
			b.WriteString(fmt.Sprintf("%g", val))
		case int:
			b.WriteString(fmt.Sprintf("%di", val))
		case int64:
			b.WriteString(fmt.Sprintf("%di", val))
		case bool:
			if val {
				b.WriteString("true")
			} else {
				b.WriteString("false")
			}
		case string:
			b.WriteString(fmt.Sprintf("%q", val))
		default:
			b.WriteString(fmt.Sprintf("%v", val))
		}
	}

	// Timestamp in nanoseconds
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%d", t.UnixNano()))

	return b.String()
}

// escapeTag escapes special characters in tag keys/values per line protocol spec.
// Commas, equals signs, and spaces must be backslash-escaped.
// Newlines are stripped to prevent line protocol injection.
func escapeTag(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, " ", "\\ ")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "=", "\\=")
	return s
}

// escapeMeasurement escapes special characters in measurement names.
// Newlines are stripped to prevent line protocol injection.
func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, " ", "\\ ")
	s = strings.ReplaceAll(s, ",", "\\,")
	return s
}
