// Package codec encodes and decodes the two wire formats that share a
// device's MQTT connection: binary Sparkplug-style telemetry frames and
// JSON management control frames.
//
// Telemetry frames are protobuf-encoded by hand using protowire so the
// wire layout is explicit and deterministic (no generated code). Control
// frames are tagged JSON variants with one Go type per frame kind, so an
// unknown or malformed frame is an explicit decode error rather than a
// missing map key at runtime.
//
// The package also owns the topic grammar for both protocol planes:
//
//	mgmt/{endpoint}/register|update|deregister|command|response|bulk
//	telemetry/{group}/birth|data|death|command/{endpoint}
//
// All functions are pure; session and registry state live elsewhere.
package codec
