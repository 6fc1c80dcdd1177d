package mqtt

import "fmt"

// Topic prefix for GridLink system topics.
//
// Protocol topics (mgmt/... and telemetry/...) are owned by the codec
// package; this file covers only the server's own liveness topics.
const (
	// TopicPrefixSystem is the base for fleet server system topics.
	TopicPrefixSystem = "gridlink/system"
)

// Topics provides builders for GridLink system MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.SystemStatus()
//	// Returns: "gridlink/system/status"
type Topics struct{}

// SystemStatus returns the fleet server status topic.
//
// The server publishes retained online/offline payloads here, and the
// broker publishes the LWT here on unexpected disconnect.
//
// Example: gridlink/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// SystemHealth returns the fleet server health topic.
//
// Periodic health snapshots (uptime, session counts, broker state) are
// published here by the health reporter.
//
// Example: gridlink/system/health
func (Topics) SystemHealth() string {
	return fmt.Sprintf("%s/health", TopicPrefixSystem)
}
