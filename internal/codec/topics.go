package codec

import (
	"fmt"
	"strings"
)

// Topic plane prefixes.
const (
	// TopicPrefixMgmt is the management protocol plane.
	TopicPrefixMgmt = "mgmt"

	// TopicPrefixTelemetry is the telemetry protocol plane.
	TopicPrefixTelemetry = "telemetry"
)

// TelemetryKind identifies a telemetry topic's message type.
type TelemetryKind string

// Telemetry message kinds (the third topic segment).
const (
	TelemetryBirth   TelemetryKind = "birth"
	TelemetryData    TelemetryKind = "data"
	TelemetryDeath   TelemetryKind = "death"
	TelemetryCommand TelemetryKind = "command"
)

// MgmtTopic builds a management topic for one endpoint and frame kind.
//
// Example: MgmtTopic("breaker-0001", KindRegister) -> "mgmt/breaker-0001/register"
func MgmtTopic(endpoint string, kind FrameKind) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixMgmt, endpoint, kind)
}

// MgmtWildcard builds the subscription pattern matching one frame kind
// across all endpoints.
//
// Example: MgmtWildcard(KindRegister) -> "mgmt/+/register"
func MgmtWildcard(kind FrameKind) string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixMgmt, kind)
}

// TelemetryTopic builds a telemetry topic.
//
// Example: TelemetryTopic("plant-a", TelemetryData, "breaker-0001")
// -> "telemetry/plant-a/data/breaker-0001"
func TelemetryTopic(group string, kind TelemetryKind, endpoint string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixTelemetry, group, kind, endpoint)
}

// TelemetryWildcard builds the subscription pattern matching one message
// kind for all endpoints in a group.
//
// Example: TelemetryWildcard("plant-a", TelemetryData) -> "telemetry/plant-a/data/+"
func TelemetryWildcard(group string, kind TelemetryKind) string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefixTelemetry, group, kind)
}

// ParsedMgmtTopic is the result of parsing a management topic.
type ParsedMgmtTopic struct {
	Endpoint string
	Kind     FrameKind
}

// ParseMgmtTopic parses "mgmt/{endpoint}/{kind}".
//
// Returns ErrInvalidTopic if the topic does not match the grammar or the
// kind segment is not a known frame kind.
func ParseMgmtTopic(topic string) (ParsedMgmtTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixMgmt || parts[1] == "" {
		return ParsedMgmtTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	kind := FrameKind(parts[2])
	switch kind {
	case KindRegister, KindUpdate, KindDeregister, KindCommand, KindResponse, KindBulk:
	default:
		return ParsedMgmtTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	return ParsedMgmtTopic{Endpoint: parts[1], Kind: kind}, nil
}

// ParsedTelemetryTopic is the result of parsing a telemetry topic.
type ParsedTelemetryTopic struct {
	Group    string
	Kind     TelemetryKind
	Endpoint string
}

// ParseTelemetryTopic parses "telemetry/{group}/{kind}/{endpoint}".
//
// Returns ErrInvalidTopic if the topic does not match the grammar or the
// kind segment is not a known telemetry kind.
func ParseTelemetryTopic(topic string) (ParsedTelemetryTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefixTelemetry || parts[1] == "" || parts[3] == "" {
		return ParsedTelemetryTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	kind := TelemetryKind(parts[2])
	switch kind {
	case TelemetryBirth, TelemetryData, TelemetryDeath, TelemetryCommand:
	default:
		return ParsedTelemetryTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	return ParsedTelemetryTopic{Group: parts[1], Kind: kind, Endpoint: parts[3]}, nil
}
