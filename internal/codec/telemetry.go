package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataType identifies the wire type of a telemetry metric value.
// Codes follow the Sparkplug B datatype table.
type DataType uint32

// Metric datatype codes.
const (
	DataTypeInt8    DataType = 1
	DataTypeInt16   DataType = 2
	DataTypeInt32   DataType = 3
	DataTypeInt64   DataType = 4
	DataTypeUInt8   DataType = 5
	DataTypeUInt16  DataType = 6
	DataTypeUInt32  DataType = 7
	DataTypeUInt64  DataType = 8
	DataTypeFloat   DataType = 9
	DataTypeDouble  DataType = 10
	DataTypeBoolean DataType = 11
	DataTypeString  DataType = 12
)

// String returns the datatype label used in events and the metric mirror.
func (d DataType) String() string {
	switch d {
	case DataTypeInt8:
		return "int8"
	case DataTypeInt16:
		return "int16"
	case DataTypeInt32:
		return "int32"
	case DataTypeInt64:
		return "int64"
	case DataTypeUInt8:
		return "uint8"
	case DataTypeUInt16:
		return "uint16"
	case DataTypeUInt32:
		return "uint32"
	case DataTypeUInt64:
		return "uint64"
	case DataTypeFloat:
		return "float"
	case DataTypeDouble:
		return "double"
	case DataTypeBoolean:
		return "boolean"
	case DataTypeString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(d))
	}
}

// Well-known metric names shared by device sessions and the server.
const (
	// MetricBdSeq carries the birth-death sequence on birth and death frames.
	MetricBdSeq = "bdSeq"

	// MetricRebirth commands a device to re-issue its birth frame.
	MetricRebirth = "Node Control/Rebirth"

	// Telemetry-plane breaker commands, boolean-triggered.
	MetricCommandTrip  = "Command/Trip"
	MetricCommandClose = "Command/Close"
	MetricCommandReset = "Command/Reset"
)

// Protobuf field numbers for the telemetry payload message.
const (
	payloadFieldTimestamp = 1
	payloadFieldMetric    = 2
	payloadFieldSeq       = 3
	payloadFieldUUID      = 4
)

// Protobuf field numbers for the metric message. Fields 10-16 form the
// value oneof; exactly one may be present unless the metric is null.
const (
	metricFieldName      = 1
	metricFieldAlias     = 2
	metricFieldTimestamp = 3
	metricFieldDatatype  = 4
	metricFieldIsNull    = 7
	metricFieldInt       = 10
	metricFieldLong      = 11
	metricFieldFloat     = 12
	metricFieldDouble    = 13
	metricFieldBoolean   = 14
	metricFieldString    = 15
	metricFieldBytes     = 16
)

// Metric is a single named (or aliased) telemetry value.
//
// Birth frames carry both Name and Alias to establish the alias
// vocabulary; subsequent data frames may carry only the Alias.
type Metric struct {
	// Name is the metric name (e.g., "current_a_amps"). May be empty on
	// data frames when Alias is set.
	Name string

	// Alias is the compact numeric identifier established at birth.
	// Zero means no alias.
	Alias uint64

	// Timestamp is the sample time in milliseconds since the Unix epoch.
	// Zero means "use the frame timestamp".
	Timestamp int64

	// Type identifies how Value is encoded on the wire.
	Type DataType

	// Value holds the decoded value: int64 for integer types, float32,
	// float64, bool, or string. Nil when IsNull is set.
	Value any

	// IsNull marks a metric with no value (e.g., a death certificate).
	IsNull bool
}

// TelemetryFrame is one decoded telemetry payload.
type TelemetryFrame struct {
	// Timestamp is the frame time in milliseconds since the Unix epoch.
	Timestamp int64

	// Seq is the frame sequence number, 0-255 wrapping. A birth frame
	// always carries Seq 0.
	Seq uint8

	// UUID optionally identifies the payload schema.
	UUID string

	// Metrics are the frame's values in wire order.
	Metrics []Metric
}

// EncodeTelemetry encodes a telemetry frame to its binary wire format.
//
// Fields are written in ascending field-number order so the encoding is
// deterministic: the same frame always produces the same bytes.
//
// Returns:
//   - []byte: Encoded payload
//   - error: ErrUnsupportedType if a metric value does not match its datatype
func EncodeTelemetry(frame *TelemetryFrame) ([]byte, error) {
	buf := make([]byte, 0, 64+32*len(frame.Metrics))

	buf = protowire.AppendTag(buf, payloadFieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(frame.Timestamp))

	for i := range frame.Metrics {
		encoded, err := encodeMetric(&frame.Metrics[i])
		if err != nil {
			return nil, fmt.Errorf("metric %d: %w", i, err)
		}
		buf = protowire.AppendTag(buf, payloadFieldMetric, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}

	buf = protowire.AppendTag(buf, payloadFieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(frame.Seq))

	if frame.UUID != "" {
		buf = protowire.AppendTag(buf, payloadFieldUUID, protowire.BytesType)
		buf = protowire.AppendString(buf, frame.UUID)
	}

	return buf, nil
}

// encodeMetric encodes a single metric message.
func encodeMetric(m *Metric) ([]byte, error) {
	buf := make([]byte, 0, 32)

	if m.Name != "" {
		buf = protowire.AppendTag(buf, metricFieldName, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Name)
	}
	if m.Alias != 0 {
		buf = protowire.AppendTag(buf, metricFieldAlias, protowire.VarintType)
		buf = protowire.AppendVarint(buf, m.Alias)
	}
	if m.Timestamp != 0 {
		buf = protowire.AppendTag(buf, metricFieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Timestamp))
	}
	buf = protowire.AppendTag(buf, metricFieldDatatype, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Type))

	if m.IsNull {
		buf = protowire.AppendTag(buf, metricFieldIsNull, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
		return buf, nil
	}

	return appendMetricValue(buf, m)
}

// appendMetricValue writes the value oneof field matching the datatype.
func appendMetricValue(buf []byte, m *Metric) ([]byte, error) {
	switch m.Type {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeUInt8, DataTypeUInt16:
		v, ok := toInt64(m.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants integer, got %T", ErrUnsupportedType, m.Type, m.Value)
		}
		buf = protowire.AppendTag(buf, metricFieldInt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(uint32(v)))
	case DataTypeInt64, DataTypeUInt32, DataTypeUInt64:
		v, ok := toInt64(m.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants integer, got %T", ErrUnsupportedType, m.Type, m.Value)
		}
		buf = protowire.AppendTag(buf, metricFieldLong, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(v))
	case DataTypeFloat:
		v, ok := toFloat64(m.Value)
		if !ok {
			return nil, fmt.Errorf("%w: float wants number, got %T", ErrUnsupportedType, m.Value)
		}
		buf = protowire.AppendTag(buf, metricFieldFloat, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, math.Float32bits(float32(v)))
	case DataTypeDouble:
		v, ok := toFloat64(m.Value)
		if !ok {
			return nil, fmt.Errorf("%w: double wants number, got %T", ErrUnsupportedType, m.Value)
		}
		buf = protowire.AppendTag(buf, metricFieldDouble, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(v))
	case DataTypeBoolean:
		v, ok := m.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: boolean wants bool, got %T", ErrUnsupportedType, m.Value)
		}
		var bit uint64
		if v {
			bit = 1
		}
		buf = protowire.AppendTag(buf, metricFieldBoolean, protowire.VarintType)
		buf = protowire.AppendVarint(buf, bit)
	case DataTypeString:
		v, ok := m.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: string wants string, got %T", ErrUnsupportedType, m.Value)
		}
		buf = protowire.AppendTag(buf, metricFieldString, protowire.BytesType)
		buf = protowire.AppendString(buf, v)
	default:
		return nil, fmt.Errorf("%w: datatype %d", ErrUnsupportedType, uint32(m.Type))
	}
	return buf, nil
}

// DecodeTelemetry decodes a binary telemetry payload.
//
// Structural violations (truncated fields, wrong wire types) return
// ErrMalformedFrame; an unrecognised metric value tag returns
// ErrUnsupportedType. Both wrap ErrDecode.
func DecodeTelemetry(data []byte) (*TelemetryFrame, error) {
	frame := &TelemetryFrame{}
	seqSeen := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrMalformedFrame)
		}
		data = data[n:]

		switch num {
		case payloadFieldTimestamp:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: timestamp", ErrMalformedFrame)
			}
			frame.Timestamp = int64(v)
			data = data[n:]
		case payloadFieldMetric:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%w: metric wire type", ErrMalformedFrame)
			}
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric bytes", ErrMalformedFrame)
			}
			data = data[n:]
			m, err := decodeMetric(raw)
			if err != nil {
				return nil, err
			}
			frame.Metrics = append(frame.Metrics, *m)
		case payloadFieldSeq:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: seq", ErrMalformedFrame)
			}
			if v > 255 {
				return nil, fmt.Errorf("%w: seq %d out of range", ErrMalformedFrame, v)
			}
			frame.Seq = uint8(v)
			seqSeen = true
			data = data[n:]
		case payloadFieldUUID:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%w: uuid wire type", ErrMalformedFrame)
			}
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: uuid", ErrMalformedFrame)
			}
			frame.UUID = s
			data = data[n:]
		default:
			// Skip unknown payload fields for forward compatibility.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformedFrame, num)
			}
			data = data[n:]
		}
	}

	if !seqSeen {
		return nil, fmt.Errorf("%w: missing seq", ErrMalformedFrame)
	}
	return frame, nil
}

// decodeMetric decodes a single embedded metric message.
func decodeMetric(data []byte) (*Metric, error) {
	m := &Metric{}
	valueSeen := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: metric tag", ErrMalformedFrame)
		}
		data = data[n:]

		switch num {
		case metricFieldName:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric name", ErrMalformedFrame)
			}
			m.Name = s
			data = data[n:]
		case metricFieldAlias:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric alias", ErrMalformedFrame)
			}
			m.Alias = v
			data = data[n:]
		case metricFieldTimestamp:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric timestamp", ErrMalformedFrame)
			}
			m.Timestamp = int64(v)
			data = data[n:]
		case metricFieldDatatype:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric datatype", ErrMalformedFrame)
			}
			m.Type = DataType(v)
			data = data[n:]
		case metricFieldIsNull:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric is_null", ErrMalformedFrame)
			}
			m.IsNull = v != 0
			data = data[n:]
		case metricFieldInt:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: int value", ErrMalformedFrame)
			}
			m.Value = int64(int32(uint32(v)))
			valueSeen = true
			data = data[n:]
		case metricFieldLong:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: long value", ErrMalformedFrame)
			}
			m.Value = int64(v)
			valueSeen = true
			data = data[n:]
		case metricFieldFloat:
			if typ != protowire.Fixed32Type {
				return nil, fmt.Errorf("%w: float wire type", ErrMalformedFrame)
			}
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: float value", ErrMalformedFrame)
			}
			m.Value = math.Float32frombits(v)
			valueSeen = true
			data = data[n:]
		case metricFieldDouble:
			if typ != protowire.Fixed64Type {
				return nil, fmt.Errorf("%w: double wire type", ErrMalformedFrame)
			}
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: double value", ErrMalformedFrame)
			}
			m.Value = math.Float64frombits(v)
			valueSeen = true
			data = data[n:]
		case metricFieldBoolean:
			v, n := consumeVarint(data, typ)
			if n < 0 {
				return nil, fmt.Errorf("%w: boolean value", ErrMalformedFrame)
			}
			m.Value = v != 0
			valueSeen = true
			data = data[n:]
		case metricFieldString:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: string value", ErrMalformedFrame)
			}
			m.Value = s
			valueSeen = true
			data = data[n:]
		case metricFieldBytes:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bytes value", ErrMalformedFrame)
			}
			m.Value = append([]byte(nil), raw...)
			valueSeen = true
			data = data[n:]
		default:
			if num >= metricFieldInt {
				// An unrecognised tag in the value oneof range means a
				// value type this codec cannot represent.
				return nil, fmt.Errorf("%w: value field %d", ErrUnsupportedType, num)
			}
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: metric field %d", ErrMalformedFrame, num)
			}
			data = data[n:]
		}
	}

	if !valueSeen && !m.IsNull {
		return nil, fmt.Errorf("%w: metric has no value", ErrMalformedFrame)
	}
	return m, nil
}

// consumeVarint reads a varint after verifying the wire type.
// Returns n < 0 on any violation, matching protowire conventions.
func consumeVarint(data []byte, typ protowire.Type) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, -1
	}
	return protowire.ConsumeVarint(data)
}

// NextSeq returns the sequence number that must follow prev.
func NextSeq(prev uint8) uint8 {
	return prev + 1 // uint8 wraps at 255 naturally
}

// toInt64 converts the supported integer representations to int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// toFloat64 converts the supported numeric representations to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
