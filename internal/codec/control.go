package codec

import (
	"encoding/json"
	"fmt"
)

// FrameKind tags a control frame variant.
type FrameKind string

// Control frame kinds.
const (
	KindRegister   FrameKind = "register"
	KindUpdate     FrameKind = "update"
	KindDeregister FrameKind = "deregister"
	KindCommand    FrameKind = "command"
	KindResponse   FrameKind = "response"
	KindBulk       FrameKind = "bulk"
)

// ObjectTree is the LwM2M-style resource model carried by registration
// frames: object id -> instance id -> resource id -> value. Keys are
// decimal strings because they live in JSON.
type ObjectTree map[string]map[string]map[string]any

// ControlFrame is implemented by every control frame variant.
type ControlFrame interface {
	// FrameKind returns the variant tag.
	FrameKind() FrameKind

	// EndpointID returns the device endpoint the frame belongs to.
	EndpointID() string
}

// RegisterFrame announces a device and its resource model.
// Topic: mgmt/{endpoint}/register
type RegisterFrame struct {
	Endpoint    string     `json:"endpoint"`
	Lifetime    int64      `json:"lifetime"`
	BindingMode string     `json:"binding_mode"`
	Version     string     `json:"version"`
	Objects     ObjectTree `json:"objects,omitempty"`
}

// FrameKind returns KindRegister.
func (f *RegisterFrame) FrameKind() FrameKind { return KindRegister }

// EndpointID returns the device endpoint.
func (f *RegisterFrame) EndpointID() string { return f.Endpoint }

// UpdateFrame refreshes a registration before its lifetime expires.
// Lifetime 0 means "keep the current lifetime"; a nil Objects map means
// the resource model is unchanged.
// Topic: mgmt/{endpoint}/update
type UpdateFrame struct {
	Endpoint string     `json:"endpoint"`
	Lifetime int64      `json:"lifetime,omitempty"`
	Objects  ObjectTree `json:"objects,omitempty"`
}

// FrameKind returns KindUpdate.
func (f *UpdateFrame) FrameKind() FrameKind { return KindUpdate }

// EndpointID returns the device endpoint.
func (f *UpdateFrame) EndpointID() string { return f.Endpoint }

// DeregisterFrame removes a registration on graceful shutdown.
// Topic: mgmt/{endpoint}/deregister
type DeregisterFrame struct {
	Endpoint string `json:"endpoint"`
}

// FrameKind returns KindDeregister.
func (f *DeregisterFrame) FrameKind() FrameKind { return KindDeregister }

// EndpointID returns the device endpoint.
func (f *DeregisterFrame) EndpointID() string { return f.Endpoint }

// CommandFrame carries a server-dispatched command to a device.
// Topic: mgmt/{endpoint}/command
type CommandFrame struct {
	Endpoint   string         `json:"endpoint"`
	CommandID  string         `json:"command_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Timestamp is when the command was issued, milliseconds since epoch.
	Timestamp int64 `json:"ts,omitempty"`
}

// FrameKind returns KindCommand.
func (f *CommandFrame) FrameKind() FrameKind { return KindCommand }

// EndpointID returns the device endpoint.
func (f *CommandFrame) EndpointID() string { return f.Endpoint }

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ResponseFrame answers a command (device to server) or acknowledges a
// registration operation (server to device, with CommandID set to the
// operation kind, e.g. "register").
// Topic: mgmt/{endpoint}/response, or mgmt/{endpoint}/command for acks.
type ResponseFrame struct {
	Endpoint  string         `json:"endpoint"`
	CommandID string         `json:"command_id"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`

	// Timestamp is when the response was produced, milliseconds since epoch.
	Timestamp int64 `json:"ts,omitempty"`
}

// FrameKind returns KindResponse.
func (f *ResponseFrame) FrameKind() FrameKind { return KindResponse }

// EndpointID returns the device endpoint.
func (f *ResponseFrame) EndpointID() string { return f.Endpoint }

// OperationKind classifies a bulk management operation.
type OperationKind string

// Operation kinds carried in bulk frames.
const (
	OpRead    OperationKind = "read"
	OpWrite   OperationKind = "write"
	OpObserve OperationKind = "observe"
	OpNotify  OperationKind = "notify"
	OpExecute OperationKind = "execute"
)

// Operation is a single management operation result inside a bulk frame.
type Operation struct {
	// Path addresses the resource, "objectId/instanceId/resourceId".
	Path string `json:"path"`

	// Kind classifies the operation.
	Kind OperationKind `json:"kind"`

	// Value is the operation result or written value.
	Value any `json:"value,omitempty"`

	// Timestamp is the operation time in milliseconds since the epoch.
	// Zero means the receiver stamps the bulk frame's receipt time.
	Timestamp int64 `json:"ts,omitempty"`
}

// BulkFrame batches management operations into one transport message.
// Topic: mgmt/{endpoint}/bulk
type BulkFrame struct {
	Endpoint   string      `json:"endpoint"`
	BatchSeq   uint64      `json:"batch_seq"`
	Operations []Operation `json:"operations"`
}

// FrameKind returns KindBulk.
func (f *BulkFrame) FrameKind() FrameKind { return KindBulk }

// EndpointID returns the device endpoint.
func (f *BulkFrame) EndpointID() string { return f.Endpoint }

// envelope adds the kind tag to an encoded frame and recovers it when
// decoding.
type envelope struct {
	Kind FrameKind `json:"kind"`
}

// EncodeControl encodes a control frame as its tagged JSON envelope.
//
// Returns:
//   - []byte: JSON document with a "kind" tag plus the frame's fields
//   - error: If the frame cannot be marshalled
func EncodeControl(frame ControlFrame) ([]byte, error) {
	if frame == nil {
		return nil, fmt.Errorf("codec: nil control frame")
	}
	if frame.EndpointID() == "" {
		return nil, fmt.Errorf("codec: control frame missing endpoint")
	}

	// Marshal the concrete frame, then splice in the kind tag. Two passes
	// keep each frame type a plain struct without an embedded tag field.
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %s frame: %w", frame.FrameKind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("codec: marshal %s frame: %w", frame.FrameKind(), err)
	}
	kindTag, _ := json.Marshal(frame.FrameKind())
	fields["kind"] = kindTag

	return json.Marshal(fields)
}

// DecodeControl decodes a tagged JSON control frame into its variant.
//
// The kind switch is exhaustive over the defined frame kinds; anything
// else returns ErrUnknownKind. Malformed JSON or a missing endpoint
// returns ErrMalformedFrame. Both wrap ErrDecode.
func DecodeControl(data []byte) (ControlFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame ControlFrame
	switch env.Kind {
	case KindRegister:
		frame = &RegisterFrame{}
	case KindUpdate:
		frame = &UpdateFrame{}
	case KindDeregister:
		frame = &DeregisterFrame{}
	case KindCommand:
		frame = &CommandFrame{}
	case KindResponse:
		frame = &ResponseFrame{}
	case KindBulk:
		frame = &BulkFrame{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %s frame: %v", ErrMalformedFrame, env.Kind, err)
	}
	if frame.EndpointID() == "" {
		return nil, fmt.Errorf("%w: %s frame missing endpoint", ErrMalformedFrame, env.Kind)
	}

	return frame, nil
}
