package codec

import (
	"errors"
	"fmt"
)

// Decode errors for the codec package.
//
// ErrDecode is the family root: every decode failure wraps it, so callers
// that only care about "this frame is bad, drop it" can check once:
//
//	if errors.Is(err, codec.ErrDecode) {
//	    // log and drop the frame
//	}
var (
	// ErrDecode is the root of all decode failures.
	ErrDecode = errors.New("codec: decode failed")

	// ErrMalformedFrame is returned when a frame's structure is invalid
	// (truncated varint, bad wire type, missing envelope fields).
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrDecode)

	// ErrUnsupportedType is returned when a telemetry metric carries a
	// value tag or datatype code the codec does not recognise.
	ErrUnsupportedType = fmt.Errorf("%w: unsupported value type", ErrDecode)

	// ErrUnknownKind is returned when a control frame's kind tag is not
	// one of the defined frame kinds.
	ErrUnknownKind = fmt.Errorf("%w: unknown frame kind", ErrDecode)

	// ErrInvalidTopic is returned when a topic does not match the
	// protocol grammar.
	ErrInvalidTopic = errors.New("codec: invalid topic")
)
