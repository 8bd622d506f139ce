package forward

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the codec.
var (
	// ErrMalformedFrame is returned when a top-level frame is not a valid
	// forward-protocol array or its elements have the wrong types.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedEntry is returned when a [time, record] entry fails to parse.
	ErrMalformedEntry = errors.New("malformed entry")
	// ErrFrameTooLarge is returned when an incomplete frame exceeds the
	// configured buffer limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrDecoderPoisoned is returned by Feed after a previous decode failure.
	// The decoder must be discarded.
	ErrDecoderPoisoned = errors.New("decoder poisoned by previous failure")
	// ErrUnserializable is returned when an event field cannot be
	// represented in msgpack.
	ErrUnserializable = errors.New("unserializable field")
	// ErrNegativeTime is returned when encoding an event timestamped before
	// the Unix epoch; the forward time slot is unsigned.
	ErrNegativeTime = errors.New("timestamp before unix epoch")
)

// DecodeError describes a failed Feed call. It carries the raw bytes that
// triggered the failure so callers can replay them offline.
type DecodeError struct {
	// Payload is the chunk passed to the failing Feed call.
	Payload []byte
	// Frame holds the isolated bytes of the offending frame, when the
	// failure happened after the frame boundary was found.
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("forward: decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
