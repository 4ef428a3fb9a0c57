package packet

import "errors"

// Sentinel errors for framing and decoding.
var (
	// ErrIncomplete indicates more bytes are needed before the message
	// length can be determined. It is a "wait for input" signal, not a failure.
	ErrIncomplete = errors.New("incomplete data")

	// ErrMalformedLength indicates the remaining length ran past 4 bytes.
	ErrMalformedLength = errors.New("malformed remaining length")

	// ErrTruncated indicates a field needs more bytes than the remaining length allows.
	ErrTruncated = errors.New("truncated message")

	// ErrBudgetMismatch indicates the fields did not consume exactly the remaining length.
	ErrBudgetMismatch = errors.New("remaining length mismatch")

	// ErrUnknownType indicates a reserved message type (0 or 15).
	ErrUnknownType = errors.New("unknown message type")

	// ErrMessageTooLarge indicates a frame exceeds the configured maximum size.
	ErrMessageTooLarge = errors.New("message too large")
)
