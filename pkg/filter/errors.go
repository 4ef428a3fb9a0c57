package filter

import "errors"

// Topic filter validation errors.
var (
	// ErrEmptyTopic indicates the topic filter is empty.
	ErrEmptyTopic = errors.New("topic filter must not be empty")

	// ErrTopicTooLong indicates the topic filter exceeds 65535 bytes.
	ErrTopicTooLong = errors.New("topic filter exceeds maximum length")

	// ErrNullCharacter indicates the topic filter contains a null character.
	ErrNullCharacter = errors.New("topic filter must not contain null character")

	// ErrInvalidMultiWildcard indicates invalid multi-level wildcard usage.
	ErrInvalidMultiWildcard = errors.New("multi-level wildcard must occupy entire level and be last")

	// ErrInvalidSingleWildcard indicates invalid single-level wildcard usage.
	ErrInvalidSingleWildcard = errors.New("single-level wildcard must occupy entire level")

	// ErrUnknownType indicates a packet type name that is not part of MQTT 3.1.1.
	ErrUnknownType = errors.New("unknown packet type")
)
