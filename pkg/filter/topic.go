package filter

import "strings"

const (
	// Separator is the topic level separator.
	Separator = '/'

	// MultiWildcard matches any number of levels (must be last).
	MultiWildcard = '#'

	// SingleWildcard matches exactly one level.
	SingleWildcard = '+'

	// SysPrefix is the prefix for system topics.
	SysPrefix = '$'
)

// ValidateTopicFilter validates an MQTT topic filter (wildcards allowed).
// MQTT 3.1.1 Section 4.7.1
func ValidateTopicFilter(filter string) error {
	if len(filter) == 0 {
		return ErrEmptyTopic
	}
	if len(filter) > 65535 {
		return ErrTopicTooLong
	}

	levels := strings.Split(filter, string(Separator))
	for i, level := range levels {
		if strings.IndexByte(level, 0) >= 0 {
			return ErrNullCharacter
		}

		if strings.ContainsRune(level, MultiWildcard) {
			// # must be alone in its level and be the last level
			if level != string(MultiWildcard) || i != len(levels)-1 {
				return ErrInvalidMultiWildcard
			}
		}

		if strings.ContainsRune(level, SingleWildcard) && level != string(SingleWildcard) {
			return ErrInvalidSingleWildcard
		}
	}

	return nil
}

// MatchTopic reports whether a topic matches a topic filter.
//
// The topic side may itself be a filter taken from a SUBSCRIBE or
// UNSUBSCRIBE; its wildcard characters are then compared literally, so
// "a/+" only matches a capture filter of "a/+", "a/#", "+/+" and so on.
func MatchTopic(filter, topic string) bool {
	if len(filter) == 0 || len(topic) == 0 {
		return false
	}

	// $-prefixed topics don't match filters starting with a wildcard
	if topic[0] == SysPrefix && (filter[0] == MultiWildcard || filter[0] == SingleWildcard) {
		return false
	}

	filterLevels := strings.Split(filter, string(Separator))
	topicLevels := strings.Split(topic, string(Separator))

	for i, level := range filterLevels {
		if level == string(MultiWildcard) {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != string(SingleWildcard) && level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
