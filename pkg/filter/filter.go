// Package filter selects which decoded messages are passed on to sinks,
// by packet type and by MQTT topic filter.
package filter

import (
	"fmt"
	"strings"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// Config configures a Filter. The zero value passes everything.
type Config struct {
	// Types limits output to these packet types (empty = all).
	Types []packet.Type

	// Topics are MQTT topic filters. Messages that carry topics (PUBLISH,
	// SUBSCRIBE, UNSUBSCRIBE, CONNECT with a will) pass if any of their
	// topics matches any filter. Messages without topics are not affected.
	Topics []string

	// MalformedOnly passes only messages that failed to decode.
	MalformedOnly bool
}

// Filter is an immutable capture filter, safe for concurrent use.
type Filter struct {
	types         map[packet.Type]bool
	topics        []string
	malformedOnly bool
}

// New validates cfg and builds a Filter.
func New(cfg Config) (*Filter, error) {
	f := &Filter{malformedOnly: cfg.MalformedOnly}

	if len(cfg.Types) > 0 {
		f.types = make(map[packet.Type]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			f.types[t] = true
		}
	}

	for _, topic := range cfg.Topics {
		if err := ValidateTopicFilter(topic); err != nil {
			return nil, fmt.Errorf("topic filter %q: %w", topic, err)
		}
		f.topics = append(f.topics, topic)
	}

	return f, nil
}

// ParseTypes parses a comma-separated list of packet type names such as
// "PUBLISH,SUBSCRIBE". Names are case-insensitive.
func ParseTypes(s string) ([]packet.Type, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var types []packet.Type
	for _, name := range strings.Split(s, ",") {
		t, err := packet.ParseType(strings.ToUpper(strings.TrimSpace(name)))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
		}
		types = append(types, t)
	}
	return types, nil
}

// Match reports whether msg passes the filter. A nil Filter passes everything.
func (f *Filter) Match(msg *dissect.Message) bool {
	if f == nil {
		return true
	}
	if f.malformedOnly && !msg.Malformed() {
		return false
	}
	if f.types != nil && !f.types[msg.Type] {
		return false
	}
	if len(f.topics) == 0 {
		return true
	}

	topics := Topics(msg)
	if len(topics) == 0 {
		return true
	}
	for _, topic := range topics {
		for _, filter := range f.topics {
			if MatchTopic(filter, topic) {
				return true
			}
		}
	}
	return false
}

// Topics returns every topic name or topic filter a message carries.
func Topics(msg *dissect.Message) []string {
	switch b := msg.Body.(type) {
	case *dissect.Publish:
		return []string{b.Topic}
	case *dissect.Subscribe:
		topics := make([]string, len(b.Topics))
		for i, t := range b.Topics {
			topics[i] = t.Topic
		}
		return topics
	case *dissect.Unsubscribe:
		return b.Topics
	case *dissect.Connect:
		if b.WillFlag && b.WillTopic != "" {
			return []string{b.WillTopic}
		}
	}
	return nil
}
