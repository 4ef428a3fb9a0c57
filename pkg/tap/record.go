package tap

import (
	"time"

	"github.com/bromq-dev/mqttscope/pkg/dissect"
)

// Direction tells which peer sent a message.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}

// Record is one decoded message as handed to sinks.
type Record struct {
	Conn      dissect.ConnID
	Direction Direction
	Time      time.Time
	Message   *dissect.Message
}

// Envelope is the serializable form of a Record, shared by the sinks that
// ship records off the process (msgpack for Redis and gRPC, JSON for the
// live feed).
type Envelope struct {
	Conn            string          `msgpack:"c" json:"conn"`
	Direction       string          `msgpack:"d" json:"dir"`
	Time            time.Time       `msgpack:"t" json:"time"`
	Offset          int64           `msgpack:"o" json:"offset"`
	Type            string          `msgpack:"y" json:"type"`
	Flags           byte            `msgpack:"f" json:"flags"`
	Layout          string          `msgpack:"l" json:"layout"`
	RemainingLength uint32          `msgpack:"rl" json:"remaining_length"`
	Version         string          `msgpack:"v" json:"version"`
	Fields          []EnvelopeField `msgpack:"fs,omitempty" json:"fields,omitempty"`
	Warnings        []string        `msgpack:"w,omitempty" json:"warnings,omitempty"`
	Error           string          `msgpack:"e,omitempty" json:"error,omitempty"`
	Frame           []byte          `msgpack:"x,omitempty" json:"frame,omitempty"`
}

// EnvelopeField is a decoded field with its value rendered as text.
type EnvelopeField struct {
	Name   string `msgpack:"n" json:"name"`
	Offset int    `msgpack:"o" json:"offset"`
	Length int    `msgpack:"l" json:"length"`
	Value  string `msgpack:"v" json:"value"`
}

// Envelope flattens the record. withFrame controls whether the raw bytes
// are included.
func (r *Record) Envelope(withFrame bool) *Envelope {
	msg := r.Message
	e := &Envelope{
		Conn:            string(r.Conn),
		Direction:       r.Direction.String(),
		Time:            r.Time,
		Offset:          msg.Offset,
		Type:            msg.Type.String(),
		Flags:           msg.Flags.Raw,
		Layout:          msg.Flags.Layout.String(),
		RemainingLength: msg.RemainingLength,
		Version:         msg.Version.String(),
		Warnings:        msg.Warnings,
	}
	if msg.Err != nil {
		e.Error = msg.Err.Error()
	}
	if withFrame {
		e.Frame = msg.Frame
	}

	e.Fields = make([]EnvelopeField, len(msg.Fields))
	for i, f := range msg.Fields {
		e.Fields[i] = EnvelopeField{
			Name:   f.Name,
			Offset: f.Offset,
			Length: f.Length,
			Value:  f.String(),
		}
	}
	return e
}
