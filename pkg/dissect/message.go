package dissect

import (
	"fmt"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// Message is one decoded MQTT control packet.
type Message struct {
	Type            packet.Type
	Flags           HeaderFlags
	RemainingLength uint32
	LengthFieldSize int

	// Version is the connection's protocol version after this message was
	// decoded, so a CONNECT reports the version it announced.
	Version packet.Version

	// Body holds the type-specific fields. It is nil for PINGREQ,
	// PINGRESP and DISCONNECT, and for messages that failed before any
	// type-specific field was read.
	Body Body

	// Fields lists every decoded field in wire order.
	Fields []Field

	// Warnings are non-fatal oddities such as non-zero reserved bits.
	Warnings []string

	// Err is set when the message is malformed. It wraps one of the
	// packet sentinel errors and is usually a *DecodeError.
	Err error

	// Offset is the stream offset of the first byte and Frame the raw
	// bytes. Both are set by Assembler.
	Offset int64
	Frame  []byte
}

// Size returns the total message length implied by the fixed header.
func (m *Message) Size() int {
	return 1 + m.LengthFieldSize + int(m.RemainingLength)
}

// Malformed reports whether decoding stopped early or the byte count
// did not add up.
func (m *Message) Malformed() bool {
	return m.Err != nil
}

// Field is one decoded wire field. Offset is relative to the first byte
// of the message.
type Field struct {
	Name   string
	Offset int
	Length int
	Value  any
}

// String renders the field value for display.
func (f Field) String() string {
	switch v := f.Value.(type) {
	case []byte:
		return fmt.Sprintf("%q", v)
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Field names, matching the display filter names used by packet analyzers.
const (
	FieldHeaderFlags    = "mqtt.hdrflags"
	FieldMsgType        = "mqtt.msgtype"
	FieldDupFlag        = "mqtt.dupflag"
	FieldQoS            = "mqtt.qos"
	FieldRetain         = "mqtt.retain"
	FieldHdrReserved    = "mqtt.hdr_reserved"
	FieldHdrDupReserved = "mqtt.hdr_dup_reserved"
	FieldMsgLen         = "mqtt.len"
	FieldProtoLen       = "mqtt.proto_len"
	FieldProtoName      = "mqtt.protoname"
	FieldVersion        = "mqtt.ver"
	FieldConnectFlags   = "mqtt.conflags"
	FieldKeepAlive      = "mqtt.kalive"
	FieldClientIDLen    = "mqtt.clientid_len"
	FieldClientID       = "mqtt.clientid"
	FieldWillTopicLen   = "mqtt.willtopic_len"
	FieldWillTopic      = "mqtt.willtopic"
	FieldWillMsgLen     = "mqtt.willmsg_len"
	FieldWillMsg        = "mqtt.willmsg"
	FieldUsernameLen    = "mqtt.username_len"
	FieldUsername       = "mqtt.username"
	FieldPasswordLen    = "mqtt.passwd_len"
	FieldPassword       = "mqtt.passwd"
	FieldConnackFlags   = "mqtt.conack.flags"
	FieldConnackCode    = "mqtt.conack.val"
	FieldMsgID          = "mqtt.msgid"
	FieldTopicLen       = "mqtt.topic_len"
	FieldTopic          = "mqtt.topic"
	FieldPayload        = "mqtt.msg"
	FieldRequestedQoS   = "mqtt.sub.qos"
	FieldGrantedQoS     = "mqtt.suback.qos"
	FieldOpaque         = "mqtt.data"
)

// Body is the type-specific part of a Message.
type Body interface {
	// Kind returns the packet type this body was decoded from.
	Kind() packet.Type
}

// Connect is the body of a CONNECT message.
type Connect struct {
	ProtocolName    string
	ProtocolVersion packet.Version

	// Connect flags
	Flags        byte
	UsernameFlag bool
	PasswordFlag bool
	WillRetain   bool
	WillQoS      packet.QoS
	WillFlag     bool
	CleanSession bool
	ReservedFlag bool

	KeepAlive uint16
	ClientID  string

	WillTopic   string
	WillMessage []byte

	// Username and Password are only read when their flag is set and
	// bytes remain; HasUsername/HasPassword tell whether they were.
	Username    string
	HasUsername bool
	Password    []byte
	HasPassword bool
}

func (*Connect) Kind() packet.Type { return packet.TypeConnect }

// Connack is the body of a CONNACK message.
type Connack struct {
	AckFlags byte
	// SessionPresent is only meaningful for 3.1.1 but is always decoded.
	SessionPresent bool
	Reserved       byte
	ReturnCode     packet.ConnackReturnCode
}

func (*Connack) Kind() packet.Type { return packet.TypeConnack }

// Publish is the body of a PUBLISH message.
type Publish struct {
	Topic        string
	MessageID    uint16
	HasMessageID bool
	Payload      []byte
}

func (*Publish) Kind() packet.Type { return packet.TypePublish }

// TopicRequest is one topic filter of a SUBSCRIBE.
type TopicRequest struct {
	Topic string
	QoS   packet.QoS
}

// Subscribe is the body of a SUBSCRIBE message.
type Subscribe struct {
	MessageID uint16
	Topics    []TopicRequest
}

func (*Subscribe) Kind() packet.Type { return packet.TypeSubscribe }

// Unsubscribe is the body of an UNSUBSCRIBE message.
type Unsubscribe struct {
	MessageID uint16
	Topics    []string
}

func (*Unsubscribe) Kind() packet.Type { return packet.TypeUnsubscribe }

// Suback is the body of a SUBACK message. Each granted entry is a QoS
// level or packet.SubackFailure.
type Suback struct {
	MessageID uint16
	Granted   []byte
}

func (*Suback) Kind() packet.Type { return packet.TypeSuback }

// Ack is the body of PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK.
type Ack struct {
	Type      packet.Type
	MessageID uint16
}

func (a *Ack) Kind() packet.Type { return a.Type }

// Opaque holds the undecoded body of a reserved message type.
type Opaque struct {
	Type packet.Type
	Data []byte
}

func (o *Opaque) Kind() packet.Type { return o.Type }

// DecodeError reports where decoding of a message stopped.
type DecodeError struct {
	Type   packet.Type
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v at offset %d", e.Type, e.Err, e.Offset)
	}
	return fmt.Sprintf("%s: %s: %v at offset %d", e.Type, e.Field, e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
