package dissect

import (
	"errors"
	"fmt"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// fieldDecoder consumes the variable header and payload of one message type.
type fieldDecoder func(c *cursor, st *State) error

var fieldDecoders = map[packet.Type]fieldDecoder{
	packet.TypeConnect:     decodeConnect,
	packet.TypeConnack:     decodeConnack,
	packet.TypePublish:     decodePublish,
	packet.TypePuback:      decodeAck,
	packet.TypePubrec:      decodeAck,
	packet.TypePubrel:      decodeAck,
	packet.TypePubcomp:     decodeAck,
	packet.TypeSubscribe:   decodeSubscribe,
	packet.TypeSuback:      decodeSuback,
	packet.TypeUnsubscribe: decodeUnsubscribe,
	packet.TypeUnsuback:    decodeAck,
	packet.TypePingreq:     decodeEmpty,
	packet.TypePingresp:    decodeEmpty,
	packet.TypeDisconnect:  decodeEmpty,
}

// Decode decodes one complete message. frame must start at the fixed
// header byte; bytes past the declared length are ignored.
//
// st is the connection's state and may be nil. Only a CONNECT message
// writes to it.
//
// Decode always returns a Message. If the message is malformed, Err is
// set and the fields decoded before the failure are kept.
func Decode(frame []byte, st *State) *Message {
	msg := &Message{Version: st.Version()}

	if len(frame) == 0 {
		msg.Err = &DecodeError{Field: FieldHeaderFlags, Err: packet.ErrTruncated}
		return msg
	}

	b0 := frame[0]
	msg.Type = packet.Type(b0 >> 4)
	flags, warning := decodeHeaderFlags(st.Version(), msg.Type, b0)
	msg.Flags = flags
	if warning != "" {
		msg.Warnings = append(msg.Warnings, warning)
	}
	msg.Fields = append(msg.Fields,
		Field{Name: FieldHeaderFlags, Offset: 0, Length: 1, Value: fmt.Sprintf("0x%02x", b0)},
		Field{Name: FieldMsgType, Offset: 0, Length: 1, Value: msg.Type},
	)
	msg.Fields = append(msg.Fields, flagFields(flags)...)

	remaining, n, err := packet.DecodeVarInt(frame[1:])
	if err != nil {
		if errors.Is(err, packet.ErrIncomplete) {
			err = packet.ErrTruncated
		}
		msg.Err = &DecodeError{Type: msg.Type, Field: FieldMsgLen, Offset: 1, Err: err}
		return msg
	}
	msg.RemainingLength = remaining
	msg.LengthFieldSize = n
	msg.Fields = append(msg.Fields, Field{Name: FieldMsgLen, Offset: 1, Length: n, Value: remaining})

	c := &cursor{
		msg:    msg,
		buf:    frame,
		pos:    1 + n,
		budget: int(remaining),
	}

	dec, ok := fieldDecoders[msg.Type]
	if !ok {
		// Reserved types: report the fixed header, keep the body opaque.
		body := &Opaque{Type: msg.Type}
		msg.Body = body
		if data, err := c.rest(FieldOpaque); err == nil {
			body.Data = data
		}
		msg.Err = &DecodeError{Type: msg.Type, Offset: 0, Err: packet.ErrUnknownType}
		return msg
	}

	if err := dec(c, st); err != nil {
		msg.Err = err
	}
	msg.Version = st.Version()
	return msg
}

func flagFields(f HeaderFlags) []Field {
	switch f.Layout {
	case LayoutPublish:
		return []Field{
			{Name: FieldDupFlag, Length: 1, Value: f.Dup},
			{Name: FieldQoS, Length: 1, Value: f.QoS},
			{Name: FieldRetain, Length: 1, Value: f.Retain},
		}
	case LayoutDupReserved:
		return []Field{
			{Name: FieldDupFlag, Length: 1, Value: f.Dup},
			{Name: FieldHdrDupReserved, Length: 1, Value: f.Reserved},
		}
	default:
		return []Field{{Name: FieldHdrReserved, Length: 1, Value: f.Reserved}}
	}
}

func decodeConnect(c *cursor, st *State) error {
	body := &Connect{}
	c.msg.Body = body

	var err error
	if body.ProtocolName, err = c.string(FieldProtoLen, FieldProtoName); err != nil {
		return err
	}

	v, err := c.uint8(FieldVersion, func(b byte) any { return packet.Version(b) })
	if err != nil {
		return err
	}
	body.ProtocolVersion = packet.Version(v)
	st.RecordVersion(body.ProtocolVersion)

	flags, err := c.uint8(FieldConnectFlags, func(b byte) any { return fmt.Sprintf("0x%02x", b) })
	if err != nil {
		return err
	}
	body.Flags = flags
	body.UsernameFlag = flags&packet.ConnectFlagUsername != 0
	body.PasswordFlag = flags&packet.ConnectFlagPassword != 0
	body.WillRetain = flags&packet.ConnectFlagWillRetain != 0
	body.WillQoS = packet.QoS((flags & packet.ConnectFlagWillQoSMask) >> 3)
	body.WillFlag = flags&packet.ConnectFlagWill != 0
	body.CleanSession = flags&packet.ConnectFlagCleanSession != 0
	body.ReservedFlag = flags&packet.ConnectFlagReserved != 0
	if body.ReservedFlag {
		c.msg.Warnings = append(c.msg.Warnings, "connect flags reserved bit set")
	}

	if body.KeepAlive, err = c.uint16(FieldKeepAlive); err != nil {
		return err
	}
	if body.ClientID, err = c.string(FieldClientIDLen, FieldClientID); err != nil {
		return err
	}

	if body.WillFlag {
		if body.WillTopic, err = c.string(FieldWillTopicLen, FieldWillTopic); err != nil {
			return err
		}
		if body.WillMessage, err = c.bytes(FieldWillMsgLen, FieldWillMsg); err != nil {
			return err
		}
	}

	// Some clients set the username/password flags and omit the fields.
	if body.UsernameFlag && c.remaining() > 0 {
		if body.Username, err = c.string(FieldUsernameLen, FieldUsername); err != nil {
			return err
		}
		body.HasUsername = true
	}
	if body.PasswordFlag && c.remaining() > 0 {
		if body.Password, err = c.bytes(FieldPasswordLen, FieldPassword); err != nil {
			return err
		}
		body.HasPassword = true
	}

	return c.done()
}

func decodeConnack(c *cursor, _ *State) error {
	body := &Connack{}
	c.msg.Body = body

	flags, err := c.uint8(FieldConnackFlags, func(b byte) any { return fmt.Sprintf("0x%02x", b) })
	if err != nil {
		return err
	}
	body.AckFlags = flags
	body.SessionPresent = flags&packet.ConnackFlagSessionPresent != 0
	body.Reserved = flags & packet.ConnackFlagReserved

	code, err := c.uint8(FieldConnackCode, func(b byte) any { return packet.ConnackReturnCode(b) })
	if err != nil {
		return err
	}
	body.ReturnCode = packet.ConnackReturnCode(code)

	return c.done()
}

func decodePublish(c *cursor, _ *State) error {
	body := &Publish{}
	c.msg.Body = body

	var err error
	if body.Topic, err = c.string(FieldTopicLen, FieldTopic); err != nil {
		return err
	}

	// The message identifier is present for any non-zero QoS bits,
	// including the reserved value 3.
	if c.msg.Flags.QoS != packet.QoS0 {
		if body.MessageID, err = c.uint16(FieldMsgID); err != nil {
			return err
		}
		body.HasMessageID = true
	}

	if body.Payload, err = c.rest(FieldPayload); err != nil {
		return err
	}
	return c.done()
}

func decodeSubscribe(c *cursor, _ *State) error {
	body := &Subscribe{}
	c.msg.Body = body

	var err error
	if body.MessageID, err = c.uint16(FieldMsgID); err != nil {
		return err
	}

	for c.remaining() > 0 {
		topic, err := c.string(FieldTopicLen, FieldTopic)
		if err != nil {
			return c.entry(err)
		}
		qos, err := c.uint8(FieldRequestedQoS, func(b byte) any { return packet.QoS(b) })
		if err != nil {
			return c.entry(err)
		}
		body.Topics = append(body.Topics, TopicRequest{Topic: topic, QoS: packet.QoS(qos)})
	}
	if len(body.Topics) == 0 {
		c.msg.Warnings = append(c.msg.Warnings, "subscribe without topic filters")
	}
	return c.done()
}

func decodeUnsubscribe(c *cursor, _ *State) error {
	body := &Unsubscribe{}
	c.msg.Body = body

	var err error
	if body.MessageID, err = c.uint16(FieldMsgID); err != nil {
		return err
	}

	for c.remaining() > 0 {
		topic, err := c.string(FieldTopicLen, FieldTopic)
		if err != nil {
			return c.entry(err)
		}
		body.Topics = append(body.Topics, topic)
	}
	if len(body.Topics) == 0 {
		c.msg.Warnings = append(c.msg.Warnings, "unsubscribe without topic filters")
	}
	return c.done()
}

func decodeSuback(c *cursor, _ *State) error {
	body := &Suback{}
	c.msg.Body = body

	var err error
	if body.MessageID, err = c.uint16(FieldMsgID); err != nil {
		return err
	}

	for c.remaining() > 0 {
		granted, err := c.uint8(FieldGrantedQoS, renderGranted)
		if err != nil {
			return err
		}
		body.Granted = append(body.Granted, granted)
	}
	return c.done()
}

func renderGranted(b byte) any {
	if b == packet.SubackFailure {
		return "failure"
	}
	return packet.QoS(b)
}

func decodeAck(c *cursor, _ *State) error {
	body := &Ack{Type: c.msg.Type}
	c.msg.Body = body

	var err error
	if body.MessageID, err = c.uint16(FieldMsgID); err != nil {
		return err
	}
	return c.done()
}

func decodeEmpty(c *cursor, _ *State) error {
	return c.done()
}
