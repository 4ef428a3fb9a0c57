package dissect

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// frame builds a message from the fixed header byte and body parts,
// computing the remaining length.
func frame(b0 byte, parts ...[]byte) []byte {
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	buf := make([]byte, 5+len(body))
	n := packet.EncodeFixedHeader(buf, packet.Type(b0>>4), b0&0x0F, uint32(len(body)))
	copy(buf[n:], body)
	return buf[:n+len(body)]
}

func str(s string) []byte {
	buf := make([]byte, 2+len(s))
	packet.EncodeString(buf, s)
	return buf
}

func u16(v uint16) []byte {
	buf := make([]byte, 2)
	packet.EncodeUint16(buf, v)
	return buf
}

func stateWith(v packet.Version) *State {
	st := NewState("test")
	st.RecordVersion(v)
	return st
}

func TestDecodeConnect(t *testing.T) {
	in := []byte{0x10, 0x0C, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3C, 0x00, 0x00}
	st := NewState("c1")

	msg := Decode(in, st)
	if msg.Err != nil {
		t.Fatalf("unexpected error: %v", msg.Err)
	}
	if msg.Type != packet.TypeConnect {
		t.Fatalf("type = %v, want CONNECT", msg.Type)
	}
	c, ok := msg.Body.(*Connect)
	if !ok {
		t.Fatalf("body = %T, want *Connect", msg.Body)
	}
	if c.ProtocolName != "MQTT" || c.ProtocolVersion != packet.Version311 {
		t.Errorf("protocol = %q v%v", c.ProtocolName, c.ProtocolVersion)
	}
	if !c.CleanSession || c.WillFlag || c.UsernameFlag || c.PasswordFlag {
		t.Errorf("flags decoded wrong: %+v", c)
	}
	if c.KeepAlive != 60 {
		t.Errorf("keep alive = %d, want 60", c.KeepAlive)
	}
	if c.ClientID != "" {
		t.Errorf("client id = %q, want empty", c.ClientID)
	}
	if st.Version() != packet.Version311 {
		t.Errorf("state version = %v, want 3.1.1", st.Version())
	}
	if msg.Version != packet.Version311 {
		t.Errorf("message version = %v, want 3.1.1", msg.Version)
	}
}

func TestDecodeConnectFull(t *testing.T) {
	flags := byte(packet.ConnectFlagUsername | packet.ConnectFlagPassword | packet.ConnectFlagWill |
		packet.ConnectFlagWillRetain | 1<<3)
	in := frame(0x10,
		str("MQIsdp"), []byte{0x03, flags}, u16(30),
		str("client-1"), str("dead/client-1"), str("gone"), str("alice"), str("s3cret"),
	)
	st := NewState("c2")

	msg := Decode(in, st)
	if msg.Err != nil {
		t.Fatalf("unexpected error: %v", msg.Err)
	}
	c := msg.Body.(*Connect)
	if c.ClientID != "client-1" || c.WillTopic != "dead/client-1" || string(c.WillMessage) != "gone" {
		t.Errorf("payload decoded wrong: %+v", c)
	}
	if !c.WillRetain || c.WillQoS != packet.QoS1 {
		t.Errorf("will retain/qos = %v/%v", c.WillRetain, c.WillQoS)
	}
	if !c.HasUsername || c.Username != "alice" || !c.HasPassword || string(c.Password) != "s3cret" {
		t.Errorf("credentials decoded wrong: %+v", c)
	}
	if st.Version() != packet.Version31 {
		t.Errorf("state version = %v, want 3.1", st.Version())
	}
}

func TestDecodeConnectFlagWithoutField(t *testing.T) {
	flags := byte(packet.ConnectFlagUsername | packet.ConnectFlagPassword)
	in := frame(0x10, str("MQTT"), []byte{0x04, flags}, u16(10), str("id"))

	msg := Decode(in, NewState("c3"))
	if msg.Err != nil {
		t.Fatalf("unexpected error: %v", msg.Err)
	}
	c := msg.Body.(*Connect)
	if !c.UsernameFlag || c.HasUsername || c.HasPassword {
		t.Errorf("username/password should be flagged but absent: %+v", c)
	}
}

func TestDecodeConnectTruncatedString(t *testing.T) {
	// Client id claims 10 bytes, only 2 follow.
	in := frame(0x10, str("MQTT"), []byte{0x04, 0x02}, u16(10), u16(10), []byte("ab"))

	msg := Decode(in, NewState("c4"))
	if !errors.Is(msg.Err, packet.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", msg.Err)
	}
	var de *DecodeError
	if !errors.As(msg.Err, &de) || de.Field != FieldClientID {
		t.Errorf("error field = %+v, want %s", de, FieldClientID)
	}
	// Fields before the failure are kept.
	c := msg.Body.(*Connect)
	if c.ProtocolName != "MQTT" || c.KeepAlive != 10 {
		t.Errorf("partial decode lost fields: %+v", c)
	}
}

func TestDecodeConnectTrailingBytes(t *testing.T) {
	in := frame(0x10, str("MQTT"), []byte{0x04, 0x02}, u16(10), str("id"), []byte{0xAA})

	msg := Decode(in, NewState("c5"))
	if !errors.Is(msg.Err, packet.ErrBudgetMismatch) {
		t.Fatalf("err = %v, want ErrBudgetMismatch", msg.Err)
	}
}

func TestDecodeUnrecognizedVersionIsStored(t *testing.T) {
	st := NewState("c6")
	Decode(frame(0x10, str("MQTT"), []byte{0x07, 0x02}, u16(0), str("")), st)
	if st.Version() != packet.Version(7) {
		t.Fatalf("state version = %v, want raw 7", st.Version())
	}

	msg := Decode(frame(0x8A, u16(1), str("a"), []byte{0}), st)
	if msg.Flags.Layout != LayoutReserved {
		t.Errorf("layout = %v, want reserved for unrecognized version", msg.Flags.Layout)
	}
}

func TestSubscribeHeaderFlagsByVersion(t *testing.T) {
	in := frame(0x8A, u16(7), str("a/b"), []byte{1})

	tests := []struct {
		name     string
		version  packet.Version
		layout   FlagLayout
		dup      bool
		reserved byte
	}{
		{"v3.1", packet.Version31, LayoutDupReserved, true, 0x2},
		{"v3.1.1", packet.Version311, LayoutReserved, false, 0xA},
		{"unknown", packet.VersionUnknown, LayoutReserved, false, 0xA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Decode(in, stateWith(tt.version))
			if msg.Err != nil {
				t.Fatalf("unexpected error: %v", msg.Err)
			}
			f := msg.Flags
			if f.Layout != tt.layout || f.Dup != tt.dup || f.Reserved != tt.reserved {
				t.Errorf("flags = %+v, want layout %v dup %v reserved %x", f, tt.layout, tt.dup, tt.reserved)
			}
		})
	}
}

func TestHeaderFlagsLayoutTable(t *testing.T) {
	versions := []packet.Version{packet.VersionUnknown, packet.Version31, packet.Version311, packet.Version(9)}

	for _, v := range versions {
		for typ := packet.Type(0); typ <= packet.TypeReserved15; typ++ {
			got := HeaderFlagsLayout(v, typ)

			want := LayoutReserved
			switch {
			case typ == packet.TypePublish:
				want = LayoutPublish
			case v == packet.Version31 && (typ == packet.TypePubrel || typ == packet.TypeSubscribe || typ == packet.TypeUnsubscribe):
				want = LayoutDupReserved
			}
			if got != want {
				t.Errorf("HeaderFlagsLayout(%v, %v) = %v, want %v", v, typ, got, want)
			}
		}
	}
}

func TestHeaderFlagWarnings(t *testing.T) {
	tests := []struct {
		name    string
		version packet.Version
		in      []byte
		warn    bool
	}{
		{"3.1.1 subscribe 0010", packet.Version311, frame(0x82, u16(1), str("a"), []byte{0}), false},
		{"3.1 subscribe dup qos1", packet.Version31, frame(0x8A, u16(1), str("a"), []byte{0}), false},
		{"3.1 subscribe reserved 100", packet.Version31, frame(0x84, u16(1), str("a"), []byte{0}), true},
		{"3.1 subscribe qos0", packet.Version31, frame(0x88, u16(1), str("a"), []byte{0}), true},
		{"3.1.1 subscribe 0000", packet.Version311, frame(0x80, u16(1), str("a"), []byte{0}), true},
		{"3.1.1 pubrel 0000", packet.Version311, frame(0x60, u16(1)), true},
		{"puback nonzero", packet.Version311, frame(0x41, u16(1)), true},
		{"publish qos 3", packet.Version311, frame(0x36, str("t"), u16(1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Decode(tt.in, stateWith(tt.version))
			if msg.Err != nil {
				t.Fatalf("warnings must not be fatal: %v", msg.Err)
			}
			if got := len(msg.Warnings) > 0; got != tt.warn {
				t.Errorf("warnings = %v, want present=%v", msg.Warnings, tt.warn)
			}
		})
	}
}

func TestDecodePublishQoS(t *testing.T) {
	payload := []byte("hello")

	qos0 := Decode(frame(0x30, str("a/b"), payload), nil)
	if qos0.Err != nil {
		t.Fatalf("qos0: %v", qos0.Err)
	}
	p0 := qos0.Body.(*Publish)
	if p0.HasMessageID || !bytes.Equal(p0.Payload, payload) {
		t.Errorf("qos0 = %+v", p0)
	}

	// Same bytes with QoS 1: the first two payload bytes become the message id.
	qos1 := Decode(frame(0x32, str("a/b"), payload), nil)
	if qos1.Err != nil {
		t.Fatalf("qos1: %v", qos1.Err)
	}
	p1 := qos1.Body.(*Publish)
	if !p1.HasMessageID || p1.MessageID != uint16('h')<<8|uint16('e') {
		t.Errorf("qos1 message id = %v %x", p1.HasMessageID, p1.MessageID)
	}
	if len(p1.Payload) != len(p0.Payload)-2 || !bytes.Equal(p1.Payload, payload[2:]) {
		t.Errorf("qos1 payload = %q, want %q", p1.Payload, payload[2:])
	}

	flags := qos1.Flags
	if flags.Layout != LayoutPublish || flags.QoS != packet.QoS1 || flags.Dup || flags.Retain {
		t.Errorf("qos1 flags = %+v", flags)
	}
}

func TestDecodePublishFlags(t *testing.T) {
	msg := Decode(frame(0x3D, str("t"), u16(9), []byte("x")), nil)
	if msg.Err != nil {
		t.Fatalf("unexpected error: %v", msg.Err)
	}
	f := msg.Flags
	if !f.Dup || f.QoS != packet.QoS2 || !f.Retain {
		t.Errorf("flags = %+v, want dup qos2 retain", f)
	}
	if p := msg.Body.(*Publish); p.MessageID != 9 || string(p.Payload) != "x" {
		t.Errorf("body = %+v", p)
	}
}

func TestDecodeLists(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		msg := Decode(frame(0x82, u16(3), str("a/#"), []byte{1}, str("b/+"), []byte{2}), nil)
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		s := msg.Body.(*Subscribe)
		want := []TopicRequest{{"a/#", packet.QoS1}, {"b/+", packet.QoS2}}
		if s.MessageID != 3 || len(s.Topics) != 2 || s.Topics[0] != want[0] || s.Topics[1] != want[1] {
			t.Errorf("subscribe = %+v", s)
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		msg := Decode(frame(0xA2, u16(4), str("a"), str("b/c")), nil)
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		u := msg.Body.(*Unsubscribe)
		if u.MessageID != 4 || len(u.Topics) != 2 || u.Topics[1] != "b/c" {
			t.Errorf("unsubscribe = %+v", u)
		}
	})

	t.Run("suback", func(t *testing.T) {
		msg := Decode(frame(0x90, u16(5), []byte{0, 1, 2, packet.SubackFailure}), nil)
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		s := msg.Body.(*Suback)
		if s.MessageID != 5 || !bytes.Equal(s.Granted, []byte{0, 1, 2, 0x80}) {
			t.Errorf("suback = %+v", s)
		}
	})
}

func TestDecodeListBudgetMismatch(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"subscribe stray byte", frame(0x82, u16(1), str("a"), []byte{0}, []byte{0x00})},
		{"subscribe missing qos", frame(0x82, u16(1), str("a"))},
		{"subscribe topic overruns", frame(0x82, u16(1), u16(20), []byte("abc"))},
		{"unsubscribe stray byte", frame(0xA2, u16(1), str("a"), []byte{0x00})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Decode(tt.in, nil)
			if !errors.Is(msg.Err, packet.ErrBudgetMismatch) {
				t.Fatalf("err = %v, want ErrBudgetMismatch", msg.Err)
			}
		})
	}
}

func TestDecodeAcks(t *testing.T) {
	for _, typ := range []packet.Type{packet.TypePuback, packet.TypePubrec, packet.TypePubrel, packet.TypePubcomp, packet.TypeUnsuback} {
		t.Run(typ.String(), func(t *testing.T) {
			b0 := byte(typ) << 4
			if typ == packet.TypePubrel {
				b0 |= 0x02
			}

			msg := Decode(frame(b0, u16(0x1234)), nil)
			if msg.Err != nil {
				t.Fatalf("unexpected error: %v", msg.Err)
			}
			a := msg.Body.(*Ack)
			if a.Kind() != typ || a.MessageID != 0x1234 {
				t.Errorf("ack = %+v", a)
			}

			extra := Decode(frame(b0, u16(1), []byte{0xFF}), nil)
			if !errors.Is(extra.Err, packet.ErrBudgetMismatch) {
				t.Errorf("extra bytes: err = %v, want ErrBudgetMismatch", extra.Err)
			}

			short := Decode(frame(b0, []byte{0x01}), nil)
			if !errors.Is(short.Err, packet.ErrTruncated) {
				t.Errorf("short: err = %v, want ErrTruncated", short.Err)
			}
		})
	}
}

func TestDecodeConnack(t *testing.T) {
	msg := Decode(frame(0x20, []byte{0x01, 0x05}), nil)
	if msg.Err != nil {
		t.Fatalf("unexpected error: %v", msg.Err)
	}
	c := msg.Body.(*Connack)
	if !c.SessionPresent || c.Reserved != 0 || c.ReturnCode != packet.ConnackRefusedNotAuthorized {
		t.Errorf("connack = %+v", c)
	}
}

func TestDecodeEmptyMessages(t *testing.T) {
	for _, b0 := range []byte{0xC0, 0xD0, 0xE0} {
		msg := Decode([]byte{b0, 0x00}, nil)
		if msg.Err != nil || msg.Body != nil {
			t.Errorf("%v: err = %v body = %v", msg.Type, msg.Err, msg.Body)
		}

		bad := Decode([]byte{b0, 0x01, 0x00}, nil)
		if !errors.Is(bad.Err, packet.ErrBudgetMismatch) {
			t.Errorf("%v with body: err = %v, want ErrBudgetMismatch", bad.Type, bad.Err)
		}
	}
}

func TestDecodeReservedTypes(t *testing.T) {
	for _, b0 := range []byte{0x00, 0xF0} {
		msg := Decode([]byte{b0, 0x02, 0xAB, 0xCD}, nil)
		if !errors.Is(msg.Err, packet.ErrUnknownType) {
			t.Fatalf("type %d: err = %v, want ErrUnknownType", b0>>4, msg.Err)
		}
		o, ok := msg.Body.(*Opaque)
		if !ok || !bytes.Equal(o.Data, []byte{0xAB, 0xCD}) {
			t.Errorf("type %d: body = %+v", b0>>4, msg.Body)
		}
		if msg.RemainingLength != 2 {
			t.Errorf("remaining length = %d, want 2", msg.RemainingLength)
		}
	}
}

func TestDecodeMalformedLength(t *testing.T) {
	msg := Decode([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, nil)
	if !errors.Is(msg.Err, packet.ErrMalformedLength) {
		t.Fatalf("err = %v, want ErrMalformedLength", msg.Err)
	}
	if msg.Type != packet.TypePublish {
		t.Errorf("type = %v, fixed header should still be reported", msg.Type)
	}
}

func TestDecodeShortFrame(t *testing.T) {
	// Declared 10 bytes, frame carries 3: never reads past the slice.
	msg := Decode([]byte{0x30, 0x0A, 0x00, 0x01, 'a'}, nil)
	if !errors.Is(msg.Err, packet.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", msg.Err)
	}
	if Decode(nil, nil).Err == nil {
		t.Error("empty frame should be malformed")
	}
}

func TestDecodeFrameShorterThanDeclared(t *testing.T) {
	// PUBACK declares 5 bytes; the id decodes but the rest is missing.
	tests := [][]byte{
		{0x40, 0x05, 0x00, 0x01},
		{0xE0, 0x02},
	}
	for _, in := range tests {
		msg := Decode(in, nil)
		if !errors.Is(msg.Err, packet.ErrTruncated) {
			t.Errorf("% x: err = %v, want ErrTruncated", in, msg.Err)
		}
	}
}

func TestDecodeFieldOffsets(t *testing.T) {
	msg := Decode(frame(0x32, str("ab"), u16(1), []byte("xyz")), nil)

	want := map[string][2]int{ // name -> offset, length
		FieldMsgLen:   {1, 1},
		FieldTopicLen: {2, 2},
		FieldTopic:    {4, 2},
		FieldMsgID:    {6, 2},
		FieldPayload:  {8, 3},
	}
	for _, f := range msg.Fields {
		if w, ok := want[f.Name]; ok {
			if f.Offset != w[0] || f.Length != w[1] {
				t.Errorf("%s at %d+%d, want %d+%d", f.Name, f.Offset, f.Length, w[0], w[1])
			}
			delete(want, f.Name)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing fields: %v", want)
	}
}
