package dissect

import (
	"fmt"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// FlagLayout describes how the low nibble of the fixed header byte is split.
type FlagLayout uint8

const (
	// LayoutReserved treats bits 3-0 as one reserved block.
	LayoutReserved FlagLayout = iota
	// LayoutPublish splits bits 3-0 into DUP, QoS (2 bits) and RETAIN.
	LayoutPublish
	// LayoutDupReserved is bit 3 DUP and bits 2-0 reserved. MQTT 3.1 used
	// it for PUBREL, SUBSCRIBE and UNSUBSCRIBE.
	LayoutDupReserved
)

// String returns the layout name.
func (l FlagLayout) String() string {
	switch l {
	case LayoutPublish:
		return "publish"
	case LayoutDupReserved:
		return "dup+reserved"
	default:
		return "reserved"
	}
}

type layoutKey struct {
	version packet.Version
	typ     packet.Type
}

// versionLayouts holds every layout that depends on the protocol version.
// Anything not listed falls back to typeLayouts, then LayoutReserved.
var versionLayouts = map[layoutKey]FlagLayout{
	{packet.Version31, packet.TypePubrel}:      LayoutDupReserved,
	{packet.Version31, packet.TypeSubscribe}:   LayoutDupReserved,
	{packet.Version31, packet.TypeUnsubscribe}: LayoutDupReserved,
}

// typeLayouts holds layouts that are the same for every version.
var typeLayouts = map[packet.Type]FlagLayout{
	packet.TypePublish: LayoutPublish,
}

// expectedReserved is the reserved value a conforming sender uses.
// PUBREL, SUBSCRIBE and UNSUBSCRIBE carry 0b0010 in 3.1.1 and QoS 1
// (reserved bits 0b010) in 3.1; everything else is zero.
var expectedReserved = map[packet.Type]byte{
	packet.TypePubrel:      0x02,
	packet.TypeSubscribe:   0x02,
	packet.TypeUnsubscribe: 0x02,
}

// HeaderFlagsLayout returns the flag layout for a message type on a
// connection that negotiated version v.
func HeaderFlagsLayout(v packet.Version, t packet.Type) FlagLayout {
	if l, ok := versionLayouts[layoutKey{v, t}]; ok {
		return l
	}
	if l, ok := typeLayouts[t]; ok {
		return l
	}
	return LayoutReserved
}

// HeaderFlags is the decoded low nibble of the fixed header byte.
// Only the fields meaningful for Layout are set.
type HeaderFlags struct {
	Layout   FlagLayout
	Raw      byte
	Dup      bool
	QoS      packet.QoS
	Retain   bool
	Reserved byte
}

// decodeHeaderFlags splits the nibble and reports a warning when reserved
// bits differ from what a conforming sender would put there.
//
// The reserved value compared against is expectedReserved, not zero:
// PUBREL, SUBSCRIBE and UNSUBSCRIBE are expected to carry 0x2 in both
// versions, so a 3.1 SUBSCRIBE with DUP/QoS bits 0x8 (reserved 0x0) warns
// while 0xA does not. The warning never makes a message malformed.
func decodeHeaderFlags(v packet.Version, t packet.Type, b0 byte) (HeaderFlags, string) {
	raw := b0 & packet.FlagReserved
	f := HeaderFlags{Layout: HeaderFlagsLayout(v, t), Raw: raw}

	switch f.Layout {
	case LayoutPublish:
		f.Dup = raw&packet.FlagDup != 0
		f.QoS = packet.QoS((raw & packet.FlagQoSMask) >> 1)
		f.Retain = raw&packet.FlagRetain != 0
		if !f.QoS.Valid() {
			return f, "reserved QoS level 3"
		}
	case LayoutDupReserved:
		f.Dup = raw&packet.FlagDup != 0
		f.Reserved = raw & packet.FlagDupRsvd
		if want := expectedReserved[t]; f.Reserved != want {
			return f, fmt.Sprintf("unexpected reserved header bits 0x%x (want 0x%x)", f.Reserved, want)
		}
	default:
		f.Reserved = raw
		if want := expectedReserved[t]; f.Reserved != want {
			return f, fmt.Sprintf("unexpected reserved header bits 0x%x (want 0x%x)", f.Reserved, want)
		}
	}
	return f, ""
}
