// Package packet provides the MQTT 3.1 / 3.1.1 wire primitives used by the
// dissector: control packet types, protocol versions, QoS levels, the
// remaining length codec and the sentinel errors shared across decoders.
package packet

import "fmt"

// Type represents an MQTT control packet type.
type Type byte

// MQTT Control Packet types as defined in MQTT 3.1.1 Section 2.2.1
const (
	TypeReserved0   Type = 0  // Reserved
	TypeConnect     Type = 1  // Client request to connect to Server
	TypeConnack     Type = 2  // Connect acknowledgment
	TypePublish     Type = 3  // Publish message
	TypePuback      Type = 4  // Publish acknowledgment (QoS 1)
	TypePubrec      Type = 5  // Publish received (QoS 2 part 1)
	TypePubrel      Type = 6  // Publish release (QoS 2 part 2)
	TypePubcomp     Type = 7  // Publish complete (QoS 2 part 3)
	TypeSubscribe   Type = 8  // Subscribe request
	TypeSuback      Type = 9  // Subscribe acknowledgment
	TypeUnsubscribe Type = 10 // Unsubscribe request
	TypeUnsuback    Type = 11 // Unsubscribe acknowledgment
	TypePingreq     Type = 12 // PING request
	TypePingresp    Type = 13 // PING response
	TypeDisconnect  Type = 14 // Disconnect notification
	TypeReserved15  Type = 15 // Reserved
)

// String returns the string representation of the packet type.
func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnack:
		return "CONNACK"
	case TypePublish:
		return "PUBLISH"
	case TypePuback:
		return "PUBACK"
	case TypePubrec:
		return "PUBREC"
	case TypePubrel:
		return "PUBREL"
	case TypePubcomp:
		return "PUBCOMP"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeSuback:
		return "SUBACK"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeUnsuback:
		return "UNSUBACK"
	case TypePingreq:
		return "PINGREQ"
	case TypePingresp:
		return "PINGRESP"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return "RESERVED"
	}
}

// Valid returns true if the packet type is defined by MQTT 3.1.1.
func (t Type) Valid() bool {
	return t >= TypeConnect && t <= TypeDisconnect
}

// ParseType returns the packet type for a name such as "PUBLISH".
// Matching is case-sensitive on the canonical upper-case names.
func ParseType(name string) (Type, error) {
	for t := TypeConnect; t <= TypeDisconnect; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown packet type %q", name)
}

// Version represents the protocol level byte carried in CONNECT.
// Unrecognized values are kept as-is.
type Version byte

const (
	VersionUnknown Version = 0 // No CONNECT seen yet
	Version31      Version = 3 // MQTT 3.1
	Version311     Version = 4 // MQTT 3.1.1
)

// String returns the string representation of the MQTT version.
func (v Version) String() string {
	switch v {
	case VersionUnknown:
		return "unknown"
	case Version31:
		return "3.1"
	case Version311:
		return "3.1.1"
	default:
		return fmt.Sprintf("unknown(%d)", byte(v))
	}
}

// QoS represents MQTT Quality of Service level.
type QoS byte

const (
	QoS0        QoS = 0 // At most once delivery
	QoS1        QoS = 1 // At least once delivery
	QoS2        QoS = 2 // Exactly once delivery
	QoSReserved QoS = 3 // Reserved, must not be used
)

// Valid returns true if the QoS level is valid.
func (q QoS) Valid() bool {
	return q <= QoS2
}

// String returns the string representation of the QoS level.
func (q QoS) String() string {
	switch q {
	case QoS0:
		return "QoS0"
	case QoS1:
		return "QoS1"
	case QoS2:
		return "QoS2"
	default:
		return "reserved"
	}
}

// SubackFailure is the SUBACK return code for a rejected subscription.
const SubackFailure = 0x80

// ConnackReturnCode is the CONNACK return code of MQTT 3.1 / 3.1.1.
type ConnackReturnCode byte

const (
	ConnackAccepted              ConnackReturnCode = 0
	ConnackRefusedVersion        ConnackReturnCode = 1
	ConnackRefusedIdentifier     ConnackReturnCode = 2
	ConnackRefusedServerUnavail  ConnackReturnCode = 3
	ConnackRefusedBadCredentials ConnackReturnCode = 4
	ConnackRefusedNotAuthorized  ConnackReturnCode = 5
)

// String returns a description of the return code.
func (c ConnackReturnCode) String() string {
	switch c {
	case ConnackAccepted:
		return "Connection Accepted"
	case ConnackRefusedVersion:
		return "Connection Refused: unacceptable protocol version"
	case ConnackRefusedIdentifier:
		return "Connection Refused: identifier rejected"
	case ConnackRefusedServerUnavail:
		return "Connection Refused: server unavailable"
	case ConnackRefusedBadCredentials:
		return "Connection Refused: bad user name or password"
	case ConnackRefusedNotAuthorized:
		return "Connection Refused: not authorized"
	default:
		return fmt.Sprintf("Unknown (0x%02x)", byte(c))
	}
}

// Fixed header flag bits.
const (
	FlagRetain   = 1 << 0 // PUBLISH bit 0
	FlagQoSMask  = 0x06   // PUBLISH bits 2-1
	FlagDup      = 1 << 3 // PUBLISH bit 3, PUBREL/SUBSCRIBE/UNSUBSCRIBE bit 3 under 3.1
	FlagReserved = 0x0F   // whole nibble
	FlagDupRsvd  = 0x07   // bits 2-0 when bit 3 is DUP
)

// CONNECT flag bits.
const (
	ConnectFlagReserved     = 1 << 0
	ConnectFlagCleanSession = 1 << 1
	ConnectFlagWill         = 1 << 2
	ConnectFlagWillQoSMask  = 0x18
	ConnectFlagWillRetain   = 1 << 5
	ConnectFlagPassword     = 1 << 6
	ConnectFlagUsername     = 1 << 7
)

// CONNACK acknowledge flag bits.
const (
	ConnackFlagSessionPresent = 0x01
	ConnackFlagReserved       = 0xFE
)

// MaxRemainingLength is the largest value a 4-byte remaining length can carry.
const MaxRemainingLength = 268435455

// MaxPacketSize is the maximum total packet size including fixed header.
const MaxPacketSize = MaxRemainingLength + 5
