package packet

import "encoding/binary"

// maxVarIntBytes is the longest legal remaining length encoding.
const maxVarIntBytes = 4

// EncodeVarInt encodes a remaining length into buf and returns the number of bytes written.
// Returns 0 if the value is too large or the buffer is too small.
// MQTT 3.1.1 Section 2.2.3
func EncodeVarInt(buf []byte, value uint32) int {
	if value > MaxRemainingLength {
		return 0
	}

	i := 0
	for {
		if i >= len(buf) {
			return 0
		}
		encodedByte := byte(value & 0x7F)
		value >>= 7
		if value > 0 {
			encodedByte |= 0x80
		}
		buf[i] = encodedByte
		i++
		if value == 0 {
			break
		}
	}
	return i
}

// DecodeVarInt decodes a remaining length from the start of buf.
// It returns the value and the number of bytes consumed (1..4).
//
// ErrIncomplete is returned when buf ends before a terminating byte and
// fewer than 4 bytes were available; ErrMalformedLength when 4 bytes all
// carry the continuation bit. DecodeVarInt never reads past buf.
func DecodeVarInt(buf []byte) (value uint32, n int, err error) {
	var shift uint

	for i := 0; i < maxVarIntBytes; i++ {
		if i >= len(buf) {
			return 0, 0, ErrIncomplete
		}
		encodedByte := buf[i]
		value |= uint32(encodedByte&0x7F) << shift

		if encodedByte&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}

	return 0, 0, ErrMalformedLength
}

// VarIntSize returns the number of bytes needed to encode a value as a remaining length.
func VarIntSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}

// EncodeUint16 encodes a 16-bit unsigned integer in big-endian order.
// Returns 2 on success, 0 if buffer is too small.
func EncodeUint16(buf []byte, value uint16) int {
	if len(buf) < 2 {
		return 0
	}
	binary.BigEndian.PutUint16(buf, value)
	return 2
}

// EncodeString encodes a string with a 2-byte length prefix.
// Returns the number of bytes written, or 0 on error.
func EncodeString(buf []byte, s string) int {
	slen := len(s)
	if slen > 65535 || len(buf) < 2+slen {
		return 0
	}
	binary.BigEndian.PutUint16(buf, uint16(slen))
	copy(buf[2:], s)
	return 2 + slen
}

// EncodeFixedHeader encodes the fixed header into buf.
// Returns the number of bytes written, or 0 on error.
func EncodeFixedHeader(buf []byte, packetType Type, flags byte, remainingLength uint32) int {
	if len(buf) < 1 {
		return 0
	}
	buf[0] = byte(packetType)<<4 | (flags & 0x0F)
	n := EncodeVarInt(buf[1:], remainingLength)
	if n == 0 {
		return 0
	}
	return 1 + n
}

// FixedHeaderSize calculates the size of the fixed header for a given remaining length.
func FixedHeaderSize(remainingLength uint32) int {
	return 1 + VarIntSize(remainingLength)
}
