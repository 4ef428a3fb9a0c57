package dissect

import "github.com/bromq-dev/mqttscope/pkg/packet"

// MinFrameSize is the smallest legal MQTT message: a fixed header byte and
// a one-byte remaining length of zero (PINGREQ, PINGRESP, DISCONNECT).
const MinFrameSize = 2

// NeededLength returns the total byte length of the message starting at
// buf[0]: the fixed header byte, the remaining length field and the
// remaining length itself.
//
// It returns packet.ErrIncomplete while buf is too short to tell, including
// when the remaining length field is split across reads, and
// packet.ErrMalformedLength if the field runs past 4 bytes.
func NeededLength(buf []byte) (int, error) {
	if len(buf) < MinFrameSize {
		return 0, packet.ErrIncomplete
	}

	remaining, n, err := packet.DecodeVarInt(buf[1:])
	if err != nil {
		return 0, err
	}
	return 1 + n + int(remaining), nil
}
