package dissect

import (
	"errors"
	"io"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// AssemblerConfig holds reassembly limits.
type AssemblerConfig struct {
	// MaxMessageSize limits the total size of one message (0 = protocol max).
	MaxMessageSize int

	// BufferSize is the initial buffer capacity (default: 8192).
	BufferSize int
}

// Assembler reassembles MQTT messages from chunks of one direction of a
// byte stream. Bytes are pushed with Write and complete messages pulled
// with Next.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	state   *State
	maxSize int

	buf    []byte
	pos    int
	offset int64 // stream offset of buf[pos]
	err    error // sticky framing error
}

// NewAssembler creates an assembler decoding against st.
func NewAssembler(st *State, cfg *AssemblerConfig) *Assembler {
	if cfg == nil {
		cfg = &AssemblerConfig{}
	}
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 || maxSize > packet.MaxPacketSize {
		maxSize = packet.MaxPacketSize
	}
	bufSize := cfg.BufferSize
	if bufSize < 1024 {
		bufSize = 8192
	}
	return &Assembler{
		state:   st,
		maxSize: maxSize,
		buf:     make([]byte, 0, bufSize),
	}
}

// Write appends stream bytes. It never fails; once framing is lost the
// bytes are discarded and Next keeps returning the framing error.
func (a *Assembler) Write(p []byte) (int, error) {
	if a.err != nil {
		return len(p), nil
	}

	// Shift unread data to the beginning before growing.
	if a.pos > 0 && len(a.buf)+len(p) > cap(a.buf) {
		n := copy(a.buf, a.buf[a.pos:])
		a.buf = a.buf[:n]
		a.pos = 0
	}
	a.buf = append(a.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting for a complete message.
func (a *Assembler) Buffered() int {
	return len(a.buf) - a.pos
}

// Offset returns the stream offset of the next unread byte.
func (a *Assembler) Offset() int64 {
	return a.offset
}

// Err returns the framing error that stopped the assembler, if any.
func (a *Assembler) Err() error {
	return a.err
}

// Next returns the next complete message.
//
// It returns packet.ErrIncomplete when more bytes are needed. A
// packet.ErrMalformedLength or packet.ErrMessageTooLarge means the stream
// can no longer be framed; every later call returns the same error.
func (a *Assembler) Next() (*Message, error) {
	if a.err != nil {
		return nil, a.err
	}

	avail := a.buf[a.pos:]
	total, err := NeededLength(avail)
	if err != nil {
		if !errors.Is(err, packet.ErrIncomplete) {
			a.err = err
		}
		return nil, err
	}
	if total > a.maxSize {
		a.err = packet.ErrMessageTooLarge
		return nil, a.err
	}
	if len(avail) < total {
		return nil, packet.ErrIncomplete
	}

	frame := make([]byte, total)
	copy(frame, avail[:total])

	msg := Decode(frame, a.state)
	msg.Offset = a.offset
	msg.Frame = frame

	a.pos += total
	a.offset += int64(total)
	if a.pos == len(a.buf) {
		a.buf = a.buf[:0]
		a.pos = 0
	}
	return msg, nil
}

// Stream reads MQTT messages from an io.Reader.
type Stream struct {
	r     io.Reader
	asm   *Assembler
	chunk []byte
}

// NewStream creates a stream decoding against st.
func NewStream(r io.Reader, st *State, cfg *AssemblerConfig) *Stream {
	return &Stream{
		r:     r,
		asm:   NewAssembler(st, cfg),
		chunk: make([]byte, 4096),
	}
}

// Next reads until one complete message is available and returns it.
// At a clean end of stream it returns io.EOF; if the stream ends inside
// a message it returns io.ErrUnexpectedEOF.
func (s *Stream) Next() (*Message, error) {
	for {
		msg, err := s.asm.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, packet.ErrIncomplete) {
			return nil, err
		}

		n, rerr := s.r.Read(s.chunk)
		if n > 0 {
			s.asm.Write(s.chunk[:n])
		}
		if rerr != nil {
			if n > 0 {
				// Decode what we just got before reporting the error.
				continue
			}
			if rerr == io.EOF && s.asm.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
