package dissect

import (
	"encoding/binary"
	"errors"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// cursor walks the variable header and payload of one message. budget
// starts at the remaining length and every read is checked against it
// before any byte is touched, so a lying length can never cause an out of
// bounds read.
type cursor struct {
	msg    *Message
	buf    []byte
	pos    int
	budget int
}

func (c *cursor) fail(field string, err error) error {
	return &DecodeError{Type: c.msg.Type, Field: field, Offset: c.pos, Err: err}
}

func (c *cursor) need(field string, n int) error {
	if n > c.budget || c.pos+n > len(c.buf) {
		return c.fail(field, packet.ErrTruncated)
	}
	return nil
}

func (c *cursor) add(name string, length int, value any) {
	c.msg.Fields = append(c.msg.Fields, Field{Name: name, Offset: c.pos, Length: length, Value: value})
	c.pos += length
	c.budget -= length
}

func (c *cursor) remaining() int {
	return c.budget
}

func (c *cursor) uint8(field string, render func(byte) any) (byte, error) {
	if err := c.need(field, 1); err != nil {
		return 0, err
	}
	b := c.buf[c.pos]
	var v any = b
	if render != nil {
		v = render(b)
	}
	c.add(field, 1, v)
	return b, nil
}

func (c *cursor) uint16(field string) (uint16, error) {
	if err := c.need(field, 2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.add(field, 2, v)
	return v, nil
}

// prefixed reads a 2-byte big-endian length followed by that many bytes.
// The returned slice is a copy; when asString is set the field is
// recorded as a string. Content is not validated as UTF-8.
func (c *cursor) prefixed(lenField, field string, asString bool) ([]byte, error) {
	n, err := c.uint16(lenField)
	if err != nil {
		return nil, err
	}
	if err := c.need(field, int(n)); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, c.buf[c.pos:c.pos+int(n)])
	if asString {
		c.add(field, int(n), string(data))
	} else {
		c.add(field, int(n), data)
	}
	return data, nil
}

func (c *cursor) bytes(lenField, field string) ([]byte, error) {
	return c.prefixed(lenField, field, false)
}

func (c *cursor) string(lenField, field string) (string, error) {
	data, err := c.prefixed(lenField, field, true)
	return string(data), err
}

// rest consumes the whole remaining budget.
func (c *cursor) rest(field string) ([]byte, error) {
	n := c.budget
	if err := c.need(field, n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, c.buf[c.pos:c.pos+n])
	c.add(field, n, data)
	return data, nil
}

// done checks that the fields consumed exactly the remaining length. A
// frame shorter than its declared length is truncated, not mismatched.
func (c *cursor) done() error {
	if c.pos+c.budget > len(c.buf) {
		return c.fail("", packet.ErrTruncated)
	}
	if c.budget != 0 {
		return c.fail("", packet.ErrBudgetMismatch)
	}
	return nil
}

// entry converts a truncation inside a repeated list entry into a budget
// mismatch: the declared length does not divide into whole entries.
func (c *cursor) entry(err error) error {
	var de *DecodeError
	if c.pos+c.budget <= len(c.buf) && errors.As(err, &de) && errors.Is(de.Err, packet.ErrTruncated) {
		de.Err = packet.ErrBudgetMismatch
	}
	return err
}
