package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UnexpectedEofError is returned by the Cursor accessors when the
// underlying buffer does not hold enough bytes to satisfy the read.
type UnexpectedEofError struct {
	Need, Had int
}

func (e *UnexpectedEofError) Error() string {
	return fmt.Sprintf("milter: unexpected eof: need %d bytes, had %d", e.Need, e.Had)
}

// UnterminatedStringError is returned when a NUL-terminated string field
// runs off the end of the buffer without its terminator.
type UnterminatedStringError struct{}

func (e *UnterminatedStringError) Error() string {
	return "milter: unterminated string: missing NUL terminator"
}

// TrailingBytesError is returned by a Decode* function when it has fully
// recognized a payload variant but bytes remain in the buffer afterward.
// Kind is the packet/action/modification code being decoded.
type TrailingBytesError struct {
	Kind  byte
	Extra int
}

func (e *TrailingBytesError) Error() string {
	return fmt.Sprintf("milter: trailing bytes: %d unconsumed byte(s) after decoding %c payload", e.Extra, e.Kind)
}

// Cursor is a bounds-checked, non-panicking reader over a byte slice.
// Every accessor either advances the cursor and returns the requested
// value, or leaves the cursor untouched and returns an error. Slices
// returned by TrySplit/TrySplitNulTerminated are views into the original
// backing array - no copy is made.
type Cursor struct {
	buf []byte
}

// NewCursor wraps buf for bounds-checked reading.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int {
	return len(c.buf)
}

// Remaining returns every byte not yet consumed, without advancing the cursor.
func (c *Cursor) Remaining() []byte {
	return c.buf
}

// TryUint8 reads one byte.
func (c *Cursor) TryUint8() (byte, error) {
	if len(c.buf) < 1 {
		return 0, &UnexpectedEofError{Need: 1, Had: len(c.buf)}
	}
	v := c.buf[0]
	c.buf = c.buf[1:]
	return v, nil
}

// TryUint16 reads a big-endian uint16.
func (c *Cursor) TryUint16() (uint16, error) {
	if len(c.buf) < 2 {
		return 0, &UnexpectedEofError{Need: 2, Had: len(c.buf)}
	}
	v := binary.BigEndian.Uint16(c.buf)
	c.buf = c.buf[2:]
	return v, nil
}

// TryUint32 reads a big-endian uint32.
func (c *Cursor) TryUint32() (uint32, error) {
	if len(c.buf) < 4 {
		return 0, &UnexpectedEofError{Need: 4, Had: len(c.buf)}
	}
	v := binary.BigEndian.Uint32(c.buf)
	c.buf = c.buf[4:]
	return v, nil
}

// TrySplit consumes and returns the next n bytes as a sub-slice of the
// backing array.
func (c *Cursor) TrySplit(n int) ([]byte, error) {
	if n < 0 || len(c.buf) < n {
		return nil, &UnexpectedEofError{Need: n, Had: len(c.buf)}
	}
	v := c.buf[:n]
	c.buf = c.buf[n:]
	return v, nil
}

// TrySplitNulTerminated returns the bytes up to (excluding) the next NUL
// byte and consumes that NUL. An empty string (a lone NUL) is legal. A
// missing terminator is UnterminatedStringError.
func (c *Cursor) TrySplitNulTerminated() ([]byte, error) {
	idx := bytes.IndexByte(c.buf, 0)
	if idx == -1 {
		return nil, &UnterminatedStringError{}
	}
	v := c.buf[:idx]
	c.buf = c.buf[idx+1:]
	return v, nil
}
