// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package wire

import (
	"encoding/binary"
	"fmt"
)

// Reader is a sticky-error cursor over a big endian encoded message. The first
// read running past the end of the buffer records ErrTruncated and every later
// read returns zero values, so decoders can check the error once at the end.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader creates a cursor at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// take returns the next n bytes or nil if they are not available.
func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.pos < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, what, n, len(r.buf)-r.pos)
		return nil
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

// Uint8 reads a single byte.
func (r *Reader) Uint8(what string) uint8 {
	if b := r.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

// Uint16 reads a big endian 16 bit integer.
func (r *Reader) Uint16(what string) uint16 {
	if b := r.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

// Uint32 reads a big endian 32 bit integer.
func (r *Reader) Uint32(what string) uint32 {
	if b := r.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// Bytes reads a fixed number of bytes. The result is a copy.
func (r *Reader) Bytes(n int, what string) []byte {
	if b := r.take(n, what); b != nil {
		return append([]byte{}, b...)
	}
	return nil
}

// Rest consumes and returns a copy of all the remaining bytes.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	out := append([]byte{}, r.buf[r.pos:]...)
	r.pos = len(r.buf)
	return out
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// Finish returns the first error encountered, or ErrMalformed if the message
// was not fully consumed.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.pos)
	}
	return nil
}

// Writer is an append-only big endian message builder.
type Writer struct {
	buf []byte
	err error
}

// Uint8 appends a single byte.
func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

// Uint16 appends a big endian 16 bit integer.
func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = append(w.buf, byte(v>>8), byte(v))
	return w
}

// Uint32 appends a big endian 32 bit integer.
func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = append(w.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return w
}

// Bytes appends raw bytes without any length prefix.
func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Prefixed16 appends a 16 bit length prefix followed by the bytes themselves.
// Values longer than the prefix can express record ErrFieldTooLong.
func (w *Writer) Prefixed16(b []byte, what string) *Writer {
	if len(b) > 1<<16-1 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLong, what, len(b))
		}
		return w
	}
	return w.Uint16(uint16(len(b))).Bytes(b)
}

// Build returns the assembled message or the first error recorded.
func (w *Writer) Build() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}
