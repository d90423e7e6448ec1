// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framer wraps payloads into length prefixed envelopes. The daemon requests and
// the handshake always use a 2 byte header, established links may use 4.
type Framer struct {
	HeaderLen int // Size of the big endian length prefix (2 or 4)
	MaxSize   int // Maximum payload size accepted on read (0 = header limit)
}

// Validate checks that the framer is configured with a supported header size.
func (f Framer) Validate() error {
	if f.HeaderLen != 2 && f.HeaderLen != 4 {
		return fmt.Errorf("%w: %d", ErrHeaderLength, f.HeaderLen)
	}
	return nil
}

// limit returns the largest payload the framer is willing to produce or accept.
func (f Framer) limit() int {
	max := 1<<16 - 1
	if f.HeaderLen == 4 {
		max = 1<<32 - 1
	}
	if f.MaxSize > 0 && f.MaxSize < max {
		max = f.MaxSize
	}
	return max
}

// header assembles the length prefix for a payload of the given size. The header
// size must already be validated.
func (f Framer) header(size int) []byte {
	head := make([]byte, f.HeaderLen)
	if f.HeaderLen == 4 {
		binary.BigEndian.PutUint32(head, uint32(size))
	} else {
		binary.BigEndian.PutUint16(head, uint16(size))
	}
	return head
}

// size parses a length prefix previously produced by header.
func (f Framer) size(head []byte) int {
	if f.HeaderLen == 4 {
		return int(binary.BigEndian.Uint32(head))
	}
	return int(binary.BigEndian.Uint16(head))
}

// Encode wraps a payload into a frame.
func (f Framer) Encode(payload []byte) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(payload) > f.limit() {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrOversizedFrame, len(payload), f.limit())
	}
	return append(f.header(len(payload)), payload...), nil
}

// Decode unwraps a single complete frame. Missing bytes are reported as a
// truncation, surplus bytes as a malformed message.
func (f Framer) Decode(frame []byte) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(frame) < f.HeaderLen {
		return nil, fmt.Errorf("%w: frame header", ErrTruncated)
	}
	size := f.size(frame[:f.HeaderLen])
	if size > f.limit() {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrOversizedFrame, size, f.limit())
	}
	body := frame[f.HeaderLen:]
	switch {
	case len(body) < size:
		return nil, fmt.Errorf("%w: frame has %d of %d bytes", ErrTruncated, len(body), size)
	case len(body) > size:
		return nil, fmt.Errorf("%w: %d trailing bytes after frame", ErrMalformed, len(body)-size)
	}
	return body, nil
}

// Read consumes exactly one frame from a stream. A stream ending in the middle
// of a frame is reported as a truncation.
func (f Framer) Read(r io.Reader) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	head := make([]byte, f.HeaderLen)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: frame header", ErrTruncated)
		}
		return nil, err
	}
	size := f.size(head)
	if size > f.limit() {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrOversizedFrame, size, f.limit())
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("%w: frame body", ErrTruncated)
		}
		return nil, err
	}
	return body, nil
}

// Write wraps a payload into a frame and sends it in a single write call.
func (f Framer) Write(w io.Writer, payload []byte) error {
	frame, err := f.Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
