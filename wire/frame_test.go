// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// Tests that the frame header always carries the exact payload length.
func TestFrameLengthPrefix(t *testing.T) {
	for _, header := range []int{2, 4} {
		framer := Framer{HeaderLen: header}
		for _, size := range []int{0, 1, 7, 255, 256, 1024} {
			frame, err := framer.Encode(bytes.Repeat([]byte{0xaa}, size))
			if err != nil {
				t.Fatalf("header %d, size %d: failed to encode: %v", header, size, err)
			}
			var have int
			if header == 2 {
				have = int(binary.BigEndian.Uint16(frame))
			} else {
				have = int(binary.BigEndian.Uint32(frame))
			}
			if have != size || len(frame) != header+size {
				t.Errorf("header %d, size %d: prefix %d, frame %d bytes", header, size, have, len(frame))
			}
		}
	}
}

// Tests that every proper prefix of a frame is rejected as truncated.
func TestFrameTruncation(t *testing.T) {
	framer := Framer{HeaderLen: 2}
	frame, _ := framer.Encode([]byte("hello"))

	for i := 0; i < len(frame); i++ {
		if _, err := framer.Decode(frame[:i]); !errors.Is(err, ErrTruncated) {
			t.Errorf("prefix %d: error mismatch: have %v, want %v", i, err, ErrTruncated)
		}
		if _, err := framer.Read(bytes.NewReader(frame[:i])); i > 0 && !errors.Is(err, ErrTruncated) {
			t.Errorf("stream prefix %d: error mismatch: have %v, want %v", i, err, ErrTruncated)
		}
	}
	if _, err := framer.Read(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("empty stream: error mismatch: have %v, want %v", err, io.EOF)
	}
	payload, err := framer.Decode(frame)
	if err != nil || string(payload) != "hello" {
		t.Fatalf("Failed to decode frame: %q, %v", payload, err)
	}
	if _, err := framer.Decode(append(frame, 0)); !errors.Is(err, ErrMalformed) {
		t.Errorf("trailing byte: error mismatch: have %v, want %v", err, ErrMalformed)
	}
}

// Tests that frames larger than the configured maximum are refused both when
// sending and when receiving.
func TestFrameOversize(t *testing.T) {
	framer := Framer{HeaderLen: 2, MaxSize: 4}

	if _, err := framer.Encode([]byte("hello")); !errors.Is(err, ErrOversizedFrame) {
		t.Errorf("encode: error mismatch: have %v, want %v", err, ErrOversizedFrame)
	}
	frame, _ := Framer{HeaderLen: 2}.Encode([]byte("hello"))
	if _, err := framer.Read(bytes.NewReader(frame)); !errors.Is(err, ErrOversizedFrame) {
		t.Errorf("read: error mismatch: have %v, want %v", err, ErrOversizedFrame)
	}
	if !IsProtocolViolation(ErrOversizedFrame) {
		t.Errorf("oversized frame not classified as protocol violation")
	}
}

// Tests that frames can be streamed back to back.
func TestFrameStream(t *testing.T) {
	var (
		framer = Framer{HeaderLen: 4}
		buffer = new(bytes.Buffer)
	)
	msgs := [][]byte{[]byte("one"), {}, []byte("three")}
	for _, msg := range msgs {
		if err := framer.Write(buffer, msg); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
	}
	for i, want := range msgs {
		have, err := framer.Read(buffer)
		if err != nil {
			t.Fatalf("frame %d: failed to read: %v", i, err)
		}
		if !bytes.Equal(have, want) {
			t.Errorf("frame %d: payload mismatch: have %q, want %q", i, have, want)
		}
	}
}

// Tests that framers with an unsupported header size refuse to operate instead
// of producing or consuming garbage.
func TestFrameHeaderLength(t *testing.T) {
	for _, header := range []int{0, 1, 3, 8, -2} {
		framer := Framer{HeaderLen: header}

		if err := framer.Validate(); !errors.Is(err, ErrHeaderLength) {
			t.Errorf("header %d: validation mismatch: have %v, want %v", header, err, ErrHeaderLength)
		}
		if _, err := framer.Encode([]byte("x")); !errors.Is(err, ErrHeaderLength) {
			t.Errorf("header %d: encode mismatch: have %v, want %v", header, err, ErrHeaderLength)
		}
		if err := framer.Write(new(bytes.Buffer), nil); !errors.Is(err, ErrHeaderLength) {
			t.Errorf("header %d: write mismatch: have %v, want %v", header, err, ErrHeaderLength)
		}
		if _, err := framer.Decode([]byte{0, 0, 0, 0}); !errors.Is(err, ErrHeaderLength) {
			t.Errorf("header %d: decode mismatch: have %v, want %v", header, err, ErrHeaderLength)
		}
		if _, err := framer.Read(bytes.NewReader([]byte{0, 0, 0, 0})); !errors.Is(err, ErrHeaderLength) {
			t.Errorf("header %d: read mismatch: have %v, want %v", header, err, ErrHeaderLength)
		}
	}
	if IsProtocolViolation(ErrHeaderLength) {
		t.Errorf("local header misconfiguration classified as protocol violation")
	}
}

// Tests the flag set helpers.
func TestFlags(t *testing.T) {
	flags := FlagPublished.Set(FlagMapTag)

	if !flags.Has(FlagPublished) || !flags.Has(FlagMapTag) || flags.Has(FlagAtomCache) {
		t.Fatalf("flag membership mismatch: %v", flags)
	}
	if have := flags.Intersect(FlagMapTag | FlagAtomCache); have != FlagMapTag {
		t.Errorf("intersection mismatch: have %v, want %v", have, FlagMapTag)
	}
	if have := flags.Missing(FlagPublished | FlagUTF8Atoms); have != FlagUTF8Atoms {
		t.Errorf("missing mismatch: have %v, want %v", have, FlagUTF8Atoms)
	}
	if have, want := (FlagPublished | 0x8000).String(), "[published,0x8000]"; have != want {
		t.Errorf("string mismatch: have %s, want %s", have, want)
	}
}
