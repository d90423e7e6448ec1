// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package link

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coronanet/go-erldist/wire"
)

// newLink creates a link over a connection, failing the test on error.
func newLink(t *testing.T, conn net.Conn, config Config) *Link {
	t.Helper()

	l, err := New(conn, config)
	if err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}
	return l
}

// Tests that messages written on one side of a link arrive intact on the other,
// with both supported header sizes.
func TestLinkRoundtrip(t *testing.T) {
	for _, header := range []int{2, 4} {
		left, right := net.Pipe()

		a := newLink(t, left, Config{Peer: "bat", HeaderLen: header, Tick: -1, Idle: -1})
		b := newLink(t, right, Config{Peer: "bit", HeaderLen: header, Tick: -1, Idle: -1})

		payloads := [][]byte{[]byte("hello"), bytes.Repeat([]byte{0xff}, 1024), {0}}
		go func() {
			for _, payload := range payloads {
				if err := a.Write(payload); err != nil {
					t.Errorf("header %d: failed to write message: %v", header, err)
				}
			}
		}()
		for i, want := range payloads {
			have, err := b.Read()
			if err != nil {
				t.Fatalf("header %d: failed to read message %d: %v", header, i, err)
			}
			if !bytes.Equal(have, want) {
				t.Errorf("header %d: message %d mismatch: have %x, want %x", header, i, have, want)
			}
		}
		a.Close()
		b.Close()
	}
}

// Tests that empty tick frames are skipped on read and cannot be written as
// regular messages.
func TestLinkTickSkipping(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()

	l := newLink(t, right, Config{Tick: -1, Idle: -1})
	defer l.Close()

	go left.Write([]byte{0, 0, 0, 0, 0, 2, 'h', 'i'})

	have, err := l.Read()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	if string(have) != "hi" {
		t.Errorf("message mismatch: have %q, want %q", have, "hi")
	}
	if err := l.Write(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("error mismatch: have %v, want %v", err, ErrEmptyPayload)
	}
}

// Tests that an idle link emits tick frames periodically.
func TestLinkTickEmission(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()

	l := newLink(t, right, Config{Tick: 10 * time.Millisecond, Idle: -1})
	defer l.Close()

	left.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < 3; i++ {
		tick := make([]byte, 2)
		if _, err := io.ReadFull(left, tick); err != nil {
			t.Fatalf("Failed to read tick %d: %v", i, err)
		}
		if !bytes.Equal(tick, []byte{0, 0}) {
			t.Errorf("tick %d mismatch: have %x, want 0000", i, tick)
		}
	}
}

// Tests that a silent peer gets disconnected, whereas a ticking one is kept.
func TestLinkIdleTimeout(t *testing.T) {
	// Silent peer, link must break
	left, right := net.Pipe()
	defer left.Close()

	l := newLink(t, right, Config{Tick: -1, Idle: 50 * time.Millisecond})
	defer l.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := l.Read()
		errc <- err
	}()
	select {
	case err := <-errc:
		if err == nil {
			t.Errorf("silent link read succeeded")
		}
	case <-time.After(time.Second):
		t.Fatalf("silent link not torn down")
	}
	// Ticking peer, link must survive well past the idle timeout
	left, right = net.Pipe()

	ticker := newLink(t, left, Config{Tick: 10 * time.Millisecond, Idle: -1})
	defer ticker.Close()

	l = newLink(t, right, Config{Tick: -1, Idle: 50 * time.Millisecond})
	defer l.Close()

	go func() {
		_, err := l.Read()
		errc <- err
	}()
	time.AfterFunc(200*time.Millisecond, func() { ticker.Write([]byte("alive")) })

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ticking link torn down: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ticking link message lost")
	}
}

// Tests that inbound frames above the configured limit are rejected.
func TestLinkOversizedFrame(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()

	l := newLink(t, right, Config{MaxSize: 8, Tick: -1, Idle: -1})
	defer l.Close()

	go left.Write([]byte{0, 9})

	if _, err := l.Read(); !errors.Is(err, wire.ErrOversizedFrame) {
		t.Errorf("error mismatch: have %v, want %v", err, wire.ErrOversizedFrame)
	}
}

// Tests that the idle timeout tears down the whole link even if nobody is
// reading from it, so owners waiting on Done get notified.
func TestLinkIdleTeardownWithoutReader(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()

	l := newLink(t, right, Config{Tick: -1, Idle: 50 * time.Millisecond})
	defer l.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("Idle link not torn down")
	}
	if err := l.Write([]byte("late")); err == nil {
		t.Errorf("write on torn down link succeeded")
	}
	if _, err := l.Read(); err == nil {
		t.Errorf("read on torn down link succeeded")
	}
}

// Tests that a failing tick tears down the link.
func TestLinkTickFailure(t *testing.T) {
	left, right := net.Pipe()

	l := newLink(t, right, Config{Tick: 10 * time.Millisecond, Idle: -1})
	defer l.Close()

	left.Close()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("Link with failing ticks not torn down")
	}
}

// Tests that unsupported frame header sizes are refused upfront instead of
// failing on the first write.
func TestLinkHeaderLength(t *testing.T) {
	for _, header := range []int{1, 3, 8} {
		left, right := net.Pipe()

		if _, err := New(right, Config{HeaderLen: header, Tick: time.Millisecond, Idle: -1}); !errors.Is(err, wire.ErrHeaderLength) {
			t.Errorf("header %d: error mismatch: have %v, want %v", header, err, wire.ErrHeaderLength)
		}
		left.Close()
		right.Close()
	}
}
