// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package link

import (
	"net"
	"time"
)

// breaker is a net.Conn wrapper that automatically disconnects if the remote
// side stays silent for a pre-configured amount of time. Only inbound traffic
// counts, otherwise our own ticks would keep a dead peer around forever.
type breaker struct {
	net.Conn // Pass everything non-interesting through

	timeout time.Duration // Duration to reset to on traffic
	breaker *time.Timer   // Timer that will break the connection
}

// newBreaker creates a net.Conn wrapper that breaks after a pre-configured time.
// The onBreak callback runs after the connection was closed by the timer.
func newBreaker(conn net.Conn, timeout time.Duration, onBreak func()) *breaker {
	return &breaker{
		Conn:    conn,
		timeout: timeout,
		breaker: time.AfterFunc(timeout, func() {
			conn.Close()
			onBreak()
		}),
	}
}

// Read implements net.Conn, resetting the idle timer whenever data arrives.
func (b *breaker) Read(buf []byte) (int, error) {
	n, err := b.Conn.Read(buf)
	if n > 0 {
		b.breaker.Reset(b.timeout)
	}
	return n, err
}

// Close implements net.Conn, stopping the idle timer too.
func (b *breaker) Close() error {
	b.breaker.Stop()
	return b.Conn.Close()
}
