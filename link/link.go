// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package link wraps an authenticated distribution connection into a stream of
// opaque, length prefixed messages. Payloads are never interpreted; the only
// thing the link itself understands is the empty tick frame peers send to keep
// each other alive.
package link

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/wire"
	"github.com/ethereum/go-ethereum/log"
)

// ErrEmptyPayload is returned if an empty message is written, as that would be
// indistinguishable from a tick on the wire.
var ErrEmptyPayload = errors.New("empty link payload")

// Config can be used to fine tune a distribution link.
type Config struct {
	Peer    string     // Name of the authenticated remote node
	Flags   wire.Flags // Capabilities negotiated during the handshake
	Version uint16     // Distribution version negotiated during the handshake

	HeaderLen int           // Size of the frame length prefix, 2 or 4 (0 = default)
	MaxSize   int           // Maximum inbound payload size (0 = default)
	Tick      time.Duration // Interval between keepalive ticks (0 = default, <0 = off)
	Idle      time.Duration // Maximum silence before disconnecting (0 = default, <0 = off)

	Logger log.Logger // Logger to allow injecting contextual tags
}

// Link is an established distribution connection to a remote node.
type Link struct {
	conn   net.Conn    // Connection wrapped into the idle breaker
	framer wire.Framer // Frame codec for the connection

	peer    string
	flags   wire.Flags
	version uint16

	wlock sync.Mutex    // Serializes writes between users and the ticker
	quit  chan struct{} // Closed when the link is torn down
	once  sync.Once

	logger log.Logger
}

// New takes ownership of a connection that finished the distribution handshake
// and starts maintaining it. The connection is left untouched on error.
func New(conn net.Conn, config Config) (*Link, error) {
	if config.HeaderLen == 0 {
		config.HeaderLen = params.LinkHeaderLen
	}
	if config.MaxSize == 0 {
		config.MaxSize = params.MaxFrameSize
	}
	if config.Tick == 0 {
		config.Tick = params.LinkTickInterval
	}
	if config.Idle == 0 {
		config.Idle = params.LinkIdleTimeout
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	framer := wire.Framer{HeaderLen: config.HeaderLen, MaxSize: config.MaxSize}
	if err := framer.Validate(); err != nil {
		return nil, err
	}
	link := &Link{
		conn:    conn,
		framer:  framer,
		peer:    config.Peer,
		flags:   config.Flags,
		version: config.Version,
		quit:    make(chan struct{}),
		logger:  config.Logger.New("peer", config.Peer),
	}
	if config.Idle > 0 {
		link.conn = newBreaker(conn, config.Idle, link.expire)
	}
	if config.Tick > 0 {
		go link.ticker(config.Tick)
	}
	return link, nil
}

// Peer returns the name of the remote node.
func (l *Link) Peer() string { return l.peer }

// Flags returns the capabilities negotiated with the remote node.
func (l *Link) Flags() wire.Flags { return l.flags }

// Version returns the distribution version negotiated with the remote node.
func (l *Link) Version() uint16 { return l.version }

// RemoteAddr returns the network address of the remote node.
func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// Read blocks until the next message arrives from the remote node. Ticks are
// consumed silently. Any failure tears the link down. Read is not safe for
// concurrent use.
func (l *Link) Read() ([]byte, error) {
	for {
		payload, err := l.framer.Read(l.conn)
		if err != nil {
			l.Close()
			return nil, err
		}
		if len(payload) > 0 {
			return payload, nil
		}
		l.logger.Trace("Link tick received")
	}
}

// Write sends a message to the remote node. It is safe for concurrent use.
func (l *Link) Write(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	l.wlock.Lock()
	defer l.wlock.Unlock()

	return l.framer.Write(l.conn, payload)
}

// Done returns a channel that is closed when the link is torn down, either
// locally, by a failed read or tick, or by the idle timeout.
func (l *Link) Done() <-chan struct{} {
	return l.quit
}

// Close tears down the link.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.quit)
		err = l.conn.Close()
		l.logger.Debug("Distribution link closed")
	})
	return err
}

// expire is called by the idle breaker after it closed the connection, marking
// the link torn down even if nobody is reading from it.
func (l *Link) expire() {
	l.once.Do(func() {
		close(l.quit)
		l.logger.Debug("Distribution link timed out")
	})
}

// ticker periodically sends an empty frame to keep the remote side from timing
// out the link.
func (l *Link) ticker(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			l.wlock.Lock()
			err := l.framer.Write(l.conn, nil)
			l.wlock.Unlock()

			if err != nil {
				l.logger.Debug("Link tick failed", "err", err)
				l.Close()
				return
			}
		case <-l.quit:
			return
		}
	}
}
