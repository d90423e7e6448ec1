// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/wire"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrTimeout is returned if the remote side did not complete a handshake
	// step within the allowed time.
	ErrTimeout = errors.New("handshake timeout")

	// ErrConnectionLost is returned if the connection broke down before the
	// handshake finished.
	ErrConnectionLost = errors.New("connection lost during handshake")
)

// RunConfig can be used to fine tune driving a session over the network.
type RunConfig struct {
	Timeout time.Duration // Time allowance for a single handshake step (0 = default)
	Logger  log.Logger    // Logger to allow injecting contextual tags
}

// Result is the outcome of a successful handshake.
type Result struct {
	Role    Role       // Side of the handshake played locally
	Peer    string     // Name of the authenticated remote node
	Flags   wire.Flags // Negotiated capability set
	Version uint16     // Negotiated distribution version
}

// Run drives a handshake session over a network connection until it either
// connects or fails. On failure the connection is closed and the session is
// moved into its failed state. On success the connection is handed back with
// all deadlines cleared, ready to carry the distribution link.
func Run(ctx context.Context, conn net.Conn, session *Session, config RunConfig) (*Result, error) {
	if config.Timeout == 0 {
		config.Timeout = params.HandshakeTimeout
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	logger := config.Logger.New("remote", conn.RemoteAddr(), "role", session.Role())

	// Abort any pending network operation if the context is cancelled
	stop, stopped := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-stopped
		})
	}
	fail := func(err error) (*Result, error) {
		release()
		conn.Close()

		err = session.Fail(err)
		logger.Debug("Distribution handshake failed", "peer", session.Peer(), "state", session.State(), "err", err)
		return nil, err
	}
	// Open the exchange and keep going until the session is done
	if err := send(conn, session.Start(), config.Timeout); err != nil {
		return fail(classify(ctx, err))
	}
	for !session.Done() {
		conn.SetReadDeadline(time.Now().Add(config.Timeout))

		payload, err := framer.Read(conn)
		if err != nil {
			return fail(classify(ctx, err))
		}
		msg, err := Parse(payload, session.Expects()...)
		if err != nil {
			return fail(err)
		}
		logger.Trace("Handshake message received", "kind", msg.Kind(), "state", session.State())

		replies, err := session.Handle(msg)
		if serr := send(conn, replies, config.Timeout); serr != nil && err == nil {
			err = classify(ctx, serr)
		}
		if err != nil {
			return fail(err)
		}
	}
	release()
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	conn.SetDeadline(time.Time{})

	logger.Debug("Distribution handshake completed", "peer", session.Peer(), "flags", session.Flags(), "version", session.Version())
	return &Result{
		Role:    session.Role(),
		Peer:    session.Peer(),
		Flags:   session.Flags(),
		Version: session.Version(),
	}, nil
}

// send writes a batch of handshake messages to the connection.
func send(conn net.Conn, msgs []Message, timeout time.Duration) error {
	if len(msgs) == 0 {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	for _, msg := range msgs {
		frame, err := Encode(msg)
		if err != nil {
			return err
		}
		if _, err := conn.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// classify maps a low level I/O failure into the package's error taxonomy.
func classify(ctx context.Context, err error) error {
	if wire.IsProtocolViolation(err) || errors.Is(err, wire.ErrFieldTooLong) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if err == io.EOF {
		return fmt.Errorf("%w: remote closed", ErrConnectionLost)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
