// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package epmd

import (
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Registration is the proof of a node being announced at a daemon. It owns the
// registration connection: closing it, or the daemon dropping it, removes the
// node from the daemon's table.
type Registration struct {
	node     NodeInfo // Node announced through this registration
	creation [2]byte  // Creation value assigned by the daemon

	conn   net.Conn      // Daemon connection keeping the registration alive
	done   chan struct{} // Closed when the daemon connection is lost
	err    error         // Failure that terminated the connection, if any
	logger log.Logger

	once sync.Once
}

// newRegistration wraps an accepted registration connection and starts watching
// it for the daemon hanging up.
func newRegistration(node NodeInfo, creation [2]byte, conn net.Conn, logger log.Logger) *Registration {
	reg := &Registration{
		node:     node,
		creation: creation,
		conn:     conn,
		done:     make(chan struct{}),
		logger:   logger,
	}
	go reg.loop()
	return reg
}

// loop blocks on the registration connection until it breaks. The daemon never
// sends anything after the registration reply, so any read return is terminal.
func (r *Registration) loop() {
	var (
		buf = make([]byte, 64)
		err error
	)
	for err == nil {
		var n int
		if n, err = r.conn.Read(buf); n > 0 {
			r.logger.Warn("Unexpected data on registration link", "bytes", n)
		}
	}
	r.logger.Debug("Daemon registration link closed", "err", err)
	r.err = err
	close(r.done)
}

// Node returns the node announced through this registration.
func (r *Registration) Node() NodeInfo {
	return r.node
}

// Creation returns the creation value the daemon assigned to the node.
func (r *Registration) Creation() [2]byte {
	return r.creation
}

// Done returns a channel that is closed when the registration is lost.
func (r *Registration) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that terminated the registration link. It is only valid
// after Done is closed.
func (r *Registration) Err() error {
	return r.err
}

// Close unregisters the node by tearing down the daemon connection.
func (r *Registration) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
		<-r.done
		r.logger.Info("Unregistered from daemon")
	})
	return err
}
