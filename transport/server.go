// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package transport moves distribution connections across the network: it opens
// listeners and dialers through a pluggable gateway, runs the handshake on every
// new connection and keeps the resulting links de-duplicated by node name.
package transport

import (
	"context"
	"net"

	"github.com/coronanet/go-erldist/handshake"
	"github.com/coronanet/go-erldist/internal/netutil"
	"github.com/coronanet/go-erldist/link"
	"github.com/ethereum/go-ethereum/log"
)

// ServerConfig can be used to fine tune the initial setup of a server.
type ServerConfig struct {
	Gateway Gateway  // Gateway to open the listener through
	Address string   // Address to listen on, zero port for any
	PeerSet *PeerSet // Handshake runner, connection de-duplicator and handler

	Logger log.Logger // Logger to allow injecting pre-networking context
}

// Server listens for inbound distribution connections and runs the acceptor
// side of the handshake on each of them.
type Server struct {
	listener net.Listener       // Listener for inbound connections
	listQuit chan error         // Termination channel for the listener goroutine
	cancel   context.CancelFunc // Aborts in-flight handshakes on close
	logger   log.Logger         // Logger to help trace connections
}

// NewServer opens a listener and starts accepting distribution connections.
func NewServer(config ServerConfig) (*Server, error) {
	listener, err := config.Gateway.Listen(context.Background(), config.Address)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		listener: listener,
		listQuit: make(chan error),
		cancel:   cancel,
		logger:   logger.New("listener", listener.Addr().String()),
	}
	go server.loop(ctx, config.PeerSet)

	return server, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	_, port, err := splitPort(s.listener.Addr().String())
	if err != nil {
		return 0
	}
	return port
}

// loop keeps accepting network connections until it's torn down.
func (s *Server) loop(ctx context.Context, peerset *PeerSet) {
	// Loop until accept fails (typically the server is closed)
	s.logger.Info("Distribution server listening")

	var err error
	for err == nil {
		var conn net.Conn
		if conn, err = s.listener.Accept(); err == nil {
			go peerset.handle(ctx, conn, handshake.Acceptor) // We don't care about the error
		}
	}
	// Something went wrong, terminate
	s.logger.Info("Distribution server terminating", "err", err)
	s.listQuit <- err
}

// Close terminates the server's listener socket and aborts any handshakes in
// progress. Established links are owned by the peer set.
func (s *Server) Close() error {
	s.cancel()

	err := s.listener.Close()
	<-s.listQuit // Accept failure caused by the close above

	return err
}

// DialConfig can be used to fine tune the dialing process.
type DialConfig struct {
	Gateway Gateway  // Gateway to dial through
	Address string   // Address of the remote node's distribution listener
	PeerSet *PeerSet // Handshake runner, connection de-duplicator and handler
}

// Dial attempts to connect to a remote node at the specified address, and if
// successful, runs the initiator side of the handshake. If all is ok, the link
// is added to the peer set and returned.
func Dial(ctx context.Context, config DialConfig) (*link.Link, error) {
	dialer, err := config.Gateway.Dialer(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := netutil.DialContext(ctx, dialer, "tcp", config.Address)
	if err != nil {
		return nil, err
	}
	return config.PeerSet.handle(ctx, conn, handshake.Initiator)
}
