// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package epmd is a client for the Erlang port mapper daemon, the name service
// mapping node names to distribution ports on a host.
//
// Every operation opens its own short lived connection, sends a single request
// and reads a single reply. The only exception is registration: the daemon
// considers a node alive for as long as its registration connection is open, so
// the connection is handed back to the caller wrapped in a Registration.
package epmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"time"

	"github.com/coronanet/go-erldist/internal/netutil"
	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/wire"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/net/proxy"
)

var (
	// ErrUnreachable is returned if the daemon could not be connected to.
	ErrUnreachable = errors.New("daemon unreachable")

	// ErrTimeout is returned if the daemon did not answer within the deadline.
	ErrTimeout = errors.New("daemon timeout")

	// ErrConnectionReset is returned if the daemon dropped the connection in the
	// middle of an exchange.
	ErrConnectionReset = errors.New("daemon connection reset")

	// ErrRejected is returned if the daemon refused a registration, typically
	// because the name is already taken.
	ErrRejected = errors.New("registration rejected")

	// ErrNotFound is returned if a port lookup names an unregistered node.
	ErrNotFound = errors.New("node not found")
)

// maxReplySize caps replies that are read until the daemon closes the stream.
const maxReplySize = 1 << 20

// UnexpectedResponseError is returned if the daemon answered with a reply of a
// different kind than requested. The reply itself is kept for inspection.
type UnexpectedResponseError struct {
	Response Response
}

// Error implements error.
func (err *UnexpectedResponseError) Error() string {
	if unknown, ok := err.Response.(*UnknownResponse); ok {
		return fmt.Sprintf("unexpected daemon response: %x", unknown.Raw)
	}
	return fmt.Sprintf("unexpected daemon response: %T", err.Response)
}

// IsConnectionError reports whether err is a transient networking failure that
// can be retried with a fresh connection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionReset)
}

// Config can be used to fine tune the daemon client.
type Config struct {
	Host    string        // Default daemon host (empty = loopback)
	Port    int           // Default daemon port (0 = 4369)
	Dialer  proxy.Dialer  // Dialer to reach the daemon through (nil = direct)
	Timeout time.Duration // Time allowance for a full request (0 = default)

	Logger log.Logger // Logger to allow injecting contextual tags
}

// Client talks to a name resolution daemon.
type Client struct {
	host    string
	port    int
	dialer  proxy.Dialer
	timeout time.Duration
	logger  log.Logger
}

// NewClient creates a daemon client. No connection is made until a request is
// issued.
func NewClient(config Config) *Client {
	client := &Client{
		host:    config.Host,
		port:    config.Port,
		dialer:  config.Dialer,
		timeout: config.Timeout,
		logger:  config.Logger,
	}
	if client.host == "" {
		client.host = params.EPMDHost
	}
	if client.port == 0 {
		client.port = params.EPMDPort
	}
	if client.dialer == nil {
		client.dialer = proxy.Direct
	}
	if client.timeout == 0 {
		client.timeout = params.EPMDTimeout
	}
	if client.logger == nil {
		client.logger = log.Root()
	}
	return client
}

// Register announces a local node to the daemon. On success the returned token
// owns the daemon connection; the node stays registered until it is closed.
func (c *Client) Register(ctx context.Context, node NodeInfo) (*Registration, error) {
	return c.RegisterRequest(ctx, NewAlive2Request(node))
}

// RegisterRequest is the raw form of Register, allowing the caller to customize
// every field of the registration (hidden nodes, version ranges, extras).
func (c *Client) RegisterRequest(ctx context.Context, req *Alive2Request) (*Registration, error) {
	logger := c.logger.New("daemon", net.JoinHostPort(c.host, strconv.Itoa(c.port)), "node", req.Name)

	blob, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, c.host, c.port)
	if err != nil {
		logger.Debug("Failed to reach daemon", "err", err)
		return nil, err
	}
	stop := c.watch(ctx, conn)
	reply, err := c.exchange(conn, blob, func(r io.Reader) ([]byte, error) {
		reply := make([]byte, alive2ResponseLen)
		if _, err := io.ReadFull(r, reply); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("%w: registration reply", wire.ErrTruncated)
			}
			return nil, err
		}
		return reply, nil
	})
	stop()
	if err != nil {
		conn.Close()
		return nil, c.classify(ctx, err)
	}
	res, err := DecodeResponse(reply)
	if err != nil {
		conn.Close()
		return nil, err
	}
	alive, ok := res.(*Alive2Result)
	if !ok {
		conn.Close()
		return nil, &UnexpectedResponseError{Response: res}
	}
	if !alive.Success {
		conn.Close()
		logger.Warn("Daemon rejected registration")
		return nil, ErrRejected
	}
	// Registration accepted, clear the request deadlines and hand over the link
	conn.SetDeadline(time.Time{})
	logger.Info("Registered with daemon", "port", req.Port, "creation", alive.Creation)

	return newRegistration(NodeInfo{Name: req.Name, Port: req.Port}, alive.Creation, conn, logger), nil
}

// Names lists all the nodes registered at a daemon. An empty host or zero port
// defaults to the configured daemon.
func (c *Client) Names(ctx context.Context, host string, port int) ([]NodeInfo, error) {
	reply, err := c.request(ctx, host, port, new(NamesRequest))
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, nil
	}
	res, err := DecodeNames(reply)
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

// PortPlease looks up the distribution port of a node. An empty host or zero
// port defaults to the configured daemon.
func (c *Client) PortPlease(ctx context.Context, name string, host string, port int) (*PortResult, error) {
	reply, err := c.request(ctx, host, port, &PortPleaseRequest{Name: name})
	if err != nil {
		return nil, err
	}
	res, err := DecodeResponse(reply)
	if err != nil {
		return nil, err
	}
	result, ok := res.(*PortResult)
	if !ok {
		return nil, &UnexpectedResponseError{Response: res}
	}
	if !result.Found() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return result, nil
}

// Kill requests the configured daemon to shut down. The daemon answers "OK".
func (c *Client) Kill(ctx context.Context) error {
	reply, err := c.request(ctx, "", 0, new(KillRequest))
	if err != nil {
		return err
	}
	if string(reply) != "OK" {
		return &UnexpectedResponseError{Response: &UnknownResponse{Raw: reply}}
	}
	return nil
}

// Stop requests the configured daemon to forcefully unregister a node. The
// result reports whether the node was registered at all.
func (c *Client) Stop(ctx context.Context, name string) (bool, error) {
	reply, err := c.request(ctx, "", 0, &StopRequest{Name: name})
	if err != nil {
		return false, err
	}
	switch string(reply) {
	case "STOPPED":
		return true, nil
	case "NOEXIST":
		return false, nil
	default:
		return false, &UnexpectedResponseError{Response: &UnknownResponse{Raw: reply}}
	}
}

// Dump retrieves a textual diagnostic dump from the configured daemon.
func (c *Client) Dump(ctx context.Context) (*DumpResult, error) {
	reply, err := c.request(ctx, "", 0, new(DumpRequest))
	if err != nil {
		return nil, err
	}
	return DecodeDump(reply)
}

// request runs a one-shot exchange against a daemon: dial, send the request and
// read everything until the daemon closes the stream.
func (c *Client) request(ctx context.Context, host string, port int, req Request) ([]byte, error) {
	if host == "" {
		host = c.host
	}
	if port == 0 {
		port = c.port
	}
	blob, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, host, port)
	if err != nil {
		c.logger.Debug("Failed to reach daemon", "host", host, "port", port, "err", err)
		return nil, err
	}
	defer conn.Close()

	stop := c.watch(ctx, conn)
	defer stop()

	reply, err := c.exchange(conn, blob, func(r io.Reader) ([]byte, error) {
		return ioutil.ReadAll(io.LimitReader(r, maxReplySize))
	})
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	c.logger.Trace("Daemon request served", "host", host, "port", port, "tag", req.Tag(), "reply", len(reply))
	return reply, nil
}

// exchange writes a request and collects the reply through the given reader.
func (c *Client) exchange(conn net.Conn, req []byte, read func(io.Reader) ([]byte, error)) ([]byte, error) {
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	return read(conn)
}

// dial opens a connection to a daemon, bounded by both the context and the
// configured request timeout. The deadline is also applied to the connection.
func (c *Client) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := netutil.DialContext(ctx, c.dialer, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return conn, nil
}

// watch aborts any pending I/O on the connection if the context is cancelled.
// The returned function must be called to release the watcher; once it returns,
// the watcher will not touch the connection any more.
func (c *Client) watch(ctx context.Context, conn net.Conn) func() {
	stop, stopped := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(stopped)

		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

// classify maps a low level I/O failure into the package's error taxonomy.
func (c *Client) classify(ctx context.Context, err error) error {
	if wire.IsProtocolViolation(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return ctxErr
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionReset, err)
}
