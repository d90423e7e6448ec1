// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package erldist implements a node of an Erlang style distribution mesh. It
// registers itself with the local port mapper daemon, resolves remote nodes via
// theirs and upgrades connections into authenticated distribution links using
// the cookie based challenge handshake.
package erldist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/coronanet/go-erldist/epmd"
	"github.com/coronanet/go-erldist/handshake"
	"github.com/coronanet/go-erldist/link"
	"github.com/coronanet/go-erldist/nodedb"
	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/transport"
	"github.com/ethereum/go-ethereum/log"
)

// ErrNodeClosed is returned if an operation is attempted on a closed node.
var ErrNodeClosed = errors.New("node closed")

// Node is a live member of a distribution mesh, listening for inbound links and
// able to dial out to other nodes by name.
type Node struct {
	name string // Short node name registered with the daemon
	host string // Host part of the full node name

	gateway transport.Gateway  // Network to operate on
	daemon  *epmd.Client       // Port mapper client of the local host
	cache   *nodedb.DB         // Resolved remote ports
	peers   *transport.PeerSet // Live links, deduplicated by node name
	server  *transport.Server  // Listener for inbound links
	token   *epmd.Registration // Registration keeping the node visible

	scheduleAdd        chan string   // Nodes to start keeping linked
	scheduleDrop       chan string   // Nodes to stop keeping linked
	scheduleTeardown   chan struct{} // Requests the scheduler to stop
	scheduleTerminated chan struct{} // Signals that the scheduler stopped

	closed bool
	lock   sync.RWMutex
	logger log.Logger
}

// NewNode creates a distribution node: it opens the listener, registers the
// listener's port with the local daemon and starts accepting links.
func NewNode(config Config) (*Node, error) {
	if config.Gateway == nil {
		config.Gateway = transport.NewDirectGateway()
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultConfig.ListenAddr
	}
	// Resolve the identity of the node
	name, host := splitName(config.Name)
	if name == "" {
		return nil, errors.New("missing node name")
	}
	if host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		host = hostname
	}
	if config.Cookie == "" {
		cookie, err := ReadCookie("")
		if err != nil {
			return nil, fmt.Errorf("no cookie configured: %v", err)
		}
		config.Cookie = cookie
	}
	var digest handshake.DigestEncoding
	switch config.Digest {
	case "", "raw":
		digest = handshake.DigestRaw
	case "decimal":
		digest = handshake.DigestDecimal
	default:
		return nil, fmt.Errorf("unknown digest mode %q", config.Digest)
	}
	logger := config.Logger.New("node", name+"@"+host)
	logger.Info("Starting distribution node", "cookie", cookieFingerprint(config.Cookie), "hidden", config.Hidden)

	// Open the resolution cache and the daemon client
	cache, err := nodedb.New(nodedb.Config{Path: config.DataDir, Expiry: config.CacheExpiry, Logger: logger})
	if err != nil {
		return nil, err
	}
	if _, err := cache.Expire(); err != nil {
		logger.Warn("Failed to expire resolution cache", "err", err)
	}
	dialer, err := config.Gateway.Dialer(context.Background())
	if err != nil {
		cache.Close()
		return nil, err
	}
	daemon := epmd.NewClient(epmd.Config{
		Host:   config.EPMDHost,
		Port:   config.EPMDPort,
		Dialer: dialer,
		Logger: logger,
	})
	node := &Node{
		name:               name,
		host:               host,
		gateway:            config.Gateway,
		daemon:             daemon,
		cache:              cache,
		scheduleAdd:        make(chan string),
		scheduleDrop:       make(chan string),
		scheduleTeardown:   make(chan struct{}),
		scheduleTerminated: make(chan struct{}),
		logger:             logger,
	}
	// Start accepting inbound links
	node.peers, err = transport.NewPeerSet(transport.PeerSetConfig{
		Name:      name + "@" + host,
		Cookie:    config.Cookie,
		Digest:    digest,
		Allowed:   config.Allowed,
		Handler:   config.Handler,
		Timeout:   config.HandshakeTimeout,
		HeaderLen: config.LinkHeaderLen,
		Tick:      config.TickInterval,
		Idle:      config.IdleTimeout,
		Logger:    logger,
	})
	if err != nil {
		cache.Close()
		return nil, err
	}
	node.server, err = transport.NewServer(transport.ServerConfig{
		Gateway: config.Gateway,
		Address: config.ListenAddr,
		PeerSet: node.peers,
		Logger:  logger,
	})
	if err != nil {
		cache.Close()
		return nil, err
	}
	// Announce the listener to the daemon
	req := epmd.NewAlive2Request(epmd.NodeInfo{Name: name, Port: uint16(node.server.Port())})
	if config.Hidden {
		req.NodeType = params.NodeTypeHidden
	}
	ctx, cancel := context.WithTimeout(context.Background(), params.EPMDTimeout)
	defer cancel()

	if node.token, err = node.daemon.RegisterRequest(ctx, req); err != nil {
		node.server.Close()
		node.peers.Close()
		cache.Close()
		return nil, err
	}
	go node.watch(node.token)

	// Start maintaining the links to the kept nodes and the resolution cache
	interval := config.RedialInterval
	if interval == 0 {
		interval = params.RedialInterval
	}
	sweep := config.CacheExpiry
	if sweep == 0 {
		sweep = params.ResolveCacheExpiry
	}
	kept := make([]string, 0, len(config.Connect))
	for _, peer := range config.Connect {
		kept = append(kept, node.fullName(peer))
	}
	go node.scheduler(interval, sweep, kept)

	return node, nil
}

// watch reports if the daemon drops the node's registration.
func (n *Node) watch(token *epmd.Registration) {
	<-token.Done()

	n.lock.RLock()
	closed := n.closed
	n.lock.RUnlock()

	if !closed {
		n.logger.Warn("Daemon registration lost", "err", token.Err())
	}
}

// Close deregisters the node and tears down the listener and all links.
func (n *Node) Close() error {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		return ErrNodeClosed
	}
	n.closed = true
	n.lock.Unlock()

	// Stop redialing, deregister so nobody resolves us any more, then stop accepting
	close(n.scheduleTeardown)
	<-n.scheduleTerminated

	n.token.Close()
	n.server.Close()
	n.peers.Close()

	n.logger.Info("Distribution node stopped")
	return n.cache.Close()
}

// Name returns the full name of the node.
func (n *Node) Name() string {
	return n.name + "@" + n.host
}

// Port returns the port the node accepts distribution links on.
func (n *Node) Port() int {
	return n.server.Port()
}

// Creation returns the incarnation number assigned by the daemon.
func (n *Node) Creation() [2]byte {
	return n.token.Creation()
}

// Peers returns the full names of all currently linked nodes.
func (n *Node) Peers() []string {
	return n.peers.Peers()
}

// Names lists the nodes registered with the daemon of a host. The listing
// replaces the host's entries in the resolution cache.
func (n *Node) Names(ctx context.Context, host string) ([]epmd.NodeInfo, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}
	nodes, err := n.daemon.Names(ctx, n.daemonHost(host), 0)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = n.host
	}
	n.refresh(host, nodes)
	return nodes, nil
}

// refresh caches the ports of all the nodes listed by a host's daemon and drops
// the cached ones the daemon no longer knows about.
func (n *Node) refresh(host string, nodes []epmd.NodeInfo) {
	listed := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		listed[node.Name] = struct{}{}
		n.cache.Store(host, node.Name, node.Port)
	}
	cached, err := n.cache.Nodes(host)
	if err != nil {
		n.logger.Warn("Failed to list cached nodes", "host", host, "err", err)
		return
	}
	for _, entry := range cached {
		if _, ok := listed[entry.Name]; !ok {
			n.logger.Debug("Forgetting unregistered node", "host", host, "name", entry.Name)
			n.cache.Forget(host, entry.Name)
		}
	}
}

// Dial links up with a remote node by its full name. An existing link is reused.
// The port is looked up in the resolution cache first and in the remote host's
// daemon if unknown or stale.
func (n *Node) Dial(ctx context.Context, node string) (*link.Link, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}
	full := n.fullName(node)
	name, host := splitName(full)

	if lnk := n.peers.Link(full); lnk != nil {
		return lnk, nil
	}
	logger := n.logger.New("peer", full)

	// Try a cached port first, dropping it if it leads nowhere
	if port, err := n.cache.Lookup(host, name); err == nil {
		lnk, err := n.dial(ctx, host, port)
		if err == nil {
			return lnk, nil
		}
		if !isStale(ctx, err) {
			return nil, err
		}
		logger.Debug("Cached port unreachable", "port", port, "err", err)
		n.cache.Forget(host, name)
	}
	// Resolve the port via the remote daemon and dial it
	res, err := n.daemon.PortPlease(ctx, name, n.daemonHost(host), 0)
	if err != nil {
		return nil, err
	}
	logger.Debug("Resolved node port", "port", res.Port, "type", res.NodeType, "version", res.HighVersion)
	n.cache.Store(host, name, res.Port)

	return n.dial(ctx, host, res.Port)
}

// dial connects to a distribution listener and runs the handshake.
func (n *Node) dial(ctx context.Context, host string, port uint16) (*link.Link, error) {
	return transport.Dial(ctx, transport.DialConfig{
		Gateway: n.gateway,
		Address: net.JoinHostPort(host, strconv.Itoa(int(port))),
		PeerSet: n.peers,
	})
}

// fullName qualifies a node name with the local host if it has none.
func (n *Node) fullName(node string) string {
	if name, host := splitName(node); host == "" {
		return name + "@" + n.host
	}
	return node
}

// daemonHost maps a node's host into the host of its daemon. The local host is
// served by the configured daemon.
func (n *Node) daemonHost(host string) string {
	if host == "" || host == n.host {
		return ""
	}
	return host
}

// isClosed reports whether the node was already shut down.
func (n *Node) isClosed() bool {
	n.lock.RLock()
	defer n.lock.RUnlock()

	return n.closed
}

// isStale reports whether a dial failure suggests that the cached port of a node
// no longer belongs to it, as opposed to the node itself refusing the link.
func isStale(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, refusal := range []error{
		handshake.ErrAuthFailed,
		handshake.ErrRefused,
		handshake.ErrFlagsMismatch,
		handshake.ErrVersionMismatch,
		transport.ErrDuplicateLink,
	} {
		if errors.Is(err, refusal) {
			return false
		}
	}
	return true
}
