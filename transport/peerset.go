// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/coronanet/go-erldist/handshake"
	"github.com/coronanet/go-erldist/link"
	"github.com/coronanet/go-erldist/wire"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrDuplicateLink is returned if a handshake completes with a peer that is
	// already linked.
	ErrDuplicateLink = errors.New("duplicate link")

	// ErrPeerSetClosed is returned if a connection is handed to a closed set.
	ErrPeerSetClosed = errors.New("peer set closed")
)

// LinkHandler is a network callback for authenticated links. The link is torn
// down when the handler returns. Handlers should keep reading the link, as only
// inbound traffic keeps the idle timeout from firing.
type LinkHandler func(lnk *link.Link, logger log.Logger)

// PeerSetConfig can be used to fine tune the initial setup of a peer set.
type PeerSetConfig struct {
	Name     string                   // Local node name announced to peers
	Cookie   string                   // Shared secret to authenticate peers with
	Digest   handshake.DigestEncoding // Challenge hashing mode of the mesh
	Flags    wire.Flags               // Capabilities offered to peers (0 = default)
	Required wire.Flags               // Capabilities peers must offer
	Allowed  []string                 // Node names allowed to connect (empty = anyone)

	Handler   LinkHandler   // Handler to run for each added link (nil = discard inbound)
	Timeout   time.Duration // Time allowance for a handshake step (0 = default)
	HeaderLen int           // Frame header size on established links, 2 or 4 (0 = default)
	Tick      time.Duration // Keepalive interval on established links (0 = default)
	Idle      time.Duration // Maximum idle time after which to disconnect (0 = default)

	Logger log.Logger // Logger to allow injecting pre-networking context
}

// PeerSet is a collection of live distribution links. Its purpose is to run the
// handshakes of both inbound and outbound connections and to de-duplicate links
// by remote node name.
type PeerSet struct {
	config PeerSetConfig // Handshake and link settings for new connections

	allowed map[string]struct{}   // Node names permitted to link up (nil = anyone)
	links   map[string]*link.Link // Currently live links by remote node name

	logger log.Logger   // Contextual logger with optional embedded tags
	lock   sync.RWMutex // Lock protecting the set's internals
}

// NewPeerSet creates an empty peer set.
func NewPeerSet(config PeerSetConfig) (*PeerSet, error) {
	if config.HeaderLen != 0 {
		if err := (wire.Framer{HeaderLen: config.HeaderLen}).Validate(); err != nil {
			return nil, err
		}
	}
	peerset := &PeerSet{
		config: config,
		links:  make(map[string]*link.Link),
		logger: config.Logger,
	}
	if len(config.Allowed) > 0 {
		peerset.allowed = make(map[string]struct{})
		for _, name := range config.Allowed {
			peerset.allowed[name] = struct{}{}
		}
	}
	if peerset.logger == nil {
		peerset.logger = log.Root()
	}
	return peerset, nil
}

// Close terminates all peer links.
func (ps *PeerSet) Close() error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.links == nil {
		return nil
	}
	for _, link := range ps.links {
		link.Close()
	}
	ps.links = nil
	return nil
}

// Peers returns the names of all currently linked nodes.
func (ps *PeerSet) Peers() []string {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	names := make([]string, 0, len(ps.links))
	for name := range ps.links {
		names = append(names, name)
	}
	return names
}

// Link returns the live link to a remote node, or nil if not connected.
func (ps *PeerSet) Link(name string) *link.Link {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	return ps.links[name]
}

// Allow adds a node name to the set of peers permitted to link up. Calling it
// on a set without an allow list switches it to enforcing one.
func (ps *PeerSet) Allow(name string) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.allowed == nil {
		ps.allowed = make(map[string]struct{})
	}
	if _, ok := ps.allowed[name]; ok {
		return errors.New("already allowed")
	}
	ps.allowed[name] = struct{}{}
	return nil
}

// Disallow removes a node name from the set of permitted peers. A live link to
// the node is also dropped.
func (ps *PeerSet) Disallow(name string) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if _, ok := ps.allowed[name]; !ok {
		return errors.New("not allowed")
	}
	if link, ok := ps.links[name]; ok {
		link.Close()
	}
	delete(ps.allowed, name)
	delete(ps.links, name)

	return nil
}

// admit is the acceptor side verdict on a named peer.
func (ps *PeerSet) admit(name string) handshake.Status {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	if ps.allowed != nil {
		if _, ok := ps.allowed[name]; !ok {
			return handshake.StatusNotAllowed
		}
	}
	if _, ok := ps.links[name]; ok {
		return handshake.StatusNOK
	}
	return handshake.StatusOK
}

// handle is responsible for doing the distribution handshake with a remote
// peer, and if passed, to establish a persistent link until it's torn down or
// breaks. The link is returned as soon as it's up; the handler runs on its own.
func (ps *PeerSet) handle(ctx context.Context, conn net.Conn, role handshake.Role) (*link.Link, error) {
	config := handshake.Config{
		Name:     ps.config.Name,
		Cookie:   ps.config.Cookie,
		Digest:   ps.config.Digest,
		Flags:    ps.config.Flags,
		Required: ps.config.Required,
	}
	session := handshake.NewInitiator(config)
	if role == handshake.Acceptor {
		config.Admit = ps.admit
		session = handshake.NewAcceptor(config)
	}
	result, err := handshake.Run(ctx, conn, session, handshake.RunConfig{
		Timeout: ps.config.Timeout,
		Logger:  ps.logger,
	})
	if err != nil {
		ps.logger.Warn("Remote connection failed handshake", "remote", conn.RemoteAddr(), "role", role, "err", err)
		return nil, err
	}
	logger := ps.logger.New("peer", result.Peer)

	lnk, err := link.New(conn, link.Config{
		Peer:      result.Peer,
		Flags:     result.Flags,
		Version:   result.Version,
		HeaderLen: ps.config.HeaderLen,
		Tick:      ps.config.Tick,
		Idle:      ps.config.Idle,
		Logger:    ps.logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	// Deduplicate the link, a concurrent handshake might have won the race
	ps.lock.Lock()
	if ps.links == nil {
		ps.lock.Unlock()
		lnk.Close()
		return nil, ErrPeerSetClosed
	}
	if ps.allowed != nil {
		if _, ok := ps.allowed[result.Peer]; !ok {
			// This path triggers if we dialed a peer that is not on our own
			// allow list. It signals a bad usage of the package.
			logger.Error("Link established but peer not allowed")
			ps.lock.Unlock()
			lnk.Close()
			return nil, errors.New("peer not allowed")
		}
	}
	if _, ok := ps.links[result.Peer]; ok {
		logger.Debug("New peer link deduplicated")
		ps.lock.Unlock()
		lnk.Close()
		return nil, ErrDuplicateLink
	}
	logger.Debug("New peer link established", "flags", result.Flags)
	ps.links[result.Peer] = lnk
	ps.lock.Unlock()

	go ps.run(lnk, logger)
	return lnk, nil
}

// run keeps a link alive until it's torn down, passing it to the user handler
// if one was configured.
func (ps *PeerSet) run(lnk *link.Link, logger log.Logger) {
	// Ensure the link is removed from the pool on disconnect
	defer func() {
		ps.lock.Lock()
		defer ps.lock.Unlock()

		logger.Debug("Peer link torn down")
		if ps.links[lnk.Peer()] == lnk {
			delete(ps.links, lnk.Peer())
		}
	}()
	if ps.config.Handler == nil {
		for {
			msg, err := lnk.Read()
			if err != nil {
				logger.Trace("Peer link read failed", "err", err)
				return
			}
			logger.Trace("Discarding unhandled message", "size", len(msg))
		}
	}
	ps.config.Handler(lnk, logger)
	lnk.Close()
}
