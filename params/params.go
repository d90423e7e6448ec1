// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package params contains constants relevant to all subsystems.
package params

import "time"

const (
	// EPMDHost is the default address of the name resolution daemon.
	EPMDHost = "127.0.0.1"

	// EPMDPort is the well known TCP port the name resolution daemon listens on.
	EPMDPort = 4369
)

const (
	// NodeTypeNormal is the node type advertised by visible nodes.
	NodeTypeNormal = 77

	// NodeTypeHidden is the node type advertised by hidden nodes.
	NodeTypeHidden = 72

	// ProtocolTCP is the only transport protocol the daemon knows about.
	ProtocolTCP = 0

	// HighestVersion is the highest distribution version spoken locally.
	HighestVersion = 5

	// LowestVersion is the lowest distribution version spoken locally.
	LowestVersion = 5
)

const (
	// HandshakeHeaderLen is the size of the length prefix of every handshake
	// message and every request sent to the daemon.
	HandshakeHeaderLen = 2

	// LinkHeaderLen is the default size of the length prefix on an established
	// distribution link.
	LinkHeaderLen = 2

	// MaxFrameSize is the default maximum payload accepted in a single frame.
	MaxFrameSize = 1<<16 - 1
)

const (
	// EPMDTimeout is the default time allowance for a daemon request, from the
	// dial until the last response byte.
	EPMDTimeout = 5 * time.Second

	// HandshakeTimeout is the default time allowance for a single step of the
	// distribution handshake.
	HandshakeTimeout = 3 * time.Second

	// LinkTickInterval is the time between two keepalive ticks on an idle link.
	LinkTickInterval = 15 * time.Second

	// LinkIdleTimeout is the maximum amount of time for a link to remain silent
	// before it is torn down.
	LinkIdleTimeout = 60 * time.Second

	// ResolveCacheExpiry is the time a resolved peer port is trusted without
	// asking the daemon again.
	ResolveCacheExpiry = time.Minute

	// RedialInterval is the time between two connection attempts to a node that
	// is configured to be kept linked.
	RedialInterval = 30 * time.Second
)
