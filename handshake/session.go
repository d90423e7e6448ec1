// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package handshake implements the Erlang distribution handshake: the exchange
// of names, capability flags and MD5 challenges that turns a raw connection into
// an authenticated distribution link.
//
// The protocol logic lives in Session, a pure state machine fed one decoded
// message at a time and answering with the messages to send back. It has no
// notion of networking, which makes every transition testable in isolation.
// Run drives a session over an actual connection.
//
// Both sides of the exchange share the same machine, parameterized by role:
//
//   initiator                          acceptor
//   ---------                          --------
//   send_name           ------->       AwaitingName
//   AwaitingStatus      <-------       status "ok"
//   AwaitingChallenge   <-------       challenge
//   challenge_reply     ------->       AwaitingChallengeReply
//   AwaitingChallengeAck <------       challenge_ack
//   Connected                          Connected
//
// An acceptor still holding a link to the peer may answer "alive" instead of
// "ok", after which it waits in AwaitingAliveReply for the initiator to confirm
// ("true", replace the old link) or withdraw ("false") the attempt.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/wire"
)

var (
	// ErrAuthFailed is returned if the remote side proved knowledge of a cookie
	// different from the local one (or is not who it claims to be).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRefused is returned if the accepting side declined the connection.
	ErrRefused = errors.New("connection refused by peer")

	// ErrFlagsMismatch is returned if the remote side lacks required capabilities.
	ErrFlagsMismatch = errors.New("distribution flags mismatch")

	// ErrVersionMismatch is returned if the remote side speaks a distribution
	// version outside of the locally supported range.
	ErrVersionMismatch = errors.New("distribution version mismatch")

	// ErrSessionDone is returned if a message is fed into a finished session.
	ErrSessionDone = errors.New("handshake already finished")
)

// Role is the side of the handshake a session plays.
type Role int

const (
	Initiator Role = iota // Node that opened the connection
	Acceptor              // Node that accepted the connection
)

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "acceptor"
}

// State is the position of a session within the handshake.
type State int

const (
	StateAwaitingStatus         State = iota // Initiator sent its name, waits for the verdict
	StateAwaitingChallenge                   // Initiator got the verdict, waits for the nonce
	StateAwaitingChallengeAck                // Initiator replied to the nonce, waits for proof
	StateAwaitingName                        // Acceptor waits for the initiator's name
	StateAwaitingChallengeReply              // Acceptor sent its nonce, waits for proof
	StateAwaitingAliveReply                  // Acceptor answered alive, waits for true/false
	StateConnected                           // Both sides authenticated
	StateFailed                              // Handshake aborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAwaitingStatus:
		return "awaiting-status"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAwaitingChallengeAck:
		return "awaiting-challenge-ack"
	case StateAwaitingName:
		return "awaiting-name"
	case StateAwaitingChallengeReply:
		return "awaiting-challenge-reply"
	case StateAwaitingAliveReply:
		return "awaiting-alive-reply"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config can be used to fine tune a handshake session.
type Config struct {
	Name   string         // Local node name announced to the peer
	Cookie string         // Shared secret, only ever sent hashed
	Digest DigestEncoding // How challenges are hashed together with the cookie

	Flags    wire.Flags // Capabilities offered to the peer (0 = wire.DefaultFlags)
	Required wire.Flags // Capabilities the peer must also offer

	Version     uint16 // Version announced to the peer (0 = HighVersion)
	LowVersion  uint16 // Lowest acceptable peer version (0 = params.LowestVersion)
	HighVersion uint16 // Highest acceptable peer version (0 = params.HighestVersion)

	Rand  io.Reader                // Source of challenge nonces (nil = crypto/rand)
	Admit func(peer string) Status // Acceptor verdict on a named peer: ok, ok_simultaneous, nok, not_allowed or alive (nil = ok)
}

// roleState is the role specific part of a session.
type roleState interface {
	start(s *Session) []Message
	expects(s *Session) []Kind
	handle(s *Session, msg Message) ([]Message, error)
}

// Session is the per-connection handshake state machine. It is not safe for
// concurrent use; every connection owns its own session.
type Session struct {
	config Config
	role   Role
	state  State
	impl   roleState

	challenge uint32 // Nonce sent to the peer, awaiting proof
	peer      string // Name of the remote node, once known

	flags   wire.Flags // Negotiated capability set
	version uint16     // Negotiated distribution version

	err error // Failure that terminated the session
}

// NewInitiator creates a session for a connection the local node opened.
func NewInitiator(config Config) *Session {
	return newSession(config, Initiator, StateAwaitingStatus, new(initiator))
}

// NewAcceptor creates a session for a connection the local node accepted.
func NewAcceptor(config Config) *Session {
	return newSession(config, Acceptor, StateAwaitingName, new(acceptor))
}

func newSession(config Config, role Role, state State, impl roleState) *Session {
	if config.Flags == 0 {
		config.Flags = wire.DefaultFlags
	}
	if config.LowVersion == 0 {
		config.LowVersion = params.LowestVersion
	}
	if config.HighVersion == 0 {
		config.HighVersion = params.HighestVersion
	}
	if config.Version == 0 {
		config.Version = config.HighVersion
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}
	return &Session{
		config: config,
		role:   role,
		state:  state,
		impl:   impl,
	}
}

// Start returns the messages the session opens the exchange with.
func (s *Session) Start() []Message {
	return s.impl.start(s)
}

// Expects returns the message kinds acceptable in the current state.
func (s *Session) Expects() []Kind {
	if s.Done() {
		return nil
	}
	return s.impl.expects(s)
}

// Handle feeds a received message into the state machine and returns the
// messages to send in response. An error moves the session into the failed
// state; the returned messages must still be delivered (e.g. a refusal status)
// before the connection is torn down.
func (s *Session) Handle(msg Message) ([]Message, error) {
	if s.Done() {
		return nil, ErrSessionDone
	}
	legal := false
	for _, kind := range s.impl.expects(s) {
		if msg.Kind() == kind {
			legal = true
			break
		}
	}
	if !legal {
		return nil, s.Fail(fmt.Errorf("%w: %v in state %v", wire.ErrUnexpectedTag, msg.Kind(), s.state))
	}
	out, err := s.impl.handle(s, msg)
	if err != nil {
		return out, s.Fail(err)
	}
	return out, nil
}

// Fail aborts the session with the given reason. It is used by drivers to push
// transport failures into the machine. The first failure sticks.
func (s *Session) Fail(err error) error {
	if s.state != StateFailed {
		s.state, s.err = StateFailed, err
	}
	return s.err
}

// Role returns the side of the handshake the session plays.
func (s *Session) Role() Role { return s.role }

// State returns the current position within the handshake.
func (s *Session) State() State { return s.state }

// Done reports whether the session reached a terminal state.
func (s *Session) Done() bool {
	return s.state == StateConnected || s.state == StateFailed
}

// Err returns the failure that terminated the session, if any.
func (s *Session) Err() error { return s.err }

// Peer returns the remote node name, once announced.
func (s *Session) Peer() string { return s.peer }

// Flags returns the negotiated capability set.
func (s *Session) Flags() wire.Flags { return s.flags }

// Version returns the negotiated distribution version.
func (s *Session) Version() uint16 { return s.version }

// nonce draws a fresh challenge from the configured randomness source.
func (s *Session) nonce() (uint32, error) {
	var blob [4]byte
	if _, err := io.ReadFull(s.config.Rand, blob[:]); err != nil {
		return 0, fmt.Errorf("challenge generation failed: %v", err)
	}
	return binary.BigEndian.Uint32(blob[:]), nil
}

// negotiate agrees on the version and capability set with a peer. Flags the
// peer lacks are masked out, unless they are required.
func (s *Session) negotiate(version uint16, flags wire.Flags) error {
	if version < s.config.LowVersion || version > s.config.HighVersion {
		return fmt.Errorf("%w: peer %d, local %d-%d", ErrVersionMismatch, version, s.config.LowVersion, s.config.HighVersion)
	}
	if version > s.config.Version {
		version = s.config.Version
	}
	s.version = version
	s.flags = s.config.Flags.Intersect(flags)

	if missing := s.flags.Missing(s.config.Required); missing != 0 {
		return fmt.Errorf("%w: missing %v", ErrFlagsMismatch, missing)
	}
	return nil
}

// initiator is the role specific logic of the connecting node.
type initiator struct{}

func (initiator) start(s *Session) []Message {
	return []Message{&SendName{Version: s.config.Version, Flags: s.config.Flags, Name: s.config.Name}}
}

func (initiator) expects(s *Session) []Kind {
	switch s.state {
	case StateAwaitingStatus:
		return []Kind{KindStatus}
	case StateAwaitingChallenge:
		return []Kind{KindChallenge}
	case StateAwaitingChallengeAck:
		return []Kind{KindChallengeAck}
	}
	return nil
}

func (initiator) handle(s *Session, msg Message) ([]Message, error) {
	switch msg := msg.(type) {
	case *StatusMessage:
		switch msg.Status {
		case StatusOK, StatusOKSimultaneous:
			s.state = StateAwaitingChallenge
			return nil, nil
		case StatusAlive:
			// The peer believes we're still connected, tell it to drop the old link
			s.state = StateAwaitingChallenge
			return []Message{&StatusMessage{Status: StatusTrue}}, nil
		case StatusNOK, StatusNotAllowed:
			return nil, fmt.Errorf("%w: %s", ErrRefused, msg.Status)
		default:
			return nil, fmt.Errorf("%w: unknown status %q", wire.ErrMalformed, msg.Status)
		}

	case *Challenge:
		s.peer = msg.Name
		if err := s.negotiate(msg.Version, msg.Flags); err != nil {
			return nil, err
		}
		challenge, err := s.nonce()
		if err != nil {
			return nil, err
		}
		s.challenge = challenge
		s.state = StateAwaitingChallengeAck

		return []Message{&ChallengeReply{
			Challenge: challenge,
			Digest:    Digest(s.config.Cookie, msg.Challenge, s.config.Digest),
		}}, nil

	case *ChallengeAck:
		if !verifyDigest(msg.Digest, Digest(s.config.Cookie, s.challenge, s.config.Digest)) {
			return nil, fmt.Errorf("%w: bad challenge ack from %s", ErrAuthFailed, s.peer)
		}
		s.state = StateConnected
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %v", wire.ErrUnexpectedTag, msg.Kind())
}

// acceptor is the role specific logic of the listening node.
type acceptor struct{}

func (acceptor) start(s *Session) []Message {
	return nil
}

func (acceptor) expects(s *Session) []Kind {
	switch s.state {
	case StateAwaitingName:
		return []Kind{KindSendName}
	case StateAwaitingChallengeReply:
		return []Kind{KindChallengeReply}
	case StateAwaitingAliveReply:
		return []Kind{KindStatus}
	}
	return nil
}

func (acceptor) handle(s *Session, msg Message) ([]Message, error) {
	switch msg := msg.(type) {
	case *SendName:
		s.peer = msg.Name
		if msg.Name == "" {
			return nil, fmt.Errorf("%w: empty node name", wire.ErrMalformed)
		}
		if err := s.negotiate(msg.Version, msg.Flags); err != nil {
			return []Message{&StatusMessage{Status: StatusNotAllowed}}, err
		}
		status := StatusOK
		if s.config.Admit != nil {
			status = s.config.Admit(msg.Name)
		}
		switch status {
		case StatusOK, StatusOKSimultaneous:
			challenge, err := s.challengePeer()
			if err != nil {
				return nil, err
			}
			return []Message{&StatusMessage{Status: status}, challenge}, nil

		case StatusAlive:
			s.state = StateAwaitingAliveReply
			return []Message{&StatusMessage{Status: status}}, nil

		default:
			return []Message{&StatusMessage{Status: status}}, fmt.Errorf("%w: %s", ErrRefused, status)
		}

	case *StatusMessage:
		switch msg.Status {
		case StatusTrue:
			challenge, err := s.challengePeer()
			if err != nil {
				return nil, err
			}
			return []Message{challenge}, nil
		case StatusFalse:
			return nil, fmt.Errorf("%w: %s withdrew", ErrRefused, s.peer)
		default:
			return nil, fmt.Errorf("%w: unknown alive reply %q", wire.ErrMalformed, msg.Status)
		}

	case *ChallengeReply:
		if !verifyDigest(msg.Digest, Digest(s.config.Cookie, s.challenge, s.config.Digest)) {
			return nil, fmt.Errorf("%w: bad challenge reply from %s", ErrAuthFailed, s.peer)
		}
		s.state = StateConnected
		return []Message{&ChallengeAck{Digest: Digest(s.config.Cookie, msg.Challenge, s.config.Digest)}}, nil
	}
	return nil, fmt.Errorf("%w: %v", wire.ErrUnexpectedTag, msg.Kind())
}

// challengePeer generates the acceptor's nonce and assembles the challenge
// carrying it.
func (s *Session) challengePeer() (*Challenge, error) {
	challenge, err := s.nonce()
	if err != nil {
		return nil, err
	}
	s.challenge = challenge
	s.state = StateAwaitingChallengeReply

	return &Challenge{Version: s.config.Version, Flags: s.config.Flags, Challenge: challenge, Name: s.config.Name}, nil
}
