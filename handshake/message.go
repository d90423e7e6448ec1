// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package handshake

import (
	"fmt"

	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/wire"
)

// Message tag values of the distribution handshake.
const (
	TagName   = 'n' // send_name and challenge share the same tag
	TagStatus = 's'
	TagReply  = 'r'
	TagAck    = 'a'
)

// digestLen is the size of an MD5 digest on the wire.
const digestLen = 16

// framer wraps every handshake message.
var framer = wire.Framer{HeaderLen: params.HandshakeHeaderLen}

// Kind enumerates the handshake messages. It's needed beside the tag since the
// name and challenge messages share a tag and differ only by layout.
type Kind int

const (
	KindSendName Kind = iota
	KindStatus
	KindChallenge
	KindChallengeReply
	KindChallengeAck
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindSendName:
		return "send_name"
	case KindStatus:
		return "status"
	case KindChallenge:
		return "challenge"
	case KindChallengeReply:
		return "challenge_reply"
	case KindChallengeAck:
		return "challenge_ack"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// tag returns the wire tag of a message kind.
func (k Kind) tag() byte {
	switch k {
	case KindStatus:
		return TagStatus
	case KindChallengeReply:
		return TagReply
	case KindChallengeAck:
		return TagAck
	default:
		return TagName
	}
}

// Status is the textual verdict an accepting node sends about a connection
// attempt, or the initiator's answer to an "alive" verdict.
type Status string

const (
	StatusOK             Status = "ok"
	StatusOKSimultaneous Status = "ok_simultaneous"
	StatusNOK            Status = "nok"
	StatusNotAllowed     Status = "not_allowed"
	StatusAlive          Status = "alive"
	StatusTrue           Status = "true"
	StatusFalse          Status = "false"
)

// Message is a single step of the distribution handshake.
type Message interface {
	// Kind returns the handshake message kind.
	Kind() Kind

	// encode appends the message body after its tag.
	encode(w *wire.Writer)
}

// SendName is the initiator's opening message.
type SendName struct {
	Version uint16
	Flags   wire.Flags
	Name    string
}

func (m *SendName) Kind() Kind { return KindSendName }
func (m *SendName) encode(w *wire.Writer) {
	w.Uint16(m.Version).Uint32(uint32(m.Flags)).Bytes([]byte(m.Name))
}

// StatusMessage carries the acceptor's verdict on a connection attempt.
type StatusMessage struct {
	Status Status
}

func (m *StatusMessage) Kind() Kind            { return KindStatus }
func (m *StatusMessage) encode(w *wire.Writer) { w.Bytes([]byte(m.Status)) }

// Challenge is the acceptor's answer to a name, carrying a fresh nonce.
type Challenge struct {
	Version   uint16
	Flags     wire.Flags
	Challenge uint32
	Name      string
}

func (m *Challenge) Kind() Kind { return KindChallenge }
func (m *Challenge) encode(w *wire.Writer) {
	w.Uint16(m.Version).Uint32(uint32(m.Flags)).Uint32(m.Challenge).Bytes([]byte(m.Name))
}

// ChallengeReply proves the initiator knows the cookie and carries the nonce
// the acceptor has to prove its own knowledge with.
type ChallengeReply struct {
	Challenge uint32
	Digest    [digestLen]byte
}

func (m *ChallengeReply) Kind() Kind { return KindChallengeReply }
func (m *ChallengeReply) encode(w *wire.Writer) {
	w.Uint32(m.Challenge).Bytes(m.Digest[:])
}

// ChallengeAck proves the acceptor knows the cookie.
type ChallengeAck struct {
	Digest [digestLen]byte
}

func (m *ChallengeAck) Kind() Kind            { return KindChallengeAck }
func (m *ChallengeAck) encode(w *wire.Writer) { w.Bytes(m.Digest[:]) }

// Encode serializes a handshake message into its framed wire form.
func Encode(msg Message) ([]byte, error) {
	w := new(wire.Writer).Uint8(msg.Kind().tag())
	msg.encode(w)

	payload, err := w.Build()
	if err != nil {
		return nil, err
	}
	return framer.Encode(payload)
}

// Decode parses a framed handshake message, accepting only the listed kinds.
func Decode(frame []byte, expect ...Kind) (Message, error) {
	payload, err := framer.Decode(frame)
	if err != nil {
		return nil, err
	}
	return Parse(payload, expect...)
}

// Parse interprets an unframed handshake message, accepting only the listed
// kinds. A tag not matching any of them is a protocol violation.
func Parse(payload []byte, expect ...Kind) (Message, error) {
	r := wire.NewReader(payload)

	tag := r.Uint8("handshake tag")
	if err := r.Err(); err != nil {
		return nil, err
	}
	kind, ok := Kind(-1), false
	for _, k := range expect {
		if k.tag() == tag {
			kind, ok = k, true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: handshake tag %q, expected %v", wire.ErrUnexpectedTag, tag, expect)
	}
	var msg Message
	switch kind {
	case KindSendName:
		m := &SendName{Version: r.Uint16("version"), Flags: wire.Flags(r.Uint32("flags"))}
		m.Name = string(r.Rest())
		msg = m

	case KindStatus:
		msg = &StatusMessage{Status: Status(r.Rest())}

	case KindChallenge:
		m := &Challenge{
			Version:   r.Uint16("version"),
			Flags:     wire.Flags(r.Uint32("flags")),
			Challenge: r.Uint32("challenge"),
		}
		m.Name = string(r.Rest())
		msg = m

	case KindChallengeReply:
		m := &ChallengeReply{Challenge: r.Uint32("challenge")}
		copy(m.Digest[:], r.Bytes(digestLen, "digest"))
		msg = m

	case KindChallengeAck:
		m := new(ChallengeAck)
		copy(m.Digest[:], r.Bytes(digestLen, "digest"))
		msg = m
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}
