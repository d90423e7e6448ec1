// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package wire contains the framing and error primitives shared by the daemon
// and the distribution handshake codecs.
package wire

import "errors"

var (
	// ErrTruncated is returned if a message declares more bytes than available.
	ErrTruncated = errors.New("truncated message")

	// ErrUnexpectedTag is returned if a message starts with a tag that is not
	// legal at the current point of the exchange.
	ErrUnexpectedTag = errors.New("unexpected tag")

	// ErrOversizedFrame is returned if a frame header announces a payload larger
	// than the configured maximum.
	ErrOversizedFrame = errors.New("oversized frame")

	// ErrMalformed is returned if a message has the right size but its content
	// cannot be interpreted (trailing garbage, unparsable text).
	ErrMalformed = errors.New("malformed message")

	// ErrFieldTooLong is returned if a variable length field does not fit into
	// its length prefix.
	ErrFieldTooLong = errors.New("field too long")

	// ErrHeaderLength is returned if a framer is configured with a length prefix
	// size other than 2 or 4 bytes. It is a local configuration error.
	ErrHeaderLength = errors.New("unsupported frame header length")
)

// IsProtocolViolation reports whether err means the remote side broke the wire
// protocol. Such errors are fatal to the connection they happened on.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrUnexpectedTag) ||
		errors.Is(err, ErrOversizedFrame) ||
		errors.Is(err, ErrMalformed)
}
