// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package handshake

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"strconv"
)

// DigestEncoding selects how a challenge is fed into the authentication hash
// next to the cookie.
type DigestEncoding int

const (
	// DigestRaw hashes the cookie followed by the 4 big endian challenge bytes.
	DigestRaw DigestEncoding = iota

	// DigestDecimal hashes the cookie followed by the decimal text form of the
	// challenge. This is what Erlang runtimes do.
	DigestDecimal
)

// Digest computes the proof of cookie knowledge for a challenge.
func Digest(cookie string, challenge uint32, encoding DigestEncoding) [digestLen]byte {
	hash := md5.New()
	hash.Write([]byte(cookie))

	switch encoding {
	case DigestDecimal:
		hash.Write([]byte(strconv.FormatUint(uint64(challenge), 10)))
	default:
		var blob [4]byte
		binary.BigEndian.PutUint32(blob[:], challenge)
		hash.Write(blob[:])
	}
	var digest [digestLen]byte
	copy(digest[:], hash.Sum(nil))
	return digest
}

// verifyDigest checks a received digest in constant time.
func verifyDigest(have, want [digestLen]byte) bool {
	return subtle.ConstantTimeCompare(have[:], want[:]) == 1
}
