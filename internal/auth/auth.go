// Package auth derives and compares the token digest qtun uses to
// authenticate a QUIC connection (spec.md §4.4). The token itself never
// crosses the wire; only its SHA-256 digest does.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/postalsys/qtun/internal/protocol"
)

// Digest derives the expected token digest for a pre-shared secret. Both
// sides compute this once at startup from their configured token.
func Digest(token string) [protocol.DigestSize]byte {
	return sha256.Sum256([]byte(token))
}

// Authenticator holds the expected digest and verifies candidates against it
// in constant time, so a timing side channel can't be used to guess the
// token byte by byte.
type Authenticator struct {
	expected [protocol.DigestSize]byte
}

// New derives an Authenticator from a pre-shared token.
func New(token string) *Authenticator {
	return &Authenticator{expected: Digest(token)}
}

// Verify reports whether digest matches the expected token digest.
func (a *Authenticator) Verify(digest [protocol.DigestSize]byte) bool {
	return subtle.ConstantTimeCompare(a.expected[:], digest[:]) == 1
}
