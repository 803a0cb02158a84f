// Package pkce implements the SHA-256 digest type used to store secrets at
// rest and the RFC 7636 S256 verifier/challenge relation.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// MethodS256 is the only supported code_challenge_method.
const MethodS256 = "S256"

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

var (
	ErrMalformedLength   = errors.New("digest: malformed length")
	ErrMalformedEncoding = errors.New("digest: malformed encoding")
	ErrUnsupportedMethod = errors.New("pkce: unsupported code_challenge_method")
	ErrInvalidVerifier   = errors.New("pkce: invalid code_verifier")
	ErrMismatch          = errors.New("pkce: code_verifier does not match code_challenge")
)

// Digest is a SHA-256 value serialized as unpadded base64url.
type Digest [sha256.Size]byte

// Sum returns the SHA-256 digest of b.
func Sum(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// SumString returns the SHA-256 digest of s.
func SumString(s string) Digest {
	return Sum([]byte(s))
}

// strictEncoding rejects non-zero trailing bits, so each digest has exactly
// one accepted string form.
var strictEncoding = base64.RawURLEncoding.Strict()

// ParseDigest decodes the unpadded base64url form of a digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if strictEncoding.DecodedLen(len(s)) != len(d) {
		return d, ErrMalformedLength
	}
	raw, err := strictEncoding.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(raw) != len(d) {
		return d, ErrMalformedLength
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string {
	return base64.RawURLEncoding.EncodeToString(d[:])
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ValidateVerifier checks the RFC 7636 length and charset rules.
func ValidateVerifier(verifier string) error {
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen {
		return fmt.Errorf("%w: length %d outside %d-%d", ErrInvalidVerifier, len(verifier), minVerifierLen, maxVerifierLen)
	}
	for i := 0; i < len(verifier); i++ {
		if !unreserved(verifier[i]) {
			return fmt.Errorf("%w: character at offset %d not allowed", ErrInvalidVerifier, i)
		}
	}
	return nil
}

// Challenge returns base64url(sha256(verifier)).
func Challenge(verifier string) string {
	return SumString(verifier).String()
}

// Verify checks verifier against challenge. Only S256 is accepted.
func Verify(verifier, challenge, method string) error {
	if method != MethodS256 {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	want, err := ParseDigest(challenge)
	if err != nil {
		return fmt.Errorf("%w: stored challenge: %v", ErrMismatch, err)
	}
	if !SumString(verifier).Equal(want) {
		return ErrMismatch
	}
	return nil
}

// ValidateChallenge checks the shape of a code_challenge at authorize time.
func ValidateChallenge(challenge, method string) error {
	if method != MethodS256 {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	_, err := ParseDigest(challenge)
	return err
}

func unreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
