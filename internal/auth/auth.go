// Package auth validates the static bearer tokens that gate the relay API.
//
// The allow list is configured once at startup and never changes at runtime.
// The verifier stores SHA-256 digests rather than raw token values and
// compares digests in constant time, so neither memory dumps nor response
// timing reveal the configured tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// DefaultTokens is the development allow list applied when no tokens are
// configured. Deployments are expected to override it.
const DefaultTokens = "token1,token2"

var (
	// ErrMissingAuthorization signals a request without a usable bearer token.
	ErrMissingAuthorization = errors.New("authorization header missing or invalid")
	// ErrInvalidToken signals a presented token outside the allow list.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Verifier checks presented tokens against a fixed allow list.
type Verifier struct {
	digests [][sha256.Size]byte
}

// NewVerifier builds a Verifier from raw token values. Entries are trimmed
// and blank ones dropped.
func NewVerifier(tokens []string) *Verifier {
	verifier := &Verifier{}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		verifier.digests = append(verifier.digests, sha256.Sum256([]byte(token)))
	}
	return verifier
}

// ParseTokens splits a comma-separated allow list into individual tokens,
// trimming surrounding whitespace and discarding empty entries.
func ParseTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens = append(tokens, part)
	}
	return tokens
}

// ParseBearer extracts the token from an Authorization header value. An
// absent header maps to ErrMissingAuthorization; a non-Bearer scheme or an
// empty token maps to ErrInvalidToken.
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAuthorization
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// Authorize parses the Authorization header value and verifies the embedded
// bearer token against the allow list.
func (v *Verifier) Authorize(header string) error {
	token, err := ParseBearer(header)
	if err != nil {
		return err
	}
	return v.Verify(token)
}

// Size reports how many tokens the verifier accepts.
func (v *Verifier) Size() int {
	return len(v.digests)
}

// Verify reports whether the presented token is on the allow list. Every
// configured digest is compared so the duration does not depend on which
// entry matches.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrMissingAuthorization
	}
	presented := sha256.Sum256([]byte(token))
	matched := 0
	for i := range v.digests {
		matched |= subtle.ConstantTimeCompare(v.digests[i][:], presented[:])
	}
	if matched == 0 {
		return ErrInvalidToken
	}
	return nil
}
