package clients

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Standard scopes published by every deployment.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// StandardScopes is the fixed part of the published scope set.
var StandardScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

var (
	ErrUnknownScope    = errors.New("unknown scope")
	ErrScopeNotAllowed = errors.New("scope not allowed for client")
	ErrMalformedScope  = errors.New("malformed scope")
)

// ScopePolicy is the set of scopes the server recognizes.
type ScopePolicy struct {
	known   map[string]struct{}
	ordered []string
}

// NewScopePolicy publishes the standard scopes plus custom LMS scopes.
func NewScopePolicy(custom []string) (*ScopePolicy, error) {
	p := &ScopePolicy{known: make(map[string]struct{})}
	for _, s := range append(append([]string{}, StandardScopes...), custom...) {
		if !validScopeToken(s) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedScope, s)
		}
		if _, dup := p.known[s]; dup {
			continue
		}
		p.known[s] = struct{}{}
		p.ordered = append(p.ordered, s)
	}
	return p, nil
}

// Supported lists published scopes in configuration order.
func (p *ScopePolicy) Supported() []string {
	return append([]string(nil), p.ordered...)
}

// Known reports whether scope is published.
func (p *ScopePolicy) Known(scope string) bool {
	_, ok := p.known[scope]
	return ok
}

// ParseScopes splits a space-delimited scope parameter. Duplicates collapse;
// an unknown scope fails the whole request.
func (p *ScopePolicy) ParseScopes(raw string) ([]string, error) {
	fields := strings.Split(raw, " ")
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, s := range fields {
		if s == "" {
			continue
		}
		if !validScopeToken(s) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedScope, s)
		}
		if !p.Known(s) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, s)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// validScopeToken checks the RFC 6749 scope-token grammar.
func validScopeToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c == 0x22 || c == 0x5c || c > 0x7e {
			return false
		}
	}
	return true
}

// Subset reports whether every element of sub is in super.
func Subset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}
