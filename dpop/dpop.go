// Package dpop validates DPoP proofs (RFC 9449) and computes the JWK
// thumbprints that bind tokens to a client's key.
package dpop

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"lmsoauth/pkce"
)

// HeaderType is the required typ header of a proof.
const HeaderType = "dpop+jwt"

// DefaultAlgs lists the accepted proof signature algorithms.
var DefaultAlgs = []string{"RS256", "ES256", "EdDSA"}

// ErrInvalidProof wraps every proof rule violation.
var ErrInvalidProof = errors.New("invalid DPoP proof")

// Config configures a Validator.
type Config struct {
	AllowedAlgs []string
	// Skew is the tolerated clock difference for iat.
	Skew time.Duration
	// MaxAge is how old a proof may be.
	MaxAge time.Duration
	Now    func() time.Time
}

// Request names the HTTP request a proof must match.
type Request struct {
	Method string
	URL    string
	// AccessToken, when set, requires a matching ath claim.
	AccessToken string
}

// Proof is a validated proof.
type Proof struct {
	JKT      string
	JTI      string
	IssuedAt time.Time
	Key      jose.JSONWebKey
}

type proofClaims struct {
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	ATH string `json:"ath,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks proofs and remembers their jti values.
type Validator struct {
	cfg    Config
	replay ReplayCache
}

// NewValidator fills defaults and returns a Validator.
func NewValidator(cfg Config, replay ReplayCache) *Validator {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = DefaultAlgs
	}
	if cfg.Skew <= 0 {
		cfg.Skew = 60 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{cfg: cfg, replay: replay}
}

// ReplayWindow is how long a jti is remembered after its iat.
func (v *Validator) ReplayWindow() time.Duration {
	return v.cfg.MaxAge + v.cfg.Skew
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProof, fmt.Sprintf(format, args...))
}

// Validate checks proof against req. The jti is recorded only after every
// other rule passed.
func (v *Validator) Validate(ctx context.Context, proof string, req Request) (*Proof, error) {
	if proof == "" {
		return nil, invalid("missing proof")
	}

	var (
		claims proofClaims
		key    jose.JSONWebKey
	)
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(proof, &claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != HeaderType {
			return nil, fmt.Errorf("typ %q is not %s", typ, HeaderType)
		}
		k, err := headerKey(t.Header["jwk"])
		if err != nil {
			return nil, err
		}
		key = k
		return k.Key, nil
	})
	if err != nil {
		return nil, invalid("%v", err)
	}
	if !token.Valid {
		return nil, invalid("signature")
	}

	if claims.HTM == "" || claims.HTM != req.Method {
		return nil, invalid("htm %q does not match %s", claims.HTM, req.Method)
	}
	got, err := NormalizeHTU(claims.HTU)
	if err != nil {
		return nil, invalid("htu: %v", err)
	}
	want, err := NormalizeHTU(req.URL)
	if err != nil {
		return nil, fmt.Errorf("normalize request url: %w", err)
	}
	if got != want {
		return nil, invalid("htu %q does not match %q", got, want)
	}

	if claims.IssuedAt == nil {
		return nil, invalid("missing iat")
	}
	iat := claims.IssuedAt.Time
	now := v.cfg.Now()
	if iat.After(now.Add(v.cfg.Skew)) {
		return nil, invalid("iat in the future")
	}
	if now.Sub(iat) > v.cfg.MaxAge {
		return nil, invalid("proof too old")
	}

	if req.AccessToken != "" {
		if claims.ATH == "" {
			return nil, invalid("missing ath")
		}
		if claims.ATH != AccessTokenHash(req.AccessToken) {
			return nil, invalid("ath does not match access token")
		}
	}

	if claims.ID == "" {
		return nil, invalid("missing jti")
	}
	jkt, err := Thumbprint(key)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if v.replay != nil {
		fresh, err := v.replay.Remember(ctx, claims.ID, iat.Add(v.ReplayWindow()))
		if err != nil {
			return nil, fmt.Errorf("dpop replay cache: %w", err)
		}
		if !fresh {
			return nil, invalid("jti already used")
		}
	}

	return &Proof{JKT: jkt, JTI: claims.ID, IssuedAt: iat, Key: key}, nil
}

func headerKey(raw any) (jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if raw == nil {
		return key, errors.New("missing jwk header")
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return key, fmt.Errorf("jwk header: %w", err)
	}
	if err := key.UnmarshalJSON(payload); err != nil {
		return key, fmt.Errorf("jwk header: %w", err)
	}
	if !key.IsPublic() {
		return key, errors.New("jwk header carries a private key")
	}
	if !key.Valid() {
		return key, errors.New("jwk header is not a valid key")
	}
	return key, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of key, base64url
// encoded without padding.
func Thumbprint(key jose.JSONWebKey) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// AccessTokenHash is the ath value for token.
func AccessTokenHash(token string) string {
	return pkce.SumString(token).String()
}

// Algorithms returns the accepted algorithms, for discovery documents.
func (v *Validator) Algorithms() []string {
	return slices.Clone(v.cfg.AllowedAlgs)
}
