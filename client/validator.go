// Package client lets LMS resource servers (course, quiz and grade APIs)
// accept access tokens issued by lmsoauth. Tokens are verified locally
// against the published JWKS; DPoP-bound tokens additionally require a
// proof from the key named in their cnf claim.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"lmsoauth/dpop"
)

const (
	schemeBearer    = "Bearer"
	schemeDPoP      = "DPoP"
	accessTokenType = "at+jwt"
)

var (
	ErrMissingToken      = errors.New("access token required")
	ErrInvalidToken      = errors.New("invalid access token")
	ErrBindingMismatch   = errors.New("access token presented without its DPoP binding")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json".
	JWKSURL string
	// ExpectedClients restricts which client_id values are accepted.
	ExpectedClients []string
	CacheTTL        time.Duration
	Leeway          time.Duration
	HTTPClient      *http.Client

	// DPoP validates proofs sent with DPoP-bound tokens. Nil rejects
	// DPoP presentations.
	DPoP *dpop.Validator
	// PublicURL is the externally visible base URL of the resource server,
	// used to rebuild the htu of incoming requests behind a proxy.
	PublicURL string

	IntrospectionURL string
	ClientID         string
	ClientSecret     string
}

// Validator verifies lmsoauth access tokens.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// Claims is the validated view of an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// JKT is the bound DPoP key thumbprint, empty for Bearer tokens.
	JKT string
}

// Bound reports whether the token is DPoP-bound.
func (c *Claims) Bound() bool { return c.JKT != "" }

type accessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Cnf      *struct {
		JKT string `json:"jkt"`
	} `json:"cnf,omitempty"`
	jwt.RegisteredClaims
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = cfg.Issuer + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Validator{cfg: cfg, client: client}
}

// Validate verifies the signature and registered claims of rawToken. It does
// not look at DPoP binding; use ValidateRequest for that.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, ErrMissingToken
	}
	if _, err := v.ensureJWKS(ctx, false); err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	ac := &accessClaims{}
	_, err := parser.ParseWithClaims(rawToken, ac, func(token *jwt.Token) (any, error) {
		if typ, _ := token.Header["typ"].(string); !strings.EqualFold(typ, accessTokenType) {
			return nil, fmt.Errorf("unexpected typ %q", typ)
		}
		kid, _ := token.Header["kid"].(string)
		key := findKey(v.currentSet(), kid)
		if key == nil {
			// Unknown kid: the server may have rotated since the last fetch.
			if set, err := v.ensureJWKS(ctx, true); err == nil {
				key = findKey(set, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if ac.Subject == "" {
		return nil, fmt.Errorf("%w: sub missing", ErrInvalidToken)
	}
	if len(v.cfg.ExpectedClients) > 0 && !slices.Contains(v.cfg.ExpectedClients, ac.ClientID) {
		return nil, fmt.Errorf("%w: client %q not accepted", ErrInvalidToken, ac.ClientID)
	}

	claims := &Claims{
		Subject:   ac.Subject,
		Issuer:    ac.Issuer,
		Audiences: ac.Audience,
		Scopes:    strings.Fields(ac.Scope),
		ClientID:  ac.ClientID,
		TokenID:   ac.ID,
	}
	if ac.ExpiresAt != nil {
		claims.ExpiresAt = ac.ExpiresAt.Time
	}
	if ac.IssuedAt != nil {
		claims.IssuedAt = ac.IssuedAt.Time
	}
	if ac.Cnf != nil {
		claims.JKT = ac.Cnf.JKT
	}
	return claims, nil
}

// ValidateRequest validates the token in r's Authorization header. A token
// presented with the DPoP scheme needs a proof for this request signed by
// the bound key; a bound token presented as Bearer is rejected.
func (v *Validator) ValidateRequest(r *http.Request) (*Claims, error) {
	scheme, token := splitAuthorization(r.Header.Get("Authorization"))
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := v.Validate(r.Context(), token)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(scheme, schemeDPoP) {
		if claims.Bound() {
			return nil, ErrBindingMismatch
		}
		return claims, nil
	}
	if v.cfg.DPoP == nil {
		return nil, fmt.Errorf("%w: DPoP presentations are not accepted", ErrInvalidToken)
	}
	proofs := r.Header.Values("DPoP")
	if len(proofs) != 1 {
		return nil, fmt.Errorf("%w: exactly one DPoP header required", dpop.ErrInvalidProof)
	}
	proof, err := v.cfg.DPoP.Validate(r.Context(), proofs[0], dpop.Request{
		Method:      r.Method,
		URL:         v.requestURL(r),
		AccessToken: token,
	})
	if err != nil {
		return nil, err
	}
	if proof.JKT != claims.JKT {
		return nil, ErrBindingMismatch
	}
	return claims, nil
}

// HasScopes ensures the claims include the required scopes.
func (v *Validator) HasScopes(claims *Claims, required ...string) error {
	for _, need := range required {
		if !slices.Contains(claims.Scopes, need) {
			return fmt.Errorf("%w: missing %s", ErrInsufficientScope, need)
		}
	}
	return nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.ValidateRequest(r)
			if err != nil {
				v.challenge(w, err)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				v.challenge(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func (v *Validator) challenge(w http.ResponseWriter, err error) {
	status, code := http.StatusUnauthorized, "invalid_token"
	switch {
	case errors.Is(err, ErrMissingToken):
		code = ""
	case errors.Is(err, ErrInsufficientScope):
		status, code = http.StatusForbidden, "insufficient_scope"
	case errors.Is(err, dpop.ErrInvalidProof):
		code = "invalid_dpop_proof"
	}
	params := ""
	if code != "" {
		params = fmt.Sprintf(` error=%q`, code)
	}
	w.Header().Add("WWW-Authenticate", schemeBearer+params)
	if v.cfg.DPoP != nil {
		dpopParams := fmt.Sprintf(` algs=%q`, strings.Join(v.cfg.DPoP.Algorithms(), " "))
		if code != "" {
			dpopParams = params + "," + dpopParams
		}
		w.Header().Add("WWW-Authenticate", schemeDPoP+dpopParams)
	}
	http.Error(w, http.StatusText(status), status)
}

// requestURL rebuilds the URL the client addressed, for the htu check.
func (v *Validator) requestURL(r *http.Request) string {
	if v.cfg.PublicURL != "" {
		return strings.TrimSuffix(v.cfg.PublicURL, "/") + r.URL.EscapedPath()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.EscapedPath()
}

func (v *Validator) ensureJWKS(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if !force && cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{
		set:     set,
		etag:    resp.Header.Get("ETag"),
		expires: time.Now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
	}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()
	return set, nil
}

func (v *Validator) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.set
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if kid == "" {
		return nil
	}
	for _, k := range set.Keys {
		if k.KeyID == kid && k.Use != "enc" {
			key := k
			return &key
		}
	}
	return nil
}

func splitAuthorization(header string) (string, string) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return "", ""
	}
	if !strings.EqualFold(scheme, schemeBearer) && !strings.EqualFold(scheme, schemeDPoP) {
		return "", ""
	}
	return scheme, strings.TrimSpace(token)
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "max-age") {
			if secs, err := time.ParseDuration(val + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}

// Introspection is the subset of an introspection response resource servers
// act on.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	Cnf       *struct {
		JKT string `json:"jkt"`
	} `json:"cnf,omitempty"`
}

// Introspect asks the server whether token is still active, for callers
// that must notice revocation before expiry. proof is an optional DPoP
// proof for the introspection request; bound tokens only report active
// when it is present.
func (v *Validator) Introspect(ctx context.Context, token, proof string) (*Introspection, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection not configured")
	}

	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(v.cfg.ClientID), url.QueryEscape(v.cfg.ClientSecret))
	if proof != "" {
		req.Header.Set("DPoP", proof)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspect: %s", resp.Status)
	}

	var out Introspection
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	return &out, nil
}
