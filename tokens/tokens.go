// Package tokens mints, validates, introspects, rotates and revokes the
// access, refresh and ID tokens issued by the server.
//
// Access tokens are RS256 JWTs with a stored record keyed by digest, so a
// token is only active while its record exists and is not revoked. Refresh
// tokens are opaque random strings forming one rotation chain per grant.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lmsoauth/clients"
	"lmsoauth/keys"
	"lmsoauth/pkce"
	"lmsoauth/storage"
)

// Token types reported in token responses and introspection.
const (
	TypeBearer       = "Bearer"
	TypeDPoP         = "DPoP"
	TypeRefreshToken = "refresh_token"

	// AccessTokenJWTType is the typ header of access tokens (RFC 9068).
	AccessTokenJWTType = "at+jwt"
)

const refreshTokenBytes = 32

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrBindingMismatch = errors.New("token binding mismatch")
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrInvalidScope    = errors.New("invalid scope")
	// ErrReplay is returned when a consumed refresh token is presented
	// again. The whole grant has been revoked by then.
	ErrReplay = fmt.Errorf("%w: refresh token replayed", ErrInvalidGrant)
)

// Config configures a Service.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	IDTokenTTL time.Duration
	Now        func() time.Time
}

// Confirmation is the cnf claim binding a token to a DPoP key.
type Confirmation struct {
	JKT string `json:"jkt"`
}

// AccessClaims captures the JWT claims we mint and validate.
type AccessClaims struct {
	Scope    string        `json:"scope"`
	ClientID string        `json:"client_id"`
	Cnf      *Confirmation `json:"cnf,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *AccessClaims) Scopes() []string { return storage.SplitScopes(c.Scope) }

// IDClaims are the OpenID Connect ID token claims.
type IDClaims struct {
	Nonce    string           `json:"nonce,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
	AZP      string           `json:"azp,omitempty"`
	AtHash   string           `json:"at_hash,omitempty"`
	jwt.RegisteredClaims
}

// MintRequest describes the tokens to issue for a grant.
type MintRequest struct {
	Client   *clients.Client
	UserID   string
	Scopes   []string
	Nonce    string
	DPoPJKT  string
	GrantID  string
	AuthTime time.Time
}

// TokenSet is the result of a successful grant.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scopes       []string
	GrantID      string
}

// Service signs and validates tokens.
type Service struct {
	cfg    Config
	store  storage.Store
	keys   *keys.Manager
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg Config, store storage.Store, km *keys.Manager, logger *slog.Logger) *Service {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.IDTokenTTL == 0 {
		cfg.IDTokenTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	return &Service{cfg: cfg, store: store, keys: km, logger: logger}
}

// Issuer returns the iss value of issued tokens.
func (s *Service) Issuer() string { return s.cfg.Issuer }

// AccessTTL returns the lifetime of access tokens.
func (s *Service) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// Mint issues tokens in a transaction of its own.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*TokenSet, error) {
	var set *TokenSet
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		set, err = s.MintTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// MintTx issues tokens inside the caller's transaction, so the records are
// only committed together with the caller's writes.
func (s *Service) MintTx(ctx context.Context, tx storage.Tx, req MintRequest) (*TokenSet, error) {
	return s.mint(ctx, tx, mintParams{MintRequest: req, refreshScopes: req.Scopes})
}

type mintParams struct {
	MintRequest
	// refreshScopes is the scope carried by a new refresh token, which stays
	// that of the original grant when the access token is down-scoped.
	refreshScopes []string
	parent        *storage.RefreshToken
}

func (s *Service) mint(ctx context.Context, tx storage.Tx, p mintParams) (*TokenSet, error) {
	if p.Client == nil || p.UserID == "" {
		return nil, errors.New("mint: client and user required")
	}
	if p.GrantID == "" {
		p.GrantID = uuid.NewString()
	}
	now := s.cfg.Now().UTC()
	clientID := p.Client.ID

	accessClaims := s.buildAccessClaims(p.UserID, clientID, p.Scopes, p.DPoPJKT, now)
	accessToken, err := s.keys.Sign(accessClaims, AccessTokenJWTType)
	if err != nil {
		return nil, err
	}
	err = tx.SaveAccessToken(ctx, storage.AccessToken{
		TokenDigest: digest(accessToken),
		JTI:         accessClaims.ID,
		GrantID:     p.GrantID,
		ClientID:    clientID,
		UserID:      p.UserID,
		Scopes:      p.Scopes,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.AccessTTL),
		CnfJKT:      p.DPoPJKT,
	})
	if err != nil {
		return nil, fmt.Errorf("save access token: %w", err)
	}

	set := &TokenSet{
		AccessToken: accessToken,
		TokenType:   TypeBearer,
		ExpiresIn:   int64(s.cfg.AccessTTL.Seconds()),
		Scopes:      p.Scopes,
		GrantID:     p.GrantID,
	}
	if p.DPoPJKT != "" {
		set.TokenType = TypeDPoP
	}

	if s.issuesRefresh(p) {
		raw, err := randomToken()
		if err != nil {
			return nil, err
		}
		rt := storage.RefreshToken{
			TokenDigest: digest(raw),
			GrantID:     p.GrantID,
			ClientID:    clientID,
			UserID:      p.UserID,
			Scopes:      p.refreshScopes,
			Nonce:       p.Nonce,
			AuthTime:    p.AuthTime,
			IssuedAt:    now,
			ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		}
		if p.parent != nil {
			rt.ParentDigest = p.parent.TokenDigest
			rt.Generation = p.parent.Generation + 1
		}
		// Confidential clients authenticate on refresh; public clients
		// prove possession of the DPoP key instead.
		if p.Client.Public() {
			rt.CnfJKT = p.DPoPJKT
		}
		if err := tx.SaveRefreshToken(ctx, rt); err != nil {
			return nil, fmt.Errorf("save refresh token: %w", err)
		}
		set.RefreshToken = raw
	}

	if slices.Contains(p.Scopes, clients.ScopeOpenID) {
		idToken, err := s.keys.Sign(s.buildIDClaims(p.MintRequest, accessToken, now), "")
		if err != nil {
			return nil, err
		}
		set.IDToken = idToken
	}

	s.logger.Debug("tokens issued",
		"client_id", clientID,
		"grant_id", p.GrantID,
		"token_type", set.TokenType,
		"refresh", set.RefreshToken != "",
		"id_token", set.IDToken != "",
	)
	return set, nil
}

func (s *Service) issuesRefresh(p mintParams) bool {
	if !p.Client.AllowsGrant(clients.GrantRefreshToken) {
		return false
	}
	if p.parent != nil {
		return true
	}
	return p.Client.OfflineAccess || slices.Contains(p.Scopes, clients.ScopeOfflineAccess)
}

func (s *Service) buildAccessClaims(subject, clientID string, scopes []string, jkt string, now time.Time) AccessClaims {
	claims := AccessClaims{
		Scope:    storage.JoinScopes(scopes),
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	if jkt != "" {
		claims.Cnf = &Confirmation{JKT: jkt}
	}
	return claims
}

func (s *Service) buildIDClaims(req MintRequest, accessToken string, now time.Time) IDClaims {
	claims := IDClaims{
		Nonce:  req.Nonce,
		AZP:    req.Client.ID,
		AtHash: AtHash(accessToken),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   req.UserID,
			Audience:  jwt.ClaimStrings{req.Client.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.IDTokenTTL)),
		},
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(req.AuthTime)
	}
	return claims
}

// ValidateAccess checks an access token presented to a protected endpoint.
// proofJKT is the thumbprint of the validated DPoP proof, or empty for a
// Bearer presentation; it must equal the token's cnf.jkt.
func (s *Service) ValidateAccess(ctx context.Context, token, proofJKT string) (*AccessClaims, error) {
	claims, err := s.lookupAccess(ctx, token)
	if err != nil {
		return nil, err
	}
	if boundJKT(claims) != proofJKT {
		return nil, ErrBindingMismatch
	}
	return claims, nil
}

// lookupAccess verifies the signature and the stored record.
func (s *Service) lookupAccess(ctx context.Context, token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	err := s.keys.Verify(token, claims,
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var rec storage.AccessToken
	err = s.store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		rec, err = tx.GetAccessToken(ctx, digest(token))
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: unknown token", ErrInvalidToken)
	case err != nil:
		return nil, err
	}
	if rec.Revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	if !s.cfg.Now().Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if rec.JTI != claims.ID || rec.CnfJKT != boundJKT(claims) {
		return nil, fmt.Errorf("%w: record mismatch", ErrInvalidToken)
	}
	return claims, nil
}

func boundJKT(c *AccessClaims) string {
	if c.Cnf == nil {
		return ""
	}
	return c.Cnf.JKT
}

// IntrospectOptions carries what the introspecting caller presented.
type IntrospectOptions struct {
	// ProofJKT is the thumbprint of a DPoP proof accompanying the request.
	ProofJKT string
	// ClientID is the authenticated caller. Refresh tokens are only
	// introspectable by the client they were issued to.
	ClientID string
}

// Introspection is the RFC 7662 response body.
type Introspection struct {
	Active    bool          `json:"active"`
	Scope     string        `json:"scope,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	Subject   string        `json:"sub,omitempty"`
	TokenType string        `json:"token_type,omitempty"`
	ExpiresAt int64         `json:"exp,omitempty"`
	IssuedAt  int64         `json:"iat,omitempty"`
	Issuer    string        `json:"iss,omitempty"`
	Audience  []string      `json:"aud,omitempty"`
	JTI       string        `json:"jti,omitempty"`
	Cnf       *Confirmation `json:"cnf,omitempty"`
}

// Introspect reports whether token is active. Errors are reserved for
// backend failures; every invalid token yields {active: false}.
func (s *Service) Introspect(ctx context.Context, token string, opts IntrospectOptions) (Introspection, error) {
	if token == "" {
		return Introspection{}, nil
	}
	if strings.Count(token, ".") == 2 {
		return s.introspectAccess(ctx, token, opts)
	}
	return s.introspectRefresh(ctx, token, opts)
}

func (s *Service) introspectAccess(ctx context.Context, token string, opts IntrospectOptions) (Introspection, error) {
	claims, err := s.lookupAccess(ctx, token)
	switch {
	case errors.Is(err, ErrInvalidToken):
		return Introspection{}, nil
	case err != nil:
		return Introspection{}, err
	}
	if jkt := boundJKT(claims); jkt != "" && jkt != opts.ProofJKT {
		return Introspection{}, nil
	}
	out := Introspection{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: TypeBearer,
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		JTI:       claims.ID,
		Cnf:       claims.Cnf,
	}
	if claims.Cnf != nil {
		out.TokenType = TypeDPoP
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	return out, nil
}

func (s *Service) introspectRefresh(ctx context.Context, token string, opts IntrospectOptions) (Introspection, error) {
	var rt storage.RefreshToken
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		rt, err = tx.GetRefreshToken(ctx, digest(token))
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Introspection{}, nil
	case err != nil:
		return Introspection{}, err
	}
	if rt.Consumed || rt.Revoked || !s.cfg.Now().Before(rt.ExpiresAt) || rt.ClientID != opts.ClientID {
		return Introspection{}, nil
	}
	out := Introspection{
		Active:    true,
		Scope:     storage.JoinScopes(rt.Scopes),
		ClientID:  rt.ClientID,
		Subject:   rt.UserID,
		TokenType: TypeRefreshToken,
		ExpiresAt: rt.ExpiresAt.Unix(),
		IssuedAt:  rt.IssuedAt.Unix(),
		Issuer:    s.cfg.Issuer,
	}
	if rt.CnfJKT != "" {
		out.Cnf = &Confirmation{JKT: rt.CnfJKT}
	}
	return out, nil
}

// Revoke invalidates token on behalf of clientID. Unknown tokens and tokens
// of other clients are ignored so callers cannot probe for them. Revoking a
// refresh token also revokes its descendants and the grant's access tokens.
func (s *Service) Revoke(ctx context.Context, token, clientID string) error {
	if token == "" {
		return nil
	}
	d := digest(token)
	return s.store.Transact(ctx, func(tx storage.Tx) error {
		at, err := tx.GetAccessToken(ctx, d)
		switch {
		case err == nil:
			if at.ClientID != clientID {
				return nil
			}
			return tx.RevokeAccessToken(ctx, d)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		rt, err := tx.GetRefreshToken(ctx, d)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		if rt.ClientID != clientID {
			return nil
		}
		if err := tx.RevokeRefreshToken(ctx, d); err != nil {
			return err
		}
		return tx.RevokeDescendants(ctx, rt.GrantID, rt.Generation)
	})
}

// RotateRequest is a refresh_token grant after client authentication.
type RotateRequest struct {
	RefreshToken string
	Client       *clients.Client
	DPoPJKT      string
	// Scopes optionally narrows the access token.
	Scopes []string
}

// Rotate consumes a refresh token and issues its successor. Presenting an
// already consumed token revokes the whole grant and returns ErrReplay.
func (s *Service) Rotate(ctx context.Context, req RotateRequest) (*TokenSet, error) {
	if req.Client == nil {
		return nil, errors.New("rotate: client required")
	}
	d := digest(req.RefreshToken)
	var (
		set      *TokenSet
		replayed *storage.RefreshToken
	)
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		set, replayed = nil, nil
		rt, err := tx.ConsumeRefreshToken(ctx, d)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
		case errors.Is(err, storage.ErrAlreadyConsumed):
			// Returning nil commits the revocation.
			replayed = &rt
			return tx.RevokeGrant(ctx, rt.GrantID)
		case err != nil:
			return err
		}

		switch {
		case rt.ClientID != req.Client.ID:
			return fmt.Errorf("%w: refresh token issued to another client", ErrInvalidGrant)
		case rt.Revoked:
			return fmt.Errorf("%w: refresh token revoked", ErrInvalidGrant)
		case !s.cfg.Now().Before(rt.ExpiresAt):
			return fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
		case rt.CnfJKT != "" && rt.CnfJKT != req.DPoPJKT:
			return fmt.Errorf("%w: dpop key does not match refresh token binding", ErrInvalidGrant)
		}

		scopes := rt.Scopes
		if len(req.Scopes) > 0 {
			if !clients.Subset(req.Scopes, rt.Scopes) {
				return fmt.Errorf("%w: scope exceeds original grant", ErrInvalidScope)
			}
			scopes = req.Scopes
		}
		set, err = s.mint(ctx, tx, mintParams{
			MintRequest: MintRequest{
				Client:   req.Client,
				UserID:   rt.UserID,
				Scopes:   scopes,
				Nonce:    rt.Nonce,
				DPoPJKT:  req.DPoPJKT,
				GrantID:  rt.GrantID,
				AuthTime: rt.AuthTime,
			},
			refreshScopes: rt.Scopes,
			parent:        &rt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		s.logger.Warn("refresh token replay, grant revoked",
			"client_id", req.Client.ID,
			"grant_id", replayed.GrantID,
			"generation", replayed.Generation,
		)
		return nil, ErrReplay
	}
	return set, nil
}

// RevokeGrant revokes every token minted under grantID.
func (s *Service) RevokeGrant(ctx context.Context, grantID string) error {
	return s.store.Transact(ctx, func(tx storage.Tx) error {
		return tx.RevokeGrant(ctx, grantID)
	})
}

// AtHash computes the OIDC at_hash: the left half of the SHA-256 of the
// access token, base64url encoded.
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func digest(token string) string {
	return pkce.SumString(token).String()
}

func randomToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
