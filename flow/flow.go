// Package flow implements the authorization code flow: validating
// authorization requests, recording consent, issuing single-use codes and
// redeeming them or refresh tokens at the token endpoint.
//
// Every error returned by an Authorizer is an *oauth.Error, or a
// *RedirectError for authorization failures that are reported to the
// client's redirect URI.
package flow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"lmsoauth/clients"
	"lmsoauth/dpop"
	"lmsoauth/oauth"
	"lmsoauth/pkce"
	"lmsoauth/storage"
	"lmsoauth/tokens"
)

const (
	// MaxCodeTTL caps authorization code lifetime.
	MaxCodeTTL = 10 * time.Minute
	codeBytes  = 32
)

// Config configures an Authorizer.
type Config struct {
	CodeTTL time.Duration
	Now     func() time.Time
}

// ClientAuth is the client authentication presented at the token endpoint.
type ClientAuth struct {
	ClientID string
	Secret   string
	Method   clients.AuthMethod
}

// DPoPInput is the DPoP header of a token request. An empty Proof means the
// request carried none.
type DPoPInput struct {
	Proof  string
	Method string
	URL    string
}

// Decision is the outcome of an authorization request. Either Redirect is
// set because a code was issued, or NeedsConsent asks the host to show the
// consent screen for Client and Scopes.
type Decision struct {
	Redirect     string
	NeedsConsent bool
	Client       *clients.Client
	Scopes       []string
	Query        ConsentQuery
}

// RedirectError is an authorization error reported to the client by
// redirecting the user agent.
type RedirectError struct {
	Err         *oauth.Error
	RedirectURI string
	State       string
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location is the redirect URI carrying error, error_description and state.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	loc, err := withQuery(e.RedirectURI, params)
	if err != nil {
		return e.RedirectURI
	}
	return loc
}

// Authorizer runs the authorization code flow.
type Authorizer struct {
	cfg     Config
	clients *clients.Registry
	store   storage.Store
	tokens  *tokens.Service
	dpop    *dpop.Validator
	logger  *slog.Logger
}

// NewAuthorizer wires the flow to its collaborators.
func NewAuthorizer(cfg Config, registry *clients.Registry, store storage.Store, ts *tokens.Service, dv *dpop.Validator, logger *slog.Logger) *Authorizer {
	if cfg.CodeTTL <= 0 || cfg.CodeTTL > MaxCodeTTL {
		cfg.CodeTTL = MaxCodeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{cfg: cfg, clients: registry, store: store, tokens: ts, dpop: dv, logger: logger}
}

type authRequest struct {
	client *clients.Client
	query  ConsentQuery
	scopes []string
}

func (r *authRequest) fail(code, description string, cause error) error {
	return &RedirectError{
		Err:         oauth.Wrap(code, cause, description),
		RedirectURI: r.query.RedirectURI,
		State:       r.query.State,
	}
}

// validate resolves the client and redirect URI first; failures before that
// point must not redirect.
func (a *Authorizer) validate(q ConsentQuery) (*authRequest, error) {
	if q.ClientID == "" {
		return nil, oauth.New(oauth.InvalidRequest, "client_id required")
	}
	client, ok := a.clients.Get(q.ClientID)
	if !ok {
		return nil, oauth.New(oauth.InvalidRequest, "unknown client")
	}
	if q.RedirectURI == "" || !client.ValidRedirect(q.RedirectURI) {
		return nil, oauth.New(oauth.InvalidRequest, "redirect_uri is not registered for this client")
	}

	req := &authRequest{client: client, query: q}
	if err := q.Validate(); err != nil {
		var oe *oauth.Error
		errors.As(err, &oe)
		return nil, &RedirectError{Err: oe, RedirectURI: q.RedirectURI, State: q.State}
	}
	if !client.AllowsGrant(clients.GrantAuthorizationCode) {
		return nil, req.fail(oauth.UnauthorizedClient, "client may not use the authorization code grant", nil)
	}

	raw := q.Scope
	if raw == "" {
		raw = clients.ScopeOpenID
	}
	scopes, err := a.clients.Policy().ParseScopes(raw)
	if err != nil {
		return nil, req.fail(oauth.InvalidScope, "unknown scope requested", err)
	}
	if err := client.ValidateScopes(scopes); err != nil {
		return nil, req.fail(oauth.InvalidScope, "scope not allowed for this client", err)
	}
	req.scopes = scopes

	if client.RequirePKCE && q.CodeChallenge == "" {
		return nil, req.fail(oauth.InvalidRequest, "code_challenge required", nil)
	}
	return req, nil
}

// Authorize validates an authorization request for an authenticated user.
// When the user already consented to every requested scope, a code is
// issued right away.
func (a *Authorizer) Authorize(ctx context.Context, q ConsentQuery, userID string) (*Decision, error) {
	req, err := a.validate(q)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, req.fail(oauth.AccessDenied, "no authenticated user", nil)
	}

	var redirect string
	err = a.store.Transact(ctx, func(tx storage.Tx) error {
		redirect = ""
		consent, err := tx.GetConsent(ctx, userID, req.client.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		if !consent.Covers(req.scopes) {
			return nil
		}
		redirect, err = a.issueCode(ctx, tx, req, userID, q.DPoPJKT)
		return err
	})
	if err != nil {
		return nil, oauth.From(err)
	}

	d := &Decision{Client: req.client, Scopes: req.scopes, Query: q}
	if redirect == "" {
		d.NeedsConsent = true
	} else {
		d.Redirect = redirect
	}
	return d, nil
}

// Approve records the user's consent and issues a code. proofJKT is the
// thumbprint of a DPoP proof sent with the approval, if any; it must agree
// with a dpop_jkt parameter when both are present.
func (a *Authorizer) Approve(ctx context.Context, q ConsentQuery, userID, proofJKT string) (string, error) {
	req, err := a.validate(q)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", req.fail(oauth.AccessDenied, "no authenticated user", nil)
	}
	jkt := q.DPoPJKT
	if proofJKT != "" {
		if jkt != "" && jkt != proofJKT {
			return "", req.fail(oauth.InvalidRequest, "dpop_jkt does not match the DPoP proof", nil)
		}
		jkt = proofJKT
	}

	var redirect string
	err = a.store.Transact(ctx, func(tx storage.Tx) error {
		consent, err := tx.GetConsent(ctx, userID, req.client.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err != nil || !consent.Covers(req.scopes) {
			merged := append(slices.Clone(consent.Scopes), req.scopes...)
			slices.Sort(merged)
			err = tx.SaveConsent(ctx, storage.Consent{
				UserID:    userID,
				ClientID:  req.client.ID,
				Scopes:    slices.Compact(merged),
				GrantedAt: a.cfg.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
		redirect, err = a.issueCode(ctx, tx, req, userID, jkt)
		return err
	})
	if err != nil {
		return "", oauth.From(err)
	}
	a.logger.Info("consent approved", "client_id", req.client.ID, "user_id", userID, "scope", storage.JoinScopes(req.scopes))
	return redirect, nil
}

// Deny returns the redirect reporting access_denied to the client.
func (a *Authorizer) Deny(_ context.Context, q ConsentDenyQuery) (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}
	client, ok := a.clients.Get(q.ClientID)
	if !ok {
		return "", oauth.New(oauth.InvalidRequest, "unknown client")
	}
	if !client.ValidRedirect(q.RedirectURI) {
		return "", oauth.New(oauth.InvalidRequest, "redirect_uri is not registered for this client")
	}
	a.logger.Info("consent denied", "client_id", client.ID)
	denied := &RedirectError{
		Err:         oauth.New(oauth.AccessDenied, "the user denied the request"),
		RedirectURI: q.RedirectURI,
		State:       q.State,
	}
	return denied.Location(), nil
}

func (a *Authorizer) issueCode(ctx context.Context, tx storage.Tx, req *authRequest, userID, jkt string) (string, error) {
	code, err := newCode()
	if err != nil {
		return "", err
	}
	now := a.cfg.Now().UTC()
	err = tx.SaveAuthorizationCode(ctx, storage.AuthorizationCode{
		CodeDigest:          pkce.SumString(code).String(),
		ClientID:            req.client.ID,
		UserID:              userID,
		RedirectURI:         req.query.RedirectURI,
		Scopes:              req.scopes,
		Nonce:               req.query.Nonce,
		CodeChallenge:       req.query.CodeChallenge,
		CodeChallengeMethod: req.query.CodeChallengeMethod,
		DPoPJKT:             jkt,
		AuthTime:            now,
		IssuedAt:            now,
		ExpiresAt:           now.Add(a.cfg.CodeTTL),
	})
	if err != nil {
		return "", fmt.Errorf("save authorization code: %w", err)
	}

	params := url.Values{}
	params.Set("code", code)
	if req.query.State != "" {
		params.Set("state", req.query.State)
	}
	return withQuery(req.query.RedirectURI, params)
}

// Exchange redeems an authorization code. The code is consumed and the
// tokens recorded in one transaction. A code that fails the client,
// redirect, PKCE or DPoP checks stays consumed. Presenting a consumed code
// revokes every token minted from it.
func (a *Authorizer) Exchange(ctx context.Context, grant AuthorizationCodeGrant, auth ClientAuth, dp DPoPInput) (*tokens.TokenSet, error) {
	if err := grant.Validate(); err != nil {
		return nil, err
	}
	client, err := a.authenticate(auth, grant.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(clients.GrantAuthorizationCode) {
		return nil, oauth.New(oauth.UnauthorizedClient, "client may not use the authorization code grant")
	}
	jkt, err := a.proofJKT(ctx, dp)
	if err != nil {
		return nil, err
	}

	digest := pkce.SumString(grant.Code).String()
	var (
		set      *tokens.TokenSet
		replayed bool
		rejected error
	)
	err = a.store.Transact(ctx, func(tx storage.Tx) error {
		set, replayed, rejected = nil, false, nil
		code, err := tx.ConsumeAuthorizationCode(ctx, digest)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return oauth.New(oauth.InvalidGrant, "authorization code is invalid")
		case errors.Is(err, storage.ErrAlreadyConsumed):
			replayed = true
			return tx.RevokeGrant(ctx, code.CodeDigest)
		case err != nil:
			return err
		}
		if err := a.checkCode(code, client, grant, jkt); err != nil {
			// Commit the consumption, report the rejection afterwards.
			rejected = err
			return nil
		}
		set, err = a.tokens.MintTx(ctx, tx, tokens.MintRequest{
			Client:   client,
			UserID:   code.UserID,
			Scopes:   code.Scopes,
			Nonce:    code.Nonce,
			DPoPJKT:  jkt,
			GrantID:  code.CodeDigest,
			AuthTime: code.AuthTime,
		})
		return err
	})
	if err != nil {
		return nil, oauth.From(err)
	}
	if replayed {
		a.logger.Warn("authorization code replay, grant revoked", "client_id", client.ID)
		return nil, oauth.New(oauth.InvalidGrant, "authorization code is invalid")
	}
	if rejected != nil {
		return nil, rejected
	}
	return set, nil
}

func (a *Authorizer) checkCode(code storage.AuthorizationCode, client *clients.Client, grant AuthorizationCodeGrant, jkt string) error {
	switch {
	case code.ClientID != client.ID:
		return oauth.New(oauth.InvalidGrant, "authorization code was issued to another client")
	case !a.cfg.Now().Before(code.ExpiresAt):
		return oauth.New(oauth.InvalidGrant, "authorization code expired")
	case code.RedirectURI != grant.RedirectURI:
		return oauth.New(oauth.InvalidGrant, "redirect_uri does not match the authorization request")
	}

	switch {
	case code.CodeChallenge != "":
		if grant.CodeVerifier == "" {
			return oauth.New(oauth.InvalidGrant, "code_verifier required")
		}
		if err := pkce.Verify(grant.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
			return oauth.Wrap(oauth.InvalidGrant, err, "code_verifier does not match code_challenge")
		}
	case grant.CodeVerifier != "":
		return oauth.New(oauth.InvalidGrant, "code_verifier sent for a code issued without code_challenge")
	case client.RequirePKCE:
		return oauth.New(oauth.InvalidGrant, "authorization code lacks a code_challenge")
	}

	if code.DPoPJKT != "" && code.DPoPJKT != jkt {
		return oauth.New(oauth.InvalidDPoPProof, "DPoP key does not match the key bound at authorization")
	}
	return nil
}

// Refresh rotates a refresh token.
func (a *Authorizer) Refresh(ctx context.Context, grant RefreshTokenGrant, auth ClientAuth, dp DPoPInput) (*tokens.TokenSet, error) {
	if err := grant.Validate(); err != nil {
		return nil, err
	}
	client, err := a.authenticate(auth, grant.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(clients.GrantRefreshToken) {
		return nil, oauth.New(oauth.UnauthorizedClient, "client may not use the refresh token grant")
	}
	var scopes []string
	if grant.Scope != "" {
		if scopes, err = a.clients.Policy().ParseScopes(grant.Scope); err != nil {
			return nil, oauth.Wrap(oauth.InvalidScope, err, "unknown scope requested")
		}
	}
	jkt, err := a.proofJKT(ctx, dp)
	if err != nil {
		return nil, err
	}

	set, err := a.tokens.Rotate(ctx, tokens.RotateRequest{
		RefreshToken: grant.RefreshToken,
		Client:       client,
		DPoPJKT:      jkt,
		Scopes:       scopes,
	})
	switch {
	case err == nil:
		return set, nil
	case errors.Is(err, tokens.ErrInvalidScope):
		return nil, oauth.Wrap(oauth.InvalidScope, err, "scope exceeds the original grant")
	case errors.Is(err, tokens.ErrInvalidGrant):
		return nil, oauth.Wrap(oauth.InvalidGrant, err, "refresh token is invalid")
	default:
		return nil, oauth.From(err)
	}
}

// authenticate resolves the client from its credentials. A client_id in the
// request body must agree with the authenticated one.
func (a *Authorizer) authenticate(auth ClientAuth, bodyClientID string) (*clients.Client, error) {
	id := auth.ClientID
	switch {
	case id == "":
		id = bodyClientID
	case bodyClientID != "" && bodyClientID != id:
		return nil, oauth.New(oauth.InvalidRequest, "client_id does not match client authentication")
	}
	method := auth.Method
	if method == "" {
		method = clients.AuthNone
	}
	client, err := a.clients.Authenticate(id, auth.Secret, method)
	if err != nil {
		return nil, oauth.Wrap(oauth.InvalidClient, err, "client authentication failed")
	}
	return client, nil
}

func (a *Authorizer) proofJKT(ctx context.Context, dp DPoPInput) (string, error) {
	if dp.Proof == "" {
		return "", nil
	}
	proof, err := a.dpop.Validate(ctx, dp.Proof, dpop.Request{Method: dp.Method, URL: dp.URL})
	switch {
	case err == nil:
		return proof.JKT, nil
	case errors.Is(err, dpop.ErrInvalidProof):
		return "", oauth.Wrap(oauth.InvalidDPoPProof, err, "invalid DPoP proof")
	default:
		return "", oauth.From(err)
	}
}

func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// withQuery adds params to a registered redirect URI, keeping its own query.
func withQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse redirect_uri: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
