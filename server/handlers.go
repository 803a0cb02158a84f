package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lmsoauth/clients"
	"lmsoauth/dpop"
	"lmsoauth/flow"
	"lmsoauth/oauth"
	"lmsoauth/storage"
	"lmsoauth/tokens"
)

const insufficientScope = "insufficient_scope"

// Endpoint labels for metrics and logs.
const (
	endpointAuthorize  = "authorize"
	endpointConsent    = "consent"
	endpointToken      = "token"
	endpointIntrospect = "introspect"
	endpointRevoke     = "revoke"
	endpointUserInfo   = "userinfo"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type consentRequired struct {
	ConsentRequired bool     `json:"consent_required"`
	ClientID        string   `json:"client_id"`
	ClientName      string   `json:"client_name,omitempty"`
	Scopes          []string `json:"scopes"`
	// Query is the authorization request to post back to the consent endpoint.
	Query string `json:"query"`
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config, a.Clients.Policy(), a.DPoP.Algorithms()))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, a.Keys.JWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, c := range a.health {
		if err := c.check(r.Context()); err != nil {
			a.Logger.Warn("health check failed", "component", c.name, "error", err)
			writeMessage(w, http.StatusServiceUnavailable, c.name+" unavailable")
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q, err := flow.ParseConsentQuery(r.URL.Query())
	if err != nil {
		a.writeError(w, r, endpointAuthorize, err)
		return
	}
	annotate(r, q.ClientID, "")

	userID, err := a.Users.ResolveUser(r)
	if err != nil {
		a.Logger.Warn("authorize without user", "request_id", RequestIDFromContext(r.Context()), "client_id", q.ClientID)
		writeMessage(w, http.StatusUnauthorized, "user authentication required")
		return
	}
	annotate(r, "", userID)

	dec, err := a.Flow.Authorize(r.Context(), q, userID)
	if err != nil {
		a.writeAuthorizeError(w, r, err)
		return
	}
	if !dec.NeedsConsent {
		redirect(w, dec.Redirect)
		return
	}

	if a.Config.Server.ConsentUIURL != "" {
		params := dec.Query.Values()
		if dec.Client.Name != "" {
			params.Set("client_name", dec.Client.Name)
		}
		target, err := appendQuery(a.Config.Server.ConsentUIURL, params)
		if err != nil {
			a.writeError(w, r, endpointAuthorize, err)
			return
		}
		redirect(w, target)
		return
	}
	writeJSON(w, consentRequired{
		ConsentRequired: true,
		ClientID:        dec.Client.ID,
		ClientName:      dec.Client.Name,
		Scopes:          dec.Scopes,
		Query:           dec.Query.Values().Encode(),
	})
}

func (a *App) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, endpointConsent, oauth.Wrap(oauth.InvalidRequest, err, "invalid form"))
		return
	}
	q, err := flow.ParseConsentQuery(r.PostForm)
	if err != nil {
		a.writeError(w, r, endpointConsent, err)
		return
	}
	annotate(r, q.ClientID, "")

	userID, err := a.Users.ResolveUser(r)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "user authentication required")
		return
	}
	annotate(r, "", userID)

	// A browser-side DPoP key may pin the code at approval time.
	proofJKT, err := a.validateProof(r, endpointConsent, PathConsent, "")
	if err != nil {
		a.writeError(w, r, endpointConsent, err)
		return
	}

	loc, err := a.Flow.Approve(r.Context(), q, userID, proofJKT)
	if err != nil {
		a.writeAuthorizeError(w, r, err)
		return
	}
	redirect(w, loc)
}

func (a *App) handleConsentDeny(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, endpointConsent, oauth.Wrap(oauth.InvalidRequest, err, "invalid form"))
		return
	}
	q, err := flow.ParseConsentDenyQuery(r.PostForm)
	if err != nil {
		a.writeError(w, r, endpointConsent, err)
		return
	}
	annotate(r, q.ClientID, "")

	loc, err := a.Flow.Deny(r.Context(), q)
	if err != nil {
		a.writeAuthorizeError(w, r, err)
		return
	}
	a.Metrics.OAuthError(endpointConsent, oauth.AccessDenied)
	redirect(w, loc)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, endpointToken, oauth.Wrap(oauth.InvalidRequest, err, "invalid form"))
		return
	}

	req, err := flow.ParseTokenRequest(r.PostForm)
	if err != nil {
		a.writeError(w, r, endpointToken, err)
		return
	}
	auth, err := clientAuthFromRequest(r)
	if err != nil {
		a.writeError(w, r, endpointToken, err)
		return
	}
	annotate(r, firstNonEmpty(auth.ClientID, r.PostForm.Get("client_id")), "")

	proof, err := singleDPoPHeader(r)
	if err != nil {
		a.Metrics.DPoPProof(endpointToken, false)
		a.writeError(w, r, endpointToken, err)
		return
	}
	dp := flow.DPoPInput{Proof: proof, Method: r.Method, URL: a.endpointURL(PathToken)}

	var (
		set       *tokens.TokenSet
		grantType string
	)
	switch g := req.(type) {
	case flow.AuthorizationCodeGrant:
		grantType = clients.GrantAuthorizationCode
		set, err = a.Flow.Exchange(r.Context(), g, auth, dp)
	case flow.RefreshTokenGrant:
		grantType = clients.GrantRefreshToken
		set, err = a.Flow.Refresh(r.Context(), g, auth, dp)
	default:
		err = oauth.New(oauth.UnsupportedGrantType, "grant_type is not supported")
	}
	if proof != "" {
		a.Metrics.DPoPProof(endpointToken, !errors.Is(err, oauth.ErrInvalidDPoPProof))
	}
	if err != nil {
		a.writeError(w, r, endpointToken, err)
		return
	}

	a.Metrics.TokenIssued(grantType, set.TokenType)
	writeJSON(w, tokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		Scope:        storage.JoinScopes(set.Scopes),
	})
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	scheme, token := extractAuthorization(r.Header.Get("Authorization"))
	if token == "" {
		a.writeTokenChallenge(w, r, oauth.New(oauth.InvalidRequest, "access token required"), http.StatusUnauthorized)
		return
	}

	var proofJKT string
	if strings.EqualFold(scheme, tokens.TypeDPoP) {
		proof, err := singleDPoPHeader(r)
		if err == nil && proof == "" {
			err = oauth.New(oauth.InvalidDPoPProof, "DPoP proof required")
		}
		if err != nil {
			a.Metrics.DPoPProof(endpointUserInfo, false)
			a.writeTokenChallenge(w, r, err, http.StatusUnauthorized)
			return
		}
		p, err := a.DPoP.Validate(r.Context(), proof, dpop.Request{Method: r.Method, URL: a.endpointURL(PathUserInfo), AccessToken: token})
		a.Metrics.DPoPProof(endpointUserInfo, err == nil)
		if err != nil {
			a.writeTokenChallenge(w, r, proofError(err), http.StatusUnauthorized)
			return
		}
		proofJKT = p.JKT
	}

	claims, err := a.Tokens.ValidateAccess(r.Context(), token, proofJKT)
	if err != nil {
		if oauth.IsUnavailable(err) {
			a.writeError(w, r, endpointUserInfo, err)
			return
		}
		desc := "access token is invalid"
		if errors.Is(err, tokens.ErrBindingMismatch) {
			desc = "access token is bound to a different presentation"
		}
		a.writeTokenChallenge(w, r, oauth.Wrap(oauth.InvalidToken, err, desc), http.StatusUnauthorized)
		return
	}
	annotate(r, claims.ClientID, claims.Subject)

	scopes := claims.Scopes()
	if !clients.Subset([]string{clients.ScopeOpenID}, scopes) {
		a.writeTokenChallenge(w, r, &oauth.Error{Code: insufficientScope, Description: "openid scope required"}, http.StatusForbidden)
		return
	}

	info, found, err := a.Directory.LookupUser(r.Context(), claims.Subject)
	if err != nil {
		a.writeError(w, r, endpointUserInfo, err)
		return
	}
	noStore(w)
	writeJSON(w, userClaims(claims.Subject, scopes, info, found))
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, endpointIntrospect, oauth.Wrap(oauth.InvalidRequest, err, "invalid form"))
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		a.writeError(w, r, endpointIntrospect, err)
		return
	}
	if client.Public() {
		a.writeError(w, r, endpointIntrospect, oauth.New(oauth.InvalidClient, "introspection requires a confidential client"))
		return
	}
	annotate(r, client.ID, "")

	token := r.PostForm.Get("token")
	if token == "" {
		a.writeError(w, r, endpointIntrospect, oauth.New(oauth.InvalidRequest, "token required"))
		return
	}

	// A caller holding the token's DPoP key proves possession with a proof
	// for this request whose ath covers the token.
	proofJKT, err := a.validateProof(r, endpointIntrospect, PathIntrospect, token)
	if err != nil {
		a.writeError(w, r, endpointIntrospect, err)
		return
	}

	resp, err := a.Tokens.Introspect(r.Context(), token, tokens.IntrospectOptions{ProofJKT: proofJKT, ClientID: client.ID})
	if err != nil {
		a.writeError(w, r, endpointIntrospect, err)
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, endpointRevoke, oauth.Wrap(oauth.InvalidRequest, err, "invalid form"))
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		a.writeError(w, r, endpointRevoke, err)
		return
	}
	annotate(r, client.ID, "")

	token := r.PostForm.Get("token")
	if token == "" {
		a.writeError(w, r, endpointRevoke, oauth.New(oauth.InvalidRequest, "token required"))
		return
	}
	if err := a.Tokens.Revoke(r.Context(), token, client.ID); err != nil {
		a.writeError(w, r, endpointRevoke, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// validateProof checks an optional DPoP header against the endpoint and
// returns its thumbprint, or "" when the request carries none.
func (a *App) validateProof(r *http.Request, endpoint, path, accessToken string) (string, error) {
	proof, err := singleDPoPHeader(r)
	if err != nil {
		a.Metrics.DPoPProof(endpoint, false)
		return "", err
	}
	if proof == "" {
		return "", nil
	}
	p, err := a.DPoP.Validate(r.Context(), proof, dpop.Request{Method: r.Method, URL: a.endpointURL(path), AccessToken: accessToken})
	a.Metrics.DPoPProof(endpoint, err == nil)
	if err != nil {
		return "", proofError(err)
	}
	return p.JKT, nil
}

func proofError(err error) error {
	if errors.Is(err, dpop.ErrInvalidProof) {
		return oauth.Wrap(oauth.InvalidDPoPProof, err, "invalid DPoP proof")
	}
	return err
}

func (a *App) authenticateClient(r *http.Request) (*clients.Client, error) {
	auth, err := clientAuthFromRequest(r)
	if err != nil {
		return nil, err
	}
	method := auth.Method
	if method == "" {
		method = clients.AuthNone
	}
	client, err := a.Clients.Authenticate(auth.ClientID, auth.Secret, method)
	if err != nil {
		return nil, oauth.Wrap(oauth.InvalidClient, err, "client authentication failed")
	}
	return client, nil
}

// clientAuthFromRequest reads client credentials from HTTP Basic or the
// form body. Using both at once is rejected.
func clientAuthFromRequest(r *http.Request) (flow.ClientAuth, error) {
	bodySecret := r.PostForm.Get("client_secret")
	if user, pass, ok := r.BasicAuth(); ok {
		if bodySecret != "" {
			return flow.ClientAuth{}, oauth.New(oauth.InvalidRequest, "multiple client authentication methods")
		}
		id, err := url.QueryUnescape(user)
		if err != nil {
			return flow.ClientAuth{}, oauth.Wrap(oauth.InvalidClient, err, "malformed client credentials")
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return flow.ClientAuth{}, oauth.Wrap(oauth.InvalidClient, err, "malformed client credentials")
		}
		return flow.ClientAuth{ClientID: id, Secret: secret, Method: clients.AuthSecretBasic}, nil
	}
	if bodySecret != "" {
		return flow.ClientAuth{ClientID: r.PostForm.Get("client_id"), Secret: bodySecret, Method: clients.AuthSecretPost}, nil
	}
	return flow.ClientAuth{ClientID: r.PostForm.Get("client_id"), Method: clients.AuthNone}, nil
}

func singleDPoPHeader(r *http.Request) (string, error) {
	vals := r.Header.Values("DPoP")
	switch len(vals) {
	case 0:
		return "", nil
	case 1:
		return strings.TrimSpace(vals[0]), nil
	default:
		return "", oauth.New(oauth.InvalidDPoPProof, "multiple DPoP headers")
	}
}

func (a *App) endpointURL(path string) string {
	return a.Config.Issuer() + path
}

// writeAuthorizeError redirects errors the flow attributes to a verified
// redirect URI and renders the rest as JSON.
func (a *App) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *flow.RedirectError
	if errors.As(err, &re) {
		a.logError(r, endpointAuthorize, re.Err)
		a.Metrics.OAuthError(endpointAuthorize, re.Err.Code)
		redirect(w, re.Location())
		return
	}
	a.writeError(w, r, endpointAuthorize, err)
}

// writeError renders err as an OAuth error body with the matching status.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	oe := oauth.From(err)
	a.logError(r, endpoint, oe)
	a.Metrics.OAuthError(endpoint, oe.Code)

	if oe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="lmsoauth"`)
	}
	if oe.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONStatus(w, oe.Status, errorBody{Error: oe.Code, Description: oe.Description})
}

// writeTokenChallenge answers a protected resource request with Bearer and
// DPoP challenges.
func (a *App) writeTokenChallenge(w http.ResponseWriter, r *http.Request, err error, status int) {
	oe := oauth.From(err)
	a.logError(r, endpointUserInfo, oe)
	a.Metrics.OAuthError(endpointUserInfo, oe.Code)

	params := `realm="lmsoauth"`
	if oe.Code != oauth.InvalidRequest {
		params += fmt.Sprintf(`, error=%q`, oe.Code)
		if oe.Description != "" {
			params += fmt.Sprintf(`, error_description=%q`, oe.Description)
		}
	}
	w.Header().Add("WWW-Authenticate", "Bearer "+params)
	w.Header().Add("WWW-Authenticate", fmt.Sprintf(`DPoP %s, algs=%q`, params, strings.Join(a.DPoP.Algorithms(), " ")))
	writeJSONStatus(w, status, errorBody{Error: oe.Code, Description: oe.Description})
}

func (a *App) logError(r *http.Request, endpoint string, oe *oauth.Error) {
	attrs := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"endpoint", endpoint,
		"error", oe.Code,
	}
	if oe.Cause != nil {
		attrs = append(attrs, "cause", oe.Cause.Error())
	}
	switch oe.Code {
	case oauth.ServerError:
		a.Logger.Error("oauth error", attrs...)
	case oauth.TemporarilyUnavailable:
		a.Logger.Warn("oauth error", attrs...)
	default:
		a.Logger.Debug("oauth error", attrs...)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, messageBody{Message: msg})
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// redirect sends a 302 without needing the request, so the Location is
// never rewritten relative to the request path.
func redirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

func appendQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse consent ui url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// extractAuthorization splits an Authorization header into scheme and token.
func extractAuthorization(header string) (string, string) {
	if header == "" {
		return "", ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	scheme := parts[0]
	if !strings.EqualFold(scheme, tokens.TypeBearer) && !strings.EqualFold(scheme, tokens.TypeDPoP) {
		return "", ""
	}
	return scheme, strings.TrimSpace(parts[1])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
