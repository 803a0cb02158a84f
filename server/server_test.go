package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"lmsoauth/clients"
	"lmsoauth/dpop"
	"lmsoauth/pkce"
)

const (
	quizCallback    = "http://127.0.0.1:3000/callback"
	studentID       = "student-42"
	gradebookSecret = "gradebook-secret"
	testNonce       = "n-0S6_WzA2Mj"
)

type testEnv struct {
	app    *App
	srv    *httptest.Server
	client *http.Client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.DevUser = studentID
	cfg.Server.Metrics = true
	cfg.Scopes = []string{"courses.read"}
	cfg.Users = []UserConfig{{ID: studentID, Name: "Ada Lovelace", Email: "ada@lms.example", EmailVerified: true}}
	cfg.OAuth2Clients = []clients.Config{
		{
			ClientID:     "quiz-app",
			ClientName:   "Quiz App",
			RedirectURIs: []string{quizCallback},
			Scopes:       []string{"openid", "profile", "email", "offline_access", "courses.read"},
		},
		{
			ClientID:     "gradebook",
			ClientSecret: gradebookSecret,
			RedirectURIs: []string{"https://gradebook.lms.example/cb"},
			Scopes:       []string{"openid", "courses.read"},
		},
	}
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Server.PublicURL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	handler = app.Routes()

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &testEnv{app: app, srv: srv, client: client}
}

func (e *testEnv) url(path string) string { return e.srv.URL + path }

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (e *testEnv) get(t *testing.T, target string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	return e.do(t, req)
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.url(path), strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	return e.do(t, req)
}

func authParams(challenge, scope string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"quiz-app"},
		"redirect_uri":          {quizCallback},
		"scope":                 {scope},
		"state":                 {"st-1"},
		"nonce":                 {testNonce},
		"code_challenge":        {challenge},
		"code_challenge_method": {pkce.MethodS256},
	}
}

// authorize runs the authorization request, approving consent when asked,
// and returns the code from the redirect.
func (e *testEnv) authorize(t *testing.T, params url.Values) string {
	t.Helper()
	resp, body := e.get(t, e.url(PathAuthorize)+"?"+params.Encode(), nil)
	if resp.StatusCode == http.StatusOK {
		var cr consentRequired
		require.NoError(t, json.Unmarshal(body, &cr))
		require.True(t, cr.ConsentRequired)
		form, err := url.ParseQuery(cr.Query)
		require.NoError(t, err)
		resp, body = e.postForm(t, PathConsent, form, nil)
	}
	require.Equal(t, http.StatusFound, resp.StatusCode, string(body))
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, params.Get("state"), loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, loc.String())
	return code
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb), string(body))
	return eb
}

func TestPublicClientFlowWithOAuth2AndOIDC(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := oidc.ClientContext(context.Background(), env.srv.Client())

	conf := &oauth2.Config{
		ClientID:    "quiz-app",
		RedirectURL: quizCallback,
		Scopes:      []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess},
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.url(PathAuthorize),
			TokenURL:  env.url(PathToken),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("st-1", oauth2.S256ChallengeOption(verifier), oidc.Nonce(testNonce))
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	code := env.authorize(t, u.Query())

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type())
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, "openid profile email offline_access", tok.Extra("scope"))

	provider, err := oidc.NewProvider(ctx, env.srv.URL)
	require.NoError(t, err)
	rawID, ok := tok.Extra("id_token").(string)
	require.True(t, ok)
	idToken, err := provider.Verifier(&oidc.Config{ClientID: "quiz-app"}).Verify(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, studentID, idToken.Subject)
	assert.Equal(t, testNonce, idToken.Nonce)
	require.NoError(t, idToken.VerifyAccessToken(tok.AccessToken))

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	assert.Equal(t, studentID, info.Subject)
	assert.Equal(t, "ada@lms.example", info.Email)
	assert.True(t, info.EmailVerified)

	// The consent is remembered: a second request redirects straight away.
	resp, _ := env.get(t, authURL, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	// Replaying the code fails and kills the tokens it produced.
	_, err = conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	var re *oauth2.RetrieveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "invalid_grant", re.ErrorCode)

	_, err = provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	assert.Error(t, err)
}

func TestRefreshRotationAndReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(t, authParams(oauth2.S256ChallengeFromVerifier(verifier), "openid offline_access courses.read"))

	resp, body := env.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {quizCallback},
		"client_id":     {"quiz-app"},
		"code_verifier": {verifier},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	var first tokenResponse
	require.NoError(t, json.Unmarshal(body, &first))
	require.NotEmpty(t, first.RefreshToken)

	refresh := func(rt, scope string) (*http.Response, []byte) {
		form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}, "client_id": {"quiz-app"}}
		if scope != "" {
			form.Set("scope", scope)
		}
		return env.postForm(t, PathToken, form, nil)
	}

	resp, body = refresh(first.RefreshToken, "courses.read")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var second tokenResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, "courses.read", second.Scope)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	resp, body = refresh(second.RefreshToken, "courses.read grades.write")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_scope", decodeError(t, body).Error)

	resp, body = refresh(first.RefreshToken, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, body).Error)

	resp, body = refresh(second.RefreshToken, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, body).Error)
}

func TestDPoPBoundTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer, err := dpop.NewSigner(key)
	require.NoError(t, err)

	exchange := func(code, verifier, proof string) (*http.Response, []byte) {
		return env.postForm(t, PathToken, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {quizCallback},
			"client_id":     {"quiz-app"},
			"code_verifier": {verifier},
		}, http.Header{"Dpop": {proof}})
	}

	t.Run("wrong htm", func(t *testing.T) {
		verifier := oauth2.GenerateVerifier()
		code := env.authorize(t, authParams(oauth2.S256ChallengeFromVerifier(verifier), "openid"))
		proof, err := signer.Proof(http.MethodGet, env.url(PathToken), "", time.Now())
		require.NoError(t, err)
		resp, body := exchange(code, verifier, proof)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_dpop_proof", decodeError(t, body).Error)
	})

	verifier := oauth2.GenerateVerifier()
	code := env.authorize(t, authParams(oauth2.S256ChallengeFromVerifier(verifier), "openid profile"))
	proof, err := signer.Proof(http.MethodPost, env.url(PathToken), "", time.Now())
	require.NoError(t, err)
	resp, body := exchange(code, verifier, proof)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))
	assert.Equal(t, "DPoP", tr.TokenType)

	userinfo := func(scheme, proof string) (*http.Response, []byte) {
		h := http.Header{"Authorization": {scheme + " " + tr.AccessToken}}
		if proof != "" {
			h.Set("DPoP", proof)
		}
		return env.get(t, env.url(PathUserInfo), h)
	}

	uiProof, err := signer.Proof(http.MethodGet, env.url(PathUserInfo), tr.AccessToken, time.Now())
	require.NoError(t, err)
	resp, body = userinfo("DPoP", uiProof)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var claims map[string]any
	require.NoError(t, json.Unmarshal(body, &claims))
	assert.Equal(t, studentID, claims["sub"])
	assert.Equal(t, "Ada Lovelace", claims["name"])
	assert.NotContains(t, claims, "email")

	// The same proof cannot be used twice.
	resp, body = userinfo("DPoP", uiProof)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_dpop_proof", decodeError(t, body).Error)

	resp, _ = userinfo("Bearer", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	challenges := strings.Join(resp.Header.Values("WWW-Authenticate"), "\n")
	assert.Contains(t, challenges, `Bearer realm="lmsoauth", error="invalid_token"`)
	assert.Contains(t, challenges, "DPoP ")
	assert.Contains(t, challenges, `algs="RS256 ES256 EdDSA"`)

	// Introspection of a bound token is only active alongside a proof.
	basic := func(h http.Header) http.Header {
		req, _ := http.NewRequest(http.MethodPost, "/", nil)
		req.SetBasicAuth("gradebook", gradebookSecret)
		h.Set("Authorization", req.Header.Get("Authorization"))
		return h
	}
	resp, body = env.postForm(t, PathIntrospect, url.Values{"token": {tr.AccessToken}}, basic(http.Header{}))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"active":false}`, string(body))

	inProof, err := signer.Proof(http.MethodPost, env.url(PathIntrospect), tr.AccessToken, time.Now())
	require.NoError(t, err)
	resp, body = env.postForm(t, PathIntrospect, url.Values{"token": {tr.AccessToken}}, basic(http.Header{"Dpop": {inProof}}))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var intro map[string]any
	require.NoError(t, json.Unmarshal(body, &intro))
	assert.Equal(t, true, intro["active"])
	assert.Equal(t, map[string]any{"jkt": signer.JKT()}, intro["cnf"])
	assert.Equal(t, studentID, intro["sub"])
}

func TestIntrospectAndRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(t, authParams(oauth2.S256ChallengeFromVerifier(verifier), "openid courses.read"))
	resp, body := env.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {quizCallback},
		"client_id":     {"quiz-app"},
		"code_verifier": {verifier},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))

	introspect := func(form url.Values) map[string]any {
		form.Set("token", tr.AccessToken)
		resp, body := env.postForm(t, PathIntrospect, form, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var out map[string]any
		require.NoError(t, json.Unmarshal(body, &out))
		return out
	}
	gradebook := url.Values{"client_id": {"gradebook"}, "client_secret": {gradebookSecret}}

	got := introspect(gradebook)
	assert.Equal(t, true, got["active"])
	assert.Equal(t, "openid courses.read", got["scope"])
	assert.Equal(t, "quiz-app", got["client_id"])
	assert.Equal(t, "Bearer", got["token_type"])

	// Public clients cannot introspect.
	resp, body = env.postForm(t, PathIntrospect, url.Values{"client_id": {"quiz-app"}, "token": {tr.AccessToken}}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_client", decodeError(t, body).Error)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	// Revoking someone else's token succeeds without effect.
	resp, _ = env.postForm(t, PathRevoke, url.Values{"client_id": {"gradebook"}, "client_secret": {gradebookSecret}, "token": {tr.AccessToken}}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, introspect(gradebook)["active"])

	for i := 0; i < 2; i++ {
		resp, _ = env.postForm(t, PathRevoke, url.Values{"client_id": {"quiz-app"}, "token": {tr.AccessToken}}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, map[string]any{"active": false}, introspect(gradebook))

	resp, body = env.postForm(t, PathRevoke, url.Values{"client_id": {"quiz-app"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeError(t, body).Error)
}

func TestTokenEndpointErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.postForm(t, PathToken, url.Values{"grant_type": {"client_credentials"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", decodeError(t, body).Error)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	req, err := http.NewRequest(http.MethodPost, env.url(PathToken), strings.NewReader(url.Values{
		"grant_type": {"authorization_code"}, "code": {"x"}, "redirect_uri": {"https://gradebook.lms.example/cb"},
	}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("gradebook", "wrong")
	resp, body = env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_client", decodeError(t, body).Error)
	assert.Equal(t, `Basic realm="lmsoauth"`, resp.Header.Get("WWW-Authenticate"))

	resp, body = env.postForm(t, PathToken, url.Values{
		"grant_type": {"authorization_code"}, "code": {"unknown"}, "redirect_uri": {quizCallback},
		"client_id": {"quiz-app"}, "code_verifier": {oauth2.GenerateVerifier()},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, body).Error)

	resp, body = env.postForm(t, PathToken, url.Values{"grant_type": {"refresh_token", "refresh_token"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeError(t, body).Error)

	resp, body = env.postForm(t, PathToken, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}, "client_id": {"quiz-app"}},
		http.Header{"Dpop": {"a", "b"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_dpop_proof", decodeError(t, body).Error)
}

func TestPKCEMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(t, authParams(oauth2.S256ChallengeFromVerifier(verifier), "openid"))
	resp, body := env.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {quizCallback},
		"client_id":     {"quiz-app"},
		"code_verifier": {oauth2.GenerateVerifier()},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, body).Error)

	// The rejected attempt consumed the code.
	resp, body = env.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {quizCallback},
		"client_id":     {"quiz-app"},
		"code_verifier": {verifier},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, body).Error)
}

func TestAuthorizeErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	t.Run("unknown client is not redirected", func(t *testing.T) {
		p := authParams(challenge, "openid")
		p.Set("client_id", "nobody")
		resp, body := env.get(t, env.url(PathAuthorize)+"?"+p.Encode(), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_request", decodeError(t, body).Error)
		assert.Empty(t, resp.Header.Get("Location"))
	})

	t.Run("unregistered redirect is not redirected", func(t *testing.T) {
		p := authParams(challenge, "openid")
		p.Set("redirect_uri", "https://evil.example/cb")
		resp, _ := env.get(t, env.url(PathAuthorize)+"?"+p.Encode(), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Location"))
	})

	t.Run("unknown scope is redirected", func(t *testing.T) {
		resp, _ := env.get(t, env.url(PathAuthorize)+"?"+authParams(challenge, "openid grades.delete").Encode(), nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(loc.String(), quizCallback))
		assert.Equal(t, "invalid_scope", loc.Query().Get("error"))
		assert.Equal(t, "st-1", loc.Query().Get("state"))
	})

	t.Run("missing pkce is redirected", func(t *testing.T) {
		p := authParams(challenge, "openid")
		p.Del("code_challenge")
		p.Del("code_challenge_method")
		resp, _ := env.get(t, env.url(PathAuthorize)+"?"+p.Encode(), nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", loc.Query().Get("error"))
	})

	t.Run("deny", func(t *testing.T) {
		resp, _ := env.postForm(t, PathConsentDeny, url.Values{"client_id": {"quiz-app"}, "redirect_uri": {quizCallback}, "state": {"st-9"}}, nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "access_denied", loc.Query().Get("error"))
		assert.Equal(t, "st-9", loc.Query().Get("state"))
	})
}

func TestAuthorizeRequiresUser(t *testing.T) {
	env := newTestEnv(t, nil)
	env.app.Users = HeaderUserResolver{Header: DefaultUserHeader}
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	target := env.url(PathAuthorize) + "?" + authParams(challenge, "openid").Encode()

	resp, body := env.get(t, target, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"message":"user authentication required"}`, string(body))

	resp, body = env.get(t, target, http.Header{DefaultUserHeader: {"instructor-7"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestConsentUIRedirect(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Server.ConsentUIURL = "https://lms.example/consent?tenant=north" })
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	resp, _ := env.get(t, env.url(PathAuthorize)+"?"+authParams(challenge, "openid courses.read").Encode(), nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "lms.example", loc.Host)
	q := loc.Query()
	assert.Equal(t, "north", q.Get("tenant"))
	assert.Equal(t, "quiz-app", q.Get("client_id"))
	assert.Equal(t, "Quiz App", q.Get("client_name"))
	assert.Equal(t, "openid courses.read", q.Get("scope"))
	assert.Equal(t, challenge, q.Get("code_challenge"))
}

func TestDiscoveryJWKSAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, env.url(PathDiscovery), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, env.srv.URL, doc["issuer"])
	assert.Equal(t, env.srv.URL+PathToken, doc["token_endpoint"])
	assert.Equal(t, []any{"openid", "profile", "email", "offline_access", "courses.read"}, doc["scopes_supported"])
	assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])

	resp, body = env.get(t, env.url(PathJWKS), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, env.app.Keys.ActiveKey().KID, jwks.Keys[0]["kid"])
	assert.NotContains(t, jwks.Keys[0], "d")

	resp, body = env.get(t, env.url(PathHealth), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.postForm(t, PathToken, url.Values{"grant_type": {"password"}}, nil)

	resp, body := env.get(t, env.url(PathMetrics), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `lmsoauth_oauth_errors_total{endpoint="token",error="unsupported_grant_type"} 1`)
	assert.Contains(t, string(body), `lmsoauth_http_request_duration_seconds_count{method="POST",route="/oauth/token",status="400"} 1`)

	off := newTestEnv(t, func(c *Config) { c.Server.Metrics = false })
	resp, _ = off.get(t, off.url(PathMetrics), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
