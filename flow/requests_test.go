package flow

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmsoauth/oauth"
)

func TestParseTokenRequest(t *testing.T) {
	req, err := ParseTokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"C"},
		"redirect_uri":  {quizCB},
		"client_id":     {"quiz-app"},
		"code_verifier": {verifier},
		"unrelated":     {"ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, AuthorizationCodeGrant{Code: "C", RedirectURI: quizCB, ClientID: "quiz-app", CodeVerifier: verifier}, req)
	assert.NoError(t, req.Validate())

	req, err = ParseTokenRequest(url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"RT1"},
		"scope":         {"openid"},
	})
	require.NoError(t, err)
	assert.Equal(t, RefreshTokenGrant{RefreshToken: "RT1", Scope: "openid"}, req)

	_, err = ParseTokenRequest(url.Values{"grant_type": {"client_credentials"}})
	requireOAuthError(t, err, oauth.UnsupportedGrantType)

	_, err = ParseTokenRequest(url.Values{"code": {"C"}})
	requireOAuthError(t, err, oauth.InvalidRequest)

	_, err = ParseTokenRequest(url.Values{"grant_type": {"authorization_code"}, "code": {"C1", "C2"}})
	oe := requireOAuthError(t, err, oauth.InvalidRequest)
	assert.Contains(t, oe.Description, "code")

	_, err = ParseTokenRequest(url.Values{"grant_type": {"refresh_token", "refresh_token"}})
	requireOAuthError(t, err, oauth.InvalidRequest)
}

func TestGrantValidate(t *testing.T) {
	cases := map[string]Request{
		"missing code":      AuthorizationCodeGrant{RedirectURI: quizCB},
		"missing redirect":  AuthorizationCodeGrant{Code: "C"},
		"short verifier":    AuthorizationCodeGrant{Code: "C", RedirectURI: quizCB, CodeVerifier: "short"},
		"bad verifier char": AuthorizationCodeGrant{Code: "C", RedirectURI: quizCB, CodeVerifier: strings.Repeat("a", 42) + "+"},
		"missing refresh":   RefreshTokenGrant{},
		"deny no client":    ConsentDenyQuery{RedirectURI: quizCB},
		"deny no redirect":  ConsentDenyQuery{ClientID: "quiz-app"},
		"deny long state":   ConsentDenyQuery{ClientID: "quiz-app", RedirectURI: quizCB, State: strings.Repeat("s", 513)},
		"bad dpop_jkt":      ConsentQuery{ResponseType: "code", DPoPJKT: "not-a-thumbprint"},
		"challenge no meth": ConsentQuery{ResponseType: "code", CodeChallenge: challenge},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			requireOAuthError(t, req.Validate(), oauth.InvalidRequest)
		})
	}
}

func TestParseConsentQueryScopeAlias(t *testing.T) {
	base := url.Values{
		"client_id":             {"quiz-app"},
		"redirect_uri":          {quizCB},
		"response_type":         {"code"},
		"state":                 {"xyz"},
		"nonce":                 {nonce},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	withScope := cloneValues(base)
	withScope.Set("scope", "openid profile")
	q, err := ParseConsentQuery(withScope)
	require.NoError(t, err)
	assert.Equal(t, "openid profile", q.Scope)
	assert.Equal(t, nonce, q.Nonce)

	withAlias := cloneValues(base)
	withAlias.Set("scopes", "openid email")
	q, err = ParseConsentQuery(withAlias)
	require.NoError(t, err)
	assert.Equal(t, "openid email", q.Scope)

	both := cloneValues(withScope)
	both.Set("scopes", "openid")
	_, err = ParseConsentQuery(both)
	requireOAuthError(t, err, oauth.InvalidRequest)

	dup := cloneValues(withScope)
	dup["state"] = []string{"a", "b"}
	_, err = ParseConsentQuery(dup)
	requireOAuthError(t, err, oauth.InvalidRequest)

	// Values renders the canonical spelling for the consent round trip.
	back, err := ParseConsentQuery(q.Values())
	require.NoError(t, err)
	assert.Equal(t, q, back)
}

func TestParseConsentDenyQuery(t *testing.T) {
	q, err := ParseConsentDenyQuery(url.Values{"client_id": {"quiz-app"}, "redirect_uri": {quizCB}, "state": {"xyz"}})
	require.NoError(t, err)
	assert.Equal(t, ConsentDenyQuery{ClientID: "quiz-app", RedirectURI: quizCB, State: "xyz"}, q)

	_, err = ParseConsentDenyQuery(url.Values{"client_id": {"a", "b"}})
	requireOAuthError(t, err, oauth.InvalidRequest)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
