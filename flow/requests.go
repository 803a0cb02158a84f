package flow

import (
	"fmt"
	"net/url"
	"sort"

	"lmsoauth/clients"
	"lmsoauth/oauth"
	"lmsoauth/pkce"
)

// maxOpaqueLen bounds state and nonce, which are echoed verbatim.
const maxOpaqueLen = 512

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// Request is a parsed protocol request. Validate checks its shape without
// consulting registrations or storage.
type Request interface {
	Validate() error
}

var (
	_ Request = ConsentQuery{}
	_ Request = ConsentDenyQuery{}
	_ Request = AuthorizationCodeGrant{}
	_ Request = RefreshTokenGrant{}
)

// ConsentQuery is an authorization request, replayed unchanged when the user
// approves it on the consent screen.
type ConsentQuery struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	// DPoPJKT is the RFC 9449 dpop_jkt parameter binding the code to a key.
	DPoPJKT string
}

// Values renders the query back into its parameters, omitting empty ones.
func (q ConsentQuery) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("client_id", q.ClientID)
	set("redirect_uri", q.RedirectURI)
	set("response_type", q.ResponseType)
	set("scope", q.Scope)
	set("state", q.State)
	set("nonce", q.Nonce)
	set("code_challenge", q.CodeChallenge)
	set("code_challenge_method", q.CodeChallengeMethod)
	set("dpop_jkt", q.DPoPJKT)
	return v
}

func (q ConsentQuery) Validate() error {
	if q.ResponseType != ResponseTypeCode {
		return oauth.New(oauth.UnsupportedResponseType, "response_type must be code")
	}
	if err := validateOpaque("state", q.State); err != nil {
		return err
	}
	if err := validateOpaque("nonce", q.Nonce); err != nil {
		return err
	}
	if q.CodeChallenge != "" || q.CodeChallengeMethod != "" {
		if err := pkce.ValidateChallenge(q.CodeChallenge, q.CodeChallengeMethod); err != nil {
			return oauth.Wrap(oauth.InvalidRequest, err, "code_challenge must be an S256 challenge")
		}
	}
	if q.DPoPJKT != "" {
		if _, err := pkce.ParseDigest(q.DPoPJKT); err != nil {
			return oauth.Wrap(oauth.InvalidRequest, err, "malformed dpop_jkt")
		}
	}
	return nil
}

// ConsentDenyQuery is the consent screen's refusal.
type ConsentDenyQuery struct {
	ClientID    string
	RedirectURI string
	State       string
}

func (q ConsentDenyQuery) Validate() error {
	if q.ClientID == "" {
		return oauth.New(oauth.InvalidRequest, "client_id required")
	}
	if q.RedirectURI == "" {
		return oauth.New(oauth.InvalidRequest, "redirect_uri required")
	}
	return validateOpaque("state", q.State)
}

// AuthorizationCodeGrant is a token request with grant_type=authorization_code.
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

func (g AuthorizationCodeGrant) Validate() error {
	if g.Code == "" {
		return oauth.New(oauth.InvalidRequest, "code required")
	}
	if g.RedirectURI == "" {
		return oauth.New(oauth.InvalidRequest, "redirect_uri required")
	}
	if g.CodeVerifier != "" {
		if err := pkce.ValidateVerifier(g.CodeVerifier); err != nil {
			return oauth.Wrap(oauth.InvalidRequest, err, "malformed code_verifier")
		}
	}
	return nil
}

// RefreshTokenGrant is a token request with grant_type=refresh_token.
type RefreshTokenGrant struct {
	RefreshToken string
	Scope        string
	ClientID     string
}

func (g RefreshTokenGrant) Validate() error {
	if g.RefreshToken == "" {
		return oauth.New(oauth.InvalidRequest, "refresh_token required")
	}
	return nil
}

func validateOpaque(name, value string) error {
	if len(value) > maxOpaqueLen {
		return oauth.New(oauth.InvalidRequest, fmt.Sprintf("%s exceeds %d characters", name, maxOpaqueLen))
	}
	return nil
}

// rejectDuplicates enforces that no parameter appears more than once.
func rejectDuplicates(values url.Values) error {
	var dup []string
	for k, v := range values {
		if len(v) > 1 {
			dup = append(dup, k)
		}
	}
	if len(dup) == 0 {
		return nil
	}
	sort.Strings(dup)
	return oauth.New(oauth.InvalidRequest, fmt.Sprintf("duplicate parameter %q", dup[0]))
}

// ParseConsentQuery reads an authorization request. The scope parameter may
// also be spelled scopes; sending both is an error.
func ParseConsentQuery(values url.Values) (ConsentQuery, error) {
	if err := rejectDuplicates(values); err != nil {
		return ConsentQuery{}, err
	}
	scope := values.Get("scope")
	if alias, ok := values["scopes"]; ok {
		if _, both := values["scope"]; both {
			return ConsentQuery{}, oauth.New(oauth.InvalidRequest, "scope and scopes are mutually exclusive")
		}
		scope = alias[0]
	}
	return ConsentQuery{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        values.Get("response_type"),
		Scope:               scope,
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		DPoPJKT:             values.Get("dpop_jkt"),
	}, nil
}

// ParseConsentDenyQuery reads a consent refusal.
func ParseConsentDenyQuery(values url.Values) (ConsentDenyQuery, error) {
	if err := rejectDuplicates(values); err != nil {
		return ConsentDenyQuery{}, err
	}
	return ConsentDenyQuery{
		ClientID:    values.Get("client_id"),
		RedirectURI: values.Get("redirect_uri"),
		State:       values.Get("state"),
	}, nil
}

// ParseTokenRequest reads a token endpoint form into one of the grant
// variants. Unknown parameters are ignored.
func ParseTokenRequest(values url.Values) (Request, error) {
	if err := rejectDuplicates(values); err != nil {
		return nil, err
	}
	switch gt := values.Get("grant_type"); gt {
	case clients.GrantAuthorizationCode:
		return AuthorizationCodeGrant{
			Code:         values.Get("code"),
			RedirectURI:  values.Get("redirect_uri"),
			ClientID:     values.Get("client_id"),
			CodeVerifier: values.Get("code_verifier"),
		}, nil
	case clients.GrantRefreshToken:
		return RefreshTokenGrant{
			RefreshToken: values.Get("refresh_token"),
			Scope:        values.Get("scope"),
			ClientID:     values.Get("client_id"),
		}, nil
	case "":
		return nil, oauth.New(oauth.InvalidRequest, "grant_type required")
	default:
		return nil, oauth.New(oauth.UnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", gt))
	}
}
