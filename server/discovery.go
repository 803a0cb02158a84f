package server

import (
	"lmsoauth/clients"
	"lmsoauth/dpop"
	"lmsoauth/keys"
)

// Endpoint paths.
const (
	PathAuthorize   = "/oauth/authorize"
	PathConsent     = "/oauth/consent"
	PathConsentDeny = "/oauth/consent/deny"
	PathToken       = "/oauth/token"
	PathIntrospect  = "/oauth/introspect"
	PathRevoke      = "/oauth/revoke"
	PathUserInfo    = "/oauth/userinfo"
	PathJWKS        = "/.well-known/jwks.json"
	PathDiscovery   = "/.well-known/openid-configuration"
	PathHealth      = "/healthz"
	PathMetrics     = "/metrics"
)

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document.
func BuildDiscoveryDocument(cfg Config, policy *clients.ScopePolicy, dpopAlgs []string) DiscoveryDocument {
	issuer := cfg.Issuer()
	if len(dpopAlgs) == 0 {
		dpopAlgs = dpop.DefaultAlgs
	}
	authMethods := []string{"client_secret_basic", "client_secret_post", "none"}
	return DiscoveryDocument{
		"issuer":                                        issuer,
		"authorization_endpoint":                        issuer + PathAuthorize,
		"token_endpoint":                                issuer + PathToken,
		"userinfo_endpoint":                             issuer + PathUserInfo,
		"jwks_uri":                                      issuer + PathJWKS,
		"introspection_endpoint":                        issuer + PathIntrospect,
		"revocation_endpoint":                           issuer + PathRevoke,
		"response_types_supported":                      []string{"code"},
		"response_modes_supported":                      []string{"query"},
		"grant_types_supported":                         []string{clients.GrantAuthorizationCode, clients.GrantRefreshToken},
		"subject_types_supported":                       []string{"public"},
		"id_token_signing_alg_values_supported":         []string{keys.Algorithm},
		"code_challenge_methods_supported":              []string{"S256"},
		"scopes_supported":                              policy.Supported(),
		"claims_supported":                              []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "azp", "at_hash", "name", "email", "email_verified"},
		"token_endpoint_auth_methods_supported":         authMethods,
		"introspection_endpoint_auth_methods_supported": authMethods[:2],
		"revocation_endpoint_auth_methods_supported":    authMethods,
		"dpop_signing_alg_values_supported":             dpopAlgs,
	}
}
