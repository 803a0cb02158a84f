package dpop

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Signer produces proofs for a client key. Resource-server tests and client
// tooling use it to call DPoP protected endpoints.
type Signer struct {
	key    any
	method jwt.SigningMethod
	jwk    map[string]any
	jkt    string
}

// NewSigner accepts an *ecdsa.PrivateKey (P-256), *rsa.PrivateKey or
// ed25519.PrivateKey.
func NewSigner(key any) (*Signer, error) {
	var (
		method jwt.SigningMethod
		pub    any
	)
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		method, pub = jwt.SigningMethodES256, &k.PublicKey
	case *rsa.PrivateKey:
		method, pub = jwt.SigningMethodRS256, &k.PublicKey
	case ed25519.PrivateKey:
		method, pub = jwt.SigningMethodEdDSA, k.Public()
	default:
		return nil, fmt.Errorf("unsupported dpop key type %T", key)
	}

	public := jose.JSONWebKey{Key: pub}
	jkt, err := Thumbprint(public)
	if err != nil {
		return nil, err
	}
	payload, err := public.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var header map[string]any
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, err
	}
	return &Signer{key: key, method: method, jwk: header, jkt: jkt}, nil
}

// JKT is the thumbprint tokens get bound to.
func (s *Signer) JKT() string { return s.jkt }

// Proof returns a proof for method and url issued at now. A non-empty
// accessToken adds the ath claim.
func (s *Signer) Proof(method, url, accessToken string, now time.Time) (string, error) {
	claims := proofClaims{
		HTM: method,
		HTU: url,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       newJTI(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if accessToken != "" {
		claims.ATH = AccessTokenHash(accessToken)
	}
	token := jwt.NewWithClaims(s.method, claims)
	token.Header["typ"] = HeaderType
	token.Header["jwk"] = s.jwk
	return token.SignedString(s.key)
}

func newJTI() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
