// Package storage defines the persisted records of the authorization server
// and the transactional row interface every backend implements.
//
// Tokens and authorization codes are only ever stored as SHA-256 digests.
// Records reference each other by opaque keys (client IDs, user IDs, grant
// IDs) and never by pointer.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyConsumed is returned by the consume operations when the
	// compare-and-swap observed consumed=true. The record is still returned.
	ErrAlreadyConsumed = errors.New("storage: already consumed")
	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("storage: conflict")
)

// Client is an OAuth client registration.
type Client struct {
	ClientID      string
	ClientName    string
	SecretHash    string
	RedirectURIs  []string
	Scopes        []string
	GrantTypes    []string
	RequirePKCE   bool
	OfflineAccess bool
	CreatedAt     time.Time
}

// Public reports whether the client has no secret.
func (c Client) Public() bool { return c.SecretHash == "" }

// Consent records the scopes a user approved for a client.
type Consent struct {
	UserID    string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
}

// Covers reports whether the consent includes every scope in requested.
func (c Consent) Covers(requested []string) bool {
	have := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// AuthorizationCode is the stored half of an issued code.
// CodeDigest also serves as the grant ID of every token minted from it.
type AuthorizationCode struct {
	CodeDigest          string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	DPoPJKT             string
	AuthTime            time.Time
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AccessToken is the authoritative record for an issued access token.
type AccessToken struct {
	TokenDigest string
	JTI         string
	GrantID     string
	ClientID    string
	UserID      string
	Scopes      []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	CnfJKT      string
	Revoked     bool
}

// RefreshToken is one link of a rotation chain. All links of a chain share
// GrantID and are ordered by Generation.
type RefreshToken struct {
	TokenDigest  string
	GrantID      string
	ParentDigest string
	Generation   int
	ClientID     string
	UserID       string
	Scopes       []string
	Nonce        string
	CnfJKT       string
	AuthTime     time.Time
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Consumed     bool
	Revoked      bool
}

// SigningKey is a persisted RSA signing key. RotatedAt is zero for the
// active key.
type SigningKey struct {
	KID        string
	Algorithm  string
	PrivatePEM []byte
	NotBefore  time.Time
	RotatedAt  time.Time
}

// Tx is the set of row operations available inside a transaction.
type Tx interface {
	SaveClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, clientID string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)

	GetConsent(ctx context.Context, userID, clientID string) (Consent, error)
	SaveConsent(ctx context.Context, c Consent) error

	SaveAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	// ConsumeAuthorizationCode flips consumed from false to true. When the
	// code was already consumed it returns the record with ErrAlreadyConsumed.
	ConsumeAuthorizationCode(ctx context.Context, digest string) (AuthorizationCode, error)

	SaveAccessToken(ctx context.Context, t AccessToken) error
	GetAccessToken(ctx context.Context, digest string) (AccessToken, error)
	RevokeAccessToken(ctx context.Context, digest string) error

	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, digest string) (RefreshToken, error)
	// ConsumeRefreshToken flips consumed from false to true. When the token
	// was already consumed it returns the record with ErrAlreadyConsumed.
	ConsumeRefreshToken(ctx context.Context, digest string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, digest string) error

	// RevokeGrant revokes every access and refresh token carrying grantID.
	RevokeGrant(ctx context.Context, grantID string) error
	// RevokeDescendants revokes refresh tokens of grantID with a generation
	// above generation, and all access tokens of the grant.
	RevokeDescendants(ctx context.Context, grantID string, generation int) error

	ListSigningKeys(ctx context.Context) ([]SigningKey, error)
	SaveSigningKey(ctx context.Context, k SigningKey) error
	DeleteSigningKey(ctx context.Context, kid string) error
}

// Store is a transactional backend. Transact runs fn atomically: either all
// of its writes become visible or none do. Backends serialize conflicting
// transactions.
type Store interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error
	// Purge deletes codes and tokens that expired before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// JoinScopes renders scopes in OAuth space-delimited form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes parses a space-delimited scope string.
func SplitScopes(s string) []string {
	return strings.Fields(s)
}
