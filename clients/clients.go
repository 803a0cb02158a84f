// Package clients holds the OAuth client registry: registered redirect URIs,
// allowed scopes and grants, and client authentication.
package clients

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lmsoauth/storage"
)

// Grant types a client may be registered for.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// AuthMethod is how a client presented its credentials at the token,
// introspection or revocation endpoint.
type AuthMethod string

const (
	AuthNone        AuthMethod = "none"
	AuthSecretBasic AuthMethod = "client_secret_basic"
	AuthSecretPost  AuthMethod = "client_secret_post"
)

var (
	ErrUnknownClient      = errors.New("unknown client")
	ErrInvalidCredentials = errors.New("invalid client credentials")
	ErrInvalidClient      = errors.New("invalid client registration")
)

// Config is one client entry of the oauth2_clients configuration section.
// ClientSecret is hashed at load time; ClientSecretHash takes a bcrypt hash
// directly. Leaving both empty registers a public client.
type Config struct {
	ClientID         string   `yaml:"client_id"`
	ClientName       string   `yaml:"client_name"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
	RedirectURIs     []string `yaml:"redirect_uris"`
	Scopes           []string `yaml:"scopes"`
	GrantTypes       []string `yaml:"grant_types"`
	RequirePKCE      *bool    `yaml:"require_pkce"`
	OfflineAccess    bool     `yaml:"offline_access"`
}

// Client is a registered OAuth client.
type Client struct {
	ID            string
	Name          string
	SecretHash    string
	RedirectURIs  []string
	Scopes        []string
	GrantTypes    []string
	RequirePKCE   bool
	OfflineAccess bool
	CreatedAt     time.Time
}

// Public reports whether the client has no secret.
func (c *Client) Public() bool { return c.SecretHash == "" }

// ValidRedirect ensures the redirect URI is registered verbatim and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ValidateScopes checks that every requested scope is allowed for the client.
func (c *Client) ValidateScopes(requested []string) error {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return fmt.Errorf("%w: %q", ErrScopeNotAllowed, s)
		}
	}
	return nil
}

// AllowsGrant reports whether the client is registered for grantType.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Record converts the client to its storage form.
func (c *Client) Record() storage.Client {
	return storage.Client{
		ClientID:      c.ID,
		ClientName:    c.Name,
		SecretHash:    c.SecretHash,
		RedirectURIs:  append([]string(nil), c.RedirectURIs...),
		Scopes:        append([]string(nil), c.Scopes...),
		GrantTypes:    append([]string(nil), c.GrantTypes...),
		RequirePKCE:   c.RequirePKCE,
		OfflineAccess: c.OfflineAccess,
		CreatedAt:     c.CreatedAt,
	}
}

// FromRecord converts a stored client.
func FromRecord(r storage.Client) *Client {
	return &Client{
		ID:            r.ClientID,
		Name:          r.ClientName,
		SecretHash:    r.SecretHash,
		RedirectURIs:  r.RedirectURIs,
		Scopes:        r.Scopes,
		GrantTypes:    r.GrantTypes,
		RequirePKCE:   r.RequirePKCE,
		OfflineAccess: r.OfflineAccess,
		CreatedAt:     r.CreatedAt,
	}
}

// validate enforces registration rules against the scope policy.
func (c *Client) validate(policy *ScopePolicy) error {
	if c.ID == "" {
		return fmt.Errorf("%w: client_id required", ErrInvalidClient)
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: %s: at least one redirect_uri required", ErrInvalidClient, c.ID)
	}
	for _, u := range c.RedirectURIs {
		if !isSafeRedirectURI(u) {
			return fmt.Errorf("%w: %s: unsafe redirect_uri %q", ErrInvalidClient, c.ID, u)
		}
	}
	for _, s := range c.Scopes {
		if !policy.Known(s) {
			return fmt.Errorf("%w: %s: %w: %q", ErrInvalidClient, c.ID, ErrUnknownScope, s)
		}
	}
	for _, g := range c.GrantTypes {
		if g != GrantAuthorizationCode && g != GrantRefreshToken {
			return fmt.Errorf("%w: %s: unsupported grant type %q", ErrInvalidClient, c.ID, g)
		}
	}
	if c.Public() && !c.RequirePKCE {
		return fmt.Errorf("%w: %s: public clients must require PKCE", ErrInvalidClient, c.ID)
	}
	return nil
}

// newClient builds a client from configuration, hashing a plaintext secret.
func newClient(cfg Config, now time.Time) (*Client, error) {
	hash := cfg.ClientSecretHash
	if cfg.ClientSecret != "" {
		if hash != "" {
			return nil, fmt.Errorf("%w: %s: client_secret and client_secret_hash are exclusive", ErrInvalidClient, cfg.ClientID)
		}
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash secret for %s: %w", cfg.ClientID, err)
		}
		hash = string(h)
	}
	requirePKCE := true
	if cfg.RequirePKCE != nil {
		requirePKCE = *cfg.RequirePKCE
	}
	grants := cfg.GrantTypes
	if len(grants) == 0 {
		grants = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeOpenID}
	}
	return &Client{
		ID:            cfg.ClientID,
		Name:          cfg.ClientName,
		SecretHash:    hash,
		RedirectURIs:  append([]string(nil), cfg.RedirectURIs...),
		Scopes:        append([]string(nil), scopes...),
		GrantTypes:    append([]string(nil), grants...),
		RequirePKCE:   requirePKCE,
		OfflineAccess: cfg.OfflineAccess,
		CreatedAt:     now,
	}, nil
}

// Registry holds registered OAuth clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	config  map[string]struct{}
	policy  *ScopePolicy
}

// NewRegistry builds the registry from configuration.
func NewRegistry(cfgs []Config, policy *ScopePolicy) (*Registry, error) {
	if policy == nil {
		var err error
		if policy, err = NewScopePolicy(nil); err != nil {
			return nil, err
		}
	}
	r := &Registry{
		clients: make(map[string]*Client, len(cfgs)),
		config:  make(map[string]struct{}, len(cfgs)),
		policy:  policy,
	}
	now := time.Now().UTC()
	for _, cfg := range cfgs {
		c, err := newClient(cfg, now)
		if err != nil {
			return nil, err
		}
		if err := c.validate(policy); err != nil {
			return nil, err
		}
		if _, dup := r.clients[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate client_id %q", ErrInvalidClient, c.ID)
		}
		r.clients[c.ID] = c
		r.config[c.ID] = struct{}{}
	}
	return r, nil
}

// Policy returns the scope policy the registry validates against.
func (r *Registry) Policy() *ScopePolicy { return r.policy }

// Get retrieves a client definition.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// List returns all clients sorted by ID.
func (r *Registry) List() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add registers a client after validating it.
func (r *Registry) Add(c *Client) error {
	if err := c.validate(r.policy); err != nil {
		return err
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	return nil
}

// Load merges clients persisted in store. Configured clients win over stored
// ones with the same ID; invalid stored clients are skipped and reported.
func (r *Registry) Load(ctx context.Context, store storage.Store) (int, error) {
	var records []storage.Client
	err := store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		records, err = tx.ListClients(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load clients: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		loaded int
		errs   []error
	)
	for _, rec := range records {
		if _, configured := r.config[rec.ClientID]; configured {
			continue
		}
		c := FromRecord(rec)
		if err := c.validate(r.policy); err != nil {
			errs = append(errs, err)
			continue
		}
		r.clients[c.ID] = c
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Sync writes every configured client into store.
func (r *Registry) Sync(ctx context.Context, store storage.Store) error {
	r.mu.RLock()
	records := make([]storage.Client, 0, len(r.config))
	for id := range r.config {
		records = append(records, r.clients[id].Record())
	}
	r.mu.RUnlock()

	return store.Transact(ctx, func(tx storage.Tx) error {
		for _, rec := range records {
			if err := tx.SaveClient(ctx, rec); err != nil {
				return fmt.Errorf("sync client %s: %w", rec.ClientID, err)
			}
		}
		return nil
	})
}

// Authenticate validates client credentials. Public clients authenticate
// with method none and no secret; presenting a secret for a public client
// fails, as does omitting one for a confidential client.
func (r *Registry) Authenticate(id, secret string, method AuthMethod) (*Client, error) {
	c, ok := r.Get(id)
	if !ok || id == "" {
		return nil, ErrUnknownClient
	}
	if c.Public() {
		if secret != "" || method != AuthNone {
			return nil, ErrInvalidCredentials
		}
		return c, nil
	}
	if method == AuthNone || secret == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return c, nil
}
