// Package memory is a process-local storage.Store for development and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"lmsoauth/storage"
)

type consentKey struct {
	userID   string
	clientID string
}

// Store keeps all rows in maps guarded by a single mutex. A transaction holds
// the mutex for its whole duration, and failed transactions are undone from
// an undo log.
type Store struct {
	mu       sync.Mutex
	clients  map[string]storage.Client
	consents map[consentKey]storage.Consent
	codes    map[string]storage.AuthorizationCode
	access   map[string]storage.AccessToken
	refresh  map[string]storage.RefreshToken
	keys     map[string]storage.SigningKey
	closed   bool
}

var _ storage.Store = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return &Store{
		clients:  make(map[string]storage.Client),
		consents: make(map[consentKey]storage.Consent),
		codes:    make(map[string]storage.AuthorizationCode),
		access:   make(map[string]storage.AccessToken),
		refresh:  make(map[string]storage.RefreshToken),
		keys:     make(map[string]storage.SigningKey),
	}
}

// Transact runs fn with exclusive access to the store.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store closed")
	}

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Purge removes codes and tokens that expired before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.codes {
		if v.ExpiresAt.Before(cutoff) {
			delete(s.codes, k)
			n++
		}
	}
	for k, v := range s.access {
		if v.ExpiresAt.Before(cutoff) {
			delete(s.access, k)
			n++
		}
	}
	for k, v := range s.refresh {
		if v.ExpiresAt.Before(cutoff) {
			delete(s.refresh, k)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds while the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store closed")
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTx struct {
	s    *Store
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func put[K comparable, V any](tx *memTx, m map[K]V, k K, v V) {
	prev, existed := m[k]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func remove[K comparable, V any](tx *memTx, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	tx.undo = append(tx.undo, func() { m[k] = prev })
	delete(m, k)
}

func (tx *memTx) SaveClient(_ context.Context, c storage.Client) error {
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.Scopes = slices.Clone(c.Scopes)
	c.GrantTypes = slices.Clone(c.GrantTypes)
	put(tx, tx.s.clients, c.ClientID, c)
	return nil
}

func (tx *memTx) GetClient(_ context.Context, clientID string) (storage.Client, error) {
	c, ok := tx.s.clients[clientID]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.Scopes = slices.Clone(c.Scopes)
	c.GrantTypes = slices.Clone(c.GrantTypes)
	return c, nil
}

func (tx *memTx) ListClients(ctx context.Context) ([]storage.Client, error) {
	ids := make([]string, 0, len(tx.s.clients))
	for id := range tx.s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]storage.Client, 0, len(ids))
	for _, id := range ids {
		c, _ := tx.GetClient(ctx, id)
		out = append(out, c)
	}
	return out, nil
}

func (tx *memTx) GetConsent(_ context.Context, userID, clientID string) (storage.Consent, error) {
	c, ok := tx.s.consents[consentKey{userID, clientID}]
	if !ok {
		return storage.Consent{}, storage.ErrNotFound
	}
	c.Scopes = slices.Clone(c.Scopes)
	return c, nil
}

func (tx *memTx) SaveConsent(_ context.Context, c storage.Consent) error {
	c.Scopes = slices.Clone(c.Scopes)
	put(tx, tx.s.consents, consentKey{c.UserID, c.ClientID}, c)
	return nil
}

func (tx *memTx) SaveAuthorizationCode(_ context.Context, code storage.AuthorizationCode) error {
	if _, exists := tx.s.codes[code.CodeDigest]; exists {
		return storage.ErrConflict
	}
	code.Scopes = slices.Clone(code.Scopes)
	put(tx, tx.s.codes, code.CodeDigest, code)
	return nil
}

func (tx *memTx) ConsumeAuthorizationCode(_ context.Context, digest string) (storage.AuthorizationCode, error) {
	code, ok := tx.s.codes[digest]
	if !ok {
		return storage.AuthorizationCode{}, storage.ErrNotFound
	}
	code.Scopes = slices.Clone(code.Scopes)
	if code.Consumed {
		return code, storage.ErrAlreadyConsumed
	}
	code.Consumed = true
	put(tx, tx.s.codes, digest, code)
	return code, nil
}

func (tx *memTx) SaveAccessToken(_ context.Context, t storage.AccessToken) error {
	if _, exists := tx.s.access[t.TokenDigest]; exists {
		return storage.ErrConflict
	}
	t.Scopes = slices.Clone(t.Scopes)
	put(tx, tx.s.access, t.TokenDigest, t)
	return nil
}

func (tx *memTx) GetAccessToken(_ context.Context, digest string) (storage.AccessToken, error) {
	t, ok := tx.s.access[digest]
	if !ok {
		return storage.AccessToken{}, storage.ErrNotFound
	}
	t.Scopes = slices.Clone(t.Scopes)
	return t, nil
}

func (tx *memTx) RevokeAccessToken(_ context.Context, digest string) error {
	t, ok := tx.s.access[digest]
	if !ok || t.Revoked {
		return nil
	}
	t.Revoked = true
	put(tx, tx.s.access, digest, t)
	return nil
}

func (tx *memTx) SaveRefreshToken(_ context.Context, t storage.RefreshToken) error {
	if _, exists := tx.s.refresh[t.TokenDigest]; exists {
		return storage.ErrConflict
	}
	t.Scopes = slices.Clone(t.Scopes)
	put(tx, tx.s.refresh, t.TokenDigest, t)
	return nil
}

func (tx *memTx) GetRefreshToken(_ context.Context, digest string) (storage.RefreshToken, error) {
	t, ok := tx.s.refresh[digest]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	t.Scopes = slices.Clone(t.Scopes)
	return t, nil
}

func (tx *memTx) ConsumeRefreshToken(_ context.Context, digest string) (storage.RefreshToken, error) {
	t, ok := tx.s.refresh[digest]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	t.Scopes = slices.Clone(t.Scopes)
	if t.Consumed {
		return t, storage.ErrAlreadyConsumed
	}
	t.Consumed = true
	put(tx, tx.s.refresh, digest, t)
	return t, nil
}

func (tx *memTx) RevokeRefreshToken(_ context.Context, digest string) error {
	t, ok := tx.s.refresh[digest]
	if !ok || t.Revoked {
		return nil
	}
	t.Revoked = true
	put(tx, tx.s.refresh, digest, t)
	return nil
}

func (tx *memTx) RevokeGrant(ctx context.Context, grantID string) error {
	return tx.RevokeDescendants(ctx, grantID, -1)
}

func (tx *memTx) RevokeDescendants(_ context.Context, grantID string, generation int) error {
	if grantID == "" {
		return nil
	}
	for k, t := range tx.s.refresh {
		if t.GrantID == grantID && t.Generation > generation && !t.Revoked {
			t.Revoked = true
			put(tx, tx.s.refresh, k, t)
		}
	}
	for k, t := range tx.s.access {
		if t.GrantID == grantID && !t.Revoked {
			t.Revoked = true
			put(tx, tx.s.access, k, t)
		}
	}
	return nil
}

func (tx *memTx) ListSigningKeys(_ context.Context) ([]storage.SigningKey, error) {
	out := make([]storage.SigningKey, 0, len(tx.s.keys))
	for _, k := range tx.s.keys {
		k.PrivatePEM = slices.Clone(k.PrivatePEM)
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.After(out[j].NotBefore) })
	return out, nil
}

func (tx *memTx) SaveSigningKey(_ context.Context, k storage.SigningKey) error {
	k.PrivatePEM = slices.Clone(k.PrivatePEM)
	put(tx, tx.s.keys, k.KID, k)
	return nil
}

func (tx *memTx) DeleteSigningKey(_ context.Context, kid string) error {
	remove(tx, tx.s.keys, kid)
	return nil
}
