// Package keys manages the RSA signing keys of the authorization server and
// the JSON Web Key Set that publishes them.
//
// Exactly one key is active at a time. Rotating keeps the previous key in
// the JWKS until its grace period elapses so tokens it signed keep verifying.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"lmsoauth/storage"
)

// Algorithm is the only signing algorithm issued by the server.
const Algorithm = "RS256"

const minBits = 2048

// reloadInterval bounds how often a lookup miss or a JWKS read falls back to
// the store to pick up keys rotated by a peer.
const reloadInterval = 5 * time.Second

var (
	ErrKeyNotFound  = errors.New("keys: signing key not found")
	ErrBadSignature = errors.New("keys: bad signature")
	ErrMalformed    = errors.New("keys: malformed token")
	ErrExpired      = errors.New("keys: token expired")
)

// Config configures a Manager.
type Config struct {
	// Bits is the RSA modulus size, at least 2048.
	Bits int
	// RotateEvery is the age after which StartRotation replaces the active
	// key. Zero disables automatic rotation.
	RotateEvery time.Duration
	// Grace is how long a rotated key stays published.
	Grace time.Duration
	// Store persists keys. Nil keeps them in memory only.
	Store KeyStore
	Now   func() time.Time
}

// SigningKey describes a key without exposing private material.
type SigningKey struct {
	KID       string
	Algorithm string
	NotBefore time.Time
	RotatedAt time.Time
	PublicKey *rsa.PublicKey
}

type keyPair struct {
	private   *rsa.PrivateKey
	kid       string
	notBefore time.Time
	rotatedAt time.Time
}

func (k keyPair) info() SigningKey {
	return SigningKey{KID: k.kid, Algorithm: Algorithm, NotBefore: k.notBefore, RotatedAt: k.rotatedAt, PublicKey: &k.private.PublicKey}
}

// Manager owns the active key and the published-only keys.
type Manager struct {
	mu       sync.RWMutex
	current  keyPair
	previous []keyPair

	reloadMu   sync.Mutex
	lastReload time.Time

	cfg    Config
	logger *slog.Logger
}

// NewManager loads keys from cfg.Store or generates the first key.
func NewManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Bits == 0 {
		cfg.Bits = minBits
	}
	if cfg.Bits < minBits {
		return nil, fmt.Errorf("rsa key size %d below %d bits", cfg.Bits, minBits)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, logger: logger}

	if cfg.Store != nil {
		if err := m.Reload(ctx); err != nil {
			return nil, err
		}
	}
	if m.current.private == nil {
		if err := m.Rotate(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ActiveKey returns the key used for new signatures.
func (m *Manager) ActiveKey() SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.info()
}

// Sign returns a compact RS256 JWS carrying the active kid. An empty typ
// leaves the default "JWT" header.
func (m *Manager) Sign(claims jwt.Claims, typ string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if typ != "" {
		token.Header["typ"] = typ
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.kid
	signed, err := token.SignedString(m.current.private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token into claims, selecting the key by kid.
func (m *Manager) Verify(token string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithTimeFunc(m.cfg.Now),
	}, opts...)
	_, err := jwt.ParseWithClaims(token, claims, m.Keyfunc, opts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// Keyfunc resolves the verification key for a parsed token. Keys past their
// grace period are treated as unknown. An unknown kid triggers one store
// reload, since a peer sharing the store may have rotated.
func (m *Manager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, ErrKeyNotFound
	}
	if key := m.lookup(kid); key != nil {
		return key, nil
	}
	if m.refresh() {
		if key := m.lookup(kid); key != nil {
			return key, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (m *Manager) lookup(kid string) *rsa.PublicKey {
	now := m.cfg.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.kid {
		return &m.current.private.PublicKey
	}
	for _, prev := range m.previous {
		if prev.kid == kid && m.published(prev, now) {
			return &prev.private.PublicKey
		}
	}
	return nil
}

// refresh reloads from the store at most once per reloadInterval and reports
// whether it did.
func (m *Manager) refresh() bool {
	if m.cfg.Store == nil {
		return false
	}
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	now := m.cfg.Now()
	if !m.lastReload.IsZero() && now.Sub(m.lastReload) < reloadInterval {
		return false
	}
	m.lastReload = now

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Reload(ctx); err != nil {
		m.logger.Error("jwks reload", "error", err)
		return false
	}
	return true
}

// JWKS returns the public keys that verify outstanding tokens, including
// keys a peer rotated in since the last reload.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.refresh()
	now := m.cfg.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK(m.current)}}
	for _, prev := range m.previous {
		if m.published(prev, now) {
			set.Keys = append(set.Keys, publicJWK(prev))
		}
	}
	return set
}

// Rotate generates a new active key. The old key stays published for the
// grace period.
func (m *Manager) Rotate(ctx context.Context) error {
	priv, err := rsa.GenerateKey(rand.Reader, m.cfg.Bits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	kid, err := Thumbprint(&priv.PublicKey)
	if err != nil {
		return err
	}
	now := m.cfg.Now()
	next := keyPair{private: priv, kid: kid, notBefore: now}

	m.mu.RLock()
	old := m.current
	m.mu.RUnlock()
	old.rotatedAt = now

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveSigningKey(ctx, encode(next)); err != nil {
			return fmt.Errorf("persist signing key: %w", err)
		}
		if old.private != nil {
			if err := m.cfg.Store.SaveSigningKey(ctx, encode(old)); err != nil {
				return fmt.Errorf("persist rotated key: %w", err)
			}
		}
	}

	m.mu.Lock()
	if m.current.private != nil {
		m.previous = append([]keyPair{old}, m.previous...)
	}
	m.current = next
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", kid, "previous_kid", old.kid)
	return nil
}

// Prune drops rotated keys whose grace period elapsed.
func (m *Manager) Prune(ctx context.Context) error {
	now := m.cfg.Now()
	m.mu.Lock()
	var kept, dropped []keyPair
	for _, prev := range m.previous {
		if m.published(prev, now) {
			kept = append(kept, prev)
		} else {
			dropped = append(dropped, prev)
		}
	}
	m.previous = kept
	m.mu.Unlock()

	if m.cfg.Store == nil {
		return nil
	}
	for _, k := range dropped {
		if err := m.cfg.Store.DeleteSigningKey(ctx, k.kid); err != nil {
			return fmt.Errorf("delete signing key %s: %w", k.kid, err)
		}
		m.logger.Info("signing key retired", "kid", k.kid)
	}
	return nil
}

// Reload replaces the in-memory key ring with the persisted one, picking up
// rotations made by other processes. The newest unrotated key becomes active.
func (m *Manager) Reload(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	stored, err := m.cfg.Store.LoadSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	if len(stored) == 0 {
		return nil
	}

	pairs := make([]keyPair, 0, len(stored))
	for _, sk := range stored {
		pair, err := decode(sk)
		if err != nil {
			m.logger.Error("skipping unreadable signing key", "kid", sk.KID, "error", err)
			continue
		}
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].notBefore.After(pairs[j].notBefore) })

	activeIdx := -1
	for i, p := range pairs {
		if p.rotatedAt.IsZero() {
			activeIdx = i
			break
		}
	}
	if activeIdx < 0 {
		return nil
	}
	current := pairs[activeIdx]
	var previous []keyPair
	for i, p := range pairs {
		if i == activeIdx {
			continue
		}
		if p.rotatedAt.IsZero() {
			// Lost a concurrent rotation; retire as of the winner's start.
			p.rotatedAt = current.notBefore
		}
		previous = append(previous, p)
	}

	m.mu.Lock()
	changed := m.current.kid != current.kid
	m.current = current
	m.previous = previous
	m.mu.Unlock()
	if changed {
		m.logger.Info("signing keys reloaded", "kid", current.kid, "published", len(previous)+1)
	}
	return nil
}

// StartRotation runs reload, rotation and pruning in the background until
// stop is closed. The returned channel is closed once the loop has exited.
func (m *Manager) StartRotation(stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	if m.cfg.RotateEvery <= 0 {
		close(done)
		return done
	}
	interval := m.cfg.RotateEvery
	if interval > time.Minute {
		interval = time.Minute
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(context.Background())
			case <-stop:
				return
			}
		}
	}()
	return done
}

func (m *Manager) tick(ctx context.Context) {
	if err := m.Reload(ctx); err != nil {
		m.logger.Error("jwks reload", "error", err)
	}
	if m.cfg.Now().Sub(m.ActiveKey().NotBefore) >= m.cfg.RotateEvery {
		if err := m.Rotate(ctx); err != nil {
			m.logger.Error("jwks rotate", "error", err)
		}
	}
	if err := m.Prune(ctx); err != nil {
		m.logger.Error("jwks prune", "error", err)
	}
}

func (m *Manager) published(k keyPair, now time.Time) bool {
	return k.rotatedAt.IsZero() || now.Before(k.rotatedAt.Add(m.cfg.Grace))
}

func publicJWK(k keyPair) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.private.PublicKey,
		KeyID:     k.kid,
		Algorithm: Algorithm,
		Use:       "sig",
	}
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of an RSA public key.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func encode(k keyPair) storage.SigningKey {
	der, _ := x509.MarshalPKCS8PrivateKey(k.private)
	return storage.SigningKey{
		KID:        k.kid,
		Algorithm:  Algorithm,
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		NotBefore:  k.notBefore,
		RotatedAt:  k.rotatedAt,
	}
}

func decode(sk storage.SigningKey) (keyPair, error) {
	priv, err := parsePrivateKey(sk.PrivatePEM)
	if err != nil {
		return keyPair{}, err
	}
	return keyPair{private: priv, kid: sk.KID, notBefore: sk.NotBefore, rotatedAt: sk.RotatedAt}, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}
