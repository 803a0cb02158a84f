package keys

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"

	"lmsoauth/storage"
)

// KeyStore persists signing keys.
type KeyStore interface {
	LoadSigningKeys(ctx context.Context) ([]storage.SigningKey, error)
	SaveSigningKey(ctx context.Context, k storage.SigningKey) error
	DeleteSigningKey(ctx context.Context, kid string) error
}

// StorageKeyStore keeps keys in the signing_keys table of a storage.Store,
// which lets several server processes share one key ring.
type StorageKeyStore struct {
	Store storage.Store
}

func (s StorageKeyStore) LoadSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	var out []storage.SigningKey
	err := s.Store.Transact(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListSigningKeys(ctx)
		return err
	})
	return out, err
}

func (s StorageKeyStore) SaveSigningKey(ctx context.Context, k storage.SigningKey) error {
	return s.Store.Transact(ctx, func(tx storage.Tx) error { return tx.SaveSigningKey(ctx, k) })
}

func (s StorageKeyStore) DeleteSigningKey(ctx context.Context, kid string) error {
	return s.Store.Transact(ctx, func(tx storage.Tx) error { return tx.DeleteSigningKey(ctx, kid) })
}

// FileStore keeps private keys as a JSON Web Key Set on disk, readable only
// by the owner.
type FileStore struct {
	Path string

	mu sync.Mutex
}

type fileKey struct {
	JWK       jose.JSONWebKey `json:"jwk"`
	NotBefore time.Time       `json:"not_before"`
	RotatedAt time.Time       `json:"rotated_at"`
}

type fileDoc struct {
	Keys []fileKey `json:"keys"`
}

func (f *FileStore) LoadSigningKeys(_ context.Context) ([]storage.SigningKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make([]storage.SigningKey, 0, len(doc.Keys))
	for _, fk := range doc.Keys {
		sk, err := fromFileKey(fk)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", fk.JWK.KeyID, err)
		}
		out = append(out, sk)
	}
	return out, nil
}

func (f *FileStore) SaveSigningKey(_ context.Context, k storage.SigningKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	fk, err := toFileKey(k)
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Keys {
		if doc.Keys[i].JWK.KeyID == k.KID {
			doc.Keys[i] = fk
			replaced = true
		}
	}
	if !replaced {
		doc.Keys = append([]fileKey{fk}, doc.Keys...)
	}
	return f.write(doc)
}

func (f *FileStore) DeleteSigningKey(_ context.Context, kid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	kept := doc.Keys[:0]
	for _, fk := range doc.Keys {
		if fk.JWK.KeyID != kid {
			kept = append(kept, fk)
		}
	}
	doc.Keys = kept
	return f.write(doc)
}

func (f *FileStore) read() (fileDoc, error) {
	var doc fileDoc
	payload, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return doc, nil
}

func (f *FileStore) write(doc fileDoc) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func toFileKey(k storage.SigningKey) (fileKey, error) {
	priv, err := parsePrivateKey(k.PrivatePEM)
	if err != nil {
		return fileKey{}, err
	}
	return fileKey{
		JWK:       jose.JSONWebKey{Key: priv, KeyID: k.KID, Algorithm: k.Algorithm, Use: "sig"},
		NotBefore: k.NotBefore,
		RotatedAt: k.RotatedAt,
	}, nil
}

func fromFileKey(fk fileKey) (storage.SigningKey, error) {
	priv, ok := fk.JWK.Key.(*rsa.PrivateKey)
	if !ok {
		return storage.SigningKey{}, errors.New("not an RSA private key")
	}
	return encode(keyPair{private: priv, kid: fk.JWK.KeyID, notBefore: fk.NotBefore, rotatedAt: fk.RotatedAt}), nil
}
