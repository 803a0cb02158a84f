// Package storagetest holds the behaviour every storage.Store backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmsoauth/storage"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"Clients", testClients},
		{"Consent", testConsent},
		{"CodeSingleUse", testCodeSingleUse},
		{"CodeConcurrentConsume", testCodeConcurrentConsume},
		{"DuplicateCode", testDuplicateCode},
		{"RollbackOnError", testRollbackOnError},
		{"AccessTokens", testAccessTokens},
		{"RefreshChain", testRefreshChain},
		{"RevokeGrant", testRevokeGrant},
		{"SigningKeys", testSigningKeys},
		{"Purge", testPurge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

var epoch = time.Unix(1_700_000_000, 0).UTC()

func tx(t *testing.T, s storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	require.NoError(t, s.Transact(context.Background(), fn))
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c := storage.Client{
		ClientID:     "lms-web",
		ClientName:   "LMS Web",
		RedirectURIs: []string{"https://lms.example.com/cb"},
		Scopes:       []string{"openid", "courses.read"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		RequirePKCE:  true,
		CreatedAt:    epoch,
	}
	tx(t, s, func(tx storage.Tx) error { return tx.SaveClient(ctx, c) })

	c.ClientName = "LMS Web (renamed)"
	tx(t, s, func(tx storage.Tx) error { return tx.SaveClient(ctx, c) })

	tx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetClient(ctx, "lms-web")
		require.NoError(t, err)
		assert.Equal(t, "LMS Web (renamed)", got.ClientName)
		assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
		assert.Equal(t, c.Scopes, got.Scopes)
		assert.True(t, got.RequirePKCE)
		assert.True(t, got.Public())
		assert.True(t, got.CreatedAt.Equal(epoch))

		_, err = tx.GetClient(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		list, err := tx.ListClients(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	})
}

func testConsent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		_, err := tx.GetConsent(ctx, "u1", "c1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return tx.SaveConsent(ctx, storage.Consent{UserID: "u1", ClientID: "c1", Scopes: []string{"openid"}, GrantedAt: epoch})
	})
	tx(t, s, func(tx storage.Tx) error {
		return tx.SaveConsent(ctx, storage.Consent{UserID: "u1", ClientID: "c1", Scopes: []string{"openid", "email"}, GrantedAt: epoch.Add(time.Minute)})
	})
	tx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetConsent(ctx, "u1", "c1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"openid", "email"}, got.Scopes)
		assert.True(t, got.Covers([]string{"email"}))
		assert.False(t, got.Covers([]string{"profile"}))
		return nil
	})
}

func sampleCode(digest string) storage.AuthorizationCode {
	return storage.AuthorizationCode{
		CodeDigest:          digest,
		ClientID:            "c1",
		UserID:              "u1",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid", "offline_access"},
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		AuthTime:            epoch,
		IssuedAt:            epoch,
		ExpiresAt:           epoch.Add(10 * time.Minute),
	}
}

func testCodeSingleUse(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error { return tx.SaveAuthorizationCode(ctx, sampleCode("code-1")) })

	tx(t, s, func(tx storage.Tx) error {
		got, err := tx.ConsumeAuthorizationCode(ctx, "code-1")
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.Equal(t, "n-0S6_WzA2Mj", got.Nonce)
		assert.Equal(t, []string{"openid", "offline_access"}, got.Scopes)
		assert.True(t, got.ExpiresAt.Equal(epoch.Add(10*time.Minute)))
		return nil
	})

	tx(t, s, func(tx storage.Tx) error {
		got, err := tx.ConsumeAuthorizationCode(ctx, "code-1")
		assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
		assert.Equal(t, "c1", got.ClientID, "replayed code still returns its record")

		_, err = tx.ConsumeAuthorizationCode(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
}

func testCodeConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error { return tx.SaveAuthorizationCode(ctx, sampleCode("race")) })

	const workers = 8
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		replayed atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transact(ctx, func(tx storage.Tx) error {
				_, err := tx.ConsumeAuthorizationCode(ctx, "race")
				return err
			})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, storage.ErrAlreadyConsumed):
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, workers-1, replayed.Load())
}

func testDuplicateCode(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error { return tx.SaveAuthorizationCode(ctx, sampleCode("dup")) })
	err := s.Transact(ctx, func(tx storage.Tx) error { return tx.SaveAuthorizationCode(ctx, sampleCode("dup")) })
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func testRollbackOnError(t *testing.T, s storage.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	tx(t, s, func(tx storage.Tx) error { return tx.SaveAuthorizationCode(ctx, sampleCode("rb")) })

	err := s.Transact(ctx, func(tx storage.Tx) error {
		if _, err := tx.ConsumeAuthorizationCode(ctx, "rb"); err != nil {
			return err
		}
		if err := tx.SaveConsent(ctx, storage.Consent{UserID: "u1", ClientID: "c1", Scopes: []string{"openid"}, GrantedAt: epoch}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	tx(t, s, func(tx storage.Tx) error {
		_, err := tx.GetConsent(ctx, "u1", "c1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := tx.ConsumeAuthorizationCode(ctx, "rb")
		require.NoError(t, err, "rolled back consume must leave the code usable")
		assert.True(t, got.Consumed)
		return nil
	})
}

func testAccessTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := storage.AccessToken{
		TokenDigest: "at-1", JTI: "jti-1", GrantID: "g1", ClientID: "c1", UserID: "u1",
		Scopes: []string{"openid"}, IssuedAt: epoch, ExpiresAt: epoch.Add(time.Hour), CnfJKT: "jkt",
	}
	tx(t, s, func(tx storage.Tx) error { return tx.SaveAccessToken(ctx, at) })
	tx(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.RevokeAccessToken(ctx, "at-1"))
		require.NoError(t, tx.RevokeAccessToken(ctx, "at-1"))
		require.NoError(t, tx.RevokeAccessToken(ctx, "unknown"))
		return nil
	})
	tx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetAccessToken(ctx, "at-1")
		require.NoError(t, err)
		assert.True(t, got.Revoked)
		assert.Equal(t, "jkt", got.CnfJKT)
		assert.Equal(t, "jti-1", got.JTI)
		_, err = tx.GetAccessToken(ctx, "unknown")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
}

func refresh(digest, parent string, gen int) storage.RefreshToken {
	return storage.RefreshToken{
		TokenDigest: digest, GrantID: "g1", ParentDigest: parent, Generation: gen,
		ClientID: "c1", UserID: "u1", Scopes: []string{"openid", "offline_access"},
		AuthTime: epoch, IssuedAt: epoch, ExpiresAt: epoch.Add(24 * time.Hour),
	}
}

func testRefreshChain(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.SaveRefreshToken(ctx, refresh("rt-0", "", 0)))
		require.NoError(t, tx.SaveRefreshToken(ctx, refresh("rt-1", "rt-0", 1)))
		require.NoError(t, tx.SaveRefreshToken(ctx, refresh("rt-2", "rt-1", 2)))
		return tx.SaveAccessToken(ctx, storage.AccessToken{TokenDigest: "at", GrantID: "g1", ClientID: "c1", UserID: "u1", IssuedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})
	})

	tx(t, s, func(tx storage.Tx) error {
		got, err := tx.ConsumeRefreshToken(ctx, "rt-0")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Generation)
		_, err = tx.ConsumeRefreshToken(ctx, "rt-0")
		assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
		return nil
	})

	tx(t, s, func(tx storage.Tx) error { return tx.RevokeDescendants(ctx, "g1", 1) })
	tx(t, s, func(tx storage.Tx) error {
		r0, _ := tx.GetRefreshToken(ctx, "rt-0")
		r1, _ := tx.GetRefreshToken(ctx, "rt-1")
		r2, _ := tx.GetRefreshToken(ctx, "rt-2")
		a, _ := tx.GetAccessToken(ctx, "at")
		assert.False(t, r0.Revoked)
		assert.False(t, r1.Revoked)
		assert.True(t, r2.Revoked)
		assert.True(t, a.Revoked)
		assert.Equal(t, "rt-1", r2.ParentDigest)
		return nil
	})
}

func testRevokeGrant(t *testing.T, s storage.Store) {
	ctx := context.Background()
	other := refresh("other", "", 0)
	other.GrantID = "g2"
	tx(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.SaveRefreshToken(ctx, refresh("rt-0", "", 0)))
		require.NoError(t, tx.SaveRefreshToken(ctx, refresh("rt-1", "rt-0", 1)))
		return tx.SaveRefreshToken(ctx, other)
	})
	tx(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.RevokeGrant(ctx, "g1"))
		return tx.RevokeGrant(ctx, "g1")
	})
	tx(t, s, func(tx storage.Tx) error {
		r0, _ := tx.GetRefreshToken(ctx, "rt-0")
		r1, _ := tx.GetRefreshToken(ctx, "rt-1")
		o, _ := tx.GetRefreshToken(ctx, "other")
		assert.True(t, r0.Revoked)
		assert.True(t, r1.Revoked)
		assert.False(t, o.Revoked)
		return nil
	})
}

func testSigningKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()
	older := storage.SigningKey{KID: "a", Algorithm: "RS256", PrivatePEM: []byte("pem-a"), NotBefore: epoch, RotatedAt: epoch.Add(time.Hour)}
	newer := storage.SigningKey{KID: "b", Algorithm: "RS256", PrivatePEM: []byte("pem-b"), NotBefore: epoch.Add(time.Hour)}
	tx(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.SaveSigningKey(ctx, older))
		return tx.SaveSigningKey(ctx, newer)
	})
	tx(t, s, func(tx storage.Tx) error {
		keys, err := tx.ListSigningKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "b", keys[0].KID, "newest first")
		assert.True(t, keys[0].RotatedAt.IsZero())
		assert.Equal(t, []byte("pem-a"), keys[1].PrivatePEM)
		assert.True(t, keys[1].RotatedAt.Equal(epoch.Add(time.Hour)))
		return tx.DeleteSigningKey(ctx, "a")
	})
	tx(t, s, func(tx storage.Tx) error {
		keys, err := tx.ListSigningKeys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
		return nil
	})
}

func testPurge(t *testing.T, s storage.Store) {
	ctx := context.Background()
	expired := sampleCode("old")
	expired.ExpiresAt = epoch.Add(-time.Minute)
	tx(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.SaveAuthorizationCode(ctx, expired))
		require.NoError(t, tx.SaveAuthorizationCode(ctx, sampleCode("fresh")))
		return tx.SaveAccessToken(ctx, storage.AccessToken{TokenDigest: "old-at", GrantID: "g", ClientID: "c1", UserID: "u1", IssuedAt: epoch.Add(-2 * time.Hour), ExpiresAt: epoch.Add(-time.Hour)})
	})
	n, err := s.Purge(ctx, epoch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	tx(t, s, func(tx storage.Tx) error {
		_, err := tx.ConsumeAuthorizationCode(ctx, "old")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.ConsumeAuthorizationCode(ctx, "fresh")
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, s.Ping(ctx))
}
