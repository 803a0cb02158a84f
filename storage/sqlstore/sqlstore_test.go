package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmsoauth/storage"
	"lmsoauth/storage/storagetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "lmsoauth.db")
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openSQLite(t) })
}

// TestPostgresConformance runs against a real server when
// LMSOAUTH_TEST_POSTGRES_DSN is set.
func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("LMSOAUTH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LMSOAUTH_TEST_POSTGRES_DSN not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), Options{Driver: DriverPostgres, DSN: dsn})
		require.NoError(t, err)
		for _, table := range []string{"clients", "consents", "authorization_codes", "access_tokens", "refresh_tokens", "signing_keys"} {
			_, err := s.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		return s
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: DriverSQLite})
	assert.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "twice.db")
	ctx := context.Background()

	first, err := Open(ctx, Options{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, first.Transact(ctx, func(tx storage.Tx) error {
		return tx.SaveConsent(ctx, storage.Consent{UserID: "u", ClientID: "c", Scopes: []string{"openid"}, GrantedAt: time.Now()})
	}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, Options{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Transact(ctx, func(tx storage.Tx) error {
		got, err := tx.GetConsent(ctx, "u", "c")
		require.NoError(t, err)
		assert.Equal(t, []string{"openid"}, got.Scopes)
		return nil
	}))
}

func TestMillisRoundTrip(t *testing.T) {
	assert.True(t, fromMillis(toMillis(time.Time{})).IsZero())
	now := time.UnixMilli(1_700_000_000_123).UTC()
	assert.True(t, fromMillis(toMillis(now)).Equal(now))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
