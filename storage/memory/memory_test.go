package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"lmsoauth/storage"
	"lmsoauth/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestClosedStore(t *testing.T) {
	s := New()
	ctx := context.Background()
	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.Transact(ctx, func(storage.Tx) error { return nil }))
}

func TestCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Transact(ctx, func(storage.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReturnedRecordsDoNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()
	scopes := []string{"openid"}
	assert.NoError(t, s.Transact(ctx, func(tx storage.Tx) error {
		return tx.SaveConsent(ctx, storage.Consent{UserID: "u", ClientID: "c", Scopes: scopes})
	}))
	scopes[0] = "mutated"
	assert.NoError(t, s.Transact(ctx, func(tx storage.Tx) error {
		got, err := tx.GetConsent(ctx, "u", "c")
		assert.NoError(t, err)
		assert.Equal(t, []string{"openid"}, got.Scopes)
		return nil
	}))
}
