package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lmsoauth/storage"
	"lmsoauth/storage/memory"
)

func boolPtr(b bool) *bool { return &b }

func testPolicy(t *testing.T) *ScopePolicy {
	t.Helper()
	p, err := NewScopePolicy([]string{"courses.read", "grades.write"})
	require.NoError(t, err)
	return p
}

func TestNewRegistrySetsPublicFlag(t *testing.T) {
	registry, err := NewRegistry([]Config{{
		ClientID:     "web",
		RedirectURIs: []string{"http://localhost/callback"},
		Scopes:       []string{"openid", "profile"},
	}}, testPolicy(t))
	require.NoError(t, err)

	client, ok := registry.Get("web")
	require.True(t, ok)
	assert.True(t, client.Public())
	assert.True(t, client.RequirePKCE)
	assert.Equal(t, []string{GrantAuthorizationCode, GrantRefreshToken}, client.GrantTypes)
}

func TestNewRegistryRejectsInvalidClients(t *testing.T) {
	policy := testPolicy(t)
	cases := map[string]Config{
		"missing id":        {RedirectURIs: []string{"https://app/cb"}},
		"no redirect":       {ClientID: "a"},
		"unsafe redirect":   {ClientID: "a", RedirectURIs: []string{"javascript:alert(1)"}},
		"unknown scope":     {ClientID: "a", RedirectURIs: []string{"https://app/cb"}, Scopes: []string{"admin"}},
		"bad grant":         {ClientID: "a", RedirectURIs: []string{"https://app/cb"}, GrantTypes: []string{"password"}},
		"public no pkce":    {ClientID: "a", RedirectURIs: []string{"https://app/cb"}, RequirePKCE: boolPtr(false)},
		"secret and hash":   {ClientID: "a", RedirectURIs: []string{"https://app/cb"}, ClientSecret: "s", ClientSecretHash: "h"},
		"plain http remote": {ClientID: "a", RedirectURIs: []string{"http://app.example/cb"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry([]Config{cfg}, policy)
			assert.ErrorIs(t, err, ErrInvalidClient)
		})
	}

	_, err := NewRegistry([]Config{
		{ClientID: "a", RedirectURIs: []string{"https://app/cb"}},
		{ClientID: "a", RedirectURIs: []string{"https://app/cb"}},
	}, policy)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestConfidentialClientMayDisablePKCE(t *testing.T) {
	registry, err := NewRegistry([]Config{{
		ClientID:     "svc",
		ClientSecret: "topsecret",
		RedirectURIs: []string{"https://lms.example/cb"},
		RequirePKCE:  boolPtr(false),
	}}, testPolicy(t))
	require.NoError(t, err)
	c, _ := registry.Get("svc")
	assert.False(t, c.RequirePKCE)
	assert.False(t, c.Public())
}

func TestAuthenticateValidatesSecret(t *testing.T) {
	registry, err := NewRegistry([]Config{
		{ClientID: "svc", ClientSecret: "topsecret", RedirectURIs: []string{"https://lms.example/cb"}},
		{ClientID: "spa", RedirectURIs: []string{"https://lms.example/spa"}},
	}, testPolicy(t))
	require.NoError(t, err)

	svc, _ := registry.Get("svc")
	assert.NotContains(t, svc.SecretHash, "topsecret")

	_, err = registry.Authenticate("svc", "wrong", AuthSecretBasic)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = registry.Authenticate("svc", "", AuthNone)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	client, err := registry.Authenticate("svc", "topsecret", AuthSecretPost)
	require.NoError(t, err)
	assert.Equal(t, "svc", client.ID)

	client, err = registry.Authenticate("spa", "", AuthNone)
	require.NoError(t, err)
	assert.True(t, client.Public())

	_, err = registry.Authenticate("spa", "anything", AuthSecretBasic)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = registry.Authenticate("ghost", "", AuthNone)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestAuthenticateAcceptsPrehashedSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	registry, err := NewRegistry([]Config{{
		ClientID:         "svc",
		ClientSecretHash: string(hash),
		RedirectURIs:     []string{"https://lms.example/cb"},
	}}, testPolicy(t))
	require.NoError(t, err)

	_, err = registry.Authenticate("svc", "s3cret", AuthSecretBasic)
	assert.NoError(t, err)
}

func TestClientScopeAndRedirectHelpers(t *testing.T) {
	client := &Client{
		ID:           "svc",
		Scopes:       []string{"openid", "profile", "email"},
		GrantTypes:   []string{GrantAuthorizationCode},
		RedirectURIs: []string{"https://app/callback"},
	}

	assert.True(t, client.ValidRedirect("https://app/callback"))
	assert.False(t, client.ValidRedirect("https://other/callback"))
	assert.False(t, client.ValidRedirect("https://app/callback/"))
	assert.False(t, client.ValidRedirect("https://app/callback?x=1"))

	assert.NoError(t, client.ValidateScopes([]string{"openid", "email"}))
	assert.ErrorIs(t, client.ValidateScopes([]string{"openid", "admin"}), ErrScopeNotAllowed)

	assert.True(t, client.AllowsGrant(GrantAuthorizationCode))
	assert.False(t, client.AllowsGrant(GrantRefreshToken))
}

func TestIsSafeRedirectURI(t *testing.T) {
	cases := map[string]bool{
		"https://app.example/cb":               true,
		"http://localhost:8080/cb":             true,
		"http://127.0.0.1/cb":                  true,
		"http://[::1]:9000/cb":                 true,
		"http://app.example/cb":                false,
		"javascript:alert(1)":                  false,
		"data:text/html,hi":                    false,
		"//evil.example/cb":                    false,
		"https://user@evil.example/cb":         false,
		"https://app.example/cb@evil.example":  false,
		"https://evil.example#https://app/cb":  false,
		"https://app.example/cb#frag":          false,
		"ftp://app.example/cb":                 false,
		"/relative/cb":                         false,
		"":                                     false,
		"custom-scheme://callback":             false,
		"https:///no-host":                     false,
	}
	for uri, want := range cases {
		assert.Equal(t, want, isSafeRedirectURI(uri), uri)
	}
}

func TestScopePolicy(t *testing.T) {
	policy := testPolicy(t)
	assert.Equal(t, []string{"openid", "profile", "email", "offline_access", "courses.read", "grades.write"}, policy.Supported())

	scopes, err := policy.ParseScopes("openid  courses.read openid")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "courses.read"}, scopes)

	scopes, err = policy.ParseScopes("")
	require.NoError(t, err)
	assert.Empty(t, scopes)

	_, err = policy.ParseScopes("openid admin")
	assert.ErrorIs(t, err, ErrUnknownScope)

	_, err = policy.ParseScopes("openid\tprofile")
	assert.ErrorIs(t, err, ErrMalformedScope)

	_, err = NewScopePolicy([]string{`bad"scope`})
	assert.ErrorIs(t, err, ErrMalformedScope)

	assert.True(t, Subset([]string{"openid"}, []string{"openid", "email"}))
	assert.False(t, Subset([]string{"openid", "admin"}, []string{"openid"}))
}

func TestSyncAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	policy := testPolicy(t)

	registry, err := NewRegistry([]Config{{
		ClientID:     "svc",
		ClientSecret: "topsecret",
		RedirectURIs: []string{"https://lms.example/cb"},
		Scopes:       []string{"openid", "courses.read"},
	}}, policy)
	require.NoError(t, err)
	require.NoError(t, registry.Sync(ctx, store))

	require.NoError(t, store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.SaveClient(ctx, storage.Client{
			ClientID:     "stored",
			RedirectURIs: []string{"https://plugin.example/cb"},
			Scopes:       []string{"openid"},
			GrantTypes:   []string{GrantAuthorizationCode},
			RequirePKCE:  true,
			CreatedAt:    time.Unix(1_700_000_000, 0).UTC(),
		}); err != nil {
			return err
		}
		return tx.SaveClient(ctx, storage.Client{
			ClientID:     "broken",
			RedirectURIs: []string{"https://plugin.example/cb"},
			GrantTypes:   []string{GrantAuthorizationCode},
		})
	}))

	fresh, err := NewRegistry(nil, policy)
	require.NoError(t, err)
	n, err := fresh.Load(ctx, store)
	assert.ErrorIs(t, err, ErrInvalidClient, "public client without PKCE is skipped")
	assert.Equal(t, 2, n)

	svc, ok := fresh.Get("svc")
	require.True(t, ok)
	_, err = fresh.Authenticate("svc", "topsecret", AuthSecretBasic)
	assert.NoError(t, err)
	assert.Equal(t, []string{"openid", "courses.read"}, svc.Scopes)

	_, ok = fresh.Get("stored")
	assert.True(t, ok)
	_, ok = fresh.Get("broken")
	assert.False(t, ok)

	ids := []string{}
	for _, c := range fresh.List() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"stored", "svc"}, ids)
}

func TestLoadKeepsConfiguredClients(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Transact(ctx, func(tx storage.Tx) error {
		return tx.SaveClient(ctx, storage.Client{
			ClientID:     "web",
			RedirectURIs: []string{"https://stale.example/cb"},
			Scopes:       []string{"openid"},
			RequirePKCE:  true,
		})
	}))

	registry, err := NewRegistry([]Config{{
		ClientID:     "web",
		RedirectURIs: []string{"https://lms.example/cb"},
	}}, testPolicy(t))
	require.NoError(t, err)
	n, err := registry.Load(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, n)

	c, _ := registry.Get("web")
	assert.Equal(t, []string{"https://lms.example/cb"}, c.RedirectURIs)
}
