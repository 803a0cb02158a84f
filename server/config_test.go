package server

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"lmsoauth/clients"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.OAuth2Clients = []clients.Config{{
		ClientID:     "quiz-app",
		RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
		Scopes:       []string{"openid", "profile"},
	}}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
tokens:
  refresh_ttl: 48h
oauth2_clients:
  - client_id: gradebook
    client_secret: s3cret
    redirect_uris: ["http://localhost/callback"]
    scopes: ["openid", "profile"]
`)

	t.Setenv("LMSOAUTH_SERVER_PUBLIC_URL", "https://auth.lms.example")
	t.Setenv("LMSOAUTH_TOKENS_ACCESS_TTL", "15m")
	t.Setenv("LMSOAUTH_SERVER_METRICS", "yes")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://auth.lms.example" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL override mismatch, got %s", cfg.Tokens.AccessTTL)
	}
	if cfg.Tokens.RefreshTTL != 48*time.Hour {
		t.Fatalf("RefreshTTL from yaml mismatch, got %s", cfg.Tokens.RefreshTTL)
	}
	if cfg.Tokens.CodeTTL != DefaultCodeTTL {
		t.Fatalf("CodeTTL default lost, got %s", cfg.Tokens.CodeTTL)
	}
	if !cfg.Server.Metrics {
		t.Fatalf("Metrics override not applied")
	}
	if cfg.OAuth2Clients[0].ClientSecret != "s3cret" {
		t.Fatalf("client secret not decoded")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  cookie_domain: example.com
oauth2_clients:
  - client_id: web
    redirect_uris: ["http://localhost/callback"]
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "lmsoauth.env")
	dsn := filepath.Join(dir, "lmsoauth.db")
	if err := os.WriteFile(envPath, []byte("LMSOAUTH_STORAGE_DRIVER=sqlite\nLMSOAUTH_STORAGE_DSN="+dsn+"\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("LMSOAUTH_ENV_FILE", envPath)
	t.Cleanup(func() {
		os.Unsetenv("LMSOAUTH_STORAGE_DRIVER")
		os.Unsetenv("LMSOAUTH_STORAGE_DSN")
	})

	path := writeConfig(t, `oauth2_clients:
  - client_id: web
    redirect_uris: ["http://localhost/callback"]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Storage.Driver != StorageSQLite || cfg.Storage.DSN != dsn {
		t.Fatalf("env file not applied: %+v", cfg.Storage)
	}
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	t.Setenv("LMSOAUTH_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	path := writeConfig(t, `oauth2_clients:
  - client_id: web
    redirect_uris: ["http://localhost/callback"]
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing explicit env file")
	}
}

func TestConfigValidateRequiresClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OAuth2Clients = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no oauth2_clients configured")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := map[string]func(*Config){
		"relative public url":  func(c *Config) { c.Server.PublicURL = "auth.lms.example" },
		"http in production":   func(c *Config) { c.Server.DevMode = false; c.Server.PublicURL = "http://auth.lms.example" },
		"bad tls version":      func(c *Config) { c.Server.TLS.MinVersion = "1.0" },
		"code ttl over cap":    func(c *Config) { c.Tokens.CodeTTL = 11 * time.Minute },
		"zero access ttl":      func(c *Config) { c.Tokens.AccessTTL = 0 },
		"small rsa key":        func(c *Config) { c.Keys.Bits = 1024 },
		"symmetric dpop alg":   func(c *Config) { c.DPoP.Algs = []string{"HS256"} },
		"redis without url":    func(c *Config) { c.DPoP.Replay = ReplayRedis },
		"unknown replay":       func(c *Config) { c.DPoP.Replay = "memcached" },
		"sqlite without dsn":   func(c *Config) { c.Storage.Driver = StorageSQLite },
		"unknown driver":       func(c *Config) { c.Storage.Driver = "mysql" },
		"relative consent ui":  func(c *Config) { c.Server.ConsentUIURL = "/consent" },
		"client without id":    func(c *Config) { c.OAuth2Clients[0].ClientID = "" },
		"client without uris":  func(c *Config) { c.OAuth2Clients[0].RedirectURIs = nil },
		"user without id":      func(c *Config) { c.Users = []UserConfig{{Name: "Ada"}} },
		"duplicate user":       func(c *Config) { c.Users = []UserConfig{{ID: "u1"}, {ID: "u1"}} },
		"prod without header":  func(c *Config) { c.Server.DevMode = false; c.Server.PublicURL = "https://auth.lms.example"; c.Server.UserHeader = "" },
		"prod without domains": func(c *Config) { c.Server.DevMode = false; c.Server.PublicURL = "https://auth.lms.example"; c.Server.TLS.Domains = nil },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigKeyGrace(t *testing.T) {
	cfg := validConfig()
	if got, want := cfg.KeyGrace(), DefaultAccessTTL+60*time.Second; got != want {
		t.Fatalf("default grace: got %s want %s", got, want)
	}
	cfg.Keys.Grace = 2 * time.Hour
	if got := cfg.KeyGrace(); got != 2*time.Hour {
		t.Fatalf("explicit grace: got %s", got)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if !reflect.DeepEqual(out, expected) {
		t.Fatalf("unexpected split: got %q want %q", out, expected)
	}
}

func TestInferCORSOrigins(t *testing.T) {
	cfg := Config{OAuth2Clients: []clients.Config{
		{RedirectURIs: []string{"http://localhost:3000/callback", "http://localhost:3000/other"}},
		{RedirectURIs: []string{"https://app.lms.example/cb", "not a url"}},
	}}
	got := cfg.InferCORSOrigins()
	expected := []string{"http://localhost:3000", "https://app.lms.example"}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("origins: got %q want %q", got, expected)
	}
}
