package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"lmsoauth/clients"
	"lmsoauth/dpop"
	"lmsoauth/flow"
)

// Token and key defaults.
const (
	DefaultAccessTTL      = time.Hour
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultIDTokenTTL     = time.Hour
	DefaultCodeTTL        = flow.MaxCodeTTL
	DefaultKeyBits        = 2048
	DefaultRotateEvery    = 30 * 24 * time.Hour
	DefaultRequestTimeout = 10 * time.Second
	DefaultPurgeEvery     = 10 * time.Minute
	DefaultUserHeader     = "X-LMS-User"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Replay cache backends.
const (
	ReplayMemory = "memory"
	ReplayRedis  = "redis"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "DPoP"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Tokens        TokensConfig     `yaml:"tokens"`
	Keys          KeysConfig       `yaml:"keys"`
	DPoP          DPoPConfig       `yaml:"dpop"`
	Storage       StorageConfig    `yaml:"storage"`
	Scopes        []string         `yaml:"scopes"`
	OAuth2Clients []clients.Config `yaml:"oauth2_clients"`
	Users         []UserConfig     `yaml:"users"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string        `yaml:"public_url"`
	DevListenAddr   string        `yaml:"dev_listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	SecretsPath     string        `yaml:"secrets_path"`
	TLS             TLSConfig     `yaml:"tls"`
	CORS            CORSConfig    `yaml:"cors"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// ConsentUIURL is where the LMS renders the consent screen. Empty
	// means authorize answers consent_required as JSON.
	ConsentUIURL string `yaml:"consent_ui_url"`
	// UserHeader names the header the LMS gateway sets to the
	// authenticated user's ID.
	UserHeader string `yaml:"user_header"`
	// DevUser is assumed when UserHeader is absent in dev mode.
	DevUser string `yaml:"dev_user"`
	Metrics bool   `yaml:"metrics"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins allowed to call the token endpoints from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// TokensConfig sets token and code lifetimes.
type TokensConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	IDTokenTTL time.Duration `yaml:"id_token_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
}

// KeysConfig controls signing key generation and rotation.
type KeysConfig struct {
	Bits        int           `yaml:"bits"`
	RotateEvery time.Duration `yaml:"rotate_every"`
	// Grace defaults to the access token TTL plus the DPoP skew.
	Grace time.Duration `yaml:"grace"`
	// JWKSPath stores keys in a file instead of the database.
	JWKSPath string `yaml:"jwks_path"`
}

// DPoPConfig controls proof validation and the jti replay cache.
type DPoPConfig struct {
	Skew     time.Duration `yaml:"skew"`
	MaxAge   time.Duration `yaml:"max_age"`
	Algs     []string      `yaml:"algs"`
	Replay   string        `yaml:"replay"`
	RedisURL string        `yaml:"redis_url"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	PurgeEvery      time.Duration `yaml:"purge_every"`
}

// UserConfig is a static userinfo entry.
type UserConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Email         string `yaml:"email"`
	EmailVerified bool   `yaml:"email_verified"`
}

// LoadConfig reads the YAML config file, loads a .env file when
// present and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv reads the file named by LMSOAUTH_ENV_FILE, or ./.env if it
// exists. Variables already set in the environment win.
func loadDotEnv() error {
	path, explicit := os.LookupEnv("LMSOAUTH_ENV_FILE")
	if !explicit {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
			RequestTimeout: DefaultRequestTimeout,
			UserHeader:     DefaultUserHeader,
			DevUser:        "dev-user",
		},
		Tokens: TokensConfig{
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
			IDTokenTTL: DefaultIDTokenTTL,
			CodeTTL:    DefaultCodeTTL,
		},
		Keys: KeysConfig{
			Bits:        DefaultKeyBits,
			RotateEvery: DefaultRotateEvery,
		},
		DPoP: DPoPConfig{
			Skew:   60 * time.Second,
			MaxAge: 60 * time.Second,
			Algs:   dpop.DefaultAlgs,
			Replay: ReplayMemory,
		},
		Storage: StorageConfig{
			Driver:     StorageMemory,
			PurgeEvery: DefaultPurgeEvery,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"LMSOAUTH_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"LMSOAUTH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"LMSOAUTH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"LMSOAUTH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"LMSOAUTH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"LMSOAUTH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"LMSOAUTH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"LMSOAUTH_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"LMSOAUTH_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"LMSOAUTH_SERVER_REQUEST_TIMEOUT":   func(v string) { cfg.Server.RequestTimeout = parseDuration(v, cfg.Server.RequestTimeout) },
		"LMSOAUTH_SERVER_CONSENT_UI_URL":    func(v string) { cfg.Server.ConsentUIURL = v },
		"LMSOAUTH_SERVER_USER_HEADER":       func(v string) { cfg.Server.UserHeader = v },
		"LMSOAUTH_SERVER_DEV_USER":          func(v string) { cfg.Server.DevUser = v },
		"LMSOAUTH_SERVER_METRICS":           func(v string) { cfg.Server.Metrics = parseBool(v, cfg.Server.Metrics) },
		"LMSOAUTH_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"LMSOAUTH_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"LMSOAUTH_TOKENS_CODE_TTL":          func(v string) { cfg.Tokens.CodeTTL = parseDuration(v, cfg.Tokens.CodeTTL) },
		"LMSOAUTH_KEYS_BITS":                func(v string) { cfg.Keys.Bits = parseInt(v, cfg.Keys.Bits) },
		"LMSOAUTH_KEYS_ROTATE_EVERY":        func(v string) { cfg.Keys.RotateEvery = parseDuration(v, cfg.Keys.RotateEvery) },
		"LMSOAUTH_KEYS_JWKS_PATH":           func(v string) { cfg.Keys.JWKSPath = v },
		"LMSOAUTH_DPOP_REPLAY":              func(v string) { cfg.DPoP.Replay = v },
		"LMSOAUTH_DPOP_REDIS_URL":           func(v string) { cfg.DPoP.RedisURL = v },
		"LMSOAUTH_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"LMSOAUTH_STORAGE_DSN":              func(v string) { cfg.Storage.DSN = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Issuer is the public URL without a trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// KeyGrace is how long a rotated signing key stays in the JWKS.
func (c Config) KeyGrace() time.Duration {
	if c.Keys.Grace > 0 {
		return c.Keys.Grace
	}
	return c.Tokens.AccessTTL + c.DPoP.Skew
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && u.Scheme != "https" {
		slog.Error("Insecure public URL in production", "field", "server.public_url", "value", c.Server.PublicURL)
		return errors.New("server.public_url must use https outside dev mode")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.ConsentUIURL != "" && !strings.HasPrefix(c.Server.ConsentUIURL, "http://") && !strings.HasPrefix(c.Server.ConsentUIURL, "https://") {
		slog.Error("Invalid consent UI URL", "field", "server.consent_ui_url", "value", c.Server.ConsentUIURL)
		return fmt.Errorf("server.consent_ui_url must start with http:// or https://, got: %s", c.Server.ConsentUIURL)
	}
	if c.Server.UserHeader == "" && !c.Server.DevMode {
		slog.Error("Missing required configuration for production mode", "field", "server.user_header")
		return errors.New("server.user_header is required in production")
	}

	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 || c.Tokens.IDTokenTTL <= 0 {
		slog.Error("Invalid token lifetimes", "access_ttl", c.Tokens.AccessTTL, "refresh_ttl", c.Tokens.RefreshTTL, "id_token_ttl", c.Tokens.IDTokenTTL)
		return errors.New("tokens: lifetimes must be positive")
	}
	if c.Tokens.CodeTTL <= 0 || c.Tokens.CodeTTL > flow.MaxCodeTTL {
		slog.Error("Invalid code lifetime", "field", "tokens.code_ttl", "value", c.Tokens.CodeTTL, "max", flow.MaxCodeTTL)
		return fmt.Errorf("tokens.code_ttl must be between 0 and %s", flow.MaxCodeTTL)
	}

	if c.Keys.Bits < DefaultKeyBits {
		slog.Error("RSA key too small", "field", "keys.bits", "value", c.Keys.Bits)
		return fmt.Errorf("keys.bits must be at least %d", DefaultKeyBits)
	}

	if c.DPoP.Skew <= 0 || c.DPoP.MaxAge <= 0 {
		slog.Error("Invalid DPoP windows", "skew", c.DPoP.Skew, "max_age", c.DPoP.MaxAge)
		return errors.New("dpop: skew and max_age must be positive")
	}
	for _, alg := range c.DPoP.Algs {
		if alg == "none" || strings.HasPrefix(alg, "HS") {
			slog.Error("Disallowed DPoP algorithm", "field", "dpop.algs", "value", alg)
			return fmt.Errorf("dpop.algs: %s is not an asymmetric algorithm", alg)
		}
	}
	switch c.DPoP.Replay {
	case ReplayMemory:
	case ReplayRedis:
		if c.DPoP.RedisURL == "" {
			slog.Error("Missing required configuration", "field", "dpop.redis_url")
			return errors.New("dpop.redis_url is required for the redis replay cache")
		}
	default:
		slog.Error("Unknown replay cache", "field", "dpop.replay", "value", c.DPoP.Replay)
		return fmt.Errorf("dpop.replay must be %q or %q, got: %s", ReplayMemory, ReplayRedis, c.DPoP.Replay)
	}

	switch c.Storage.Driver {
	case StorageMemory:
		if !c.Server.DevMode {
			slog.Warn("Memory storage in production loses tokens on restart", "field", "storage.driver")
		}
	case StorageSQLite, StoragePostgres:
		if c.Storage.DSN == "" {
			slog.Error("Missing required configuration", "field", "storage.dsn", "driver", c.Storage.Driver)
			return fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver)
		}
	default:
		slog.Error("Unknown storage driver", "field", "storage.driver", "value", c.Storage.Driver)
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got: %s", c.Storage.Driver)
	}

	if len(c.OAuth2Clients) == 0 {
		slog.Error("No OAuth2 clients configured")
		return errors.New("at least one OAuth2 client must be configured")
	}
	for i, client := range c.OAuth2Clients {
		if client.ClientID == "" {
			slog.Error("OAuth2 client missing client_id", "index", i)
			return fmt.Errorf("oauth2_clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("OAuth2 client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("oauth2_clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			slog.Error("User missing id", "index", i)
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if seen[u.ID] {
			slog.Error("Duplicate user", "id", u.ID)
			return fmt.Errorf("users[%d]: duplicate id %s", i, u.ID)
		}
		seen[u.ID] = true
	}

	return nil
}

// InferCORSOrigins extracts allowed origins from OAuth2 client redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}

	for _, client := range c.OAuth2Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}

	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
