package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token lifetime defaults. All TTLs are enforced server-side and never
// trusted from the caller.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultCodeTTL    = 5 * time.Minute
)

// Redis timeout defaults.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultOpTimeout   = 3 * time.Second
)

var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Duration wraps time.Duration so YAML configs can say "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config captures the full application configuration loaded from YAML
// and environment variables.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Tokens  TokensConfig   `yaml:"tokens"`
	Redis   RedisConfig    `yaml:"redis"`
	Clients []ClientConfig `yaml:"clients"`
	Users   []UserConfig   `yaml:"users"`
}

// ServerConfig controls the listener and HTTP concerns.
type ServerConfig struct {
	PublicURL   string     `yaml:"public_url"`
	ListenAddr  string     `yaml:"listen_addr"`
	DevMode     bool       `yaml:"dev_mode"`
	SecretsPath string     `yaml:"secrets_path"`
	CORS        CORSConfig `yaml:"cors"`
}

// CORSConfig lists allowed cross-origin callers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// TokensConfig bounds token lifetimes and signing key rotation.
type TokensConfig struct {
	AccessTTL         Duration `yaml:"access_ttl"`
	RefreshTTL        Duration `yaml:"refresh_ttl"`
	CodeTTL           Duration `yaml:"code_ttl"`
	KeyRotateInterval Duration `yaml:"key_rotate_interval"`
}

// RedisConfig configures the keyed expiring store backend.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	OpTimeout    Duration `yaml:"op_timeout"`
}

// ClientConfig describes an OAuth client registration.
type ClientConfig struct {
	ClientID         string   `yaml:"client_id"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
	RedirectURIs     []string `yaml:"redirect_uris"`
	Scopes           []string `yaml:"scopes"`
}

// UserConfig describes a resource owner.
type UserConfig struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Disabled     bool   `yaml:"disabled"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:   "http://127.0.0.1:8080",
			ListenAddr:  "127.0.0.1:8080",
			DevMode:     true,
			SecretsPath: ".secrets/jwks.json",
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Tokens: TokensConfig{
			AccessTTL:  Duration(DefaultAccessTTL),
			RefreshTTL: Duration(DefaultRefreshTTL),
			CodeTTL:    Duration(DefaultCodeTTL),
		},
		Redis: RedisConfig{
			Addr:         "127.0.0.1:6379",
			DialTimeout:  Duration(DefaultDialTimeout),
			ReadTimeout:  Duration(DefaultOpTimeout),
			WriteTimeout: Duration(DefaultOpTimeout),
			OpTimeout:    Duration(DefaultOpTimeout),
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OAUTHD_PUBLIC_URL":     func(v string) { cfg.Server.PublicURL = v },
		"OAUTHD_LISTEN_ADDR":    func(v string) { cfg.Server.ListenAddr = v },
		"OAUTHD_DEV_MODE":       func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OAUTHD_SECRETS_PATH":   func(v string) { cfg.Server.SecretsPath = v },
		"OAUTHD_REDIS_ADDR":     func(v string) { cfg.Redis.Addr = v },
		"OAUTHD_REDIS_PASSWORD": func(v string) { cfg.Redis.Password = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 || c.Tokens.CodeTTL <= 0 {
		return errors.New("tokens: all TTLs must be positive")
	}
	if !c.Server.DevMode && c.Redis.Addr == "" {
		return errors.New("redis.addr is required outside dev mode")
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must be an absolute HTTP(S) URL, got: %s",
					i, client.ClientID, j, uri)
			}
		}
	}

	for i, user := range c.Users {
		if user.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if user.PasswordHash == "" {
			return fmt.Errorf("users[%d] (%s): password_hash is required", i, user.Username)
		}
	}

	return nil
}
