// Package config loads the daemon's configuration: defaults, then an
// optional YAML policy file, then environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Everything under Auth is
// snapshotted per session at connection time and read-only afterwards.
type Config struct {
	// Listen is the TCP address the daemon accepts connections on.
	Listen string `yaml:"listen"`

	// CertFile and KeyFile hold the TLS material fronting the userauth
	// exchange. Missing files are generated on startup.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// UserDB is the path of the JSON credential store.
	UserDB string `yaml:"user_db"`

	// AuthorizedKeysDir optionally holds one authorized_keys file per
	// account, named after the account. Empty means per-home key files.
	AuthorizedKeysDir string `yaml:"authorized_keys_dir"`

	// PAMService, when set, routes password verification through PAM
	// instead of the local user store.
	PAMService string `yaml:"pam_service"`

	Auth    AuthConfig    `yaml:"auth"`
	PreAuth PreAuthConfig `yaml:"preauth"`
}

// AuthConfig is the admission policy consumed by the authentication core.
type AuthConfig struct {
	// Methods enables authentication methods; subset of
	// {publickey, password}.
	Methods []string `yaml:"methods"`

	// MaxTries closes the connection when this many counted failures
	// accumulate.
	MaxTries int `yaml:"max_tries"`

	AllowRootLogin    bool   `yaml:"allow_root_login"`
	RestrictedGroup   string `yaml:"restricted_group"`
	MaxUsernameLength int    `yaml:"max_username_length"`

	// SingleAccountMode admits only the account the daemon itself runs
	// as.
	SingleAccountMode bool `yaml:"single_account_mode"`

	// MinDelay and VarDelay shape the failure-response latency floor:
	// every counted failure takes at least MinDelay plus jitter drawn
	// from [0, VarDelay).
	MinDelay time.Duration `yaml:"min_delay"`
	VarDelay time.Duration `yaml:"var_delay"`

	// Banner is sent once before the first request is examined.
	// BannerFile, when set, supplies the text instead.
	Banner     string `yaml:"banner"`
	BannerFile string `yaml:"banner_file"`
}

// PreAuthConfig bounds what unauthenticated peers may hold.
type PreAuthConfig struct {
	// MaxConnections caps concurrent pre-auth connections; 0 disables
	// the cap.
	MaxConnections int `yaml:"max_connections"`

	// Grace closes connections that have not authenticated within it.
	Grace time.Duration `yaml:"grace"`
}

// Default returns the configuration used when no file or environment
// overrides are present. The delay constants follow the historical 250ms
// floor with 100ms of jitter.
func Default() Config {
	return Config{
		Listen:   ":2222",
		CertFile: "cert.pem",
		KeyFile:  "key.pem",
		UserDB:   "users.json",
		Auth: AuthConfig{
			Methods:           []string{"publickey", "password"},
			MaxTries:          10,
			AllowRootLogin:    false,
			MaxUsernameLength: 100,
			MinDelay:          250 * time.Millisecond,
			VarDelay:          100 * time.Millisecond,
		},
		PreAuth: PreAuthConfig{
			MaxConnections: 30,
			Grace:          60 * time.Second,
		},
	}
}

// Load builds the effective configuration. path may be empty, in which case
// the default location under Dir() is tried and silently skipped when
// absent; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if dir, err := Dir(); err == nil {
			path = filepath.Join(dir, "config.yaml")
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// No config file is fine; defaults apply.
		default:
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Auth.BannerFile != "" {
		text, err := os.ReadFile(cfg.Auth.BannerFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading banner file: %w", err)
		}
		cfg.Auth.Banner = string(text)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	if c.Auth.MaxTries < 1 {
		return fmt.Errorf("config: max_tries must be at least 1")
	}
	if c.Auth.MinDelay < 0 || c.Auth.VarDelay < 0 {
		return fmt.Errorf("config: delays must not be negative")
	}
	if len(c.Auth.Methods) == 0 {
		return fmt.Errorf("config: at least one authentication method must be enabled")
	}
	for _, m := range c.Auth.Methods {
		if m != "publickey" && m != "password" {
			return fmt.Errorf("config: unknown authentication method %q", m)
		}
	}
	return nil
}

// applyEnv overlays SSHWARDEN_* environment variables on cfg.
func applyEnv(cfg *Config) {
	cfg.Listen = getEnv("SSHWARDEN_LISTEN", cfg.Listen)
	cfg.CertFile = getEnv("SSHWARDEN_CERT_FILE", cfg.CertFile)
	cfg.KeyFile = getEnv("SSHWARDEN_KEY_FILE", cfg.KeyFile)
	cfg.UserDB = getEnv("SSHWARDEN_USER_DB", cfg.UserDB)
	cfg.AuthorizedKeysDir = getEnv("SSHWARDEN_AUTHORIZED_KEYS_DIR", cfg.AuthorizedKeysDir)
	cfg.PAMService = getEnv("SSHWARDEN_PAM_SERVICE", cfg.PAMService)

	if v := os.Getenv("SSHWARDEN_AUTH_METHODS"); v != "" {
		cfg.Auth.Methods = strings.Split(v, ",")
	}
	cfg.Auth.MaxTries = getEnvInt("SSHWARDEN_MAX_TRIES", cfg.Auth.MaxTries)
	cfg.Auth.AllowRootLogin = getEnvBool("SSHWARDEN_ALLOW_ROOT_LOGIN", cfg.Auth.AllowRootLogin)
	cfg.Auth.RestrictedGroup = getEnv("SSHWARDEN_RESTRICTED_GROUP", cfg.Auth.RestrictedGroup)
	cfg.Auth.SingleAccountMode = getEnvBool("SSHWARDEN_SINGLE_ACCOUNT_MODE", cfg.Auth.SingleAccountMode)
	cfg.Auth.MinDelay = getEnvDuration("SSHWARDEN_MIN_DELAY", cfg.Auth.MinDelay)
	cfg.Auth.VarDelay = getEnvDuration("SSHWARDEN_VAR_DELAY", cfg.Auth.VarDelay)
	cfg.Auth.Banner = getEnv("SSHWARDEN_BANNER", cfg.Auth.Banner)
	cfg.PreAuth.MaxConnections = getEnvInt("SSHWARDEN_PREAUTH_MAX_CONNECTIONS", cfg.PreAuth.MaxConnections)
	cfg.PreAuth.Grace = getEnvDuration("SSHWARDEN_PREAUTH_GRACE", cfg.PreAuth.Grace)
}

// Dir returns the daemon's configuration directory, creating it if needed.
// It follows platform conventions:
//   - $XDG_CONFIG_HOME/sshwarden when XDG_CONFIG_HOME is set
//   - %APPDATA%\sshwarden on Windows
//   - $HOME/.config/sshwarden otherwise
func Dir() (string, error) {
	var dir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dir = filepath.Join(xdg, "sshwarden")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		dir = filepath.Join(appData, "sshwarden")
	} else if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".config", "sshwarden")
	} else {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
