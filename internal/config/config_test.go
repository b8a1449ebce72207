package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250*time.Millisecond, cfg.Auth.MinDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Auth.VarDelay)
	assert.Equal(t, []string{"publickey", "password"}, cfg.Auth.Methods)
	assert.False(t, cfg.Auth.AllowRootLogin)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":2022"
auth:
  methods: [password]
  max_tries: 3
  allow_root_login: true
  restricted_group: wheel
  min_delay: 100ms
  banner: "welcome\n"
preauth:
  max_connections: 5
  grace: 30s
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":2022", cfg.Listen)
	assert.Equal(t, []string{"password"}, cfg.Auth.Methods)
	assert.Equal(t, 3, cfg.Auth.MaxTries)
	assert.True(t, cfg.Auth.AllowRootLogin)
	assert.Equal(t, "wheel", cfg.Auth.RestrictedGroup)
	assert.Equal(t, 100*time.Millisecond, cfg.Auth.MinDelay)
	assert.Equal(t, "welcome\n", cfg.Auth.Banner)
	assert.Equal(t, 5, cfg.PreAuth.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.PreAuth.Grace)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.Auth.VarDelay)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SSHWARDEN_LISTEN", ":2200")
	t.Setenv("SSHWARDEN_MAX_TRIES", "4")
	t.Setenv("SSHWARDEN_ALLOW_ROOT_LOGIN", "true")
	t.Setenv("SSHWARDEN_AUTH_METHODS", "password")
	t.Setenv("SSHWARDEN_MIN_DELAY", "50ms")
	// Keep Load away from any real config directory.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":2200", cfg.Listen)
	assert.Equal(t, 4, cfg.Auth.MaxTries)
	assert.True(t, cfg.Auth.AllowRootLogin)
	assert.Equal(t, []string{"password"}, cfg.Auth.Methods)
	assert.Equal(t, 50*time.Millisecond, cfg.Auth.MinDelay)
}

func TestBannerFile(t *testing.T) {
	dir := t.TempDir()
	bannerPath := filepath.Join(dir, "banner.txt")
	require.NoError(t, os.WriteFile(bannerPath, []byte("authorized use only\n"), 0600))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  banner_file: "+bannerPath+"\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "authorized use only\n", cfg.Auth.Banner)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*Config){
		"zero max tries": func(c *Config) { c.Auth.MaxTries = 0 },
		"negative delay": func(c *Config) { c.Auth.MinDelay = -time.Second },
		"no methods":     func(c *Config) { c.Auth.Methods = nil },
		"unknown method": func(c *Config) { c.Auth.Methods = []string{"hostbased"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
