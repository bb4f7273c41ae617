package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, config.Defaults().Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: chat.example:443
  keepalive_interval: 10s
store:
  driver: file
  path: keys
  max_commit_retries: 3
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example:443", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.KeepAliveInterval.Std())
	assert.Equal(t, 20*time.Second, cfg.Server.ConnectTimeout.Std())
	assert.Equal(t, config.DriverFile, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Store.MaxCommitRetries)
	assert.Equal(t, 3*time.Second, cfg.Store.DelayBetweenTries.Std())
}

func TestLoadJSONWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // local relay
  "server": {"address": "127.0.0.1:7000", "intro_header": "57410603",},
  "store": {"driver": "memory", "delay_between_tries": "250ms"},
}`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.DelayBetweenTries.Std())
	h, err := cfg.Server.Header()
	require.NoError(t, err)
	assert.Equal(t, []byte{'W', 'A', 6, 3}, h)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"driver":  func(c *config.Config) { c.Store.Driver = "redis" },
		"path":    func(c *config.Config) { c.Store.Path = "" },
		"retries": func(c *config.Config) { c.Store.MaxCommitRetries = 0 },
		"header":  func(c *config.Config) { c.Server.IntroHeader = "zz" },
		"prekeys": func(c *config.Config) { c.PreKeys.InitialCount = 1; c.PreKeys.MinCount = 5 },
		"kdf":     func(c *config.Config) { c.Store.KDFCost = 4 },
		"qr":      func(c *config.Config) { c.Server.QRTimeout = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Defaults()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBadDuration(t *testing.T) {
	var cfg config.Config
	err := config.Parse([]byte("server:\n  query_timeout: soon\n"), ".yaml", &cfg)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/home/a", "keys.db"), config.ResolvePath("/home/a", "keys.db"))
	assert.Equal(t, "/var/keys.db", config.ResolvePath("/home/a", "/var/keys.db"))
}
