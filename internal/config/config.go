// Package config loads companion configuration.
//
// A config file is YAML, or JSON with comments when its extension is
// .json or .jsonc. Missing fields take the values in Defaults; the result
// is checked with Validate before use.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"companion/internal/protocol/noise"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig `yaml:"server" json:"server"`
	Store   StoreConfig  `yaml:"store" json:"store"`
	PreKeys PreKeyConfig `yaml:"prekeys" json:"prekeys"`
	Log     LogConfig    `yaml:"log" json:"log"`
}

// ServerConfig describes the connection to the server.
type ServerConfig struct {
	// Address is host:port.
	Address string `yaml:"address" json:"address"`
	// IntroHeader is the four-byte prologue, hex encoded. Empty means the
	// protocol default.
	IntroHeader       string   `yaml:"intro_header" json:"intro_header"`
	ConnectTimeout    Duration `yaml:"connect_timeout" json:"connect_timeout"`
	KeepAliveInterval Duration `yaml:"keepalive_interval" json:"keepalive_interval"`
	QueryTimeout      Duration `yaml:"query_timeout" json:"query_timeout"`
	// QRTimeout is how long each pairing QR code is shown. Zero shows the
	// first code for a minute and later ones for 20 seconds.
	QRTimeout Duration `yaml:"qr_timeout" json:"qr_timeout"`
}

// StoreConfig selects and tunes the key store.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	// Path is the sqlite database file or the directory for the file
	// driver. Relative paths resolve against the home directory.
	Path              string   `yaml:"path" json:"path"`
	MaxCommitRetries  int      `yaml:"max_commit_retries" json:"max_commit_retries"`
	DelayBetweenTries Duration `yaml:"delay_between_tries" json:"delay_between_tries"`
	CacheTTL          Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// KDFCost is log2 of the scrypt N sealing the credentials file.
	KDFCost uint8 `yaml:"kdf_cost" json:"kdf_cost"`
}

// PreKeyConfig controls pre-key maintenance.
type PreKeyConfig struct {
	InitialCount      int      `yaml:"initial_count" json:"initial_count"`
	MinCount          int      `yaml:"min_count" json:"min_count"`
	MinUploadInterval Duration `yaml:"min_upload_interval" json:"min_upload_interval"`
	UploadTimeout     Duration `yaml:"upload_timeout" json:"upload_timeout"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Address:           "127.0.0.1:5222",
			ConnectTimeout:    Duration(20 * time.Second),
			KeepAliveInterval: Duration(30 * time.Second),
			QueryTimeout:      Duration(60 * time.Second),
		},
		Store: StoreConfig{
			Driver:            DriverSQLite,
			Path:              "keys.db",
			MaxCommitRetries:  10,
			DelayBetweenTries: Duration(3 * time.Second),
			CacheTTL:          Duration(5 * time.Minute),
			KDFCost:           15,
		},
		PreKeys: PreKeyConfig{
			InitialCount:      812,
			MinCount:          5,
			MinUploadInterval: Duration(5 * time.Second),
			UploadTimeout:     Duration(30 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, filepath.Ext(path), &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg. ext picks the format.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if _, err := c.Server.Header(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.ConnectTimeout <= 0 || c.Server.KeepAliveInterval <= 0 || c.Server.QueryTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Server.QRTimeout < 0 {
		errs = append(errs, errors.New("server.qr_timeout must not be negative"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverFile:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, file", c.Store.Driver))
	}
	if c.Store.MaxCommitRetries < 1 {
		errs = append(errs, errors.New("store.max_commit_retries must be at least 1"))
	}
	if c.Store.DelayBetweenTries < 0 || c.Store.CacheTTL < 0 {
		errs = append(errs, errors.New("store durations must not be negative"))
	}
	if c.Store.KDFCost < 10 || c.Store.KDFCost > 20 {
		errs = append(errs, fmt.Errorf("store.kdf_cost %d is outside 10..20", c.Store.KDFCost))
	}
	if c.PreKeys.MinCount < 1 || c.PreKeys.InitialCount < c.PreKeys.MinCount {
		errs = append(errs, errors.New("prekeys.initial_count must be at least prekeys.min_count, which must be positive"))
	}
	return errors.Join(errs...)
}

// Header decodes IntroHeader.
func (s ServerConfig) Header() ([]byte, error) {
	if s.IntroHeader == "" {
		return noise.DefaultIntroHeader, nil
	}
	b, err := hex.DecodeString(s.IntroHeader)
	if err != nil || len(b) != 4 {
		return nil, fmt.Errorf("server.intro_header %q must be four hex-encoded bytes", s.IntroHeader)
	}
	return b, nil
}

// ResolvePath makes p absolute relative to home.
func ResolvePath(home, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(home, p)
}
