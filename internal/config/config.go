// Package config loads the relay's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultHTTPAddr      = ":8080"
	DefaultLogLevel      = "info"
	DefaultGatewayURL    = "http://127.0.0.1:8081"
	DefaultSubjectPrefix = "relay"
	DefaultCacheSize     = 50_000
	DefaultWorkers       = 8
	DefaultRateLimit     = 300
)

// Duration is a time.Duration written as a string ("30s", "2m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents relayd's config.toml.
type Config struct {
	DataDir  string          `toml:"data_dir"`
	Log      LogConfig       `toml:"log"`
	HTTP     HTTPConfig      `toml:"http"`
	Gateway  GatewayConfig   `toml:"gateway"`
	Fanout   FanoutConfig    `toml:"fanout"`
	Identity IdentityConfig  `toml:"identity"`
	Tasks    TasksConfig     `toml:"tasks"`
	Accounts []AccountConfig `toml:"accounts"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type HTTPConfig struct {
	Addr         string   `toml:"addr"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimit    int      `toml:"rate_limit"`
}

type GatewayConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	Timeout       Duration `toml:"timeout"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

type FanoutConfig struct {
	ActiveTTL     Duration `toml:"active_ttl"`
	NATSURL       string   `toml:"nats_url"`
	SubjectPrefix string   `toml:"nats_subject_prefix"`
}

type IdentityConfig struct {
	CacheSize int `toml:"cache_size"`
}

type TasksConfig struct {
	Workers int      `toml:"workers"`
	Timeout Duration `toml:"timeout"`
}

// AccountConfig is a gateway instance served by the relay. BaseURL and APIKey
// override the [gateway] values for this account.
type AccountConfig struct {
	ID       string `toml:"id"`
	Instance string `toml:"instance"`
	Name     string `toml:"name"`
	BaseURL  string `toml:"base_url,omitempty"`
	APIKey   string `toml:"api_key,omitempty"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log:     LogConfig{Level: DefaultLogLevel},
		HTTP: HTTPConfig{
			Addr:         DefaultHTTPAddr,
			ReadTimeout:  Duration{15 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
			RateLimit:    DefaultRateLimit,
		},
		Gateway: GatewayConfig{
			BaseURL: DefaultGatewayURL,
			Timeout: Duration{30 * time.Second},
		},
		Fanout: FanoutConfig{
			ActiveTTL:     Duration{2 * time.Minute},
			SubjectPrefix: DefaultSubjectPrefix,
		},
		Identity: IdentityConfig{CacheSize: DefaultCacheSize},
		Tasks: TasksConfig{
			Workers: DefaultWorkers,
			Timeout: Duration{30 * time.Second},
		},
	}
}

// DefaultDataDir returns ~/.wpp-relay.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpp-relay")
}

// DefaultPath returns the config path inside the default data directory.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load reads config from the given path on top of the defaults, then applies
// RELAY_* environment overrides. Returns error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (c *Config) applyEnv() error {
	if v, ok := getEnv("RELAY_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := getEnv("RELAY_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnv("RELAY_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := getEnv("RELAY_GATEWAY_URL"); ok {
		c.Gateway.BaseURL = v
	}
	if v, ok := getEnv("RELAY_GATEWAY_API_KEY"); ok {
		c.Gateway.APIKey = v
	}
	if v, ok := getEnv("RELAY_NATS_URL"); ok {
		c.Fanout.NATSURL = v
	}
	if v, ok := getEnv("RELAY_TASK_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_TASK_WORKERS: %w", err)
		}
		c.Tasks.Workers = n
	}
	return nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	seenID := make(map[string]bool)
	seenInstance := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" || a.Instance == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: id and instance are required", i))
			continue
		}
		if err := ValidateAccountID(a.ID); err != nil {
			errs = append(errs, fmt.Errorf("accounts[%d]: %w", i, err))
		}
		if seenID[a.ID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID))
		}
		if seenInstance[a.Instance] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate instance %q", i, a.Instance))
		}
		seenID[a.ID], seenInstance[a.Instance] = true, true
	}
	return errors.Join(errs...)
}

// DBPath returns the relay database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "relayd.log")
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "relayd.sock")
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
