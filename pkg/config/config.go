// Package config loads driver-side configuration for the encryption
// core: logging level, key-broker defaults, and the local master key
// used to unwrap Local-provider KEKs. Grounded on the teacher's
// pkg/config/config.go: a YAML struct, env overrides, and defaults.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	configMu  sync.RWMutex
	globalCfg *Config
)

// Config is the top-level driver configuration document.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Broker   BrokerConfig   `yaml:"broker"`
	LocalKMS LocalKMSConfig `yaml:"local_kms"`
}

// LoggingConfig controls the corelog.Logger built from this config.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// BrokerConfig controls key-broker defaults applied to every context a
// driver creates, unless overridden per call.
type BrokerConfig struct {
	RequireAllKeys bool      `yaml:"require_all_keys"`
	KMSTimeout     Duration  `yaml:"kms_timeout"`
	SchemaCacheMax SizeBytes `yaml:"schema_cache_max_bytes"`
}

// LocalKMSConfig configures the Local provider's master key, mirroring
// the teacher's MasterKeyFile/MasterKeyHex pair.
type LocalKMSConfig struct {
	MasterKeyFile string `yaml:"master_key_file"`
	MasterKeyHex  string `yaml:"master_key_hex"`
}

// SizeBytes is a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or a plain integer.
type SizeBytes int64

// UnmarshalYAML implements custom YAML unmarshaling for SizeBytes.
func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*s = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		*s = 0
		return nil
	}

	if strings.HasSuffix(raw, "KB") || strings.HasSuffix(raw, "kb") {
		num := strings.TrimSuffix(strings.TrimSuffix(raw, "KB"), "kb")
		if i, err := strconv.ParseInt(num, 10, 64); err == nil {
			*s = SizeBytes(i * 1024)
			return nil
		}
	}
	if strings.HasSuffix(raw, "MB") || strings.HasSuffix(raw, "mb") {
		num := strings.TrimSuffix(strings.TrimSuffix(raw, "MB"), "mb")
		if i, err := strconv.ParseInt(num, 10, 64); err == nil {
			*s = SizeBytes(i * 1024 * 1024)
			return nil
		}
	}
	if strings.HasSuffix(raw, "GB") || strings.HasSuffix(raw, "gb") {
		num := strings.TrimSuffix(strings.TrimSuffix(raw, "GB"), "gb")
		if i, err := strconv.ParseInt(num, 10, 64); err == nil {
			*s = SizeBytes(i * 1024 * 1024 * 1024)
			return nil
		}
	}

	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}

	return fmt.Errorf("invalid size value: %q", raw)
}

// Int64 returns the size in bytes.
func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration wraps time.Duration for YAML parsing from strings like "5s"
// or plain numbers (seconds).
type Duration time.Duration

// UnmarshalYAML implements custom YAML unmarshaling for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*d = Duration(0)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}

	return fmt.Errorf("invalid duration value: %q", raw)
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{Broker: BrokerConfig{RequireAllKeys: true}}

	if configPath != "" {
		if err := ValidateConfigPath(configPath); err != nil {
			return nil, fmt.Errorf("config file does not exist: %w", err)
		}
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	overrideWithEnv(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // absent config file is OK; defaults apply
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func overrideWithEnv(cfg *Config) {
	if level := os.Getenv("CORECTX_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if v := os.Getenv("CORECTX_REQUIRE_ALL_KEYS"); v != "" {
		cfg.Broker.RequireAllKeys = v == "true" || v == "1"
	}
	if f := os.Getenv("CORECTX_LOCAL_MASTER_KEY_FILE"); f != "" {
		cfg.LocalKMS.MasterKeyFile = f
	}
	if h := os.Getenv("CORECTX_LOCAL_MASTER_KEY_HEX"); h != "" {
		cfg.LocalKMS.MasterKeyHex = h
	}
}

func setDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Broker.KMSTimeout == 0 {
		cfg.Broker.KMSTimeout = Duration(30 * time.Second)
	}
}

// SetGlobalConfig stores the configuration globally, for components
// (like cmd/fleshim) that don't thread a *Config explicitly.
func SetGlobalConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	globalCfg = cfg
}

// GetGlobalConfig returns the global configuration, or nil if unset.
func GetGlobalConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalCfg
}

// ResolveMasterKey loads the 32-byte local master key named by the
// config, preferring an inline hex value over a file path.
func (c *Config) ResolveMasterKey() ([]byte, error) {
	hexKey := c.LocalKMS.MasterKeyHex
	if hexKey == "" && c.LocalKMS.MasterKeyFile != "" {
		raw, err := os.ReadFile(c.LocalKMS.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("local_kms.master_key_file: %w", err)
		}
		hexKey = strings.TrimSpace(string(raw))
	}
	if hexKey == "" {
		return nil, fmt.Errorf("no local master key configured: set local_kms.master_key_file or master_key_hex")
	}

	if err := ValidateMasterKey(hexKey); err != nil {
		return nil, fmt.Errorf("local master key: %w", err)
	}
	return hex.DecodeString(hexKey)
}
