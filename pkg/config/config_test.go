package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSizeBytesParsesSuffixes(t *testing.T) {
	cases := map[string]int64{
		"1024": 1024,
		"4KB":  4 * 1024,
		"2mb":  2 * 1024 * 1024,
		"1GB":  1024 * 1024 * 1024,
	}
	for raw, want := range cases {
		var s SizeBytes
		require.NoError(t, yaml.Unmarshal([]byte(raw), &s))
		assert.Equal(t, want, s.Int64(), raw)
	}
}

func TestDurationParsesGoSyntaxAndPlainSeconds(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte("5s"), &d))
	assert.Equal(t, 5*time.Second, d.Duration())

	require.NoError(t, yaml.Unmarshal([]byte("2"), &d))
	assert.Equal(t, 2*time.Second, d.Duration())
}

func TestLoadConfigAppliesDefaultsWithoutAFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Broker.RequireAllKeys)
	assert.Equal(t, 30*time.Second, cfg.Broker.KMSTimeout.Duration())
}

func TestLoadConfigReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleshim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\nbroker:\n  require_all_keys: false\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Broker.RequireAllKeys)
}

func TestResolveMasterKeyRejectsWeakKey(t *testing.T) {
	cfg := &Config{LocalKMS: LocalKMSConfig{MasterKeyHex: strings.Repeat("00", 32)}}
	_, err := cfg.ResolveMasterKey()
	assert.Error(t, err)
}

func TestResolveMasterKeyReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.hex")
	// 32 bytes of reasonably high-entropy hex, well clear of the weak-pattern checks.
	hexKey := "3f1a9c7e2b4d8051f6a3c9e07d2b4158a0c3e6f9b2d57104c8a1e3f6092b4d7a"
	require.NoError(t, os.WriteFile(path, []byte(hexKey+"\n"), 0o600))

	cfg := &Config{LocalKMS: LocalKMSConfig{MasterKeyFile: path}}
	key, err := cfg.ResolveMasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
