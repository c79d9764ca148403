package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RESCALE_API_KEY", "RESCALE_API_URL", "RESCALE_STREAM_URL", "RESCALE_STREAM_MODE",
		"RESCALE_KAFKA_BROKERS", "RESCALE_KAFKA_TOPIC", "RESCALE_PROXY_PASSWORD",
	} {
		t.Setenv(k, "")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "https://platform.rescale.com", cfg.APIBaseURL)
	assert.Equal(t, StreamWebSocket, cfg.StreamMode)
	assert.Equal(t, TransferMultipart, cfg.TransferMode)
	assert.Equal(t, 60*time.Second, cfg.ValidationTimeout)
	assert.Equal(t, "no-proxy", cfg.ProxyMode)
}

func TestSaveAndLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "assets.ini")

	cfg := NewConfig()
	cfg.APIKey = "test-api-key-12345"
	cfg.APIBaseURL = "https://test.rescale.com"
	cfg.StreamMode = StreamKafka
	cfg.KafkaBrokers = []string{"b1:9092", "b2:9092"}
	cfg.KafkaTopic = "status"
	cfg.ValidationTimeout = 90 * time.Second
	cfg.ProxyMode = "basic"
	cfg.ProxyHost = "proxy.local"
	cfg.ProxyPassword = "secret"
	cfg.StateDir = "/tmp/state"

	require.NoError(t, Save(cfg, path))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.APIKey, loaded.APIKey)
	assert.Equal(t, cfg.APIBaseURL, loaded.APIBaseURL)
	assert.Equal(t, StreamKafka, loaded.StreamMode)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, loaded.KafkaBrokers)
	assert.Equal(t, "status", loaded.KafkaTopic)
	assert.Equal(t, 90*time.Second, loaded.ValidationTimeout)
	assert.Equal(t, "proxy.local", loaded.ProxyHost)
	assert.Equal(t, "/tmp/state", loaded.StateDir)
	assert.Empty(t, loaded.ProxyPassword, "proxy password must not be persisted")
}

func TestLoad_NonExistent(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("/path/that/does/not/exist/assets.ini")
	require.NoError(t, err)
	assert.Equal(t, "https://platform.rescale.com", cfg.APIBaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESCALE_API_KEY", "from-env")
	t.Setenv("RESCALE_STREAM_MODE", "kafka")
	t.Setenv("RESCALE_KAFKA_BROKERS", "a:1, b:2,")

	path := filepath.Join(t.TempDir(), "assets.ini")
	cfg := NewConfig()
	cfg.APIKey = "from-file"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", loaded.APIKey)
	assert.Equal(t, StreamKafka, loaded.StreamMode)
	assert.Equal(t, []string{"a:1", "b:2"}, loaded.KafkaBrokers)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig()
		cfg.APIKey = "key"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"missing platform url", func(c *Config) { c.APIBaseURL = " " }, ErrMissingPlatformURL},
		{"missing api key", func(c *Config) { c.APIKey = "" }, ErrMissingAPIKey},
		{"bad stream mode", func(c *Config) { c.StreamMode = "poll" }, ErrInvalidStreamMode},
		{"kafka without brokers", func(c *Config) { c.StreamMode = StreamKafka }, ErrMissingKafkaBrokers},
		{"bad transfer mode", func(c *Config) { c.TransferMode = "ftp" }, ErrInvalidTransferMode},
		{"zero timeout", func(c *Config) { c.ValidationTimeout = 0 }, ErrInvalidTimeout},
		{"bad proxy mode", func(c *Config) { c.ProxyMode = "socks" }, ErrUnsupportedProxyMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolvedStreamURL(t *testing.T) {
	cfg := NewConfig()
	u, err := cfg.ResolvedStreamURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://platform.rescale.com/api/v3/assets/updates/", u)

	cfg.APIBaseURL = "http://127.0.0.1:8089/"
	u, err = cfg.ResolvedStreamURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8089/api/v3/assets/updates/", u)

	cfg.StreamURL = "ws://elsewhere/updates"
	u, err = cfg.ResolvedStreamURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://elsewhere/updates", u)
}

func TestSnapshotPath(t *testing.T) {
	cfg := &Config{StateDir: "/var/lib/rescale"}
	assert.Equal(t, filepath.Join("/var/lib/rescale", "assets", "last.msgpack"), cfg.SnapshotPath())
}

func TestLoad_ExpandsHomeInPaths(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "assets.ini")
	ini := "[assets]\nstate_dir = ~/rescale-state\nlog_file = logs/assets.log\n"
	require.NoError(t, os.WriteFile(path, []byte(ini), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StateDir), cfg.StateDir)
	assert.Equal(t, "rescale-state", filepath.Base(cfg.StateDir))
	assert.True(t, filepath.IsAbs(cfg.LogFile), cfg.LogFile)
}
