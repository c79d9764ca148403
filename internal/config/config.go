// Package config provides configuration management for rescale-assets.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/pathutil"
)

// Stream modes
const (
	StreamWebSocket = "websocket"
	StreamKafka     = "kafka"
)

// Transfer modes
const (
	TransferMultipart = "multipart"
	TransferStaged    = "staged"
)

// Config holds everything the CLI needs to reach the validation service.
//
// Config file location: ~/.config/rescale/assets.ini
//
// INI format:
//
//	[rescale]
//	platform_url = https://platform.rescale.com
//	api_key = <token-or-api-key>
//
//	[assets]
//	transfer_mode = multipart
//	validation_timeout = 60s
//	state_dir = ~/.config/rescale
//	log_file =
//
//	[assets.stream]
//	mode = websocket
//	url = wss://platform.rescale.com/api/v3/assets/updates/
//	kafka_brokers = localhost:9092
//	kafka_topic = asset-status
//	kafka_group = rescale-assets
//
//	[assets.proxy]
//	mode = no-proxy
//	host =
//	port = 8080
//	user =
//	no_proxy =
type Config struct {
	// Rescale connection settings
	APIKey     string
	APIBaseURL string

	// Status stream
	StreamMode   string
	StreamURL    string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Tracking
	TransferMode      string
	ValidationTimeout time.Duration

	// Proxy settings. The password is never written to disk.
	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string
	ProxyWarmup   bool

	StateDir string
	LogFile  string
}

// Validation errors
var (
	ErrMissingPlatformURL   = errors.New("platform_url is required")
	ErrMissingAPIKey        = errors.New("api_key is required")
	ErrInvalidStreamMode    = errors.New("stream mode must be websocket or kafka")
	ErrMissingKafkaBrokers  = errors.New("kafka_brokers is required when stream mode is kafka")
	ErrInvalidTransferMode  = errors.New("transfer_mode must be multipart or staged")
	ErrInvalidTimeout       = errors.New("validation_timeout must be positive")
	ErrUnsupportedProxyMode = errors.New("proxy mode must be no-proxy, system, basic or ntlm")
)

// DefaultConfigDir returns ~/.config/rescale (%USERPROFILE%\.config\rescale on Windows).
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		return filepath.Join(userProfile, ".config", "rescale"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rescale"), nil
}

// DefaultConfigPath returns the default path for the assets.ini file.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "assets.ini"), nil
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	cfg := &Config{
		APIBaseURL:        "https://platform.rescale.com",
		StreamMode:        StreamWebSocket,
		KafkaTopic:        "asset-status",
		KafkaGroup:        "rescale-assets",
		TransferMode:      TransferMultipart,
		ValidationTimeout: constants.ValidationTimeout,
		ProxyMode:         "no-proxy",
		ProxyPort:         8080,
	}
	if dir, err := DefaultConfigDir(); err == nil {
		cfg.StateDir = dir
	}
	return cfg
}

// Load builds a Config from defaults, the INI file at path, a .env file in
// the working directory and RESCALE_* environment variables, in that order.
// A missing INI file is not an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		if p, err := DefaultConfigPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadINI(path); err != nil {
				return nil, err
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv()

	cfg.StateDir = pathutil.ResolveUserPath(cfg.StateDir)
	cfg.LogFile = pathutil.ResolveUserPath(cfg.LogFile)

	return cfg, nil
}

func (cfg *Config) loadINI(path string) error {
	iniFile, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rescaleSection := iniFile.Section("rescale")
	cfg.APIBaseURL = rescaleSection.Key("platform_url").MustString(cfg.APIBaseURL)
	cfg.APIKey = rescaleSection.Key("api_key").String()

	assetsSection := iniFile.Section("assets")
	cfg.TransferMode = assetsSection.Key("transfer_mode").MustString(cfg.TransferMode)
	cfg.ValidationTimeout = assetsSection.Key("validation_timeout").MustDuration(cfg.ValidationTimeout)
	cfg.StateDir = assetsSection.Key("state_dir").MustString(cfg.StateDir)
	cfg.LogFile = assetsSection.Key("log_file").String()

	streamSection := iniFile.Section("assets.stream")
	cfg.StreamMode = streamSection.Key("mode").MustString(cfg.StreamMode)
	cfg.StreamURL = streamSection.Key("url").String()
	if brokers := streamSection.Key("kafka_brokers").Strings(","); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	cfg.KafkaTopic = streamSection.Key("kafka_topic").MustString(cfg.KafkaTopic)
	cfg.KafkaGroup = streamSection.Key("kafka_group").MustString(cfg.KafkaGroup)

	proxySection := iniFile.Section("assets.proxy")
	cfg.ProxyMode = proxySection.Key("mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = proxySection.Key("host").String()
	cfg.ProxyPort = proxySection.Key("port").MustInt(cfg.ProxyPort)
	cfg.ProxyUser = proxySection.Key("user").String()
	cfg.NoProxy = proxySection.Key("no_proxy").String()
	cfg.ProxyWarmup = proxySection.Key("warmup").MustBool(false)

	return nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("RESCALE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("RESCALE_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("RESCALE_STREAM_URL"); v != "" {
		cfg.StreamURL = v
	}
	if v := os.Getenv("RESCALE_STREAM_MODE"); v != "" {
		cfg.StreamMode = v
	}
	if v := os.Getenv("RESCALE_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("RESCALE_KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv("RESCALE_PROXY_PASSWORD"); v != "" {
		cfg.ProxyPassword = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the configuration to an INI file with 0600 permissions.
// The proxy password is not persisted.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	rescaleSection, err := iniFile.NewSection("rescale")
	if err != nil {
		return fmt.Errorf("failed to create rescale section: %w", err)
	}
	rescaleSection.Key("platform_url").SetValue(cfg.APIBaseURL)
	rescaleSection.Key("api_key").SetValue(cfg.APIKey)

	assetsSection, err := iniFile.NewSection("assets")
	if err != nil {
		return fmt.Errorf("failed to create assets section: %w", err)
	}
	assetsSection.Key("transfer_mode").SetValue(cfg.TransferMode)
	assetsSection.Key("validation_timeout").SetValue(cfg.ValidationTimeout.String())
	assetsSection.Key("state_dir").SetValue(cfg.StateDir)
	assetsSection.Key("log_file").SetValue(cfg.LogFile)

	streamSection, err := iniFile.NewSection("assets.stream")
	if err != nil {
		return fmt.Errorf("failed to create stream section: %w", err)
	}
	streamSection.Key("mode").SetValue(cfg.StreamMode)
	streamSection.Key("url").SetValue(cfg.StreamURL)
	streamSection.Key("kafka_brokers").SetValue(strings.Join(cfg.KafkaBrokers, ","))
	streamSection.Key("kafka_topic").SetValue(cfg.KafkaTopic)
	streamSection.Key("kafka_group").SetValue(cfg.KafkaGroup)

	proxySection, err := iniFile.NewSection("assets.proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	proxySection.Key("mode").SetValue(cfg.ProxyMode)
	proxySection.Key("host").SetValue(cfg.ProxyHost)
	proxySection.Key("port").SetValue(fmt.Sprintf("%d", cfg.ProxyPort))
	proxySection.Key("user").SetValue(cfg.ProxyUser)
	proxySection.Key("no_proxy").SetValue(cfg.NoProxy)
	proxySection.Key("warmup").SetValue(fmt.Sprintf("%t", cfg.ProxyWarmup))

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks that the configuration is usable for uploads.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return ErrMissingPlatformURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return ErrMissingAPIKey
	}
	switch cfg.StreamMode {
	case StreamWebSocket:
	case StreamKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return ErrMissingKafkaBrokers
		}
	default:
		return ErrInvalidStreamMode
	}
	switch cfg.TransferMode {
	case TransferMultipart, TransferStaged:
	default:
		return ErrInvalidTransferMode
	}
	if cfg.ValidationTimeout <= 0 {
		return ErrInvalidTimeout
	}
	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return ErrUnsupportedProxyMode
	}
	return nil
}

// ResolvedStreamURL returns StreamURL, or the WebSocket endpoint derived from
// the platform URL when none is configured.
func (cfg *Config) ResolvedStreamURL() (string, error) {
	if cfg.StreamURL != "" {
		return cfg.StreamURL, nil
	}
	u, err := url.Parse(strings.TrimRight(cfg.APIBaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid platform_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v3/assets/updates/"
	return u.String(), nil
}

// SnapshotPath returns where the last batch's registry snapshot is stored.
func (cfg *Config) SnapshotPath() string {
	return filepath.Join(cfg.StateDir, "assets", "last.msgpack")
}
