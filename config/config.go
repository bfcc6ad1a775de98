// Package config persists the local device settings in config.json under the
// per-user data directory.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"openshare/manifest"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "openshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "OPENSHARE_DATA_DIR"
	// DefaultListenPort is the TCP port used when no user override exists.
	DefaultListenPort = 9876
	// DefaultAccount is used until init binds the device to an account.
	DefaultAccount = "default"
	// DefaultLogLevel is the logrus level applied when none is configured.
	DefaultLogLevel = "info"
	// DefaultSecurityEventRetentionDays is how long security events are kept.
	DefaultSecurityEventRetentionDays = 90
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ErrNotInitialized is returned by Load when config.json does not exist yet.
var ErrNotInitialized = errors.New("config: device not initialized, run 'openshare init' first")

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string `json:"device_id"`
	DeviceName            string `json:"device_name"`
	AccountID             string `json:"account_id"`
	AccountHash           string `json:"account_hash"`
	ListenPort            int    `json:"listen_port"`
	ChunkSize             int    `json:"chunk_size"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
	ChunksDir             string `json:"chunks_dir"`
	ManifestsDir          string `json:"manifests_dir"`
	DownloadsDir          string `json:"downloads_dir"`
	DatabasePath          string `json:"database_path"`
	MetricsAddress        string `json:"metrics_address,omitempty"`
	LogLevel              string `json:"log_level"`

	SecurityEventRetentionDays int `json:"security_event_retention_days"`
}

// AccountHash returns the discovery hash of an account: the first 8 bytes of
// its SHA-256 digest, hex encoded.
func AccountHash(account string) string {
	sum := sha256.Sum256([]byte(account))
	return hex.EncodeToString(sum[:8])
}

// SetAccount binds the device to account and refreshes the announced hash.
func (c *DeviceConfig) SetAccount(account string) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return errors.New("account is required")
	}
	c.AccountID = account
	c.AccountHash = AccountHash(account)
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If OPENSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "chunks"),
		filepath.Join(dataDir, "manifests"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w (%s)", ErrNotInitialized, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreateAt ensures directories and config exist in dataDir, then returns
// both. Missing fields of an existing config are filled in and persisted.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, ErrNotInitialized) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "OpenShare Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.AccountID, DefaultAccount)
	if hash := AccountHash(cfg.AccountID); cfg.AccountHash != hash {
		cfg.AccountHash = hash
		updated = true
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > manifest.MaxChunkSize {
		cfg.ChunkSize = manifest.DefaultChunkSize
		updated = true
	}

	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))
	setString(&cfg.ChunksDir, filepath.Join(dataDir, "chunks"))
	setString(&cfg.ManifestsDir, filepath.Join(dataDir, "manifests"))
	setString(&cfg.DownloadsDir, filepath.Join(dataDir, "downloads"))
	setString(&cfg.DatabasePath, filepath.Join(dataDir, "openshare.db"))

	if cfg.SecurityEventRetentionDays <= 0 {
		cfg.SecurityEventRetentionDays = DefaultSecurityEventRetentionDays
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
