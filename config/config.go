package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "keysign"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "KEYSIGN_DATA_DIR"
	// DefaultListeningPort is the key server port used in fixed mode when none is set.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultServiceType is the mDNS service type keysign advertises and browses.
	DefaultServiceType = "_gnome-keysign._tcp"
	// DefaultAttemptTimeoutSeconds bounds a single download attempt.
	DefaultAttemptTimeoutSeconds = 5
	// DefaultDownloadTimeoutSeconds bounds a whole fingerprint lookup.
	DefaultDownloadTimeoutSeconds = 60
	// DefaultMaxKeySize bounds bytes read from one peer.
	DefaultMaxKeySize = 1 << 20
	// DefaultSecurityEventRetentionDays is how long security events are kept.
	DefaultSecurityEventRetentionDays = 90
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                   string `json:"device_id"`
	DeviceName                 string `json:"device_name"`
	PortMode                   string `json:"port_mode"`
	ListeningPort              int    `json:"listening_port"`
	KeyringDir                 string `json:"keyring_dir"`
	OutboxDir                  string `json:"outbox_dir"`
	ServiceType                string `json:"service_type"`
	AttemptTimeoutSeconds      int    `json:"attempt_timeout_seconds"`
	DownloadTimeoutSeconds     int    `json:"download_timeout_seconds"`
	MaxKeySize                 int64  `json:"max_key_size"`
	SecurityEventRetentionDays int    `json:"security_event_retention_days"`
	LogLevel                   string `json:"log_level"`
	LogFormat                  string `json:"log_format"`
	MetricsAddress             string `json:"metrics_address,omitempty"`
}

// AttemptTimeout returns the per-peer download bound.
func (c *DeviceConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// DownloadTimeout returns the whole-lookup bound.
func (c *DeviceConfig) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// SecurityEventRetention returns the security-event pruning horizon.
func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ServerPort returns the port the key server binds; 0 means ephemeral.
func (c *DeviceConfig) ServerPort() int {
	if c.PortMode == PortModeFixed {
		return c.ListeningPort
	}
	return 0
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If KEYSIGN_DATA_DIR is set, its value is used as an explicit override.
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
		filepath.Join(dataDir, "keyring"),
		filepath.Join(dataDir, "outbox"),
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

// LoadOrCreate ensures directories and config exist, then returns the config
// and the data directory it lives in.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Keysign Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.KeyringDir, filepath.Join(dataDir, "keyring"))
	setString(&cfg.OutboxDir, filepath.Join(dataDir, "outbox"))
	setString(&cfg.ServiceType, DefaultServiceType)
	setString(&cfg.LogLevel, "info")
	setString(&cfg.LogFormat, "console")
	setInt(&cfg.AttemptTimeoutSeconds, DefaultAttemptTimeoutSeconds)
	setInt(&cfg.DownloadTimeoutSeconds, DefaultDownloadTimeoutSeconds)
	setInt(&cfg.SecurityEventRetentionDays, DefaultSecurityEventRetentionDays)
	if cfg.MaxKeySize <= 0 {
		cfg.MaxKeySize = DefaultMaxKeySize
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
