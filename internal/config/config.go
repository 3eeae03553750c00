// Package config provides configuration management for paneflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/paneflow/paneflow/internal/constants"
)

// Config is the engine configuration.
//
// Config file location:
//   - Windows: %APPDATA%\paneflow\paneflow.conf
//   - Unix: ~/.config/paneflow/paneflow.conf
//
// INI format:
//
//	[transfer]
//	max_retries_per_file = 2
//	retry_base_delay_ms = 1000
//	retry_max_delay_ms = 30000
//	conflict_policy = ask
//
//	[breaker]
//	threshold = 3
//	max_resume_attempts = 3
//
//	[notifications]
//	enabled = true
//	breaker_open = true
//	batch_complete = true
//
//	[proxy]
//	mode = no-proxy
//	host =
//	port = 0
//	user =
//	no_proxy =
//
//	[log]
//	level = info
type Config struct {
	Transfer      TransferConfig
	Breaker       BreakerConfig
	Notifications NotificationConfig
	Proxy         ProxyConfig
	Log           LogConfig
}

// TransferConfig contains per-item retry and conflict settings.
type TransferConfig struct {
	// MaxRetriesPerFile is the number of automatic retries after the first attempt.
	// Minimum: 0, Maximum: 10, Default: 2
	MaxRetriesPerFile int `ini:"max_retries_per_file"`

	// RetryBaseDelayMs is the delay before the first retry, doubled per attempt.
	RetryBaseDelayMs int `ini:"retry_base_delay_ms"`

	// RetryMaxDelayMs caps the retry delay.
	RetryMaxDelayMs int `ini:"retry_max_delay_ms"`

	// ConflictPolicy is used when no interactive prompter is available.
	// One of: ask, overwrite, skip, newer, larger
	ConflictPolicy string `ini:"conflict_policy"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	// Threshold is the number of consecutive exhausted retry groups that opens the breaker.
	// Minimum: 1, Maximum: 100, Default: 3
	Threshold int `ini:"threshold"`

	// MaxResumeAttempts bounds resumes on the same item before the batch auto-cancels.
	MaxResumeAttempts int `ini:"max_resume_attempts"`
}

// NotificationConfig contains desktop notification settings.
type NotificationConfig struct {
	Enabled       bool `ini:"enabled"`
	BreakerOpen   bool `ini:"breaker_open"`
	BatchComplete bool `ini:"batch_complete"`
}

// ProxyConfig contains HTTP proxy settings for HTTP based backends.
type ProxyConfig struct {
	// Mode is one of: no-proxy, system, basic, ntlm
	Mode     string `ini:"mode"`
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"-"`
	NoProxy  string `ini:"no_proxy"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `ini:"level"`
}

// Validation errors
var (
	ErrInvalidMaxRetries     = errors.New("max_retries_per_file must be between 0 and 10")
	ErrInvalidRetryDelay     = errors.New("retry delays must be positive and base must not exceed max")
	ErrInvalidConflictPolicy = errors.New("conflict_policy must be one of ask, overwrite, skip, newer, larger")
	ErrInvalidThreshold      = errors.New("breaker threshold must be between 1 and 100")
	ErrInvalidResumeAttempts = errors.New("max_resume_attempts must be between 1 and 100")
	ErrInvalidProxyMode      = errors.New("proxy mode must be one of no-proxy, system, basic, ntlm")
	ErrProxyHostRequired     = errors.New("proxy host is required for basic and ntlm modes")
)

var conflictPolicies = map[string]bool{
	"ask": true, "overwrite": true, "skip": true, "newer": true, "larger": true,
}

var proxyModes = map[string]bool{
	"": true, "no-proxy": true, "system": true, "basic": true, "ntlm": true,
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Transfer: TransferConfig{
			MaxRetriesPerFile: constants.MaxRetriesPerFile,
			RetryBaseDelayMs:  int(constants.RetryBaseDelay / time.Millisecond),
			RetryMaxDelayMs:   int(constants.RetryMaxDelay / time.Millisecond),
			ConflictPolicy:    "ask",
		},
		Breaker: BreakerConfig{
			Threshold:         constants.BreakerThreshold,
			MaxResumeAttempts: constants.MaxResumeAttempts,
		},
		Notifications: NotificationConfig{
			Enabled:       true,
			BreakerOpen:   true,
			BatchComplete: true,
		},
		Proxy: ProxyConfig{
			Mode: "no-proxy",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default path for paneflow.conf.
func DefaultPath() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", errors.New("neither APPDATA nor USERPROFILE environment variable set")
			}
			appData = filepath.Join(userProfile, "AppData", "Roaming")
		}
		return filepath.Join(appData, "paneflow", "paneflow.conf"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "paneflow", "paneflow.conf"), nil
}

// Load reads configuration from path. An empty path uses DefaultPath.
// A missing file yields defaults and no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	sections := []struct {
		name   string
		target interface{}
	}{
		{"transfer", &cfg.Transfer},
		{"breaker", &cfg.Breaker},
		{"notifications", &cfg.Notifications},
		{"proxy", &cfg.Proxy},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if !iniFile.HasSection(s.name) {
			continue
		}
		if err := iniFile.Section(s.name).MapTo(s.target); err != nil {
			return nil, fmt.Errorf("failed to parse [%s]: %w", s.name, err)
		}
	}

	return cfg, nil
}

// Save writes cfg to path with owner-only permissions. An empty path uses DefaultPath.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sections := []struct {
		name   string
		source interface{}
	}{
		{"transfer", &cfg.Transfer},
		{"breaker", &cfg.Breaker},
		{"notifications", &cfg.Notifications},
		{"proxy", &cfg.Proxy},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		sec, err := iniFile.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		if err := sec.ReflectFrom(s.source); err != nil {
			return fmt.Errorf("failed to write [%s]: %w", s.name, err)
		}
	}

	// temporary file + rename for atomicity
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

// Validate checks the configuration and returns the first problem found.
func (cfg *Config) Validate() error {
	t := cfg.Transfer
	if t.MaxRetriesPerFile < 0 || t.MaxRetriesPerFile > 10 {
		return ErrInvalidMaxRetries
	}
	if t.RetryBaseDelayMs <= 0 || t.RetryMaxDelayMs <= 0 || t.RetryBaseDelayMs > t.RetryMaxDelayMs {
		return ErrInvalidRetryDelay
	}
	if !conflictPolicies[strings.ToLower(t.ConflictPolicy)] {
		return ErrInvalidConflictPolicy
	}
	if cfg.Breaker.Threshold < 1 || cfg.Breaker.Threshold > 100 {
		return ErrInvalidThreshold
	}
	if cfg.Breaker.MaxResumeAttempts < 1 || cfg.Breaker.MaxResumeAttempts > 100 {
		return ErrInvalidResumeAttempts
	}
	mode := strings.ToLower(cfg.Proxy.Mode)
	if !proxyModes[mode] {
		return ErrInvalidProxyMode
	}
	if (mode == "basic" || mode == "ntlm") && strings.TrimSpace(cfg.Proxy.Host) == "" {
		return ErrProxyHostRequired
	}
	return nil
}

// RetryBaseDelay returns the configured base delay as a duration.
func (cfg *Config) RetryBaseDelay() time.Duration {
	return time.Duration(cfg.Transfer.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the configured delay cap as a duration.
func (cfg *Config) RetryMaxDelay() time.Duration {
	return time.Duration(cfg.Transfer.RetryMaxDelayMs) * time.Millisecond
}

// NeedsProxyPassword reports whether the proxy mode requires a password that was not provided.
func (cfg *Config) NeedsProxyPassword() bool {
	mode := strings.ToLower(cfg.Proxy.Mode)
	if mode != "basic" && mode != "ntlm" {
		return false
	}
	return cfg.Proxy.User != "" && cfg.Proxy.Password == ""
}
