package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "PANEFLOW_"

// LoadDotEnv loads a .env file into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays PANEFLOW_* environment variables onto cfg.
func (cfg *Config) ApplyEnv() error {
	ints := map[string]*int{
		"MAX_RETRIES_PER_FILE": &cfg.Transfer.MaxRetriesPerFile,
		"RETRY_BASE_DELAY_MS":  &cfg.Transfer.RetryBaseDelayMs,
		"RETRY_MAX_DELAY_MS":   &cfg.Transfer.RetryMaxDelayMs,
		"BREAKER_THRESHOLD":    &cfg.Breaker.Threshold,
		"MAX_RESUME_ATTEMPTS":  &cfg.Breaker.MaxResumeAttempts,
		"PROXY_PORT":           &cfg.Proxy.Port,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	strs := map[string]*string{
		"CONFLICT_POLICY": &cfg.Transfer.ConflictPolicy,
		"PROXY_MODE":      &cfg.Proxy.Mode,
		"PROXY_HOST":      &cfg.Proxy.Host,
		"PROXY_USER":      &cfg.Proxy.User,
		"PROXY_PASSWORD":  &cfg.Proxy.Password,
		"NO_PROXY":        &cfg.Proxy.NoProxy,
		"LOG_LEVEL":       &cfg.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "NOTIFICATIONS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sNOTIFICATIONS: %w", EnvPrefix, err)
		}
		cfg.Notifications.Enabled = b
	}
	return nil
}
