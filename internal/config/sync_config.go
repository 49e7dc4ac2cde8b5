package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SyncConfig holds queue, cache and reachability tunables
type SyncConfig struct {
	// ============ QUEUE ============
	MaxRetries              int  `json:"max_retries"`
	RefreshThreshold        int  `json:"refresh_threshold"` // seconds before expiry to refresh the session
	QueueResetOnKeyMismatch bool `json:"queue_reset_on_key_mismatch"`

	// ============ SCHEDULING ============
	AutoSyncEnabled  bool `json:"auto_sync_enabled"`
	AutoSyncInterval int  `json:"auto_sync_interval"` // seconds
	SyncOnStartup    bool `json:"sync_on_startup"`

	// ============ CACHE ============
	Cache CacheConfig `json:"cache"`

	// ============ REACHABILITY ============
	Reachability ReachabilityConfig `json:"reachability"`
}

// CacheConfig holds regional cache limits
type CacheConfig struct {
	MaxEntries int `json:"max_entries"`
	Expiry     int `json:"expiry"` // seconds
}

// ReachabilityConfig holds the verification lookup settings
type ReachabilityConfig struct {
	Host         string `json:"host"`
	Timeout      int    `json:"timeout"`       // milliseconds
	PollInterval int    `json:"poll_interval"` // milliseconds
}

// LoadSyncConfig loads sync configuration from a JSON file or environment
func LoadSyncConfig() (*SyncConfig, error) {
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		cfg, err := loadSyncConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load sync config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return DefaultSyncConfig(), nil
}

// loadSyncConfigFromFile overlays a JSON file on top of the defaults
func loadSyncConfigFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultSyncConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSyncConfig returns the sync configuration built from env defaults
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxRetries:              getIntEnv("SYNC_MAX_RETRIES", 3),
		RefreshThreshold:        getIntEnv("SYNC_REFRESH_THRESHOLD", 300),
		QueueResetOnKeyMismatch: getBoolEnv("QUEUE_RESET_ON_KEY_MISMATCH", false),

		AutoSyncEnabled:  getBoolEnv("SYNC_AUTO_ENABLED", true),
		AutoSyncInterval: getIntEnv("SYNC_AUTO_INTERVAL", 300),
		SyncOnStartup:    getBoolEnv("SYNC_ON_STARTUP", true),

		Cache: CacheConfig{
			MaxEntries: getIntEnv("CACHE_MAX_ENTRIES", 500),
			Expiry:     getIntEnv("CACHE_EXPIRY", 3600),
		},

		Reachability: ReachabilityConfig{
			Host:         getEnv("REACHABILITY_HOST", "google.com"),
			Timeout:      getIntEnv("REACHABILITY_TIMEOUT_MS", 5000),
			PollInterval: getIntEnv("REACHABILITY_POLL_MS", 2000),
		},
	}
}

func (c *SyncConfig) RefreshThresholdDuration() time.Duration {
	return time.Duration(c.RefreshThreshold) * time.Second
}

func (c *SyncConfig) AutoSyncIntervalDuration() time.Duration {
	return time.Duration(c.AutoSyncInterval) * time.Second
}

func (c *CacheConfig) ExpiryDuration() time.Duration {
	return time.Duration(c.Expiry) * time.Second
}

func (c *ReachabilityConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c *ReachabilityConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}
