package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env       string
	DataDir   string
	LogLevel  string
	LogFormat string
	HTTPAddr  string
	APIToken  string // optional bearer token guarding the local API
	Database  DatabaseConfig
	Remote    RemoteConfig
	Keystore  KeystoreConfig
}

// DatabaseConfig selects the local store backend.
// Driver "sqlite" (default) keeps everything in one file under DataDir;
// "postgres" uses DSN and is meant for desktop/dev runs of the core.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
	Debug  bool
}

// RemoteConfig holds the backend endpoints
type RemoteConfig struct {
	BaseURL        string
	APIKey         string
	TokenURL       string
	MediaBucket    string
	RequestTimeout time.Duration
	FetchRetries   int
	AccessToken    string
	RefreshToken   string
}

// KeystoreConfig selects where the store encryption key lives
type KeystoreConfig struct {
	Backend  string // keyring, file
	Service  string
	Account  string
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ECOSYNC_DATA_DIR", defaultDataDir())

	cfg := &Config{
		Env:       getEnv("APP_ENV", "development"),
		DataDir:   dataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		HTTPAddr:  getEnv("HTTP_ADDR", "127.0.0.1:3211"),
		APIToken:  os.Getenv("LOCAL_API_TOKEN"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", filepath.Join(dataDir, "ecosync.db")),
			DSN:    os.Getenv("DB_DSN"),
			Debug:  getBoolEnv("DB_DEBUG", false),
		},
		Remote: RemoteConfig{
			BaseURL:        strings.TrimRight(os.Getenv("REMOTE_BASE_URL"), "/"),
			APIKey:         os.Getenv("REMOTE_API_KEY"),
			TokenURL:       os.Getenv("REMOTE_TOKEN_URL"),
			MediaBucket:    getEnv("REMOTE_MEDIA_BUCKET", "report-images"),
			RequestTimeout: getDurationEnv("REMOTE_TIMEOUT", 20*time.Second),
			FetchRetries:   getIntEnv("REMOTE_FETCH_RETRIES", 3),
			AccessToken:    os.Getenv("REMOTE_ACCESS_TOKEN"),
			RefreshToken:   os.Getenv("REMOTE_REFRESH_TOKEN"),
		},
		Keystore: KeystoreConfig{
			Backend:  strings.ToLower(getEnv("KEYSTORE_BACKEND", "keyring")),
			Service:  getEnv("KEYSTORE_SERVICE", "ecosync"),
			Account:  getEnv("KEYSTORE_ACCOUNT", "store-key"),
			FilePath: getEnv("KEYSTORE_FILE", filepath.Join(dataDir, "store.key")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations that cannot work at runtime
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("DB_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	switch c.Keystore.Backend {
	case "keyring", "file":
	default:
		return fmt.Errorf("unsupported KEYSTORE_BACKEND %q", c.Keystore.Backend)
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ecosync")
	}
	return "./ecosync_data"
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
