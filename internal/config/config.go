package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration, laid out
// as one nested struct per concern (spec.md §6: object_store, cache, sync,
// security).
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Sync        SyncConfig        `yaml:"sync"`
	Security    SecurityConfig    `yaml:"security"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ObjectStoreConfig configures the Object Store Adapter's connection to the
// remote bucket (spec.md §6 object_store.*).
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	ProxyURL  string `yaml:"proxy_url"`
	TLSVerify bool   `yaml:"tls_verify"`

	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	EnableCargoShipOptimization bool   `yaml:"enable_cargoship_optimization"`
	OptimizationLevel           string `yaml:"optimization_level"`
}

// CacheConfig configures the on-disk layout and body-cache sizing for the
// Meta Cache Manager (spec.md §6 cache.*).
type CacheConfig struct {
	RootDir      string `yaml:"root_dir"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`

	BodyCacheEvictionPolicy string        `yaml:"body_cache_eviction_policy"`
	BodyCacheTTL            time.Duration `yaml:"body_cache_ttl"`
}

// SyncConfig configures the Async Operation Manager's worker pool and the
// Meta Cache Manager's sync behavior (spec.md §6 sync.*).
type SyncConfig struct {
	Workers      int    `yaml:"workers"`
	OpTimeoutS   int    `yaml:"op_timeout_s"`
	RetryMax     int    `yaml:"retry_max"`
	OrphanPolicy string `yaml:"orphan_policy"` // "keep", "delete", or "prompt"

	HistoryRetention int `yaml:"history_retention"`
}

// SecurityConfig configures the Artifact Codec's XOR keystream derivation
// (spec.md §6 security.*).
type SecurityConfig struct {
	EncryptionKey string    `yaml:"encryption_key"`
	TLS           TLSConfig `yaml:"tls"`
}

// TLSConfig represents TLS settings for the object store connection
type TLSConfig struct {
	VerifyCertificates bool   `yaml:"verify_certificates"`
	MinVersion         string `yaml:"min_version"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool           `yaml:"structured"`
	Format     string         `yaml:"format"`
	Sampling   SamplingConfig `yaml:"sampling"`
}

// SamplingConfig represents log sampling settings
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	Rate    int  `yaml:"rate"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 9090,
		},
		ObjectStore: ObjectStoreConfig{
			Region:                       "us-east-1",
			TLSVerify:                    true,
			MaxRetries:                  3,
			ConnectTimeout:              10 * time.Second,
			RequestTimeout:              30 * time.Second,
			PoolSize:                    8,
			EnableCargoShipOptimization: true,
			OptimizationLevel:           "standard",
		},
		Cache: CacheConfig{
			RootDir:                 "~/.cache/metacache",
			MaxBodyBytes:            2 << 30, // 2GB
			BodyCacheEvictionPolicy: "weighted_lru",
			BodyCacheTTL:            5 * time.Minute,
		},
		Sync: SyncConfig{
			Workers:          3,
			OpTimeoutS:       30,
			RetryMax:         5,
			OrphanPolicy:     "prompt",
			HistoryRetention: 1000,
		},
		Security: SecurityConfig{
			EncryptionKey: "",
			TLS: TLSConfig{
				VerifyCertificates: true,
				MinVersion:         "1.2",
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "metacache",
				},
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
				Sampling: SamplingConfig{
					Enabled: true,
					Rate:    1000,
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("METACACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("METACACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("METACACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Object store settings
	if val := os.Getenv("METACACHE_OBJECT_STORE_ENDPOINT"); val != "" {
		c.ObjectStore.Endpoint = val
	}
	if val := os.Getenv("METACACHE_OBJECT_STORE_BUCKET"); val != "" {
		c.ObjectStore.Bucket = val
	}
	if val := os.Getenv("METACACHE_OBJECT_STORE_REGION"); val != "" {
		c.ObjectStore.Region = val
	}
	if val := os.Getenv("METACACHE_OBJECT_STORE_ACCESS_KEY"); val != "" {
		c.ObjectStore.AccessKey = val
	}
	if val := os.Getenv("METACACHE_OBJECT_STORE_SECRET_KEY"); val != "" {
		c.ObjectStore.SecretKey = val
	}
	if val := os.Getenv("METACACHE_OBJECT_STORE_PROXY_URL"); val != "" {
		c.ObjectStore.ProxyURL = val
	}
	if val := os.Getenv("METACACHE_OBJECT_STORE_TLS_VERIFY"); val != "" {
		c.ObjectStore.TLSVerify = strings.ToLower(val) == "true"
	}

	// Cache settings
	if val := os.Getenv("METACACHE_CACHE_ROOT_DIR"); val != "" {
		c.Cache.RootDir = val
	}
	if val := os.Getenv("METACACHE_CACHE_MAX_BODY_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MaxBodyBytes = n
		}
	}

	// Sync settings
	if val := os.Getenv("METACACHE_SYNC_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Sync.Workers = n
		}
	}
	if val := os.Getenv("METACACHE_SYNC_OP_TIMEOUT_S"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Sync.OpTimeoutS = n
		}
	}
	if val := os.Getenv("METACACHE_SYNC_RETRY_MAX"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Sync.RetryMax = n
		}
	}
	if val := os.Getenv("METACACHE_SYNC_ORPHAN_POLICY"); val != "" {
		c.Sync.OrphanPolicy = val
	}

	// Security settings
	if val := os.Getenv("METACACHE_SECURITY_ENCRYPTION_KEY"); val != "" {
		c.Security.EncryptionKey = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be greater than 0")
	}

	if c.ObjectStore.PoolSize <= 0 {
		return fmt.Errorf("object_store.pool_size must be greater than 0")
	}

	if c.Cache.RootDir == "" {
		return fmt.Errorf("cache.root_dir must be set")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validOrphanPolicies := []string{"keep", "delete", "prompt"}
	orphanValid := false
	for _, p := range validOrphanPolicies {
		if c.Sync.OrphanPolicy == p {
			orphanValid = true
			break
		}
	}
	if !orphanValid {
		return fmt.Errorf("invalid sync.orphan_policy: %s (must be one of: %s)",
			c.Sync.OrphanPolicy, strings.Join(validOrphanPolicies, ", "))
	}

	return nil
}
