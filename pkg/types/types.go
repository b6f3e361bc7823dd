package types

import (
	"time"

	"github.com/objectfs/objectfs/internal/config"
)

// ObjectInfo represents metadata about an object
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata"`
	Checksum     string            `json:"checksum"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Configuration type aliases re-exporting internal/config's types so callers
// that only need the shape don't have to import internal/config directly.
type (
	Configuration     = config.Configuration
	GlobalConfig      = config.GlobalConfig
	ObjectStoreConfig = config.ObjectStoreConfig
	CacheConfig       = config.CacheConfig
	SyncConfig        = config.SyncConfig
	SecurityConfig    = config.SecurityConfig
	TLSConfig         = config.TLSConfig
	MonitoringConfig  = config.MonitoringConfig
	MetricsConfig     = config.MetricsConfig
	LoggingConfig     = config.LoggingConfig
	SamplingConfig    = config.SamplingConfig
)
