package types

import (
	"context"
	"time"
)

// ObjectStore defines the object store adapter's capability surface: list,
// get, put, put-with-precondition, delete, head. The metadata cache depends
// only on this interface so a test double can stand in for the real S3
// backend.
type ObjectStore interface {
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	GetObjectWithETag(ctx context.Context, key string) ([]byte, string, error)
	PutObject(ctx context.Context, key string, data []byte) error
	PutObjectConditional(ctx context.Context, key string, data []byte, ifMatch string) (string, error)
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	ListObjectsPaginated(ctx context.Context, prefix string, pageSize int32, visit func([]ObjectInfo) bool) error
	HealthCheck(ctx context.Context) error
}

// Cache defines a generic keyed byte-range cache. No type in this module
// implements it; the session body cache (metacache.BodyCache) has its own
// whole-file Get/Put/Delete/Stats methods.
type Cache interface {
	Get(key string, offset, size int64) []byte
	Put(key string, offset int64, data []byte)
	Delete(key string)
	Evict(size int64) bool
	Size() int64
	Stats() CacheStats
}

// MetricsCollector defines the metrics collection interface.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordError(operation string, err error)
	GetMetrics() map[string]interface{}
}

