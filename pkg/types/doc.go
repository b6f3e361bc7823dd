/*
Package types provides the core data structures shared across the metadata
cache: object metadata, cache statistics, and re-exports of the nested
configuration types defined in internal/config.

# Data Structures

ObjectInfo:
Metadata representation for a remote object — key, size, timestamps, ETag,
checksum, and custom attributes — as returned by the object store adapter's
head/list operations.

CacheStats:
Hit/miss/eviction counters and utilization for the local cache tiers.

Configuration Types:
Aliases of internal/config's nested structs (ObjectStoreConfig, CacheConfig,
SyncConfig, SecurityConfig, MonitoringConfig) so callers that only need the
shape can avoid importing internal/config directly.

# Usage

	info := &types.ObjectInfo{
		Key:          key,
		Size:         meta.Size,
		LastModified: meta.Modified,
		ETag:         meta.ETag,
	}

	cfg := &types.Configuration{
		ObjectStore: types.ObjectStoreConfig{
			Bucket: "sessions",
			Region: "us-west-2",
		},
		Cache: types.CacheConfig{
			RootDir:      "/var/cache/metacache",
			MaxBodyBytes: 2 << 30,
		},
	}
*/
package types
