package types

import (
	"context"
	"testing"
	"time"
)

// TestInterfaces verifies that our interfaces are properly structured
func TestInterfaces(t *testing.T) {
	var (
		_ ObjectStore      = (*mockObjectStore)(nil)
		_ Cache            = (*mockCache)(nil)
		_ MetricsCollector = (*mockMetricsCollector)(nil)
	)
}

// Mock implementations for testing interface compliance

type mockObjectStore struct{}

func (m *mockObjectStore) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	return nil, nil
}

func (m *mockObjectStore) GetObjectWithETag(ctx context.Context, key string) ([]byte, string, error) {
	return nil, "", nil
}

func (m *mockObjectStore) PutObject(ctx context.Context, key string, data []byte) error {
	return nil
}

func (m *mockObjectStore) PutObjectConditional(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	return "", nil
}

func (m *mockObjectStore) DeleteObject(ctx context.Context, key string) error {
	return nil
}

func (m *mockObjectStore) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	return nil, nil
}

func (m *mockObjectStore) ListObjectsPaginated(ctx context.Context, prefix string, pageSize int32, visit func([]ObjectInfo) bool) error {
	return nil
}

func (m *mockObjectStore) HealthCheck(ctx context.Context) error {
	return nil
}

type mockCache struct{}

func (m *mockCache) Get(key string, offset, size int64) []byte {
	return nil
}

func (m *mockCache) Put(key string, offset int64, data []byte) {}

func (m *mockCache) Delete(key string) {}

func (m *mockCache) Evict(size int64) bool {
	return true
}

func (m *mockCache) Size() int64 {
	return 0
}

func (m *mockCache) Stats() CacheStats {
	return CacheStats{}
}

type mockMetricsCollector struct{}

func (m *mockMetricsCollector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
}

func (m *mockMetricsCollector) RecordCacheHit(key string, size int64) {}

func (m *mockMetricsCollector) RecordCacheMiss(key string, size int64) {}

func (m *mockMetricsCollector) RecordError(operation string, err error) {}

func (m *mockMetricsCollector) GetMetrics() map[string]interface{} {
	return nil
}
