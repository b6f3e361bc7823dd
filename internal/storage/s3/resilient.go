package s3

import (
	"context"

	"github.com/objectfs/objectfs/pkg/recovery"
	"github.com/objectfs/objectfs/pkg/types"
)

// ResilientBackend wraps any types.ObjectStore (normally a *Backend) with
// the recovery manager's retry/circuit-breaker dispatch: retry on Transient,
// switch to the circuit breaker after three failed calls in a row of any
// kind, surface everything else as-is. MCM and AOM only ever see the
// types.ObjectStore interface, so wrapping here is invisible to callers.
type ResilientBackend struct {
	inner types.ObjectStore
	rm    *recovery.RecoveryManager
}

// NewResilientBackend wraps inner with a recovery manager built from cfg. A
// zero cfg falls back to recovery.DefaultRecoveryConfig().
func NewResilientBackend(inner types.ObjectStore, cfg recovery.RecoveryConfig) *ResilientBackend {
	if cfg.RetryConfig.MaxAttempts <= 0 {
		logger := cfg.Logger
		cfg = recovery.DefaultRecoveryConfig()
		cfg.Logger = logger
	}
	return &ResilientBackend{inner: inner, rm: recovery.NewRecoveryManager(cfg)}
}

const resilientComponent = "osa"

func (r *ResilientBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	result, err := r.rm.ExecuteWithResult(ctx, resilientComponent, "get_object", func() (interface{}, error) {
		return r.inner.GetObject(ctx, key, offset, size)
	})
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte)
	return data, nil
}

func (r *ResilientBackend) GetObjectWithETag(ctx context.Context, key string) ([]byte, string, error) {
	type withETag struct {
		data []byte
		etag string
	}
	result, err := r.rm.ExecuteWithResult(ctx, resilientComponent, "get_object_with_etag", func() (interface{}, error) {
		data, etag, err := r.inner.GetObjectWithETag(ctx, key)
		return withETag{data, etag}, err
	})
	if err != nil {
		return nil, "", err
	}
	got, _ := result.(withETag)
	return got.data, got.etag, nil
}

func (r *ResilientBackend) PutObject(ctx context.Context, key string, data []byte) error {
	return r.rm.Execute(ctx, resilientComponent, "put_object", func() error {
		return r.inner.PutObject(ctx, key, data)
	})
}

// PutObjectConditional is deliberately NOT retried by the recovery manager:
// a PreconditionFailed here means the manifest CAS lost a race, and the
// caller (metacache.Store.publishManifestEntry) re-reads the etag and
// retries the splice itself. Blindly retrying the same stale etag here
// would just spin.
func (r *ResilientBackend) PutObjectConditional(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	return r.inner.PutObjectConditional(ctx, key, data, ifMatch)
}

func (r *ResilientBackend) DeleteObject(ctx context.Context, key string) error {
	return r.rm.Execute(ctx, resilientComponent, "delete_object", func() error {
		return r.inner.DeleteObject(ctx, key)
	})
}

func (r *ResilientBackend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	result, err := r.rm.ExecuteWithResult(ctx, resilientComponent, "head_object", func() (interface{}, error) {
		return r.inner.HeadObject(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	info, _ := result.(*types.ObjectInfo)
	return info, nil
}

func (r *ResilientBackend) ListObjectsPaginated(ctx context.Context, prefix string, pageSize int32, visit func([]types.ObjectInfo) bool) error {
	return r.rm.Execute(ctx, resilientComponent, "list_objects", func() error {
		return r.inner.ListObjectsPaginated(ctx, prefix, pageSize, visit)
	})
}

func (r *ResilientBackend) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

// CircuitStats reports the embedded recovery manager's active-recovery count
// and total recovery attempts, exposed for the caller's own status surface.
// Breaker states are not included.
func (r *ResilientBackend) CircuitStats() map[string]interface{} {
	stats := r.rm.GetRecoveryStats()
	return map[string]interface{}{
		"active_recoveries": stats.ActiveRecoveries,
		"total_attempts":    stats.TotalAttempts,
	}
}
