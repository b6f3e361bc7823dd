// Package core wires the Object Store Adapter, Artifact Codec, Meta Cache
// Manager, and Async Operation Manager into the single entry point a caller
// (the desktop screenshot/session tool) constructs once per cache root,
// adapted from the teacher's internal/adapter/adapter.go composition root
// now that there is no FUSE mount to start or stop.
package core

import (
	"context"
	"time"

	"github.com/objectfs/objectfs/internal/asyncop"
	"github.com/objectfs/objectfs/internal/codec"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/internal/metacache"
	"github.com/objectfs/objectfs/internal/metrics"
	"github.com/objectfs/objectfs/internal/storage/s3"
	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/recovery"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// Core is the cache and synchronization core: MCM's local store, fronted by
// the AOM's worker pool, talking to the OSA over a recovery-wrapped S3
// backend.
type Core struct {
	cfg     *config.Configuration
	store   *metacache.Store
	pool    *asyncop.Pool
	metrics *metrics.Collector
	logger  *utils.StructuredLogger
}

// New validates cfg, opens the local metadata cache at cfg.Cache.RootDir,
// and (if cfg.ObjectStore.Bucket is set) connects the Object Store Adapter
// behind a recovery manager before handing it to the Meta Cache Manager.
// Metadata-only operation (no bucket configured) is supported: remote
// operations then fail with NotConfigured, per spec.md §4.3.
func New(ctx context.Context, cfg *config.Configuration) (*Core, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "invalid configuration").
			WithComponent("core").WithOperation("New").WithCause(err)
	}

	loggerCfg := utils.DefaultStructuredLoggerConfig()
	loggerCfg.Level = logLevelFromString(cfg.Global.LogLevel)
	if cfg.Global.LogFile != "" {
		loggerCfg.Rotation = &utils.RotationConfig{Filename: cfg.Global.LogFile}
	}
	logger, err := utils.NewStructuredLogger(loggerCfg)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to build logger").
			WithComponent("core").WithOperation("New").WithCause(err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Monitoring.Metrics.Enabled,
		Port:    cfg.Global.MetricsPort,
		Labels:  cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to build metrics collector").
			WithComponent("core").WithOperation("New").WithCause(err)
	}

	var osa types.ObjectStore
	if cfg.ObjectStore.Bucket != "" {
		backend, err := s3.NewBackend(ctx, cfg.ObjectStore.Bucket, &s3.Config{
			Region:                      cfg.ObjectStore.Region,
			Endpoint:                    cfg.ObjectStore.Endpoint,
			AccessKeyID:                 cfg.ObjectStore.AccessKey,
			SecretAccessKey:             cfg.ObjectStore.SecretKey,
			MaxRetries:                  cfg.ObjectStore.MaxRetries,
			ConnectTimeout:              cfg.ObjectStore.ConnectTimeout,
			RequestTimeout:              cfg.ObjectStore.RequestTimeout,
			PoolSize:                    cfg.ObjectStore.PoolSize,
			ProxyURL:                    cfg.ObjectStore.ProxyURL,
			TLSVerify:                   cfg.ObjectStore.TLSVerify,
			EnableCargoShipOptimization: cfg.ObjectStore.EnableCargoShipOptimization,
			OptimizationLevel:           cfg.ObjectStore.OptimizationLevel,
		})
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to build object store adapter").
				WithComponent("core").WithOperation("New").WithCause(err)
		}
		recoveryCfg := recovery.DefaultRecoveryConfig()
		recoveryCfg.RetryConfig.MaxAttempts = cfg.Sync.RetryMax
		recoveryCfg.Logger = logger.WithComponent("osa")
		osa = s3.NewResilientBackend(backend, recoveryCfg)
	}

	store, err := metacache.NewStore(metacache.Options{
		Cache:        cfg.Cache,
		OSA:          osa,
		Codec:        codec.New(cfg.Security.EncryptionKey),
		PublishRetry: retry.Config{MaxAttempts: cfg.Sync.RetryMax},
		Logger:       logger,
		Metrics:      collector,
	})
	if err != nil {
		return nil, err
	}

	poolCfg := asyncop.DefaultConfig()
	if cfg.Sync.Workers > 0 {
		poolCfg.Workers = cfg.Sync.Workers
	}
	if cfg.Sync.OpTimeoutS > 0 {
		poolCfg.OpTimeout = time.Duration(cfg.Sync.OpTimeoutS) * time.Second
	}
	if cfg.Sync.RetryMax > 0 {
		poolCfg.RetryConfig.MaxAttempts = cfg.Sync.RetryMax
	}
	pool := asyncop.NewPool(poolCfg, logger, collector)

	return &Core{cfg: cfg, store: store, pool: pool, metrics: collector, logger: logger}, nil
}

// Store exposes the synchronous MCM contract (list/get/put/remove/clear/
// stats/validate) for callers that don't need the AOM's async wrapping.
func (c *Core) Store() *metacache.Store { return c.store }

// SubmitPublish runs PublishSession on the AOM's worker pool, returning the
// operation ID a caller polls via Status.
func (c *Core) SubmitPublish(session *types.Session, filename string) (string, error) {
	return c.pool.Submit("publish_session", func(token asyncop.CancelToken, progress asyncop.ProgressSink) (interface{}, error) {
		return c.store.PublishSession(context.Background(), token, progress, session, filename)
	})
}

// SubmitSync runs SyncWithRemote on the AOM's worker pool using the
// configured default orphan policy.
func (c *Core) SubmitSync() (string, error) {
	policy := metacache.OrphanPolicy(c.cfg.Sync.OrphanPolicy)
	if policy == "" {
		policy = metacache.OrphanKeep
	}
	return c.pool.Submit("sync_with_remote", func(token asyncop.CancelToken, progress asyncop.ProgressSink) (interface{}, error) {
		return c.store.SyncWithRemote(context.Background(), token, progress, policy, nil)
	})
}

// SubmitRepair runs RepairCloudStructure on the AOM's worker pool.
func (c *Core) SubmitRepair() (string, error) {
	return c.pool.Submit("repair_cloud_structure", func(token asyncop.CancelToken, progress asyncop.ProgressSink) (interface{}, error) {
		return nil, c.store.RepairCloudStructure(context.Background(), token, progress)
	})
}

// SubmitRecover runs RecoverFromCorruption on the AOM's worker pool, which
// validates first because no report is passed in. The operation's result is
// nil; the post-recovery IntegrityStatus is read back via Store().Stats().
func (c *Core) SubmitRecover() (string, error) {
	return c.pool.Submit("recover_from_corruption", func(token asyncop.CancelToken, progress asyncop.ProgressSink) (interface{}, error) {
		progress.SetPhase("validating")
		return nil, c.store.RecoverFromCorruption(context.Background(), nil)
	})
}

// OperationStatus reads back a submitted operation's current status.
func (c *Core) OperationStatus(opID string) (interface{}, error) {
	return c.pool.Status(opID)
}

// CancelOperation marks a running operation cancelling; the operation's
// function observes this at its next suspension point and unwinds cleanly.
func (c *Core) CancelOperation(opID string) (bool, error) {
	return c.pool.Cancel(opID)
}

// CleanupOperations drops retained records for operations that completed
// more than the configured retention window ago, and returns the count
// removed.
func (c *Core) CleanupOperations() int {
	return c.pool.Cleanup()
}

// SystemStatus reports the AOM's worker pool occupancy and operation
// counts, for a caller's own status surface.
func (c *Core) SystemStatus() interface{} {
	return c.pool.SystemStatus()
}

// Close shuts the worker pool down, flushing any in-flight operation
// bookkeeping, then releases the local cache's disk body-cache goroutines.
func (c *Core) Close() error {
	c.pool.Close()
	return c.store.Close()
}

func logLevelFromString(level string) utils.LogLevel {
	switch level {
	case "DEBUG":
		return utils.DEBUG
	case "WARN":
		return utils.WARN
	case "ERROR":
		return utils.ERROR
	default:
		return utils.INFO
	}
}
