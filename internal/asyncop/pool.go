package asyncop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/status"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

// CancelToken is handed to a submitted Func so it can observe cancellation
// at its documented suspension points without the pool needing to know
// anything about the operation's internal steps.
type CancelToken struct {
	ctx context.Context
}

// Context returns the token's underlying context, for passing to OSA calls
// that take a deadline or cancellation signal.
func (t CancelToken) Context() context.Context {
	return t.ctx
}

// Canceled reports whether cancellation has been requested. Func
// implementations check this between sub-steps (per §5's suspension
// points) and return errors.KindCancelled promptly when it is true.
func (t CancelToken) Canceled() bool {
	if t.ctx == nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// NewCancelToken wraps ctx as a CancelToken for a caller driving a
// cancellation-aware operation (SyncWithRemote, PublishSession,
// RepairCloudStructure) directly, outside of a Pool's Submit.
func NewCancelToken(ctx context.Context) CancelToken {
	return CancelToken{ctx: ctx}
}

// ProgressSink lets a submitted Func report progress back through the
// pool's Tracker without holding a reference to the Tracker itself.
type ProgressSink struct {
	tracker *status.Tracker
	opID    string
}

// Update reports current/total progress in the given unit (e.g. "indexes",
// "bytes").
func (s ProgressSink) Update(current, total int64, unit string) {
	if s.tracker == nil {
		return
	}
	_ = s.tracker.UpdateProgress(s.opID, current, total, unit)
}

// SetPhase reports the operation's current named phase (e.g. "fetching",
// "revalidating", "rewriting-manifest").
func (s ProgressSink) SetPhase(phase string) {
	if s.tracker == nil {
		return
	}
	_ = s.tracker.SetPhase(s.opID, phase)
}

// SetMessage reports a free-form human-readable status line.
func (s ProgressSink) SetMessage(message string) {
	if s.tracker == nil {
		return
	}
	_ = s.tracker.SetMessage(s.opID, message)
}

// NewProgressSink wraps tracker/opID as a ProgressSink for a caller driving
// an operation directly, outside of a Pool's Submit. A nil tracker yields a
// ProgressSink whose calls are silently no-ops, for tests and fire-and-forget
// callers that don't need progress reporting.
func NewProgressSink(tracker *status.Tracker, opID string) ProgressSink {
	return ProgressSink{tracker: tracker, opID: opID}
}

// Func is the work a submitted operation performs. It must check token at
// its suspension points and return promptly once canceled; the pool
// classifies the operation as cancelled rather than failed when it observes
// ctx cancellation, regardless of the error Func returns.
type Func func(token CancelToken, progress ProgressSink) (interface{}, error)

// Config configures a Pool.
type Config struct {
	// Workers bounds the number of operations the pool runs concurrently.
	Workers int

	// RetryConfig governs the per-operation Transient-error retry policy.
	RetryConfig retry.Config

	// OpTimeout bounds a single operation's wall-clock time; zero disables
	// the per-operation deadline.
	OpTimeout time.Duration

	// RetentionSeconds is how long a terminal operation's record is kept
	// before Cleanup discards it. Zero disables time-based retention
	// (only the Tracker's count-based history cap applies).
	RetentionSeconds int

	// MemorySoftCapBytes bounds the approximate total size of retained
	// Result payloads; Cleanup drops the oldest ones first once exceeded.
	// Zero disables the cap.
	MemorySoftCapBytes int64
}

// DefaultConfig returns the pool configuration spec.md §6 documents:
// 3 workers, 30s per-operation timeout, the package retry default (base 1s,
// factor 2, up to 5 attempts).
func DefaultConfig() Config {
	return Config{
		Workers:            3,
		RetryConfig:        retry.DefaultConfig(),
		OpTimeout:          30 * time.Second,
		RetentionSeconds:   3600,
		MemorySoftCapBytes: 16 << 20,
	}
}

// Pool is the Async Operation Manager's bounded worker pool.
type Pool struct {
	cfg     Config
	tracker *status.Tracker
	retryer *retry.Retryer
	logger  *utils.StructuredLogger
	metrics types.MetricsCollector

	sem     chan struct{}
	wg      sync.WaitGroup
	closeCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPool constructs a Pool. logger and metrics may be nil.
func NewPool(cfg Config, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if logger != nil {
		logger = logger.WithComponent("asyncop")
	}

	return &Pool{
		cfg:     cfg,
		tracker: status.NewTracker(status.DefaultTrackerConfig()),
		retryer: retry.New(cfg.RetryConfig),
		logger:  logger,
		metrics: metrics,
		sem:     make(chan struct{}, cfg.Workers),
		closeCh: make(chan struct{}),
	}
}

// Submit enqueues fn under kind and returns its operation ID immediately;
// the operation starts running as soon as a worker slot frees up. kind is
// an opaque label ("sync", "rebuild_all_indexes", "repair_cloud_structure",
// "publish") surfaced in status snapshots and metrics.
func (p *Pool) Submit(kind string, fn Func) (string, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", errors.New(errors.KindFatal, "pool is closed").
			WithComponent("asyncop").WithOperation("Submit")
	}

	op := p.tracker.Enqueue(kind, nil)

	p.wg.Add(1)
	go p.dispatch(op.ID, kind, fn)

	return op.ID, nil
}

// Cancel requests cancellation of opID. An operation still waiting for a
// worker slot is cancelled immediately; a running operation transitions to
// cancelling and terminates at its next cooperative checkpoint. Returns
// false if opID names an operation that has already reached a terminal
// state.
func (p *Pool) Cancel(opID string) (bool, error) {
	canceled, err := p.tracker.CancelPending(opID)
	if err != nil {
		return false, err
	}
	if canceled {
		return true, nil
	}

	if err := p.tracker.RequestCancellation(opID); err != nil {
		return false, err
	}
	return true, nil
}

// Status returns a snapshot of opID, whether it is active or has already
// completed (history lookup).
func (p *Pool) Status(opID string) (*status.Operation, error) {
	if op, err := p.tracker.GetOperation(opID); err == nil {
		return op, nil
	}

	for _, op := range p.tracker.GetHistory(0) {
		if op.ID == opID {
			return op, nil
		}
	}

	return nil, errors.New(errors.KindNotFound, "operation not found").
		WithComponent("asyncop").WithOperation("Status").WithContext("operation_id", opID)
}

// SystemStatus returns a snapshot of active/queued operation counts.
func (p *Pool) SystemStatus() *status.SystemStatus {
	return p.tracker.GetSystemStatus()
}

// Cleanup discards terminal operation records older than RetentionSeconds,
// then drops Result payloads from the oldest remaining history entries
// until retained size is back under MemorySoftCapBytes. Returns the number
// of records discarded entirely.
func (p *Pool) Cleanup() int {
	history := p.tracker.GetHistory(0)

	dropped := 0
	if p.cfg.RetentionSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(p.cfg.RetentionSeconds) * time.Second)
		keep := len(history)
		for i, op := range history {
			if op.EndTime != nil && op.EndTime.Before(cutoff) {
				keep = i
				break
			}
		}
		dropped = p.tracker.Cleanup(keep)
		history = history[:keep]
	}

	p.enforceMemoryCap(history)
	return dropped
}

// enforceMemoryCap drops Result payloads, oldest first, until the
// approximate retained size is under the configured soft cap.
func (p *Pool) enforceMemoryCap(history []*status.Operation) {
	if p.cfg.MemorySoftCapBytes <= 0 {
		return
	}

	sizes := make([]int64, len(history))
	var total int64
	for i, op := range history {
		sizes[i] = estimateResultSize(op.Result)
		total += sizes[i]
	}

	// history is newest-first (Tracker.GetHistory/moveToHistory ordering);
	// walk from the oldest end to shed the least useful results first.
	for i := len(history) - 1; i >= 0 && total > p.cfg.MemorySoftCapBytes; i-- {
		if sizes[i] == 0 {
			continue
		}
		if p.tracker.ClearResult(history[i].ID) {
			total -= sizes[i]
		}
	}
}

// Close stops accepting new submissions and waits for in-flight operations
// to finish. It does not cancel them; callers that want a prompt shutdown
// should Cancel outstanding operations first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// dispatch waits for a worker slot, runs fn under retry, and records the
// outcome. It never lets an operation observed as cancelling terminate as
// completed (P5): the operation's final tracker status, not fn's return
// value, decides between CompleteOperation and CancelOperation.
func (p *Pool) dispatch(opID, kind string, fn Func) {
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
	case <-p.closeCh:
		return
	}
	defer func() { <-p.sem }()

	ctx, err := p.tracker.BeginRunning(context.Background(), opID)
	if err != nil {
		// Already cancelled while queued for a worker slot.
		return
	}

	if p.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.OpTimeout)
		defer cancel()
	}

	token := CancelToken{ctx: ctx}
	progress := ProgressSink{tracker: p.tracker, opID: opID}

	start := time.Now()
	var result interface{}
	runErr := p.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		res, err := fn(token, progress)
		result = res
		return err
	})

	op, opErr := p.tracker.GetOperation(opID)
	if opErr == nil && op.Status == status.StatusCancelling {
		_ = p.tracker.CancelOperation(opID)
		p.record(kind, time.Since(start), false)
		return
	}

	if runErr == nil {
		_ = p.tracker.SetResult(opID, result)
		_ = p.tracker.CompleteOperation(opID)
		p.record(kind, time.Since(start), true)
		return
	}

	_ = p.tracker.FailOperation(opID, runErr)
	p.record(kind, time.Since(start), false)
	if p.logger != nil {
		p.logger.Warn("operation failed", map[string]interface{}{
			"operation_id": opID,
			"kind":         kind,
			"error":        runErr.Error(),
		})
	}
}

func (p *Pool) record(kind string, duration time.Duration, success bool) {
	if p.metrics != nil {
		p.metrics.RecordOperation(kind, duration, 0, success)
	}
}

// estimateResultSize gives a rough byte-size estimate for a Result value,
// used only to decide which historical results to drop under memory
// pressure; it does not need to be exact.
func estimateResultSize(result interface{}) int64 {
	if result == nil {
		return 0
	}
	return int64(len(fmt.Sprintf("%#v", result)))
}
