// Package status provides user-facing status indicators and progress
// tracking for long-running cache operations (sync, recovery, upgrade).
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/objectfs/pkg/errors"
)

var opIDCounter uint64

// OperationStatus represents the status of a long-running operation
type OperationStatus int

const (
	// StatusPending indicates the operation has been queued but not started
	StatusPending OperationStatus = iota

	// StatusInProgress indicates the operation is currently executing
	StatusInProgress

	// StatusCancelling indicates a cancellation request was accepted and the
	// operation is winding down at its next cooperative checkpoint.
	StatusCancelling

	// StatusCompleted indicates the operation completed successfully
	StatusCompleted

	// StatusFailed indicates the operation failed
	StatusFailed

	// StatusCanceled indicates the operation was canceled. Terminal: an
	// operation in this state never transitions to StatusCompleted.
	StatusCanceled
)

// String returns the string representation of an operation status
func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCancelling:
		return "cancelling"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Operation represents a tracked operation with progress reporting
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    OperationStatus        `json:"status"`
	Progress  *Progress              `json:"progress,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     *errors.CacheError    `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Result    interface{}            `json:"result,omitempty"`

	mu          sync.RWMutex
	cancelFunc  context.CancelFunc
	subscribers []chan OperationUpdate
}

// Progress tracks the progress of an operation
type Progress struct {
	Current    int64          `json:"current"`
	Total      int64          `json:"total"`
	Unit       string         `json:"unit"`
	Percentage float64        `json:"percentage"`
	Rate       float64        `json:"rate,omitempty"`    // items per second
	ETA        *time.Duration `json:"eta,omitempty"`     // estimated time to completion
	Phase      string         `json:"phase,omitempty"`   // current phase of operation
	Message    string         `json:"message,omitempty"` // current status message

	mu          sync.RWMutex
	lastUpdate  time.Time
	lastCurrent int64
}

// OperationUpdate represents an update to an operation's status
type OperationUpdate struct {
	Operation *Operation `json:"operation"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message,omitempty"`
}

// Tracker tracks all operations and provides status information
type Tracker struct {
	mu         sync.RWMutex
	operations map[string]*Operation
	history    []*Operation
	maxHistory int
}

// TrackerConfig configures operation tracking behavior
type TrackerConfig struct {
	MaxHistorySize int `json:"max_history_size"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 1000,
	}
}

// NewTracker creates a new operation tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}

	return &Tracker{
		operations: make(map[string]*Operation),
		history:    make([]*Operation, 0, config.MaxHistorySize),
		maxHistory: config.MaxHistorySize,
	}
}

// StartOperation creates and starts tracking a new operation
func (t *Tracker) StartOperation(ctx context.Context, opType string, metadata map[string]interface{}) (*Operation, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	opCtx, cancel := context.WithCancel(ctx)

	op := &Operation{
		ID:          generateOperationID(),
		Type:        opType,
		Status:      StatusInProgress,
		StartTime:   time.Now(),
		Metadata:    metadata,
		cancelFunc:  cancel,
		subscribers: make([]chan OperationUpdate, 0),
	}

	t.operations[op.ID] = op
	t.notifySubscribers(op, "Operation started")

	return op, opCtx
}

// Enqueue creates a new operation in StatusPending without starting it,
// assigning its permanent ID immediately. Used by callers (such as a
// bounded worker pool) that need to hand back an operation ID before a
// worker slot is available, so the pending and running phases of the same
// operation always share one ID. Call BeginRunning to advance it.
func (t *Tracker) Enqueue(opType string, metadata map[string]interface{}) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &Operation{
		ID:          generateOperationID(),
		Type:        opType,
		Status:      StatusPending,
		StartTime:   time.Now(),
		Metadata:    metadata,
		subscribers: make([]chan OperationUpdate, 0),
	}

	t.operations[op.ID] = op
	t.notifySubscribers(op, "Operation queued")

	return op
}

// BeginRunning transitions a Pending operation to InProgress, deriving its
// cancellation context from parent. Returns an error if opID does not name
// a currently Pending operation (e.g. it was already canceled while
// queued).
func (t *Tracker) BeginRunning(parent context.Context, opID string) (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return nil, errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	if op.Status != StatusPending {
		status := op.Status
		op.mu.Unlock()
		return nil, errors.New(errors.KindFatal, "operation is not pending").
			WithContext("operation_id", opID).
			WithContext("status", status.String())
	}

	opCtx, cancel := context.WithCancel(parent)
	op.Status = StatusInProgress
	op.cancelFunc = cancel
	op.mu.Unlock()

	t.notifySubscribers(op, "Operation started")

	return opCtx, nil
}

// CancelPending cancels an operation that is still Pending, i.e. it was
// enqueued but never reached BeginRunning. Returns (false, nil) if the
// operation has already left StatusPending, letting the caller fall back
// to RequestCancellation for the running case.
func (t *Tracker) CancelPending(opID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return false, errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	if op.Status != StatusPending {
		op.mu.Unlock()
		return false, nil
	}

	op.Status = StatusCanceled
	now := time.Now()
	op.EndTime = &now

	subscribers := make([]chan OperationUpdate, len(op.subscribers))
	copy(subscribers, op.subscribers)
	op.mu.Unlock()

	t.moveToHistory(op)
	delete(t.operations, opID)

	if len(subscribers) > 0 {
		t.notifySubscribersList(op, subscribers, "Operation canceled before dispatch")
	}

	return true, nil
}

// SetResult attaches an arbitrary result value to a still-active operation,
// for retrieval by GetOperation/GetHistory after CompleteOperation. Must be
// called before CompleteOperation, since completion moves the operation
// into history.
func (t *Tracker) SetResult(opID string, result interface{}) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	op.Result = result
	op.mu.Unlock()

	return nil
}

// ClearResult zeroes the Result field of a historical (already completed,
// failed, or canceled) operation, used by callers enforcing a memory cap on
// retained results. Returns false if opID is not present in history.
func (t *Tracker) ClearResult(opID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, op := range t.history {
		if op.ID == opID {
			op.mu.Lock()
			op.Result = nil
			op.mu.Unlock()
			return true
		}
	}
	return false
}

// UpdateProgress updates the progress of an operation
func (t *Tracker) UpdateProgress(opID string, current, total int64, unit string) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	if op.Progress == nil {
		op.Progress = &Progress{
			Unit:       unit,
			lastUpdate: time.Now(),
		}
	}

	op.Progress.Update(current, total)

	// Unlock before notifying subscribers to avoid deadlock
	op.mu.Unlock()
	t.notifySubscribers(op, "Progress updated")

	return nil
}

// SetPhase sets the current phase of an operation
func (t *Tracker) SetPhase(opID string, phase string) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	if op.Progress == nil {
		op.Progress = &Progress{}
	}

	op.Progress.Phase = phase

	// Unlock before notifying subscribers to avoid deadlock
	op.mu.Unlock()
	t.notifySubscribers(op, "Phase changed: "+phase)

	return nil
}

// SetMessage sets the current status message of an operation
func (t *Tracker) SetMessage(opID string, message string) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	if op.Progress == nil {
		op.Progress = &Progress{}
	}

	op.Progress.Message = message

	// Unlock before notifying subscribers to avoid deadlock
	op.mu.Unlock()
	t.notifySubscribers(op, message)

	return nil
}

// CompleteOperation marks an operation as completed
func (t *Tracker) CompleteOperation(opID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	op.Status = StatusCompleted
	now := time.Now()
	op.EndTime = &now

	if op.cancelFunc != nil {
		op.cancelFunc()
	}

	// Save subscribers before removing from map
	subscribers := make([]chan OperationUpdate, len(op.subscribers))
	copy(subscribers, op.subscribers)
	op.mu.Unlock()

	t.moveToHistory(op)
	delete(t.operations, opID)

	// Notify subscribers after releasing all locks
	if len(subscribers) > 0 {
		t.notifySubscribersList(op, subscribers, "Operation completed")
	}

	return nil
}

// FailOperation marks an operation as failed
func (t *Tracker) FailOperation(opID string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	op.Status = StatusFailed
	now := time.Now()
	op.EndTime = &now

	if cacheErr, ok := err.(*errors.CacheError); ok {
		op.Error = cacheErr
	} else {
		op.Error = errors.New(errors.KindFatal, err.Error())
	}

	if op.cancelFunc != nil {
		op.cancelFunc()
	}

	// Save subscribers before removing from map
	subscribers := make([]chan OperationUpdate, len(op.subscribers))
	copy(subscribers, op.subscribers)
	op.mu.Unlock()

	t.moveToHistory(op)
	delete(t.operations, opID)

	// Notify subscribers after releasing all locks
	if len(subscribers) > 0 {
		t.notifySubscribersList(op, subscribers, "Operation failed: "+err.Error())
	}

	return nil
}

// RequestCancellation moves a running operation to StatusCancelling and
// invokes its context cancel func. The operation does not leave the active
// map until the worker observes cancellation at its next checkpoint and
// calls CancelOperation; a cancelling operation may still reach
// CompleteOperation if the checkpoint had already passed it.
func (t *Tracker) RequestCancellation(opID string) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	if op.Status == StatusInProgress {
		op.Status = StatusCancelling
	}
	cancel := op.cancelFunc
	op.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	t.notifySubscribers(op, "Cancellation requested")
	return nil
}

// CancelOperation cancels an operation. It and CancelPending are the only
// paths that produce StatusCanceled; once set, the operation never
// transitions to StatusCompleted (P5 of the cancellation model).
func (t *Tracker) CancelOperation(opID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	op.Status = StatusCanceled
	now := time.Now()
	op.EndTime = &now

	if op.cancelFunc != nil {
		op.cancelFunc()
	}

	// Save subscribers before removing from map
	subscribers := make([]chan OperationUpdate, len(op.subscribers))
	copy(subscribers, op.subscribers)
	op.mu.Unlock()

	t.moveToHistory(op)
	delete(t.operations, opID)

	// Notify subscribers after releasing all locks
	if len(subscribers) > 0 {
		t.notifySubscribersList(op, subscribers, "Operation canceled")
	}

	return nil
}

// GetOperation returns an operation by ID
func (t *Tracker) GetOperation(opID string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	op, exists := t.operations[opID]
	if !exists {
		return nil, errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	return op.Copy(), nil
}

// GetAllOperations returns all active operations
func (t *Tracker) GetAllOperations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]*Operation, 0, len(t.operations))
	for _, op := range t.operations {
		ops = append(ops, op.Copy())
	}

	return ops
}

// GetHistory returns operation history
func (t *Tracker) GetHistory(limit int) []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]*Operation, limit)
	copy(result, t.history[:limit])

	return result
}

// Subscribe subscribes to operation updates
func (t *Tracker) Subscribe(opID string) (<-chan OperationUpdate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	op, exists := t.operations[opID]
	if !exists {
		return nil, errors.New(errors.KindNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	ch := make(chan OperationUpdate, 10)

	op.mu.Lock()
	op.subscribers = append(op.subscribers, ch)
	op.mu.Unlock()

	return ch, nil
}

// GetSystemStatus returns a snapshot of active/queued operation counts.
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := &SystemStatus{
		Timestamp:        time.Now(),
		ActiveOps:        len(t.operations),
		OperationsByType: make(map[string]int),
	}

	for _, op := range t.operations {
		status.OperationsByType[op.Type]++
		if op.Status == StatusCancelling {
			status.CancellingOps++
		}
	}

	return status
}

// SystemStatus represents the overall status of tracked operations
type SystemStatus struct {
	Timestamp        time.Time       `json:"timestamp"`
	ActiveOps        int             `json:"active_operations"`
	CancellingOps    int             `json:"cancelling_operations"`
	OperationsByType map[string]int `json:"operations_by_type"`
}

// moveToHistory moves an operation to history (must be called with lock held)
func (t *Tracker) moveToHistory(op *Operation) {
	t.history = append([]*Operation{op.Copy()}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
}

// Cleanup trims completed operation history down to target entries,
// discarding the oldest first. Called under memory pressure with a target
// below maxHistory to shed retained records faster than the normal
// count-based cap would.
func (t *Tracker) Cleanup(target int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if target < 0 {
		target = 0
	}
	if len(t.history) <= target {
		return 0
	}

	dropped := len(t.history) - target
	t.history = t.history[:target]
	return dropped
}

// notifySubscribers notifies all subscribers of an operation update
func (t *Tracker) notifySubscribers(op *Operation, message string) {
	// Create copy without holding lock
	opCopy := op.Copy()

	update := OperationUpdate{
		Operation: opCopy,
		Timestamp: time.Now(),
		Message:   message,
	}

	// Acquire lock only for accessing subscribers list
	op.mu.RLock()
	subscribers := make([]chan OperationUpdate, len(op.subscribers))
	copy(subscribers, op.subscribers)
	op.mu.RUnlock()

	// Notify subscribers without holding locks
	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
			// Channel full, skip
		}
	}
}

// notifySubscribersList notifies a pre-extracted list of subscribers
func (t *Tracker) notifySubscribersList(op *Operation, subscribers []chan OperationUpdate, message string) {
	// Create copy without holding lock
	opCopy := op.Copy()

	update := OperationUpdate{
		Operation: opCopy,
		Timestamp: time.Now(),
		Message:   message,
	}

	// Notify subscribers without holding locks
	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
			// Channel full, skip
		}
	}
}

// Copy creates a deep copy of an operation
func (o *Operation) Copy() *Operation {
	o.mu.RLock()
	defer o.mu.RUnlock()

	copy := &Operation{
		ID:        o.ID,
		Type:      o.Type,
		Status:    o.Status,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		Error:     o.Error,
		Result:    o.Result,
		Metadata:  make(map[string]interface{}),
	}

	for k, v := range o.Metadata {
		copy.Metadata[k] = v
	}

	if o.Progress != nil {
		copy.Progress = o.Progress.Copy()
	}

	return copy
}

// Update updates progress metrics
func (p *Progress) Update(current, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	p.Current = current
	p.Total = total

	if total > 0 {
		p.Percentage = float64(current) / float64(total) * 100
	}

	// Calculate rate
	if !p.lastUpdate.IsZero() && current > p.lastCurrent {
		elapsed := now.Sub(p.lastUpdate).Seconds()
		if elapsed > 0 {
			p.Rate = float64(current-p.lastCurrent) / elapsed
		}

		// Calculate ETA
		if p.Rate > 0 && total > current {
			remaining := total - current
			etaSeconds := float64(remaining) / p.Rate
			eta := time.Duration(etaSeconds) * time.Second
			p.ETA = &eta
		}
	}

	p.lastUpdate = now
	p.lastCurrent = current
}

// Copy creates a deep copy of progress
func (p *Progress) Copy() *Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	copy := &Progress{
		Current:     p.Current,
		Total:       p.Total,
		Unit:        p.Unit,
		Percentage:  p.Percentage,
		Rate:        p.Rate,
		Phase:       p.Phase,
		Message:     p.Message,
		lastUpdate:  p.lastUpdate,
		lastCurrent: p.lastCurrent,
	}

	if p.ETA != nil {
		eta := *p.ETA
		copy.ETA = &eta
	}

	return copy
}

// generateOperationID generates a unique operation ID
func generateOperationID() string {
	// Use atomic counter combined with timestamp for guaranteed uniqueness
	counter := atomic.AddUint64(&opIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().Unix(), counter)
}
