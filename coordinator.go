package recoverability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ReasonCancelled is the failure reason of an operation cancelled by an operator.
const ReasonCancelled = "cancelled by operator"

var (
	errLeaseHeld = errors.New("operation leased by another replica")
	errLeaseLost = errors.New("operation lease lost")
)

// StartRequest asks for a retry or archive operation. An empty RequestID is
// replaced by a generated one.
type StartRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Scope     Scope  `json:"scope"`
}

// Coordinator starts retry and archive operations, runs each on its own
// goroutine and resumes unfinished ones after a restart.
type Coordinator struct {
	store    DataStore
	index    *GroupIndex
	retries  *RetryBatchManager
	archives *ArchiveBatchManager
	notifier Notifier
	clock    Clock
	tracker  *ProgressTracker
	sweeper  *Sweeper
	owner    string
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{}
	stopped bool
}

// Option configures a Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	notifier  Notifier
	clock     Clock
	sink      ProgressSink
	replicaID string
}

// WithNotifier sets the event notifier.
func WithNotifier(n Notifier) Option {
	return func(o *coordinatorOptions) { o.notifier = n }
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *coordinatorOptions) { o.clock = c }
}

// WithProgressSink sets a shared store for progress high-water marks.
func WithProgressSink(s ProgressSink) Option {
	return func(o *coordinatorOptions) { o.sink = s }
}

// WithReplicaID names the coordinator in operation leases. A stable id lets a
// restarted process reclaim its own operations without waiting for them to
// stall. The default is a random id per coordinator.
func WithReplicaID(id string) Option {
	return func(o *coordinatorOptions) { o.replicaID = id }
}

// NewCoordinator creates a coordinator. Call Start to resume persisted
// operations and Stop to shut down.
func NewCoordinator(store DataStore, index *GroupIndex, transport Transport, cfg Config, opts ...Option) *Coordinator {
	o := coordinatorOptions{notifier: NopNotifier{}, clock: SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.replicaID == "" {
		o.replicaID = uuid.New().String()
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		index:    index,
		retries:  NewRetryBatchManager(store, index, transport, limiter, o.clock, cfg),
		archives: NewArchiveBatchManager(store, index, o.clock, cfg),
		notifier: o.notifier,
		clock:    o.clock,
		tracker:  NewProgressTracker(o.sink),
		owner:    o.replicaID,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		c.sweeper = newSweeper(store, c, o.clock, cfg)
	}
	return c
}

// StartRetry starts, or returns the existing, retry operation for a request.
func (c *Coordinator) StartRetry(ctx context.Context, req StartRequest) (*Operation, error) {
	return c.start(ctx, KindRetry, req)
}

// StartArchive starts, or returns the existing, archive operation for a request.
func (c *Coordinator) StartArchive(ctx context.Context, req StartRequest) (*Operation, error) {
	return c.start(ctx, KindArchive, req)
}

func (c *Coordinator) start(ctx context.Context, kind OperationKind, req StartRequest) (*Operation, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	now := c.clock.Now()
	op := &Operation{
		RequestID:  req.RequestID,
		Kind:       kind,
		Scope:      req.Scope,
		State:      StateWaiting,
		Owner:      c.owner,
		SnapshotAt: now,
		Started:    now,
		Last:       now,
	}

	err := c.store.CreateOperation(ctx, op)
	if errors.Is(err, ErrOperationExists) {
		existing, err := c.store.GetOperation(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("get operation %s: %w", req.RequestID, err)
		}
		if existing.Kind != kind || !existing.Scope.Equal(req.Scope) {
			return nil, fmt.Errorf("%w: %s", ErrRequestIDConflict, req.RequestID)
		}
		if !existing.IsTerminal() {
			c.launch(existing.RequestID)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create operation %s: %w", req.RequestID, err)
	}

	slog.Info("coordinator: operation created",
		"request_id", op.RequestID,
		"kind", kind,
		"scope", op.Scope.Type,
		"scope_id", op.Scope.ID,
	)
	c.launch(op.RequestID)
	return op.Clone(), nil
}

// GetProgress returns the progress of an operation. Percent never decreases
// between calls for the same request id.
func (c *Coordinator) GetProgress(ctx context.Context, requestID string) (Progress, error) {
	op, err := c.store.GetOperation(ctx, requestID)
	if err != nil {
		return Progress{}, err
	}
	return c.tracker.Observe(ctx, op), nil
}

// GetOperation returns the persisted operation.
func (c *Coordinator) GetOperation(ctx context.Context, requestID string) (*Operation, error) {
	return c.store.GetOperation(ctx, requestID)
}

// Cancel requests cancellation. The operation stops at its next batch
// boundary and ends Failed with Cancelled set.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) (*Operation, error) {
	op, err := updateOperation(ctx, c.store, c.cfg.ConflictRetries, requestID, func(op *Operation) error {
		if op.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrOperationTerminal, op.RequestID, op.State)
		}
		op.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel operation %s: %w", requestID, err)
	}
	slog.Info("coordinator: cancel requested", "request_id", requestID)
	c.launch(requestID)
	return op, nil
}

// Start resumes every unfinished operation and starts the maintenance sweeper.
func (c *Coordinator) Start(ctx context.Context) error {
	ops, err := c.store.ListOperations(ctx, ActiveStates...)
	if err != nil {
		return fmt.Errorf("list active operations: %w", err)
	}
	for _, op := range ops {
		if c.launch(op.RequestID) {
			slog.Info("coordinator: resuming operation",
				"request_id", op.RequestID,
				"state", op.State,
				"current_batch", op.CurrentBatch,
				"batches", op.NumberOfBatches,
			)
		}
	}
	if c.sweeper != nil {
		c.sweeper.Start(c.ctx)
	}
	return nil
}

// Stop interrupts running operations, releases their leases and waits for
// them to exit. Interrupted operations resume on the next Start or on the
// next sweep of another coordinator.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		if c.sweeper != nil {
			c.sweeper.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the operation is no longer running locally and returns
// its persisted state.
func (c *Coordinator) Wait(ctx context.Context, requestID string) (*Operation, error) {
	c.mu.Lock()
	done := c.running[requestID]
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetOperation(ctx, requestID)
}

func (c *Coordinator) isRunning(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[requestID]
	return ok
}

// launch runs the operation on its own goroutine unless it is already running.
func (c *Coordinator) launch(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	if _, ok := c.running[requestID]; ok {
		return false
	}
	done := make(chan struct{})
	c.running[requestID] = done
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, requestID)
			c.mu.Unlock()
			close(done)
		}()
		c.run(c.ctx, requestID)
	}()
	return true
}

func (c *Coordinator) run(ctx context.Context, requestID string) {
	op, err := c.claim(ctx, requestID)
	if err != nil {
		switch {
		case errors.Is(err, errLeaseHeld):
			slog.Debug("coordinator: operation owned by another replica", "request_id", requestID)
		case errors.Is(err, errNoChange):
		default:
			slog.Error("coordinator: failed to claim operation", "request_id", requestID, "error", err)
		}
		return
	}

	runCtx, stop := context.WithCancelCause(ctx)
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		c.heartbeat(runCtx, requestID, stop)
	}()
	defer func() {
		stop(nil)
		<-beat
	}()

	if op.State == StateWaiting || op.State == StatePreparing {
		op, err = c.prepare(runCtx, op)
		if err != nil {
			c.handleRunError(runCtx, requestID, err)
			return
		}
		if op == nil || op.IsTerminal() {
			return
		}
	}

	if op.Kind == KindArchive {
		op, err = c.archives.Archive(runCtx, op, c.onBatch)
	} else {
		op, err = c.retries.Forward(runCtx, op, c.onBatch)
	}
	if err != nil {
		c.handleRunError(runCtx, requestID, err)
		return
	}
	c.finish(runCtx, op.RequestID, StateCompleted, "", false)
}

// claim takes the operation's lease. It fails with errLeaseHeld while
// another replica holds a lease younger than StallTimeout, and with
// errNoChange when the operation already finished.
func (c *Coordinator) claim(ctx context.Context, requestID string) (*Operation, error) {
	return updateOperation(ctx, c.store, c.cfg.ConflictRetries, requestID, func(op *Operation) error {
		if op.IsTerminal() {
			return errNoChange
		}
		now := c.clock.Now()
		if op.Owner != "" && op.Owner != c.owner && now.Sub(op.Last) < c.cfg.StallTimeout {
			return fmt.Errorf("%w: %s", errLeaseHeld, op.Owner)
		}
		if op.Owner != "" && op.Owner != c.owner {
			slog.Warn("coordinator: taking over stalled operation",
				"request_id", op.RequestID,
				"previous_owner", op.Owner,
				"last", op.Last,
			)
		}
		op.Owner = c.owner
		op.Last = now
		return nil
	})
}

// heartbeat refreshes the lease every HeartbeatInterval until ctx ends. When
// another replica took the lease over it cancels the run with errLeaseLost.
func (c *Coordinator) heartbeat(ctx context.Context, requestID string, stop context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := updateOperation(ctx, c.store, c.cfg.ConflictRetries, requestID, func(op *Operation) error {
			if op.IsTerminal() {
				return errNoChange
			}
			if op.Owner != c.owner {
				return errLeaseLost
			}
			op.Last = c.clock.Now()
			return nil
		})
		switch {
		case err == nil, errors.Is(err, errNoChange):
		case errors.Is(err, errLeaseLost):
			slog.Warn("coordinator: lease lost, stopping", "request_id", requestID)
			stop(errLeaseLost)
			return
		case ctx.Err() != nil:
			return
		default:
			slog.Warn("coordinator: heartbeat failed", "request_id", requestID, "error", err)
		}
	}
}

// release gives up the lease of an interrupted operation so any coordinator
// can pick it up at once.
func (c *Coordinator) release(ctx context.Context, requestID string) {
	_, err := updateOperation(ctx, c.store, c.cfg.ConflictRetries, requestID, func(op *Operation) error {
		if op.IsTerminal() || op.Owner != c.owner {
			return errNoChange
		}
		op.Owner = ""
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		slog.Warn("coordinator: failed to release operation", "request_id", requestID, "error", err)
	}
}

// prepare resolves the operation's message set as of its snapshot and stages
// it. An empty set completes the operation immediately.
func (c *Coordinator) prepare(ctx context.Context, op *Operation) (*Operation, error) {
	if op.CancelRequested {
		return op, errCancelled
	}
	if op.State == StateWaiting {
		var err error
		op, err = updateOperation(ctx, c.store, c.cfg.ConflictRetries, op.RequestID, func(op *Operation) error {
			op.Last = c.clock.Now()
			return op.Transition(StatePreparing)
		})
		if err != nil {
			return nil, fmt.Errorf("mark preparing: %w", err)
		}
		c.onBatch(op)
	}

	ids, err := c.resolve(ctx, op)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		slog.Info("coordinator: nothing to do", "request_id", op.RequestID, "kind", op.Kind)
		return c.finish(ctx, op.RequestID, StateCompleted, "", false), nil
	}

	if op.Kind == KindArchive {
		return c.archives.Stage(ctx, op.RequestID, ids)
	}
	return c.retries.Stage(ctx, op.RequestID, ids)
}

func (c *Coordinator) resolveStatuses(kind OperationKind) []FailureStatus {
	statuses := slices.Clone(OpenStatuses)
	if kind == KindArchive {
		statuses = append(statuses, StatusRetryIssued)
	}
	return statuses
}

// resolve returns the ids an operation acts on. Group, endpoint and all
// scopes only see records that failed at or before the snapshot.
func (c *Coordinator) resolve(ctx context.Context, op *Operation) ([]string, error) {
	if op.Scope.Type == ScopeMessage {
		seen := make(map[string]struct{}, len(op.Scope.MessageIDs))
		ids := make([]string, 0, len(op.Scope.MessageIDs))
		for _, id := range op.Scope.MessageIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return ids, nil
	}

	q := RecordQuery{
		Statuses:     c.resolveStatuses(op.Kind),
		OpenedBefore: op.SnapshotAt,
		Limit:        c.cfg.QueryPageSize,
	}
	switch op.Scope.Type {
	case ScopeGroup:
		q.Group = op.Scope.ID
	case ScopeEndpoint:
		q.Endpoint = op.Scope.ID
	}

	var ids []string
	for {
		page, err := c.store.QueryRecordIDs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
		ids = append(ids, page...)

		prepared := len(ids)
		updated, err := updateOperation(ctx, c.store, c.cfg.ConflictRetries, op.RequestID, func(op *Operation) error {
			op.NumberOfMessagesPrepared = max(op.NumberOfMessagesPrepared, prepared)
			op.Last = c.clock.Now()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("record prepared count: %w", err)
		}
		if updated.CancelRequested {
			return nil, errCancelled
		}

		if len(page) < q.Limit {
			break
		}
		q.After = page[len(page)-1]
	}
	return ids, nil
}

func (c *Coordinator) onBatch(op *Operation) {
	c.notifier.OperationProgressChanged(c.ctx, c.tracker.Observe(c.ctx, op))
}

func (c *Coordinator) handleRunError(ctx context.Context, requestID string, err error) {
	switch {
	case errors.Is(err, errCancelled):
		slog.Info("coordinator: operation cancelled", "request_id", requestID)
		c.finish(ctx, requestID, StateFailed, ReasonCancelled, true)
	case errors.Is(context.Cause(ctx), errLeaseLost):
		slog.Info("coordinator: operation continues on another replica", "request_id", requestID)
	case ctx.Err() != nil:
		slog.Info("coordinator: operation interrupted, will resume", "request_id", requestID)
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		c.release(releaseCtx, requestID)
	default:
		slog.Error("coordinator: operation failed", "request_id", requestID, "error", err)
		c.finish(context.WithoutCancel(ctx), requestID, StateFailed, err.Error(), false)
	}
}

// finish moves the operation to a terminal state and emits the completion event.
func (c *Coordinator) finish(ctx context.Context, requestID string, state OperationState, reason string, cancelled bool) *Operation {
	now := c.clock.Now()
	op, err := updateOperation(ctx, c.store, c.cfg.ConflictRetries, requestID, func(op *Operation) error {
		if err := op.Transition(state); err != nil {
			return err
		}
		op.FailureReason = reason
		op.Cancelled = cancelled
		op.CompletedAt = &now
		op.Last = now
		return nil
	})
	if err != nil {
		slog.Error("coordinator: failed to finish operation",
			"request_id", requestID,
			"state", state,
			"error", err,
		)
		return nil
	}

	operationsFinished.WithLabelValues(string(op.Kind), string(op.State)).Inc()
	c.notifier.OperationProgressChanged(ctx, c.tracker.Observe(ctx, op))
	c.notifier.OperationCompleted(ctx, OperationCompleted{
		RequestID:      op.RequestID,
		Kind:           op.Kind,
		Scope:          op.Scope,
		State:          op.State,
		Total:          op.TotalNumberOfMessages,
		Forwarded:      op.NumberOfMessagesForwarded,
		Archived:       op.NumberOfMessagesArchived,
		Skipped:        op.NumberOfMessagesSkipped,
		SkipReasons:    op.SkipReasons,
		FailureReason:  op.FailureReason,
		Cancelled:      op.Cancelled,
		PartialSuccess: op.NumberOfMessagesSkipped > 0,
		CompletedAt:    now,
	})
	slog.Info("coordinator: operation finished",
		"request_id", op.RequestID,
		"kind", op.Kind,
		"state", op.State,
		"forwarded", op.NumberOfMessagesForwarded,
		"archived", op.NumberOfMessagesArchived,
		"skipped", op.NumberOfMessagesSkipped,
	)
	return op
}

func (c *Coordinator) forget(ctx context.Context, requestID string) {
	c.tracker.Forget(ctx, requestID)
}
