package recoverability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Skip reasons recorded per message.
const (
	SkipNotFound        = "not found"
	SkipNotOpen         = "no longer unresolved"
	SkipNoAttempt       = "no processing attempt"
	SkipLoadFailed      = "load failed"
	SkipDispatchFailed  = "dispatch failed"
	SkipTimeout         = "timeout"
	SkipAlreadyArchived = "already archived"
	SkipAlreadyResolved = "already resolved"
)

// errCancelled stops the driver at a batch boundary after an operator cancel.
var errCancelled = errors.New("cancelled by operator")

// Partition splits ids into consecutive chunks of at most size, keeping order.
func Partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultConfig().ChunkSize
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeSkipped
)

type messageResult struct {
	outcome outcome
	reason  string
}

func doneResult() messageResult { return messageResult{outcome: outcomeDone} }

func skipResult(reason string) messageResult {
	return messageResult{outcome: outcomeSkipped, reason: reason}
}

// messageAction is the per-message step of a batch operation. A returned
// error is fatal for the batch; per-message problems are skip results.
type messageAction interface {
	kind() OperationKind
	process(ctx context.Context, op *Operation, id string) (messageResult, error)
}

// batchDriver stages an operation into batches and works through them in
// ascending order, fanning each batch out over a bounded set of goroutines.
type batchDriver struct {
	store   DataStore
	clock   Clock
	cfg     Config
	limiter *rate.Limiter
	action  messageAction
}

// updateOperation reloads the operation, applies fn and writes it back,
// retrying on concurrency conflicts.
func updateOperation(ctx context.Context, store DataStore, retries int, requestID string, fn func(op *Operation) error) (*Operation, error) {
	var result *Operation
	err := RetryOnConflict(ctx, retries, func(ctx context.Context) error {
		op, err := store.GetOperation(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get operation: %w", err)
		}
		if err := fn(op); err != nil {
			return err
		}
		if err := store.UpdateOperation(ctx, op); err != nil {
			return err
		}
		result = op
		return nil
	})
	return result, err
}

// stage partitions ids into batches and persists them together with the
// operation moving to its active state.
func (d *batchDriver) stage(ctx context.Context, requestID string, ids []string) (*Operation, error) {
	now := d.clock.Now()
	chunks := Partition(ids, d.cfg.ChunkSize)
	batches := make([]*Batch, len(chunks))
	for i, chunk := range chunks {
		batches[i] = &Batch{
			RequestID:   requestID,
			BatchNumber: i,
			DocumentIDs: chunk,
			State:       BatchStaging,
			Created:     now,
		}
	}

	var result *Operation
	err := RetryOnConflict(ctx, d.cfg.ConflictRetries, func(ctx context.Context) error {
		op, err := d.store.GetOperation(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get operation: %w", err)
		}
		if err := op.Transition(op.Kind.ActiveState()); err != nil {
			return err
		}
		op.TotalNumberOfMessages = len(ids)
		op.NumberOfMessagesPrepared = max(op.NumberOfMessagesPrepared, len(ids))
		op.NumberOfBatches = len(batches)
		op.CurrentBatch = 0
		op.Last = now
		if err := d.store.StageOperation(ctx, op, batches); err != nil {
			return err
		}
		result = op
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage operation %s: %w", requestID, err)
	}

	slog.Info("batch: operation staged",
		"request_id", requestID,
		"kind", result.Kind,
		"messages", len(ids),
		"batches", len(batches),
	)
	return result, nil
}

// resume re-derives the batch cursor from persisted batch states. Leading
// completed batches not yet reflected in CurrentBatch are folded in.
func (d *batchDriver) resume(ctx context.Context, op *Operation) (*Operation, error) {
	batches, err := d.store.ListBatches(ctx, op.RequestID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	leading := 0
	for _, b := range batches {
		if b.BatchNumber != leading || b.State != BatchCompleted {
			break
		}
		leading++
	}
	if leading <= op.CurrentBatch {
		return op, nil
	}

	slog.Warn("batch: cursor behind completed batches, advancing",
		"request_id", op.RequestID,
		"current_batch", op.CurrentBatch,
		"completed", leading,
	)
	return updateOperation(ctx, d.store, d.cfg.ConflictRetries, op.RequestID, func(fresh *Operation) error {
		for _, b := range batches[min(fresh.CurrentBatch, leading):leading] {
			fresh.foldBatch(b)
		}
		fresh.CurrentBatch = max(fresh.CurrentBatch, leading)
		fresh.Last = d.clock.Now()
		return nil
	})
}

// forward processes batches from the cursor to the end. onBatch is called
// after every completed batch. It returns errCancelled when a cancel was
// requested, the context error when ctx ends, and any other error when the
// operation must fail.
func (d *batchDriver) forward(ctx context.Context, op *Operation, onBatch func(*Operation)) (*Operation, error) {
	op, err := d.resume(ctx, op)
	if err != nil {
		return op, err
	}

	for op.CurrentBatch < op.NumberOfBatches {
		if op.CancelRequested {
			return op, errCancelled
		}
		if err := ctx.Err(); err != nil {
			return op, err
		}

		b, err := d.store.GetBatch(ctx, op.RequestID, op.CurrentBatch)
		if err != nil {
			return op, fmt.Errorf("read batch %d: %w", op.CurrentBatch, err)
		}

		next, err := d.runBatch(ctx, op, b)
		if err != nil {
			return op, err
		}
		op = next
		if onBatch != nil {
			onBatch(op)
		}
	}
	return op, nil
}

func (d *batchDriver) runBatch(ctx context.Context, op *Operation, b *Batch) (*Operation, error) {
	switch b.State {
	case BatchStaging:
		if err := b.Transition(BatchForwarding); err != nil {
			return nil, err
		}
		if err := d.store.UpdateBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("mark batch %d forwarding: %w", b.BatchNumber, err)
		}
	case BatchForwarding:
		slog.Info("batch: resuming interrupted batch", "request_id", b.RequestID, "batch", b.BatchNumber)
	default:
		return nil, fmt.Errorf("batch %d is %s", b.BatchNumber, b.State)
	}

	results, err := d.dispatch(ctx, op, b.DocumentIDs)
	if err != nil {
		if ctx.Err() == nil {
			d.failBatch(context.WithoutCancel(ctx), b, err)
		}
		return nil, err
	}

	kind := d.action.kind()
	b.Forwarded, b.Archived, b.Skipped = 0, 0, 0
	b.SkipReasons = nil
	for _, res := range results {
		switch res.outcome {
		case outcomeDone:
			if kind == KindArchive {
				b.Archived++
				recordOutcome(kind, "archived")
			} else {
				b.Forwarded++
				recordOutcome(kind, "forwarded")
			}
		case outcomeSkipped:
			b.Skipped++
			if b.SkipReasons == nil {
				b.SkipReasons = make(map[string]int)
			}
			b.SkipReasons[res.reason]++
			recordOutcome(kind, "skipped")
		}
	}
	if err := b.Transition(BatchCompleted); err != nil {
		return nil, err
	}
	now := d.clock.Now()
	b.CompletedAt = &now

	var result *Operation
	err = RetryOnConflict(ctx, d.cfg.ConflictRetries, func(ctx context.Context) error {
		fresh, err := d.store.GetOperation(ctx, op.RequestID)
		if err != nil {
			return fmt.Errorf("get operation: %w", err)
		}
		if fresh.CurrentBatch > b.BatchNumber {
			result = fresh
			return nil
		}
		fresh.foldBatch(b)
		fresh.CurrentBatch = b.BatchNumber + 1
		fresh.Last = now
		if err := d.store.CompleteBatch(ctx, b, fresh); err != nil {
			return err
		}
		result = fresh
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete batch %d: %w", b.BatchNumber, err)
	}

	batchesCompleted.WithLabelValues(string(kind)).Inc()
	slog.Info("batch: batch completed",
		"request_id", b.RequestID,
		"batch", b.BatchNumber,
		"done", b.Forwarded+b.Archived,
		"skipped", b.Skipped,
	)
	return result, nil
}

// dispatch runs the action over every id with bounded concurrency and waits
// for all of them. The first fatal error cancels the remaining members.
func (d *batchDriver) dispatch(ctx context.Context, op *Operation, ids []string) ([]messageResult, error) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(d.cfg.DispatchConcurrency))
	results := make([]messageResult, len(ids))

	var (
		wg       sync.WaitGroup
		fatalErr error
		once     sync.Once
	)
	fail := func(err error) {
		once.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	for i, id := range ids {
		if err := sem.Acquire(bctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if d.limiter != nil {
				if err := d.limiter.Wait(bctx); err != nil {
					if bctx.Err() == nil {
						results[i] = skipResult(SkipDispatchFailed)
					}
					return
				}
			}

			res, err := d.action.process(bctx, op, id)
			if err != nil {
				fail(fmt.Errorf("message %s: %w", id, err))
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fatalErr != nil {
		return nil, fatalErr
	}
	return results, nil
}

func (d *batchDriver) failBatch(ctx context.Context, b *Batch, cause error) {
	if err := b.Transition(BatchFailed); err != nil {
		slog.Error("batch: cannot fail batch", "request_id", b.RequestID, "batch", b.BatchNumber, "error", err)
		return
	}
	if err := d.store.UpdateBatch(ctx, b); err != nil {
		slog.Error("batch: failed to persist failed batch",
			"request_id", b.RequestID,
			"batch", b.BatchNumber,
			"cause", cause,
			"error", err,
		)
	}
}
