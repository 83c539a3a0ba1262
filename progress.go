package recoverability

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// CalculateProgress returns the completion fraction of an operation in [0, 1],
// rounded to two decimals. An operation with nothing to do is complete only
// once it reached the Completed state.
//
// The coordinator fixes the total only when it stages batches, so its
// operations report 0 for the whole Preparing phase and Percent starts
// climbing once forwarding or archiving begins.
func CalculateProgress(total, prepared, forwarded, skipped int, state OperationState) float64 {
	if state == StateCompleted {
		return 1
	}
	if total <= 0 {
		return 0
	}

	var done int
	switch state {
	case StateWaiting:
		return 0
	case StatePreparing:
		done = prepared
	case StateForwarding, StateArchiving, StateFailed:
		done = forwarded + skipped
	default:
		return 0
	}

	p := float64(done) / float64(total)
	p = math.Max(0, math.Min(1, p))
	return math.Round(p*100) / 100
}

// Progress is a point-in-time view of an operation.
type Progress struct {
	RequestID       string         `json:"request_id"`
	Kind            OperationKind  `json:"kind"`
	Scope           Scope          `json:"scope"`
	State           OperationState `json:"state"`
	Percent         float64        `json:"percent"`
	Total           int            `json:"total"`
	Prepared        int            `json:"prepared"`
	Forwarded       int            `json:"forwarded"`
	Archived        int            `json:"archived"`
	Skipped         int            `json:"skipped"`
	SkipReasons     map[string]int `json:"skip_reasons,omitempty"`
	NumberOfBatches int            `json:"number_of_batches"`
	CurrentBatch    int            `json:"current_batch"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Cancelled       bool           `json:"cancelled"`
	Started         time.Time      `json:"started"`
	Last            time.Time      `json:"last"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// ProgressTracker turns operations into Progress views whose Percent never
// decreases for a request id.
type ProgressTracker struct {
	mu   sync.Mutex
	high map[string]float64
	sink ProgressSink
}

// NewProgressTracker creates a tracker. sink may be nil.
func NewProgressTracker(sink ProgressSink) *ProgressTracker {
	return &ProgressTracker{high: make(map[string]float64), sink: sink}
}

// Observe computes the progress of op and folds it into the high-water mark.
func (t *ProgressTracker) Observe(ctx context.Context, op *Operation) Progress {
	done := op.NumberOfMessagesForwarded
	if op.Kind == KindArchive {
		done = op.NumberOfMessagesArchived
	}
	percent := CalculateProgress(
		op.TotalNumberOfMessages,
		op.NumberOfMessagesPrepared,
		done,
		op.NumberOfMessagesSkipped,
		op.State,
	)

	t.mu.Lock()
	if hw := t.high[op.RequestID]; hw > percent {
		percent = hw
	}
	if op.IsTerminal() {
		// Terminal counters no longer change.
		delete(t.high, op.RequestID)
	} else {
		t.high[op.RequestID] = percent
	}
	t.mu.Unlock()

	if t.sink != nil {
		stored, err := t.sink.Record(ctx, op.RequestID, percent)
		if err != nil {
			slog.Warn("progress: failed to record in sink", "request_id", op.RequestID, "error", err)
		} else if stored > percent {
			percent = stored
			t.mu.Lock()
			if hw, ok := t.high[op.RequestID]; ok && hw < percent {
				t.high[op.RequestID] = percent
			}
			t.mu.Unlock()
		}
	}

	return Progress{
		RequestID:       op.RequestID,
		Kind:            op.Kind,
		Scope:           op.Scope,
		State:           op.State,
		Percent:         percent,
		Total:           op.TotalNumberOfMessages,
		Prepared:        op.NumberOfMessagesPrepared,
		Forwarded:       op.NumberOfMessagesForwarded,
		Archived:        op.NumberOfMessagesArchived,
		Skipped:         op.NumberOfMessagesSkipped,
		SkipReasons:     op.SkipReasons,
		NumberOfBatches: op.NumberOfBatches,
		CurrentBatch:    op.CurrentBatch,
		FailureReason:   op.FailureReason,
		Cancelled:       op.Cancelled,
		Started:         op.Started,
		Last:            op.Last,
		CompletedAt:     op.CompletedAt,
	}
}

// Forget drops the high-water mark of a deleted operation.
func (t *ProgressTracker) Forget(ctx context.Context, requestID string) {
	t.mu.Lock()
	delete(t.high, requestID)
	t.mu.Unlock()
	if t.sink != nil {
		if err := t.sink.Forget(ctx, requestID); err != nil {
			slog.Warn("progress: failed to forget in sink", "request_id", requestID, "error", err)
		}
	}
}
