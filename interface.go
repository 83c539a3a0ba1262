package recoverability

import (
	"context"
	"time"
)

// RecordQuery filters and pages failure records. Results are ordered by
// UniqueMessageID; After is the exclusive keyset cursor.
type RecordQuery struct {
	Group        string
	Endpoint     string
	Statuses     []FailureStatus
	OpenedBefore time.Time // inclusive bound on OpenedAt, zero means unbounded
	After        string
	Limit        int
}

// GroupDelta is a change to one failure group's open-record count.
type GroupDelta struct {
	GroupID string
	Change  int
}

// DataStore is the interface for recoverability persistence.
// Implementations: *Store (pgx-backed) and *MemoryStore.
type DataStore interface {
	GetRecord(ctx context.Context, id string) (*FailureRecord, error)
	// SaveRecord writes rec if the stored version still equals rec.Version
	// (zero meaning the record must not exist yet) and applies deltas in the
	// same transaction. On success rec.Version is incremented. It returns the
	// groups whose count went from zero to positive.
	SaveRecord(ctx context.Context, rec *FailureRecord, deltas []GroupDelta) ([]FailureGroup, error)
	QueryRecords(ctx context.Context, q RecordQuery) ([]*FailureRecord, error)
	QueryRecordIDs(ctx context.Context, q RecordQuery) ([]string, error)
	DeleteRecords(ctx context.Context, statuses []FailureStatus, modifiedBefore time.Time) (int, error)

	GetGroup(ctx context.Context, id string) (*FailureGroup, error)
	ListGroups(ctx context.Context) ([]FailureGroup, error)

	// CreateOperation returns ErrOperationExists when the request id is taken.
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, requestID string) (*Operation, error)
	// UpdateOperation is optimistic on op.Version.
	UpdateOperation(ctx context.Context, op *Operation) error
	ListOperations(ctx context.Context, states ...OperationState) ([]*Operation, error)
	DeleteOperation(ctx context.Context, requestID string) error

	// StageOperation persists batches together with the operation update.
	StageOperation(ctx context.Context, op *Operation, batches []*Batch) error
	GetBatch(ctx context.Context, requestID string, number int) (*Batch, error)
	UpdateBatch(ctx context.Context, b *Batch) error
	ListBatches(ctx context.Context, requestID string) ([]*Batch, error)
	// CompleteBatch writes the completed batch and the operation (optimistic
	// on op.Version) in one transaction.
	CompleteBatch(ctx context.Context, b *Batch, op *Operation) error
}

// OutgoingMessage is a message re-delivered to its original destination.
type OutgoingMessage struct {
	MessageID   string
	Destination string
	Headers     map[string]string
	Body        []byte
}

// Transport re-delivers messages. Send returns once the transport has
// accepted the message.
type Transport interface {
	Send(ctx context.Context, msg OutgoingMessage) error
}

// OperationCompleted describes a finished operation.
type OperationCompleted struct {
	RequestID      string         `json:"request_id"`
	Kind           OperationKind  `json:"kind"`
	Scope          Scope          `json:"scope"`
	State          OperationState `json:"state"`
	Total          int            `json:"total"`
	Forwarded      int            `json:"forwarded"`
	Archived       int            `json:"archived"`
	Skipped        int            `json:"skipped"`
	SkipReasons    map[string]int `json:"skip_reasons,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Cancelled      bool           `json:"cancelled"`
	PartialSuccess bool           `json:"partial_success"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Notifier receives fire-and-forget events. Implementations must not block.
type Notifier interface {
	NewFailureGroupDetected(ctx context.Context, g FailureGroup)
	OperationProgressChanged(ctx context.Context, p Progress)
	OperationCompleted(ctx context.Context, ev OperationCompleted)
}

// ProgressSink stores the highest progress seen per request id and returns it.
type ProgressSink interface {
	Record(ctx context.Context, requestID string, percent float64) (float64, error)
	Forget(ctx context.Context, requestID string) error
}

// Clock is the time source used by the engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) NewFailureGroupDetected(context.Context, FailureGroup) {}
func (NopNotifier) OperationProgressChanged(context.Context, Progress) {}
func (NopNotifier) OperationCompleted(context.Context, OperationCompleted) {}
