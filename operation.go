package recoverability

import (
	"fmt"
	"slices"
	"time"
)

// OperationKind distinguishes retry operations from archive operations.
type OperationKind string

const (
	KindRetry   OperationKind = "retry"
	KindArchive OperationKind = "archive"
)

// OperationState is the lifecycle state of a retry or archive operation.
type OperationState string

const (
	StateWaiting    OperationState = "waiting"
	StatePreparing  OperationState = "preparing"
	StateForwarding OperationState = "forwarding"
	StateArchiving  OperationState = "archiving"
	StateCompleted  OperationState = "completed"
	StateFailed     OperationState = "failed"
)

// IsTerminal reports whether no further work happens in this state.
func (s OperationState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ActiveStates lists the states a resumable operation can be in.
var ActiveStates = []OperationState{StateWaiting, StatePreparing, StateForwarding, StateArchiving}

// TerminalStates lists the final operation states.
var TerminalStates = []OperationState{StateCompleted, StateFailed}

var operationTransitions = map[OperationState][]OperationState{
	StateWaiting:    {StatePreparing, StateFailed},
	StatePreparing:  {StateForwarding, StateArchiving, StateCompleted, StateFailed},
	StateForwarding: {StateCompleted, StateFailed},
	StateArchiving:  {StateCompleted, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
}

// CanTransitionOperation checks if an operation state transition is allowed.
func CanTransitionOperation(from, to OperationState) bool {
	return slices.Contains(operationTransitions[from], to)
}

// ScopeType selects how an operation resolves its message set.
type ScopeType string

const (
	ScopeMessage  ScopeType = "message"
	ScopeGroup    ScopeType = "group"
	ScopeEndpoint ScopeType = "endpoint"
	ScopeAll      ScopeType = "all"
)

// Scope identifies the messages an operation acts on.
type Scope struct {
	Type       ScopeType `json:"type"`
	ID         string    `json:"id,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
}

// MessageScope targets explicit message ids.
func MessageScope(ids ...string) Scope { return Scope{Type: ScopeMessage, MessageIDs: ids} }

// GroupScope targets the open members of a failure group.
func GroupScope(groupID string) Scope { return Scope{Type: ScopeGroup, ID: groupID} }

// EndpointScope targets open records whose latest attempt failed on the endpoint.
func EndpointScope(endpoint string) Scope { return Scope{Type: ScopeEndpoint, ID: endpoint} }

// AllScope targets every open record.
func AllScope() Scope { return Scope{Type: ScopeAll} }

// Validate checks that the scope carries what its type needs.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeMessage:
		if len(s.MessageIDs) == 0 {
			return fmt.Errorf("%w: message scope needs at least one message id", ErrInvalidScope)
		}
		for _, id := range s.MessageIDs {
			if id == "" {
				return fmt.Errorf("%w: empty message id", ErrInvalidScope)
			}
		}
	case ScopeGroup, ScopeEndpoint:
		if s.ID == "" {
			return fmt.Errorf("%w: %s scope needs an id", ErrInvalidScope, s.Type)
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidScope, s.Type)
	}
	return nil
}

// Equal reports whether two scopes select the same messages.
// Message id order is ignored.
func (s Scope) Equal(other Scope) bool {
	if s.Type != other.Type || s.ID != other.ID {
		return false
	}
	a := slices.Clone(s.MessageIDs)
	b := slices.Clone(other.MessageIDs)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

// Operation is a retry or archive request over a set of failure records,
// processed in batches.
type Operation struct {
	RequestID string         `json:"request_id"`
	Kind      OperationKind  `json:"kind"`
	Scope     Scope          `json:"scope"`
	State     OperationState `json:"state"`

	TotalNumberOfMessages     int `json:"total_number_of_messages"`
	NumberOfMessagesPrepared  int `json:"number_of_messages_prepared"`
	NumberOfMessagesForwarded int `json:"number_of_messages_forwarded"`
	NumberOfMessagesSkipped   int `json:"number_of_messages_skipped"`
	NumberOfMessagesArchived  int `json:"number_of_messages_archived"`
	NumberOfBatches           int `json:"number_of_batches"`
	// CurrentBatch is the number of completed batches, which is also the
	// 0-based number of the next batch to process.
	CurrentBatch int `json:"current_batch"`

	SkipReasons     map[string]int `json:"skip_reasons,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	Cancelled       bool           `json:"cancelled"`

	// Owner is the coordinator holding the operation's lease. Last doubles as
	// the lease heartbeat.
	Owner       string     `json:"owner,omitempty"`
	SnapshotAt  time.Time  `json:"snapshot_at"`
	Started     time.Time  `json:"started"`
	Last        time.Time  `json:"last"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// ActiveState is the state an operation of this kind works through its batches in.
func (k OperationKind) ActiveState() OperationState {
	if k == KindArchive {
		return StateArchiving
	}
	return StateForwarding
}

// IsTerminal reports whether the operation reached Completed or Failed.
func (o *Operation) IsTerminal() bool { return o.State.IsTerminal() }

// Transition moves the operation to a new state.
func (o *Operation) Transition(to OperationState) error {
	if !CanTransitionOperation(o.State, to) {
		return fmt.Errorf("%w: operation %s -> %s", ErrInvalidTransition, o.State, to)
	}
	o.State = to
	return nil
}

// Processed is the number of messages with a final per-message outcome.
func (o *Operation) Processed() int {
	return o.NumberOfMessagesForwarded + o.NumberOfMessagesArchived + o.NumberOfMessagesSkipped
}

func (o *Operation) addSkipReasons(reasons map[string]int) {
	if len(reasons) == 0 {
		return
	}
	if o.SkipReasons == nil {
		o.SkipReasons = make(map[string]int, len(reasons))
	}
	for r, n := range reasons {
		o.SkipReasons[r] += n
	}
}

// foldBatch adds a completed batch's outcome counters to the operation.
func (o *Operation) foldBatch(b *Batch) {
	o.NumberOfMessagesForwarded += b.Forwarded
	o.NumberOfMessagesArchived += b.Archived
	o.NumberOfMessagesSkipped += b.Skipped
	o.addSkipReasons(b.SkipReasons)
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Scope.MessageIDs = slices.Clone(o.Scope.MessageIDs)
	if o.SkipReasons != nil {
		cp.SkipReasons = make(map[string]int, len(o.SkipReasons))
		for k, v := range o.SkipReasons {
			cp.SkipReasons[k] = v
		}
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// BatchState is the lifecycle state of one batch.
type BatchState string

const (
	BatchStaging    BatchState = "staging"
	BatchForwarding BatchState = "forwarding"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
)

var batchTransitions = map[BatchState][]BatchState{
	BatchStaging:    {BatchForwarding, BatchFailed},
	BatchForwarding: {BatchCompleted, BatchFailed},
	BatchCompleted:  {},
	BatchFailed:     {},
}

// CanTransitionBatch checks if a batch state transition is allowed.
func CanTransitionBatch(from, to BatchState) bool {
	return slices.Contains(batchTransitions[from], to)
}

// Batch is one chunk of an operation's message set.
type Batch struct {
	RequestID   string         `json:"request_id"`
	BatchNumber int            `json:"batch_number"`
	DocumentIDs []string       `json:"document_ids"`
	State       BatchState     `json:"state"`
	Forwarded   int            `json:"forwarded"`
	Archived    int            `json:"archived"`
	Skipped     int            `json:"skipped"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
	Created     time.Time      `json:"created"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Transition moves the batch to a new state.
func (b *Batch) Transition(to BatchState) error {
	if !CanTransitionBatch(b.State, to) {
		return fmt.Errorf("%w: batch %s/%d %s -> %s", ErrInvalidTransition, b.RequestID, b.BatchNumber, b.State, to)
	}
	b.State = to
	return nil
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	cp := *b
	cp.DocumentIDs = slices.Clone(b.DocumentIDs)
	if b.SkipReasons != nil {
		cp.SkipReasons = make(map[string]int, len(b.SkipReasons))
		for k, v := range b.SkipReasons {
			cp.SkipReasons[k] = v
		}
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
