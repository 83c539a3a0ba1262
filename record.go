// Package recoverability ingests failed-message reports from service endpoints,
// groups them by failure cause, and drives resumable bulk retry and archive
// operations over the resulting failure records.
package recoverability

import (
	"fmt"
	"time"
)

// FailureStatus is the lifecycle status of a failure record.
type FailureStatus string

const (
	StatusUnresolved      FailureStatus = "unresolved"
	StatusRetryIssued     FailureStatus = "retry_issued"
	StatusResolved        FailureStatus = "resolved"
	StatusArchived        FailureStatus = "archived"
	StatusRepeatedFailure FailureStatus = "repeated_failure"
)

// IsOpen reports whether a record in this status still needs operator action.
// Open records are the ones counted by their failure groups.
func (s FailureStatus) IsOpen() bool {
	return s == StatusUnresolved || s == StatusRepeatedFailure
}

// IsValid reports whether s is a known status.
func (s FailureStatus) IsValid() bool {
	switch s {
	case StatusUnresolved, StatusRetryIssued, StatusResolved, StatusArchived, StatusRepeatedFailure:
		return true
	}
	return false
}

// OpenStatuses lists the statuses a retry or archive operation picks up.
var OpenStatuses = []FailureStatus{StatusUnresolved, StatusRepeatedFailure}

// statusTransitions holds the explicit (non-ingestion) transitions.
// New processing attempts are handled separately by ApplyAttempt.
var statusTransitions = map[FailureStatus][]FailureStatus{
	StatusUnresolved:      {StatusRetryIssued, StatusArchived, StatusResolved},
	StatusRepeatedFailure: {StatusRetryIssued, StatusArchived, StatusResolved},
	StatusRetryIssued:     {StatusUnresolved, StatusResolved, StatusArchived},
	StatusResolved:        {},
	StatusArchived:        {},
}

// CanTransition checks if an explicit status transition is allowed.
func CanTransition(from, to FailureStatus) bool {
	for _, target := range statusTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// ExceptionInfo describes the exception a processing attempt failed with.
type ExceptionInfo struct {
	Type       string `json:"type,omitempty"`
	Message    string `json:"message,omitempty"`
	Source     string `json:"source,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// ProcessingAttempt records one failed attempt at processing a message.
type ProcessingAttempt struct {
	AttemptID          string            `json:"attempt_id"`
	AttemptedAt        time.Time         `json:"attempted_at"`
	Exception          *ExceptionInfo    `json:"exception,omitempty"`
	MessageType        string            `json:"message_type,omitempty"`
	SendingEndpoint    string            `json:"sending_endpoint,omitempty"`
	ProcessingEndpoint string            `json:"processing_endpoint,omitempty"`
	FailedQueue        string            `json:"failed_queue"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               []byte            `json:"body,omitempty"`
}

func (a ProcessingAttempt) sameAs(other ProcessingAttempt) bool {
	if a.AttemptID != "" && a.AttemptID == other.AttemptID {
		return true
	}
	return a.AttemptedAt.Equal(other.AttemptedAt) && a.ProcessingEndpoint == other.ProcessingEndpoint
}

// FailureRecord is the durable record of one logical failed message.
type FailureRecord struct {
	UniqueMessageID    string              `json:"unique_message_id"`
	ProcessingAttempts []ProcessingAttempt `json:"processing_attempts"`
	Status             FailureStatus       `json:"status"`
	FailureGroups      []string            `json:"failure_groups"`
	LastRetryRequestID string              `json:"last_retry_request_id,omitempty"`
	FirstFailedAt      time.Time           `json:"first_failed_at"`
	LastFailedAt       time.Time           `json:"last_failed_at"`

	// OpenedAt is the ingest-side time the record last became open. It does
	// not move while the record stays open.
	OpenedAt     time.Time `json:"opened_at"`
	LastModified time.Time `json:"last_modified"`
	Version      int64     `json:"version"`
}

// LastAttempt returns the most recent processing attempt.
func (r *FailureRecord) LastAttempt() (ProcessingAttempt, bool) {
	if len(r.ProcessingAttempts) == 0 {
		return ProcessingAttempt{}, false
	}
	return r.ProcessingAttempts[len(r.ProcessingAttempts)-1], true
}

// ApplyAttempt folds a new processing attempt into the record. It returns false
// when the attempt was already recorded. depth bounds the kept attempt history.
func (r *FailureRecord) ApplyAttempt(a ProcessingAttempt, depth int) bool {
	for _, existing := range r.ProcessingAttempts {
		if existing.sameAs(a) {
			return false
		}
	}

	fresh := len(r.ProcessingAttempts) == 0
	r.ProcessingAttempts = append(r.ProcessingAttempts, a)
	if depth > 0 && len(r.ProcessingAttempts) > depth {
		r.ProcessingAttempts = append([]ProcessingAttempt(nil), r.ProcessingAttempts[len(r.ProcessingAttempts)-depth:]...)
	}

	switch {
	case fresh:
		r.Status = StatusUnresolved
	case r.Status == StatusResolved || r.Status == StatusArchived:
		r.Status = StatusUnresolved
	default:
		r.Status = StatusRepeatedFailure
	}

	if r.FirstFailedAt.IsZero() || a.AttemptedAt.Before(r.FirstFailedAt) {
		r.FirstFailedAt = a.AttemptedAt
	}
	if a.AttemptedAt.After(r.LastFailedAt) {
		r.LastFailedAt = a.AttemptedAt
	}
	return true
}

// Transition moves the record to a new status using the explicit transition rules.
func (r *FailureRecord) Transition(to FailureStatus) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// Clone returns a deep copy of the record.
func (r *FailureRecord) Clone() *FailureRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.FailureGroups = append([]string(nil), r.FailureGroups...)
	cp.ProcessingAttempts = make([]ProcessingAttempt, len(r.ProcessingAttempts))
	for i, a := range r.ProcessingAttempts {
		ac := a
		if a.Exception != nil {
			ex := *a.Exception
			ac.Exception = &ex
		}
		if a.Headers != nil {
			ac.Headers = make(map[string]string, len(a.Headers))
			for k, v := range a.Headers {
				ac.Headers[k] = v
			}
		}
		ac.Body = append([]byte(nil), a.Body...)
		cp.ProcessingAttempts[i] = ac
	}
	return &cp
}

// FailureReport is the ingestion payload an endpoint sends when a message fails.
type FailureReport struct {
	UniqueMessageID string            `json:"unique_message_id"`
	Attempt         ProcessingAttempt `json:"attempt"`
}
