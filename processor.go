package recoverability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// MessageKind identifies an inbound event. It is the subject suffix after
// the ingest prefix, e.g. "recoverability.failure.reported".
type MessageKind string

const (
	KindFailureReported  MessageKind = "failure.reported"
	KindMessageProcessed MessageKind = "message.processed"
	KindMessageArchived  MessageKind = "message.archived"
)

var knownKinds = []MessageKind{KindFailureReported, KindMessageProcessed, KindMessageArchived}

// DefaultSubjectPrefix is the subject prefix endpoints publish events under.
const DefaultSubjectPrefix = "recoverability"

// Subject returns the full subject of a message kind under prefix.
func Subject(prefix string, kind MessageKind) string {
	return prefix + "." + string(kind)
}

// MessageEvent reports that an endpoint processed or discarded a message.
type MessageEvent struct {
	UniqueMessageID string `json:"unique_message_id"`
	Endpoint        string `json:"endpoint,omitempty"`
}

type handlerFunc func(ctx context.Context, data []byte) error

// Processor handles inbound recoverability events and applies them to the
// group index. Each kind maps to one handler.
type Processor struct {
	index    *GroupIndex
	handlers map[MessageKind]handlerFunc
}

// NewProcessor creates an event processor over the group index.
func NewProcessor(index *GroupIndex) *Processor {
	p := &Processor{index: index}
	p.handlers = map[MessageKind]handlerFunc{
		KindFailureReported:  p.handleFailureReported,
		KindMessageProcessed: p.handleMessageProcessed,
		KindMessageArchived:  p.handleMessageArchived,
	}
	return p
}

// Process parses a raw event payload and applies it.
// subject is the NATS subject (e.g. "recoverability.failure.reported").
// Malformed or unknown events are logged and dropped.
func (p *Processor) Process(ctx context.Context, subject string, data []byte) {
	kind := kindFromSubject(subject)
	handle, ok := p.handlers[kind]
	if !ok {
		slog.Warn("processor: unknown event kind", "subject", subject)
		recordIngest(string(kind), "unknown")
		return
	}

	if err := handle(ctx, data); err != nil {
		var malformed *malformedError
		if errors.As(err, &malformed) {
			slog.Warn("processor: malformed event", "subject", subject, "error", err)
			recordIngest(string(kind), "malformed")
			return
		}
		slog.Error("processor: failed to apply event", "subject", subject, "error", err)
		recordIngest(string(kind), "error")
		return
	}
	recordIngest(string(kind), "ok")
}

func kindFromSubject(subject string) MessageKind {
	for _, kind := range knownKinds {
		if subject == string(kind) || strings.HasSuffix(subject, "."+string(kind)) {
			return kind
		}
	}
	return MessageKind(subject)
}

type malformedError struct{ err error }

func (e *malformedError) Error() string { return "malformed payload: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func (p *Processor) handleFailureReported(ctx context.Context, data []byte) error {
	var report FailureReport
	if err := json.Unmarshal(data, &report); err != nil {
		return &malformedError{err}
	}
	if report.UniqueMessageID == "" {
		return &malformedError{errors.New("missing unique_message_id")}
	}
	_, err := p.index.RecordFailure(ctx, report)
	return err
}

func (p *Processor) handleMessageProcessed(ctx context.Context, data []byte) error {
	ev, err := decodeMessageEvent(data)
	if err != nil {
		return err
	}
	_, err = p.index.Resolve(ctx, ev.UniqueMessageID)
	if errors.Is(err, ErrNotFound) {
		// Most processed messages never failed.
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		slog.Debug("processor: processed event ignored", "message_id", ev.UniqueMessageID, "error", err)
		return nil
	}
	return err
}

func (p *Processor) handleMessageArchived(ctx context.Context, data []byte) error {
	ev, err := decodeMessageEvent(data)
	if err != nil {
		return err
	}
	_, err = p.index.Transition(ctx, ev.UniqueMessageID, StatusArchived, "")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		slog.Debug("processor: archived event ignored", "message_id", ev.UniqueMessageID, "error", err)
		return nil
	}
	return err
}

func decodeMessageEvent(data []byte) (MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, &malformedError{err}
	}
	if ev.UniqueMessageID == "" {
		return ev, &malformedError{errors.New("missing unique_message_id")}
	}
	return ev, nil
}
