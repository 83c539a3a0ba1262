package recoverability

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reporter is used by endpoints to report failed and processed messages.
type Reporter struct {
	nc       NATSPublisher
	prefix   string
	endpoint string
}

// NewReporter creates a reporter for the named endpoint.
func NewReporter(nc NATSPublisher, prefix, endpoint string) *Reporter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Reporter{nc: nc, prefix: prefix, endpoint: endpoint}
}

// FailureOpts describes a failed processing attempt.
type FailureOpts struct {
	UniqueMessageID string
	MessageType     string
	SendingEndpoint string
	FailedQueue     string
	Headers         map[string]string
	Body            []byte
	Exception       *ExceptionInfo
}

// ReportFailure publishes a failure report for one processing attempt.
func (r *Reporter) ReportFailure(opts FailureOpts) error {
	report := FailureReport{
		UniqueMessageID: opts.UniqueMessageID,
		Attempt: ProcessingAttempt{
			AttemptID:          uuid.New().String(),
			AttemptedAt:        time.Now().UTC(),
			Exception:          opts.Exception,
			MessageType:        opts.MessageType,
			SendingEndpoint:    opts.SendingEndpoint,
			ProcessingEndpoint: r.endpoint,
			FailedQueue:        opts.FailedQueue,
			Headers:            opts.Headers,
			Body:               opts.Body,
		},
	}
	return r.publish(KindFailureReported, report)
}

// ReportProcessed publishes that a message was processed successfully.
func (r *Reporter) ReportProcessed(uniqueMessageID string) error {
	return r.publish(KindMessageProcessed, MessageEvent{UniqueMessageID: uniqueMessageID, Endpoint: r.endpoint})
}

// ReportArchived publishes that the endpoint discarded a failed message.
func (r *Reporter) ReportArchived(uniqueMessageID string) error {
	return r.publish(KindMessageArchived, MessageEvent{UniqueMessageID: uniqueMessageID, Endpoint: r.endpoint})
}

func (r *Reporter) publish(kind MessageKind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	subject := Subject(r.prefix, kind)
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
