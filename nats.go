package recoverability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSTransport re-delivers retried messages to their original subject.
// With JetStream enabled a send returns once the stream acknowledged it;
// otherwise it returns after the server confirmed a flush.
type NATSTransport struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSTransport creates a transport on a core NATS connection.
func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc}
}

// NewJetStreamTransport creates a transport that publishes through JetStream.
func NewJetStreamTransport(nc *nats.Conn) (*NATSTransport, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &NATSTransport{nc: nc, js: js}, nil
}

func (t *NATSTransport) Send(ctx context.Context, msg OutgoingMessage) error {
	if msg.Destination == "" {
		return fmt.Errorf("message %s has no destination", msg.MessageID)
	}

	m := nats.NewMsg(msg.Destination)
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	if t.js != nil {
		if _, err := t.js.PublishMsg(m, nats.Context(ctx), nats.MsgId(msg.Headers[HeaderRetryRequestID]+"/"+msg.MessageID)); err != nil {
			return fmt.Errorf("publish to %s: %w", msg.Destination, err)
		}
		return nil
	}

	if err := t.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Destination, err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Destination, err)
	}
	return nil
}

// Notifier subjects, relative to the notifier prefix.
const (
	SubjectGroupDetected      = "group.detected"
	SubjectOperationProgress  = "operation.progress"
	SubjectOperationCompleted = "operation.completed"
)

// NATSNotifier publishes engine events as JSON.
type NATSNotifier struct {
	nc     NATSPublisher
	prefix string
}

// NewNATSNotifier creates a notifier publishing under prefix.
func NewNATSNotifier(nc NATSPublisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix + ".events"
	}
	return &NATSNotifier{nc: nc, prefix: prefix}
}

func (n *NATSNotifier) publish(suffix string, v any) {
	subject := n.prefix + "." + suffix
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("notifier: failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := n.nc.Publish(subject, data); err != nil {
		slog.Error("notifier: failed to publish event", "subject", subject, "error", err)
	}
}

func (n *NATSNotifier) NewFailureGroupDetected(_ context.Context, g FailureGroup) {
	n.publish(SubjectGroupDetected, g)
}

func (n *NATSNotifier) OperationProgressChanged(_ context.Context, p Progress) {
	n.publish(SubjectOperationProgress, p)
}

func (n *NATSNotifier) OperationCompleted(_ context.Context, ev OperationCompleted) {
	n.publish(SubjectOperationCompleted, ev)
}

// Subscribe feeds every event under prefix into proc through a queue
// subscription, so replicas share the ingest load. Only two-token kinds are
// matched, which keeps notifier events under "<prefix>.events" out.
func Subscribe(nc *nats.Conn, prefix, queue string, proc *Processor) (*nats.Subscription, error) {
	subject := prefix + ".*.*"
	sub, err := nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		proc.Process(context.Background(), m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

var (
	_ Transport     = (*NATSTransport)(nil)
	_ Notifier      = (*NATSNotifier)(nil)
	_ NATSPublisher = (*nats.Conn)(nil)
)
