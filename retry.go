package recoverability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Headers added to every retried message.
const (
	HeaderRetryRequestID  = "Recoverability-Retry-Request-Id"
	HeaderUniqueMessageID = "Recoverability-Unique-Message-Id"
	HeaderRetriedAt       = "Recoverability-Retried-At"
)

// RetryBatchManager stages retry operations into batches and re-delivers each
// message through the transport.
type RetryBatchManager struct {
	store     DataStore
	index     *GroupIndex
	transport Transport
	clock     Clock
	cfg       Config
	driver    *batchDriver
}

// NewRetryBatchManager creates a retry batch manager. limiter may be nil.
func NewRetryBatchManager(store DataStore, index *GroupIndex, transport Transport, limiter *rate.Limiter, clock Clock, cfg Config) *RetryBatchManager {
	if clock == nil {
		clock = SystemClock{}
	}
	m := &RetryBatchManager{
		store:     store,
		index:     index,
		transport: transport,
		clock:     clock,
		cfg:       cfg.withDefaults(),
	}
	m.driver = &batchDriver{store: store, clock: clock, cfg: m.cfg, limiter: limiter, action: m}
	return m
}

// Stage persists the operation's batches before anything is dispatched.
func (m *RetryBatchManager) Stage(ctx context.Context, requestID string, ids []string) (*Operation, error) {
	return m.driver.stage(ctx, requestID, ids)
}

// Forward dispatches batches from the operation's cursor onwards.
func (m *RetryBatchManager) Forward(ctx context.Context, op *Operation, onBatch func(*Operation)) (*Operation, error) {
	return m.driver.forward(ctx, op, onBatch)
}

func (m *RetryBatchManager) kind() OperationKind { return KindRetry }

func (m *RetryBatchManager) process(ctx context.Context, op *Operation, id string) (messageResult, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return skipResult(SkipNotFound), nil
		}
		if ctx.Err() != nil {
			return messageResult{}, ctx.Err()
		}
		slog.Warn("retry: failed to load record", "request_id", op.RequestID, "message_id", id, "error", err)
		return skipResult(SkipLoadFailed), nil
	}

	// Already dispatched by this operation before an interruption.
	if rec.Status == StatusRetryIssued && rec.LastRetryRequestID == op.RequestID {
		return doneResult(), nil
	}
	if !rec.Status.IsOpen() {
		return skipResult(SkipNotOpen), nil
	}
	attempt, ok := rec.LastAttempt()
	if !ok {
		return skipResult(SkipNoAttempt), nil
	}

	start := time.Now()
	err = m.send(ctx, retryMessage(rec, attempt, op.RequestID, m.clock.Now()))
	recordDispatchDuration(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return messageResult{}, ctx.Err()
		}
		reason := SkipDispatchFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = SkipTimeout
		}
		slog.Warn("retry: dispatch failed",
			"request_id", op.RequestID,
			"message_id", id,
			"destination", attempt.FailedQueue,
			"reason", reason,
			"error", err,
		)
		return skipResult(reason), nil
	}

	_, err = m.index.update(ctx, id, func(rec *FailureRecord) (*FailureRecord, error) {
		if rec == nil || !rec.Status.IsOpen() {
			return nil, errNoChange
		}
		if err := rec.Transition(StatusRetryIssued); err != nil {
			return nil, err
		}
		rec.LastRetryRequestID = op.RequestID
		return rec, nil
	})
	if err != nil {
		return messageResult{}, fmt.Errorf("mark retry issued: %w", err)
	}
	return doneResult(), nil
}

// send hands msg to the transport, giving up after MessageTimeout even if
// the transport ignores its context.
func (m *RetryBatchManager) send(ctx context.Context, msg OutgoingMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.MessageTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- m.transport.Send(sendCtx, msg) }()

	select {
	case err := <-errc:
		return err
	case <-sendCtx.Done():
		return sendCtx.Err()
	}
}

func retryMessage(rec *FailureRecord, attempt ProcessingAttempt, requestID string, now time.Time) OutgoingMessage {
	headers := make(map[string]string, len(attempt.Headers)+3)
	for k, v := range attempt.Headers {
		headers[k] = v
	}
	headers[HeaderRetryRequestID] = requestID
	headers[HeaderUniqueMessageID] = rec.UniqueMessageID
	headers[HeaderRetriedAt] = now.Format(time.RFC3339Nano)

	return OutgoingMessage{
		MessageID:   rec.UniqueMessageID,
		Destination: attempt.FailedQueue,
		Headers:     headers,
		Body:        attempt.Body,
	}
}
