package recoverability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
)

// deliver feeds everything published on nc since offset into proc, the way
// the NATS subscription would, and returns the new offset.
func deliver(proc *Processor, nc *mockNATS, offset int) int {
	msgs := nc.published()
	for _, m := range msgs[offset:] {
		proc.Process(context.Background(), m.Subject, m.Data)
	}
	return len(msgs)
}

// TestE2E_FullLifecycle covers the complete flow:
// 1. Endpoints report failures, the processor ingests them into groups
// 2. The API lists groups and retries one of them
// 3. Retried messages reach the transport and records become RetryIssued
// 4. The endpoint reports success and the records resolve
func TestE2E_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	f, r := newTestRouter(t)
	nc := newMockNATS()
	proc := NewProcessor(f.index)

	// --- Step 1: endpoints report failures ---
	sales := NewReporter(nc, "", "sales")
	billing := NewReporter(nc, "", "billing")
	for i := range 4 {
		err := sales.ReportFailure(FailureOpts{
			UniqueMessageID: fmt.Sprintf("order-%d", i),
			MessageType:     "Orders.PlaceOrder",
			FailedQueue:     "orders.sales",
			Headers:         map[string]string{"Content-Type": "application/json"},
			Body:            []byte(fmt.Sprintf(`{"order_id":"order-%d"}`, i)),
			Exception:       &ExceptionInfo{Type: "TimeoutException", Message: "db timeout"},
		})
		if err != nil {
			t.Fatalf("step 1: report failure: %v", err)
		}
	}
	if err := billing.ReportFailure(FailureOpts{
		UniqueMessageID: "invoice-1",
		FailedQueue:     "billing.invoices",
		Exception:       &ExceptionInfo{Type: "ValidationException"},
	}); err != nil {
		t.Fatalf("step 1: report failure: %v", err)
	}
	offset := deliver(proc, nc, 0)

	// A repeated failure of the same message adds an attempt, not a record.
	if err := sales.ReportFailure(FailureOpts{
		UniqueMessageID: "order-0",
		FailedQueue:     "orders.sales",
		Exception:       &ExceptionInfo{Type: "TimeoutException"},
	}); err != nil {
		t.Fatalf("step 1: report failure: %v", err)
	}
	offset = deliver(proc, nc, offset)

	rec, err := f.store.GetRecord(ctx, "order-0")
	if err != nil {
		t.Fatalf("step 1: record not found: %v", err)
	}
	if rec.Status != StatusRepeatedFailure {
		t.Errorf("step 1: expected repeated_failure, got %s", rec.Status)
	}
	if len(rec.ProcessingAttempts) != 2 {
		t.Errorf("step 1: expected 2 attempts, got %d", len(rec.ProcessingAttempts))
	}

	// --- Step 2: API lists groups and retries the timeout group ---
	w := doRequest(r, "GET", "/groups", "", nil)
	var groups []FailureGroup
	if err := json.NewDecoder(w.Body).Decode(&groups); err != nil {
		t.Fatalf("step 2: decode groups: %v", err)
	}
	counts := make(map[string]int)
	for _, g := range groups {
		counts[g.ID] = g.Count
	}
	if counts["exception-type:TimeoutException"] != 4 {
		t.Errorf("step 2: expected 4 timeouts, got %d", counts["exception-type:TimeoutException"])
	}
	if counts["exception-type:ValidationException"] != 1 {
		t.Errorf("step 2: expected 1 validation failure, got %d", counts["exception-type:ValidationException"])
	}

	w = doRequest(r, "POST", "/groups/exception-type:TimeoutException/retry", "", map[string]string{IdempotencyHeader: "e2e-retry"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("step 2: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	op := waitOp(t, f.coord, "e2e-retry")
	if op.State != StateCompleted {
		t.Fatalf("step 2: expected completed, got %s (%s)", op.State, op.FailureReason)
	}

	// --- Step 3: retried messages went out with retry headers ---
	sent := f.transport.messages()
	if len(sent) != 4 {
		t.Fatalf("step 3: expected 4 retried messages, got %d", len(sent))
	}
	for _, msg := range sent {
		if msg.Destination != "orders.sales" {
			t.Errorf("step 3: expected destination orders.sales, got %s", msg.Destination)
		}
		if msg.Headers[HeaderRetryRequestID] != "e2e-retry" {
			t.Errorf("step 3: missing retry request header on %s", msg.MessageID)
		}
	}
	g, _ := f.index.Group(ctx, "exception-type:TimeoutException")
	if g.Count != 0 {
		t.Errorf("step 3: expected timeout group drained, got %d", g.Count)
	}

	// --- Step 4: the endpoint processes the retries ---
	for _, msg := range sent {
		if err := sales.ReportProcessed(msg.MessageID); err != nil {
			t.Fatalf("step 4: report processed: %v", err)
		}
	}
	deliver(proc, nc, offset)

	for _, msg := range sent {
		rec, err := f.store.GetRecord(ctx, msg.MessageID)
		if err != nil {
			t.Fatalf("step 4: get %s: %v", msg.MessageID, err)
		}
		if rec.Status != StatusResolved {
			t.Errorf("step 4: expected %s resolved, got %s", msg.MessageID, rec.Status)
		}
	}

	invoice, _ := f.store.GetRecord(ctx, "invoice-1")
	if invoice.Status != StatusUnresolved {
		t.Errorf("step 4: expected invoice-1 untouched, got %s", invoice.Status)
	}
}

// TestE2E_RetryFailsAgain covers a retried message failing a second time:
// it re-enters its group as a repeated failure.
func TestE2E_RetryFailsAgain(t *testing.T) {
	ctx := context.Background()
	f, r := newTestRouter(t)
	nc := newMockNATS()
	proc := NewProcessor(f.index)
	sales := NewReporter(nc, "", "sales")

	report := FailureOpts{
		UniqueMessageID: "order-1",
		FailedQueue:     "orders.sales",
		Exception:       &ExceptionInfo{Type: "TimeoutException"},
	}
	if err := sales.ReportFailure(report); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	offset := deliver(proc, nc, 0)

	w := doRequest(r, "POST", "/messages/order-1/retry", "", map[string]string{IdempotencyHeader: "retry-1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	waitOp(t, f.coord, "retry-1")

	rec, _ := f.store.GetRecord(ctx, "order-1")
	if rec.Status != StatusRetryIssued {
		t.Fatalf("expected retry_issued, got %s", rec.Status)
	}

	if err := sales.ReportFailure(report); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	deliver(proc, nc, offset)

	rec, _ = f.store.GetRecord(ctx, "order-1")
	if rec.Status != StatusRepeatedFailure {
		t.Errorf("expected repeated_failure, got %s", rec.Status)
	}
	g, _ := f.index.Group(ctx, "exception-type:TimeoutException")
	if g.Count != 1 {
		t.Errorf("expected group count 1, got %d", g.Count)
	}

	// The message can be archived from the API.
	w = doRequest(r, "POST", "/messages/order-1/archive", "", map[string]string{IdempotencyHeader: "archive-1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	waitOp(t, f.coord, "archive-1")
	rec, _ = f.store.GetRecord(ctx, "order-1")
	if rec.Status != StatusArchived {
		t.Errorf("expected archived, got %s", rec.Status)
	}
}
