package recoverability

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestReporter_ReportFailure(t *testing.T) {
	nc := newMockNATS()
	r := NewReporter(nc, "", "sales")

	err := r.ReportFailure(FailureOpts{
		UniqueMessageID: "msg-1",
		MessageType:     "Orders.PlaceOrder",
		SendingEndpoint: "web",
		FailedQueue:     "orders.sales",
		Headers:         map[string]string{"Content-Type": "application/json"},
		Body:            []byte(`{"order_id":"o1"}`),
		Exception:       &ExceptionInfo{Type: "TimeoutException", Message: "db timeout"},
	})
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}

	msgs := nc.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	if msgs[0].Subject != "recoverability.failure.reported" {
		t.Errorf("expected subject recoverability.failure.reported, got %s", msgs[0].Subject)
	}

	var report FailureReport
	if err := json.Unmarshal(msgs[0].Data, &report); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if report.UniqueMessageID != "msg-1" {
		t.Errorf("expected unique_message_id msg-1, got %s", report.UniqueMessageID)
	}
	if report.Attempt.AttemptID == "" {
		t.Error("expected generated attempt id")
	}
	if report.Attempt.AttemptedAt.IsZero() {
		t.Error("expected attempted_at to be set")
	}
	if report.Attempt.ProcessingEndpoint != "sales" {
		t.Errorf("expected processing endpoint sales, got %s", report.Attempt.ProcessingEndpoint)
	}
	if report.Attempt.Exception == nil || report.Attempt.Exception.Type != "TimeoutException" {
		t.Errorf("expected TimeoutException, got %+v", report.Attempt.Exception)
	}
	if string(report.Attempt.Body) != `{"order_id":"o1"}` {
		t.Errorf("unexpected body %s", report.Attempt.Body)
	}
}

func TestReporter_ReportProcessedAndArchived(t *testing.T) {
	nc := newMockNATS()
	r := NewReporter(nc, "acme", "billing")

	if err := r.ReportProcessed("msg-1"); err != nil {
		t.Fatalf("report processed: %v", err)
	}
	if err := r.ReportArchived("msg-2"); err != nil {
		t.Fatalf("report archived: %v", err)
	}

	msgs := nc.published()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(msgs))
	}
	if msgs[0].Subject != "acme.message.processed" {
		t.Errorf("unexpected subject %s", msgs[0].Subject)
	}
	if msgs[1].Subject != "acme.message.archived" {
		t.Errorf("unexpected subject %s", msgs[1].Subject)
	}

	var ev MessageEvent
	if err := json.Unmarshal(msgs[1].Data, &ev); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ev.UniqueMessageID != "msg-2" || ev.Endpoint != "billing" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestReporter_PublishError(t *testing.T) {
	nc := newMockNATS()
	nc.err = errors.New("connection closed")
	r := NewReporter(nc, "", "sales")

	if err := r.ReportProcessed("msg-1"); err == nil {
		t.Error("expected publish error")
	}
}
