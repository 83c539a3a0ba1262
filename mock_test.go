package recoverability

import (
	"context"
	"sync"
	"time"
)

// mockStore wraps MemoryStore with injectable errors and call counters.
type mockStore struct {
	*MemoryStore

	mu sync.Mutex

	getRecordErr     error
	saveErr          error
	saveConflicts    int // number of SaveRecord calls to fail with ErrConcurrencyConflict
	getBatchErr      error
	completeBatchErr error
	queryErr         error

	saveCalls          int
	completeBatchCalls int
	stageCalls         int
}

func newMockStore() *mockStore {
	return &mockStore{MemoryStore: NewMemoryStore()}
}

func (m *mockStore) GetRecord(ctx context.Context, id string) (*FailureRecord, error) {
	m.mu.Lock()
	err := m.getRecordErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.MemoryStore.GetRecord(ctx, id)
}

func (m *mockStore) SaveRecord(ctx context.Context, rec *FailureRecord, deltas []GroupDelta) ([]FailureGroup, error) {
	m.mu.Lock()
	m.saveCalls++
	if m.saveErr != nil {
		err := m.saveErr
		m.mu.Unlock()
		return nil, err
	}
	if m.saveConflicts > 0 {
		m.saveConflicts--
		m.mu.Unlock()
		return nil, ErrConcurrencyConflict
	}
	m.mu.Unlock()
	return m.MemoryStore.SaveRecord(ctx, rec, deltas)
}

func (m *mockStore) QueryRecordIDs(ctx context.Context, q RecordQuery) ([]string, error) {
	m.mu.Lock()
	err := m.queryErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.MemoryStore.QueryRecordIDs(ctx, q)
}

func (m *mockStore) StageOperation(ctx context.Context, op *Operation, batches []*Batch) error {
	m.mu.Lock()
	m.stageCalls++
	m.mu.Unlock()
	return m.MemoryStore.StageOperation(ctx, op, batches)
}

func (m *mockStore) GetBatch(ctx context.Context, requestID string, number int) (*Batch, error) {
	m.mu.Lock()
	err := m.getBatchErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.MemoryStore.GetBatch(ctx, requestID, number)
}

func (m *mockStore) CompleteBatch(ctx context.Context, b *Batch, op *Operation) error {
	m.mu.Lock()
	m.completeBatchCalls++
	err := m.completeBatchErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryStore.CompleteBatch(ctx, b, op)
}

func (m *mockStore) setGetBatchErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getBatchErr = err
}

// mockTransport records sent messages. fail maps message ids to send errors;
// hook, when set, runs before every send.
type mockTransport struct {
	mu   sync.Mutex
	sent []OutgoingMessage
	err  error
	fail map[string]error
	hook func(ctx context.Context, msg OutgoingMessage) error
}

func newMockTransport() *mockTransport {
	return &mockTransport{fail: make(map[string]error)}
}

func (m *mockTransport) Send(ctx context.Context, msg OutgoingMessage) error {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err, ok := m.fail[msg.MessageID]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) messages() []OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]OutgoingMessage, len(m.sent))
	copy(cp, m.sent)
	return cp
}

func (m *mockTransport) sentIDs() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]int, len(m.sent))
	for _, msg := range m.sent {
		ids[msg.MessageID]++
	}
	return ids
}

// recordingNotifier captures notifier events for test assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	groups    []FailureGroup
	progress  []Progress
	completed []OperationCompleted
}

func (n *recordingNotifier) NewFailureGroupDetected(_ context.Context, g FailureGroup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = append(n.groups, g)
}

func (n *recordingNotifier) OperationProgressChanged(_ context.Context, p Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) OperationCompleted(_ context.Context, ev OperationCompleted) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, ev)
}

func (n *recordingNotifier) detected() []FailureGroup {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]FailureGroup(nil), n.groups...)
}

func (n *recordingNotifier) completions() []OperationCompleted {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]OperationCompleted(nil), n.completed...)
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failureReport builds a report whose attempt failed with excType on endpoint.
func failureReport(id, excType, endpoint string, at time.Time) FailureReport {
	return FailureReport{
		UniqueMessageID: id,
		Attempt: ProcessingAttempt{
			AttemptID:          id + "@" + at.Format(time.RFC3339Nano),
			AttemptedAt:        at,
			Exception:          &ExceptionInfo{Type: excType, Message: excType + " happened"},
			MessageType:        "Orders.PlaceOrder",
			ProcessingEndpoint: endpoint,
			FailedQueue:        "orders." + endpoint,
			Headers:            map[string]string{"Content-Type": "application/json"},
			Body:               []byte(`{"order_id":"` + id + `"}`),
		},
	}
}

// Verify interfaces at compile time.
var (
	_ DataStore     = (*mockStore)(nil)
	_ Transport     = (*mockTransport)(nil)
	_ Notifier      = (*recordingNotifier)(nil)
	_ NATSPublisher = (*mockNATS)(nil)
	_ Clock         = (*fakeClock)(nil)
)
