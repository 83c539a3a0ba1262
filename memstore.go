package recoverability

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory DataStore. It is used by tests and
// by single-process deployments without Postgres.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]*FailureRecord
	groups     map[string]*FailureGroup
	operations map[string]*Operation
	batches    map[string][]*Batch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*FailureRecord),
		groups:     make(map[string]*FailureGroup),
		operations: make(map[string]*Operation),
		batches:    make(map[string][]*Batch),
	}
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (*FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) SaveRecord(_ context.Context, rec *FailureRecord, deltas []GroupDelta) ([]FailureGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.UniqueMessageID]
	switch {
	case !ok && rec.Version != 0:
		return nil, fmt.Errorf("record %s: %w", rec.UniqueMessageID, ErrConcurrencyConflict)
	case ok && existing.Version != rec.Version:
		return nil, fmt.Errorf("record %s: %w", rec.UniqueMessageID, ErrConcurrencyConflict)
	}

	var activated []FailureGroup
	for _, d := range deltas {
		if d.Change == 0 {
			continue
		}
		g, ok := m.groups[d.GroupID]
		if !ok {
			ng := NewFailureGroup(d.GroupID)
			g = &ng
			m.groups[d.GroupID] = g
		}
		prev := g.Count
		g.Count += d.Change
		if d.Change > 0 {
			if g.First.IsZero() || rec.LastFailedAt.Before(g.First) {
				g.First = rec.LastFailedAt
			}
			if rec.LastFailedAt.After(g.Last) {
				g.Last = rec.LastFailedAt
			}
		}
		if prev <= 0 && g.Count > 0 {
			activated = append(activated, *g)
		}
	}

	rec.Version++
	m.records[rec.UniqueMessageID] = rec.Clone()
	return activated, nil
}

func recordEndpoint(rec *FailureRecord) string {
	last, ok := rec.LastAttempt()
	if !ok {
		return ""
	}
	return last.ProcessingEndpoint
}

func (m *MemoryStore) matching(q RecordQuery) []*FailureRecord {
	var out []*FailureRecord
	for _, rec := range m.records {
		if q.After != "" && rec.UniqueMessageID <= q.After {
			continue
		}
		if q.Group != "" && !slices.Contains(rec.FailureGroups, q.Group) {
			continue
		}
		if q.Endpoint != "" && recordEndpoint(rec) != q.Endpoint {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, rec.Status) {
			continue
		}
		if !q.OpenedBefore.IsZero() && rec.OpenedAt.After(q.OpenedBefore) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueMessageID < out[j].UniqueMessageID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *MemoryStore) QueryRecords(_ context.Context, q RecordQuery) ([]*FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := m.matching(q)
	out := make([]*FailureRecord, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (m *MemoryStore) QueryRecordIDs(_ context.Context, q RecordQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := m.matching(q)
	ids := make([]string, len(matched))
	for i, rec := range matched {
		ids[i] = rec.UniqueMessageID
	}
	return ids, nil
}

func (m *MemoryStore) DeleteRecords(_ context.Context, statuses []FailureStatus, modifiedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.Status.IsOpen() || !slices.Contains(statuses, rec.Status) {
			continue
		}
		if rec.LastModified.Before(modifiedBefore) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id string) (*FailureGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListGroups(_ context.Context) ([]FailureGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []FailureGroup{}
	for _, g := range m.groups {
		if g.Count > 0 {
			out = append(out, *g)
		}
	}
	sortGroups(out)
	return out, nil
}

// sortGroups orders groups by descending count, then id.
func sortGroups(groups []FailureGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].ID < groups[j].ID
	})
}

func (m *MemoryStore) CreateOperation(_ context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operations[op.RequestID]; ok {
		return fmt.Errorf("operation %s: %w", op.RequestID, ErrOperationExists)
	}
	op.Version = 1
	m.operations[op.RequestID] = op.Clone()
	return nil
}

func (m *MemoryStore) GetOperation(_ context.Context, requestID string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[requestID]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", requestID, ErrNotFound)
	}
	return op.Clone(), nil
}

// putOperation applies the optimistic version check. Caller holds mu.
func (m *MemoryStore) putOperation(op *Operation) error {
	existing, ok := m.operations[op.RequestID]
	if !ok {
		return fmt.Errorf("operation %s: %w", op.RequestID, ErrNotFound)
	}
	if existing.Version != op.Version {
		return fmt.Errorf("operation %s: %w", op.RequestID, ErrConcurrencyConflict)
	}
	return nil
}

func (m *MemoryStore) UpdateOperation(_ context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putOperation(op); err != nil {
		return err
	}
	op.Version++
	m.operations[op.RequestID] = op.Clone()
	return nil
}

func (m *MemoryStore) ListOperations(_ context.Context, states ...OperationState) ([]*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Operation
	for _, op := range m.operations {
		if len(states) > 0 && !slices.Contains(states, op.State) {
			continue
		}
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

func (m *MemoryStore) DeleteOperation(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operations[requestID]; !ok {
		return fmt.Errorf("operation %s: %w", requestID, ErrNotFound)
	}
	delete(m.operations, requestID)
	delete(m.batches, requestID)
	return nil
}

func (m *MemoryStore) StageOperation(_ context.Context, op *Operation, batches []*Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putOperation(op); err != nil {
		return err
	}
	if len(m.batches[op.RequestID]) > 0 {
		return fmt.Errorf("operation %s: batches already staged", op.RequestID)
	}
	staged := make([]*Batch, len(batches))
	for i, b := range batches {
		staged[i] = b.Clone()
	}
	op.Version++
	m.operations[op.RequestID] = op.Clone()
	m.batches[op.RequestID] = staged
	return nil
}

func (m *MemoryStore) findBatch(requestID string, number int) (int, error) {
	for i, b := range m.batches[requestID] {
		if b.BatchNumber == number {
			return i, nil
		}
	}
	return 0, fmt.Errorf("batch %s/%d: %w", requestID, number, ErrNotFound)
}

func (m *MemoryStore) GetBatch(_ context.Context, requestID string, number int) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.findBatch(requestID, number)
	if err != nil {
		return nil, err
	}
	return m.batches[requestID][i].Clone(), nil
}

func (m *MemoryStore) UpdateBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.findBatch(b.RequestID, b.BatchNumber)
	if err != nil {
		return err
	}
	m.batches[b.RequestID][i] = b.Clone()
	return nil
}

func (m *MemoryStore) ListBatches(_ context.Context, requestID string) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Batch, 0, len(m.batches[requestID]))
	for _, b := range m.batches[requestID] {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (m *MemoryStore) CompleteBatch(_ context.Context, b *Batch, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.findBatch(b.RequestID, b.BatchNumber)
	if err != nil {
		return err
	}
	if err := m.putOperation(op); err != nil {
		return err
	}
	op.Version++
	m.operations[op.RequestID] = op.Clone()
	m.batches[b.RequestID][i] = b.Clone()
	return nil
}

var _ DataStore = (*MemoryStore)(nil)
