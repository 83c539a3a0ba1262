package recoverability

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(store DataStore, notifier Notifier, clock Clock) *GroupIndex {
	return NewGroupIndex(store, NewClassifier(ExceptionTypeRule{}, EndpointRule{}), notifier, clock, Config{})
}

func groupCount(t *testing.T, store DataStore, id string) int {
	t.Helper()
	g, err := store.GetGroup(context.Background(), id)
	if err != nil {
		return 0
	}
	return g.Count
}

func TestGroupDeltas(t *testing.T) {
	tests := []struct {
		name    string
		before  []string
		wasOpen bool
		after   []string
		isOpen  bool
		want    []GroupDelta
	}{
		{
			name:   "new open record",
			after:  []string{"b", "a"},
			isOpen: true,
			want:   []GroupDelta{{"a", 1}, {"b", 1}},
		},
		{
			name:    "record closes",
			before:  []string{"a", "b"},
			wasOpen: true,
			after:   []string{"a", "b"},
			want:    []GroupDelta{{"a", -1}, {"b", -1}},
		},
		{
			name:    "reclassified while open",
			before:  []string{"a", "b"},
			wasOpen: true,
			after:   []string{"b", "c"},
			isOpen:  true,
			want:    []GroupDelta{{"a", -1}, {"c", 1}},
		},
		{
			name:   "closed stays closed",
			before: []string{"a"},
			after:  []string{"a"},
		},
		{
			name:    "open stays open",
			before:  []string{"a"},
			wasOpen: true,
			after:   []string{"a"},
			isOpen:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := groupDeltas(tt.before, tt.wasOpen, tt.after, tt.isOpen)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroupIndex_RecordFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	clock := newFakeClock()
	idx := newTestIndex(store, notifier, clock)

	at := clock.Now().Add(-time.Minute)
	rec, err := idx.RecordFailure(ctx, failureReport("m-1", "TimeoutException", "sales", at))
	require.NoError(t, err)
	assert.Equal(t, StatusUnresolved, rec.Status)
	assert.Equal(t, []string{"endpoint:sales", "exception-type:TimeoutException"}, rec.FailureGroups)
	assert.Equal(t, int64(1), rec.Version)

	assert.Equal(t, 1, groupCount(t, store, "exception-type:TimeoutException"))
	assert.Equal(t, 1, groupCount(t, store, "endpoint:sales"))
	assert.Len(t, notifier.detected(), 2)

	g, err := idx.Group(ctx, "exception-type:TimeoutException")
	require.NoError(t, err)
	assert.Equal(t, "exception-type", g.Type)
	assert.Equal(t, "TimeoutException", g.Title)
	assert.True(t, g.First.Equal(at))

	// A second attempt keeps membership, so counts and notifications stay put.
	rec, err = idx.RecordFailure(ctx, failureReport("m-1", "TimeoutException", "sales", at.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, StatusRepeatedFailure, rec.Status)
	assert.Equal(t, 1, groupCount(t, store, "exception-type:TimeoutException"))
	assert.Len(t, notifier.detected(), 2)

	// Re-reporting the same attempt is a no-op.
	before := rec.Version
	rec, err = idx.RecordFailure(ctx, failureReport("m-1", "TimeoutException", "sales", at.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, before, rec.Version)
}

func TestGroupIndex_RecordFailure_Validation(t *testing.T) {
	idx := newTestIndex(NewMemoryStore(), nil, nil)
	_, err := idx.RecordFailure(context.Background(), FailureReport{})
	assert.Error(t, err)
}

func TestGroupIndex_RecordFailure_FillsAttemptDefaults(t *testing.T) {
	clock := newFakeClock()
	idx := newTestIndex(NewMemoryStore(), nil, clock)

	rec, err := idx.RecordFailure(context.Background(), FailureReport{
		UniqueMessageID: "m-1",
		Attempt:         ProcessingAttempt{ProcessingEndpoint: "sales"},
	})
	require.NoError(t, err)
	last, ok := rec.LastAttempt()
	require.True(t, ok)
	assert.NotEmpty(t, last.AttemptID)
	assert.True(t, last.AttemptedAt.Equal(clock.Now()))
	assert.Contains(t, rec.FailureGroups, Unclassified)
}

func TestGroupIndex_OpenedAtFollowsIngestClock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	idx := newTestIndex(NewMemoryStore(), nil, clock)
	opened := clock.Now()

	// The endpoint's clock runs two hours ahead.
	rec, err := idx.RecordFailure(ctx, failureReport("m-1", "Boom", "sales", clock.Now().Add(2*time.Hour)))
	require.NoError(t, err)
	assert.True(t, rec.OpenedAt.Equal(opened), "opened at %s", rec.OpenedAt)

	clock.Advance(time.Minute)
	rec, err = idx.RecordFailure(ctx, failureReport("m-1", "Boom", "sales", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusRepeatedFailure, rec.Status)
	assert.True(t, rec.OpenedAt.Equal(opened), "a failure while open keeps the opening time")

	_, err = idx.Transition(ctx, "m-1", StatusRetryIssued, "req-1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	rec, err = idx.RecordFailure(ctx, failureReport("m-1", "Boom", "sales", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusRepeatedFailure, rec.Status)
	assert.True(t, rec.OpenedAt.Equal(clock.Now()), "reopening after a retry moves the opening time")

	_, err = idx.Resolve(ctx, "m-1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	rec, err = idx.RecordFailure(ctx, failureReport("m-1", "Boom", "sales", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusUnresolved, rec.Status)
	assert.True(t, rec.OpenedAt.Equal(clock.Now()))
}

func TestGroupIndex_Transition_UpdatesCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()
	idx := newTestIndex(store, nil, clock)
	group := "exception-type:ValidationException"

	for i := range 3 {
		_, err := idx.RecordFailure(ctx, failureReport(fmt.Sprintf("m-%d", i), "ValidationException", "billing", clock.Now()))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, groupCount(t, store, group))

	rec, err := idx.Transition(ctx, "m-0", StatusRetryIssued, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", rec.LastRetryRequestID)
	assert.Equal(t, 2, groupCount(t, store, group))

	_, err = idx.Resolve(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, groupCount(t, store, group))

	// RetryIssued back to Unresolved re-opens the record.
	_, err = idx.Transition(ctx, "m-0", StatusUnresolved, "")
	require.NoError(t, err)
	assert.Equal(t, 2, groupCount(t, store, group))

	// Same-status transition is a no-op.
	_, err = idx.Transition(ctx, "m-0", StatusUnresolved, "")
	require.NoError(t, err)
	assert.Equal(t, 2, groupCount(t, store, group))

	_, err = idx.Transition(ctx, "m-1", StatusRetryIssued, "req-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = idx.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupIndex_NotifiesOncePerActivation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	clock := newFakeClock()
	idx := NewGroupIndex(store, NewClassifier(ExceptionTypeRule{}), notifier, clock, Config{})

	_, err := idx.RecordFailure(ctx, failureReport("m-1", "Boom", "a", clock.Now()))
	require.NoError(t, err)
	_, err = idx.RecordFailure(ctx, failureReport("m-2", "Boom", "a", clock.Now()))
	require.NoError(t, err)
	require.Len(t, notifier.detected(), 1)

	_, err = idx.Resolve(ctx, "m-1")
	require.NoError(t, err)
	_, err = idx.Resolve(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, 0, groupCount(t, store, "exception-type:Boom"))

	groups, err := idx.Groups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	// The group goes from zero to positive again.
	_, err = idx.RecordFailure(ctx, failureReport("m-3", "Boom", "a", clock.Now()))
	require.NoError(t, err)
	assert.Len(t, notifier.detected(), 2)
}

func TestGroupIndex_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	store.saveConflicts = 2
	idx := newTestIndex(store, nil, newFakeClock())

	rec, err := idx.RecordFailure(ctx, failureReport("m-1", "Boom", "a", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, store.saveCalls)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 1, groupCount(t, store, "exception-type:Boom"))
}

func TestGroupIndex_ConflictRetriesExhausted(t *testing.T) {
	store := newMockStore()
	store.saveConflicts = 100
	idx := NewGroupIndex(store, nil, nil, nil, Config{ConflictRetries: 3})

	_, err := idx.RecordFailure(context.Background(), failureReport("m-1", "Boom", "a", time.Now()))
	require.ErrorIs(t, err, ErrConflictRetriesExhausted)
	assert.Equal(t, 3, store.saveCalls)
	assert.Equal(t, 0, groupCount(t, store, "exception-type:Boom"))
}

func TestGroupIndex_Reclassify(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()
	byException := NewGroupIndex(store, NewClassifier(ExceptionTypeRule{}), nil, clock, Config{QueryPageSize: 2})

	for i := range 5 {
		_, err := byException.RecordFailure(ctx, failureReport(fmt.Sprintf("m-%d", i), "Boom", "sales", clock.Now()))
		require.NoError(t, err)
	}
	_, err := byException.Resolve(ctx, "m-4")
	require.NoError(t, err)
	assert.Equal(t, 4, groupCount(t, store, "exception-type:Boom"))

	byEndpoint := NewGroupIndex(store, NewClassifier(EndpointRule{}), nil, clock, Config{QueryPageSize: 2})
	changed, err := byEndpoint.Reclassify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, changed)

	assert.Equal(t, 0, groupCount(t, store, "exception-type:Boom"))
	// Resolved records move membership but never count.
	assert.Equal(t, 4, groupCount(t, store, "endpoint:sales"))

	changed, err = byEndpoint.Reclassify(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

// Concurrent ingestion and transitions must leave every group count equal
// to the number of open records carrying that group.
func TestGroupIndex_ConcurrentCountsMatchRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	idx := NewGroupIndex(store, NewClassifier(ExceptionTypeRule{}, EndpointRule{}), nil, nil, Config{ConflictRetries: 1000})

	exceptions := []string{"Timeout", "Validation", "Null"}
	endpoints := []string{"sales", "billing"}
	statuses := []FailureStatus{StatusRetryIssued, StatusResolved, StatusArchived, StatusUnresolved}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := range 200 {
				id := fmt.Sprintf("m-%d", rng.Intn(40))
				if rng.Intn(2) == 0 {
					report := failureReport(id, exceptions[rng.Intn(len(exceptions))], endpoints[rng.Intn(len(endpoints))], time.Now())
					report.Attempt.AttemptID = fmt.Sprintf("w%d-%d", w, i)
					_, _ = idx.RecordFailure(ctx, report)
					continue
				}
				_, _ = idx.Transition(ctx, id, statuses[rng.Intn(len(statuses))], "req")
			}
		}()
	}
	wg.Wait()

	records, err := store.QueryRecords(ctx, RecordQuery{})
	require.NoError(t, err)
	want := make(map[string]int)
	for _, rec := range records {
		if !rec.Status.IsOpen() {
			continue
		}
		for _, g := range rec.FailureGroups {
			want[g]++
		}
	}

	for _, exc := range exceptions {
		id := GroupKey(ClassifierExceptionType, exc)
		assert.Equal(t, want[id], groupCount(t, store, id), id)
	}
	for _, ep := range endpoints {
		id := GroupKey(ClassifierEndpoint, ep)
		assert.Equal(t, want[id], groupCount(t, store, id), id)
	}
}
