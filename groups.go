package recoverability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// FailureGroup is a durable cluster of failure records sharing a classifier key.
// Count is the number of open records that carry the key.
type FailureGroup struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Title string    `json:"title"`
	Count int       `json:"count"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// NewFailureGroup returns an empty group for a classifier key.
func NewFailureGroup(id string) FailureGroup {
	typ, title := groupInfo(id)
	return FailureGroup{ID: id, Type: typ, Title: title}
}

// errNoChange aborts a record update without writing.
var errNoChange = errors.New("no change")

// GroupIndex owns failure records and keeps group counts in step with them.
// Every record write carries the group deltas it implies.
type GroupIndex struct {
	store      DataStore
	classifier *Classifier
	notifier   Notifier
	clock      Clock
	cfg        Config
}

// NewGroupIndex creates a group index. A nil notifier or clock falls back to
// NopNotifier and SystemClock.
func NewGroupIndex(store DataStore, classifier *Classifier, notifier Notifier, clock Clock, cfg Config) *GroupIndex {
	if classifier == nil {
		classifier = NewClassifier(ExceptionTypeRule{}, EndpointRule{})
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &GroupIndex{
		store:      store,
		classifier: classifier,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg.withDefaults(),
	}
}

// groupDeltas computes the count changes between a record's contribution
// before and after an update. A record contributes +1 to each of its groups
// while it is open.
func groupDeltas(before []string, wasOpen bool, after []string, isOpen bool) []GroupDelta {
	var prev, next []string
	if wasOpen {
		prev = before
	}
	if isOpen {
		next = after
	}

	var deltas []GroupDelta
	for _, g := range next {
		if !slices.Contains(prev, g) {
			deltas = append(deltas, GroupDelta{GroupID: g, Change: 1})
		}
	}
	for _, g := range prev {
		if !slices.Contains(next, g) {
			deltas = append(deltas, GroupDelta{GroupID: g, Change: -1})
		}
	}
	slices.SortFunc(deltas, func(a, b GroupDelta) int {
		switch {
		case a.GroupID < b.GroupID:
			return -1
		case a.GroupID > b.GroupID:
			return 1
		}
		return 0
	})
	return deltas
}

// update loads a record, applies fn and saves it with the resulting group
// deltas, reloading and reapplying on concurrency conflicts. fn receives nil
// when the record does not exist and may return a new one. Returning
// errNoChange skips the write; update then returns the loaded record and nil.
func (g *GroupIndex) update(ctx context.Context, id string, fn func(rec *FailureRecord) (*FailureRecord, error)) (*FailureRecord, error) {
	var result *FailureRecord
	var activated []FailureGroup

	err := RetryOnConflict(ctx, g.cfg.ConflictRetries, func(ctx context.Context) error {
		current, err := g.store.GetRecord(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("get record: %w", err)
		}

		var wasOpen bool
		var before []string
		if current != nil {
			wasOpen = current.Status.IsOpen()
			before = slices.Clone(current.FailureGroups)
		}

		next, err := fn(current.Clone())
		if errors.Is(err, errNoChange) {
			result = current
			activated = nil
			return nil
		}
		if err != nil {
			return err
		}

		now := g.clock.Now()
		next.LastModified = now
		if next.Status.IsOpen() && (!wasOpen || next.OpenedAt.IsZero()) {
			next.OpenedAt = now
		}
		deltas := groupDeltas(before, wasOpen, next.FailureGroups, next.Status.IsOpen())
		activated, err = g.store.SaveRecord(ctx, next, deltas)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, grp := range activated {
		groupActivations.Inc()
		slog.Info("groups: new failure group detected", "group_id", grp.ID, "type", grp.Type)
		g.notifier.NewFailureGroupDetected(ctx, grp)
	}
	return result, nil
}

// RecordFailure ingests a failure report: it creates the record or appends
// the attempt, classifies it and updates group counts. Re-reporting the same
// attempt is a no-op.
func (g *GroupIndex) RecordFailure(ctx context.Context, report FailureReport) (*FailureRecord, error) {
	if report.UniqueMessageID == "" {
		return nil, errors.New("record failure: unique message id is required")
	}
	attempt := report.Attempt
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.New().String()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = g.clock.Now()
	}

	rec, err := g.update(ctx, report.UniqueMessageID, func(rec *FailureRecord) (*FailureRecord, error) {
		if rec == nil {
			rec = &FailureRecord{UniqueMessageID: report.UniqueMessageID}
		}
		if !rec.ApplyAttempt(attempt, g.cfg.AttemptHistoryDepth) {
			return nil, errNoChange
		}
		rec.FailureGroups = g.classifier.Classify(attempt)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record failure %s: %w", report.UniqueMessageID, err)
	}
	return rec, nil
}

// Classify re-runs the classifier on the record's latest attempt and moves
// its group memberships accordingly.
func (g *GroupIndex) Classify(ctx context.Context, id string) (*FailureRecord, error) {
	rec, err := g.update(ctx, id, func(rec *FailureRecord) (*FailureRecord, error) {
		if rec == nil {
			return nil, ErrNotFound
		}
		last, ok := rec.LastAttempt()
		if !ok {
			return nil, errNoChange
		}
		groups := g.classifier.Classify(last)
		if slices.Equal(groups, rec.FailureGroups) {
			return nil, errNoChange
		}
		rec.FailureGroups = groups
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", id, err)
	}
	return rec, nil
}

// Transition applies an explicit status change. Moving to the current status
// is a no-op. requestID is recorded when the record becomes RetryIssued.
func (g *GroupIndex) Transition(ctx context.Context, id string, to FailureStatus, requestID string) (*FailureRecord, error) {
	rec, err := g.update(ctx, id, func(rec *FailureRecord) (*FailureRecord, error) {
		if rec == nil {
			return nil, ErrNotFound
		}
		if rec.Status == to {
			return nil, errNoChange
		}
		if err := rec.Transition(to); err != nil {
			return nil, err
		}
		if to == StatusRetryIssued {
			rec.LastRetryRequestID = requestID
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	return rec, nil
}

// Resolve marks a record as successfully processed.
func (g *GroupIndex) Resolve(ctx context.Context, id string) (*FailureRecord, error) {
	return g.Transition(ctx, id, StatusResolved, "")
}

// Reclassify re-applies the current rules to every record, page by page.
// It returns the number of records whose groups changed.
func (g *GroupIndex) Reclassify(ctx context.Context) (int, error) {
	changed := 0
	after := ""
	for {
		ids, err := g.store.QueryRecordIDs(ctx, RecordQuery{After: after, Limit: g.cfg.QueryPageSize})
		if err != nil {
			return changed, fmt.Errorf("reclassify: query records: %w", err)
		}
		for _, id := range ids {
			before, err := g.store.GetRecord(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return changed, fmt.Errorf("reclassify: %w", err)
			}
			rec, err := g.Classify(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return changed, fmt.Errorf("reclassify: %w", err)
			}
			if !slices.Equal(before.FailureGroups, rec.FailureGroups) {
				changed++
			}
		}
		if len(ids) < g.cfg.QueryPageSize {
			break
		}
		after = ids[len(ids)-1]
	}
	slog.Info("groups: reclassification complete", "changed", changed)
	return changed, nil
}

// Group returns one failure group.
func (g *GroupIndex) Group(ctx context.Context, id string) (*FailureGroup, error) {
	return g.store.GetGroup(ctx, id)
}

// Groups lists failure groups that currently have open records.
func (g *GroupIndex) Groups(ctx context.Context) ([]FailureGroup, error) {
	return g.store.ListGroups(ctx)
}
