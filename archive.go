package recoverability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ArchiveBatchManager stages archive operations into batches and moves each
// record to Archived. Records that are already archived or resolved are
// skipped without error.
type ArchiveBatchManager struct {
	store  DataStore
	index  *GroupIndex
	driver *batchDriver
}

// NewArchiveBatchManager creates an archive batch manager.
func NewArchiveBatchManager(store DataStore, index *GroupIndex, clock Clock, cfg Config) *ArchiveBatchManager {
	if clock == nil {
		clock = SystemClock{}
	}
	m := &ArchiveBatchManager{store: store, index: index}
	m.driver = &batchDriver{store: store, clock: clock, cfg: cfg.withDefaults(), action: m}
	return m
}

// Stage persists the operation's batches.
func (m *ArchiveBatchManager) Stage(ctx context.Context, requestID string, ids []string) (*Operation, error) {
	return m.driver.stage(ctx, requestID, ids)
}

// Archive processes batches from the operation's cursor onwards.
func (m *ArchiveBatchManager) Archive(ctx context.Context, op *Operation, onBatch func(*Operation)) (*Operation, error) {
	return m.driver.forward(ctx, op, onBatch)
}

func (m *ArchiveBatchManager) kind() OperationKind { return KindArchive }

func archiveSkipReason(s FailureStatus) string {
	switch s {
	case StatusArchived:
		return SkipAlreadyArchived
	case StatusResolved:
		return SkipAlreadyResolved
	}
	return ""
}

func (m *ArchiveBatchManager) process(ctx context.Context, op *Operation, id string) (messageResult, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return skipResult(SkipNotFound), nil
		}
		if ctx.Err() != nil {
			return messageResult{}, ctx.Err()
		}
		slog.Warn("archive: failed to load record", "request_id", op.RequestID, "message_id", id, "error", err)
		return skipResult(SkipLoadFailed), nil
	}
	if reason := archiveSkipReason(rec.Status); reason != "" {
		return skipResult(reason), nil
	}

	var reason string
	_, err = m.index.update(ctx, id, func(rec *FailureRecord) (*FailureRecord, error) {
		if rec == nil {
			reason = SkipNotFound
			return nil, errNoChange
		}
		if reason = archiveSkipReason(rec.Status); reason != "" {
			return nil, errNoChange
		}
		if err := rec.Transition(StatusArchived); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return messageResult{}, ctx.Err()
		}
		return messageResult{}, fmt.Errorf("mark archived: %w", err)
	}
	if reason != "" {
		return skipResult(reason), nil
	}
	return doneResult(), nil
}
