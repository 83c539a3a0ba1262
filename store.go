package recoverability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store handles recoverability persistence to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store from an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("store: failed to rollback transaction", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const recordColumns = `unique_message_id, status, failure_groups, processing_attempts,
	last_retry_request_id, first_failed_at, last_failed_at, opened_at, last_modified, version`

func (s *Store) GetRecord(ctx context.Context, id string) (*FailureRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM failure_records WHERE unique_message_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// SaveRecord writes the record and its group deltas in one transaction.
func (s *Store) SaveRecord(ctx context.Context, rec *FailureRecord, deltas []GroupDelta) ([]FailureGroup, error) {
	attemptsJSON, err := json.Marshal(rec.ProcessingAttempts)
	if err != nil {
		return nil, fmt.Errorf("marshal attempts: %w", err)
	}
	groups := rec.FailureGroups
	if groups == nil {
		groups = []string{}
	}

	var activated []FailureGroup
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var tag pgconn.CommandTag
		var err error
		if rec.Version == 0 {
			tag, err = tx.Exec(ctx, `
				INSERT INTO failure_records
					(unique_message_id, status, failure_groups, processing_endpoint, processing_attempts,
					 last_retry_request_id, first_failed_at, last_failed_at, opened_at, last_modified, version)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
				ON CONFLICT (unique_message_id) DO NOTHING
			`,
				rec.UniqueMessageID, rec.Status, groups, recordEndpoint(rec), attemptsJSON,
				rec.LastRetryRequestID, rec.FirstFailedAt, rec.LastFailedAt, rec.OpenedAt, rec.LastModified,
			)
		} else {
			tag, err = tx.Exec(ctx, `
				UPDATE failure_records
				SET status = $2, failure_groups = $3, processing_endpoint = $4, processing_attempts = $5,
				    last_retry_request_id = $6, first_failed_at = $7, last_failed_at = $8,
				    opened_at = $9, last_modified = $10, version = version + 1
				WHERE unique_message_id = $1 AND version = $11
			`,
				rec.UniqueMessageID, rec.Status, groups, recordEndpoint(rec), attemptsJSON,
				rec.LastRetryRequestID, rec.FirstFailedAt, rec.LastFailedAt, rec.OpenedAt, rec.LastModified, rec.Version,
			)
		}
		if err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("record %s: %w", rec.UniqueMessageID, ErrConcurrencyConflict)
		}

		for _, d := range deltas {
			if d.Change == 0 {
				continue
			}
			g, err := applyGroupDelta(ctx, tx, d, rec.LastFailedAt)
			if err != nil {
				return err
			}
			if g.Count > 0 && g.Count-d.Change <= 0 {
				activated = append(activated, g)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.Version++
	return activated, nil
}

func applyGroupDelta(ctx context.Context, q querier, d GroupDelta, at time.Time) (FailureGroup, error) {
	g := NewFailureGroup(d.GroupID)
	var first, last *time.Time
	err := q.QueryRow(ctx, `
		INSERT INTO failure_groups (id, type, title, count, first_at, last_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			count = failure_groups.count + EXCLUDED.count,
			first_at = CASE WHEN EXCLUDED.count > 0
				THEN LEAST(failure_groups.first_at, EXCLUDED.first_at) ELSE failure_groups.first_at END,
			last_at = CASE WHEN EXCLUDED.count > 0
				THEN GREATEST(failure_groups.last_at, EXCLUDED.last_at) ELSE failure_groups.last_at END
		RETURNING count, first_at, last_at
	`, g.ID, g.Type, g.Title, d.Change, at).Scan(&g.Count, &first, &last)
	if err != nil {
		return g, fmt.Errorf("apply delta to group %s: %w", d.GroupID, err)
	}
	if first != nil {
		g.First = *first
	}
	if last != nil {
		g.Last = *last
	}
	return g, nil
}

func buildRecordQuery(columns string, q RecordQuery) (string, []any) {
	sql := `SELECT ` + columns + ` FROM failure_records WHERE 1=1`
	args := []any{}
	n := 1

	if q.Group != "" {
		sql += fmt.Sprintf(` AND $%d = ANY(failure_groups)`, n)
		args = append(args, q.Group)
		n++
	}
	if q.Endpoint != "" {
		sql += fmt.Sprintf(` AND processing_endpoint = $%d`, n)
		args = append(args, q.Endpoint)
		n++
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		sql += fmt.Sprintf(` AND status = ANY($%d)`, n)
		args = append(args, statuses)
		n++
	}
	if !q.OpenedBefore.IsZero() {
		sql += fmt.Sprintf(` AND opened_at <= $%d`, n)
		args = append(args, q.OpenedBefore)
		n++
	}
	if q.After != "" {
		sql += fmt.Sprintf(` AND unique_message_id > $%d`, n)
		args = append(args, q.After)
		n++
	}

	sql += ` ORDER BY unique_message_id`

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	sql += fmt.Sprintf(` LIMIT $%d`, n)
	args = append(args, limit)
	return sql, args
}

func (s *Store) QueryRecords(ctx context.Context, q RecordQuery) ([]*FailureRecord, error) {
	sql, args := buildRecordQuery(recordColumns, q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*FailureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) QueryRecordIDs(ctx context.Context, q RecordQuery) ([]string, error) {
	sql, args := buildRecordQuery("unique_message_id", q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query record ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("query record ids: %w", err)
	}
	return ids, nil
}

func (s *Store) DeleteRecords(ctx context.Context, statuses []FailureStatus, modifiedBefore time.Time) (int, error) {
	var closed []string
	for _, st := range statuses {
		if !st.IsOpen() {
			closed = append(closed, string(st))
		}
	}
	if len(closed) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM failure_records
		WHERE status = ANY($1) AND last_modified < $2
	`, closed, modifiedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*FailureGroup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, title, count, first_at, last_at FROM failure_groups WHERE id = $1
	`, id)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]FailureGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, title, count, first_at, last_at
		FROM failure_groups
		WHERE count > 0
		ORDER BY count DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := []FailureGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

const operationColumns = `request_id, kind, state, scope, total, prepared, forwarded, skipped, archived,
	number_of_batches, current_batch, skip_reasons, failure_reason, cancel_requested, cancelled,
	snapshot_at, started_at, last_at, completed_at, owner, version`

func (s *Store) CreateOperation(ctx context.Context, op *Operation) error {
	scopeJSON, reasonsJSON, err := marshalOperation(op)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, 1)
		ON CONFLICT (request_id) DO NOTHING
	`,
		op.RequestID, op.Kind, op.State, scopeJSON, op.TotalNumberOfMessages, op.NumberOfMessagesPrepared,
		op.NumberOfMessagesForwarded, op.NumberOfMessagesSkipped, op.NumberOfMessagesArchived,
		op.NumberOfBatches, op.CurrentBatch, reasonsJSON, op.FailureReason, op.CancelRequested, op.Cancelled,
		op.SnapshotAt, op.Started, op.Last, op.CompletedAt, op.Owner,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s: %w", op.RequestID, ErrOperationExists)
	}
	op.Version = 1
	return nil
}

func (s *Store) GetOperation(ctx context.Context, requestID string) (*Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE request_id = $1`, requestID)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

func (s *Store) UpdateOperation(ctx context.Context, op *Operation) error {
	if err := updateOperationRow(ctx, s.pool, op); err != nil {
		return err
	}
	op.Version++
	return nil
}

func updateOperationRow(ctx context.Context, q querier, op *Operation) error {
	scopeJSON, reasonsJSON, err := marshalOperation(op)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE operations
		SET state = $2, scope = $3, total = $4, prepared = $5, forwarded = $6, skipped = $7,
		    archived = $8, number_of_batches = $9, current_batch = $10, skip_reasons = $11,
		    failure_reason = $12, cancel_requested = $13, cancelled = $14, last_at = $15,
		    completed_at = $16, owner = $17, version = version + 1
		WHERE request_id = $1 AND version = $18
	`,
		op.RequestID, op.State, scopeJSON, op.TotalNumberOfMessages, op.NumberOfMessagesPrepared,
		op.NumberOfMessagesForwarded, op.NumberOfMessagesSkipped, op.NumberOfMessagesArchived,
		op.NumberOfBatches, op.CurrentBatch, reasonsJSON, op.FailureReason, op.CancelRequested,
		op.Cancelled, op.Last, op.CompletedAt, op.Owner, op.Version,
	)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM operations WHERE request_id = $1)`, op.RequestID).Scan(&exists); err != nil {
			return fmt.Errorf("update operation: %w", err)
		}
		if !exists {
			return fmt.Errorf("operation %s: %w", op.RequestID, ErrNotFound)
		}
		return fmt.Errorf("operation %s: %w", op.RequestID, ErrConcurrencyConflict)
	}
	return nil
}

func (s *Store) ListOperations(ctx context.Context, states ...OperationState) ([]*Operation, error) {
	sql := `SELECT ` + operationColumns + ` FROM operations`
	args := []any{}
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		sql += ` WHERE state = ANY($1)`
		args = append(args, names)
	}
	sql += ` ORDER BY started_at`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) DeleteOperation(ctx context.Context, requestID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operations WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// StageOperation inserts all batches and updates the operation in one transaction.
func (s *Store) StageOperation(ctx context.Context, op *Operation, batches []*Batch) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateOperationRow(ctx, tx, op); err != nil {
			return err
		}
		for _, b := range batches {
			reasonsJSON, err := marshalReasons(b.SkipReasons)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO operation_batches
					(request_id, batch_number, document_ids, state, forwarded, archived, skipped,
					 skip_reasons, created_at, completed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`,
				b.RequestID, b.BatchNumber, b.DocumentIDs, b.State, b.Forwarded, b.Archived, b.Skipped,
				reasonsJSON, b.Created, b.CompletedAt,
			)
			if err != nil {
				return fmt.Errorf("insert batch %d: %w", b.BatchNumber, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	op.Version++
	return nil
}

const batchColumns = `request_id, batch_number, document_ids, state, forwarded, archived, skipped,
	skip_reasons, created_at, completed_at`

func (s *Store) GetBatch(ctx context.Context, requestID string, number int) (*Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM operation_batches WHERE request_id = $1 AND batch_number = $2
	`, requestID, number)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s/%d: %w", requestID, number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *Batch) error {
	return updateBatchRow(ctx, s.pool, b)
}

func updateBatchRow(ctx context.Context, q querier, b *Batch) error {
	reasonsJSON, err := marshalReasons(b.SkipReasons)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE operation_batches
		SET state = $3, forwarded = $4, archived = $5, skipped = $6, skip_reasons = $7, completed_at = $8
		WHERE request_id = $1 AND batch_number = $2
	`, b.RequestID, b.BatchNumber, b.State, b.Forwarded, b.Archived, b.Skipped, reasonsJSON, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s/%d: %w", b.RequestID, b.BatchNumber, ErrNotFound)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context, requestID string) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM operation_batches WHERE request_id = $1 ORDER BY batch_number
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// CompleteBatch writes the batch and the operation in one transaction.
func (s *Store) CompleteBatch(ctx context.Context, b *Batch, op *Operation) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateBatchRow(ctx, tx, b); err != nil {
			return err
		}
		return updateOperationRow(ctx, tx, op)
	})
	if err != nil {
		return err
	}
	op.Version++
	return nil
}

func marshalReasons(reasons map[string]int) ([]byte, error) {
	if reasons == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("marshal skip reasons: %w", err)
	}
	return data, nil
}

func marshalOperation(op *Operation) (scope, reasons []byte, err error) {
	scope, err = json.Marshal(op.Scope)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal scope: %w", err)
	}
	reasons, err = marshalReasons(op.SkipReasons)
	if err != nil {
		return nil, nil, err
	}
	return scope, reasons, nil
}

func scanRecord(row pgx.Row) (*FailureRecord, error) {
	var (
		rec          FailureRecord
		attemptsJSON []byte
	)
	err := row.Scan(
		&rec.UniqueMessageID, &rec.Status, &rec.FailureGroups, &attemptsJSON,
		&rec.LastRetryRequestID, &rec.FirstFailedAt, &rec.LastFailedAt, &rec.OpenedAt, &rec.LastModified, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attemptsJSON, &rec.ProcessingAttempts); err != nil {
		return nil, fmt.Errorf("decode attempts of %s: %w", rec.UniqueMessageID, err)
	}
	return &rec, nil
}

func scanGroup(row pgx.Row) (*FailureGroup, error) {
	var (
		g           FailureGroup
		first, last *time.Time
	)
	if err := row.Scan(&g.ID, &g.Type, &g.Title, &g.Count, &first, &last); err != nil {
		return nil, err
	}
	if first != nil {
		g.First = *first
	}
	if last != nil {
		g.Last = *last
	}
	return &g, nil
}

func scanOperation(row pgx.Row) (*Operation, error) {
	var (
		op                     Operation
		scopeJSON, reasonsJSON []byte
	)
	err := row.Scan(
		&op.RequestID, &op.Kind, &op.State, &scopeJSON, &op.TotalNumberOfMessages, &op.NumberOfMessagesPrepared,
		&op.NumberOfMessagesForwarded, &op.NumberOfMessagesSkipped, &op.NumberOfMessagesArchived,
		&op.NumberOfBatches, &op.CurrentBatch, &reasonsJSON, &op.FailureReason, &op.CancelRequested,
		&op.Cancelled, &op.SnapshotAt, &op.Started, &op.Last, &op.CompletedAt, &op.Owner, &op.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopeJSON, &op.Scope); err != nil {
		return nil, fmt.Errorf("decode scope of %s: %w", op.RequestID, err)
	}
	if err := json.Unmarshal(reasonsJSON, &op.SkipReasons); err != nil {
		return nil, fmt.Errorf("decode skip reasons of %s: %w", op.RequestID, err)
	}
	if len(op.SkipReasons) == 0 {
		op.SkipReasons = nil
	}
	return &op, nil
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var (
		b           Batch
		reasonsJSON []byte
	)
	err := row.Scan(
		&b.RequestID, &b.BatchNumber, &b.DocumentIDs, &b.State, &b.Forwarded, &b.Archived, &b.Skipped,
		&reasonsJSON, &b.Created, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasonsJSON, &b.SkipReasons); err != nil {
		return nil, fmt.Errorf("decode skip reasons of batch %d: %w", b.BatchNumber, err)
	}
	if len(b.SkipReasons) == 0 {
		b.SkipReasons = nil
	}
	return &b, nil
}

var _ DataStore = (*Store)(nil)
