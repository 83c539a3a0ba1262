package recoverability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// operationRunner is the part of the coordinator the sweeper drives.
type operationRunner interface {
	isRunning(requestID string) bool
	launch(requestID string) bool
	forget(ctx context.Context, requestID string)
}

// Sweeper periodically resumes operations whose lease stalled or was
// released and expires finished work. The coordinator's claim decides
// whether a launched operation actually runs.
type Sweeper struct {
	store        DataStore
	runner       operationRunner
	clock        Clock
	interval     time.Duration
	stallTimeout time.Duration
	retention    time.Duration

	once sync.Once
	done chan struct{}
}

func newSweeper(store DataStore, runner operationRunner, clock Clock, cfg Config) *Sweeper {
	return &Sweeper{
		store:        store,
		runner:       runner,
		clock:        clock,
		interval:     cfg.SweepInterval,
		stallTimeout: cfg.StallTimeout,
		retention:    cfg.RetentionPeriod,
		done:         make(chan struct{}),
	}
}

// Start begins the periodic sweep loop. Call with a cancellable context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	s.once.Do(func() {
		ticker := time.NewTicker(s.interval)
		go func() {
			defer ticker.Stop()
			defer close(s.done)
			for {
				select {
				case <-ticker.C:
					s.sweep(ctx)
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Wait blocks until a started sweeper has stopped. It returns at once if
// Start was never called.
func (s *Sweeper) Wait() {
	started := true
	s.once.Do(func() {
		started = false
		close(s.done)
	})
	if started {
		<-s.done
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.resumeStalled(ctx)
	if s.retention > 0 {
		s.expire(ctx)
	}
}

func (s *Sweeper) resumeStalled(ctx context.Context) {
	ops, err := s.store.ListOperations(ctx, ActiveStates...)
	if err != nil {
		slog.Error("sweeper: failed to list active operations", "error", err)
		return
	}

	now := s.clock.Now()
	resumed := 0
	for _, op := range ops {
		leased := op.Owner != "" && now.Sub(op.Last) < s.stallTimeout
		if leased || s.runner.isRunning(op.RequestID) {
			continue
		}
		if s.runner.launch(op.RequestID) {
			resumed++
			slog.Warn("sweeper: resuming stalled operation",
				"request_id", op.RequestID,
				"state", op.State,
				"owner", op.Owner,
				"last", op.Last,
			)
		}
	}

	if resumed > 0 {
		slog.Info("sweeper: stalled operations resumed", "resumed", resumed, "active", len(ops))
	}
}

func (s *Sweeper) expire(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.retention)

	n, err := s.store.DeleteRecords(ctx, []FailureStatus{StatusResolved, StatusArchived}, cutoff)
	if err != nil {
		slog.Error("sweeper: failed to delete expired records", "error", err)
	} else if n > 0 {
		slog.Info("sweeper: expired records deleted", "count", n)
	}

	ops, err := s.store.ListOperations(ctx, TerminalStates...)
	if err != nil {
		slog.Error("sweeper: failed to list finished operations", "error", err)
		return
	}
	deleted := 0
	for _, op := range ops {
		if op.CompletedAt == nil || !op.CompletedAt.Before(cutoff) {
			continue
		}
		if err := s.store.DeleteOperation(ctx, op.RequestID); err != nil {
			slog.Error("sweeper: failed to delete operation",
				"request_id", op.RequestID,
				"error", err,
			)
			continue
		}
		s.runner.forget(ctx, op.RequestID)
		deleted++
	}
	if deleted > 0 {
		slog.Info("sweeper: expired operations deleted", "count", deleted)
	}
}
