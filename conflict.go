package recoverability

import (
	"context"
	"errors"
	"fmt"
)

// RetryOnConflict runs fn until it succeeds, fails with an error other than
// ErrConcurrencyConflict, or attempts are used up. fn must reload whatever state
// it writes on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		concurrencyConflicts.Inc()
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConflictRetriesExhausted, attempts, err)
}
