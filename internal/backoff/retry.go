package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry executes fn with exponential backoff until it succeeds, a
// non-retryable error occurs, the attempt budget is spent, or the context
// ends. The retryable predicate decides which errors are worth another
// attempt; a nil predicate retries everything.
//
// fn receives the 1-indexed attempt number. The returned attempt count is the
// number of calls actually made.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (value T, attempts int, err error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		if cerr := ctx.Err(); cerr != nil {
			return value, attempts, cerr
		}

		v, ferr := fn(attempt)
		if ferr == nil {
			return v, attempts, nil
		}
		lastErr = ferr

		if retryable != nil && !retryable(ferr) {
			return value, attempts, ferr
		}

		if attempt < maxAttempts {
			if serr := SleepForAttempt(ctx, policy, attempt); serr != nil {
				return value, attempts, serr
			}
		}
	}

	return value, attempts, errors.Join(ErrAttemptsExhausted, lastErr)
}
