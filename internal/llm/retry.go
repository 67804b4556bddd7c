package llm

import (
	"context"
	"time"
)

// retrier holds shared backoff configuration, grounded on the reference
// agent framework's BaseProvider.Retry.
type retrier struct {
	maxRetries int
	retryDelay time.Duration
}

func newRetrier(maxRetries int, retryDelay time.Duration) retrier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return retrier{maxRetries: maxRetries, retryDelay: retryDelay}
}

func (r retrier) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt >= r.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}
