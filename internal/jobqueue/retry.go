package jobqueue

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"

	"github.com/fernlab/evalsvc/internal/config"
)

// panicError wraps a recovered engine panic so the job can fail with the
// panic's stack recorded in the error details instead of crashing the
// process.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("engine panic: %v", p.value) }

// invokeEngine runs fn, converting a panic into a *panicError return.
func invokeEngine(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

// withRetry runs op under bounded exponential backoff. Every failure is
// retryable up to MaxRetries; the caller logs and swallows whatever error
// survives the retries.
func withRetry(ctx context.Context, cfg config.RetryConfig, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.InitialDelay
	expo.MaxInterval = cfg.MaxDelay
	expo.Multiplier = cfg.Multiplier
	expo.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(cfg.MaxRetries)), ctx)
	return backoff.Retry(op, bo)
}
