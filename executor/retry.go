package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stagekeeper/stagekeeper/config"
)

// InvokeOption configures an Invoke call.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	beforeRetry func(attempt int) error
}

// WithRetryGate installs a gate consulted before every retry attempt (the
// second attempt onward). The gate receives the attempt number about to run;
// returning an error stops the loop immediately and Invoke surfaces that
// error unchanged, with no transient/permanent classification. The caller
// uses this to charge each retry against the stage invocation budget.
func WithRetryGate(gate func(attempt int) error) InvokeOption {
	return func(o *invokeOptions) {
		o.beforeRetry = gate
	}
}

// retryAbort carries a gate error out of the backoff loop unclassified.
type retryAbort struct {
	err error
}

func (e *retryAbort) Error() string {
	return e.err.Error()
}

func (e *retryAbort) Unwrap() error {
	return e.err
}

// Invoke runs the executor with per-attempt timeout and exponential backoff
// on transient failures. A per-attempt timeout counts as a transient failure.
// Permanent failures abort immediately. When the retry budget is exhausted,
// the last transient error is escalated to permanent.
//
// attempts reports how many executor calls were made, for metrics.
func Invoke(ctx context.Context, exec Executor, req Request, cfg config.RetryConfig, timeout time.Duration, logger *slog.Logger, opts ...InvokeOption) (result *Result, attempts int, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var options invokeOptions
	for _, opt := range opts {
		opt(&options)
	}

	operation := func() (*Result, error) {
		if attempts > 0 && options.beforeRetry != nil {
			if gateErr := options.beforeRetry(attempts + 1); gateErr != nil {
				return nil, backoff.Permanent(&retryAbort{err: gateErr})
			}
		}
		attempts++

		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		res, execErr := exec.Execute(attemptCtx, req)
		if execErr == nil {
			return res, nil
		}

		if errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
			execErr = NewTransientError(fmt.Errorf("executor timed out after %s", timeout))
		}

		switch {
		case IsPermanent(execErr):
			return nil, backoff.Permanent(execErr)
		case ctx.Err() != nil:
			// Parent canceled; do not keep retrying.
			return nil, backoff.Permanent(execErr)
		default:
			logger.Warn("Executor attempt failed, will retry",
				"executor", exec.Name(),
				"task", req.TaskName,
				"attempt", attempts,
				"max_attempts", cfg.MaxAttempts,
				"error", execErr)
			return nil, execErr
		}
	}

	expo := backoff.NewExponentialBackOff()
	if cfg.BackoffBase > 0 {
		expo.InitialInterval = cfg.BackoffBase
	}
	if cfg.BackoffMultiplier > 0 {
		expo.Multiplier = cfg.BackoffMultiplier
	}
	if cfg.MaxBackoff > 0 {
		expo.MaxInterval = cfg.MaxBackoff
	}
	expo.RandomizationFactor = 0

	maxRetries := uint64(0)
	if cfg.MaxAttempts > 1 {
		maxRetries = uint64(cfg.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx)

	result, err = backoff.RetryWithData(operation, policy)
	if err != nil {
		var abort *retryAbort
		if errors.As(err, &abort) {
			return nil, attempts, abort.err
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return nil, attempts, err
		}
		// Retry budget exhausted on a transient failure: escalate.
		return nil, attempts, NewPermanentError(fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err))
	}
	return result, attempts, nil
}
