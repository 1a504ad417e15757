package registration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/otp-registrar/internal/device"
)

// RetryPolicy bounds how often a UI step is retried after a step timeout.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Doubling bool
}

// backoff returns the wait after failed attempt i (0-based).
func (p RetryPolicy) backoff(i int) time.Duration {
	if p.Doubling {
		return p.Delay * time.Duration(1<<i)
	}
	return p.Delay
}

// retryStep runs fn up to the policy's attempt count. Only step timeouts are
// retried; any other error is returned at once.
func (o *Orchestrator) retryStep(ctx context.Context, logger *slog.Logger, step string, fn func(context.Context) error) error {
	attempts := max(o.retry.Attempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		err = asStepTimeout(step, fn(ctx))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAutomationStepTimeout) || i == attempts-1 {
			break
		}

		delay := o.retry.backoff(i)
		logger.Debug("Step timed out, retrying",
			"step", step,
			"attempt", i+1,
			"delay", delay,
			"error", err)
		o.metrics.StepRetried(step)
		if serr := device.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}
