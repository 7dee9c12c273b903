package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/datachat/internal/backoff"
)

// BaseProvider holds retry configuration shared by the model clients.
// Only whole model calls are retried; tool calls never are.
type BaseProvider struct {
	name        string
	maxAttempts int
	retryDelay  time.Duration
}

// NewBaseProvider creates a base provider. maxRetries is the number of
// extra attempts after the first; negative values mean none.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:        name,
		maxAttempts: maxRetries + 1,
		retryDelay:  retryDelay,
	}
}

// Name returns the provider name.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry executes op with exponential backoff while isRetryable returns true.
// The first delay is the configured retry delay.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	policy := backoff.DefaultPolicy()
	policy.Initial = b.retryDelay
	if policy.Max < b.retryDelay {
		policy.Max = b.retryDelay
	}
	_, err := backoff.Retry(ctx, policy, b.maxAttempts, isRetryable, op)
	return err
}
