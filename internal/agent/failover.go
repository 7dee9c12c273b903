package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/datachat/internal/observability"
)

// ErrNoAvailableBackend is returned when every backend's circuit is open.
var ErrNoAvailableBackend = errors.New("no available model backend")

// FailoverTarget is one backend in a failover chain.
type FailoverTarget struct {
	Client ModelClient
	// Model overrides CompletionRequest.Model for this backend. Empty keeps
	// the request's model on the primary and the provider default on
	// fallbacks.
	Model string
}

func (t FailoverTarget) label() string {
	if t.Model == "" {
		return t.Client.Name()
	}
	return t.Client.Name() + "/" + t.Model
}

// FailoverConfig configures the failover client.
type FailoverConfig struct {
	// CircuitBreakerThreshold is the number of consecutive failures before a
	// backend is skipped.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long an open circuit stays open before the
	// backend is tried again.
	CircuitBreakerTimeout time.Duration

	// ShouldFailover decides whether an error moves the call to the next
	// backend. Nil fails over on anything but cancellation.
	ShouldFailover func(error) bool

	// Reason labels an error for metrics. Nil uses "error".
	Reason func(error) string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// DefaultFailoverConfig returns sensible defaults for failover.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// BackendState tracks the health of one backend.
type BackendState struct {
	Name          string    `json:"name"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"lastFailure,omitzero"`
	CircuitOpen   bool      `json:"circuitOpen"`
	CircuitOpenAt time.Time `json:"circuitOpenAt,omitzero"`
}

// available reports whether the backend can take a call at now. An open
// circuit becomes half-open once the timeout has passed.
func (s *BackendState) available(now time.Time, timeout time.Duration) bool {
	if !s.CircuitOpen {
		return true
	}
	return now.Sub(s.CircuitOpenAt) > timeout
}

// FailoverClient is a ModelClient that tries a primary backend and then each
// fallback in order, skipping backends whose circuit breaker is open.
type FailoverClient struct {
	targets []FailoverTarget
	config  FailoverConfig
	logger  *observability.Logger
	now     func() time.Time

	mu     sync.Mutex
	states []*BackendState
}

// NewFailoverClient builds a failover chain. With no fallbacks it still
// applies the circuit breaker to the primary.
func NewFailoverClient(primary FailoverTarget, fallbacks []FailoverTarget, config FailoverConfig) (*FailoverClient, error) {
	if primary.Client == nil {
		return nil, ErrNoModel
	}
	defaults := DefaultFailoverConfig()
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = defaults.CircuitBreakerThreshold
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = defaults.CircuitBreakerTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	targets := []FailoverTarget{primary}
	for i, fb := range fallbacks {
		if fb.Client == nil {
			return nil, fmt.Errorf("fallback %d: %w", i, ErrNoModel)
		}
		targets = append(targets, fb)
	}

	states := make([]*BackendState, len(targets))
	for i, t := range targets {
		states[i] = &BackendState{Name: t.label()}
	}

	return &FailoverClient{
		targets: targets,
		config:  config,
		logger:  logger.WithFields("component", "failover"),
		now:     time.Now,
		states:  states,
	}, nil
}

// Create implements ModelClient.
func (c *FailoverClient) Create(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	var from string

	for i, target := range c.targets {
		if !c.available(i) {
			continue
		}
		if from != "" {
			reason := c.reason(lastErr)
			c.config.Metrics.RecordFailover(from, target.label(), reason)
			c.logger.Warn(ctx, "failing over to next model backend",
				"from", from, "to", target.label(), "reason", reason)
		}

		call := *req
		if target.Model != "" {
			call.Model = target.Model
		} else if i > 0 {
			call.Model = ""
		}

		resp, err := target.Client.Create(ctx, &call)
		if err == nil {
			c.recordSuccess(i)
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !c.shouldFailover(err) {
			return nil, err
		}
		c.recordFailure(i)
		from = target.label()
	}

	if lastErr == nil {
		lastErr = ErrNoAvailableBackend
	}
	return nil, lastErr
}

// Name implements ModelClient.
func (c *FailoverClient) Name() string {
	if len(c.targets) == 1 {
		return c.targets[0].Client.Name()
	}
	names := make([]string, len(c.targets))
	for i, t := range c.targets {
		names[i] = t.Client.Name()
	}
	return "failover:" + strings.Join(names, ",")
}

// States returns a snapshot of every backend's health, primary first.
func (c *FailoverClient) States() []BackendState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]BackendState, len(c.states))
	for i, s := range c.states {
		out[i] = *s
	}
	return out
}

func (c *FailoverClient) shouldFailover(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if c.config.ShouldFailover == nil {
		return true
	}
	return c.config.ShouldFailover(err)
}

func (c *FailoverClient) reason(err error) string {
	if err == nil || c.config.Reason == nil {
		return "error"
	}
	return c.config.Reason(err)
}

func (c *FailoverClient) available(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[i].available(c.now(), c.config.CircuitBreakerTimeout)
}

func (c *FailoverClient) recordSuccess(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.states[i]
	state.Failures = 0
	state.CircuitOpen = false
}

func (c *FailoverClient) recordFailure(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.states[i]
	state.Failures++
	state.LastFailure = c.now()

	if state.Failures < c.config.CircuitBreakerThreshold {
		return
	}
	// A half-open attempt that fails restarts the timeout.
	if !state.CircuitOpen {
		c.config.Metrics.RecordCircuitOpen(state.Name)
	}
	state.CircuitOpen = true
	state.CircuitOpenAt = state.LastFailure
}
