package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the chat service.
//
// Collectors are registered against the Registerer handed to NewMetrics, so
// tests can use an isolated prometheus.NewRegistry() and the server can expose
// the same registry on /metrics.
type Metrics struct {
	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption when providers report it.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMFailovers counts model calls handed to the next backend.
	// Labels: from, to, reason
	LLMFailovers *prometheus.CounterVec

	// LLMCircuitOpens counts circuit breaker trips per backend.
	// Labels: backend
	LLMCircuitOpens *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ChatTurns counts completed chat turns.
	// Labels: outcome (answer|safety_limit|error)
	ChatTurns *prometheus.CounterVec

	// ActiveSessions is the number of sessions currently held in memory.
	ActiveSessions prometheus.Gauge

	// SessionEvictions counts removed sessions.
	// Labels: reason (capacity|ttl|destroyed)
	SessionEvictions *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|tool|gateway|sessions), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg.
// A nil reg falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_llm_requests_total",
				Help: "Total number of model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datachat_llm_request_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMFailovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_llm_failovers_total",
				Help: "Total number of model calls retried on a fallback backend",
			},
			[]string{"from", "to", "reason"},
		),

		LLMCircuitOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_llm_circuit_opens_total",
				Help: "Total number of times a backend's circuit breaker opened",
			},
			[]string{"backend"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datachat_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),

		ChatTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_chat_turns_total",
				Help: "Total number of chat turns by outcome",
			},
			[]string{"outcome"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "datachat_active_sessions",
				Help: "Current number of sessions held in memory",
			},
		),

		SessionEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_session_evictions_total",
				Help: "Total number of sessions removed by reason",
			},
			[]string{"reason"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datachat_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datachat_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one model call.
//
// Example:
//
//	start := time.Now()
//	resp, err := client.Create(ctx, req)
//	metrics.RecordLLMRequest("openai", "gpt-4o", "success", time.Since(start).Seconds(), 120, 40)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordFailover counts a call moved from one backend to the next.
func (m *Metrics) RecordFailover(from, to, reason string) {
	if m == nil {
		return
	}
	m.LLMFailovers.WithLabelValues(from, to, reason).Inc()
}

// RecordCircuitOpen counts a circuit breaker trip.
func (m *Metrics) RecordCircuitOpen(backend string) {
	if m == nil {
		return
	}
	m.LLMCircuitOpens.WithLabelValues(backend).Inc()
}

// RecordChatTurn counts a finished chat turn by outcome.
func (m *Metrics) RecordChatTurn(outcome string) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordSessionEviction counts a removed session.
func (m *Metrics) RecordSessionEviction(reason string) {
	if m == nil {
		return
	}
	m.SessionEvictions.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
//
// Example:
//
//	metrics.RecordError("agent", "model_call")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
