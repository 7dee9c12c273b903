// Package config loads and validates the datachat configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the main configuration structure for datachat.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Platform  PlatformConfig  `yaml:"platform"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins lists CORS origins. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PlatformConfig points the resource client at the app platform API.
type PlatformConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	AppID   string `yaml:"app_id"`

	// Timeout bounds each API request. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MaxResponseBytes caps response bodies. Default: 1MiB
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	// Provider is one of openai, openrouter, ollama, azure, anthropic, google.
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	APIVersion string `yaml:"api_version"`

	// MaxTokens caps each reply. Zero leaves it to the provider.
	MaxTokens int `yaml:"max_tokens"`

	// MaxRetries is the number of extra attempts on rate limits and 5xx.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Fallbacks are tried in order when the primary backend fails with a
	// rate limit, outage, or auth error.
	Fallbacks []FallbackConfig `yaml:"fallbacks"`

	// CircuitBreakerThreshold is the consecutive failures before a backend
	// is skipped for CircuitBreakerTimeout. Default: 3, 30s
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
}

// FallbackConfig is one secondary model backend.
type FallbackConfig struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	APIVersion string `yaml:"api_version"`
}

// AgentConfig tunes the conversation engine.
type AgentConfig struct {
	// MaxIterations caps tool-call rounds per turn. Default: 10
	MaxIterations int `yaml:"max_iterations"`

	// MaxConcurrency caps parallel tool calls per round. Zero is unlimited.
	MaxConcurrency int `yaml:"max_concurrency"`

	// AppName is how the assistant refers to the app in its answers.
	AppName string `yaml:"app_name"`

	// PromptExtra is appended to the built-in system prompt.
	PromptExtra string `yaml:"prompt_extra"`

	// ToolResultMaxChars truncates tool results fed back to the model.
	// Zero uses 64KiB; -1 disables truncation.
	ToolResultMaxChars int `yaml:"tool_result_max_chars"`

	// SanitizeSecrets masks credentials in tool results. Unset means enabled.
	SanitizeSecrets *bool `yaml:"sanitize_secrets"`

	// RedactPatterns are extra regular expressions masked in tool results.
	RedactPatterns []string `yaml:"redact_patterns"`

	// ToolDenylist names tools whose results are withheld from the model.
	ToolDenylist []string `yaml:"tool_denylist"`
}

// SanitizeSecretsEnabled reports whether built-in credential masking applies.
func (a AgentConfig) SanitizeSecretsEnabled() bool {
	return a.SanitizeSecrets == nil || *a.SanitizeSecrets
}

// SessionsConfig bounds the in-memory session registry.
type SessionsConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// LockTimeout bounds how long a request waits for a busy session.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// RateLimitConfig configures per-client request limits.
type RateLimitConfig struct {
	Enabled           *bool   `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// TrustProxy keys clients by X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`
}

// IsEnabled reports whether limits apply. Unset means enabled.
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

// LoadOrDefault loads path, or builds the configuration from defaults and
// environment variables when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) != "" {
		return Load(path)
	}
	return finalize(&Config{})
}

func finalize(cfg *Config) (*Config, error) {
	applyEnvFallbacks(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envProviderKeys lists the environment variables consulted, in order, for
// each provider's API key.
var envProviderKeys = map[string][]string{
	"openai":     {"OPENAI_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY", "OPENAI_API_KEY"},
	"azure":      {"AZURE_OPENAI_API_KEY"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"gemini":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

func envAPIKey(provider string) string {
	for _, name := range envProviderKeys[strings.ToLower(strings.TrimSpace(provider))] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func applyEnvFallbacks(cfg *Config) {
	if cfg.Platform.BaseURL == "" {
		cfg.Platform.BaseURL = os.Getenv("PLATFORM_BASE_URL")
	}
	if cfg.Platform.Token == "" {
		cfg.Platform.Token = os.Getenv("PLATFORM_TOKEN")
	}
	if cfg.Platform.AppID == "" {
		cfg.Platform.AppID = os.Getenv("PLATFORM_APP_ID")
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = os.Getenv("DATACHAT_LLM_PROVIDER")
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = os.Getenv("DATACHAT_LLM_MODEL")
	}
	if cfg.LLM.APIKey == "" {
		provider := cfg.LLM.Provider
		if strings.TrimSpace(provider) == "" {
			provider = "openai"
		}
		cfg.LLM.APIKey = envAPIKey(provider)
	}
	for i := range cfg.LLM.Fallbacks {
		if fb := &cfg.LLM.Fallbacks[i]; fb.APIKey == "" {
			fb.APIKey = envAPIKey(fb.Provider)
		}
	}
	if !cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
			cfg.Tracing.Enabled = true
			cfg.Tracing.Endpoint = endpoint
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = 30 * time.Second
	}
	if cfg.Platform.MaxResponseBytes == 0 {
		cfg.Platform.MaxResponseBytes = 1 << 20
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	for i := range cfg.LLM.Fallbacks {
		fb := &cfg.LLM.Fallbacks[i]
		fb.Provider = strings.ToLower(strings.TrimSpace(fb.Provider))
	}
	if cfg.LLM.CircuitBreakerThreshold == 0 {
		cfg.LLM.CircuitBreakerThreshold = 3
	}
	if cfg.LLM.CircuitBreakerTimeout == 0 {
		cfg.LLM.CircuitBreakerTimeout = 30 * time.Second
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 100
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 30 * time.Minute
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = 5 * time.Minute
	}
	if cfg.Sessions.LockTimeout == 0 {
		cfg.Sessions.LockTimeout = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 2
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "datachat"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

var knownProviders = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
	"azure":      true,
	"anthropic":  true,
	"google":     true,
	"gemini":     true,
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if strings.TrimSpace(c.Platform.BaseURL) == "" {
		errs = append(errs, errors.New("platform.base_url is required (or set PLATFORM_BASE_URL)"))
	} else if u, err := url.Parse(c.Platform.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("platform.base_url %q is not an absolute URL", c.Platform.BaseURL))
	}
	if strings.TrimSpace(c.Platform.Token) == "" {
		errs = append(errs, errors.New("platform.token is required (or set PLATFORM_TOKEN)"))
	}
	if strings.TrimSpace(c.Platform.AppID) == "" {
		errs = append(errs, errors.New("platform.app_id is required (or set PLATFORM_APP_ID)"))
	}
	if c.Platform.Timeout < 0 {
		errs = append(errs, errors.New("platform.timeout must not be negative"))
	}

	if !knownProviders[c.LLM.Provider] {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	} else if c.LLM.Provider != "ollama" && strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
	}
	if c.LLM.Provider == "azure" && strings.TrimSpace(c.LLM.BaseURL) == "" {
		errs = append(errs, errors.New("llm.base_url is required for provider \"azure\""))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, errors.New("llm.max_tokens must not be negative"))
	}
	for i, fb := range c.LLM.Fallbacks {
		field := fmt.Sprintf("llm.fallbacks[%d]", i)
		switch {
		case !knownProviders[fb.Provider]:
			errs = append(errs, fmt.Errorf("%s.provider %q is not supported", field, fb.Provider))
		case fb.Provider != "ollama" && strings.TrimSpace(fb.APIKey) == "":
			errs = append(errs, fmt.Errorf("%s.api_key is required for provider %q", field, fb.Provider))
		case fb.Provider == "azure" && strings.TrimSpace(fb.BaseURL) == "":
			errs = append(errs, fmt.Errorf("%s.base_url is required for provider \"azure\"", field))
		}
	}
	if c.LLM.CircuitBreakerThreshold < 0 || c.LLM.CircuitBreakerTimeout < 0 {
		errs = append(errs, errors.New("llm circuit breaker settings must not be negative"))
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxConcurrency < 0 {
		errs = append(errs, errors.New("agent.max_concurrency must not be negative"))
	}
	if c.Agent.ToolResultMaxChars < -1 {
		errs = append(errs, errors.New("agent.tool_result_max_chars must be -1, 0, or positive"))
	}
	for _, pattern := range c.Agent.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("agent.redact_patterns: %q: %w", pattern, err))
		}
	}

	if c.Sessions.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must be at least 1, got %d", c.Sessions.MaxSessions))
	}
	if c.Sessions.TTL < 0 || c.Sessions.SweepInterval < 0 || c.Sessions.LockTimeout < 0 {
		errs = append(errs, errors.New("sessions durations must not be negative"))
	}

	if c.RateLimit.IsEnabled() {
		if c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, errors.New("ratelimit.requests_per_second must be positive"))
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, errors.New("ratelimit.burst must be at least 1"))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be between 0 and 1, got %v", c.Tracing.SamplingRate))
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}
