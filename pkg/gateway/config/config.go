package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v2"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// DefaultInitialPrompt is sent as the first user turn of every upstream session
// unless overridden or disabled with SendInitialPrompt=false.
const DefaultInitialPrompt = "You are a humor checker or assistant teacher who takes the exam of the students. " +
	"Test the students, check their question answers, and provide their suggestions. " +
	"After the process ends, give suggestions and provide a final score."

type Config struct {
	Addr string `yaml:"addr" env:"RELAY_ADDR"`

	// Upstream Gemini Live session.
	GeminiAPIKey         string        `yaml:"gemini_api_key" env:"RELAY_GEMINI_API_KEY"`
	GeminiModel          string        `yaml:"gemini_model" env:"RELAY_GEMINI_MODEL"`
	GeminiBaseURL        string        `yaml:"gemini_base_url" env:"RELAY_GEMINI_BASE_URL"`
	ResponseModalities   []string      `yaml:"response_modalities" env:"RELAY_RESPONSE_MODALITIES"`
	SpeechLanguageCode   string        `yaml:"speech_language_code" env:"RELAY_SPEECH_LANGUAGE_CODE"`
	SystemInstruction    string        `yaml:"system_instruction" env:"RELAY_SYSTEM_INSTRUCTION"`
	InitialPrompt        string        `yaml:"initial_prompt" env:"RELAY_INITIAL_PROMPT"`
	SendInitialPrompt    bool          `yaml:"send_initial_prompt" env:"RELAY_SEND_INITIAL_PROMPT"`
	UpstreamDialTimeout  time.Duration `yaml:"upstream_dial_timeout" env:"RELAY_UPSTREAM_DIAL_TIMEOUT"`
	UpstreamInitAttempts int           `yaml:"upstream_init_attempts" env:"RELAY_UPSTREAM_INIT_ATTEMPTS"`
	UpstreamInitBackoff  time.Duration `yaml:"upstream_init_backoff" env:"RELAY_UPSTREAM_INIT_BACKOFF"`

	// Inbound WebSocket limits.
	MaxMessageBytes     int64         `yaml:"max_message_bytes" env:"RELAY_MAX_MESSAGE_BYTES"`
	MaxFramesPerSecond  int           `yaml:"max_frames_per_second" env:"RELAY_MAX_FRAMES_PER_SECOND"`
	MaxBytesPerSecond   int64         `yaml:"max_bytes_per_second" env:"RELAY_MAX_BYTES_PER_SECOND"`
	InboundBurstSeconds int           `yaml:"inbound_burst_seconds" env:"RELAY_INBOUND_BURST_SECONDS"`
	OutboundQueueSize   int           `yaml:"outbound_queue_size" env:"RELAY_OUTBOUND_QUEUE_SIZE"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout" env:"RELAY_BACKPRESSURE_TIMEOUT"`
	PingInterval        time.Duration `yaml:"ping_interval" env:"RELAY_WS_PING_INTERVAL"`
	WriteTimeout        time.Duration `yaml:"write_timeout" env:"RELAY_WS_WRITE_TIMEOUT"`

	// Access control. The relay historically ran without auth, so disabled is the default.
	AuthMode                AuthMode `yaml:"auth_mode" env:"RELAY_AUTH_MODE"`
	APIKeys                 []string `yaml:"api_keys" env:"RELAY_API_KEYS"`
	AllowedOrigins          []string `yaml:"allowed_origins" env:"RELAY_ALLOWED_ORIGINS"`
	TrustProxyHeaders       bool     `yaml:"trust_proxy_headers" env:"RELAY_TRUST_PROXY_HEADERS"`
	MaxSessionsPerPrincipal int      `yaml:"max_sessions_per_principal" env:"RELAY_MAX_SESSIONS_PER_PRINCIPAL"`
	ConnectRPS              float64  `yaml:"connect_rps" env:"RELAY_CONNECT_RPS"`
	ConnectBurst            int      `yaml:"connect_burst" env:"RELAY_CONNECT_BURST"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout" env:"RELAY_READ_HEADER_TIMEOUT"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" env:"RELAY_SHUTDOWN_GRACE_PERIOD"`

	LogFormat        string `yaml:"log_format" env:"RELAY_LOG_FORMAT"`
	LogLevel         string `yaml:"log_level" env:"RELAY_LOG_LEVEL"`
	MetricsNamespace string `yaml:"metrics_namespace" env:"RELAY_METRICS_NAMESPACE"`
}

// Default returns the configuration used when neither a file nor the
// environment override a setting.
func Default() Config {
	return Config{
		Addr:                    ":3001",
		GeminiModel:             "models/gemini-2.0-flash-live-001",
		ResponseModalities:      []string{"TEXT", "AUDIO"},
		SpeechLanguageCode:      "en-US",
		InitialPrompt:           DefaultInitialPrompt,
		SendInitialPrompt:       true,
		UpstreamDialTimeout:     15 * time.Second,
		UpstreamInitAttempts:    1,
		UpstreamInitBackoff:     500 * time.Millisecond,
		MaxMessageBytes:         16 << 20, // 16 MiB, video frames are large
		MaxFramesPerSecond:      60,
		MaxBytesPerSecond:       8 << 20,
		InboundBurstSeconds:     2,
		OutboundQueueSize:       128,
		BackpressureTimeout:     2 * time.Second,
		PingInterval:            20 * time.Second,
		WriteTimeout:            5 * time.Second,
		AuthMode:                AuthModeDisabled,
		MaxSessionsPerPrincipal: 4,
		ConnectRPS:              2,
		ConnectBurst:            4,
		ReadHeaderTimeout:       10 * time.Second,
		ShutdownGracePeriod:     30 * time.Second,
		LogFormat:               "text",
		LogLevel:                "info",
		MetricsNamespace:        "live_relay",
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
// If path is empty, RELAY_CONFIG is consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("RELAY_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}

	cfg.APIKeys = trimAll(cfg.APIKeys)
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	cfg.ResponseModalities = trimAll(cfg.ResponseModalities)
	for i, m := range cfg.ResponseModalities {
		cfg.ResponseModalities[i] = strings.ToUpper(m)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv is Load without a config file path.
func LoadFromEnv() (Config, error) {
	return Load("")
}

func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("RELAY_AUTH_MODE must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("RELAY_API_KEYS must be set when RELAY_AUTH_MODE=required")
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("RELAY_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return fmt.Errorf("RELAY_GEMINI_API_KEY (or GEMINI_API_KEY) must be set")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return fmt.Errorf("RELAY_GEMINI_MODEL must not be empty")
	}
	if len(cfg.ResponseModalities) == 0 {
		return fmt.Errorf("RELAY_RESPONSE_MODALITIES must not be empty")
	}
	for _, m := range cfg.ResponseModalities {
		switch m {
		case "TEXT", "AUDIO":
		default:
			return fmt.Errorf("RELAY_RESPONSE_MODALITIES contains unsupported modality %q", m)
		}
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return fmt.Errorf("RELAY_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.UpstreamInitAttempts < 1 {
		return fmt.Errorf("RELAY_UPSTREAM_INIT_ATTEMPTS must be >= 1")
	}
	if cfg.UpstreamInitBackoff < 0 {
		return fmt.Errorf("RELAY_UPSTREAM_INIT_BACKOFF must be >= 0")
	}

	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxFramesPerSecond < 0 {
		return fmt.Errorf("RELAY_MAX_FRAMES_PER_SECOND must be >= 0")
	}
	if cfg.MaxBytesPerSecond < 0 {
		return fmt.Errorf("RELAY_MAX_BYTES_PER_SECOND must be >= 0")
	}
	if (cfg.MaxFramesPerSecond > 0 || cfg.MaxBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("RELAY_INBOUND_BURST_SECONDS must be >= 1 when inbound limits are enabled")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.BackpressureTimeout <= 0 {
		return fmt.Errorf("RELAY_BACKPRESSURE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionsPerPrincipal < 0 {
		return fmt.Errorf("RELAY_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ConnectRPS < 0 {
		return fmt.Errorf("RELAY_CONNECT_RPS must be >= 0")
	}
	if cfg.ConnectBurst < 0 {
		return fmt.Errorf("RELAY_CONNECT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// APIKeySet returns the configured gateway keys as a lookup set.
func (cfg Config) APIKeySet() map[string]struct{} {
	return toSet(cfg.APIKeys)
}

// OriginSet returns the allowlisted browser origins as a lookup set.
// An empty set accepts every origin.
func (cfg Config) OriginSet() map[string]struct{} {
	return toSet(cfg.AllowedOrigins)
}

// Prompt returns the initial prompt, or "" when disabled.
func (cfg Config) Prompt() string {
	if !cfg.SendInitialPrompt {
		return ""
	}
	return strings.TrimSpace(cfg.InitialPrompt)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
