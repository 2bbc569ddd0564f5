package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"RELAY_CONFIG",
	"RELAY_ADDR",
	"RELAY_GEMINI_API_KEY",
	"GEMINI_API_KEY",
	"RELAY_GEMINI_MODEL",
	"RELAY_RESPONSE_MODALITIES",
	"RELAY_SPEECH_LANGUAGE_CODE",
	"RELAY_SYSTEM_INSTRUCTION",
	"RELAY_INITIAL_PROMPT",
	"RELAY_SEND_INITIAL_PROMPT",
	"RELAY_UPSTREAM_DIAL_TIMEOUT",
	"RELAY_UPSTREAM_INIT_ATTEMPTS",
	"RELAY_UPSTREAM_INIT_BACKOFF",
	"RELAY_MAX_MESSAGE_BYTES",
	"RELAY_MAX_FRAMES_PER_SECOND",
	"RELAY_MAX_BYTES_PER_SECOND",
	"RELAY_INBOUND_BURST_SECONDS",
	"RELAY_OUTBOUND_QUEUE_SIZE",
	"RELAY_BACKPRESSURE_TIMEOUT",
	"RELAY_WS_PING_INTERVAL",
	"RELAY_WS_WRITE_TIMEOUT",
	"RELAY_AUTH_MODE",
	"RELAY_API_KEYS",
	"RELAY_ALLOWED_ORIGINS",
	"RELAY_TRUST_PROXY_HEADERS",
	"RELAY_MAX_SESSIONS_PER_PRINCIPAL",
	"RELAY_CONNECT_RPS",
	"RELAY_CONNECT_BURST",
	"RELAY_READ_HEADER_TIMEOUT",
	"RELAY_SHUTDOWN_GRACE_PERIOD",
	"RELAY_LOG_FORMAT",
	"RELAY_LOG_LEVEL",
	"RELAY_METRICS_NAMESPACE",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		// t.Setenv restores the original value on cleanup.
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != ":3001" {
		t.Fatalf("Addr=%q, want :3001", cfg.Addr)
	}
	if cfg.GeminiAPIKey != "g-test" {
		t.Fatalf("GeminiAPIKey=%q", cfg.GeminiAPIKey)
	}
	if cfg.GeminiModel != "models/gemini-2.0-flash-live-001" {
		t.Fatalf("GeminiModel=%q", cfg.GeminiModel)
	}
	if strings.Join(cfg.ResponseModalities, ",") != "TEXT,AUDIO" {
		t.Fatalf("ResponseModalities=%v", cfg.ResponseModalities)
	}
	if cfg.SpeechLanguageCode != "en-US" {
		t.Fatalf("SpeechLanguageCode=%q", cfg.SpeechLanguageCode)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode=%q", cfg.AuthMode)
	}
	if cfg.Prompt() != DefaultInitialPrompt {
		t.Fatalf("Prompt()=%q", cfg.Prompt())
	}
	if cfg.UpstreamInitAttempts != 1 {
		t.Fatalf("UpstreamInitAttempts=%d, want 1", cfg.UpstreamInitAttempts)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_GEMINI_API_KEY", "relay-key")
	t.Setenv("GEMINI_API_KEY", "ignored")
	t.Setenv("RELAY_ADDR", "127.0.0.1:4000")
	t.Setenv("RELAY_RESPONSE_MODALITIES", " text ")
	t.Setenv("RELAY_AUTH_MODE", "required")
	t.Setenv("RELAY_API_KEYS", "k1, k2,")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "http://localhost:5173")
	t.Setenv("RELAY_WS_WRITE_TIMEOUT", "750ms")
	t.Setenv("RELAY_SEND_INITIAL_PROMPT", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GeminiAPIKey != "relay-key" {
		t.Fatalf("GeminiAPIKey=%q, want relay-key", cfg.GeminiAPIKey)
	}
	if cfg.Addr != "127.0.0.1:4000" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != "TEXT" {
		t.Fatalf("ResponseModalities=%v", cfg.ResponseModalities)
	}
	if _, ok := cfg.APIKeySet()["k2"]; !ok || len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys=%v", cfg.APIKeys)
	}
	if _, ok := cfg.OriginSet()["http://localhost:5173"]; !ok {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.WriteTimeout != 750*time.Millisecond {
		t.Fatalf("WriteTimeout=%v", cfg.WriteTimeout)
	}
	if cfg.Prompt() != "" {
		t.Fatalf("Prompt()=%q, want disabled", cfg.Prompt())
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearRelayEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := strings.Join([]string{
		"addr: \":9000\"",
		"gemini_api_key: file-key",
		"speech_language_code: fr-FR",
		"outbound_queue_size: 16",
		"backpressure_timeout: 250ms",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_ADDR", ":9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("Addr=%q, env should win over file", cfg.Addr)
	}
	if cfg.GeminiAPIKey != "file-key" {
		t.Fatalf("GeminiAPIKey=%q", cfg.GeminiAPIKey)
	}
	if cfg.SpeechLanguageCode != "fr-FR" {
		t.Fatalf("SpeechLanguageCode=%q", cfg.SpeechLanguageCode)
	}
	if cfg.OutboundQueueSize != 16 {
		t.Fatalf("OutboundQueueSize=%d", cfg.OutboundQueueSize)
	}
	if cfg.BackpressureTimeout != 250*time.Millisecond {
		t.Fatalf("BackpressureTimeout=%v", cfg.BackpressureTimeout)
	}
}

func TestLoad_RequiresGeminiKey(t *testing.T) {
	clearRelayEnv(t)

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("err=%v, want missing gemini key", err)
	}
}

func TestLoad_RequiredAuthNeedsKeys(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-test")
	t.Setenv("RELAY_AUTH_MODE", "required")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "RELAY_API_KEYS") {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	base := Default()
	base.GeminiAPIKey = "g-test"
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad auth mode", func(c *Config) { c.AuthMode = "sometimes" }, "RELAY_AUTH_MODE"},
		{"bad modality", func(c *Config) { c.ResponseModalities = []string{"VIDEO"} }, "unsupported modality"},
		{"zero attempts", func(c *Config) { c.UpstreamInitAttempts = 0 }, "RELAY_UPSTREAM_INIT_ATTEMPTS"},
		{"zero queue", func(c *Config) { c.OutboundQueueSize = 0 }, "RELAY_OUTBOUND_QUEUE_SIZE"},
		{"burst needed", func(c *Config) { c.InboundBurstSeconds = 0 }, "RELAY_INBOUND_BURST_SECONDS"},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, "RELAY_WS_WRITE_TIMEOUT"},
		{"negative rps", func(c *Config) { c.ConnectRPS = -1 }, "RELAY_CONNECT_RPS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want containing %q", err, tc.want)
			}
		})
	}
}
