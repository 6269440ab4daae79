package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string

	LLMProvider string
	LLMModel    string
	LLMBaseURL  string
	LLMAPIKey   string
	LLMTimeout  time.Duration

	MaxRounds     int
	StreamMaxWait time.Duration
	PollInterval  time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
	MaxRuntimes   int

	OtelStdout bool
}

func Load() Config {
	return Config{
		Port:        envInt("CASESMITH_PORT", 8760),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("CASESMITH_API_TOKEN", ""),

		LLMProvider: envStr("LLM_PROVIDER", "openai"),
		LLMModel:    envStr("LLM_MODEL", "deepseek-chat"),
		LLMBaseURL:  envStr("LLM_BASE_URL", ""),
		LLMAPIKey:   envStr("LLM_API_KEY", ""),
		LLMTimeout:  envDuration("LLM_TIMEOUT", 120*time.Second),

		MaxRounds:     envInt("CASESMITH_MAX_ROUNDS", 3),
		StreamMaxWait: envDuration("CASESMITH_STREAM_MAX_WAIT", 120*time.Second),
		PollInterval:  envDuration("CASESMITH_POLL_INTERVAL", 100*time.Millisecond),
		IdleTTL:       envDuration("CASESMITH_IDLE_TTL", 2*time.Hour),
		SweepInterval: envDuration("CASESMITH_SWEEP_INTERVAL", time.Minute),
		MaxRuntimes:   envInt("CASESMITH_MAX_RUNTIMES", 100),

		OtelStdout: envBool("OTEL_STDOUT", false),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
