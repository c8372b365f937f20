// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is not set.
const DefaultSystemPrompt = "You are a helpful AI assistant. Provide concise, accurate, and friendly responses."

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Model provider.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	MaxTokens     int
	SystemPrompt  string

	// Abuse protection.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// History windowing and retention.
	HistoryWindow        int
	SessionRetentionDays int

	// token=userID pairs for the built-in bearer-token auth provider.
	AuthTokens map[string]string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		FrontendURL:          getEnv("FRONTEND_URL", ""),
		DBPath:               getEnv("DB_PATH", "./data/chat.db"),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", ""),
		Model:                getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		MaxTokens:            getEnvInt("MAX_TOKENS", 2048),
		SystemPrompt:         getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		RateLimitRequests:    getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:      time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		HistoryWindow:        getEnvInt("HISTORY_WINDOW", 10),
		SessionRetentionDays: getEnvInt("SESSION_RETENTION_DAYS", 30),
		AuthTokens:           parseTokenPairs(getEnv("AUTH_TOKENS", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be > 0")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// parseTokenPairs parses "token1=alice,token2=bob" into a map. Malformed
// pairs are skipped.
func parseTokenPairs(raw string) map[string]string {
	pairs := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, userID, ok := strings.Cut(part, "=")
		if !ok || token == "" || userID == "" {
			continue
		}
		pairs[token] = userID
	}
	return pairs
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
