// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration.
type Config struct {
	BaseAPIURL        string
	SpeechCostPerChar float64
	ParamPrefix       string // SSM prefix of the refresh token; empty disables the token source
	KMSKeyID          string
	ConversationTable string        // empty keeps conversations in memory only
	ConversationIdle  time.Duration // settled conversations idle this long leave memory; 0 keeps them
	HTTPTimeout       time.Duration
	RefreshTimeout    time.Duration
	LocalHTTPAddr     string // non-empty serves plain HTTP instead of Lambda
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cost, err := requiredFloat("SPEECH_COST_PER_CHAR")
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		BaseAPIURL:        strings.TrimSpace(getEnv("BASE_API_URL", "")),
		SpeechCostPerChar: cost,
		ParamPrefix:       strings.TrimSpace(getEnv("PARAM_PREFIX", "")),
		KMSKeyID:          strings.TrimSpace(getEnv("PARAM_KMS_KEY_ID", "")),
		ConversationTable: strings.TrimSpace(getEnv("CONVERSATION_TABLE", "")),
		ConversationIdle:  getEnvSeconds("CONVERSATION_IDLE_SECONDS", time.Hour),
		HTTPTimeout:       getEnvSeconds("HTTP_TIMEOUT_SECONDS", 60*time.Second),
		RefreshTimeout:    getEnvSeconds("REFRESH_TIMEOUT_SECONDS", 15*time.Second),
		LocalHTTPAddr:     strings.TrimSpace(getEnv("LOCAL_HTTP_ADDR", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BaseAPIURL == "" {
		return errors.New("BASE_API_URL cannot be empty")
	}
	u, err := url.Parse(c.BaseAPIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BASE_API_URL must be an absolute http(s) URL, got %q", c.BaseAPIURL)
	}
	if c.SpeechCostPerChar < 0 || math.IsNaN(c.SpeechCostPerChar) || math.IsInf(c.SpeechCostPerChar, 0) {
		return errors.New("SPEECH_COST_PER_CHAR must be a finite, non-negative number")
	}
	if c.ConversationIdle < 0 {
		return errors.New("CONVERSATION_IDLE_SECONDS must be >= 0")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("HTTP_TIMEOUT_SECONDS must be > 0")
	}
	if c.RefreshTimeout <= 0 {
		return errors.New("REFRESH_TIMEOUT_SECONDS must be > 0")
	}
	return nil
}

// Lambda reports whether the service runs behind API Gateway.
func (c *Config) Lambda() bool {
	return c.LocalHTTPAddr == ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func requiredFloat(key string) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}
