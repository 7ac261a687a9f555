package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// MemoryDSN selects the in-process store instead of Postgres.
const MemoryDSN = "memory"

const (
	DefaultTypingTimeout = 2 * time.Second
	DefaultRateLimit     = 20
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// RedisAddr is optional. Without it notifications are only logged.
	RedisAddr     string
	TypingTimeout time.Duration
	// RateLimit caps inbound frames per second on each connection.
	RateLimit float64
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, redisAddr string, typingTimeout time.Duration) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if typingTimeout < 0 {
		return nil, fmt.Errorf("typing timeout cannot be negative")
	}
	if typingTimeout == 0 {
		typingTimeout = DefaultTypingTimeout
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing secret decodes to an empty key")
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		RedisAddr:      redisAddr,
		TypingTimeout:  typingTimeout,
		RateLimit:      DefaultRateLimit,
	}, nil
}

// WithRateLimit overrides the per-connection frame rate. Zero disables
// limiting.
func (c *Config) WithRateLimit(perSecond float64) (*Config, error) {
	if perSecond < 0 {
		return nil, fmt.Errorf("rate limit cannot be negative")
	}
	c.RateLimit = perSecond
	return c, nil
}

func (c *Config) InMemory() bool {
	return c.DatabaseDSN == MemoryDSN
}
