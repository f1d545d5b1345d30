package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"sigma/cmd/internal/keys"
)

// Config controls API limits.
type Config struct {
	MaxBodyBytes int64

	// MaxMessageBytes bounds the plaintext of one sent message.
	MaxMessageBytes int

	// PrekeyCount is the number of one-time prekeys created at onboarding.
	PrekeyCount int

	// Per-user budget for message sends.
	SendRate  float64
	SendBurst int
	SendIdle  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    64 << 10,
		MaxMessageBytes: 16 << 10,
		PrekeyCount:     keys.DefaultPrekeyCount,
		SendRate:        5,
		SendBurst:       20,
		SendIdle:        10 * time.Minute,
	}
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		MaxBodyBytes:    envInt64("SIGMA_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		MaxMessageBytes: envInt("SIGMA_API_MAX_MESSAGE_BYTES", def.MaxMessageBytes),
		PrekeyCount:     envInt("SIGMA_KEYS_PREKEY_COUNT", def.PrekeyCount),
		SendRate:        envFloat("SIGMA_API_SEND_RPS", def.SendRate),
		SendBurst:       envInt("SIGMA_API_SEND_BURST", def.SendBurst),
		SendIdle:        envDuration("SIGMA_API_SEND_IDLE", def.SendIdle),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.PrekeyCount <= 0 {
		c.PrekeyCount = def.PrekeyCount
	}
	if c.SendRate <= 0 {
		c.SendRate = def.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	if c.SendIdle <= 0 {
		c.SendIdle = def.SendIdle
	}
	return c
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
