package auth

import (
	"os"
	"strings"
	"time"
)

// Config controls access-token issuance and verification.
type Config struct {
	// Issuer is the value set in the "iss" claim.
	Issuer string

	// AccessTokenTTL is the lifetime of issued tokens.
	AccessTokenTTL time.Duration

	// ClockSkew is tolerated during verification.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key. When empty
	// an ephemeral key is generated and tokens do not survive a restart.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:         "sigma",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads configuration from the environment.
//
// Optional:
//   - SIGMA_AUTH_ISSUER
//   - SIGMA_AUTH_ACCESS_TTL
//   - SIGMA_AUTH_CLOCK_SKEW
//   - SIGMA_PASETO_V4_SECRET_KEY_HEX
//
// Returns ErrConfig if a value is present but invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("SIGMA_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("SIGMA_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("SIGMA_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("SIGMA_PASETO_V4_SECRET_KEY_HEX"))
	return cfg, nil
}
