package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"sigma/cmd/internal/auth"
)

// ValidateSecurityConfig enforces startup policy. It fails fast rather than
// running with an ephemeral signing key or an unusable sync endpoint.
func ValidateSecurityConfig(cfg Config, authCfg auth.Config) error {
	if cfg.RequirePersistentAuthKey && strings.TrimSpace(authCfg.PasetoV4SecretKeyHex) == "" {
		return errors.New("security policy: SIGMA_REQUIRE_PERSISTENT_AUTH_KEY=true but SIGMA_PASETO_V4_SECRET_KEY_HEX is missing")
	}

	u, err := url.Parse(cfg.SyncRemoteURL)
	if err != nil {
		return fmt.Errorf("config: SIGMA_SYNC_REMOTE_URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("config: SIGMA_SYNC_REMOTE_URL must be ws:// or wss://, got %q", cfg.SyncRemoteURL)
	}
	if u.Host == "" {
		return errors.New("config: SIGMA_SYNC_REMOTE_URL has no host")
	}

	for _, o := range cfg.CORSAllowedOrigins {
		if o == "*" && cfg.CORSAllowCredentials {
			return errors.New("security policy: SIGMA_CORS_ALLOWED_ORIGINS=* cannot be combined with credentials")
		}
	}
	return nil
}
