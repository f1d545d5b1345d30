package auth

import (
	"time"

	"sigma/cmd/identity/ids"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims is the identity propagated across HTTP and the push channel.
type Claims struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// TokenVerifier verifies access tokens.
type TokenVerifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// TokenManager issues and verifies access tokens.
type TokenManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	ephemeral bool

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewTokenManager builds a PASETO v4.public manager from cfg. Without a
// configured secret key an ephemeral key pair is generated; see Ephemeral.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if cfg.Issuer == "" || cfg.AccessTokenTTL <= 0 || cfg.ClockSkew < 0 {
		return nil, ErrConfig
	}

	m := &TokenManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}
	if cfg.PasetoV4SecretKeyHex == "" {
		m.secret = paseto.NewV4AsymmetricSecretKey()
		m.ephemeral = true
	} else {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
	}
	m.public = m.secret.Public()
	return m, nil
}

// Ephemeral reports whether the signing key was generated at startup.
func (m *TokenManager) Ephemeral() bool { return m.ephemeral }

// PublicKeyHex returns the verification key.
func (m *TokenManager) PublicKeyHex() string { return m.public.ExportHex() }

// Issue signs a token for userID valid from now for the configured TTL.
func (m *TokenManager) Issue(userID string, now time.Time) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	tid, err := ids.NewULID(now)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	_ = tok.Set("tid", tid)

	return tok.V4Sign(m.secret, nil), exp, nil
}

// Verify parses token and checks issuer, expiry and not-before at now.
func (m *TokenManager) Verify(token string, now time.Time) (Claims, error) {
	// Checking slightly in the future tolerates "nbf" on skewed clocks.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil || !now.Before(exp) {
		return Claims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	tid, _ := parsed.GetString("tid")

	return Claims{
		UserID:    uid,
		TokenID:   tid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
