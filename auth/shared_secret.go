package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer is used when WithIssuer is not supplied.
	DefaultIssuer = "capbridge"
	// DefaultTokenTTL bounds the lifetime of minted tokens.
	DefaultTokenTTL = 5 * time.Minute
)

// ErrNoKey is returned when the key source has no usable key.
var ErrNoKey = errors.New("auth: signing key unavailable")

// SharedSecret signs and verifies HS256 tokens with a key from a KeySource.
type SharedSecret struct {
	keys     KeySource
	issuer   string
	audience string
	leeway   time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// SharedSecretOption configures a SharedSecret.
type SharedSecretOption func(*SharedSecret)

// WithIssuer sets the iss claim minted and required.
func WithIssuer(iss string) SharedSecretOption {
	return func(s *SharedSecret) { s.issuer = iss }
}

// WithAudience sets the aud claim minted and required. Empty disables the
// audience check.
func WithAudience(aud string) SharedSecretOption {
	return func(s *SharedSecret) { s.audience = aud }
}

// WithLeeway allows for clock skew when validating time claims.
func WithLeeway(d time.Duration) SharedSecretOption {
	return func(s *SharedSecret) { s.leeway = d }
}

// WithTokenTTL sets the lifetime of minted tokens.
func WithTokenTTL(d time.Duration) SharedSecretOption {
	return func(s *SharedSecret) { s.ttl = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SharedSecretOption {
	return func(s *SharedSecret) { s.now = now }
}

// NewSharedSecret returns a SharedSecret backed by keys.
func NewSharedSecret(keys KeySource, opts ...SharedSecretOption) *SharedSecret {
	s := &SharedSecret{
		keys:   keys,
		issuer: DefaultIssuer,
		leeway: 30 * time.Second,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SharedSecret) key() ([]byte, error) {
	k := s.keys.Key()
	if len(k) == 0 {
		return nil, ErrNoKey
	}
	return k, nil
}

// Sign mints a token for subject.
func (s *SharedSecret) Sign(subject string) (string, error) {
	key, err := s.key()
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// CheckAuthentication implements Authenticator.
func (s *SharedSecret) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	key, err := s.key()
	if err != nil {
		return nil, err
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.audience != "" {
		popts = append(popts, jwt.WithAudience(s.audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.NewParser(popts...).ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ Authenticator = (*SharedSecret)(nil)
