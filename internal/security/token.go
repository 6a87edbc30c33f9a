package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TokenTypeAccess = "access"
	DefaultTokenTTL = 8 * time.Hour
)

var (
	ErrSigningUnavailable = errors.New("token signing key not loaded on this node")
	ErrNoVerificationKey  = errors.New("no token verification key configured")
)

// Claims is the payload of a portal bearer token.
type Claims struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	TenantID  string `json:"tid,omitempty"`
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenSubject is what a caller supplies to Sign.
type TokenSubject struct {
	IdentityID string
	Email      string
	Name       string
	Role       string
	TenantID   string
	SessionID  string
}

// TokenConfig points at PEM key material either inline or on disk. A config
// with only a public key yields a verify-only service.
type TokenConfig struct {
	PrivateKeyPEM  string
	PrivateKeyPath string
	PublicKeyPEM   string
	PublicKeyPath  string
	Issuer         string
	Audience       string
	TTL            time.Duration
	Leeway         time.Duration
}

type TokenOption func(*TokenService)

func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

type keyPair struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// TokenService signs and verifies RS256 bearer tokens. Keys are parsed once
// and cached until Reload.
type TokenService struct {
	mu       sync.RWMutex
	keys     keyPair
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewTokenService(cfg TokenConfig, log zerolog.Logger, opts ...TokenOption) (*TokenService, error) {
	s := &TokenService{
		now: time.Now,
		log: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads key material and replaces the cached keys.
func (s *TokenService) Reload(cfg TokenConfig) error {
	keys, err := loadKeyPair(cfg)
	if err != nil {
		return err
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	s.issuer = cfg.Issuer
	s.audience = cfg.Audience
	s.ttl = ttl
	s.leeway = cfg.Leeway
	return nil
}

func (s *TokenService) CanSign() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys.private != nil
}

func (s *TokenService) TTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttl
}

func (s *TokenService) Sign(subject TokenSubject) (string, time.Time, error) {
	s.mu.RLock()
	key, issuer, audience, ttl := s.keys.private, s.issuer, s.audience, s.ttl
	s.mu.RUnlock()

	if key == nil {
		return "", time.Time{}, ErrSigningUnavailable
	}

	now := s.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Email:     subject.Email,
		Name:      subject.Name,
		Role:      subject.Role,
		TenantID:  subject.TenantID,
		SessionID: subject.SessionID,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.IdentityID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer, audience and expiry. Any failure yields
// nil; the reason is only logged at debug level.
func (s *TokenService) Verify(tokenStr string) *Claims {
	if tokenStr == "" {
		return nil
	}

	s.mu.RLock()
	key, issuer, audience, leeway := s.keys.public, s.issuer, s.audience, s.leeway
	s.mu.RUnlock()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil || !token.Valid {
		s.log.Debug().Err(err).Msg("token verification failed")
		return nil
	}
	if claims.TokenType != TokenTypeAccess || claims.SessionID == "" || claims.Subject == "" {
		s.log.Debug().Str("typ", claims.TokenType).Msg("token claims incomplete")
		return nil
	}
	return claims
}

// Decode parses claims without checking the signature. The result must only
// be used for logging.
func (s *TokenService) Decode(tokenStr string) *Claims {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil
	}
	return claims
}

func loadKeyPair(cfg TokenConfig) (keyPair, error) {
	var keys keyPair

	privatePEM, err := readPEM(cfg.PrivateKeyPEM, cfg.PrivateKeyPath)
	if err != nil {
		return keyPair{}, fmt.Errorf("read private key: %w", err)
	}
	if len(privatePEM) > 0 {
		keys.private, err = jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
		if err != nil {
			return keyPair{}, fmt.Errorf("parse private key: %w", err)
		}
		keys.public = &keys.private.PublicKey
	}

	publicPEM, err := readPEM(cfg.PublicKeyPEM, cfg.PublicKeyPath)
	if err != nil {
		return keyPair{}, fmt.Errorf("read public key: %w", err)
	}
	if len(publicPEM) > 0 {
		keys.public, err = jwt.ParseRSAPublicKeyFromPEM(publicPEM)
		if err != nil {
			return keyPair{}, fmt.Errorf("parse public key: %w", err)
		}
	}

	if keys.public == nil {
		return keyPair{}, ErrNoVerificationKey
	}
	if keys.private != nil && keys.private.PublicKey.N.Cmp(keys.public.N) != 0 {
		return keyPair{}, errors.New("public key does not match private key")
	}
	return keys, nil
}

// ParseRSAPublicKey loads a public key from inline PEM or a file.
func ParseRSAPublicKey(inline, path string) (*rsa.PublicKey, error) {
	data, err := readPEM(inline, path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoVerificationKey
	}
	return jwt.ParseRSAPublicKeyFromPEM(data)
}

func readPEM(inline, path string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}
