package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovictorfarias/pegasus/internal/log"
)

var (
	// ErrInvalidCredentials is returned when a login doesn't match the
	// configured user.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned when a token is missing, malformed, expired
	// or signed with the wrong key.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	tokenIssuer     = "pegasus"
	defaultTokenTTL = 12 * time.Hour
)

// ServiceConfig is the configuration for the auth service.
type ServiceConfig struct {
	Username string
	Password string
	// JWTSecret signs and verifies the issued tokens.
	JWTSecret string
	TokenTTL  time.Duration
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "auth.Service"})
	return nil
}

// Service authenticates the configured user and hands out signed bearer
// tokens bound to its identity.
type Service struct {
	username     string
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	logger       log.Logger
}

// NewService creates a new auth service. The configured password is hashed up
// front so logins always compare against a hash.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("could not hash password: %w", err)
	}

	return &Service{
		username:     cfg.Username,
		passwordHash: hash,
		secret:       []byte(cfg.JWTSecret),
		ttl:          cfg.TokenTTL,
		logger:       cfg.Logger,
	}, nil
}

// Login checks the credentials and returns a signed token carrying the
// identity.
func (s *Service) Login(username, password string) (string, error) {
	if username != s.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		s.logger.Warningf("Failed login attempt for %s", username)
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}

	s.logger.Infof("Issued token for %s", username)

	return token, nil
}

// Verify parses and validates a token and returns the identity it carries.
func (s *Service) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("could not validate token: %v: %w", err, ErrInvalidToken)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrInvalidToken)
	}

	return claims.Subject, nil
}
