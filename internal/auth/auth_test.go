package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) *Service {
	t.Helper()

	svc, err := NewService(ServiceConfig{
		Username:  "user1",
		Password:  "s3cret",
		JWTSecret: "signing-key",
	})
	require.NoError(t, err)
	return svc
}

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		cfg    ServiceConfig
		expErr bool
	}{
		"A full config should be accepted.": {
			cfg: ServiceConfig{Username: "user1", Password: "s3cret", JWTSecret: "signing-key"},
		},

		"A missing username should be rejected.": {
			cfg:    ServiceConfig{Password: "s3cret", JWTSecret: "signing-key"},
			expErr: true,
		},

		"A missing password should be rejected.": {
			cfg:    ServiceConfig{Username: "user1", JWTSecret: "signing-key"},
			expErr: true,
		},

		"A missing JWT secret should be rejected.": {
			cfg:    ServiceConfig{Username: "user1", Password: "s3cret"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewService(test.cfg)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoginAndVerify(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	svc := testService(t)

	token, err := svc.Login("user1", "s3cret")
	require.NoError(err)
	require.NotEmpty(token)

	identity, err := svc.Verify(token)
	require.NoError(err)
	assert.Equal("user1", identity)
}

func TestLoginInvalidCredentials(t *testing.T) {
	tests := map[string]struct {
		username string
		password string
	}{
		"An unknown username should be rejected.":   {username: "someone", password: "s3cret"},
		"A wrong password should be rejected.":      {username: "user1", password: "nope"},
		"Empty credentials should be rejected.":     {},
		"A swapped username/password should fail.":  {username: "s3cret", password: "user1"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc := testService(t)

			_, err := svc.Login(test.username, test.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestVerifyInvalidTokens(t *testing.T) {
	signed := func(t *testing.T, secret string, claims jwt.Claims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}

	tests := map[string]struct {
		token func(t *testing.T) string
	}{
		"Garbage should be rejected.": {
			token: func(t *testing.T) string { return "not-a-token" },
		},

		"An empty token should be rejected.": {
			token: func(t *testing.T) string { return "" },
		},

		"A token signed with another key should be rejected.": {
			token: func(t *testing.T) string {
				return signed(t, "other-key", jwt.RegisteredClaims{
					Subject:   "user1",
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				})
			},
		},

		"An expired token should be rejected.": {
			token: func(t *testing.T) string {
				return signed(t, "signing-key", jwt.RegisteredClaims{
					Subject:   "user1",
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
				})
			},
		},

		"A token without a subject should be rejected.": {
			token: func(t *testing.T) string {
				return signed(t, "signing-key", jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				})
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc := testService(t)

			_, err := svc.Verify(test.token(t))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
