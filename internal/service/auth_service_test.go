package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wingsfly/academy-sync/internal/models"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
)

func newAuthService(t *testing.T) *AuthService {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	return NewAuthService(nil, nil, AuthConfig{
		Username:     "admin",
		PasswordHash: string(hash),
		Secret:       "test-secret",
		Expiry:       time.Hour,
		Issuer:       "academy-sync",
	})
}

func TestAuthServiceLoginAndValidate(t *testing.T) {
	svc := newAuthService(t)

	resp, err := svc.Login(models.LoginRequest{Username: "admin", Password: "s3cret"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
}

func TestAuthServiceLoginWrongPassword(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.Login(models.LoginRequest{Username: "admin", Password: "nope"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestAuthServiceLoginWrongUsername(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.Login(models.LoginRequest{Username: "root", Password: "s3cret"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestAuthServiceLoginValidation(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.Login(models.LoginRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAuthServiceValidateGarbageToken(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.ValidateToken("not-a-token")
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
