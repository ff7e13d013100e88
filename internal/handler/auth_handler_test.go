package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/service"
)

func newAuthTestHandler(t *testing.T) *AuthHandler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("sup3r-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	svc := service.NewAuthService(nil, nil, service.AuthConfig{
		Username:     "admin",
		PasswordHash: string(hash),
		Secret:       "test-secret",
		Expiry:       time.Hour,
		Issuer:       "academy-sync",
	})
	return NewAuthHandler(svc)
}

func performLogin(t *testing.T, h *AuthHandler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	h.Login(c)
	return w
}

func TestAuthHandlerLoginSuccess(t *testing.T) {
	h := newAuthTestHandler(t)

	w := performLogin(t, h, models.LoginRequest{Username: "admin", Password: "sup3r-secret"})

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data models.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Data.AccessToken)
	assert.Equal(t, int64(3600), envelope.Data.ExpiresIn)
}

func TestAuthHandlerLoginWrongPassword(t *testing.T) {
	h := newAuthTestHandler(t)

	w := performLogin(t, h, models.LoginRequest{Username: "admin", Password: "nope"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandlerLoginMissingFields(t *testing.T) {
	h := newAuthTestHandler(t)

	w := performLogin(t, h, map[string]string{"username": "admin"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
