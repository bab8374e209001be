package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	s := NewService("test-secret", time.Hour)
	s.RegisterAPICredentials("key", "secret", "user-1", PermissionTrade)
	s.RegisterAPICredentials("ops", "ops-secret", "svc", PermissionSettle)
	return s
}

func TestGenerateAndValidateToken(t *testing.T) {
	s := newTestService()

	token, err := s.GenerateToken(Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiration, 5*time.Second)

	claims, err := s.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, claims.HasPermission(PermissionTrade))
	assert.False(t, claims.HasPermission(PermissionSettle))
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	s := newTestService()

	_, err := s.GenerateToken(Credentials{APIKey: "key", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.GenerateToken(Credentials{APIKey: "nobody", APISecret: "secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	s := newTestService()

	expired := NewService("test-secret", -time.Minute)
	expired.RegisterAPICredentials("key", "secret", "user-1", PermissionTrade)
	stale, err := expired.GenerateToken(Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)

	other := NewService("other-secret", time.Hour)
	other.RegisterAPICredentials("key", "secret", "user-1", PermissionTrade)
	forged, err := other.GenerateToken(Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "user-1"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":        "not-a-token",
		"expired":        stale.Token,
		"wrong secret":   forged.Token,
		"missing expiry": noExpiry,
		"missing user":   noUser,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.ValidateToken(token)
			assert.Error(t, err)
		})
	}
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/token", NewGinHandlers(newTestService()).GenerateTokenHandler())

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"api_key":"key","api_secret":"secret"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Token)

	assert.Equal(t, http.StatusUnauthorized, post(`{"api_key":"key","api_secret":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"api_key":"key"}`).Code)
}
