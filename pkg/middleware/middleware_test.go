package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ksred/curvex/internal/auth"
)

func issue(t *testing.T, s *auth.Service, key, secret string) string {
	t.Helper()
	token, err := s.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
	require.NoError(t, err)
	return token.Token
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := auth.NewService("test-secret", time.Hour)
	s.RegisterAPICredentials("trader", "t-secret", "user-1", auth.PermissionTrade)
	s.RegisterAPICredentials("settler", "s-secret", "svc", auth.PermissionSettle)

	router := gin.New()
	router.GET("/orders", JWTAuth(s, auth.PermissionTrade), func(c *gin.Context) {
		c.String(http.StatusOK, auth.UserID(c))
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing header", header: "", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer junk", code: http.StatusUnauthorized},
		{name: "missing permission", header: "Bearer " + issue(t, s, "settler", "s-secret"), code: http.StatusForbidden},
		{name: "valid", header: "Bearer " + issue(t, s, "trader", "t-secret"), code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "user-1", w.Body.String())
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter([]Limit{
		{Prefix: "/api/v1/orders", Rate: rate.Every(time.Hour), Burst: 2},
		{Prefix: "/api/v1/internal", Rate: rate.Inf, Burst: 1},
	})

	router := gin.New()
	router.Use(rl.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.GET("/api/v1/orders", ok)
	router.GET("/api/v1/internal/pending", ok)

	get := func(path, ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/v1/orders", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, get("/api/v1/orders", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/v1/orders", "10.0.0.1"))

	// Buckets are per caller.
	assert.Equal(t, http.StatusOK, get("/api/v1/orders", "10.0.0.2"))

	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, get("/api/v1/internal/pending", "10.0.0.1"))
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(DefaultLimits)
	rl.limiter("/api/v1/orders", "a")
	rl.limiter("/api/v1/orders", "b")
	require.Len(t, rl.visitors, 2)

	rl.visitors["a:/api/v1/orders"].lastSeen = time.Now().Add(-10 * time.Minute)
	rl.sweep(time.Now())

	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "b:/api/v1/orders")
}

func TestRateLimiterSharesBucketAcrossPrefixAndKeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := auth.NewService("test-secret", time.Hour)
	s.RegisterAPICredentials("a", "a-secret", "user-a", auth.PermissionTrade)
	s.RegisterAPICredentials("b", "b-secret", "user-b", auth.PermissionTrade)
	rl := NewRateLimiter([]Limit{{Prefix: "/api/v1/orders", Rate: rate.Every(time.Hour), Burst: 2}})

	router := gin.New()
	group := router.Group("/api/v1", JWTAuth(s, auth.PermissionTrade), rl.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	group.GET("/orders", ok)
	group.GET("/orders/:order_id", ok)
	group.DELETE("/orders/:order_id", ok)

	tokenA, tokenB := issue(t, s, "a", "a-secret"), issue(t, s, "b", "b-secret")
	do := func(method, path, token string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/orders", tokenA))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/orders/o1", tokenA))
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodDelete, "/api/v1/orders/o1", tokenA))

	// Same address, different user.
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/orders", tokenB))
	assert.Contains(t, rl.visitors, "user-a:/api/v1/orders")
	assert.Contains(t, rl.visitors, "user-b:/api/v1/orders")
}
