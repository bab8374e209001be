package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/curvex/internal/auth"
	"github.com/ksred/curvex/pkg/response"
	"golang.org/x/time/rate"
)

// Limit applies to every route whose full path starts with Prefix. All
// routes under one prefix share a caller's bucket.
type Limit struct {
	Prefix string
	Rate   rate.Limit
	Burst  int
}

// DefaultLimits allow 10 auth, 100 order and 1000 read requests per
// minute per caller. Scheduler hooks are unlimited.
var DefaultLimits = []Limit{
	{Prefix: "/api/v1/auth", Rate: rate.Limit(10.0 / 60.0), Burst: 1},
	{Prefix: "/api/v1/orders", Rate: rate.Limit(100.0 / 60.0), Burst: 5},
	{Prefix: "/api/v1/internal", Rate: rate.Inf, Burst: 1},
	{Prefix: "/api/v1", Rate: rate.Limit(1000.0 / 60.0), Burst: 20},
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and limit prefix
type RateLimiter struct {
	mu       sync.Mutex
	limits   []Limit
	visitors map[string]*visitor
	idle     time.Duration
}

func NewRateLimiter(limits []Limit) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
		idle:     3 * time.Minute,
	}
}

func (rl *RateLimiter) match(path string) (Limit, bool) {
	for _, l := range rl.limits {
		if strings.HasPrefix(path, l.Prefix) {
			return l, true
		}
	}
	return Limit{}, false
}

func (rl *RateLimiter) limiter(path, caller string) *rate.Limiter {
	l, ok := rl.match(path)
	if !ok {
		return rate.NewLimiter(rate.Inf, 1)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + l.Prefix
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.Rate, l.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep(time.Now())
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, key)
		}
	}
}

// Middleware keys by the authenticated user, so it must run after JWTAuth
// on protected groups. Unauthenticated requests are keyed by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := auth.UserID(c)
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !rl.limiter(path, caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TokenValidator is satisfied by auth.Service
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a bearer token carrying permission and stores the
// claims and user id in the context
func JWTAuth(validator TokenValidator, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if permission != "" && !claims.HasPermission(permission) {
			response.Forbidden(c, "Token lacks the "+permission+" permission")
			c.Abort()
			return
		}

		c.Set(auth.ContextClaims, claims)
		c.Set(auth.ContextUserID, claims.UserID)
		c.Next()
	}
}
