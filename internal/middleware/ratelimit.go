package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RateLimiter caps requests per client in fixed windows. It guards session
// start, where each call reaches the backend.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*window
	limit    int
	interval time.Duration
	now      func() time.Time
}

type window struct {
	start time.Time
	used  int
}

// NewRateLimiter allows limit requests per interval and client. Idle clients
// are forgotten until ctx is done.
func NewRateLimiter(ctx context.Context, limit int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*window),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
	go rl.sweep(ctx)
	return rl
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// allow records one request from client. When refused it reports how long
// until the client's window resets.
func (rl *RateLimiter) allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.visitors[client]
	if !ok || now.Sub(w.start) >= rl.interval {
		w = &window{start: now}
		rl.visitors[client] = w
	}
	if w.used >= rl.limit {
		return false, w.start.Add(rl.interval).Sub(now)
	}
	w.used++
	return true, 0
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for client, w := range rl.visitors {
		if now.Sub(w.start) >= rl.interval {
			delete(rl.visitors, client)
		}
	}
}
