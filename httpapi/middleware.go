package httpapi

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by handlers and read by middleware after c.Next.
const (
	keyConsumed    = "magiclink.consumed"
	keyTokenPrefix = "magiclink.token_prefix"
	keySubject     = "magiclink.subject"
)

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Token endpoints must never leak the URL via Referer or caches.
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// requestLog logs the path only. The query carries the secret on /verify.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic serving request",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"),
				)
				if !c.Writer.Written() {
					serverErr(c)
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// limitIP caps requests per client IP in a fixed window. With clearOnSuccess
// the counter is dropped once a handler marks the request as consumed.
// A limiter failure refuses the request.
func (s *Server) limitIP(prefix string, limit int, window time.Duration, clearOnSuccess bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := prefix + c.ClientIP()
		d, err := s.deps.Limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			s.log.Error("rate limiter failed", zap.String("route", c.FullPath()), zap.Error(err))
			serverErr(c)
			c.Abort()
			return
		}
		if !d.Allowed {
			tooMany(c, d.RetryAfter, "too_many_requests")
			c.Abort()
			return
		}

		c.Next()

		if clearOnSuccess && c.GetBool(keyConsumed) {
			if err := s.deps.Limiter.Clear(c.Request.Context(), key); err != nil {
				s.log.Warn("rate limit clear failed", zap.Error(err))
			}
		}
	}
}

// logAttempt records every verification attempt with the token prefix only.
func (s *Server) logAttempt() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ok := c.GetBool(keyConsumed)
		fields := []zap.Field{
			zap.String("token_prefix", c.GetString(keyTokenPrefix)),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Bool("success", ok),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if subject := c.GetString(keySubject); subject != "" {
			fields = append(fields, zap.String("subject", subject))
		}
		if ok {
			s.log.Info("magic link verification successful", fields...)
			return
		}
		s.log.Warn("magic link verification failed", fields...)
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	want := []byte(s.cfg.AdminToken)
	return func(c *gin.Context) {
		got := extractBearer(c.GetHeader("Authorization"))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func extractBearer(h string) string {
	const p = "Bearer "
	if len(h) > len(p) && strings.EqualFold(h[:len(p)], p) {
		return strings.TrimSpace(h[len(p):])
	}
	return ""
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func tooMany(c *gin.Context, retryAfter time.Duration, code string) {
	secs := retryAfterSeconds(retryAfter)
	c.Header("Retry-After", strconv.Itoa(secs))
	c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: code, RetryAfter: secs})
}
