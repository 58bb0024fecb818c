package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/john-naputi/magiclink"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestExtractBearer(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"Bearer":         "",
		"Bearer ":        "",
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"Basic dXNlcjpw": "",
		"Token abc":      "",
	}
	for in, want := range cases {
		if got := extractBearer(in); got != want {
			t.Errorf("extractBearer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{-time.Second, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Hour, 3600},
	}
	for _, c := range cases {
		if got := retryAfterSeconds(c.in); got != c.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCORSAllowList(t *testing.T) {
	co := newCORS(Config{AppOrigin: "https://app.example.com/", CORSOverrides: " https://a.test/ ,,https://b.test"})
	for _, o := range []string{"https://app.example.com", "https://a.test", "https://b.test"} {
		if _, ok := co.allowed[o]; !ok {
			t.Errorf("origin %q not allowed", o)
		}
	}
	if len(co.allowed) != 3 {
		t.Fatalf("allowed = %v", co.allowed)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Origin", "https://a.test")
	if co.maybeHandle(w, r) {
		t.Fatal("simple request must pass through")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://a.test" {
		t.Fatalf("headers = %v", w.Header())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Origin", "https://evil.test")
	if co.maybeHandle(w, r) || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin got CORS headers")
	}
}

type stubLimiter struct {
	decision magiclink.Decision
	err      error
	cleared  []string
}

func (l *stubLimiter) Allow(context.Context, string, int, time.Duration) (magiclink.Decision, error) {
	return l.decision, l.err
}

func (l *stubLimiter) Clear(_ context.Context, key string) error {
	l.cleared = append(l.cleared, key)
	return nil
}

func testServer(lim magiclink.RateLimiter) (*Server, *observer.ObservedLogs) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	return &Server{deps: Deps{Limiter: lim}, log: zap.New(core)}, logs
}

func serve(h ...gin.HandlerFunc) *httptest.ResponseRecorder {
	e := gin.New()
	e.GET("/x", h...)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w
}

func TestLimitIP(t *testing.T) {
	ok := func(c *gin.Context) {
		c.Set(keyConsumed, true)
		c.Status(http.StatusOK)
	}

	t.Run("allowed and cleared", func(t *testing.T) {
		lim := &stubLimiter{decision: magiclink.Decision{Allowed: true}}
		s, _ := testServer(lim)
		w := serve(s.limitIP("consume-ip:", 1, time.Minute, true), ok)
		if w.Code != http.StatusOK {
			t.Fatalf("status=%d", w.Code)
		}
		if len(lim.cleared) != 1 || lim.cleared[0] != "consume-ip:192.0.2.1" {
			t.Fatalf("cleared = %v", lim.cleared)
		}
	})

	t.Run("no clear without flag", func(t *testing.T) {
		lim := &stubLimiter{decision: magiclink.Decision{Allowed: true}}
		s, _ := testServer(lim)
		serve(s.limitIP("start-ip:", 1, time.Minute, false), ok)
		if len(lim.cleared) != 0 {
			t.Fatalf("cleared = %v", lim.cleared)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		lim := &stubLimiter{decision: magiclink.Decision{RetryAfter: 30 * time.Second}}
		s, _ := testServer(lim)
		w := serve(s.limitIP("start-ip:", 1, time.Minute, false), ok)
		if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "30" {
			t.Fatalf("status=%d retry=%q", w.Code, w.Header().Get("Retry-After"))
		}
	})

	t.Run("backend failure refuses", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		s, logs := testServer(lim)
		w := serve(s.limitIP("start-ip:", 1, time.Minute, false), ok)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d", w.Code)
		}
		if logs.FilterMessage("rate limiter failed").Len() != 1 {
			t.Fatal("limiter failure not logged")
		}
	})
}

func TestRecovery(t *testing.T) {
	s, logs := testServer(nil)
	w := serve(s.recovery(), func(*gin.Context) { panic("boom") })
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if logs.FilterMessage("panic serving request").Len() != 1 {
		t.Fatal("panic not logged")
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(securityHeaders(), func(c *gin.Context) { c.Status(http.StatusOK) })
	if w.Header().Get("Referrer-Policy") != "no-referrer" || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("headers = %v", w.Header())
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without issuer")
	}
}

func TestWriteErrorMapping(t *testing.T) {
	s, _ := testServer(nil)
	cases := []struct {
		err  error
		code int
	}{
		{&magiclink.ValidationError{Field: "email", Reason: "bad", Kind: magiclink.ErrInvalidEmail}, http.StatusBadRequest},
		{&magiclink.RateLimitError{RetryAfter: time.Minute}, http.StatusTooManyRequests},
		{magiclink.ErrNotFound, http.StatusNotFound},
		{magiclink.ErrLinkUsed, http.StatusConflict},
		{&magiclink.StorageError{Op: "insert", Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := serve(func(ctx *gin.Context) { s.writeError(ctx, c.err) })
		if w.Code != c.code {
			t.Errorf("%v: status=%d, want %d", c.err, w.Code, c.code)
		}
	}
}
