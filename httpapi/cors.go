package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Minimal CORS layer: allow only configured origins, credentials allowed for cookies.
type cors struct {
	allowed map[string]struct{}
}

func newCORS(cfg Config) *cors {
	allowed := map[string]struct{}{}
	for _, override := range strings.Split(cfg.CORSOverrides, ",") {
		override = strings.TrimRight(strings.TrimSpace(override), "/")
		if override != "" {
			allowed[override] = struct{}{}
		}
	}
	if cfg.AppOrigin != "" {
		allowed[strings.TrimRight(cfg.AppOrigin, "/")] = struct{}{}
	}
	return &cors{allowed: allowed}
}

// middleware answers preflights itself and decorates allowed requests.
func (co *cors) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if co.maybeHandle(c.Writer, c.Request) {
			c.Writer.WriteHeaderNow()
			c.Abort()
			return
		}
		c.Next()
	}
}

// maybeHandle returns true if the request was fully handled (e.g., OPTIONS).
func (co *cors) maybeHandle(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	if _, ok := co.allowed[origin]; !ok {
		// Unknown origin. No CORS headers; preflight gets 403.
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusForbidden)
			return true
		}
		return false
	}

	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Retry-After")

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		reqHeaders := r.Header.Get("Access-Control-Request-Headers")
		if reqHeaders == "" {
			reqHeaders = "Content-Type, Authorization"
		}
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}
