package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) secureCookies() bool {
	return s.cfg.Env == "prod" || s.cfg.Env == "staging"
}

// setSessionCookie is a no-op unless Config.CookieName is set.
func (s *Server) setSessionCookie(c *gin.Context, token string, expires time.Time) {
	if s.cfg.CookieName == "" {
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cfg.CookieDomain, // may be empty for host-only
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secureCookies(),
	})
}
