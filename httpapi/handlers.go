package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/john-naputi/magiclink"
	"go.uber.org/zap"
)

// Utilities

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: code, Message: msg})
}

func serverErr(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_server_error"})
}

// validationCode names a rejected input in the error field.
func validationCode(err error) string {
	switch {
	case errors.Is(err, magiclink.ErrInvalidEmail):
		return "invalid_email"
	case errors.Is(err, magiclink.ErrInvalidRedirect):
		return "invalid_redirect"
	case errors.Is(err, magiclink.ErrInvalidExpiry):
		return "invalid_expiry"
	default:
		return "invalid_argument"
	}
}

// writeError maps a core error to a status and JSON body.
func (s *Server) writeError(c *gin.Context, err error) {
	var rl *magiclink.RateLimitError
	switch {
	case magiclink.IsValidation(err):
		badRequest(c, validationCode(err), err.Error())
	case errors.As(err, &rl):
		tooMany(c, rl.RetryAfter, "rate_limited")
	case magiclink.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
	case errors.Is(err, magiclink.ErrLinkUsed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "link_used"})
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		c.Status(499)
	default:
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		serverErr(c)
	}
}

func client(c *gin.Context) magiclink.Client {
	return magiclink.Client{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func wantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "application/json")
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// POST /magic-link/start
// Body: { "email": "...", "redirect_url": "/somewhere", "ttl_minutes": 15, "context": {...} }
func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", "")
		return
	}

	ctx := c.Request.Context()
	issued, err := s.deps.Issuer.Issue(ctx, req.Email, magiclink.IssueOptions{
		RedirectURL: strings.TrimSpace(req.RedirectURL),
		TTLMinutes:  req.TTLMinutes,
		Context:     req.Context,
		Meta:        map[string]any{"source": "http", "requested_ip": c.ClientIP()},
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	link := issued.Link

	if s.deps.Mail != nil {
		if err := s.deps.Mail.SendMagicLink(ctx, link.SubjectEmail, issued.URL, link.ExpiresAt); err != nil {
			s.log.Error("magic link delivery failed", zap.String("public_id", link.PublicID), zap.Error(err))
			// In prod, delivery must succeed.
			if s.cfg.Env == "prod" {
				serverErr(c)
				return
			}
		}
	}

	resp := StartResponse{
		Ok:        true,
		Message:   "magic_link_sent",
		PublicID:  link.PublicID,
		ExpiresAt: link.ExpiresAt,
	}
	// Dev nicety: echo link only when explicitly requested
	if s.cfg.Env != "prod" && c.GetHeader("X-Debug-Return-Link") == "1" {
		resp.MagicLink = issued.URL
	}
	c.JSON(http.StatusOK, resp)
}

// GET /magic-link/verify?token=...
func (s *Server) handleVerify(c *gin.Context) {
	s.redeem(c, c.Query("token"), wantsJSON(c))
}

// POST /magic-link/exchange
// Body: { "token": "..." }
func (s *Server) handleExchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", "")
		return
	}
	s.redeem(c, req.Token, true)
}

// redeem consumes the secret, resolves the identity and starts the session.
// Browsers get redirects; JSON clients get a body and a status.
func (s *Server) redeem(c *gin.Context, secret string, asJSON bool) {
	secret = strings.TrimSpace(secret)
	c.Set(keyTokenPrefix, magiclink.TruncateToken(secret))

	ctx := c.Request.Context()
	res, err := s.deps.Consumer.Consume(ctx, secret, client(c))
	if err != nil {
		if asJSON {
			s.writeError(c, err)
			return
		}
		s.log.Error("magic link consume failed", zap.Error(err))
		c.Redirect(http.StatusFound, s.cfg.RedirectOnInvalid)
		return
	}
	if !res.OK() {
		s.refuse(c, res, asJSON)
		return
	}

	link := *res.Link
	c.Set(keyConsumed, true)
	c.Set(keySubject, link.SubjectEmail)

	id, err := s.resolve(ctx, link.SubjectEmail)
	if errors.Is(err, ErrUnknownIdentity) {
		s.unknownIdentity(c, link, asJSON)
		return
	}
	if err != nil {
		s.log.Error("identity lookup failed", zap.String("public_id", link.PublicID), zap.Error(err))
		serverErr(c)
		return
	}

	var sess Session
	if s.deps.Sessions != nil {
		sess, err = s.deps.Sessions.StartSession(ctx, id, link, client(c))
		if err != nil {
			s.log.Error("session start failed", zap.String("public_id", link.PublicID), zap.Error(err))
			serverErr(c)
			return
		}
		if sess.Token != "" {
			s.setSessionCookie(c, sess.Token, sess.ExpiresAt)
		}
	}

	if !asJSON {
		c.Redirect(http.StatusFound, link.RedirectURL)
		return
	}
	resp := ExchangeResponse{
		Success:     true,
		Message:     "authenticated",
		RedirectURL: link.RedirectURL,
		Email:       id.Email,
		Context:     link.Context,
		AccessToken: sess.Token,
	}
	if !sess.ExpiresAt.IsZero() {
		resp.ExpiresAt = &sess.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) refuse(c *gin.Context, res magiclink.ConsumeResult, asJSON bool) {
	if !asJSON {
		c.Redirect(http.StatusFound, s.cfg.RedirectOnInvalid)
		return
	}
	switch res.State {
	case magiclink.StateAlreadyUsed:
		c.JSON(http.StatusGone, ErrorResponse{Error: "link_used", Message: "This magic link has already been used."})
	case magiclink.StateExpired:
		c.JSON(http.StatusGone, ErrorResponse{Error: "link_expired", Message: "This magic link has expired."})
	default:
		badRequest(c, "invalid_token", "This magic link is invalid.")
	}
}

func (s *Server) resolve(ctx context.Context, email string) (Identity, error) {
	if s.deps.Identities == nil {
		return Identity{ID: email, Email: email}, nil
	}
	return s.deps.Identities.FindBySubjectEmail(ctx, email)
}

func (s *Server) unknownIdentity(c *gin.Context, link magiclink.MagicLink, asJSON bool) {
	if !s.cfg.AllowUnknownUsers {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown_user", Message: "No account exists for this email."})
		return
	}
	target := s.cfg.RegisterPath + "?" + url.Values{"email": {link.SubjectEmail}}.Encode()
	if !asJSON {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.JSON(http.StatusOK, ExchangeResponse{
		Success:     true,
		Message:     "registration_required",
		RedirectURL: target,
		Email:       link.SubjectEmail,
		Context:     link.Context,
		Register:    true,
	})
}

// Admin handlers

// GET /admin/magic-links?email=&status=&limit=
func (s *Server) handleList(c *gin.Context) {
	f := magiclink.ListFilter{
		SubjectEmail: c.Query("email"),
		Status:       magiclink.LinkStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid_argument", "limit must be an integer")
			return
		}
		f.Limit = n
	}
	links, err := s.deps.Maintainer.List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	now := s.deps.Clock.Now()
	resp := ListResponse{Links: make([]Link, 0, len(links))}
	for _, l := range links {
		resp.Links = append(resp.Links, linkView(l, now))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGet(c *gin.Context) {
	l, err := s.deps.Maintainer.Get(c.Request.Context(), c.Param("public_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkView(l, s.deps.Clock.Now()))
}

func (s *Server) handleRevoke(c *gin.Context) {
	l, err := s.deps.Maintainer.Revoke(c.Request.Context(), c.Param("public_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkView(l, s.deps.Clock.Now()))
}

// POST /admin/magic-links/:public_id/extend
// Body: { "hours": 24 }
func (s *Server) handleExtend(c *gin.Context) {
	var req ExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", "")
		return
	}
	l, err := s.deps.Maintainer.Extend(c.Request.Context(), c.Param("public_id"), req.Hours)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkView(l, s.deps.Clock.Now()))
}

// POST /admin/magic-links/prune
// Body: { "retention_days": 7 } (optional)
func (s *Server) handlePrune(c *gin.Context) {
	var req PruneRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_json", "")
			return
		}
	}
	days := s.cfg.RetentionDays
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	}
	n, err := s.deps.Maintainer.Prune(c.Request.Context(), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PruneResponse{Deleted: n})
}
