package magiclink

import (
	"context"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// IssuancePolicy applies the per-subject quota and input checks that run
// before a link is created.
type IssuancePolicy struct {
	limiter RateLimiter
	limit   int
	window  time.Duration
}

// NewIssuancePolicy allows limit issuances per subject per window.
func NewIssuancePolicy(limiter RateLimiter, limit int, window time.Duration) *IssuancePolicy {
	return &IssuancePolicy{limiter: limiter, limit: limit, window: window}
}

// CheckAndReserve takes one unit of quota for subjectEmail. When the quota is
// spent it returns a *RateLimitError and reserves nothing.
func (p *IssuancePolicy) CheckAndReserve(ctx context.Context, subjectEmail string) error {
	key := IssueKey(subjectEmail)
	if key == "" {
		return invalid(ErrInvalidEmail, "email", "empty")
	}
	d, err := p.limiter.Allow(ctx, key, p.limit, p.window)
	if err != nil {
		return storageErr("rate limit", err)
	}
	if !d.Allowed {
		return &RateLimitError{RetryAfter: d.RetryAfter}
	}
	return nil
}

// Release gives the subject's quota back, e.g. for ops tooling.
func (p *IssuancePolicy) Release(ctx context.Context, subjectEmail string) error {
	key := IssueKey(subjectEmail)
	if key == "" {
		return nil
	}
	return storageErr("rate limit clear", p.limiter.Clear(ctx, key))
}

// ValidateRedirect accepts root-relative paths and absolute http(s) URLs.
// Protocol-relative URLs and every other scheme are rejected.
func ValidateRedirect(raw string) error {
	if raw == "" {
		return invalid(ErrInvalidRedirect, "redirect_url", "empty")
	}
	if strings.ContainsFunc(raw, unicode.IsControl) {
		return invalid(ErrInvalidRedirect, "redirect_url", "control characters are not allowed")
	}
	// Browsers treat "/\host" like "//host".
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, `/\`) {
		return invalid(ErrInvalidRedirect, "redirect_url", "protocol-relative urls are not allowed")
	}
	if strings.HasPrefix(raw, "/") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(ErrInvalidRedirect, "redirect_url", "malformed")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(ErrInvalidRedirect, "redirect_url", "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid(ErrInvalidRedirect, "redirect_url", "missing host")
	}
	return nil
}

// ValidateExpiry accepts lifetimes from MinTTLMinutes to MaxTTLMinutes.
func ValidateExpiry(minutes int) error {
	if minutes < MinTTLMinutes {
		return invalid(ErrInvalidExpiry, "ttl_minutes", "must be at least 1 minute")
	}
	if minutes > MaxTTLMinutes {
		return invalid(ErrInvalidExpiry, "ttl_minutes", "cannot exceed 7 days (10080 minutes)")
	}
	return nil
}

// validateEmail returns the normalized address.
func validateEmail(raw string) (string, error) {
	e := normalizeEmail(raw)
	if e == "" {
		return "", invalid(ErrInvalidEmail, "email", "empty")
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", invalid(ErrInvalidEmail, "email", "malformed")
	}
	return e, nil
}
