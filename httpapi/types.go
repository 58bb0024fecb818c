package httpapi

import (
	"time"

	"github.com/john-naputi/magiclink"
)

// DTOs for HTTP JSON request/response payloads.

// StartRequest starts the magic-link flow.
type StartRequest struct {
	Email       string         `json:"email"`
	RedirectURL string         `json:"redirect_url"`
	TTLMinutes  int            `json:"ttl_minutes"`
	Context     map[string]any `json:"context"`
}

type StartResponse struct {
	Ok        bool      `json:"ok"`
	Message   string    `json:"message,omitempty"`
	PublicID  string    `json:"public_id"`
	ExpiresAt time.Time `json:"expires_at"`
	MagicLink string    `json:"magic_link,omitempty"` // non-prod only; gated by header
}

type ExchangeRequest struct {
	Token string `json:"token"`
}

type ExchangeResponse struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	RedirectURL string         `json:"redirect_url"`
	Email       string         `json:"email"`
	Context     map[string]any `json:"context,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Register    bool           `json:"register,omitempty"`
}

type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Link is the admin view of a link. It never carries hashes.
type Link struct {
	PublicID     string     `json:"public_id"`
	SubjectEmail string     `json:"subject_email"`
	Status       string     `json:"status"`
	RedirectURL  string     `json:"redirect_url"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	IPAddress    *string    `json:"ip_address,omitempty"`
	UserAgent    *string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func linkView(l magiclink.MagicLink, now time.Time) Link {
	return Link{
		PublicID:     l.PublicID,
		SubjectEmail: l.SubjectEmail,
		Status:       string(l.Status(now)),
		RedirectURL:  l.RedirectURL,
		ExpiresAt:    l.ExpiresAt,
		UsedAt:       l.UsedAt,
		IPAddress:    l.IPAddress,
		UserAgent:    l.UserAgent,
		CreatedAt:    l.CreatedAt,
	}
}

type ListResponse struct {
	Links []Link `json:"links"`
}

type ExtendRequest struct {
	Hours int `json:"hours"`
}

type PruneRequest struct {
	RetentionDays *int `json:"retention_days"`
}

type PruneResponse struct {
	Deleted int64 `json:"deleted"`
}
