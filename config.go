package magiclink

import (
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinTokenBytes is the entropy floor for secrets.
	MinTokenBytes = 32

	// MaxTokenBytes keeps the encoded secret within bcrypt's 72 byte input.
	MaxTokenBytes = 52

	// MinTTLMinutes and MaxTTLMinutes bound link lifetime (1 minute to 7 days).
	MinTTLMinutes = 1
	MaxTTLMinutes = 7 * 24 * 60

	DefaultTTLMinutes     = 15
	DefaultIssueLimit     = 5
	DefaultIssueWindow    = time.Hour
	DefaultVerifyPath     = "/magic-link/verify"
	DefaultRedirect       = "/"
	DefaultEventBuffer    = 256
	DefaultRetentionDays  = 7
	MaxRetentionDays      = 10 * 365
	MaxExtendHours        = 365 * 24
	DefaultHashCost       = bcrypt.DefaultCost
	defaultListLimitUpper = 1000
)

// Config holds runtime behaviors that differ by environment or host app.
// A zero value is valid; see the Default constants.
type Config struct {
	// AppOrigin is the canonical origin of the host (e.g., https://app.example.com).
	// Used to build absolute one-time URLs. Empty yields relative URLs.
	AppOrigin string

	// VerifyPath is the path the one-time URL points at.
	VerifyPath string

	// Env: "prod" | "staging" | "dev" | "test"
	Env string

	// DefaultRedirect is stored when an issuance names no redirect.
	DefaultRedirect string

	// DefaultTTLMinutes is used when IssueOptions.TTLMinutes is zero.
	DefaultTTLMinutes int

	// TokenBytes is the secret entropy in bytes, within [MinTokenBytes, MaxTokenBytes].
	TokenBytes int

	// HashCost is the bcrypt cost factor. Every Consume pays for one
	// comparison at this cost.
	HashCost int

	// IssueLimit issuances per subject per IssueWindow.
	IssueLimit  int
	IssueWindow time.Duration

	// RequireHTTPS rejects a non-https AppOrigin at startup.
	RequireHTTPS bool

	// EventBuffer is the capacity of the async event queue.
	EventBuffer int
}

// Deps are side-effecting dependencies host apps must provide/compose.
type Deps struct {
	Store   Store
	Limiter RateLimiter
	Events  EventSink
	Clock   Clock
	Logger  *zap.Logger
}

// normalize fills defaults.
func (c *Config) normalize() {
	if c.VerifyPath == "" {
		c.VerifyPath = DefaultVerifyPath
	}
	if c.DefaultRedirect == "" {
		c.DefaultRedirect = DefaultRedirect
	}
	if c.DefaultTTLMinutes == 0 {
		c.DefaultTTLMinutes = DefaultTTLMinutes
	}
	if c.TokenBytes == 0 {
		c.TokenBytes = MinTokenBytes
	}
	if c.HashCost == 0 {
		c.HashCost = DefaultHashCost
	}
	if c.IssueLimit == 0 {
		c.IssueLimit = DefaultIssueLimit
	}
	if c.IssueWindow == 0 {
		c.IssueWindow = DefaultIssueWindow
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	c.AppOrigin = strings.TrimRight(strings.TrimSpace(c.AppOrigin), "/")
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	c.normalize()

	if err := validateTokenBytes(c.TokenBytes); err != nil {
		return err
	}
	if c.HashCost < bcrypt.MinCost || c.HashCost > bcrypt.MaxCost {
		return invalid(ErrInvalidConfig, "hash_cost", "out of bcrypt range")
	}
	if err := ValidateExpiry(c.DefaultTTLMinutes); err != nil {
		return invalid(ErrInvalidConfig, "default_ttl_minutes", err.Error())
	}
	if err := ValidateRedirect(c.DefaultRedirect); err != nil {
		return invalid(ErrInvalidConfig, "default_redirect", err.Error())
	}
	if !strings.HasPrefix(c.VerifyPath, "/") {
		return invalid(ErrInvalidConfig, "verify_path", "must start with /")
	}
	if c.IssueLimit < 0 || c.IssueWindow < 0 || c.EventBuffer < 0 {
		return invalid(ErrInvalidConfig, "limits", "must not be negative")
	}
	if c.AppOrigin != "" {
		u, err := url.Parse(c.AppOrigin)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid(ErrInvalidConfig, "app_origin", "must be an absolute http(s) origin")
		}
		if c.RequireHTTPS && u.Scheme != "https" {
			return invalid(ErrInvalidConfig, "app_origin", "https required")
		}
	}
	return nil
}

func (d *Deps) normalize() {
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Limiter == nil {
		d.Limiter = NewMemoryRateLimiter(d.Clock)
	}
}
