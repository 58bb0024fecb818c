package magiclink

import "time"

// MagicLink is the persisted record of one issued link. The secret token is
// never part of it; only TokenHash (bcrypt) and LookupHash (sha256 index).
type MagicLink struct {
	ID           string
	PublicID     string
	SubjectEmail string
	TokenHash    string
	LookupHash   string
	RedirectURL  string
	ExpiresAt    time.Time
	UsedAt       *time.Time
	Context      map[string]any
	Meta         map[string]any
	IPAddress    *string
	UserAgent    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LinkStatus is the derived lifecycle state of a link at a point in time.
type LinkStatus string

const (
	StatusActive  LinkStatus = "active"
	StatusExpired LinkStatus = "expired"
	StatusUsed    LinkStatus = "used"
)

// Used reports whether the link was consumed or revoked.
func (l MagicLink) Used() bool { return l.UsedAt != nil }

// Expired reports whether now is at or past ExpiresAt.
func (l MagicLink) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Valid reports whether the link can still be consumed at now.
func (l MagicLink) Valid(now time.Time) bool { return !l.Used() && !l.Expired(now) }

// Status classifies the link. A used link reports StatusUsed even after expiry.
func (l MagicLink) Status(now time.Time) LinkStatus {
	switch {
	case l.Used():
		return StatusUsed
	case l.Expired(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Matches reports whether the link satisfies the status predicate at now.
// An empty status matches everything. Store backends express the same
// predicates in their query language.
func (s LinkStatus) Matches(l MagicLink, now time.Time) bool {
	switch s {
	case "":
		return true
	case StatusActive:
		return l.Valid(now)
	case StatusExpired:
		return !l.Used() && l.Expired(now)
	case StatusUsed:
		return l.Used()
	}
	return false
}

// ParseLinkStatus accepts "", "active", "expired" or "used".
func ParseLinkStatus(s string) (LinkStatus, error) {
	switch st := LinkStatus(s); st {
	case "", StatusActive, StatusExpired, StatusUsed:
		return st, nil
	}
	return "", invalid(ErrInvalidArgument, "status", "must be one of active, expired, used")
}

// Client describes who presented a token.
type Client struct {
	IP        string
	UserAgent string
}

// IssueOptions tune a single issuance.
type IssueOptions struct {
	// RedirectURL defaults to Config.DefaultRedirect when empty.
	RedirectURL string

	// TTLMinutes defaults to Config.DefaultTTLMinutes when zero.
	TTLMinutes int

	Context map[string]any
	Meta    map[string]any

	// SkipRateLimit is for trusted tooling only (CLI, ops scripts). The HTTP
	// layer never sets it.
	SkipRateLimit bool
}

// IssuedLink is returned once by Issue. Secret and URL are not retrievable
// afterwards.
type IssuedLink struct {
	Link   MagicLink
	Secret string
	URL    string
}

// ConsumeState is the terminal outcome of a Consume call.
type ConsumeState string

const (
	StateConsumed    ConsumeState = "consumed"
	StateInvalid     ConsumeState = "invalid"
	StateAlreadyUsed ConsumeState = "already_used"
	StateExpired     ConsumeState = "expired"
)

// ConsumeResult carries the outcome. Link is set for every state except
// StateInvalid.
type ConsumeResult struct {
	State ConsumeState
	Link  *MagicLink
}

// OK reports whether the link was consumed by this call.
func (r ConsumeResult) OK() bool { return r.State == StateConsumed }

// Err maps a non-success state to its sentinel error.
func (r ConsumeResult) Err() error {
	switch r.State {
	case StateConsumed:
		return nil
	case StateAlreadyUsed:
		return ErrAlreadyUsed
	case StateExpired:
		return ErrExpired
	default:
		return ErrInvalidToken
	}
}

// ListFilter narrows Maintenance.List. Zero value lists everything.
type ListFilter struct {
	SubjectEmail string
	Status       LinkStatus
	Limit        int
}
