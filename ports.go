package magiclink

import (
	"context"
	"time"
)

// ConsumeParams is the input of Store.MarkUsed.
type ConsumeParams struct {
	PublicID  string
	Now       time.Time
	IPAddress *string
	UserAgent *string
}

// Store defines all persistence operations the core needs. Implementations
// live in memstore, sqlitestore and mongostore; storetest holds the contract
// every backend must pass.
type Store interface {
	// Insert persists a new link and assigns its ID. Returns ErrDuplicate if
	// PublicID or LookupHash already exist.
	Insert(ctx context.Context, link *MagicLink) error

	// FindByLookupHash returns the link with the given index hash or ErrNotFound.
	FindByLookupHash(ctx context.Context, lookupHash string) (MagicLink, error)

	// FindByPublicID returns the link or ErrNotFound.
	FindByPublicID(ctx context.Context, publicID string) (MagicLink, error)

	// MarkUsed sets used_at, ip_address and user_agent in a single conditional
	// write guarded by used_at IS NULL AND expires_at > Now. Returns the
	// updated link, or ErrNotConsumable when the guard did not hold.
	MarkUsed(ctx context.Context, p ConsumeParams) (MagicLink, error)

	// Revoke sets used_at = now if it is still nil. revoked tells whether this
	// call made the transition. Returns ErrNotFound for unknown ids.
	Revoke(ctx context.Context, publicID string, now time.Time) (link MagicLink, revoked bool, err error)

	// Extend pushes expires_at forward by d, guarded by used_at IS NULL.
	// Returns ErrLinkUsed for used links and ErrNotFound for unknown ids.
	Extend(ctx context.Context, publicID string, d time.Duration, now time.Time) (MagicLink, error)

	// DeletePrunable removes links with expires_at < cutoff or used_at set and
	// returns the number deleted.
	DeletePrunable(ctx context.Context, cutoff time.Time) (int64, error)

	// List returns links matching f at now, newest first.
	List(ctx context.Context, f ListFilter, now time.Time) ([]MagicLink, error)
}

// Decision is the answer of a RateLimiter.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is an atomic counter store with fixed-window semantics.
// Allow increments and checks in one step; a rejected call does not count.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Clear(ctx context.Context, key string) error
}

// EventSink receives lifecycle events. Delivery is best-effort; an error is
// logged and dropped.
type EventSink interface {
	HandleEvent(ctx context.Context, e Event) error
}

// Clock is an injectable time source to enable deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// Interface views of the components, for callers that only need one role.

type LinkIssuer interface {
	Issue(ctx context.Context, subjectEmail string, opts IssueOptions) (IssuedLink, error)
}

type LinkConsumer interface {
	Consume(ctx context.Context, secret string, client Client) (ConsumeResult, error)
	Inspect(ctx context.Context, secret string) (MagicLink, error)
}

type LinkMaintainer interface {
	Prune(ctx context.Context, retentionDays int) (int64, error)
	Revoke(ctx context.Context, publicID string) (MagicLink, error)
	Extend(ctx context.Context, publicID string, hours int) (MagicLink, error)
	Get(ctx context.Context, publicID string) (MagicLink, error)
	List(ctx context.Context, f ListFilter) ([]MagicLink, error)
}
