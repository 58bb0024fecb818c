package magiclink

import (
	"context"
	"maps"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Issuer creates links: validate, reserve quota, generate, persist.
type Issuer struct {
	cfg    Config
	codec  *TokenCodec
	policy *IssuancePolicy
	store  Store
	events *Dispatcher
	clock  Clock
	log    *zap.Logger
}

// Issue creates a link for subjectEmail. The returned secret is the only copy.
// Errors: validation (redirect, ttl, email), *RateLimitError, *StorageError.
func (i *Issuer) Issue(ctx context.Context, subjectEmail string, opts IssueOptions) (IssuedLink, error) {
	email, err := validateEmail(subjectEmail)
	if err != nil {
		return IssuedLink{}, err
	}
	redirect := opts.RedirectURL
	if redirect == "" {
		redirect = i.cfg.DefaultRedirect
	}
	if err := ValidateRedirect(redirect); err != nil {
		return IssuedLink{}, err
	}
	ttl := opts.TTLMinutes
	if ttl == 0 {
		ttl = i.cfg.DefaultTTLMinutes
	}
	if err := ValidateExpiry(ttl); err != nil {
		return IssuedLink{}, err
	}

	if !opts.SkipRateLimit {
		if err := i.policy.CheckAndReserve(ctx, email); err != nil {
			if IsRateLimited(err) {
				i.log.Info("magic link issuance rate limited", zap.String("subject", email))
			}
			return IssuedLink{}, err
		}
	}

	secret, hash, err := i.codec.Generate()
	if err != nil {
		return IssuedLink{}, err
	}
	publicID, err := uuid.NewV7()
	if err != nil {
		return IssuedLink{}, err
	}
	oneTime, err := i.buildURL(secret)
	if err != nil {
		return IssuedLink{}, err
	}

	now := i.clock.Now()
	link := MagicLink{
		PublicID:     publicID.String(),
		SubjectEmail: email,
		TokenHash:    hash,
		LookupHash:   LookupHash(secret),
		RedirectURL:  redirect,
		ExpiresAt:    now.Add(time.Duration(ttl) * time.Minute),
		Context:      maps.Clone(opts.Context),
		Meta:         maps.Clone(opts.Meta),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := i.store.Insert(ctx, &link); err != nil {
		i.log.Error("magic link insert failed", zap.String("public_id", link.PublicID), zap.Error(err))
		return IssuedLink{}, storageErr("insert", err)
	}

	i.log.Info("magic link issued",
		zap.String("public_id", link.PublicID),
		zap.String("subject", email),
		zap.Time("expires_at", link.ExpiresAt))
	i.events.Emit(LinkCreated{
		PublicID:     link.PublicID,
		SubjectEmail: email,
		ExpiresAt:    link.ExpiresAt,
		At:           now,
	})

	return IssuedLink{Link: link, Secret: secret, URL: oneTime}, nil
}

func (i *Issuer) buildURL(secret string) (string, error) {
	u, err := url.Parse(i.cfg.AppOrigin + i.cfg.VerifyPath)
	if err != nil {
		return "", invalid(ErrInvalidConfig, "app_origin", "unparseable")
	}
	q := u.Query()
	q.Set("token", secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
