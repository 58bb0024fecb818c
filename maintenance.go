package magiclink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Maintenance holds the administrative operations. Links are addressed by
// their public id, never by secret.
type Maintenance struct {
	store  Store
	events *Dispatcher
	clock  Clock
	log    *zap.Logger
}

// Prune deletes links that expired more than retentionDays ago and every used
// link. Safe to run repeatedly.
func (m *Maintenance) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, invalid(ErrInvalidArgument, "retention_days", "must not be negative")
	}
	// Larger values would overflow the cutoff into the future.
	if retentionDays > MaxRetentionDays {
		return 0, invalid(ErrInvalidArgument, "retention_days", fmt.Sprintf("must be at most %d", MaxRetentionDays))
	}
	cutoff := m.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := m.store.DeletePrunable(ctx, cutoff)
	if err != nil {
		return 0, storageErr("prune", err)
	}
	m.log.Info("magic links pruned", zap.Int64("deleted", n), zap.Int("retention_days", retentionDays))
	return n, nil
}

// Revoke marks the link used without consumption details. Revoking a used
// link succeeds and changes nothing.
func (m *Maintenance) Revoke(ctx context.Context, publicID string) (MagicLink, error) {
	id, err := publicIDArg(publicID)
	if err != nil {
		return MagicLink{}, err
	}
	now := m.clock.Now()
	link, revoked, err := m.store.Revoke(ctx, id, now)
	if err != nil {
		return MagicLink{}, adminErr("revoke", err)
	}
	if revoked {
		m.log.Info("magic link revoked", zap.String("public_id", link.PublicID))
		m.events.Emit(LinkRevoked{PublicID: link.PublicID, At: now})
	}
	return link, nil
}

// Extend pushes expires_at forward by hours. Expired but unused links become
// consumable again; used links are refused with ErrLinkUsed.
func (m *Maintenance) Extend(ctx context.Context, publicID string, hours int) (MagicLink, error) {
	id, err := publicIDArg(publicID)
	if err != nil {
		return MagicLink{}, err
	}
	if hours < 1 {
		return MagicLink{}, invalid(ErrInvalidArgument, "hours", "must be at least 1")
	}
	if hours > MaxExtendHours {
		return MagicLink{}, invalid(ErrInvalidArgument, "hours", fmt.Sprintf("must be at most %d", MaxExtendHours))
	}
	now := m.clock.Now()
	link, err := m.store.Extend(ctx, id, time.Duration(hours)*time.Hour, now)
	if err != nil {
		return MagicLink{}, adminErr("extend", err)
	}
	m.log.Info("magic link extended", zap.String("public_id", link.PublicID), zap.Time("expires_at", link.ExpiresAt))
	m.events.Emit(LinkExtended{PublicID: link.PublicID, ExpiresAt: link.ExpiresAt, At: now})
	return link, nil
}

// Get returns a link by public id.
func (m *Maintenance) Get(ctx context.Context, publicID string) (MagicLink, error) {
	id, err := publicIDArg(publicID)
	if err != nil {
		return MagicLink{}, err
	}
	link, err := m.store.FindByPublicID(ctx, id)
	if err != nil {
		return MagicLink{}, adminErr("get", err)
	}
	return link, nil
}

// List returns links matching f, newest first.
func (m *Maintenance) List(ctx context.Context, f ListFilter) ([]MagicLink, error) {
	if f.Limit < 0 {
		return nil, invalid(ErrInvalidArgument, "limit", "must not be negative")
	}
	if f.Limit == 0 || f.Limit > defaultListLimitUpper {
		f.Limit = defaultListLimitUpper
	}
	if _, err := ParseLinkStatus(string(f.Status)); err != nil {
		return nil, err
	}
	f.SubjectEmail = normalizeEmail(f.SubjectEmail)
	links, err := m.store.List(ctx, f, m.clock.Now())
	if err != nil {
		return nil, storageErr("list", err)
	}
	return links, nil
}

func publicIDArg(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(ErrInvalidArgument, "public_id", "empty")
	}
	return s, nil
}

// adminErr passes contract sentinels through and wraps everything else.
func adminErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLinkUsed) {
		return err
	}
	return storageErr(op, err)
}
