package magiclink

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Consumer redeems secrets. The lookup hash narrows the search to at most
// one row; acceptance is decided by bcrypt, and the single conditional write
// in Store.MarkUsed decides which of concurrent callers wins.
type Consumer struct {
	codec  *TokenCodec
	store  Store
	events *Dispatcher
	clock  Clock
	log    *zap.Logger
}

// Consume redeems secret at most once. The returned error is non-nil only for
// storage failures and cancellation; every other outcome is a ConsumeResult.
func (c *Consumer) Consume(ctx context.Context, secret string, client Client) (ConsumeResult, error) {
	link, err := c.locate(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			c.invalid(secret, client)
			return ConsumeResult{State: StateInvalid}, nil
		}
		return ConsumeResult{}, err
	}

	now := c.clock.Now()
	if link.Expired(now) {
		c.log.Info("magic link expired", zap.String("public_id", link.PublicID))
		return ConsumeResult{State: StateExpired, Link: &link}, nil
	}
	if link.Used() {
		c.log.Info("magic link already used", zap.String("public_id", link.PublicID))
		return ConsumeResult{State: StateAlreadyUsed, Link: &link}, nil
	}

	// Past this point the single conditional write either lands or not.
	if err := ctx.Err(); err != nil {
		return ConsumeResult{}, err
	}
	used, err := c.store.MarkUsed(ctx, ConsumeParams{
		PublicID:  link.PublicID,
		Now:       now,
		IPAddress: nullableStr(client.IP),
		UserAgent: nullableStr(client.UserAgent),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConsumable):
		return c.lostRace(ctx, link, now)
	default:
		c.log.Error("magic link consume failed", zap.String("public_id", link.PublicID), zap.Error(err))
		return ConsumeResult{}, storageErr("mark used", err)
	}

	c.log.Info("magic link consumed", zap.String("public_id", used.PublicID), zap.String("ip", client.IP))
	c.events.Emit(LinkConsumed{
		PublicID:  used.PublicID,
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
		At:        now,
	})
	return ConsumeResult{State: StateConsumed, Link: &used}, nil
}

// Inspect returns the link a secret belongs to without consuming it.
// Unknown secrets yield ErrInvalidToken.
func (c *Consumer) Inspect(ctx context.Context, secret string) (MagicLink, error) {
	return c.locate(ctx, secret)
}

// locate finds and verifies the link for secret, paying for exactly one
// bcrypt comparison whether or not a candidate exists.
func (c *Consumer) locate(ctx context.Context, secret string) (MagicLink, error) {
	if !wellFormed(secret) {
		c.codec.burn(secret)
		return MagicLink{}, ErrInvalidToken
	}
	link, err := c.store.FindByLookupHash(ctx, LookupHash(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.codec.burn(secret)
			return MagicLink{}, ErrInvalidToken
		}
		return MagicLink{}, storageErr("find", err)
	}
	if !c.codec.Verify(secret, link.TokenHash) {
		return MagicLink{}, ErrInvalidToken
	}
	return link, nil
}

// lostRace classifies a conditional write that did not apply.
func (c *Consumer) lostRace(ctx context.Context, link MagicLink, now time.Time) (ConsumeResult, error) {
	cur, err := c.store.FindByPublicID(ctx, link.PublicID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Pruned between read and write.
			return ConsumeResult{State: StateAlreadyUsed, Link: &link}, nil
		}
		return ConsumeResult{}, storageErr("find", err)
	}
	if cur.Expired(now) {
		return ConsumeResult{State: StateExpired, Link: &cur}, nil
	}
	return ConsumeResult{State: StateAlreadyUsed, Link: &cur}, nil
}

func (c *Consumer) invalid(secret string, client Client) {
	prefix := TruncateToken(secret)
	c.log.Warn("magic link invalid", zap.String("token_prefix", prefix), zap.String("ip", client.IP))
	c.events.Emit(LinkInvalid{TokenPrefix: prefix, IPAddress: client.IP, At: c.clock.Now()})
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
