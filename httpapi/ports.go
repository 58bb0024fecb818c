package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/john-naputi/magiclink"
)

// MailSender delivers the one-time URL. Implementations must not log link.
type MailSender interface {
	SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error
}

// MailFunc adapts a function to MailSender.
type MailFunc func(ctx context.Context, to, link string, expiresAt time.Time) error

func (f MailFunc) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	return f(ctx, to, link, expiresAt)
}

// Identity is the account a consumed link authenticates.
type Identity struct {
	ID    string
	Email string
}

// ErrUnknownIdentity is returned by an IdentityResolver with no account for
// the subject.
var ErrUnknownIdentity = errors.New("unknown identity")

// IdentityResolver maps a consumed link's subject to an account. It runs
// after a successful Consume, never before.
type IdentityResolver interface {
	FindBySubjectEmail(ctx context.Context, email string) (Identity, error)
}

// IdentityFunc adapts a function to IdentityResolver.
type IdentityFunc func(ctx context.Context, email string) (Identity, error)

func (f IdentityFunc) FindBySubjectEmail(ctx context.Context, email string) (Identity, error) {
	return f(ctx, email)
}

// Session is what a SessionStarter hands back. Token becomes the
// access_token in JSON responses and the cookie value when a cookie is
// configured.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// SessionStarter establishes the post-login session for an identity.
type SessionStarter interface {
	StartSession(ctx context.Context, id Identity, link magiclink.MagicLink, client magiclink.Client) (Session, error)
}

// SessionFunc adapts a function to SessionStarter.
type SessionFunc func(ctx context.Context, id Identity, link magiclink.MagicLink, client magiclink.Client) (Session, error)

func (f SessionFunc) StartSession(ctx context.Context, id Identity, link magiclink.MagicLink, client magiclink.Client) (Session, error) {
	return f(ctx, id, link, client)
}
