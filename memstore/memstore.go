// Package memstore is an in-memory magiclink.Store for development and tests.
// A single mutex serializes every operation, which is what makes MarkUsed
// an atomic conditional write.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/john-naputi/magiclink"
)

// Store keeps links in maps indexed by public id and lookup hash.
type Store struct {
	mu       sync.Mutex
	seq      int64
	byPublic map[string]*magiclink.MagicLink
	byLookup map[string]string // lookup hash -> public id

	failNext error
}

func New() *Store {
	return &Store{
		byPublic: make(map[string]*magiclink.MagicLink),
		byLookup: make(map[string]string),
	}
}

// FailNext makes the next call return err. Test hook.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// Len returns the number of stored links.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPublic)
}

func (s *Store) Insert(ctx context.Context, link *magiclink.MagicLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.byPublic[link.PublicID]; ok {
		return magiclink.ErrDuplicate
	}
	if _, ok := s.byLookup[link.LookupHash]; ok {
		return magiclink.ErrDuplicate
	}
	s.seq++
	link.ID = strconv.FormatInt(s.seq, 10)
	c := clone(*link)
	s.byPublic[c.PublicID] = &c
	s.byLookup[c.LookupHash] = c.PublicID
	return nil
}

func (s *Store) FindByLookupHash(ctx context.Context, lookupHash string) (magiclink.MagicLink, error) {
	if err := ctx.Err(); err != nil {
		return magiclink.MagicLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return magiclink.MagicLink{}, err
	}
	id, ok := s.byLookup[lookupHash]
	if !ok {
		return magiclink.MagicLink{}, magiclink.ErrNotFound
	}
	return clone(*s.byPublic[id]), nil
}

func (s *Store) FindByPublicID(ctx context.Context, publicID string) (magiclink.MagicLink, error) {
	if err := ctx.Err(); err != nil {
		return magiclink.MagicLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return magiclink.MagicLink{}, err
	}
	l, ok := s.byPublic[publicID]
	if !ok {
		return magiclink.MagicLink{}, magiclink.ErrNotFound
	}
	return clone(*l), nil
}

func (s *Store) MarkUsed(ctx context.Context, p magiclink.ConsumeParams) (magiclink.MagicLink, error) {
	if err := ctx.Err(); err != nil {
		return magiclink.MagicLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return magiclink.MagicLink{}, err
	}
	l, ok := s.byPublic[p.PublicID]
	if !ok || !l.Valid(p.Now) {
		return magiclink.MagicLink{}, magiclink.ErrNotConsumable
	}
	now := p.Now
	l.UsedAt = &now
	l.IPAddress = cloneStr(p.IPAddress)
	l.UserAgent = cloneStr(p.UserAgent)
	l.UpdatedAt = now
	return clone(*l), nil
}

func (s *Store) Revoke(ctx context.Context, publicID string, now time.Time) (magiclink.MagicLink, bool, error) {
	if err := ctx.Err(); err != nil {
		return magiclink.MagicLink{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return magiclink.MagicLink{}, false, err
	}
	l, ok := s.byPublic[publicID]
	if !ok {
		return magiclink.MagicLink{}, false, magiclink.ErrNotFound
	}
	if l.Used() {
		return clone(*l), false, nil
	}
	l.UsedAt = &now
	l.UpdatedAt = now
	return clone(*l), true, nil
}

func (s *Store) Extend(ctx context.Context, publicID string, d time.Duration, now time.Time) (magiclink.MagicLink, error) {
	if err := ctx.Err(); err != nil {
		return magiclink.MagicLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return magiclink.MagicLink{}, err
	}
	l, ok := s.byPublic[publicID]
	if !ok {
		return magiclink.MagicLink{}, magiclink.ErrNotFound
	}
	if l.Used() {
		return magiclink.MagicLink{}, magiclink.ErrLinkUsed
	}
	l.ExpiresAt = l.ExpiresAt.Add(d)
	l.UpdatedAt = now
	return clone(*l), nil
}

func (s *Store) DeletePrunable(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	var n int64
	for id, l := range s.byPublic {
		if l.Used() || l.ExpiresAt.Before(cutoff) {
			delete(s.byLookup, l.LookupHash)
			delete(s.byPublic, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, f magiclink.ListFilter, now time.Time) ([]magiclink.MagicLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]magiclink.MagicLink, 0)
	for _, l := range s.byPublic {
		if f.SubjectEmail != "" && l.SubjectEmail != f.SubjectEmail {
			continue
		}
		if !f.Status.Matches(*l, now) {
			continue
		}
		out = append(out, clone(*l))
	}
	// UUIDv7 public ids sort by creation time.
	slices.SortFunc(out, func(a, b magiclink.MagicLink) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.PublicID > b.PublicID:
			return -1
		case a.PublicID < b.PublicID:
			return 1
		}
		return 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func clone(l magiclink.MagicLink) magiclink.MagicLink {
	l.Context = maps.Clone(l.Context)
	l.Meta = maps.Clone(l.Meta)
	if l.UsedAt != nil {
		t := *l.UsedAt
		l.UsedAt = &t
	}
	l.IPAddress = cloneStr(l.IPAddress)
	l.UserAgent = cloneStr(l.UserAgent)
	return l
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ magiclink.Store = (*Store)(nil)
