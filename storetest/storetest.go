// Package storetest holds the behavioral contract of magiclink.Store. Every
// backend runs it from its own tests:
//
//	func TestStore(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) magiclink.Store { return newStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/john-naputi/magiclink"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) magiclink.Store

// Base is the reference instant used by the suite. Millisecond precision keeps
// document stores that truncate timestamps comparable.
var Base = time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s magiclink.Store)
	}{
		{"InsertAndFind", testInsertAndFind},
		{"NestedPayload", testNestedPayload},
		{"Duplicate", testDuplicate},
		{"NotFound", testNotFound},
		{"MarkUsed", testMarkUsed},
		{"MarkUsedExpired", testMarkUsedExpired},
		{"MarkUsedConcurrent", testMarkUsedConcurrent},
		{"Revoke", testRevoke},
		{"Extend", testExtend},
		{"DeletePrunable", testDeletePrunable},
		{"List", testList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewLink returns an unused link created at created and expiring after ttl.
func NewLink(t *testing.T, email string, created time.Time, ttl time.Duration) magiclink.MagicLink {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	return magiclink.MagicLink{
		PublicID:     id.String(),
		SubjectEmail: email,
		TokenHash:    "$2a$04$" + id.String(),
		LookupHash:   fmt.Sprintf("%x", id[:]) + "-lookup",
		RedirectURL:  "/dashboard",
		ExpiresAt:    created.Add(ttl),
		Context:      map[string]any{"plan": "pro"},
		Meta:         map[string]any{"source": "storetest"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func insert(t *testing.T, s magiclink.Store, l magiclink.MagicLink) magiclink.MagicLink {
	t.Helper()
	if err := s.Insert(context.Background(), &l); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if l.ID == "" {
		t.Fatal("Insert did not assign an ID")
	}
	return l
}

func testInsertAndFind(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	l := insert(t, s, NewLink(t, "a@example.com", Base, 15*time.Minute))

	byHash, err := s.FindByLookupHash(ctx, l.LookupHash)
	if err != nil {
		t.Fatalf("FindByLookupHash: %v", err)
	}
	byID, err := s.FindByPublicID(ctx, l.PublicID)
	if err != nil {
		t.Fatalf("FindByPublicID: %v", err)
	}
	for _, got := range []magiclink.MagicLink{byHash, byID} {
		if got.ID != l.ID || got.PublicID != l.PublicID {
			t.Fatalf("ids = %q/%q, want %q/%q", got.ID, got.PublicID, l.ID, l.PublicID)
		}
		if got.SubjectEmail != l.SubjectEmail || got.TokenHash != l.TokenHash || got.RedirectURL != l.RedirectURL {
			t.Fatalf("fields mismatch: %+v", got)
		}
		if !got.ExpiresAt.Equal(l.ExpiresAt) || !got.CreatedAt.Equal(l.CreatedAt) {
			t.Fatalf("times = %v/%v, want %v/%v", got.ExpiresAt, got.CreatedAt, l.ExpiresAt, l.CreatedAt)
		}
		if got.UsedAt != nil || got.IPAddress != nil || got.UserAgent != nil {
			t.Fatalf("fresh link carries consumption data: %+v", got)
		}
		if got.Context["plan"] != "pro" || got.Meta["source"] != "storetest" {
			t.Fatalf("payloads = %v / %v", got.Context, got.Meta)
		}
	}
}

// Nested payloads come back as plain maps and slices whatever the backend.
func testNestedPayload(t *testing.T, s magiclink.Store) {
	l := NewLink(t, "a@example.com", Base, time.Hour)
	l.Context = map[string]any{
		"plan":   "pro",
		"limits": map[string]any{"tier": "gold", "owner": map[string]any{"admin": true}},
		"tags":   []any{"a", map[string]any{"k": "v"}},
	}
	l = insert(t, s, l)

	got, err := s.FindByPublicID(context.Background(), l.PublicID)
	if err != nil {
		t.Fatalf("FindByPublicID: %v", err)
	}
	limits, ok := got.Context["limits"].(map[string]any)
	if !ok {
		t.Fatalf("limits = %T, want map[string]any", got.Context["limits"])
	}
	owner, ok := limits["owner"].(map[string]any)
	if !ok || limits["tier"] != "gold" || owner["admin"] != true {
		t.Fatalf("limits = %#v", limits)
	}
	tags, ok := got.Context["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Fatalf("tags = %#v", got.Context["tags"])
	}
	if tag, ok := tags[1].(map[string]any); !ok || tag["k"] != "v" {
		t.Fatalf("tags[1] = %#v", tags[1])
	}
}

func testDuplicate(t *testing.T, s magiclink.Store) {
	l := insert(t, s, NewLink(t, "a@example.com", Base, time.Hour))

	samePublic := NewLink(t, "b@example.com", Base, time.Hour)
	samePublic.PublicID = l.PublicID
	if err := s.Insert(context.Background(), &samePublic); !errors.Is(err, magiclink.ErrDuplicate) {
		t.Fatalf("duplicate public id: err = %v, want ErrDuplicate", err)
	}

	sameLookup := NewLink(t, "b@example.com", Base, time.Hour)
	sameLookup.LookupHash = l.LookupHash
	if err := s.Insert(context.Background(), &sameLookup); !errors.Is(err, magiclink.ErrDuplicate) {
		t.Fatalf("duplicate lookup hash: err = %v, want ErrDuplicate", err)
	}
}

func testNotFound(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	missing := uuid.NewString()
	if _, err := s.FindByLookupHash(ctx, "nope"); !errors.Is(err, magiclink.ErrNotFound) {
		t.Fatalf("FindByLookupHash: err = %v", err)
	}
	if _, err := s.FindByPublicID(ctx, missing); !errors.Is(err, magiclink.ErrNotFound) {
		t.Fatalf("FindByPublicID: err = %v", err)
	}
	if _, _, err := s.Revoke(ctx, missing, Base); !errors.Is(err, magiclink.ErrNotFound) {
		t.Fatalf("Revoke: err = %v", err)
	}
	if _, err := s.Extend(ctx, missing, time.Hour, Base); !errors.Is(err, magiclink.ErrNotFound) {
		t.Fatalf("Extend: err = %v", err)
	}
	if _, err := s.MarkUsed(ctx, magiclink.ConsumeParams{PublicID: missing, Now: Base}); !errors.Is(err, magiclink.ErrNotConsumable) {
		t.Fatalf("MarkUsed: err = %v", err)
	}
}

func testMarkUsed(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	l := insert(t, s, NewLink(t, "a@example.com", Base, 15*time.Minute))
	now := Base.Add(time.Minute)
	ip, ua := "203.0.113.9", "curl/8"

	used, err := s.MarkUsed(ctx, magiclink.ConsumeParams{PublicID: l.PublicID, Now: now, IPAddress: &ip, UserAgent: &ua})
	if err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if used.UsedAt == nil || !used.UsedAt.Equal(now) {
		t.Fatalf("UsedAt = %v, want %v", used.UsedAt, now)
	}
	if used.IPAddress == nil || *used.IPAddress != ip || used.UserAgent == nil || *used.UserAgent != ua {
		t.Fatalf("client = %v/%v", used.IPAddress, used.UserAgent)
	}

	_, err = s.MarkUsed(ctx, magiclink.ConsumeParams{PublicID: l.PublicID, Now: now.Add(time.Second)})
	if !errors.Is(err, magiclink.ErrNotConsumable) {
		t.Fatalf("second MarkUsed: err = %v, want ErrNotConsumable", err)
	}

	got, err := s.FindByPublicID(ctx, l.PublicID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedAt == nil || !got.UsedAt.Equal(now) {
		t.Fatalf("persisted UsedAt = %v, want %v", got.UsedAt, now)
	}
}

func testMarkUsedExpired(t *testing.T, s magiclink.Store) {
	l := insert(t, s, NewLink(t, "a@example.com", Base, time.Minute))
	// expires_at > now is strict.
	_, err := s.MarkUsed(context.Background(), magiclink.ConsumeParams{PublicID: l.PublicID, Now: l.ExpiresAt})
	if !errors.Is(err, magiclink.ErrNotConsumable) {
		t.Fatalf("MarkUsed at expiry: err = %v, want ErrNotConsumable", err)
	}
}

func testMarkUsedConcurrent(t *testing.T, s magiclink.Store) {
	l := insert(t, s, NewLink(t, "a@example.com", Base, time.Hour))
	const n = 16
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
		start  = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.MarkUsed(context.Background(), magiclink.ConsumeParams{PublicID: l.PublicID, Now: Base.Add(time.Second)})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, magiclink.ErrNotConsumable):
				losses.Add(1)
			default:
				t.Errorf("MarkUsed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 || losses.Load() != n-1 {
		t.Fatalf("wins=%d losses=%d, want 1/%d", wins.Load(), losses.Load(), n-1)
	}
}

func testRevoke(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	l := insert(t, s, NewLink(t, "a@example.com", Base, time.Hour))
	first := Base.Add(time.Minute)

	got, revoked, err := s.Revoke(ctx, l.PublicID, first)
	if err != nil || !revoked {
		t.Fatalf("Revoke = %v, %v", revoked, err)
	}
	if got.UsedAt == nil || !got.UsedAt.Equal(first) || got.IPAddress != nil {
		t.Fatalf("revoked link = %+v", got)
	}

	again, revoked, err := s.Revoke(ctx, l.PublicID, first.Add(time.Hour))
	if err != nil || revoked {
		t.Fatalf("second Revoke = %v, %v", revoked, err)
	}
	if again.UsedAt == nil || !again.UsedAt.Equal(first) {
		t.Fatalf("second Revoke moved UsedAt to %v", again.UsedAt)
	}
}

func testExtend(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	expired := insert(t, s, NewLink(t, "a@example.com", Base, time.Minute))
	now := Base.Add(time.Hour)

	got, err := s.Extend(ctx, expired.PublicID, 2*time.Hour, now)
	if err != nil {
		t.Fatalf("Extend expired: %v", err)
	}
	want := expired.ExpiresAt.Add(2 * time.Hour)
	if !got.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
	if !got.Valid(now) {
		t.Fatal("extended link not valid")
	}

	used := insert(t, s, NewLink(t, "a@example.com", Base, time.Hour))
	if _, err := s.MarkUsed(ctx, magiclink.ConsumeParams{PublicID: used.PublicID, Now: Base}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Extend(ctx, used.PublicID, time.Hour, now); !errors.Is(err, magiclink.ErrLinkUsed) {
		t.Fatalf("Extend used: err = %v, want ErrLinkUsed", err)
	}
	after, err := s.FindByPublicID(ctx, used.PublicID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ExpiresAt.Equal(used.ExpiresAt) {
		t.Fatalf("used link ExpiresAt moved to %v", after.ExpiresAt)
	}
}

func testDeletePrunable(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	now := Base
	old := insert(t, s, NewLink(t, "a@example.com", now.Add(-9*24*time.Hour), 24*time.Hour))
	recent := insert(t, s, NewLink(t, "a@example.com", now.Add(-2*24*time.Hour), 24*time.Hour))
	used := insert(t, s, NewLink(t, "a@example.com", now.Add(-time.Hour), 59*time.Minute))
	live := insert(t, s, NewLink(t, "a@example.com", now, time.Hour))
	if _, _, err := s.Revoke(ctx, used.PublicID, now.Add(-30*time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeletePrunable(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeletePrunable: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	for _, l := range []magiclink.MagicLink{old, used} {
		if _, err := s.FindByPublicID(ctx, l.PublicID); !errors.Is(err, magiclink.ErrNotFound) {
			t.Fatalf("%s survived prune: %v", l.PublicID, err)
		}
	}
	for _, l := range []magiclink.MagicLink{recent, live} {
		if _, err := s.FindByPublicID(ctx, l.PublicID); err != nil {
			t.Fatalf("%s pruned: %v", l.PublicID, err)
		}
	}

	n, err = s.DeletePrunable(ctx, now.Add(-7*24*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("second DeletePrunable = %d, %v", n, err)
	}
}

func testList(t *testing.T, s magiclink.Store) {
	ctx := context.Background()
	now := Base.Add(time.Hour)
	active := insert(t, s, NewLink(t, "a@example.com", Base.Add(3*time.Minute), 2*time.Hour))
	expired := insert(t, s, NewLink(t, "a@example.com", Base.Add(2*time.Minute), time.Minute))
	used := insert(t, s, NewLink(t, "a@example.com", Base.Add(1*time.Minute), 2*time.Hour))
	other := insert(t, s, NewLink(t, "b@example.com", Base, 2*time.Hour))
	if _, _, err := s.Revoke(ctx, used.PublicID, now); err != nil {
		t.Fatal(err)
	}

	ids := func(links []magiclink.MagicLink) []string {
		out := make([]string, len(links))
		for i, l := range links {
			out[i] = l.PublicID
		}
		return out
	}
	tests := []struct {
		name string
		f    magiclink.ListFilter
		want []string
	}{
		{"all newest first", magiclink.ListFilter{}, []string{active.PublicID, expired.PublicID, used.PublicID, other.PublicID}},
		{"by email", magiclink.ListFilter{SubjectEmail: "b@example.com"}, []string{other.PublicID}},
		{"active", magiclink.ListFilter{Status: magiclink.StatusActive}, []string{active.PublicID, other.PublicID}},
		{"expired", magiclink.ListFilter{Status: magiclink.StatusExpired}, []string{expired.PublicID}},
		{"used", magiclink.ListFilter{Status: magiclink.StatusUsed}, []string{used.PublicID}},
		{"limit", magiclink.ListFilter{Limit: 2}, []string{active.PublicID, expired.PublicID}},
		{"email and status", magiclink.ListFilter{SubjectEmail: "a@example.com", Status: magiclink.StatusActive}, []string{active.PublicID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links, err := s.List(ctx, tt.f, now)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			got := ids(links)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("List = %v, want %v", got, tt.want)
			}
		})
	}
}
