package sqlitestore_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/john-naputi/magiclink"
	"github.com/john-naputi/magiclink/sqlitestore"
	"github.com/john-naputi/magiclink/storetest"
)

func open(t *testing.T, path string) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) magiclink.Store { return open(t, ":memory:") })
}

func TestReopenKeepsLinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.db")
	ctx := context.Background()

	s, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l := storetest.NewLink(t, "a@example.com", storetest.Base, time.Hour)
	if err := s.Insert(ctx, &l); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := open(t, path)
	got, err := s2.FindByPublicID(ctx, l.PublicID)
	if err != nil {
		t.Fatalf("FindByPublicID after reopen: %v", err)
	}
	if got.ID != l.ID || !got.ExpiresAt.Equal(l.ExpiresAt) {
		t.Fatalf("got %+v, want %+v", got, l)
	}
}

func TestNilPayloadsStayNil(t *testing.T) {
	s := open(t, ":memory:")
	ctx := context.Background()
	l := storetest.NewLink(t, "a@example.com", storetest.Base, time.Hour)
	l.Context, l.Meta = nil, nil
	if err := s.Insert(ctx, &l); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindByLookupHash(ctx, l.LookupHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Context != nil || got.Meta != nil {
		t.Fatalf("payloads = %v / %v, want nil", got.Context, got.Meta)
	}
}

func TestPing(t *testing.T) {
	if err := open(t, ":memory:").Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestOpenReportsSetupFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "links.db")
	s, err := sqlitestore.Open(path)
	if err == nil {
		_ = s.Close()
		t.Fatal("Open in a missing directory succeeded")
	}
	if !strings.Contains(err.Error(), "PRAGMA busy_timeout") {
		t.Fatalf("err = %v, want the failing pragma named", err)
	}
}
