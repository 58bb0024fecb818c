package magiclink

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var t0 = time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)

func TestValidateRedirect(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"/dashboard", true},
		{"/", true},
		{"/a?b=1#c", true},
		{"https://ok.example/x", true},
		{"http://ok.example", true},
		{"//evil.com", false},
		{"//evil.com/path", false},
		{`/\evil.com`, false},
		{"javascript:alert(1)", false},
		{"data:text/html,hi", false},
		{"ftp://files.example", false},
		{"https://", false},
		{"dashboard", false},
		{"/a\nb", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidateRedirect(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ValidateRedirect(%q) = %v, want ok", tc.in, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidRedirect) {
			t.Errorf("ValidateRedirect(%q) = %v, want ErrInvalidRedirect", tc.in, err)
		}
	}
}

func TestValidateExpiry(t *testing.T) {
	for _, m := range []int{1, 15, 10080} {
		if err := ValidateExpiry(m); err != nil {
			t.Errorf("ValidateExpiry(%d) = %v", m, err)
		}
	}
	for _, m := range []int{-1, 0, 10081} {
		if err := ValidateExpiry(m); !errors.Is(err, ErrInvalidExpiry) {
			t.Errorf("ValidateExpiry(%d) = %v, want ErrInvalidExpiry", m, err)
		}
	}
}

func TestValidateEmail(t *testing.T) {
	got, err := validateEmail("  Alice@Example.COM ")
	if err != nil || got != "alice@example.com" {
		t.Fatalf("validateEmail = %q, %v", got, err)
	}
	for _, in := range []string{"", "nope", "Alice <a@example.com>", "a@"} {
		if _, err := validateEmail(in); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("validateEmail(%q) = %v, want ErrInvalidEmail", in, err)
		}
	}
}

func TestCheckAndReserve(t *testing.T) {
	clock := &fakeClock{t: t0}
	p := NewIssuancePolicy(NewMemoryRateLimiter(clock), 5, time.Hour)
	ctx := context.Background()

	for i := range 5 {
		if err := p.CheckAndReserve(ctx, "a@example.com"); err != nil {
			t.Fatalf("issuance %d: %v", i+1, err)
		}
	}
	err := p.CheckAndReserve(ctx, "A@example.com")
	var rl *RateLimitError
	if !errors.As(err, &rl) || !IsRateLimited(err) {
		t.Fatalf("6th issuance err = %v, want *RateLimitError", err)
	}
	if rl.RetryAfter != time.Hour {
		t.Fatalf("RetryAfter = %v", rl.RetryAfter)
	}

	// Other subjects are unaffected.
	if err := p.CheckAndReserve(ctx, "b@example.com"); err != nil {
		t.Fatalf("other subject: %v", err)
	}

	clock.advance(time.Hour)
	if err := p.CheckAndReserve(ctx, "a@example.com"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestRelease(t *testing.T) {
	p := NewIssuancePolicy(NewMemoryRateLimiter(&fakeClock{t: t0}), 1, time.Hour)
	ctx := context.Background()
	if err := p.CheckAndReserve(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckAndReserve(ctx, "a@example.com"); !IsRateLimited(err) {
		t.Fatalf("err = %v", err)
	}
	if err := p.Release(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckAndReserve(ctx, "a@example.com"); err != nil {
		t.Fatalf("after Release: %v", err)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func (failingLimiter) Clear(context.Context, string) error { return errors.New("redis down") }

func TestCheckAndReserveBackendFailure(t *testing.T) {
	p := NewIssuancePolicy(failingLimiter{}, 5, time.Hour)
	err := p.CheckAndReserve(context.Background(), "a@example.com")
	if !IsStorage(err) || IsRateLimited(err) {
		t.Fatalf("err = %v, want storage failure", err)
	}
}
