package internaltest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/john-naputi/magiclink"
	"github.com/john-naputi/magiclink/httpapi"
	"github.com/john-naputi/magiclink/memstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

/**************
 * FAKES
 **************/

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeMailer captures the last link per recipient.
type fakeMailer struct {
	mu   sync.Mutex
	last map[string]string
	fail error
}

func (m *fakeMailer) SendMagicLink(_ context.Context, to, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.last == nil {
		m.last = map[string]string{}
	}
	m.last[to] = link
	return nil
}

func (m *fakeMailer) failWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *fakeMailer) LastLink(to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[to]
}

// sessions hands out a predictable token per identity.
type sessions struct {
	mu    sync.Mutex
	count int
}

func (s *sessions) StartSession(_ context.Context, id httpapi.Identity, _ magiclink.MagicLink, _ magiclink.Client) (httpapi.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return httpapi.Session{Token: fmt.Sprintf("sess-%s-%d", id.ID, s.count)}, nil
}

/**************
 * RIG
 **************/

const (
	origin     = "http://example.test"
	adminToken = "admin-secret"
)

type testRig struct {
	t     *testing.T
	srv   *httptest.Server
	svc   *magiclink.Service
	store *memstore.Store
	mail  *fakeMailer
	clock *fakeClock
	logs  *observer.ObservedLogs
	http  *http.Client
}

type rigOption func(*httpapi.Config, *httpapi.Deps)

func withIdentities(known ...string) rigOption {
	return func(_ *httpapi.Config, d *httpapi.Deps) {
		d.Identities = httpapi.IdentityFunc(func(_ context.Context, email string) (httpapi.Identity, error) {
			for _, k := range known {
				if k == email {
					return httpapi.Identity{ID: "user-" + k, Email: k}, nil
				}
			}
			return httpapi.Identity{}, httpapi.ErrUnknownIdentity
		})
	}
}

func newRig(t *testing.T, env string, opts ...rigOption) *testRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	clock := &fakeClock{t: time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()

	svc, err := magiclink.New(magiclink.Config{
		AppOrigin: origin,
		Env:       env,
		HashCost:  bcrypt.MinCost,
	}, magiclink.Deps{
		Store:   store,
		Limiter: magiclink.NewMemoryRateLimiter(clock),
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("magiclink.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	mail := &fakeMailer{}
	cfg := httpapi.Config{
		Env:           env,
		AppOrigin:     origin,
		CORSOverrides: "http://admin.example.test",
		AdminToken:    adminToken,
		CookieName:    "ml_session",
	}
	deps := httpapi.ServiceDeps(svc)
	deps.Mail = mail
	deps.Sessions = &sessions{}
	deps.Clock = clock
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	s, err := httpapi.New(cfg, deps)
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testRig{
		t:     t,
		srv:   ts,
		svc:   svc,
		store: store,
		mail:  mail,
		clock: clock,
		logs:  logs,
		// Never follow redirects; tests assert on the Location.
		http: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

func (r *testRig) do(method, path string, body any, header map[string]string) *http.Response {
	r.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			r.t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, rd)
	if err != nil {
		r.t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		r.t.Fatalf("%s %s: %v", method, path, err)
	}
	r.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (r *testRig) start(email, redirect string) (*http.Response, httpapi.StartResponse) {
	r.t.Helper()
	resp := r.do("POST", "/magic-link/start",
		httpapi.StartRequest{Email: email, RedirectURL: redirect},
		map[string]string{"Origin": origin, "X-Debug-Return-Link": "1"})
	var out httpapi.StartResponse
	if resp.StatusCode == http.StatusOK {
		decode(r.t, resp, &out)
	}
	return resp, out
}

func (r *testRig) exchange(token string) (*http.Response, httpapi.ExchangeResponse) {
	r.t.Helper()
	resp := r.do("POST", "/magic-link/exchange", httpapi.ExchangeRequest{Token: token}, nil)
	var out httpapi.ExchangeResponse
	if resp.StatusCode == http.StatusOK {
		decode(r.t, resp, &out)
	}
	return resp, out
}

func (r *testRig) admin(method, path string, body any) *http.Response {
	r.t.Helper()
	return r.do(method, path, body, map[string]string{"Authorization": "Bearer " + adminToken})
}

// tokenFor issues a link for email and returns the secret from the mailed URL.
func (r *testRig) tokenFor(email string) string {
	r.t.Helper()
	resp, _ := r.start(email, "/dashboard")
	if resp.StatusCode != http.StatusOK {
		r.t.Fatalf("start status=%d", resp.StatusCode)
	}
	token := tokenFromLink(r.mail.LastLink(email))
	if token == "" {
		r.t.Fatal("missing magic link token")
	}
	return token
}

func tokenFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var e httpapi.ErrorResponse
	decode(t, resp, &e)
	return e.Error
}

/**************
 * TESTS
 **************/

func TestHappyPath_Start_Exchange(t *testing.T) {
	r := newRig(t, "dev")

	resp, start := r.start("Test@Example.com", "/dashboard")
	if resp.StatusCode != 200 {
		t.Fatalf("start status=%d", resp.StatusCode)
	}
	if start.PublicID == "" || start.MagicLink == "" {
		t.Fatalf("start response = %+v", start)
	}
	link := r.mail.LastLink("test@example.com")
	if link != start.MagicLink {
		t.Fatalf("mailed link %q differs from echoed %q", link, start.MagicLink)
	}
	if !strings.HasPrefix(link, origin+"/magic-link/verify?token=") {
		t.Fatalf("link = %q", link)
	}

	resp2, ex := r.exchange(tokenFromLink(link))
	if resp2.StatusCode != 200 {
		t.Fatalf("exchange status=%d", resp2.StatusCode)
	}
	if !ex.Success || ex.RedirectURL != "/dashboard" || ex.Email != "test@example.com" {
		t.Fatalf("exchange response = %+v", ex)
	}
	if ex.AccessToken == "" {
		t.Fatal("missing access_token")
	}

	// Check security headers present
	if rp := resp2.Header.Get("Referrer-Policy"); rp != "no-referrer" {
		t.Fatalf("missing Referrer-Policy, got %q", rp)
	}
	if cc := resp2.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("missing Cache-Control no-store, got %q", cc)
	}

	var cookie *http.Cookie
	for _, c := range resp2.Cookies() {
		if c.Name == "ml_session" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != ex.AccessToken || !cookie.HttpOnly {
		t.Fatalf("session cookie = %+v", cookie)
	}
	if cookie.Secure {
		t.Fatal("cookie must not be Secure outside prod/staging")
	}
}

func TestStart_NoDebugHeader_NoLink(t *testing.T) {
	r := newRig(t, "dev")
	resp := r.do("POST", "/magic-link/start", httpapi.StartRequest{Email: "quiet@example.com"}, nil)
	var out httpapi.StartResponse
	decode(t, resp, &out)
	if out.MagicLink != "" {
		t.Fatalf("link echoed without debug header: %q", out.MagicLink)
	}
}

func TestStart_Prod(t *testing.T) {
	r := newRig(t, "prod")

	resp, out := r.start("prod@example.com", "")
	if resp.StatusCode != 200 {
		t.Fatalf("start status=%d", resp.StatusCode)
	}
	if out.MagicLink != "" {
		t.Fatal("prod must never echo the link")
	}

	r.mail.failWith(errors.New("smtp down"))
	resp, _ = r.start("prod2@example.com", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("mail failure in prod = %d, want 500", resp.StatusCode)
	}
}

func TestStart_MailFailureIgnoredOutsideProd(t *testing.T) {
	r := newRig(t, "dev")
	r.mail.failWith(errors.New("smtp down"))
	resp, out := r.start("dev@example.com", "")
	if resp.StatusCode != 200 || out.MagicLink == "" {
		t.Fatalf("status=%d link=%q", resp.StatusCode, out.MagicLink)
	}
}

func TestVerify_BrowserRedirects(t *testing.T) {
	r := newRig(t, "dev")
	token := r.tokenFor("browser@example.com")

	resp := r.do("GET", "/magic-link/verify?token="+url.QueryEscape(token), nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("verify status=%d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/dashboard" {
		t.Fatalf("Location=%q", loc)
	}

	// Reuse lands on the invalid page.
	resp = r.do("GET", "/magic-link/verify?token="+url.QueryEscape(token), nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("reuse status=%d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != httpapi.DefaultRedirectOnInvalid {
		t.Fatalf("Location=%q", loc)
	}
}

func TestVerify_AcceptJSON(t *testing.T) {
	r := newRig(t, "dev")
	token := r.tokenFor("acceptjson@example.com")
	hdr := map[string]string{"Accept": "application/json"}

	resp := r.do("GET", "/magic-link/verify?token="+url.QueryEscape(token), nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status=%d", resp.StatusCode)
	}
	resp = r.do("GET", "/magic-link/verify?token="+url.QueryEscape(token), nil, hdr)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("reuse status=%d, want 410", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "link_used" {
		t.Fatalf("error=%q", code)
	}
}

func TestMagicLinkReuse_Gone(t *testing.T) {
	r := newRig(t, "dev")
	token := r.tokenFor("reuse@example.com")

	// first exchange ok
	if resp, _ := r.exchange(token); resp.StatusCode != 200 {
		t.Fatalf("first exchange=%d", resp.StatusCode)
	}
	// second reuse → 410
	resp, _ := r.exchange(token)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("second exchange status=%d, want 410", resp.StatusCode)
	}
}

func TestExpiredToken_Gone(t *testing.T) {
	r := newRig(t, "dev")
	token := r.tokenFor("exp@example.com")

	// Advance fake clock past the default TTL
	r.clock.advance(magiclink.DefaultTTLMinutes*time.Minute + time.Second)
	resp, _ := r.exchange(token)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("exchange after expiry = %d, want 410", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "link_expired" {
		t.Fatalf("error=%q", code)
	}
}

func TestExchange_InvalidToken_400(t *testing.T) {
	r := newRig(t, "dev")
	for _, tok := range []string{"", "not-a-token", strings.Repeat("A", 44)} {
		resp, _ := r.exchange(tok)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("token %q status=%d, want 400", tok, resp.StatusCode)
		}
		if code := errorCode(t, resp); code != "invalid_token" {
			t.Fatalf("token %q error=%q", tok, code)
		}
	}
}

func TestExchange_ConcurrentSingleWinner(t *testing.T) {
	r := newRig(t, "dev")
	token := r.tokenFor("race@example.com")

	const n = 10
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, _ := json.Marshal(httpapi.ExchangeRequest{Token: token})
			resp, err := http.Post(r.srv.URL+"/magic-link/exchange", "application/json", bytes.NewReader(b))
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	var ok, gone int
	for c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusGone:
			gone++
		default:
			t.Fatalf("unexpected status %d", c)
		}
	}
	if ok != 1 || gone != n-1 {
		t.Fatalf("ok=%d gone=%d", ok, gone)
	}
}

func TestUnknownIdentity(t *testing.T) {
	t.Run("404", func(t *testing.T) {
		r := newRig(t, "dev", withIdentities("known@example.com"))
		resp, _ := r.exchange(r.tokenFor("stranger@example.com"))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status=%d, want 404", resp.StatusCode)
		}
		if code := errorCode(t, resp); code != "unknown_user" {
			t.Fatalf("error=%q", code)
		}
	})

	t.Run("register redirect", func(t *testing.T) {
		r := newRig(t, "dev", withIdentities(), func(c *httpapi.Config, _ *httpapi.Deps) {
			c.AllowUnknownUsers = true
		})
		token := r.tokenFor("new@example.com")
		resp := r.do("GET", "/magic-link/verify?token="+url.QueryEscape(token), nil, nil)
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("status=%d, want 302", resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/register?email=new%40example.com" {
			t.Fatalf("Location=%q", loc)
		}
	})

	t.Run("known", func(t *testing.T) {
		r := newRig(t, "dev", withIdentities("known@example.com"))
		resp, ex := r.exchange(r.tokenFor("known@example.com"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d", resp.StatusCode)
		}
		if !strings.HasPrefix(ex.AccessToken, "sess-user-known@example.com-") {
			t.Fatalf("access_token=%q", ex.AccessToken)
		}
	})
}

func TestCORS_Preflight_Allowed(t *testing.T) {
	r := newRig(t, "dev")
	for _, o := range []string{origin, "http://admin.example.test"} {
		resp := r.do("OPTIONS", "/magic-link/start", nil, map[string]string{
			"Origin":                        o,
			"Access-Control-Request-Method": "POST",
		})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("preflight status=%d", resp.StatusCode)
		}
		if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != o {
			t.Fatalf("ACAO=%q", ao)
		}
		if ah := resp.Header.Get("Access-Control-Allow-Headers"); ah == "" {
			t.Fatal("missing Access-Control-Allow-Headers")
		}
	}
}

func TestCORS_Preflight_Forbidden(t *testing.T) {
	r := newRig(t, "dev")
	resp := r.do("OPTIONS", "/magic-link/start", nil, map[string]string{
		"Origin":                        "http://evil.test",
		"Access-Control-Request-Method": "POST",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("preflight forbidden status=%d, want 403", resp.StatusCode)
	}
}

func TestRateLimit_IP_429(t *testing.T) {
	r := newRig(t, "dev")
	// Different emails stay clear of the per-email quota.
	for i := 0; i < httpapi.DefaultStartIPLimit; i++ {
		resp, _ := r.start(fmt.Sprintf("ip-%d@example.com", i), "")
		if resp.StatusCode != 200 {
			t.Fatalf("warmup #%d status=%d", i, resp.StatusCode)
		}
	}
	resp, _ := r.start("ip-final@example.com", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("start status=%d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestRateLimit_Email_429(t *testing.T) {
	r := newRig(t, "dev")
	for i := 0; i < magiclink.DefaultIssueLimit; i++ {
		resp, _ := r.start("rl-email@example.com", "")
		if resp.StatusCode != 200 {
			t.Fatalf("warmup #%d=%d", i, resp.StatusCode)
		}
	}
	resp, _ := r.start("RL-Email@example.com", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("same-email status=%d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "3600" {
		t.Fatalf("Retry-After=%q, want 3600", got)
	}
	if code := errorCode(t, resp); code != "rate_limited" {
		t.Fatalf("error=%q", code)
	}

	// Window reset
	r.clock.advance(time.Hour)
	if resp, _ := r.start("rl-email@example.com", ""); resp.StatusCode != 200 {
		t.Fatalf("after window status=%d", resp.StatusCode)
	}
}

func TestRateLimit_ConsumeIP_ClearedOnSuccess(t *testing.T) {
	r := newRig(t, "dev")

	for i := 0; i < httpapi.DefaultConsumeIPLimit-1; i++ {
		if resp, _ := r.exchange("bogus"); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("bogus #%d status=%d", i, resp.StatusCode)
		}
	}
	// A success resets the counter, so the next window is full again.
	if resp, _ := r.exchange(r.tokenFor("clear@example.com")); resp.StatusCode != 200 {
		t.Fatalf("exchange status=%d", resp.StatusCode)
	}
	for i := 0; i < httpapi.DefaultConsumeIPLimit; i++ {
		if resp, _ := r.exchange("bogus"); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("after clear #%d status=%d", i, resp.StatusCode)
		}
	}
	if resp, _ := r.exchange("bogus"); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", resp.StatusCode)
	}
}

func TestRedirectSafety_Invalid_400(t *testing.T) {
	r := newRig(t, "dev")
	for _, redirect := range []string{"//evil.com", "javascript:alert(1)", "/\\evil.com", "ftp://x/y"} {
		resp, _ := r.start("evil@example.com", redirect)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("redirect %q status=%d, want 400", redirect, resp.StatusCode)
		}
		if code := errorCode(t, resp); code != "invalid_redirect" {
			t.Fatalf("redirect %q error=%q", redirect, code)
		}
	}
	if n := r.store.Len(); n != 0 {
		t.Fatalf("store has %d links after rejected input", n)
	}
}

func TestStart_InvalidInput_400(t *testing.T) {
	r := newRig(t, "dev")

	resp := r.do("POST", "/magic-link/start", `{"email":`, nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, resp) != "invalid_json" {
		t.Fatalf("invalid json status=%d", resp.StatusCode)
	}

	resp = r.do("POST", "/magic-link/start", httpapi.StartRequest{Email: "nope"}, nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, resp) != "invalid_email" {
		t.Fatalf("invalid email status=%d", resp.StatusCode)
	}

	resp = r.do("POST", "/magic-link/start", httpapi.StartRequest{Email: "a@example.com", TTLMinutes: -1}, nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, resp) != "invalid_expiry" {
		t.Fatalf("invalid ttl status=%d", resp.StatusCode)
	}
}

func TestSecretNeverLogged(t *testing.T) {
	r := newRig(t, "dev")
	token := r.tokenFor("logs@example.com")
	r.do("GET", "/magic-link/verify?token="+url.QueryEscape(token), nil, nil)
	r.exchange(token)

	var sawAttempt bool
	for _, e := range r.logs.All() {
		if strings.Contains(e.Message, token) {
			t.Fatalf("secret in log message %q", e.Message)
		}
		for k, v := range e.ContextMap() {
			if strings.Contains(fmt.Sprint(v), token) {
				t.Fatalf("secret in log field %q", k)
			}
		}
		if e.Message == "magic link verification successful" {
			sawAttempt = true
			if got := e.ContextMap()["token_prefix"]; got != token[:8]+"..." {
				t.Fatalf("token_prefix=%v", got)
			}
		}
	}
	if !sawAttempt {
		t.Fatal("no attempt log for the successful verification")
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	r := newRig(t, "dev")
	for _, h := range []map[string]string{nil, {"Authorization": "Bearer wrong"}, {"Authorization": adminToken}} {
		resp := r.do("GET", "/admin/magic-links", nil, h)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("headers %v status=%d, want 401", h, resp.StatusCode)
		}
	}
}

func TestAdmin_Disabled(t *testing.T) {
	r := newRig(t, "dev", func(c *httpapi.Config, _ *httpapi.Deps) { c.AdminToken = "" })
	resp := r.do("GET", "/admin/magic-links", nil, map[string]string{"Authorization": "Bearer "})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

func TestAdmin_ListGetRevokeExtendPrune(t *testing.T) {
	r := newRig(t, "dev")
	_, a := r.start("a@example.com", "")
	r.clock.advance(time.Second)
	_, b := r.start("b@example.com", "")

	var list httpapi.ListResponse
	decode(t, r.admin("GET", "/admin/magic-links", nil), &list)
	if len(list.Links) != 2 || list.Links[0].PublicID != b.PublicID {
		t.Fatalf("list = %+v", list.Links)
	}

	decode(t, r.admin("GET", "/admin/magic-links?email=A@example.com", nil), &list)
	if len(list.Links) != 1 || list.Links[0].PublicID != a.PublicID {
		t.Fatalf("filtered list = %+v", list.Links)
	}

	if resp := r.admin("GET", "/admin/magic-links?status=bogus", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", resp.StatusCode)
	}

	var got httpapi.Link
	decode(t, r.admin("GET", "/admin/magic-links/"+a.PublicID, nil), &got)
	if got.Status != string(magiclink.StatusActive) || got.SubjectEmail != "a@example.com" {
		t.Fatalf("get = %+v", got)
	}
	if resp := r.admin("GET", "/admin/magic-links/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing = %d", resp.StatusCode)
	}

	var ext httpapi.Link
	decode(t, r.admin("POST", "/admin/magic-links/"+a.PublicID+"/extend", httpapi.ExtendRequest{Hours: 2}), &ext)
	if want := a.ExpiresAt.Add(2 * time.Hour); !ext.ExpiresAt.Equal(want) {
		t.Fatalf("extended expires_at=%v, want %v", ext.ExpiresAt, want)
	}
	if resp := r.admin("POST", "/admin/magic-links/"+a.PublicID+"/extend", httpapi.ExtendRequest{Hours: 0}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("extend 0h = %d", resp.StatusCode)
	}
	if resp := r.admin("POST", "/admin/magic-links/"+a.PublicID+"/extend", httpapi.ExtendRequest{Hours: 3000000}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("extend 3000000h = %d", resp.StatusCode)
	}

	var rev httpapi.Link
	decode(t, r.admin("POST", "/admin/magic-links/"+a.PublicID+"/revoke", nil), &rev)
	if rev.Status != string(magiclink.StatusUsed) || rev.UsedAt == nil {
		t.Fatalf("revoke = %+v", rev)
	}
	if resp := r.admin("POST", "/admin/magic-links/"+a.PublicID+"/extend", httpapi.ExtendRequest{Hours: 1}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("extend revoked = %d, want 409", resp.StatusCode)
	}

	huge := 200000
	if resp := r.admin("POST", "/admin/magic-links/prune", httpapi.PruneRequest{RetentionDays: &huge}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("huge retention = %d", resp.StatusCode)
	}
	if r.store.Len() != 2 {
		t.Fatalf("huge retention deleted links, len=%d", r.store.Len())
	}

	// Revoked a is prunable; active b is not.
	var pr httpapi.PruneResponse
	decode(t, r.admin("POST", "/admin/magic-links/prune", nil), &pr)
	if pr.Deleted != 1 {
		t.Fatalf("prune deleted=%d, want 1", pr.Deleted)
	}

	// b expires, then ages past a zero-day retention.
	r.clock.advance(time.Hour)
	days := 0
	decode(t, r.admin("POST", "/admin/magic-links/prune", httpapi.PruneRequest{RetentionDays: &days}), &pr)
	if pr.Deleted != 1 || r.store.Len() != 0 {
		t.Fatalf("prune deleted=%d len=%d", pr.Deleted, r.store.Len())
	}

	neg := -1
	if resp := r.admin("POST", "/admin/magic-links/prune", httpapi.PruneRequest{RetentionDays: &neg}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative retention = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	r := newRig(t, "dev")
	if resp := r.do("GET", "/health", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health=%d", resp.StatusCode)
	}
}
