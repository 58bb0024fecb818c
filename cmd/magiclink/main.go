package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/john-naputi/magiclink"
	"github.com/john-naputi/magiclink/httpapi"
	"go.uber.org/zap"
)

const usage = `usage: magiclink <command> [flags]

commands:
  serve                          run the HTTP API and the periodic prune loop
  issue -email E [-redirect R] [-ttl M] [-context k=v]... [-skip-rate-limit]
  list [-email E] [-status active|expired|used] [-limit N]
  revoke <public-id>
  extend <public-id> -hours N
  prune [-days N]
  check-config

configuration is read from MAGICLINK_* variables and a local .env file.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 0 ok, 1 failure, 2 usage.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, args := args[0], args[1:]

	cfg, err := FromEnv()
	if cmd == "check-config" {
		return checkConfig(cfg, err, stdout, stderr)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var fn func(context.Context, *App, []string, io.Writer) error
	switch cmd {
	case "serve":
		fn = serve
	case "issue":
		fn = issue
	case "list":
		fn = list
	case "revoke":
		fn = revoke
	case "extend":
		fn = extend
	case "prune":
		fn = prune
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	log, err := newLogger(cfg.Core.Env)
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(stderr, "boot:", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := fn(ctx, a, args, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseWithID accepts the positional id before or after the flags.
func parseWithID(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", errors.New("missing <public-id>")
	}
	id := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return id, nil
}

// kvFlag collects repeated -context k=v pairs.
type kvFlag map[string]any

func (f kvFlag) String() string {
	var parts []string
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	f[strings.TrimSpace(k)] = v
	return nil
}

func serve(ctx context.Context, a *App, args []string, _ io.Writer) error {
	fs := newFlagSet("serve")
	addr := fs.String("addr", a.Cfg.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var mail httpapi.MailSender
	if a.Cfg.Core.Env == "prod" {
		a.Log.Warn("no mail transport configured; links are not delivered")
	} else {
		mail = consoleMailer{w: os.Stderr}
	}
	srv, err := a.Server(mail)
	if err != nil {
		return err
	}

	if a.Cfg.PruneInterval > 0 {
		go pruneLoop(ctx, a, a.Cfg.PruneInterval)
	}

	hs := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	a.Log.Info("magiclink listening",
		zap.String("addr", *addr),
		zap.String("origin", a.Cfg.Core.AppOrigin),
		zap.String("store", a.Cfg.Store))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func pruneLoop(ctx context.Context, a *App, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Service.Maintenance().Prune(ctx, a.Cfg.HTTP.RetentionDays); err != nil && ctx.Err() == nil {
				a.Log.Error("scheduled prune failed", zap.Error(err))
			}
		}
	}
}

func issue(ctx context.Context, a *App, args []string, stdout io.Writer) error {
	fs := newFlagSet("issue")
	email := fs.String("email", "", "subject email (required)")
	redirect := fs.String("redirect", "", "redirect after login")
	ttl := fs.Int("ttl", 0, "lifetime in minutes")
	skip := fs.Bool("skip-rate-limit", false, "bypass the per-email quota")
	kv := kvFlag{}
	fs.Var(kv, "context", "key=value carried with the link (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var linkCtx map[string]any
	if len(kv) > 0 {
		linkCtx = kv
	}
	out, err := a.Service.Issuer().Issue(ctx, *email, magiclink.IssueOptions{
		RedirectURL:   *redirect,
		TTLMinutes:    *ttl,
		Context:       linkCtx,
		Meta:          map[string]any{"source": "cli"},
		SkipRateLimit: *skip,
	})
	if err != nil {
		return err
	}
	// The URL is shown once; it is not retrievable later.
	fmt.Fprintf(stdout, "public_id:  %s\nurl:        %s\nexpires_at: %s\n",
		out.Link.PublicID, out.URL, out.Link.ExpiresAt.Format(time.RFC3339))
	return nil
}

func list(ctx context.Context, a *App, args []string, stdout io.Writer) error {
	fs := newFlagSet("list")
	email := fs.String("email", "", "filter by subject email")
	status := fs.String("status", "", "active, expired or used")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	links, err := a.Service.Maintenance().List(ctx, magiclink.ListFilter{
		SubjectEmail: *email,
		Status:       magiclink.LinkStatus(*status),
		Limit:        *limit,
	})
	if err != nil {
		return err
	}

	now := time.Now()
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBLIC_ID\tSUBJECT\tSTATUS\tEXPIRES_AT\tUSED_AT\tCREATED_AT")
	for _, l := range links {
		used := "-"
		if l.UsedAt != nil {
			used = l.UsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.PublicID, l.SubjectEmail, l.Status(now),
			l.ExpiresAt.Format(time.RFC3339), used, l.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func revoke(ctx context.Context, a *App, args []string, stdout io.Writer) error {
	id, err := parseWithID(newFlagSet("revoke"), args)
	if err != nil {
		return err
	}
	l, err := a.Service.Maintenance().Revoke(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "revoked %s (%s)\n", l.PublicID, l.SubjectEmail)
	return nil
}

func extend(ctx context.Context, a *App, args []string, stdout io.Writer) error {
	fs := newFlagSet("extend")
	hours := fs.Int("hours", 24, "hours to add")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	l, err := a.Service.Maintenance().Extend(ctx, id, *hours)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "extended %s until %s\n", l.PublicID, l.ExpiresAt.Format(time.RFC3339))
	return nil
}

func prune(ctx context.Context, a *App, args []string, stdout io.Writer) error {
	fs := newFlagSet("prune")
	days := fs.Int("days", a.Cfg.HTTP.RetentionDays, "retention in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := a.Service.Maintenance().Prune(ctx, *days)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pruned %d magic link(s)\n", n)
	return nil
}

func checkConfig(cfg Config, err error, stdout, stderr io.Writer) int {
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	c := cfg.Core
	fmt.Fprintf(stdout, "env:          %s\n", c.Env)
	fmt.Fprintf(stdout, "origin:       %s%s\n", c.AppOrigin, c.VerifyPath)
	fmt.Fprintf(stdout, "store:        %s\n", cfg.Store)
	fmt.Fprintf(stdout, "ttl:          %d minutes\n", c.DefaultTTLMinutes)
	fmt.Fprintf(stdout, "token bytes:  %d\n", c.TokenBytes)
	fmt.Fprintf(stdout, "hash cost:    %d\n", c.HashCost)
	fmt.Fprintf(stdout, "issue limit:  %d per %s\n", c.IssueLimit, c.IssueWindow)
	fmt.Fprintf(stdout, "admin routes: %t\n", cfg.HTTP.AdminToken != "")
	fmt.Fprintln(stdout, "ok")
	return 0
}
