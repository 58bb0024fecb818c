package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/john-naputi/magiclink"
	"github.com/john-naputi/magiclink/httpapi"
)

const envPrefix = "MAGICLINK_"

// Config holds runtime configuration with sensible defaults for local dev.
type Config struct {
	Core magiclink.Config
	HTTP httpapi.Config

	Addr string // listen address (default :8080)

	Store      string // memory | sqlite | mongo
	SQLitePath string
	MongoURI   string
	MongoDB    string
	RedisAddr  string // empty keeps the in-process limiter

	PruneInterval time.Duration // zero disables the serve-time prune loop
}

// FromEnv loads configuration from MAGICLINK_* variables, falling back to
// defaults. A local ".env" file is loaded first without overriding the
// real environment.
func FromEnv() (Config, error) {
	loadDotEnv(".env")

	var errs []string
	num := func(key string, def int) int {
		n, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}
	dur := func(key string, def time.Duration) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	boolean := func(key string) bool {
		b, err := getEnvBool(key)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return b
	}

	env := getEnv("ENV", "dev")
	origin := getEnv("APP_ORIGIN", "http://localhost:8080")
	retention := num("RETENTION_DAYS", magiclink.DefaultRetentionDays)

	cfg := Config{
		Core: magiclink.Config{
			AppOrigin:         origin,
			VerifyPath:        getEnv("VERIFY_PATH", magiclink.DefaultVerifyPath),
			Env:               env,
			DefaultRedirect:   getEnv("DEFAULT_REDIRECT", magiclink.DefaultRedirect),
			DefaultTTLMinutes: num("TTL_MINUTES", magiclink.DefaultTTLMinutes),
			TokenBytes:        num("TOKEN_BYTES", magiclink.MinTokenBytes),
			HashCost:          num("HASH_COST", magiclink.DefaultHashCost),
			IssueLimit:        num("ISSUE_LIMIT", magiclink.DefaultIssueLimit),
			IssueWindow:       dur("ISSUE_WINDOW", magiclink.DefaultIssueWindow),
			RequireHTTPS:      boolean("REQUIRE_HTTPS"),
		},
		HTTP: httpapi.Config{
			Env:               env,
			AppOrigin:         origin,
			CORSOverrides:     getEnv("CORS_ORIGINS", ""),
			AdminToken:        getEnv("ADMIN_TOKEN", ""),
			RedirectOnInvalid: getEnv("REDIRECT_ON_INVALID", httpapi.DefaultRedirectOnInvalid),
			StartIPLimit:      num("START_IP_LIMIT", httpapi.DefaultStartIPLimit),
			ConsumeIPLimit:    num("CONSUME_IP_LIMIT", httpapi.DefaultConsumeIPLimit),
			AllowUnknownUsers: boolean("ALLOW_UNKNOWN_USERS"),
			CookieName:        getEnv("COOKIE_NAME", ""),
			CookieDomain:      getEnv("COOKIE_DOMAIN", ""),
			RetentionDays:     retention,
			TrustedProxies:    splitList(getEnv("TRUSTED_PROXIES", "")),
		},
		Addr:          getEnv("ADDR", ":8080"),
		Store:         strings.ToLower(getEnv("STORE", "memory")),
		SQLitePath:    getEnv("SQLITE_PATH", "./data/magiclink.db"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       getEnv("MONGO_DB", "magiclink"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		PruneInterval: dur("PRUNE_INTERVAL", time.Hour),
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings the core does not know about and then the
// core configuration itself.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "sqlite", "mongo":
	default:
		return fmt.Errorf("config: %sSTORE must be memory, sqlite or mongo, got %q", envPrefix, c.Store)
	}
	if c.HTTP.RetentionDays < 0 || c.HTTP.RetentionDays > magiclink.MaxRetentionDays {
		return fmt.Errorf("config: %sRETENTION_DAYS must be between 0 and %d", envPrefix, magiclink.MaxRetentionDays)
	}
	if c.PruneInterval < 0 {
		return fmt.Errorf("config: %sPRUNE_INTERVAL must not be negative", envPrefix)
	}
	return c.Core.Validate()
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s%s: not an integer: %q", envPrefix, key, v)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s%s: not a duration: %q", envPrefix, key, v)
	}
	return d, nil
}

func getEnvBool(key string) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s%s: not a boolean: %q", envPrefix, key, v)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv loads KEY=VALUE pairs from path if present.
// - Ignores blank lines and lines starting with "#" or ";".
// - Strips surrounding single/double quotes from values.
// - Does NOT override variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // no .env; silently skip
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		if !ok || key == "" {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue // don't override real env
		}
		_ = os.Setenv(key, val)
	}
}
