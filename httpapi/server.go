package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/john-naputi/magiclink"
	"go.uber.org/zap"
)

const (
	DefaultRedirectOnInvalid = "/login?invalid=1"
	DefaultRegisterPath      = "/register"
	DefaultStartIPLimit      = 10
	DefaultConsumeIPLimit    = 20
)

// Config holds the HTTP-layer behaviors. A zero value is valid.
type Config struct {
	// Env: "prod" | "staging" | "dev" | "test"
	Env string

	// AppOrigin is always allowed by CORS.
	AppOrigin string

	// CORSOverrides is a comma separated list of extra allowed origins.
	CORSOverrides string

	// AdminToken enables the /admin routes when non-empty.
	AdminToken string

	// RedirectOnInvalid is where browsers land after a failed verification.
	RedirectOnInvalid string

	StartIPLimit    int
	StartIPWindow   time.Duration
	ConsumeIPLimit  int
	ConsumeIPWindow time.Duration

	// AllowUnknownUsers sends subjects without an account to RegisterPath
	// instead of answering 404.
	AllowUnknownUsers bool
	RegisterPath      string

	// CookieName enables the session cookie when non-empty.
	CookieName   string
	CookieDomain string

	// RetentionDays is used by the prune route when the body names none.
	RetentionDays int

	// TrustedProxies feeds gin's client IP resolution. Nil trusts none.
	TrustedProxies []string
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env == "" {
		c.Env = "dev"
	}
	c.AppOrigin = strings.TrimRight(strings.TrimSpace(c.AppOrigin), "/")
	if c.RedirectOnInvalid == "" {
		c.RedirectOnInvalid = DefaultRedirectOnInvalid
	}
	if c.RegisterPath == "" {
		c.RegisterPath = DefaultRegisterPath
	}
	if c.StartIPLimit == 0 {
		c.StartIPLimit = DefaultStartIPLimit
	}
	if c.StartIPWindow == 0 {
		c.StartIPWindow = time.Minute
	}
	if c.ConsumeIPLimit == 0 {
		c.ConsumeIPLimit = DefaultConsumeIPLimit
	}
	if c.ConsumeIPWindow == 0 {
		c.ConsumeIPWindow = time.Minute
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = magiclink.DefaultRetentionDays
	}
}

// Deps are the collaborators the routes call into. Issuer, Consumer and
// Limiter are required; Maintainer is required when AdminToken is set.
type Deps struct {
	Issuer     magiclink.LinkIssuer
	Consumer   magiclink.LinkConsumer
	Maintainer magiclink.LinkMaintainer
	Limiter    magiclink.RateLimiter

	// Mail may be nil; links are then only reachable via the debug echo.
	Mail MailSender

	// Identities nil means every subject is its own identity.
	Identities IdentityResolver

	// Sessions nil means no access token is handed out.
	Sessions SessionStarter

	Clock  magiclink.Clock
	Logger *zap.Logger
}

// ServiceDeps fills the core collaborators from a wired Service.
func ServiceDeps(svc *magiclink.Service) Deps {
	return Deps{
		Issuer:     svc.Issuer(),
		Consumer:   svc.Consumer(),
		Maintainer: svc.Maintenance(),
		Limiter:    svc.Limiter(),
		Logger:     svc.Logger(),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Server is the public entry providing an http.Handler with all routes mounted.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	cors   *cors
	log    *zap.Logger
}

// New creates a new Server instance. It does not start listening.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.normalize()
	switch {
	case deps.Issuer == nil:
		return nil, errors.New("httpapi: issuer is required")
	case deps.Consumer == nil:
		return nil, errors.New("httpapi: consumer is required")
	case deps.Limiter == nil:
		return nil, errors.New("httpapi: limiter is required")
	case cfg.AdminToken != "" && deps.Maintainer == nil:
		return nil, errors.New("httpapi: maintainer is required when admin routes are enabled")
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		cors: newCORS(cfg),
		log:  deps.Logger.Named("http"),
	}

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	if err := s.engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	s.engine.Use(s.recovery(), s.requestLog(), s.cors.middleware(), securityHeaders())
	s.mountRoutes()
	return s, nil
}

// Handler returns the http.Handler with CORS and security headers applied.
func (s *Server) Handler() http.Handler { return s.engine }

// Engine exposes the gin engine so hosts can mount their own routes.
func (s *Server) Engine() *gin.Engine { return s.engine }
