package magiclink

import (
	"errors"

	"go.uber.org/zap"
)

// Service composes the core components around one Store. It's safe to use
// concurrently; call Close on shutdown to flush pending events.
type Service struct {
	cfg         Config
	deps        Deps
	codec       *TokenCodec
	policy      *IssuancePolicy
	events      *Dispatcher
	issuer      *Issuer
	consumer    *Consumer
	maintenance *Maintenance
}

// New validates cfg and wires the components. Invalid configuration (for
// example a token length below 32 bytes) is rejected here, not at call time.
func New(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, invalid(ErrInvalidConfig, "store", "must be provided")
	}
	deps.normalize()

	codec, err := NewTokenCodec(cfg.TokenBytes, cfg.HashCost)
	if err != nil {
		return nil, err
	}
	log := deps.Logger.Named("magiclink")
	events := NewDispatcher(deps.Events, cfg.EventBuffer, log)
	policy := NewIssuancePolicy(deps.Limiter, cfg.IssueLimit, cfg.IssueWindow)

	s := &Service{
		cfg:    cfg,
		deps:   deps,
		codec:  codec,
		policy: policy,
		events: events,
		issuer: &Issuer{
			cfg:    cfg,
			codec:  codec,
			policy: policy,
			store:  deps.Store,
			events: events,
			clock:  deps.Clock,
			log:    log,
		},
		consumer: &Consumer{
			codec:  codec,
			store:  deps.Store,
			events: events,
			clock:  deps.Clock,
			log:    log,
		},
		maintenance: &Maintenance{
			store:  deps.Store,
			events: events,
			clock:  deps.Clock,
			log:    log,
		},
	}
	log.Debug("magic link service ready",
		zap.Int("token_bytes", cfg.TokenBytes),
		zap.Int("hash_cost", cfg.HashCost),
		zap.Int("issue_limit", cfg.IssueLimit),
		zap.Duration("issue_window", cfg.IssueWindow))
	return s, nil
}

// MustNew is New for static configuration known to be valid.
func MustNew(cfg Config, deps Deps) *Service {
	s, err := New(cfg, deps)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Service) Issuer() *Issuer           { return s.issuer }
func (s *Service) Consumer() *Consumer       { return s.consumer }
func (s *Service) Maintenance() *Maintenance { return s.maintenance }
func (s *Service) Policy() *IssuancePolicy   { return s.policy }
func (s *Service) Codec() *TokenCodec        { return s.codec }
func (s *Service) Config() Config            { return s.cfg }
func (s *Service) Limiter() RateLimiter      { return s.deps.Limiter }
func (s *Service) EventsDropped() uint64     { return s.events.Dropped() }
func (s *Service) Logger() *zap.Logger       { return s.deps.Logger }

// Close flushes the event queue.
func (s *Service) Close() error {
	if s == nil {
		return errors.New("magiclink: nil service")
	}
	s.events.Close()
	return nil
}

var (
	_ LinkIssuer     = (*Issuer)(nil)
	_ LinkConsumer   = (*Consumer)(nil)
	_ LinkMaintainer = (*Maintenance)(nil)
)
