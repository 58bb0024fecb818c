package magiclink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is a lifecycle notification. No event ever carries a secret token.
type Event interface {
	EventName() string
}

// LinkCreated is emitted after a successful issuance.
type LinkCreated struct {
	PublicID     string
	SubjectEmail string
	ExpiresAt    time.Time
	At           time.Time
}

// LinkConsumed is emitted when a link is consumed.
type LinkConsumed struct {
	PublicID  string
	IPAddress string
	UserAgent string
	At        time.Time
}

// LinkInvalid is emitted when a presented token matched no link.
// TokenPrefix is already truncated.
type LinkInvalid struct {
	TokenPrefix string
	IPAddress   string
	At          time.Time
}

// LinkRevoked is emitted when an administrator revokes a live link.
type LinkRevoked struct {
	PublicID string
	At       time.Time
}

// LinkExtended is emitted when an administrator moves expires_at.
type LinkExtended struct {
	PublicID  string
	ExpiresAt time.Time
	At        time.Time
}

func (LinkCreated) EventName() string  { return "magic_link.created" }
func (LinkConsumed) EventName() string { return "magic_link.consumed" }
func (LinkInvalid) EventName() string  { return "magic_link.invalid" }
func (LinkRevoked) EventName() string  { return "magic_link.revoked" }
func (LinkExtended) EventName() string { return "magic_link.extended" }

// Dispatcher delivers events to a sink on its own goroutine so that core
// operations never wait on delivery. When the buffer is full the event is
// dropped and counted.
type Dispatcher struct {
	sink    EventSink
	logger  *zap.Logger
	queue   chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the delivery goroutine. A nil sink yields a
// dispatcher that discards everything.
func NewDispatcher(sink EventSink, buffer int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit enqueues e without blocking.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || d.sink == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("magic link event dropped", zap.String("event", e.EventName()))
	}
}

// Dropped returns the number of events lost to a full buffer or after Close.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops accepting events and waits until the queue is drained.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		if d.sink == nil {
			continue
		}
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("magic link event sink panicked",
				zap.String("event", e.EventName()),
				zap.Any("panic", r))
		}
	}()
	if err := d.sink.HandleEvent(context.Background(), e); err != nil {
		d.logger.Warn("magic link event delivery failed",
			zap.String("event", e.EventName()),
			zap.Error(err))
	}
}

// LogSink writes events through zap.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) HandleEvent(_ context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		return nil
	}
	switch ev := e.(type) {
	case LinkCreated:
		l.Info(ev.EventName(), zap.String("public_id", ev.PublicID), zap.String("subject", ev.SubjectEmail), zap.Time("expires_at", ev.ExpiresAt))
	case LinkConsumed:
		l.Info(ev.EventName(), zap.String("public_id", ev.PublicID), zap.String("ip", ev.IPAddress))
	case LinkInvalid:
		l.Warn(ev.EventName(), zap.String("token_prefix", ev.TokenPrefix), zap.String("ip", ev.IPAddress))
	case LinkRevoked:
		l.Info(ev.EventName(), zap.String("public_id", ev.PublicID))
	case LinkExtended:
		l.Info(ev.EventName(), zap.String("public_id", ev.PublicID), zap.Time("expires_at", ev.ExpiresAt))
	default:
		l.Info(e.EventName())
	}
	return nil
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, e Event) error { return f(ctx, e) }

// MultiSink fans an event out to every sink, returning the first error.
type MultiSink []EventSink

func (m MultiSink) HandleEvent(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.HandleEvent(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
