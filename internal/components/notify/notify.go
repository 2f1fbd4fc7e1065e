// Package notify delivers fire-and-forget session signals from the API client
// to whatever presents them (CLI output, a UI layer, logs).
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sokoni/sokoni-client/internal/platform/logutil"
)

// Kind identifies a signal.
type Kind string

const (
	// KindSessionExpired means stored credentials were discarded and the
	// user must log in again.
	KindSessionExpired Kind = "session-expired"

	// KindForbidden is informational: the server refused an action (403).
	KindForbidden Kind = "access-denied"
)

// DefaultForbiddenMessage is used when the server gives no message.
const DefaultForbiddenMessage = "Access denied"

// Event is a delivered signal.
type Event struct {
	Kind    Kind
	Message string
	At      time.Time
}

// Sink receives signals. Implementations must not block the caller.
type Sink interface {
	SessionExpired(ctx context.Context)
	Forbidden(ctx context.Context, message string)
}

// Funcs adapts plain functions to Sink. Nil fields are skipped.
type Funcs struct {
	OnSessionExpired func(ctx context.Context)
	OnForbidden      func(ctx context.Context, message string)
}

func (f Funcs) SessionExpired(ctx context.Context) {
	if f.OnSessionExpired != nil {
		f.OnSessionExpired(ctx)
	}
}

func (f Funcs) Forbidden(ctx context.Context, message string) {
	if f.OnForbidden != nil {
		f.OnForbidden(ctx, message)
	}
}

// Nop discards every signal.
var Nop Sink = Funcs{}

// multi fans a signal out to several sinks in order.
type multi []Sink

// Multi returns a Sink that forwards to each non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) SessionExpired(ctx context.Context) {
	for _, s := range m {
		s.SessionExpired(ctx)
	}
}

func (m multi) Forbidden(ctx context.Context, message string) {
	for _, s := range m {
		s.Forbidden(ctx, message)
	}
}

// LogSink logs signals.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a Sink that writes signals to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logutil.NoopIfNil(logger)}
}

func (l *LogSink) SessionExpired(ctx context.Context) {
	l.logger.WarnContext(ctx, "session expired, re-authentication required", "event", string(KindSessionExpired))
}

func (l *LogSink) Forbidden(ctx context.Context, message string) {
	l.logger.InfoContext(ctx, "access denied", "event", string(KindForbidden), "message", message)
}

// Bus broadcasts signals to subscribers over buffered channels.
// A subscriber whose buffer is full misses the event; publishing never blocks.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped int
	now     func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), now: time.Now}
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// The returned cancel func unregisters and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

func (b *Bus) SessionExpired(ctx context.Context) {
	b.publish(Event{Kind: KindSessionExpired, At: b.now()})
}

func (b *Bus) Forbidden(ctx context.Context, message string) {
	b.publish(Event{Kind: KindForbidden, Message: message, At: b.now()})
}

var (
	_ Sink = Funcs{}
	_ Sink = (*LogSink)(nil)
	_ Sink = (*Bus)(nil)
)
