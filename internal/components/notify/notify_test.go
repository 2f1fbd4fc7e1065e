package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFuncs_NilFieldsAreSkipped(t *testing.T) {
	// Must not panic.
	Nop.SessionExpired(context.Background())
	Nop.Forbidden(context.Background(), "x")

	var expired int
	var msg string
	f := Funcs{
		OnSessionExpired: func(context.Context) { expired++ },
		OnForbidden:      func(_ context.Context, m string) { msg = m },
	}
	f.SessionExpired(context.Background())
	f.Forbidden(context.Background(), "no")

	if expired != 1 || msg != "no" {
		t.Errorf("expired=%d msg=%q", expired, msg)
	}
}

func TestMulti(t *testing.T) {
	var a, b int
	s := Multi(
		Funcs{OnSessionExpired: func(context.Context) { a++ }},
		nil,
		Funcs{OnSessionExpired: func(context.Context) { b++ }},
	)
	s.SessionExpired(context.Background())

	if a != 1 || b != 1 {
		t.Errorf("a=%d b=%d, want 1 each", a, b)
	}
}

func TestLogSink(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewLogSink(slog.New(slog.NewTextHandler(buf, nil)))

	s.SessionExpired(context.Background())
	s.Forbidden(context.Background(), "sellers only")

	out := buf.String()
	if !strings.Contains(out, "session-expired") {
		t.Errorf("missing session-expired record: %s", out)
	}
	if !strings.Contains(out, "sellers only") {
		t.Errorf("missing forbidden message: %s", out)
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Forbidden(context.Background(), "nope")

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		if ev.Kind != KindForbidden || ev.Message != "nope" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("event timestamp not set")
		}
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.SessionExpired(context.Background())
	bus.SessionExpired(context.Background())

	if got := bus.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if ev := <-ch; ev.Kind != KindSessionExpired {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic on the closed channel.
	bus.SessionExpired(context.Background())
}
