package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type flipProbe struct {
	mu     sync.Mutex
	online bool
}

func (p *flipProbe) set(v bool) {
	p.mu.Lock()
	p.online = v
	p.mu.Unlock()
}

func (p *flipProbe) probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func Test_Monitor_transitionsAndNotifies(t *testing.T) {
	p := &flipProbe{online: true}
	m := New(Options{Logger: discardLogger(), Probe: p.probe, Interval: 10 * time.Millisecond})

	var mu sync.Mutex
	var events []bool
	m.Notify(func(online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	m.Start(context.Background())
	defer m.Stop()

	if !m.Online() {
		t.Fatalf("initial state should be online")
	}

	p.set(false)
	waitFor(t, func() bool { return !m.Online() })

	p.set(true)
	waitFor(t, func() bool { return m.Online() })

	mu.Lock()
	defer mu.Unlock()
	// Seed transition (offline->online at start) plus the two flips.
	if len(events) < 2 {
		t.Fatalf("events = %v, want at least disconnect+reconnect", events)
	}
	last := events[len(events)-1]
	if !last {
		t.Fatalf("last event should be a reconnect")
	}
}

func Test_Monitor_unsubscribedHandlerNotInvoked(t *testing.T) {
	p := &flipProbe{online: true}
	m := New(Options{Logger: discardLogger(), Probe: p.probe, Interval: 10 * time.Millisecond})

	var mu sync.Mutex
	detachedEvents, keptEvents := 0, 0
	cancel := m.Notify(func(online bool) {
		mu.Lock()
		detachedEvents++
		mu.Unlock()
	})
	m.Notify(func(online bool) {
		mu.Lock()
		keptEvents++
		mu.Unlock()
	})

	m.Start(context.Background())
	defer m.Stop()

	cancel()
	cancel() // idempotent

	p.set(false)
	waitFor(t, func() bool { return !m.Online() })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return keptEvents >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	// The seed evaluate at Start ran before cancel and does not transition
	// (online -> online), so the detached handler saw nothing.
	if detachedEvents != 0 {
		t.Fatalf("detached handler invoked %d time(s)", detachedEvents)
	}
}

func Test_Monitor_stopIsIdempotent(t *testing.T) {
	m := New(Options{
		Logger:   discardLogger(),
		Probe:    func(ctx context.Context) bool { return true },
		Interval: 10 * time.Millisecond,
	})
	m.Start(context.Background())
	m.Stop()
	m.Stop()

	// A stopped monitor must not restart.
	m.Start(context.Background())
	m.Stop()
}
