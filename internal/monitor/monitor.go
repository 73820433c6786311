// Package monitor tracks backend connectivity as a two-state machine
// (online/offline) and notifies subscribers on transitions. The sync engine
// uses the reconnect signal to flush pending drafts; no data is ever dropped
// while offline.
package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	gopsutilnet "github.com/shirou/gopsutil/v4/net"
)

const (
	defaultInterval     = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Probe reports whether the backend is currently reachable.
type Probe func(ctx context.Context) bool

type Options struct {
	Logger *slog.Logger

	// Probe decides reachability; defaults to a local link check only.
	Probe Probe

	// Interval between probes.
	Interval time.Duration

	// ProbeTimeout bounds a single probe run.
	ProbeTimeout time.Duration
}

// Monitor is the connectivity state machine.
type Monitor struct {
	log          *slog.Logger
	probe        Probe
	interval     time.Duration
	probeTimeout time.Duration

	mu          sync.Mutex
	online      bool
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	handlers    map[int]func(online bool)
	nextHandler int
}

func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	probe := opts.Probe
	if probe == nil {
		probe = func(ctx context.Context) bool { return HasLink(ctx) }
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Monitor{
		log:          logger,
		probe:        probe,
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// Notify registers a transition handler and returns its unsubscribe
// function. Handlers registered after Start are still honored; they are
// invoked with the new state on every transition.
func (m *Monitor) Notify(fn func(online bool)) (cancel func()) {
	if m == nil || fn == nil {
		return func() {}
	}
	m.mu.Lock()
	if m.handlers == nil {
		m.handlers = make(map[int]func(online bool))
	}
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start evaluates the probe once synchronously to seed the state, then keeps
// probing on the interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.evaluate(loopCtx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.evaluate(loopCtx)
			}
		}
	}()
}

// Stop cancels the probe loop. Idempotent; safe before Start.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Monitor) evaluate(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	online := m.probe(probeCtx)
	cancel()

	m.mu.Lock()
	if m.stopped || online == m.online {
		m.online = online
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := make([]func(bool), 0, len(m.handlers))
	for _, fn := range m.handlers {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost; draft saves continue locally")
	}
	for _, fn := range handlers {
		fn(online)
	}
}

// HasLink reports whether any non-loopback interface is up. It is the cheap
// first half of the default probe; an HTTP health check against the backend
// is composed on top by the caller.
func HasLink(ctx context.Context) bool {
	ifaces, err := gopsutilnet.InterfacesWithContext(ctx)
	if err != nil {
		// Be permissive on probe failure: let the HTTP check decide.
		return true
	}
	for _, iface := range ifaces {
		up, loopback := false, false
		for _, flag := range iface.Flags {
			switch strings.ToLower(flag) {
			case "up":
				up = true
			case "loopback":
				loopback = true
			}
		}
		if up && !loopback {
			return true
		}
	}
	return false
}
