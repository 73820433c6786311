// Package syncer drains the field value store into the local draft store and
// the backend. Local persistence always happens first and must not fail the
// session; the network push is fire-and-forget and a failed push only marks
// the draft pending.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/plantsafe/questengine/internal/backend"
	"github.com/plantsafe/questengine/internal/draftstore"
	"github.com/plantsafe/questengine/internal/form"
)

const (
	// DefaultDebounce is the quiet window after the last edit.
	DefaultDebounce = 2 * time.Second
	// DefaultInterval is the unconditional periodic flush.
	DefaultInterval = 30 * time.Second
	// DefaultPushTimeout bounds one backend push; a timeout is handled
	// exactly like a failed push.
	DefaultPushTimeout = 10 * time.Second
)

// Snapshot is the full current state pushed on every flush.
type Snapshot struct {
	Answers        map[string]form.Value
	CurrentStep    int
	CompletedSteps []int
}

// Persister is the local must-not-fail path.
type Persister interface {
	Save(ctx context.Context, rec *draftstore.Record) error
	SetSyncStatus(ctx context.Context, id draftstore.Identity, status string) error
}

// Pusher is the backend draft-save endpoint.
type Pusher interface {
	SaveDraft(ctx context.Context, req backend.SaveDraftRequest) (*backend.SaveDraftResult, error)
}

type Options struct {
	Logger   *slog.Logger
	Identity draftstore.Identity

	// Snapshot returns the latest full state; it is re-read on every flush so
	// the engine never pushes stale data.
	Snapshot func() Snapshot

	Persist Persister
	Push    Pusher

	// Online reports current connectivity; nil means always online.
	Online func() bool

	// OnWarning receives soft, recoverable failures (push errors, local
	// write errors). Never invoked for success paths.
	OnWarning func(err error)

	Debounce    time.Duration
	Interval    time.Duration
	PushTimeout time.Duration
}

// Engine is one session's sync engine. All timers it owns are canceled by
// Close, which also drains any in-flight flush; a closed engine ignores
// every trigger, which is what prevents a stale engine from writing one
// identity's data into another session.
type Engine struct {
	log      *slog.Logger
	identity draftstore.Identity

	snapshot func() Snapshot
	persist  Persister
	push     Pusher
	online   func() bool
	warn     func(err error)

	pushTimeout time.Duration

	deb     *debouncer
	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// flushing tracks the single-flight flush goroutine so Close can wait
	// for an in-flight flush to land before returning.
	flushing sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	pending  bool
	inFlight bool
	rerun    bool
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	warn := opts.OnWarning
	if warn == nil {
		warn = func(error) {}
	}

	e := &Engine{
		log:         logger,
		identity:    opts.Identity.Normalize(),
		snapshot:    opts.Snapshot,
		persist:     opts.Persist,
		push:        opts.Push,
		online:      online,
		warn:        warn,
		pushTimeout: pushTimeout,
	}
	e.deb = newDebouncer(debounce, func() { e.requestFlush("debounce") })

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCtx = loopCtx
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.intervalLoop(loopCtx, interval)

	return e
}

func (e *Engine) intervalLoop(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.requestFlush("interval")
		}
	}
}

// NoteEdit restarts the debounce window. It never blocks.
func (e *Engine) NoteEdit() {
	if e == nil || e.isClosed() {
		return
	}
	e.deb.Touch()
}

// Flush triggers an immediate flush (step navigation, explicit save). The
// flush itself runs asynchronously; edits are never blocked by a push.
func (e *Engine) Flush(reason string) {
	if e == nil {
		return
	}
	e.requestFlush(reason)
}

// HandleReconnect is wired to the network monitor; it flushes only when
// local edits are still unacknowledged.
func (e *Engine) HandleReconnect() {
	if e == nil {
		return
	}
	e.mu.Lock()
	pending := e.pending && !e.closed
	e.mu.Unlock()
	if pending {
		e.requestFlush("reconnect")
	}
}

// Pending reports whether unacknowledged local edits exist.
func (e *Engine) Pending() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Close cancels the debounce timer, the interval loop and any in-flight
// push, then waits until the flush goroutine has fully drained. After Close
// returns, no local save or push from this engine can land, which is what
// lets the caller delete the draft after a submit. Safe to call more than
// once.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.deb.Cancel()
	e.cancel()
	<-e.done
	e.flushing.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// requestFlush coalesces triggers into a single-flight flush loop. A trigger
// arriving while a flush is running schedules exactly one follow-up, which
// re-reads the snapshot, so the latest state always wins.
func (e *Engine) requestFlush(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.inFlight {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	// Registered under the lock: Close marks closed before waiting, so no
	// new flush can slip in after its Wait begins.
	e.flushing.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.flushing.Done()
		for {
			e.flushOnce(reason)

			e.mu.Lock()
			if !e.rerun || e.closed {
				e.inFlight = false
				e.mu.Unlock()
				return
			}
			e.rerun = false
			e.mu.Unlock()
			reason = "coalesced"
		}
	}()
}

func (e *Engine) flushOnce(reason string) {
	if e.snapshot == nil {
		return
	}
	snap := e.snapshot()

	rec := &draftstore.Record{
		Identity:       e.identity,
		Answers:        snap.Answers,
		CurrentStep:    snap.CurrentStep,
		CompletedSteps: snap.CompletedSteps,
		SyncStatus:     draftstore.SyncPending,
	}

	// Local first: cheap and durable. A write failure degrades to in-memory
	// only and never interrupts editing.
	persisted := false
	if e.persist != nil {
		if err := e.persist.Save(context.Background(), rec); err != nil {
			e.log.Warn("local draft save failed; session continues in memory",
				"identity", e.identity.Key(), "error", err)
			e.warn(err)
		} else {
			persisted = true
		}
	}

	if !e.online() {
		e.setPending(true)
		e.log.Debug("offline; draft kept pending", "identity", e.identity.Key(), "reason", reason)
		return
	}
	if e.push == nil {
		return
	}
	// The local save above still lands during teardown (durability), but a
	// closed engine must not start a push; the pending status carries the
	// draft into the next session instead.
	if e.isClosed() {
		e.setPending(true)
		return
	}

	ctx, cancel := context.WithTimeout(e.loopCtx, e.pushTimeout)
	defer cancel()

	res, err := e.push.SaveDraft(ctx, backend.SaveDraftRequest{
		WorkflowID:     e.identity.WorkflowID,
		MaterialCode:   e.identity.MaterialCode,
		PlantCode:      e.identity.PlantCode,
		Answers:        snap.Answers,
		CurrentStep:    snap.CurrentStep,
		CompletedSteps: snap.CompletedSteps,
	})
	if err != nil {
		e.setPending(true)
		e.log.Warn("draft push failed; will retry",
			"identity", e.identity.Key(), "reason", reason, "error", err)
		e.warn(err)
		return
	}

	e.setPending(false)
	if persisted && e.persist != nil {
		if err := e.persist.SetSyncStatus(context.Background(), e.identity, draftstore.SyncSynced); err != nil {
			e.log.Warn("sync status update failed", "identity", e.identity.Key(), "error", err)
		}
	}
	e.log.Debug("draft pushed",
		"identity", e.identity.Key(), "reason", reason,
		"saved_fields", res.SavedFieldCount, "has_changes", res.HasChanges)
}

func (e *Engine) setPending(pending bool) {
	e.mu.Lock()
	e.pending = pending
	e.mu.Unlock()
}
