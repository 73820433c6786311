// Package engine ties one questionnaire session together: template load and
// recovery at start, edits and navigation while drafting, background sync,
// and the terminal submit transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plantsafe/questengine/internal/auditlog"
	"github.com/plantsafe/questengine/internal/backend"
	"github.com/plantsafe/questengine/internal/completion"
	"github.com/plantsafe/questengine/internal/draftstore"
	"github.com/plantsafe/questengine/internal/form"
	"github.com/plantsafe/questengine/internal/monitor"
	"github.com/plantsafe/questengine/internal/syncer"
	"github.com/plantsafe/questengine/internal/template"
)

// State is the submission state machine of one session.
type State string

const (
	StateDraft      State = "draft"
	StateSubmitting State = "submitting"
	// StateSubmitted is terminal: the store is frozen and sync is detached.
	StateSubmitted State = "submitted"
)

// SubmitConfirmThreshold is the completion percentage below which an
// explicit override confirmation is required.
const SubmitConfirmThreshold = 80

var (
	// ErrConfirmationRequired is returned when completion is below the
	// threshold and the caller did not confirm the override.
	ErrConfirmationRequired = errors.New("completion below threshold; explicit confirmation required")

	ErrAlreadySubmitted = errors.New("questionnaire already submitted")
	ErrSubmitInProgress = errors.New("submission already in progress")
	ErrSessionClosed    = errors.New("session closed")
)

// ValidationError blocks submission; editing is unaffected. It names exactly
// the required fields still missing.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("required fields missing: %s", strings.Join(e.Missing, ", "))
}

// NewConnectivityMonitor builds the standard monitor: online means a usable
// non-loopback interface is up and the backend health endpoint answers.
func NewConnectivityMonitor(client *backend.Client, logger *slog.Logger) *monitor.Monitor {
	return monitor.New(monitor.Options{
		Logger: logger,
		Probe: func(ctx context.Context) bool {
			return monitor.HasLink(ctx) && client.Health(ctx)
		},
	})
}

// Backend is the server surface one session depends on.
type Backend interface {
	template.Source
	GetOrCreateDraft(ctx context.Context, materialCode, plantCode, workflowID string) (*backend.RemoteDraft, error)
	SaveDraft(ctx context.Context, req backend.SaveDraftRequest) (*backend.SaveDraftResult, error)
	Submit(ctx context.Context, req backend.SubmitRequest) (*backend.SubmitResult, error)
}

type Options struct {
	Logger   *slog.Logger
	Identity draftstore.Identity

	Backend Backend

	// Drafts is the local durable mirror; nil degrades the whole session to
	// in-memory persistence.
	Drafts *draftstore.Store

	// Monitor supplies connectivity state and reconnect signals; nil means
	// assumed always online.
	Monitor *monitor.Monitor

	// Audit receives lifecycle entries; nil disables the trail.
	Audit *auditlog.Store

	// QueryStats supplies per-step open/resolved query counts from the
	// external query subsystem; nil means none.
	QueryStats func() completion.QueryStats

	// OnWarning receives soft recoverable failures (push errors, local write
	// errors). Optional.
	OnWarning func(err error)

	Debounce     time.Duration
	SyncInterval time.Duration
	PushTimeout  time.Duration
}

// Session is one active questionnaire for one identity. It exclusively owns
// its field value store; nothing is shared across sessions.
type Session struct {
	id  string
	log *slog.Logger

	identity draftstore.Identity
	backend  Backend
	drafts   *draftstore.Store
	mon      *monitor.Monitor
	audit    *auditlog.Store

	queryStats func() completion.QueryStats

	tpl         *template.Template
	store       *form.Store
	sync        *syncer.Engine
	unsubscribe func()

	onWarning   func(err error)
	debounce    time.Duration
	interval    time.Duration
	pushTimeout time.Duration

	mu             sync.Mutex
	state          State
	closed         bool
	currentStep    int
	completedSteps map[int]struct{}

	// recoveryNote is set when a local draft existed but had to be
	// discarded; the UI shell tells the user progress could not be restored.
	recoveryNote string
}

func NewSession(opts Options) (*Session, error) {
	id := opts.Identity.Normalize()
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	if opts.Backend == nil {
		return nil, errors.New("missing backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()
	logger = logger.With(
		"session_id", sessionID,
		"workflow_id", id.WorkflowID,
		"material_code", id.MaterialCode,
		"plant_code", id.PlantCode,
	)

	queryStats := opts.QueryStats
	if queryStats == nil {
		queryStats = func() completion.QueryStats { return nil }
	}

	return &Session{
		id:             sessionID,
		log:            logger,
		identity:       id,
		backend:        opts.Backend,
		drafts:         opts.Drafts,
		mon:            opts.Monitor,
		audit:          opts.Audit,
		queryStats:     queryStats,
		store:          form.NewStore(),
		state:          StateDraft,
		completedSteps: make(map[int]struct{}),
		onWarning:      opts.OnWarning,
		debounce:       opts.Debounce,
		interval:       opts.SyncInterval,
		pushTimeout:    opts.PushTimeout,
		// sync is constructed in Start, after recovery has seeded the store.
	}, nil
}

// Start loads the template, recovers any usable draft, seeds the field value
// store and attaches the sync engine. It must be called exactly once.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.sync != nil {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.mu.Unlock()

	loader := template.NewLoader(s.backend, s.log)
	tpl, err := loader.Load(ctx, s.identity.MaterialCode, s.identity.PlantCode)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}

	store := form.NewStore()
	store.ApplyAutoSource(tpl.AutoSourceValues())

	currentStep := 0
	completed := make(map[int]struct{})
	recoveryNote := ""
	recoveredPending := false

	// Local draft first: it is the freshest copy of the user's own edits.
	if s.drafts != nil {
		rec, reason, loadErr := s.drafts.Load(ctx, s.identity)
		switch {
		case loadErr != nil:
			s.log.Warn("draft recovery failed; starting clean", "error", loadErr)
		case rec != nil:
			store.ApplyPersisted(rec.Answers)
			currentStep = clampStep(rec.CurrentStep, len(tpl.Steps))
			for _, idx := range rec.CompletedSteps {
				if idx >= 0 && idx < len(tpl.Steps) {
					completed[idx] = struct{}{}
				}
			}
			recoveredPending = rec.SyncStatus == draftstore.SyncPending
			s.log.Info("draft recovered", "answers", len(rec.Answers), "step", currentStep)
			s.auditEntry(auditlog.ActionDraftRecovered, "", map[string]any{"answers": len(rec.Answers)})
		case reason != draftstore.DiscardNone:
			recoveryNote = fmt.Sprintf("saved progress could not be restored (%s)", reason)
			s.log.Info("local draft discarded", "reason", string(reason))
			s.auditEntry(auditlog.ActionDraftDiscarded, "", map[string]any{"reason": string(reason)})
		}
	}

	// Server-held draft underneath the local one.
	if s.online() {
		rd, rdErr := s.backend.GetOrCreateDraft(ctx, s.identity.MaterialCode, s.identity.PlantCode, s.identity.WorkflowID)
		if rdErr != nil {
			s.log.Warn("remote draft fetch failed; continuing with local state", "error", rdErr)
		} else if rd != nil {
			store.ApplyPersisted(rd.Answers)
		}
	}

	eng := syncer.New(syncer.Options{
		Logger:      s.log,
		Identity:    s.identity,
		Snapshot:    s.snapshot,
		Persist:     s.persister(),
		Push:        s.backend,
		Online:      s.online,
		OnWarning:   s.onWarning,
		Debounce:    s.debounce,
		Interval:    s.interval,
		PushTimeout: s.pushTimeout,
	})

	var unsubscribe func()
	if s.mon != nil {
		unsubscribe = s.mon.Notify(func(online bool) {
			if online {
				eng.HandleReconnect()
			}
		})
	}

	// Publish everything under one lock and re-check closed: a Close that
	// raced Start must not leave a live sync engine behind.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		eng.Close()
		return ErrSessionClosed
	}
	s.tpl = tpl
	s.store = store
	s.currentStep = currentStep
	s.completedSteps = completed
	s.recoveryNote = recoveryNote
	s.sync = eng
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	// Edits recovered from a previous run that never reached the backend go
	// straight back into the pipeline.
	if recoveredPending {
		eng.Flush("recovered pending draft")
	}
	return nil
}

func (s *Session) persister() syncer.Persister {
	if s.drafts == nil {
		return nil
	}
	return s.drafts
}

func (s *Session) online() bool {
	if s.mon == nil {
		return true
	}
	return s.mon.Online()
}

func (s *Session) snapshot() syncer.Snapshot {
	s.mu.Lock()
	store := s.store
	step := s.currentStep
	completed := make([]int, 0, len(s.completedSteps))
	for idx := range s.completedSteps {
		completed = append(completed, idx)
	}
	s.mu.Unlock()
	sort.Ints(completed)

	return syncer.Snapshot{
		Answers:        store.Snapshot(),
		CurrentStep:    step,
		CompletedSteps: completed,
	}
}

// Template returns the loaded template (nil before Start).
func (s *Session) Template() *template.Template {
	if s == nil {
		return nil
	}
	return s.tpl
}

// State returns the submission state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecoveryNote is non-empty when a local draft existed but was discarded.
func (s *Session) RecoveryNote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryNote
}

// CurrentStep returns the active step index.
func (s *Session) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStep
}

// Answer returns the effective value of a field.
func (s *Session) Answer(name string) form.Value {
	return s.store.Get(name)
}

// SetAnswer records a single edit.
func (s *Session) SetAnswer(name string, v form.Value) error {
	return s.SetAnswers(map[string]form.Value{name: v})
}

// SetAnswers records edits in order and restarts the sync debounce window.
// Unknown and non-editable fields are rejected; a resolved auto-source field
// cannot be overwritten by hand.
func (s *Session) SetAnswers(patch map[string]form.Value) error {
	if s == nil || s.tpl == nil {
		return errors.New("session not started")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateDraft {
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	s.mu.Unlock()

	for name := range patch {
		f, ok := s.tpl.Field(name)
		if !ok {
			return fmt.Errorf("unknown field %q", name)
		}
		if !f.Editable() {
			return fmt.Errorf("field %q is auto-populated and read-only", name)
		}
	}

	if !s.store.SetMany(patch) {
		return ErrAlreadySubmitted
	}
	s.sync.NoteEdit()
	return nil
}

// NextStep advances to the next step, marking the current one completed when
// satisfied, and triggers an immediate draft flush.
func (s *Session) NextStep() error {
	return s.GoToStep(s.CurrentStep() + 1)
}

// PreviousStep moves back one step.
func (s *Session) PreviousStep() error {
	return s.GoToStep(s.CurrentStep() - 1)
}

// GoToStep jumps to an arbitrary step. Navigation is always a sync trigger.
func (s *Session) GoToStep(index int) error {
	if s == nil || s.tpl == nil {
		return errors.New("session not started")
	}
	if index < 0 || index >= len(s.tpl.Steps) {
		return fmt.Errorf("step %d out of range [0,%d)", index, len(s.tpl.Steps))
	}

	rep := s.Completion()

	s.mu.Lock()
	if s.closed || s.state != StateDraft {
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	if rep.StepSatisfied(s.currentStep) {
		s.completedSteps[s.currentStep] = struct{}{}
	}
	s.currentStep = index
	s.mu.Unlock()

	s.sync.Flush("navigation")
	return nil
}

// SaveDraft is the explicit user-initiated save trigger.
func (s *Session) SaveDraft() error {
	if s == nil || s.sync == nil {
		return errors.New("session not started")
	}
	s.mu.Lock()
	if s.closed || s.state != StateDraft {
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	s.mu.Unlock()

	s.sync.Flush("manual save")
	s.auditEntry(auditlog.ActionDraftSaved, "", nil)
	return nil
}

// Pending reports whether local edits are still unacknowledged by the
// backend.
func (s *Session) Pending() bool {
	if s == nil || s.sync == nil {
		return false
	}
	return s.sync.Pending()
}

// Completion derives the current completion report. Pure with respect to the
// template and the field value store; callers may debounce invocations.
func (s *Session) Completion() completion.Report {
	if s == nil || s.tpl == nil {
		return completion.Report{}
	}
	return completion.Evaluate(s.tpl, s.store.Snapshot(), s.queryStats())
}

type SubmitOptions struct {
	// ConfirmBelowThreshold acknowledges submitting with completion below
	// SubmitConfirmThreshold.
	ConfirmBelowThreshold bool
}

// Submit validates, pushes the final snapshot and transitions to the
// terminal submitted state. On backend failure the session stays in Draft
// with all local state, including the durable draft, untouched.
func (s *Session) Submit(ctx context.Context, opts SubmitOptions) (*backend.SubmitResult, error) {
	if s == nil || s.tpl == nil {
		return nil, errors.New("session not started")
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.state == StateSubmitted:
		s.mu.Unlock()
		return nil, ErrAlreadySubmitted
	case s.state == StateSubmitting:
		s.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	s.mu.Unlock()

	if missing := s.missingRequired(); len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	rep := s.Completion()
	if rep.Percent < SubmitConfirmThreshold && !opts.ConfirmBelowThreshold {
		return nil, ErrConfirmationRequired
	}

	s.mu.Lock()
	if s.state != StateDraft {
		s.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	s.state = StateSubmitting
	s.mu.Unlock()

	totals := s.queryStats().Totals()
	res, err := s.backend.Submit(ctx, backend.SubmitRequest{
		WorkflowID:        s.identity.WorkflowID,
		MaterialCode:      s.identity.MaterialCode,
		PlantCode:         s.identity.PlantCode,
		Answers:           s.store.Snapshot(),
		CompletionPercent: rep.Percent,
		QueryStats:        totals,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateDraft
		s.mu.Unlock()
		s.auditEntry(auditlog.ActionSubmitted, err.Error(), nil)
		return res, fmt.Errorf("submit: %w", err)
	}

	s.mu.Lock()
	s.state = StateSubmitted
	s.mu.Unlock()

	s.store.Freeze()
	s.sync.Close()

	// The draft must not resurface as stale progress later.
	if s.drafts != nil {
		if delErr := s.drafts.Delete(context.Background(), s.identity); delErr != nil {
			s.log.Warn("draft cleanup after submit failed", "error", delErr)
		}
	}

	s.auditEntry(auditlog.ActionSubmitted, "", map[string]any{"completion_percent": rep.Percent})
	s.log.Info("questionnaire submitted", "completion_percent", rep.Percent)
	return res, nil
}

func (s *Session) missingRequired() []string {
	var missing []string
	for _, name := range s.tpl.RequiredFieldNames() {
		if s.store.Get(name).IsEmpty() {
			missing = append(missing, name)
		}
	}
	return missing
}

// Close tears the session down: every timer owned by the sync engine is
// canceled so nothing stale can write into a future session. Idempotent.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	eng := s.sync
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if eng != nil {
		eng.Close()
	}
}

func (s *Session) auditEntry(action, errMsg string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	status := "success"
	if errMsg != "" {
		status = "failure"
	}
	s.audit.Append(auditlog.Entry{
		Action:       action,
		Status:       status,
		Error:        errMsg,
		WorkflowID:   s.identity.WorkflowID,
		MaterialCode: s.identity.MaterialCode,
		PlantCode:    s.identity.PlantCode,
		Detail:       detail,
	})
}

func clampStep(idx, steps int) int {
	if idx < 0 {
		return 0
	}
	if steps > 0 && idx >= steps {
		return steps - 1
	}
	return idx
}
