// Package guide is the orchestrator a visual or chat layer talks to. An
// Engine owns the task loop, the sequencer and the progress store, gates
// flows behind access conditions and maps questions onto manifest targets.
package guide

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/actionability"
	"github.com/graphext/clippi-sub000/internal/condition"
	"github.com/graphext/clippi-sub000/internal/conditions"
	"github.com/graphext/clippi-sub000/internal/config"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/loop"
	"github.com/graphext/clippi-sub000/internal/observer"
	"github.com/graphext/clippi-sub000/internal/selector"
	"github.com/graphext/clippi-sub000/internal/sequencer"
	"github.com/graphext/clippi-sub000/internal/store"
)

// DefaultStoreTimeout bounds progress writes when Options leaves it unset.
const DefaultStoreTimeout = 5 * time.Second

// persistQueue is how many progress writes may wait behind a slow store.
const persistQueue = 64

// Options configures an Engine.
type Options struct {
	PollInterval time.Duration
	// ConfirmTimeout of zero uses the manifest default; negative disables it.
	ConfirmTimeout  time.Duration
	ScrollSettle    time.Duration
	TestIDAttribute string
	UserContext     map[string]any
	// Store defaults to an in-memory store.
	Store store.Store
	// StoreTimeout bounds each progress write and how long Close waits for
	// pending writes. Defaults to DefaultStoreTimeout.
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// OptionsFromConfig maps the guide section of the configuration.
func OptionsFromConfig(cfg config.GuideConfig) Options {
	return Options{
		PollInterval:    cfg.PollInterval,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		ScrollSettle:    cfg.ScrollSettle,
		TestIDAttribute: cfg.TestIDAttribute,
		UserContext:     cfg.UserContext,
	}
}

// Engine serializes every operation onto its loop. Its methods block until
// the loop has run them and must not be called from event handlers, which
// already run on the loop; handlers use Sequencer() instead.
type Engine struct {
	lp      *loop.Loop
	seq     *sequencer.Sequencer
	emitter *events.Emitter
	store   store.Store
	logger  *zap.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	starting atomic.Bool

	// persistence runs off the loop, in order.
	jobs    chan func(context.Context) error
	jobsWG  sync.WaitGroup
	closeMu sync.Once

	// Loop-confined.
	manifest *schemas.Manifest
	userCtx  map[string]any
	runID    string
}

// New builds an Engine reading page. Close releases it.
func New(page dom.Page, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = observer.DefaultPollInterval
	}
	if opts.ScrollSettle <= 0 {
		opts.ScrollSettle = actionability.DefaultScrollSettle
	}
	if opts.TestIDAttribute == "" {
		opts.TestIDAttribute = selector.DefaultTestIDAttribute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}

	lp := loop.New(logger)
	checker := actionability.New(page, logger, opts.ScrollSettle)
	seq := sequencer.New(sequencer.Deps{
		Loop:      lp,
		Page:      page,
		Resolver:  selector.New(page, logger, selector.WithTestIDAttribute(opts.TestIDAttribute)),
		Checker:   checker,
		Evaluator: condition.New(page, checker, logger),
		Logger:    logger,
	}, sequencer.Config{PollInterval: opts.PollInterval})

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		lp:      lp,
		seq:     seq,
		emitter: events.New(events.WithSink(events.ZapSink(logger.Named("guide")))),
		store:   st,
		logger:  logger.Named("guide"),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan func(context.Context) error, persistQueue),
		userCtx: copyContext(opts.UserContext),
	}
	e.wire()

	e.jobsWG.Add(1)
	go e.persistLoop()
	return e
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// wire installs the engine's own handlers ahead of any subscriber, then
// forwards every sequencer event on the engine emitter.
func (e *Engine) wire() {
	events.Subscribe(e.seq.Events(), sequencer.EventFlowStarted, func(ev sequencer.FlowEvent) {
		e.runID = uuid.NewString()
		metricFlowsStarted.Inc()
		e.logger.Info("Flow started.", zap.String("run_id", e.runID), zap.String("target_id", ev.Flow.TargetID))
		progress := store.Progress{FlowID: ev.Flow.TargetID, CurrentStep: ev.Flow.CurrentStep, StartedAt: ev.Flow.StartedAt}
		e.persist("save", func(ctx context.Context) error { return e.store.Save(ctx, progress) })
	})
	events.Subscribe(e.seq.Events(), sequencer.EventStepCompleted, func(ev sequencer.StepEvent) {
		next := ev.Step.Index + 1
		e.persist("update step", func(ctx context.Context) error { return e.store.UpdateStep(ctx, next) })
	})
	events.Subscribe(e.seq.Events(), sequencer.EventFlowCompleted, func(ev sequencer.FlowCompletedEvent) {
		metricFlowsCompleted.Inc()
		metricFlowDuration.Observe(ev.Duration.Seconds())
		e.logger.Info("Flow completed.", zap.String("run_id", e.runID), zap.String("target_id", ev.Flow.TargetID), zap.Duration("duration", ev.Duration))
		e.persist("clear", e.store.Clear)
	})
	events.Subscribe(e.seq.Events(), sequencer.EventFlowAbandoned, func(ev sequencer.FlowAbandonedEvent) {
		recordAbandon(ev.Reason)
		e.logger.Info("Flow abandoned.", zap.String("run_id", e.runID), zap.String("target_id", ev.Flow.TargetID), zap.String("reason", ev.Reason))
		e.persist("clear", e.store.Clear)
	})

	for _, name := range forwarded {
		e.seq.On(name, func(payload any) { e.emitter.Emit(name, payload) })
	}
}

// persist queues a store write. Store failures are logged and never reach
// the flow; when the queue is full the write is dropped.
func (e *Engine) persist(op string, fn func(context.Context) error) {
	job := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("progress %s: %w", op, err)
		}
		return nil
	}
	select {
	case e.jobs <- job:
	default:
		e.logger.Warn("Progress queue full, dropping write.", zap.String("op", op))
	}
}

func (e *Engine) persistLoop() {
	defer e.jobsWG.Done()
	for job := range e.jobs {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.StoreTimeout)
		err := job(ctx)
		cancel()
		if err != nil {
			e.logger.Warn("Failed to persist progress.", zap.Error(err))
		}
	}
}

// Close stops the flow and the loop, then waits up to StoreTimeout for
// pending store writes before cancelling them.
func (e *Engine) Close() {
	e.closeMu.Do(func() {
		_ = e.lp.Call(context.Background(), e.seq.Stop)
		e.lp.Close()
		// The loop is the only producer of jobs.
		close(e.jobs)

		drained := make(chan struct{})
		go func() {
			e.jobsWG.Wait()
			close(drained)
		}()
		timer := time.NewTimer(e.opts.StoreTimeout)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			e.logger.Warn("Progress store did not drain in time, cancelling pending writes.")
			e.cancel()
			<-drained
		}
		e.cancel()
	})
}

// -- events --

// Events exposes the emitter for typed subscriptions via events.Subscribe.
func (e *Engine) Events() *events.Emitter { return e.emitter }

func (e *Engine) On(name events.Name, fn events.Handler) events.Listener {
	return e.emitter.On(name, fn)
}

func (e *Engine) Once(name events.Name, fn events.Handler) events.Listener {
	return e.emitter.Once(name, fn)
}

func (e *Engine) Off(l events.Listener) bool { return e.emitter.Off(l) }

// Sequencer returns the underlying sequencer for use from event handlers.
func (e *Engine) Sequencer() *sequencer.Sequencer { return e.seq }

// -- lifecycle --

// Init installs the manifest and resumes a persisted flow whose target still
// exists.
func (e *Engine) Init(ctx context.Context, m *schemas.Manifest) error {
	if m == nil {
		return fmt.Errorf("guide: nil manifest")
	}
	var already bool
	if err := e.lp.Call(ctx, func() {
		if e.manifest != nil {
			already = true
			return
		}
		e.manifest = m
		e.applyTimeout()
	}); err != nil {
		return err
	}
	if already {
		return ErrAlreadyInitialized
	}
	e.logger.Info("Engine initialized.", zap.String("app", m.Meta.AppName), zap.Int("targets", len(m.Targets)))
	return e.restore(ctx)
}

func (e *Engine) restore(ctx context.Context) error {
	p, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn("Could not load saved progress.", zap.Error(err))
		return nil
	}
	if p == nil {
		return nil
	}
	var exists bool
	if err := e.lp.Call(ctx, func() { _, exists = e.manifest.Target(p.FlowID) }); err != nil {
		return err
	}
	if !exists {
		e.logger.Info("Dropping saved progress for unknown target.", zap.String("target_id", p.FlowID))
		if err := e.store.Clear(ctx); err != nil {
			e.logger.Warn("Could not clear saved progress.", zap.Error(err))
		}
		return nil
	}
	e.logger.Info("Resuming saved flow.", zap.String("target_id", p.FlowID), zap.Int("saved_step", p.CurrentStep))
	_, err = e.start(ctx, p.FlowID, p.CurrentStep)
	return err
}

// applyTimeout maps the configured confirmation timeout onto the sequencer.
func (e *Engine) applyTimeout() {
	d := e.opts.ConfirmTimeout
	switch {
	case d < 0:
		d = 0
	case d == 0:
		d = time.Duration(e.manifest.Defaults.TimeoutMS) * time.Millisecond
	}
	e.seq.SetConfirmTimeout(d)
}

// Reload swaps the manifest. A running flow whose target disappeared is
// abandoned with ReasonManifestReloaded; others keep running.
func (e *Engine) Reload(ctx context.Context, m *schemas.Manifest) error {
	if m == nil {
		return fmt.Errorf("guide: nil manifest")
	}
	var err error
	if callErr := e.lp.Call(ctx, func() {
		if e.manifest == nil {
			err = ErrNotInitialized
			return
		}
		e.manifest = m
		e.applyTimeout()
		if flow, ok := e.seq.Flow(); ok {
			if _, still := m.Target(flow.TargetID); !still {
				_ = e.seq.Cancel(ReasonManifestReloaded)
			}
		}
		e.emitter.Emit(EventManifestReloaded, ManifestReloadedEvent{Targets: len(m.Targets)})
	}); callErr != nil {
		return callErr
	}
	return err
}

// SetUserContext replaces the context access conditions are evaluated in.
func (e *Engine) SetUserContext(ctx context.Context, userCtx map[string]any) error {
	c := copyContext(userCtx)
	return e.lp.Call(ctx, func() { e.userCtx = c })
}

// -- chat entry points --

// Guide starts the flow for target id. It returns nil without error when the
// id is unknown or the target is blocked; the matching event says which.
func (e *Engine) Guide(ctx context.Context, id string) (*schemas.GuidanceTarget, error) {
	return e.start(ctx, id, 0)
}

// start guides id beginning no earlier than step floor.
func (e *Engine) start(ctx context.Context, id string, floor int) (*schemas.GuidanceTarget, error) {
	if !e.starting.CompareAndSwap(false, true) {
		return nil, ErrStartInProgress
	}
	defer e.starting.Store(false)

	var target *schemas.GuidanceTarget
	var err error
	if callErr := e.lp.Call(ctx, func() { target, err = e.guide(id, floor) }); callErr != nil {
		return nil, callErr
	}
	return target, err
}

// Ask guides the target that best matches query, or emits a no_match
// fallback.
func (e *Engine) Ask(ctx context.Context, query string) (*schemas.GuidanceTarget, error) {
	if !e.starting.CompareAndSwap(false, true) {
		return nil, ErrStartInProgress
	}
	defer e.starting.Store(false)

	var target *schemas.GuidanceTarget
	var err error
	if callErr := e.lp.Call(ctx, func() {
		if e.manifest == nil {
			err = ErrNotInitialized
			return
		}
		best := bestMatch(e.manifest, query)
		if best == nil {
			e.fallback(FallbackNoMatch, query)
			return
		}
		e.logger.Debug("Question matched target.", zap.String("query", query), zap.String("target_id", best.ID))
		target, err = e.guide(best.ID, 0)
	}); callErr != nil {
		return nil, callErr
	}
	return target, err
}

func (e *Engine) guide(id string, floor int) (*schemas.GuidanceTarget, error) {
	if e.manifest == nil {
		return nil, ErrNotInitialized
	}
	target, ok := e.manifest.Target(id)
	if !ok {
		e.fallback(FallbackUnknownTarget, id)
		return nil, nil
	}
	if target.Conditions != "" {
		res := conditions.Evaluate(target.Conditions, e.userCtx)
		if !res.Allowed {
			if res.Reason == conditions.ReasonInvalid {
				e.logger.Warn("Invalid access condition.", zap.String("target_id", id), zap.String("error", res.Message))
			}
			metricBlocked.Inc()
			e.emitter.Emit(EventBlocked, BlockedEvent{Target: target, Result: res})
			return nil, nil
		}
	}
	if err := e.seq.StartAt(e.ctx, target, floor); err != nil {
		return nil, fmt.Errorf("failed to start flow %q: %w", id, err)
	}
	return target, nil
}

func (e *Engine) fallback(kind, query string) {
	metricFallbacks.WithLabelValues(kind).Inc()
	e.logger.Info("No target for request.", zap.String("kind", kind), zap.String("query", query))
	e.emitter.Emit(EventFallback, FallbackEvent{Kind: kind, Query: query})
}

// -- flow control --

func (e *Engine) control(ctx context.Context, fn func() error) error {
	var err error
	if callErr := e.lp.Call(ctx, func() {
		if e.manifest == nil {
			err = ErrNotInitialized
			return
		}
		err = fn()
	}); callErr != nil {
		return callErr
	}
	return err
}

// ConfirmStep completes the current step manually.
func (e *Engine) ConfirmStep(ctx context.Context) error { return e.control(ctx, e.seq.ConfirmStep) }

// Cancel abandons the running flow.
func (e *Engine) Cancel(ctx context.Context, reason string) error {
	return e.control(ctx, func() error { return e.seq.Cancel(reason) })
}

// Pause disarms the current step.
func (e *Engine) Pause(ctx context.Context) error { return e.control(ctx, e.seq.Pause) }

// Resume re-arms a paused flow.
func (e *Engine) Resume(ctx context.Context) error { return e.control(ctx, e.seq.Resume) }

// Stop drops the running flow silently.
func (e *Engine) Stop(ctx context.Context) error {
	return e.control(ctx, func() error { e.seq.Stop(); return nil })
}

// -- queries --

// Snapshot returns the sequencer state with the live flow and step.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.lp.Call(ctx, func() {
		snap.State = e.seq.State()
		if flow, ok := e.seq.Flow(); ok {
			snap.Flow = &flow
		}
		if step, ok := e.seq.CurrentStep(); ok {
			snap.Step = &step
		}
	})
	return snap, err
}

// Targets returns a copy of the manifest targets.
func (e *Engine) Targets(ctx context.Context) ([]schemas.GuidanceTarget, error) {
	var out []schemas.GuidanceTarget
	var err error
	if callErr := e.lp.Call(ctx, func() {
		if e.manifest == nil {
			err = ErrNotInitialized
			return
		}
		out = append(out, e.manifest.Targets...)
	}); callErr != nil {
		return nil, callErr
	}
	return out, err
}
