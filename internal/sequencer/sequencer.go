// Package sequencer drives a guidance flow: it picks the step to start from,
// shows each step, arms completion detection and advances until the flow
// completes or is cancelled.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/actionability"
	"github.com/graphext/clippi-sub000/internal/condition"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/loop"
	"github.com/graphext/clippi-sub000/internal/observer"
	"github.com/graphext/clippi-sub000/internal/selector"
)

// DefaultConfirmTimeout is how long a step waits before asking the user to
// confirm it manually.
const DefaultConfirmTimeout = 10 * time.Second

// Config tunes the sequencer.
type Config struct {
	PollInterval time.Duration
	// ConfirmTimeout <= 0 disables the confirmation prompt.
	ConfirmTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:   observer.DefaultPollInterval,
		ConfirmTimeout: DefaultConfirmTimeout,
	}
}

// Deps are the collaborators a Sequencer reads the page through.
type Deps struct {
	Loop      *loop.Loop
	Page      dom.Page
	Resolver  *selector.Resolver
	Checker   *actionability.Checker
	Evaluator *condition.Evaluator
	Logger    *zap.Logger
	// Sink receives handler failures; defaults to the logger.
	Sink events.Sink
}

type session struct {
	target    *schemas.GuidanceTarget
	steps     []schemas.PathStep
	index     int
	startedAt time.Time
	shown     *shownStep
}

type shownStep struct {
	index int
	res   selector.Result
	check actionability.Result
}

// stepGuard owns everything armed for the step on screen: the confirmation
// timer, the observer and a pending scroll. It is released as a unit.
type stepGuard struct {
	timer        *loop.Timer
	cancelScroll context.CancelFunc
	released     bool
}

// Sequencer is the flow state machine. It is confined to its loop: every
// method must run in a loop task, and event handlers run there too, so they
// may call back into the Sequencer directly.
type Sequencer struct {
	lp       *loop.Loop
	resolver *selector.Resolver
	checker  *actionability.Checker
	eval     *condition.Evaluator
	obs      *observer.Observer
	logger   *zap.Logger
	cfg      Config
	emitter  *events.Emitter
	now      func() time.Time

	state  State
	sess   *session
	guard  *stepGuard
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle Sequencer.
func New(deps Deps, cfg Config) *Sequencer {
	logger := deps.Logger.Named("sequencer")
	sink := deps.Sink
	if sink == nil {
		sink = events.ZapSink(logger)
	}
	return &Sequencer{
		lp:       deps.Loop,
		resolver: deps.Resolver,
		checker:  deps.Checker,
		eval:     deps.Evaluator,
		obs:      observer.New(deps.Loop, deps.Page, deps.Evaluator, deps.Logger),
		logger:   logger,
		cfg:      cfg,
		emitter:  events.New(events.WithSink(sink)),
		now:      time.Now,
		state:    Idle,
	}
}

// -- event subscription --

// Events exposes the emitter for typed subscriptions via events.Subscribe.
func (s *Sequencer) Events() *events.Emitter { return s.emitter }

func (s *Sequencer) On(name events.Name, fn events.Handler) events.Listener {
	return s.emitter.On(name, fn)
}

func (s *Sequencer) Once(name events.Name, fn events.Handler) events.Listener {
	return s.emitter.Once(name, fn)
}

func (s *Sequencer) Off(l events.Listener) bool { return s.emitter.Off(l) }

func (s *Sequencer) ListenerCount(name events.Name) int { return s.emitter.ListenerCount(name) }

func (s *Sequencer) RemoveAllListeners(names ...events.Name) { s.emitter.RemoveAllListeners(names...) }

// -- queries --

// State returns the current state.
func (s *Sequencer) State() State { return s.state }

// Flow returns a snapshot of the live flow.
func (s *Sequencer) Flow() (FlowInfo, bool) {
	if s.sess == nil {
		return FlowInfo{}, false
	}
	return s.flowInfo(), true
}

// CurrentStep returns a snapshot of the step on screen.
func (s *Sequencer) CurrentStep() (StepInfo, bool) {
	if s.sess == nil || s.sess.index >= len(s.sess.steps) {
		return StepInfo{}, false
	}
	return s.stepInfo(), true
}

func (s *Sequencer) flowInfo() FlowInfo {
	sess := s.sess
	return FlowInfo{
		TargetID:    sess.target.ID,
		Label:       sess.target.Label,
		State:       s.state,
		CurrentStep: sess.index,
		TotalSteps:  len(sess.steps),
		StartedAt:   sess.startedAt,
	}
}

func (s *Sequencer) stepInfo() StepInfo {
	sess := s.sess
	step := sess.steps[sess.index]
	info := StepInfo{
		TargetID:    sess.target.ID,
		Index:       sess.index,
		Total:       len(sess.steps),
		Instruction: step.Instruction,
		Action:      step.Action,
		Input:       step.Input,
		Selector:    step.Selector,
		IsFinal:     sess.index == len(sess.steps)-1,
	}
	if shown := sess.shown; shown != nil && shown.index == sess.index {
		info.Element = shown.res.Element
		info.Strategy = shown.res.Strategy
		info.Failed = shown.res.Failed
		info.Actionability = shown.check
		if shown.res.Element != nil {
			info.ElementLabel = shown.res.Element.Describe()
		}
	}
	return info
}

// -- transitions --

// Start begins a flow for target, replacing any flow in progress. Steps whose
// success condition already holds are skipped; when every step is done the
// flow completes without showing anything.
func (s *Sequencer) Start(ctx context.Context, target *schemas.GuidanceTarget) error {
	return s.StartAt(ctx, target, 0)
}

// StartAt is Start with a lower bound on the first step, used to resume a
// saved flow whose completed steps leave no trace on the page. The bound is
// clamped to the last step.
func (s *Sequencer) StartAt(ctx context.Context, target *schemas.GuidanceTarget, floor int) error {
	if target == nil {
		return fmt.Errorf("sequencer: nil target")
	}
	s.Stop()

	sess := &session{target: target, steps: target.Steps(), startedAt: s.now()}
	s.sess = sess
	s.ctx, s.cancel = context.WithCancel(ctx)
	sess.index = max(s.startIndex(sess.steps), min(floor, len(sess.steps)-1))

	if sess.index >= len(sess.steps) {
		s.state = Completed
		info := s.flowInfo()
		s.endSession()
		s.logger.Info("Flow already complete.", zap.String("target_id", target.ID))
		s.emitter.Emit(EventFlowCompleted, FlowCompletedEvent{Flow: info, Duration: s.now().Sub(sess.startedAt)})
		return nil
	}

	s.state = Active
	s.logger.Info("Flow started.",
		zap.String("target_id", target.ID),
		zap.Int("start_step", sess.index),
		zap.Int("total_steps", len(sess.steps)))
	s.emitter.Emit(EventFlowStarted, FlowEvent{Flow: s.flowInfo()})
	if s.sess != sess || s.state != Active {
		return nil
	}
	s.showStep()
	return nil
}

// startIndex returns one past the latest step whose success condition holds.
func (s *Sequencer) startIndex(steps []schemas.PathStep) int {
	for i := len(steps) - 1; i >= 0; i-- {
		cond := steps[i].SuccessCondition
		if cond == nil {
			continue
		}
		if s.eval.Evaluate(s.ctx, cond) {
			return i + 1
		}
	}
	return 0
}

func (s *Sequencer) showStep() {
	sess := s.sess
	step := sess.steps[sess.index]

	s.releaseGuard()
	g := &stepGuard{}
	s.guard = g

	res := s.resolver.Resolve(s.ctx, step.Selector)
	check := actionability.Result{Reason: actionability.NotAttached}
	if res.Found() {
		check = s.checker.Check(s.ctx, res.Element, actionability.Options{})
		if check.Reason == actionability.OutOfViewport {
			s.scrollAsync(g, res.Element)
		}
	} else {
		s.logger.Info("Step element not found.",
			zap.String("target_id", sess.target.ID),
			zap.Int("step", sess.index),
			zap.Stringer("selector", step.Selector))
	}
	sess.shown = &shownStep{index: sess.index, res: res, check: check}

	s.emitter.Emit(EventBeforeGuide, StepEvent{Flow: s.flowInfo(), Step: s.stepInfo()})
	if !s.current(g) {
		return
	}

	if step.SuccessCondition != nil {
		s.obs.Start(s.ctx, step.SuccessCondition, observer.Config{
			PollInterval: s.cfg.PollInterval,
			StepElement:  res.Element,
		}, observer.Callbacks{
			OnSuccess: func() {
				if s.current(g) {
					s.advance()
				}
			},
			OnURLChange: func(from, to string) {
				if s.current(g) {
					s.emitter.Emit(EventURLChanged, URLChangedEvent{Flow: s.flowInfo(), From: from, To: to})
				}
			},
		})
		if !s.current(g) {
			return
		}
	}

	if s.cfg.ConfirmTimeout > 0 {
		g.timer = s.lp.AfterFunc(s.cfg.ConfirmTimeout, func() {
			if s.current(g) {
				s.logger.Debug("Confirmation timeout reached.", zap.Int("step", s.sess.index))
				s.emitter.Emit(EventConfirmationNeeded, StepEvent{Flow: s.flowInfo(), Step: s.stepInfo()})
			}
		})
	}
}

// current reports whether g still guards the active step.
func (s *Sequencer) current(g *stepGuard) bool {
	return s.guard == g && !g.released && s.state == Active
}

// scrollAsync scrolls in the background. The page is goroutine safe and the
// scroll never touches sequencer state; leaving the step cancels it.
func (s *Sequencer) scrollAsync(g *stepGuard, el dom.Element) {
	ctx, cancel := context.WithCancel(s.ctx)
	g.cancelScroll = cancel
	go func() {
		if _, err := s.checker.ScrollIntoViewIfNeeded(ctx, el); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("Scroll into view failed.", zap.Error(err))
		}
	}()
}

func (s *Sequencer) releaseGuard() {
	g := s.guard
	if g == nil {
		return
	}
	s.guard = nil
	g.released = true
	g.timer.Stop()
	s.obs.Stop()
	if g.cancelScroll != nil {
		g.cancelScroll()
	}
}

func (s *Sequencer) endSession() {
	s.sess = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Sequencer) advance() {
	sess := s.sess
	if sess == nil || s.state != Active {
		return
	}
	finished := s.stepInfo()
	s.releaseGuard()
	s.emitter.Emit(EventStepCompleted, StepEvent{Flow: s.flowInfo(), Step: finished})
	if s.sess != sess || s.state != Active {
		return
	}

	sess.index++
	if sess.index < len(sess.steps) {
		s.showStep()
		return
	}

	s.state = Completed
	info := s.flowInfo()
	duration := s.now().Sub(sess.startedAt)
	s.endSession()
	s.logger.Info("Flow completed.", zap.String("target_id", info.TargetID), zap.Duration("duration", duration))
	s.emitter.Emit(EventFlowCompleted, FlowCompletedEvent{Flow: info, Duration: duration})
}

// ConfirmStep completes the current step manually.
func (s *Sequencer) ConfirmStep() error {
	if s.state != Active {
		return fmt.Errorf("%w: confirm in %s", ErrInvalidState, s.state)
	}
	s.advance()
	return nil
}

// Cancel abandons an active or paused flow.
func (s *Sequencer) Cancel(reason string) error {
	if s.state != Active && s.state != Paused {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, s.state)
	}
	sess := s.sess
	s.state = Cancelled
	flow, step := s.flowInfo(), s.stepInfo()
	s.logger.Info("Flow abandoned.", zap.String("target_id", flow.TargetID), zap.Int("step", step.Index), zap.String("reason", reason))
	s.emitter.Emit(EventFlowAbandoned, FlowAbandonedEvent{Flow: flow, Step: step, Reason: reason})
	if s.sess == sess {
		s.releaseGuard()
		s.endSession()
	}
	return nil
}

// Pause disarms the current step without losing the flow position.
func (s *Sequencer) Pause() error {
	if s.state != Active {
		return fmt.Errorf("%w: pause in %s", ErrInvalidState, s.state)
	}
	s.state = Paused
	s.releaseGuard()
	return nil
}

// Resume re-shows the current step of a paused flow.
func (s *Sequencer) Resume() error {
	if s.state != Paused {
		return fmt.Errorf("%w: resume in %s", ErrInvalidState, s.state)
	}
	s.state = Active
	s.showStep()
	return nil
}

// SetConfirmTimeout changes the confirmation timeout for steps shown from
// now on. d <= 0 disables it.
func (s *Sequencer) SetConfirmTimeout(d time.Duration) { s.cfg.ConfirmTimeout = d }

// Stop resets to idle from any state without emitting events.
func (s *Sequencer) Stop() {
	s.releaseGuard()
	s.endSession()
	s.state = Idle
}
