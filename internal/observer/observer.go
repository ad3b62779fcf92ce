// Package observer watches the page for a step's success condition.
package observer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/condition"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/loop"
)

// DefaultPollInterval is the polling period for state based conditions.
const DefaultPollInterval = 100 * time.Millisecond

// State of an Observer.
type State int

const (
	Idle State = iota
	Observing
	Satisfied
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Observing:
		return "observing"
	case Satisfied:
		return "satisfied"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config tunes one observation.
type Config struct {
	PollInterval time.Duration
	// StepElement is the click target for `click: true` conditions.
	StepElement dom.Element
}

// Callbacks are invoked on the loop.
type Callbacks struct {
	// OnSuccess fires at most once per observation.
	OnSuccess func()
	// OnURLChange fires whenever a poll sees a different URL.
	OnURLChange func(from, to string)
}

// token identifies one observation. Callbacks compare their token with the
// observer's current one before doing anything.
type token struct {
	cancelled bool
	fired     bool
}

// Observer runs one observation at a time. It is confined to its loop: every
// method must be called from a loop task.
type Observer struct {
	lp     *loop.Loop
	page   dom.Page
	eval   *condition.Evaluator
	logger *zap.Logger

	state    State
	tok      *token
	cancel   context.CancelFunc
	ticker   *loop.Ticker
	removers []func()
	lastURL  string
}

// New creates an idle Observer.
func New(lp *loop.Loop, page dom.Page, eval *condition.Evaluator, logger *zap.Logger) *Observer {
	return &Observer{
		lp:     lp,
		page:   page,
		eval:   eval,
		logger: logger.Named("observer"),
	}
}

// State returns the current state.
func (o *Observer) State() State { return o.state }

func (o *Observer) live(tok *token) bool {
	return tok != nil && o.tok == tok && !tok.cancelled
}

// Start begins observing cond, stopping any previous observation first.
// When cond already holds, OnSuccess runs before Start returns and no
// polling is installed.
func (o *Observer) Start(ctx context.Context, cond *schemas.SuccessCondition, cfg Config, cb Callbacks) {
	o.Stop()

	tok := &token{}
	o.tok = tok
	o.state = Observing
	ctx, o.cancel = context.WithCancel(ctx)
	if u, err := o.page.URL(ctx); err == nil {
		o.lastURL = u
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if cond.IsClickOnly() {
		o.armClick(ctx, tok, cond.Click, cfg.StepElement, func() { o.succeed(tok, cb) })
		return
	}

	if o.eval.Evaluate(ctx, cond) {
		o.succeed(tok, cb)
		return
	}
	if !o.live(tok) {
		return
	}

	if cond.HasClick() {
		o.armClick(ctx, tok, cond.Click, cfg.StepElement, func() { o.check(ctx, tok, cond, cb) })
	}
	o.ticker = o.lp.Every(interval, func() { o.poll(ctx, tok, cond, cb) })
}

func (o *Observer) poll(ctx context.Context, tok *token, cond *schemas.SuccessCondition, cb Callbacks) {
	if !o.live(tok) {
		return
	}
	if u, err := o.page.URL(ctx); err == nil && u != o.lastURL {
		from := o.lastURL
		o.lastURL = u
		if cb.OnURLChange != nil {
			cb.OnURLChange(from, u)
		}
	}
	o.check(ctx, tok, cond, cb)
}

func (o *Observer) check(ctx context.Context, tok *token, cond *schemas.SuccessCondition, cb Callbacks) {
	if !o.live(tok) || tok.fired {
		return
	}
	if o.eval.Evaluate(ctx, cond) {
		o.succeed(tok, cb)
	}
}

func (o *Observer) succeed(tok *token, cb Callbacks) {
	if !o.live(tok) || tok.fired {
		return
	}
	tok.fired = true
	o.state = Satisfied
	o.ticker.Stop()
	o.ticker = nil
	if cb.OnSuccess != nil {
		cb.OnSuccess()
	}
}

// armClick installs a one-shot click listener. The browser side may call back
// from any goroutine, so the callback is posted to the loop and re-checks the
// token there.
func (o *Observer) armClick(ctx context.Context, tok *token, click *schemas.ClickCondition, stepEl dom.Element, onClick func()) {
	target := stepEl
	if click.Selector != "" {
		el, err := o.page.QuerySelector(ctx, click.Selector)
		if err != nil {
			o.logger.Debug("Click selector failed.", zap.String("selector", click.Selector), zap.Error(err))
		}
		target = el
	}
	if target == nil {
		o.logger.Debug("No click target resolved; relying on manual confirmation.")
		return
	}
	remove, err := target.OnClick(ctx, func() {
		o.lp.Post(func() {
			if o.live(tok) {
				onClick()
			}
		})
	})
	if err != nil {
		o.logger.Warn("Failed to install click listener.", zap.String("element", target.Describe()), zap.Error(err))
		return
	}
	o.removers = append(o.removers, remove)
}

// Stop ends the current observation. No callback of that observation runs
// after Stop returns. Stop is idempotent.
func (o *Observer) Stop() {
	if o.tok != nil {
		o.tok.cancelled = true
		o.tok = nil
	}
	o.ticker.Stop()
	o.ticker = nil
	for _, remove := range o.removers {
		remove()
	}
	o.removers = nil
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.state != Idle {
		o.state = Stopped
	}
}
