// Package selector resolves multi-strategy selectors against a live page.
package selector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/dom"
)

// DefaultTestIDAttribute is the attribute looked up by testId strategies.
const DefaultTestIDAttribute = "data-testid"

// Result is the outcome of a single Resolve call.
type Result struct {
	// Element is nil when no strategy matched.
	Element dom.Element
	// Strategy is the strategy that matched, nil on a miss.
	Strategy *schemas.SelectorStrategy
	// Failed lists the strategies tried before the match, in order.
	Failed []schemas.SelectorStrategy
}

// Found reports whether an element was resolved.
func (r Result) Found() bool { return r.Element != nil }

// Resolver tries selector strategies in priority order.
type Resolver struct {
	page       dom.Page
	logger     *zap.Logger
	testIDAttr string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTestIDAttribute overrides the attribute used by testId strategies.
func WithTestIDAttribute(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.testIDAttr = name
		}
	}
}

// New creates a Resolver over page.
func New(page dom.Page, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		page:       page,
		logger:     logger.Named("selector"),
		testIDAttr: DefaultTestIDAttribute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first element matched by the selector's strategies.
// A miss is not an error; it is reported as a Result without an element.
func (r *Resolver) Resolve(ctx context.Context, sel schemas.Selector) Result {
	var res Result
	for i := range sel.Strategies {
		st := sel.Strategies[i]
		el, err := r.try(ctx, st)
		if err != nil {
			if errors.Is(err, dom.ErrInvalidSelector) {
				r.logger.Debug("Invalid selector treated as a miss.", zap.String("value", st.Value))
			} else {
				r.logger.Debug("Selector strategy failed.",
					zap.String("type", string(st.Type)),
					zap.String("value", st.Value),
					zap.Error(err))
			}
		}
		if el != nil {
			res.Element = el
			res.Strategy = &st
			return res
		}
		res.Failed = append(res.Failed, st)
	}
	return res
}

func (r *Resolver) try(ctx context.Context, st schemas.SelectorStrategy) (dom.Element, error) {
	switch st.Type {
	case schemas.StrategyTestID:
		return r.page.QuerySelector(ctx, dom.AttributeSelector(r.testIDAttr, st.Value))
	case schemas.StrategyAria:
		return r.page.QuerySelector(ctx, dom.AttributeSelector("aria-label", st.Value))
	case schemas.StrategyCSS:
		return r.page.QuerySelector(ctx, st.Value)
	case schemas.StrategyText:
		return r.byText(ctx, st)
	}
	return nil, nil
}

func (r *Resolver) byText(ctx context.Context, st schemas.SelectorStrategy) (dom.Element, error) {
	q := dom.TextQuery{Text: dom.NormalizeText(st.Value), Tag: st.Tag, Match: dom.MatchOwnText}
	if q.Text == "" {
		return nil, nil
	}
	el, err := r.page.QueryText(ctx, q)
	if err != nil || el != nil {
		return el, err
	}
	q.Match = dom.MatchSubtreeText
	return r.page.QueryText(ctx, q)
}

// WaitFor resolves sel repeatedly until it matches or ctx is done.
func (r *Resolver) WaitFor(ctx context.Context, sel schemas.Selector, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if res := r.Resolve(ctx, sel); res.Found() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
