// Package condition evaluates declarative success conditions against the
// current state of a page.
package condition

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/actionability"
	"github.com/graphext/clippi-sub000/internal/dom"
)

// regexTimeout bounds a single url_matches evaluation.
const regexTimeout = 50 * time.Millisecond

// Evaluator is a predicate over page state. It never mutates the page.
type Evaluator struct {
	page    dom.Page
	checker *actionability.Checker
	logger  *zap.Logger

	mu sync.Mutex
	// patterns caches compiled url_matches expressions; nil marks a pattern
	// that failed to compile.
	patterns map[string]*regexp2.Regexp
}

// New creates an Evaluator.
func New(page dom.Page, checker *actionability.Checker, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		page:     page,
		checker:  checker,
		logger:   logger.Named("condition"),
		patterns: make(map[string]*regexp2.Regexp),
	}
}

// Evaluate reports whether every present sub-condition holds. A nil or empty
// condition holds. A condition whose only key is click never holds here; it
// needs an observed click. Alongside other keys, click is ignored.
func (e *Evaluator) Evaluate(ctx context.Context, c *schemas.SuccessCondition) bool {
	if c.IsEmpty() {
		return true
	}
	if c.IsClickOnly() {
		return false
	}
	for _, key := range c.Keys() {
		if key == schemas.KeyClick {
			continue
		}
		if !e.holds(ctx, c, key) {
			return false
		}
	}
	return true
}

// KeyResult is the outcome of one sub-condition.
type KeyResult struct {
	Key   schemas.ConditionKey `json:"key"`
	Holds bool                 `json:"holds"`
}

// Explain evaluates every passive sub-condition without short-circuiting.
// Click keys are reported as not holding.
func (e *Evaluator) Explain(ctx context.Context, c *schemas.SuccessCondition) []KeyResult {
	var out []KeyResult
	for _, key := range c.Keys() {
		holds := key != schemas.KeyClick && e.holds(ctx, c, key)
		out = append(out, KeyResult{Key: key, Holds: holds})
	}
	return out
}

func (e *Evaluator) holds(ctx context.Context, c *schemas.SuccessCondition, key schemas.ConditionKey) bool {
	switch key {
	case schemas.KeyURLContains:
		u, ok := e.url(ctx)
		return ok && strings.Contains(u, *c.URLContains)
	case schemas.KeyURLMatches:
		u, ok := e.url(ctx)
		return ok && e.matches(*c.URLMatches, u)
	case schemas.KeyVisible:
		return e.checker.IsVisible(ctx, e.query(ctx, *c.Visible))
	case schemas.KeyExists:
		return e.query(ctx, *c.Exists) != nil
	case schemas.KeyAttribute:
		return e.attribute(ctx, c.Attribute)
	case schemas.KeyValue:
		return e.value(ctx, c.Value)
	}
	return false
}

func (e *Evaluator) url(ctx context.Context) (string, bool) {
	u, err := e.page.URL(ctx)
	if err != nil {
		e.logger.Debug("Could not read page URL.", zap.Error(err))
		return "", false
	}
	return u, true
}

func (e *Evaluator) query(ctx context.Context, css string) dom.Element {
	el, err := e.page.QuerySelector(ctx, css)
	if err != nil {
		e.logger.Debug("Condition selector failed.", zap.String("selector", css), zap.Error(err))
		return nil
	}
	return el
}

func (e *Evaluator) matches(pattern, s string) bool {
	re := e.compile(pattern)
	if re == nil {
		return false
	}
	ok, err := re.MatchString(s)
	if err != nil {
		e.logger.Debug("url_matches evaluation failed.", zap.String("pattern", pattern), zap.Error(err))
		return false
	}
	return ok
}

// compile uses ECMAScript semantics since manifests are authored against the
// browser's regular expressions.
func (e *Evaluator) compile(pattern string) *regexp2.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, seen := e.patterns[pattern]; seen {
		return re
	}
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		e.logger.Debug("Invalid url_matches pattern.", zap.String("pattern", pattern), zap.Error(err))
		re = nil
	} else {
		re.MatchTimeout = regexTimeout
	}
	e.patterns[pattern] = re
	return re
}

func (e *Evaluator) attribute(ctx context.Context, ac *schemas.AttributeCondition) bool {
	el := e.query(ctx, ac.Selector)
	if el == nil {
		return false
	}
	v, ok, err := el.Attribute(ctx, ac.Name)
	if err != nil || !ok {
		return false
	}
	return ac.Value == nil || v == *ac.Value
}

func (e *Evaluator) value(ctx context.Context, vc *schemas.ValueCondition) bool {
	el := e.query(ctx, vc.Selector)
	if el == nil {
		return false
	}
	v, err := el.Value(ctx)
	if err != nil {
		return false
	}
	switch {
	case vc.Equals != nil:
		return v == *vc.Equals
	case vc.Contains != nil:
		return strings.Contains(v, *vc.Contains)
	case vc.NotEmpty:
		return strings.TrimSpace(v) != ""
	}
	return false
}

// ValidPattern reports whether pattern compiles as a url_matches expression.
func ValidPattern(pattern string) error {
	_, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	return err
}
