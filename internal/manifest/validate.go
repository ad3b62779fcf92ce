package manifest

import (
	"fmt"

	"github.com/andybalholm/cascadia"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/condition"
	"github.com/graphext/clippi-sub000/internal/conditions"
)

type checker struct {
	target   string
	problems []Problem
	warnings []Warning
}

func (c *checker) fail(field, format string, args ...any) {
	c.problems = append(c.problems, Problem{TargetID: c.target, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) warn(field, format string, args ...any) {
	c.warnings = append(c.warnings, Warning{TargetID: c.target, Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks m in place and fills defaults. Hard problems are returned
// together as a *ValidationError.
func Validate(m *schemas.Manifest) ([]Warning, error) {
	c := &checker{}
	if m.Defaults.TimeoutMS <= 0 {
		m.Defaults.TimeoutMS = schemas.DefaultTimeoutMS
	}
	if len(m.Targets) == 0 {
		c.fail("targets", "manifest has no targets")
	}

	ids := make(map[string]bool, len(m.Targets))
	for i := range m.Targets {
		t := &m.Targets[i]
		c.target = t.ID
		switch {
		case t.ID == "":
			c.fail(fmt.Sprintf("targets[%d].id", i), "missing id")
		case ids[t.ID]:
			c.fail("id", "duplicate id")
		}
		ids[t.ID] = true
		c.checkTarget(t)
	}

	for i := range m.Targets {
		t := &m.Targets[i]
		c.target = t.ID
		if t.OnBlocked != nil && t.OnBlocked.Suggest != "" && !ids[t.OnBlocked.Suggest] {
			c.warn("on_blocked.suggest", "unknown target %q", t.OnBlocked.Suggest)
		}
	}

	if len(c.problems) > 0 {
		return c.warnings, &ValidationError{Problems: c.problems}
	}
	return c.warnings, nil
}

func (c *checker) checkTarget(t *schemas.GuidanceTarget) {
	c.checkSelector("selector", t.Selector)
	if t.Conditions != "" {
		if err := conditions.Validate(t.Conditions); err != nil {
			c.warn("conditions", "%v", err)
		}
	}

	finals := 0
	for i := range t.Path {
		step := &t.Path[i]
		field := fmt.Sprintf("path[%d]", i)
		c.checkSelector(field+".selector", step.Selector)
		if !step.Action.Valid() {
			c.fail(field+".action", "unknown action %q", step.Action)
		}
		if step.SuccessCondition != nil {
			c.checkCondition(field+".success_condition", step.SuccessCondition)
		}
		if step.Final {
			finals++
			if i != len(t.Path)-1 {
				c.warn(field+".final", "final is set on a step that is not the last one")
			}
		}
	}
	if finals > 1 {
		c.warn("path", "%d steps are marked final", finals)
	}
}

func (c *checker) checkSelector(field string, sel schemas.Selector) {
	if sel.IsEmpty() {
		c.fail(field, "selector has no strategies")
		return
	}
	for i, st := range sel.Strategies {
		f := fmt.Sprintf("%s.strategies[%d]", field, i)
		if !st.Type.Valid() {
			c.fail(f+".type", "unknown strategy type %q", st.Type)
			continue
		}
		if st.Value == "" {
			c.fail(f+".value", "empty value")
			continue
		}
		if st.Tag != "" && st.Type != schemas.StrategyText {
			c.fail(f+".tag", "tag is only allowed on text strategies")
		}
		if st.Type == schemas.StrategyCSS {
			c.checkCSS(f+".value", st.Value)
		}
	}
}

func (c *checker) checkCSS(field, css string) {
	if _, err := cascadia.Compile(css); err != nil {
		c.warn(field, "invalid css %q: %v", css, err)
	}
}

func (c *checker) checkCondition(field string, sc *schemas.SuccessCondition) {
	if sc.URLMatches != nil {
		if err := condition.ValidPattern(*sc.URLMatches); err != nil {
			c.warn(field+".url_matches", "invalid pattern: %v", err)
		}
	}
	if sc.Visible != nil {
		c.checkCSS(field+".visible", *sc.Visible)
	}
	if sc.Exists != nil {
		c.checkCSS(field+".exists", *sc.Exists)
	}
	if a := sc.Attribute; a != nil {
		if a.Selector == "" || a.Name == "" {
			c.fail(field+".attribute", "attribute condition needs a selector and a name")
		} else {
			c.checkCSS(field+".attribute.selector", a.Selector)
		}
	}
	if v := sc.Value; v != nil {
		switch {
		case v.Selector == "":
			c.fail(field+".value", "value condition needs a selector")
		case !v.HasOperator():
			c.fail(field+".value", "value condition needs equals, contains or not_empty")
		default:
			c.checkCSS(field+".value.selector", v.Selector)
		}
	}
	if sc.Click != nil && sc.Click.Selector != "" {
		c.checkCSS(field+".click", sc.Click.Selector)
	}
}
