package condition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/actionability"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/dom/memdom"
)

const fixture = `<html><body>
  <div id="toast" style="display:none">Saved</div>
  <div id="panel">Panel</div>
  <button id="tab" aria-selected="true">Tab</button>
  <input id="email" value="">
  <input id="search" value="quarterly report">
</body></html>`

func setup(t *testing.T) (*Evaluator, *memdom.Page) {
	t.Helper()
	p := memdom.MustParse(fixture, memdom.WithURL("https://app.test/projects/42/settings"))
	require.NoError(t, p.Layout("#toast", dom.Rect{X: 10, Y: 10, Width: 100, Height: 20}))
	require.NoError(t, p.Layout("#panel", dom.Rect{X: 10, Y: 40, Width: 100, Height: 20}))
	logger := zaptest.NewLogger(t)
	return New(p, actionability.New(p, logger, 0), logger), p
}

func str(s string) *string { return &s }

func TestEvaluate_EmptyAndNil(t *testing.T) {
	t.Parallel()
	e, _ := setup(t)
	ctx := context.Background()
	assert.True(t, e.Evaluate(ctx, nil))
	assert.True(t, e.Evaluate(ctx, &schemas.SuccessCondition{}))
	assert.True(t, e.Evaluate(ctx, &schemas.SuccessCondition{Click: &schemas.ClickCondition{}}), "click:false is no key at all")
}

func TestEvaluate_ClickOnlyIsNeverTrue(t *testing.T) {
	t.Parallel()
	e, p := setup(t)
	ctx := context.Background()
	click := &schemas.SuccessCondition{Click: &schemas.ClickCondition{Enabled: true}}
	assert.False(t, e.Evaluate(ctx, click))
	require.NoError(t, p.Click("#tab"))
	assert.False(t, e.Evaluate(ctx, click))
	assert.False(t, e.Evaluate(ctx, &schemas.SuccessCondition{Click: &schemas.ClickCondition{Enabled: true, Selector: "#tab"}}))
}

func TestEvaluate_ClickWithOtherKeys(t *testing.T) {
	t.Parallel()
	e, _ := setup(t)
	ctx := context.Background()
	click := &schemas.ClickCondition{Enabled: true}

	assert.True(t, e.Evaluate(ctx, &schemas.SuccessCondition{Click: click, URLContains: str("/settings")}))
	assert.False(t, e.Evaluate(ctx, &schemas.SuccessCondition{Click: click, URLContains: str("/billing")}))
}

func TestEvaluate_Keys(t *testing.T) {
	t.Parallel()
	e, p := setup(t)
	ctx := context.Background()
	require.NoError(t, p.SetValue("#email", "me@example.com"))

	tests := []struct {
		name string
		cond schemas.SuccessCondition
		want bool
	}{
		{"url contains", schemas.SuccessCondition{URLContains: str("/projects/")}, true},
		{"url contains miss", schemas.SuccessCondition{URLContains: str("/export")}, false},
		{"url matches", schemas.SuccessCondition{URLMatches: str(`/projects/\d+/settings$`)}, true},
		{"url matches ecmascript lookahead", schemas.SuccessCondition{URLMatches: str(`projects/(?=\d)`)}, true},
		{"url matches miss", schemas.SuccessCondition{URLMatches: str(`^/billing`)}, false},
		{"invalid regex is false", schemas.SuccessCondition{URLMatches: str(`([`)}, false},
		{"visible", schemas.SuccessCondition{Visible: str("#panel")}, true},
		{"visible hidden", schemas.SuccessCondition{Visible: str("#toast")}, false},
		{"visible missing", schemas.SuccessCondition{Visible: str("#nope")}, false},
		{"visible invalid css", schemas.SuccessCondition{Visible: str("##")}, false},
		{"exists hidden", schemas.SuccessCondition{Exists: str("#toast")}, true},
		{"exists missing", schemas.SuccessCondition{Exists: str("#nope")}, false},
		{"attribute present", schemas.SuccessCondition{Attribute: &schemas.AttributeCondition{Selector: "#tab", Name: "aria-selected"}}, true},
		{"attribute equals", schemas.SuccessCondition{Attribute: &schemas.AttributeCondition{Selector: "#tab", Name: "aria-selected", Value: str("true")}}, true},
		{"attribute differs", schemas.SuccessCondition{Attribute: &schemas.AttributeCondition{Selector: "#tab", Name: "aria-selected", Value: str("false")}}, false},
		{"attribute absent", schemas.SuccessCondition{Attribute: &schemas.AttributeCondition{Selector: "#tab", Name: "disabled"}}, false},
		{"value equals", schemas.SuccessCondition{Value: &schemas.ValueCondition{Selector: "#email", Equals: str("me@example.com")}}, true},
		{"value contains", schemas.SuccessCondition{Value: &schemas.ValueCondition{Selector: "#search", Contains: str("report")}}, true},
		{"value not empty", schemas.SuccessCondition{Value: &schemas.ValueCondition{Selector: "#email", NotEmpty: true}}, true},
		{"value without operator", schemas.SuccessCondition{Value: &schemas.ValueCondition{Selector: "#email"}}, false},
		{"all keys anded", schemas.SuccessCondition{URLContains: str("/projects/"), Visible: str("#toast")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			assert.Equal(t, tt.want, e.Evaluate(ctx, &cond))
		})
	}
}

func TestEvaluate_ReflectsLiveState(t *testing.T) {
	t.Parallel()
	e, p := setup(t)
	ctx := context.Background()
	cond := &schemas.SuccessCondition{Visible: str("#toast"), URLContains: str("/done")}
	assert.False(t, e.Evaluate(ctx, cond))

	require.NoError(t, p.SetStyle("#toast", ""))
	p.SetURL("https://app.test/done")
	assert.True(t, e.Evaluate(ctx, cond))
}

func TestExplain(t *testing.T) {
	t.Parallel()
	e, _ := setup(t)
	got := e.Explain(context.Background(), &schemas.SuccessCondition{
		URLContains: str("/projects/"),
		Visible:     str("#toast"),
		Click:       &schemas.ClickCondition{Enabled: true},
	})
	assert.Equal(t, []KeyResult{
		{Key: schemas.KeyURLContains, Holds: true},
		{Key: schemas.KeyVisible, Holds: false},
		{Key: schemas.KeyClick, Holds: false},
	}, got)
}

func TestValidPattern(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidPattern(`^/export/\w+`))
	assert.Error(t, ValidPattern(`(unclosed`))
}
