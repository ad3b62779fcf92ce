package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/dom/memdom"
)

const page = `<html><body>
  <nav>
    <button id="export" class="btn" data-qa="exp">Export</button>
    <a href="/settings" aria-label="Settings">⚙</a>
    <div id="wrapped"><span>Save</span> <span>all</span></div>
    <p>Export</p>
  </nav>
</body></html>`

func newResolver(t *testing.T, opts ...Option) (*Resolver, *memdom.Page) {
	t.Helper()
	p := memdom.MustParse(page)
	return New(p, zaptest.NewLogger(t), opts...), p
}

func sel(strategies ...schemas.SelectorStrategy) schemas.Selector {
	return schemas.Selector{Strategies: strategies}
}

func TestResolve_PriorityAndFailedOrder(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)

	testID := schemas.SelectorStrategy{Type: schemas.StrategyTestID, Value: "nope"}
	aria := schemas.SelectorStrategy{Type: schemas.StrategyAria, Value: "Nope"}
	css := schemas.SelectorStrategy{Type: schemas.StrategyCSS, Value: "#export"}
	text := schemas.SelectorStrategy{Type: schemas.StrategyText, Value: "Export"}

	res := r.Resolve(context.Background(), sel(testID, aria, css, text))
	require.True(t, res.Found())
	require.NotNil(t, res.Strategy)
	assert.Equal(t, schemas.StrategyCSS, res.Strategy.Type)
	assert.Equal(t, []schemas.SelectorStrategy{testID, aria}, res.Failed)
	assert.Equal(t, "button#export.btn", res.Element.Describe())
}

func TestResolve_Strategies(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t, WithTestIDAttribute("data-qa"))
	ctx := context.Background()

	tests := []struct {
		name     string
		strategy schemas.SelectorStrategy
		want     string
	}{
		{"test id attribute", schemas.SelectorStrategy{Type: schemas.StrategyTestID, Value: "exp"}, "button#export.btn"},
		{"aria label", schemas.SelectorStrategy{Type: schemas.StrategyAria, Value: "Settings"}, "a"},
		{"css", schemas.SelectorStrategy{Type: schemas.StrategyCSS, Value: "nav > .btn"}, "button#export.btn"},
		{"text is trimmed and case folded", schemas.SelectorStrategy{Type: schemas.StrategyText, Value: "  EXPORT "}, "button#export.btn"},
		{"text tag filter", schemas.SelectorStrategy{Type: schemas.StrategyText, Value: "export", Tag: "p"}, "p"},
		{"text falls back to subtree", schemas.SelectorStrategy{Type: schemas.StrategyText, Value: "save all"}, "div#wrapped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(ctx, sel(tt.strategy))
			require.True(t, res.Found())
			assert.Equal(t, tt.want, res.Element.Describe())
			assert.Empty(t, res.Failed)
		})
	}
}

func TestResolve_InvalidCSSIsAMiss(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)
	bad := schemas.SelectorStrategy{Type: schemas.StrategyCSS, Value: "button[[["}
	good := schemas.SelectorStrategy{Type: schemas.StrategyText, Value: "export"}

	res := r.Resolve(context.Background(), sel(bad, good))
	require.True(t, res.Found())
	assert.Equal(t, []schemas.SelectorStrategy{bad}, res.Failed)
}

func TestResolve_AllMiss(t *testing.T) {
	t.Parallel()
	r, _ := newResolver(t)
	a := schemas.SelectorStrategy{Type: schemas.StrategyCSS, Value: "#missing"}
	b := schemas.SelectorStrategy{Type: schemas.StrategyText, Value: "   "}
	c := schemas.SelectorStrategy{Type: "xpath", Value: "//div"}

	res := r.Resolve(context.Background(), sel(a, b, c))
	assert.False(t, res.Found())
	assert.Nil(t, res.Strategy)
	assert.Equal(t, []schemas.SelectorStrategy{a, b, c}, res.Failed)
}

func TestWaitFor(t *testing.T) {
	t.Parallel()
	r, p := newResolver(t)
	target := sel(schemas.SelectorStrategy{Type: schemas.StrategyCSS, Value: "#late"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.AppendHTML("nav", `<div id="late">Late</div>`)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := r.WaitFor(ctx, target, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Found())

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = r.WaitFor(short, sel(schemas.SelectorStrategy{Type: schemas.StrategyCSS, Value: "#never"}), 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
