package memdom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphext/clippi-sub000/internal/dom"
)

var _ dom.Page = (*Page)(nil)

const fixture = `<!DOCTYPE html>
<html><body>
  <header id="bar" style="position: fixed">Top</header>
  <div id="menu">
    <button id="menu-btn" data-testid="menu" aria-label="Open menu"> Menu </button>
    <button id="split"><span>Ex</span><span>port</span></button>
    <input id="name" value="initial">
    <select id="fmt"><option value="csv">CSV</option><option value="xls" selected>XLS</option></select>
    <button id="off" disabled>Off</button>
  </div>
  <div id="panel" style="display:none"><a id="inner">Hidden link</a></div>
  <div id="box" style="overflow: auto"><p id="para">Scrolled</p></div>
</body></html>`

func newPage(t *testing.T) *Page {
	t.Helper()
	p, err := Parse(fixture, WithURL("https://app.test/home"))
	require.NoError(t, err)
	return p
}

func TestQuerySelector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)

	el, err := p.QuerySelector(ctx, "#menu-btn")
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, "button#menu-btn", el.Describe())

	el, err = p.QuerySelector(ctx, "#missing")
	require.NoError(t, err)
	assert.Nil(t, el)

	_, err = p.QuerySelector(ctx, "div[[")
	assert.True(t, errors.Is(err, dom.ErrInvalidSelector))
}

func TestQueryText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)

	el, err := p.QueryText(ctx, dom.TextQuery{Text: "menu", Match: dom.MatchOwnText})
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, "button#menu-btn", el.Describe())

	el, err = p.QueryText(ctx, dom.TextQuery{Text: "export", Match: dom.MatchOwnText})
	require.NoError(t, err)
	assert.Nil(t, el, "split text has no direct text node")

	el, err = p.QueryText(ctx, dom.TextQuery{Text: "export", Match: dom.MatchSubtreeText})
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, "button#split", el.Describe())

	el, err = p.QueryText(ctx, dom.TextQuery{Text: "menu", Tag: "a", Match: dom.MatchOwnText})
	require.NoError(t, err)
	assert.Nil(t, el)
}

func TestInspect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)
	require.NoError(t, p.Layout("#menu-btn", dom.Rect{X: 10, Y: 10, Width: 80, Height: 30}))
	require.NoError(t, p.Layout("#box", dom.Rect{X: 0, Y: 100, Width: 200, Height: 100}))

	btn, _ := p.QuerySelector(ctx, "#menu-btn")
	st, err := btn.Inspect(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "BUTTON", st.TagName)
	assert.Equal(t, dom.Rect{X: 10, Y: 10, Width: 80, Height: 30}, st.Rect)
	assert.Nil(t, st.ScrollParent)

	inner, _ := p.QuerySelector(ctx, "#inner")
	st, err = inner.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "none", st.Display, "display:none is inherited for rendering purposes")

	off, _ := p.QuerySelector(ctx, "#off")
	st, _ = off.Inspect(ctx)
	assert.True(t, st.Disabled)

	para, _ := p.QuerySelector(ctx, "#para")
	st, _ = para.Inspect(ctx)
	require.NotNil(t, st.ScrollParent)
	assert.Equal(t, dom.Rect{X: 0, Y: 100, Width: 200, Height: 100}, *st.ScrollParent)

	require.NoError(t, p.Remove("#menu-btn"))
	st, err = btn.Inspect(ctx)
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)

	name, _ := p.QuerySelector(ctx, "#name")
	v, err := name.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, "initial", v)

	require.NoError(t, p.SetValue("#name", "typed"))
	v, _ = name.Value(ctx)
	assert.Equal(t, "typed", v)

	sel, _ := p.QuerySelector(ctx, "#fmt")
	v, _ = sel.Value(ctx)
	assert.Equal(t, "xls", v)
}

func TestElementFromPointAndContains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)
	require.NoError(t, p.Layout("#menu", dom.Rect{X: 0, Y: 0, Width: 400, Height: 200}))
	require.NoError(t, p.Layout("#menu-btn", dom.Rect{X: 10, Y: 10, Width: 80, Height: 30}))

	hit, err := p.ElementFromPoint(ctx, dom.Point{X: 20, Y: 20})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "button#menu-btn", hit.Describe())

	menu, _ := p.QuerySelector(ctx, "#menu")
	ok, err := menu.Contains(ctx, hit)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = hit.Contains(ctx, menu)
	assert.False(t, ok)

	// A fixed header drawn later covers the button.
	require.NoError(t, p.Layout("#bar", dom.Rect{X: 0, Y: 0, Width: 1280, Height: 50}))
	require.NoError(t, p.SetStyle("#bar", "position: fixed; z-index: 10"))
	hit, _ = p.ElementFromPoint(ctx, dom.Point{X: 20, Y: 20})
	assert.Equal(t, "header#bar", hit.Describe())

	boxes, err := p.FixedBoxes(ctx)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "fixed", boxes[0].Position)
	require.NotNil(t, boxes[0].Element)
	assert.Equal(t, "header#bar", boxes[0].Element.Describe())

	hit, _ = p.ElementFromPoint(ctx, dom.Point{X: 5000, Y: 20})
	assert.Nil(t, hit)
}

func TestScrolling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)
	require.NoError(t, p.Layout("#menu", dom.Rect{X: 0, Y: 0, Width: 1280, Height: 3000}))
	require.NoError(t, p.Layout("#para", dom.Rect{X: 0, Y: 2000, Width: 100, Height: 20}))

	para, _ := p.QuerySelector(ctx, "#para")
	require.NoError(t, para.ScrollIntoView(ctx))
	_, y := p.ScrollPosition()
	assert.Equal(t, 2010-360.0, y)
	assert.Equal(t, 1, p.ScrollRequests())

	st, _ := para.Inspect(ctx)
	assert.Equal(t, 350.0, st.Rect.Y)

	require.NoError(t, p.ScrollBy(ctx, 0, -10000))
	_, y = p.ScrollPosition()
	assert.Zero(t, y)
}

func TestClickListeners(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)

	menu, _ := p.QuerySelector(ctx, "#menu")
	fired := 0
	_, err := menu.OnClick(ctx, func() { fired++ })
	require.NoError(t, err)
	btn, _ := p.QuerySelector(ctx, "#menu-btn")
	remove, err := btn.OnClick(ctx, func() { fired += 10 })
	require.NoError(t, err)
	remove()
	assert.Equal(t, 1, p.ListenerCount())

	require.NoError(t, p.Click("#menu-btn"))
	assert.Equal(t, 1, fired, "click bubbles to the ancestor listener")

	require.NoError(t, p.Click("#menu-btn"))
	assert.Equal(t, 1, fired, "listeners are one-shot")
	assert.Zero(t, p.ListenerCount())
}

func TestMutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPage(t)

	require.NoError(t, p.AppendHTML("#menu", `<div id="export-option">Export CSV</div>`))
	el, err := p.QuerySelector(ctx, "#export-option")
	require.NoError(t, err)
	require.NotNil(t, el)

	require.NoError(t, p.SetText("#export-option", "Done"))
	el, _ = p.QueryText(ctx, dom.TextQuery{Text: "done", Match: dom.MatchOwnText})
	require.NotNil(t, el)

	require.NoError(t, p.SetAttr("#export-option", "aria-busy", "true"))
	v, ok, err := el.Attribute(ctx, "aria-busy")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	p.SetURL("https://app.test/export/done")
	u, _ := p.URL(ctx)
	assert.Equal(t, "https://app.test/export/done", u)

	assert.Error(t, p.SetAttr("#nope", "a", "b"))
}
