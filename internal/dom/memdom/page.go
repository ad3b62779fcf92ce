// Package memdom is an in-memory implementation of the dom port. It parses
// HTML with golang.org/x/net/html, answers CSS queries through goquery and
// cascadia, and keeps layout in a side table since there is no renderer.
// It backs the engine's tests and the static snapshot checks of the CLI.
package memdom

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/graphext/clippi-sub000/internal/dom"
)

// DefaultViewport matches the viewport the browser backends launch with.
var DefaultViewport = dom.Viewport{Width: 1280, Height: 720}

// Page is a mutable in-memory document. It is safe for concurrent use.
type Page struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	doc      *goquery.Document
	url      string
	viewport dom.Viewport
	scrollX  float64
	scrollY  float64

	// layout holds document coordinates, or viewport coordinates for fixed boxes.
	layout    map[*html.Node]dom.Rect
	values    map[*html.Node]string
	listeners map[*html.Node][]*listener
	nextID    uint64

	scrollRequests int
}

type listener struct {
	id uint64
	fn func()
}

// Option configures a Page.
type Option func(*Page)

// WithURL sets the initial document URL.
func WithURL(u string) Option { return func(p *Page) { p.url = u } }

// WithViewport sets the viewport size.
func WithViewport(vp dom.Viewport) Option { return func(p *Page) { p.viewport = vp } }

// WithLogger attaches a logger for mutation tracing.
func WithLogger(l *zap.Logger) Option { return func(p *Page) { p.logger = l.Named("memdom") } }

// Parse builds a Page from an HTML document.
func Parse(markup string, opts ...Option) (*Page, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	p := &Page{
		logger:    zap.NewNop(),
		doc:       goquery.NewDocumentFromNode(root),
		url:       "about:blank",
		viewport:  DefaultViewport,
		layout:    make(map[*html.Node]dom.Rect),
		values:    make(map[*html.Node]string),
		listeners: make(map[*html.Node][]*listener),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MustParse is Parse for fixtures that are known to be valid.
func MustParse(markup string, opts ...Option) *Page {
	p, err := Parse(markup, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Page) wrap(n *html.Node) dom.Element {
	if n == nil {
		return nil
	}
	return &Element{page: p, node: n}
}

// compile turns CSS into a goquery matcher, mapping syntax errors to
// dom.ErrInvalidSelector.
func compile(css string) (cascadia.Selector, error) {
	sel, err := cascadia.Compile(css)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", dom.ErrInvalidSelector, css, err)
	}
	return sel, nil
}

func (p *Page) first(css string) (*html.Node, error) {
	sel, err := compile(css)
	if err != nil {
		return nil, err
	}
	found := p.doc.FindMatcher(sel)
	if found.Length() == 0 {
		return nil, nil
	}
	return found.Get(0), nil
}

// -- dom.Page --

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url, nil
}

func (p *Page) Viewport(ctx context.Context) (dom.Viewport, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewport, nil
}

func (p *Page) QuerySelector(ctx context.Context, css string) (dom.Element, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.first(css)
	if err != nil {
		return nil, err
	}
	return p.wrap(n), nil
}

func (p *Page) QueryText(ctx context.Context, q dom.TextQuery) (dom.Element, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tag := strings.ToLower(q.Tag)
	var best *html.Node
	p.walk(func(n *html.Node) {
		if tag != "" && n.Data != tag {
			return
		}
		switch n.Data {
		case "html", "head", "script", "style", "template":
			return
		}
		switch q.Match {
		case dom.MatchOwnText:
			if best == nil && dom.NormalizeText(ownText(n)) == q.Text {
				best = n
			}
		case dom.MatchSubtreeText:
			if dom.NormalizeText(textContent(n)) != q.Text {
				return
			}
			// Keep descending into the innermost match.
			if best == nil || isAncestor(best, n) {
				best = n
			}
		}
	})
	return p.wrap(best), nil
}

func (p *Page) ElementFromPoint(ctx context.Context, pt dom.Point) (dom.Element, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	vp := p.viewport.Rect()
	if pt.X < vp.Left() || pt.X >= vp.Right() || pt.Y < vp.Top() || pt.Y >= vp.Bottom() {
		return nil, nil
	}
	var hit *html.Node
	hitZ := math.MinInt
	p.walk(func(n *html.Node) {
		st := computeStyle(n)
		if !st.rendered() || st.visibility == "hidden" || st.pointerEvents == "none" {
			return
		}
		r, ok := p.viewportRect(n, st)
		if !ok || r.Empty() {
			return
		}
		if pt.X < r.Left() || pt.X >= r.Right() || pt.Y < r.Top() || pt.Y >= r.Bottom() {
			return
		}
		// Later siblings paint over earlier ones at the same z-index.
		if st.zIndex >= hitZ {
			hit, hitZ = n, st.zIndex
		}
	})
	return p.wrap(hit), nil
}

func (p *Page) FixedBoxes(ctx context.Context) ([]dom.FixedBox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var boxes []dom.FixedBox
	p.walk(func(n *html.Node) {
		st := computeStyle(n)
		if st.position != "fixed" && st.position != "sticky" {
			return
		}
		if !st.rendered() || st.visibility == "hidden" {
			return
		}
		if r, ok := p.viewportRect(n, st); ok && !r.Empty() {
			boxes = append(boxes, dom.FixedBox{Rect: r, Position: st.position, Element: p.wrap(n)})
		}
	})
	return boxes, nil
}

func (p *Page) ScrollBy(ctx context.Context, dx, dy float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollTo(p.scrollX+dx, p.scrollY+dy)
	return nil
}

// -- layout --

// viewportRect maps the stored layout of n into viewport coordinates.
func (p *Page) viewportRect(n *html.Node, st computed) (dom.Rect, bool) {
	r, ok := p.layout[n]
	if !ok {
		return dom.Rect{}, false
	}
	if st.position == "fixed" {
		return r, true
	}
	r.X -= p.scrollX
	r.Y -= p.scrollY
	return r, true
}

func (p *Page) documentSize() (w, h float64) {
	for _, r := range p.layout {
		w, h = max(w, r.Right()), max(h, r.Bottom())
	}
	return w, h
}

func (p *Page) scrollTo(x, y float64) {
	w, h := p.documentSize()
	maxX, maxY := max(0, w-p.viewport.Width), max(0, h-p.viewport.Height)
	p.scrollX = min(max(0, x), maxX)
	p.scrollY = min(max(0, y), maxY)
}

func (p *Page) walk(fn func(n *html.Node)) {
	var rec func(n *html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode {
			fn(n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(p.doc.Get(0))
}

func (p *Page) attached(n *html.Node) bool {
	root := p.doc.Get(0)
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}

func isAncestor(anc, n *html.Node) bool {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur == anc {
			return true
		}
	}
	return false
}

func ownText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}
