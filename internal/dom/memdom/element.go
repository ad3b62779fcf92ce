package memdom

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/graphext/clippi-sub000/internal/dom"
)

// Element is a handle to a node of a memdom Page.
type Element struct {
	page *Page
	node *html.Node
}

var _ dom.Element = (*Element)(nil)

func (e *Element) Inspect(ctx context.Context) (dom.ElementState, error) {
	p := e.page
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.attached(e.node) {
		return dom.ElementState{}, nil
	}
	st := computeStyle(e.node)
	state := dom.ElementState{
		Connected:  true,
		TagName:    strings.ToUpper(e.node.Data),
		Display:    st.display,
		Visibility: st.visibility,
		Opacity:    st.opacity,
		Position:   st.position,
	}
	_, state.Disabled = attr(e.node, "disabled")
	if st.rendered() {
		state.Rect, _ = p.viewportRect(e.node, st)
	}
	for cur := e.node.Parent; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		own := inlineStyle(cur)
		if !scrollable(own["overflow"]) && !scrollable(own["overflow-y"]) && !scrollable(own["overflow-x"]) {
			continue
		}
		if r, ok := p.viewportRect(cur, computeStyle(cur)); ok {
			state.ScrollParent = &r
		}
		break
	}
	return state, nil
}

func scrollable(overflow string) bool {
	return overflow == "auto" || overflow == "scroll" || overflow == "hidden"
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	v, ok := attr(e.node, name)
	return v, ok, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	if v, ok := e.page.values[e.node]; ok {
		return v, nil
	}
	switch e.node.Data {
	case "input":
		v, _ := attr(e.node, "value")
		return v, nil
	case "textarea":
		return textContent(e.node), nil
	case "select":
		var first, selected *html.Node
		var rec func(*html.Node)
		rec = func(n *html.Node) {
			if n.Type == html.ElementNode && n.Data == "option" {
				if first == nil {
					first = n
				}
				if _, ok := attr(n, "selected"); ok && selected == nil {
					selected = n
				}
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				rec(c)
			}
		}
		rec(e.node)
		if selected == nil {
			selected = first
		}
		if selected == nil {
			return "", nil
		}
		if v, ok := attr(selected, "value"); ok {
			return v, nil
		}
		return strings.TrimSpace(textContent(selected)), nil
	}
	return "", nil
}

func (e *Element) Contains(ctx context.Context, other dom.Element) (bool, error) {
	o, ok := other.(*Element)
	if !ok || o == nil || o.page != e.page {
		return false, nil
	}
	e.page.mu.RLock()
	defer e.page.mu.RUnlock()
	return o.node == e.node || isAncestor(e.node, o.node), nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	p := e.page
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached(e.node) {
		return dom.ErrDetached
	}
	p.scrollRequests++
	st := computeStyle(e.node)
	r, ok := p.layout[e.node]
	if !ok || st.position == "fixed" {
		return nil
	}
	c := r.Center()
	p.scrollTo(c.X-p.viewport.Width/2, c.Y-p.viewport.Height/2)
	p.logger.Debug("Scrolled element into view", zap.String("element", e.Describe()))
	return nil
}

func (e *Element) OnClick(ctx context.Context, fn func()) (func(), error) {
	p := e.page
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	l := &listener{id: p.nextID, fn: fn}
	p.listeners[e.node] = append(p.listeners[e.node], l)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.removeListener(e.node, l.id)
	}, nil
}

func (p *Page) removeListener(n *html.Node, id uint64) {
	ls := p.listeners[n]
	for i, l := range ls {
		if l.id == id {
			p.listeners[n] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(p.listeners[n]) == 0 {
		delete(p.listeners, n)
	}
}

func (e *Element) Describe() string {
	var b strings.Builder
	b.WriteString(e.node.Data)
	if id, ok := attr(e.node, "id"); ok && id != "" {
		b.WriteString("#" + id)
	}
	if cls, ok := attr(e.node, "class"); ok {
		for _, c := range strings.Fields(cls) {
			b.WriteString("." + c)
		}
	}
	return b.String()
}

func (e *Element) String() string { return fmt.Sprintf("<%s>", e.Describe()) }
