package memdom

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/graphext/clippi-sub000/internal/dom"
)

// The methods below drive the document the way an application and its user
// would. They are what tests use to simulate DOM mutations and navigation.

func (p *Page) mustFind(css string) (*html.Node, error) {
	n, err := p.first(css)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("memdom: no element matches %q", css)
	}
	return n, nil
}

// SetURL simulates a navigation that keeps the document.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Debug("URL changed", zap.String("from", p.url), zap.String("to", u))
	p.url = u
}

// SetViewport resizes the viewport.
func (p *Page) SetViewport(vp dom.Viewport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = vp
}

// Layout assigns a box to the first element matching css. Boxes are in
// document coordinates, except for position:fixed elements which are
// viewport relative.
func (p *Page) Layout(css string, r dom.Rect) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.mustFind(css)
	if err != nil {
		return err
	}
	p.layout[n] = r
	return nil
}

// SetAttr sets an attribute on the first element matching css.
func (p *Page) SetAttr(css, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.mustFind(css)
	if err != nil {
		return err
	}
	setAttr(n, name, value)
	return nil
}

// RemoveAttr removes an attribute from the first element matching css.
func (p *Page) RemoveAttr(css, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.mustFind(css)
	if err != nil {
		return err
	}
	removeAttr(n, name)
	return nil
}

// SetStyle replaces the inline style of the first element matching css.
func (p *Page) SetStyle(css, style string) error {
	return p.SetAttr(css, "style", style)
}

// SetValue sets the live form value, as typing would.
func (p *Page) SetValue(css, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.mustFind(css)
	if err != nil {
		return err
	}
	p.values[n] = value
	return nil
}

// Remove detaches the first element matching css. Handles to it stay valid
// but report as disconnected.
func (p *Page) Remove(css string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.mustFind(css)
	if err != nil {
		return err
	}
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	return nil
}

// AppendHTML parses markup as a fragment and appends it to the first element
// matching parentCSS.
func (p *Page) AppendHTML(parentCSS, markup string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	parent, err := p.mustFind(parentCSS)
	if err != nil {
		return err
	}
	ctxNode := &html.Node{Type: html.ElementNode, Data: parent.Data, DataAtom: atom.Lookup([]byte(parent.Data))}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctxNode)
	if err != nil {
		return fmt.Errorf("memdom: failed to parse fragment: %w", err)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nil
}

// SetText replaces the children of the first element matching css with text.
func (p *Page) SetText(css, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.mustFind(css)
	if err != nil {
		return err
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return nil
}

// Click dispatches a click on the first element matching css. One-shot
// listeners on the element and its ancestors fire and are removed.
func (p *Page) Click(css string) error {
	p.mu.Lock()
	n, err := p.mustFind(css)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	var fire []func()
	for cur := n; cur != nil; cur = cur.Parent {
		for _, l := range p.listeners[cur] {
			fire = append(fire, l.fn)
		}
		delete(p.listeners, cur)
	}
	p.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	return nil
}

// ScrollPosition reports the current window scroll offsets.
func (p *Page) ScrollPosition() (x, y float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scrollX, p.scrollY
}

// ScrollRequests counts ScrollIntoView calls, for assertions.
func (p *Page) ScrollRequests() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scrollRequests
}

// ListenerCount reports the number of registered click listeners.
func (p *Page) ListenerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, ls := range p.listeners {
		total += len(ls)
	}
	return total
}
