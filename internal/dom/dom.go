// Package dom defines the port between the guidance engine and a live page.
// Backends (memdom, cdp, rodpage) implement Page and Element; everything above
// this package reads page state only through these interfaces.
package dom

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidSelector is returned by QuerySelector when the CSS cannot be parsed.
var ErrInvalidSelector = errors.New("dom: invalid selector")

// ErrDetached is returned by element operations when the node is gone.
var ErrDetached = errors.New("dom: element is not attached")

// Rect is a bounding box in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a position in viewport coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (r Rect) Left() float64   { return r.X }
func (r Rect) Top() float64    { return r.Y }
func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Center returns the geometric center of r.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Intersects reports whether r and o overlap with a positive area.
func (r Rect) Intersects(o Rect) bool {
	return r.Left() < o.Right() && o.Left() < r.Right() &&
		r.Top() < o.Bottom() && o.Top() < r.Bottom()
}

// Within reports whether r lies entirely inside o.
func (r Rect) Within(o Rect) bool {
	return r.Left() >= o.Left() && r.Right() <= o.Right() &&
		r.Top() >= o.Top() && r.Bottom() <= o.Bottom()
}

// Intersect returns the overlap of r and o. The result is empty when they
// do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	left, top := max(r.Left(), o.Left()), max(r.Top(), o.Top())
	right, bottom := min(r.Right(), o.Right()), min(r.Bottom(), o.Bottom())
	if right <= left || bottom <= top {
		return Rect{X: left, Y: top}
	}
	return Rect{X: left, Y: top, Width: right - left, Height: bottom - top}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.0f,%.0f %.0fx%.0f)", r.X, r.Y, r.Width, r.Height)
}

// Viewport is the size of the visible layout viewport.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect returns the viewport as a rect anchored at the origin.
func (v Viewport) Rect() Rect { return Rect{Width: v.Width, Height: v.Height} }

// ElementState is a snapshot of everything the actionability checks need,
// read in a single round trip.
type ElementState struct {
	Connected  bool    `json:"connected"`
	TagName    string  `json:"tagName"`
	Display    string  `json:"display"`
	Visibility string  `json:"visibility"`
	Opacity    float64 `json:"opacity"`
	Position   string  `json:"position"`
	Disabled   bool    `json:"disabled"`
	Rect       Rect    `json:"rect"`
	// ScrollParent is the visible area of the nearest scrollable ancestor,
	// nil when the document itself is the scroller.
	ScrollParent *Rect `json:"scrollParent,omitempty"`
}

// FixedBox is a fixed or sticky positioned element currently rendered.
type FixedBox struct {
	Rect     Rect   `json:"rect"`
	Position string `json:"position"`
	// Element is the fixed element itself.
	Element Element `json:"-"`
}

// TextMatch selects how QueryText compares text.
type TextMatch int

const (
	// MatchOwnText compares only the element's direct text nodes.
	MatchOwnText TextMatch = iota
	// MatchSubtreeText compares the element's full text content and returns
	// the innermost match.
	MatchSubtreeText
)

// TextQuery finds an element by normalized text.
type TextQuery struct {
	// Text is already normalized with NormalizeText.
	Text  string
	Tag   string
	Match TextMatch
}

// Page is a live document.
type Page interface {
	URL(ctx context.Context) (string, error)
	Viewport(ctx context.Context) (Viewport, error)
	// QuerySelector returns the first match, nil when nothing matches, or
	// ErrInvalidSelector.
	QuerySelector(ctx context.Context, css string) (Element, error)
	QueryText(ctx context.Context, q TextQuery) (Element, error)
	ElementFromPoint(ctx context.Context, p Point) (Element, error)
	FixedBoxes(ctx context.Context) ([]FixedBox, error)
	ScrollBy(ctx context.Context, dx, dy float64) error
}

// Element is a handle to a node that may be detached at any time.
type Element interface {
	Inspect(ctx context.Context) (ElementState, error)
	Attribute(ctx context.Context, name string) (value string, ok bool, err error)
	// Value returns the current form value (input, textarea, select).
	Value(ctx context.Context) (string, error)
	// Contains reports whether other is this element or one of its descendants.
	Contains(ctx context.Context, other Element) (bool, error)
	// ScrollIntoView centers the element, scrolling scrollable ancestors too.
	ScrollIntoView(ctx context.Context) error
	// OnClick registers a one-shot click listener. fn may be invoked from any
	// goroutine. The returned function removes the listener.
	OnClick(ctx context.Context, fn func()) (remove func(), err error)
	// Describe returns a short human readable description for logs.
	Describe() string
}
