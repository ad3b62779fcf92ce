// Package actionability decides whether a resolved element is something a
// user can interact with right now.
package actionability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/internal/dom"
)

// Reason names the first check an element failed.
type Reason string

const (
	NotAttached   Reason = "not_attached"
	Hidden        Reason = "hidden"
	NoSize        Reason = "no_size"
	Disabled      Reason = "disabled"
	OutOfViewport Reason = "out_of_viewport"
	Covered       Reason = "covered"
)

// DefaultScrollSettle is how long to wait for smooth scrolling to finish
// before measuring again.
const DefaultScrollSettle = 300 * time.Millisecond

// scrollMargin keeps nudged elements clear of fixed headers and footers.
const scrollMargin = 8

// Result is produced fresh by every Check call.
type Result struct {
	OK     bool       `json:"ok"`
	Reason Reason     `json:"reason,omitempty"`
	Rect   *dom.Rect  `json:"rect,omitempty"`
	Center *dom.Point `json:"center,omitempty"`
}

func fail(r Reason) Result { return Result{Reason: r} }

// Options narrows which checks run.
type Options struct {
	SkipViewport bool
	SkipCoverage bool
}

// Checker runs actionability checks against a page.
type Checker struct {
	page   dom.Page
	logger *zap.Logger
	settle time.Duration
}

// New creates a Checker. settle <= 0 selects DefaultScrollSettle.
func New(page dom.Page, logger *zap.Logger, settle time.Duration) *Checker {
	if settle <= 0 {
		settle = DefaultScrollSettle
	}
	return &Checker{page: page, logger: logger.Named("actionability"), settle: settle}
}

// Check runs, in order: attached, visible, has size, enabled, in viewport and
// not covered. It stops at the first failure.
func (c *Checker) Check(ctx context.Context, el dom.Element, opts Options) Result {
	if el == nil {
		return fail(NotAttached)
	}
	st, err := el.Inspect(ctx)
	if err != nil || !st.Connected {
		return fail(NotAttached)
	}
	if hiddenStyle(st) {
		return fail(Hidden)
	}
	if st.Rect.Empty() {
		return fail(NoSize)
	}
	if st.Disabled {
		return fail(Disabled)
	}
	if !opts.SkipViewport {
		bounds := c.visibleBounds(ctx, el, st)
		if !st.Rect.Intersects(bounds) {
			return fail(OutOfViewport)
		}
	}
	center := st.Rect.Center()
	if !opts.SkipCoverage && c.covered(ctx, el, center) {
		return fail(Covered)
	}
	rect := st.Rect
	return Result{OK: true, Rect: &rect, Center: &center}
}

// IsVisible runs the attached, visible and size checks only.
func (c *Checker) IsVisible(ctx context.Context, el dom.Element) bool {
	if el == nil {
		return false
	}
	st, err := el.Inspect(ctx)
	if err != nil || !st.Connected {
		return false
	}
	return !hiddenStyle(st) && !st.Rect.Empty()
}

func hiddenStyle(st dom.ElementState) bool {
	return st.Display == "none" ||
		st.Visibility == "hidden" || st.Visibility == "collapse" ||
		st.Opacity == 0
}

func (c *Checker) covered(ctx context.Context, el dom.Element, center dom.Point) bool {
	hit, err := c.page.ElementFromPoint(ctx, center)
	if err != nil {
		c.logger.Debug("Hit test failed.", zap.Error(err))
		return false
	}
	if hit == nil {
		return true
	}
	if ok, _ := el.Contains(ctx, hit); ok {
		return false
	}
	if ok, _ := hit.Contains(ctx, el); ok {
		return false
	}
	c.logger.Debug("Element is covered.",
		zap.String("element", el.Describe()),
		zap.String("by", hit.Describe()))
	return true
}

// visibleBounds is the viewport narrowed by the nearest scrollable ancestor
// and by fixed or sticky bars pinned to a viewport edge.
func (c *Checker) visibleBounds(ctx context.Context, el dom.Element, st dom.ElementState) dom.Rect {
	vp, err := c.page.Viewport(ctx)
	if err != nil {
		c.logger.Debug("Could not read viewport.", zap.Error(err))
		return st.Rect
	}
	bounds := vp.Rect()
	if st.ScrollParent != nil {
		bounds = bounds.Intersect(*st.ScrollParent)
	}
	if st.Position == "fixed" || st.Position == "sticky" {
		return bounds
	}
	boxes, err := c.page.FixedBoxes(ctx)
	if err != nil {
		c.logger.Debug("Could not read fixed boxes.", zap.Error(err))
		return bounds
	}
	return narrow(ctx, bounds, vp, el, boxes)
}

func narrow(ctx context.Context, bounds dom.Rect, vp dom.Viewport, el dom.Element, boxes []dom.FixedBox) dom.Rect {
	top, left := bounds.Top(), bounds.Left()
	bottom, right := bounds.Bottom(), bounds.Right()
	const edge = 1
	for _, b := range boxes {
		r := b.Rect
		// A bar does not obstruct its own descendants.
		if b.Element != nil {
			if inside, _ := b.Element.Contains(ctx, el); inside {
				continue
			}
		}
		switch {
		case r.Width > vp.Width/2 && r.Top() <= edge:
			top = max(top, r.Bottom())
		case r.Width > vp.Width/2 && r.Bottom() >= vp.Height-edge:
			bottom = min(bottom, r.Top())
		case r.Height > vp.Height/2 && r.Left() <= edge:
			left = max(left, r.Right())
		case r.Height > vp.Height/2 && r.Right() >= vp.Width-edge:
			right = min(right, r.Left())
		}
	}
	if right < left {
		right = left
	}
	if bottom < top {
		bottom = top
	}
	return dom.Rect{X: left, Y: top, Width: right - left, Height: bottom - top}
}

// ScrollIntoViewIfNeeded scrolls el until it is entirely inside the visible
// bounds. It waits for the scroll to settle, then nudges the window clear of
// fixed headers and footers. It reports whether any scrolling happened.
func (c *Checker) ScrollIntoViewIfNeeded(ctx context.Context, el dom.Element) (bool, error) {
	if el == nil {
		return false, dom.ErrDetached
	}
	st, err := el.Inspect(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to inspect element: %w", err)
	}
	if !st.Connected {
		return false, dom.ErrDetached
	}
	if st.Rect.Within(c.visibleBounds(ctx, el, st)) {
		return false, nil
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		return false, fmt.Errorf("failed to scroll element into view: %w", err)
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-time.After(c.settle):
	}

	st, err = el.Inspect(ctx)
	if err != nil || !st.Connected {
		return true, nil
	}
	bounds := c.visibleBounds(ctx, el, st)
	var dy float64
	switch {
	case st.Rect.Top() < bounds.Top():
		dy = st.Rect.Top() - bounds.Top() - scrollMargin
	case st.Rect.Bottom() > bounds.Bottom():
		dy = st.Rect.Bottom() - bounds.Bottom() + scrollMargin
	}
	if dy != 0 {
		c.logger.Debug("Nudging scroll for fixed obstruction.", zap.Float64("dy", dy))
		if err := c.page.ScrollBy(ctx, 0, dy); err != nil {
			return true, fmt.Errorf("failed to nudge scroll: %w", err)
		}
	}
	return true, nil
}
