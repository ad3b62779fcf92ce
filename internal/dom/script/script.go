// Package script implements the dom port on top of any backend that can
// evaluate JavaScript in a page and expose a callback binding. The page side
// lives in clippi.js, installed on demand after every navigation.
package script

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/internal/dom"
)

//go:embed clippi.js
var source string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BindingName is the page function clippi.js calls when a watched element is
// clicked. Its single argument is the listener token.
const BindingName = "__clippiClick"

// removeTimeout bounds the round trip that detaches a click listener.
const removeTimeout = 2 * time.Second

// Runtime is the minimal surface a browser backend provides.
type Runtime interface {
	// Eval evaluates expr in the page's main world and returns the JSON
	// encoding of the result.
	Eval(ctx context.Context, expr string) ([]byte, error)
	// Bind exposes a global page function named name. Each call delivers its
	// first argument to fn.
	Bind(ctx context.Context, name string, fn func(payload string)) error
}

// Source returns the page helper script.
func Source() string { return source }

type envelope struct {
	Missing bool                `json:"missing"`
	Error   string              `json:"error"`
	Value   jsoniter.RawMessage `json:"value"`
}

type handle struct {
	ID   string `json:"id"`
	Desc string `json:"desc"`
}

// Page is a dom.Page backed by a Runtime.
type Page struct {
	rt     Runtime
	logger *zap.Logger

	mu     sync.Mutex
	clicks map[string]func()
}

var _ dom.Page = (*Page)(nil)

// New binds the click callback and installs the helper script.
func New(ctx context.Context, rt Runtime, logger *zap.Logger) (*Page, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Page{
		rt:     rt,
		logger: logger.Named("script"),
		clicks: make(map[string]func()),
	}
	if err := rt.Bind(ctx, BindingName, p.dispatch); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", BindingName, err)
	}
	if err := p.install(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Page) install(ctx context.Context) error {
	if _, err := p.rt.Eval(ctx, source); err != nil {
		return fmt.Errorf("failed to install page script: %w", err)
	}
	return nil
}

// dispatch runs on the backend's event goroutine.
func (p *Page) dispatch(token string) {
	p.mu.Lock()
	fn, ok := p.clicks[token]
	delete(p.clicks, token)
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("Click for unknown listener.", zap.String("token", token))
		return
	}
	fn()
}

// expression wraps a helper call so a missing helper and a thrown exception
// come back as data rather than evaluation errors.
func expression(fn string, args ...any) (string, error) {
	encoded := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode argument %d of %s: %w", i, fn, err)
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf(
		"(() => { const c = window.__clippi; if (!c) return {missing: true}; "+
			"try { return {value: c.%s(%s)}; } catch (e) { return {error: String(e)}; } })()",
		fn, strings.Join(encoded, ", ")), nil
}

// call invokes a helper and decodes its result into out, reinstalling the
// helper once if a navigation wiped it.
func (p *Page) call(ctx context.Context, out any, fn string, args ...any) error {
	expr, err := expression(fn, args...)
	if err != nil {
		return err
	}
	var env envelope
	for attempt := 0; ; attempt++ {
		raw, err := p.rt.Eval(ctx, expr)
		if err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
		env = envelope{}
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%s: failed to decode result: %w", fn, err)
		}
		if !env.Missing {
			break
		}
		if attempt > 0 {
			return fmt.Errorf("%s: page script did not install", fn)
		}
		p.logger.Debug("Reinstalling page script.", zap.String("call", fn))
		if err := p.install(ctx); err != nil {
			return err
		}
	}
	if env.Error != "" {
		return fmt.Errorf("%s: page error: %s", fn, env.Error)
	}
	if out == nil || len(env.Value) == 0 || string(env.Value) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return fmt.Errorf("%s: failed to decode value: %w", fn, err)
	}
	return nil
}

func (p *Page) element(h *handle) dom.Element {
	if h == nil || h.ID == "" {
		return nil
	}
	return &Element{page: p, id: h.ID, desc: h.Desc}
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	err := p.call(ctx, &u, "url")
	return u, err
}

func (p *Page) Viewport(ctx context.Context) (dom.Viewport, error) {
	var vp dom.Viewport
	err := p.call(ctx, &vp, "viewport")
	return vp, err
}

func (p *Page) QuerySelector(ctx context.Context, css string) (dom.Element, error) {
	var res struct {
		Invalid bool    `json:"invalid"`
		El      *handle `json:"el"`
	}
	if err := p.call(ctx, &res, "query", css); err != nil {
		return nil, err
	}
	if res.Invalid {
		return nil, fmt.Errorf("%w: %q", dom.ErrInvalidSelector, css)
	}
	return p.element(res.El), nil
}

func (p *Page) QueryText(ctx context.Context, q dom.TextQuery) (dom.Element, error) {
	var h *handle
	if err := p.call(ctx, &h, "queryText", q.Text, strings.ToLower(q.Tag), q.Match == dom.MatchSubtreeText); err != nil {
		return nil, err
	}
	return p.element(h), nil
}

func (p *Page) ElementFromPoint(ctx context.Context, pt dom.Point) (dom.Element, error) {
	var h *handle
	if err := p.call(ctx, &h, "fromPoint", pt.X, pt.Y); err != nil {
		return nil, err
	}
	return p.element(h), nil
}

type fixedBox struct {
	dom.FixedBox
	El *handle `json:"el"`
}

func (p *Page) FixedBoxes(ctx context.Context) ([]dom.FixedBox, error) {
	var raw []fixedBox
	if err := p.call(ctx, &raw, "fixedBoxes"); err != nil {
		return nil, err
	}
	boxes := make([]dom.FixedBox, 0, len(raw))
	for _, b := range raw {
		b.FixedBox.Element = p.element(b.El)
		boxes = append(boxes, b.FixedBox)
	}
	return boxes, nil
}

func (p *Page) ScrollBy(ctx context.Context, dx, dy float64) error {
	return p.call(ctx, nil, "scrollBy", dx, dy)
}

// Element is a handle into clippi.js's registry. Handles from a previous
// document resolve as detached.
type Element struct {
	page *Page
	id   string
	desc string
}

var _ dom.Element = (*Element)(nil)

func (e *Element) Inspect(ctx context.Context) (dom.ElementState, error) {
	var st dom.ElementState
	err := e.page.call(ctx, &st, "inspect", e.id)
	return st, err
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	var res struct {
		Detached bool   `json:"detached"`
		OK       bool   `json:"ok"`
		Value    string `json:"value"`
	}
	if err := e.page.call(ctx, &res, "attr", e.id, name); err != nil {
		return "", false, err
	}
	if res.Detached {
		return "", false, dom.ErrDetached
	}
	return res.Value, res.OK, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	var res struct {
		Detached bool   `json:"detached"`
		Value    string `json:"value"`
	}
	if err := e.page.call(ctx, &res, "value", e.id); err != nil {
		return "", err
	}
	if res.Detached {
		return "", dom.ErrDetached
	}
	return res.Value, nil
}

func (e *Element) Contains(ctx context.Context, other dom.Element) (bool, error) {
	o, ok := other.(*Element)
	if !ok || o.page != e.page {
		return false, nil
	}
	if o.id == e.id {
		return true, nil
	}
	var inside bool
	err := e.page.call(ctx, &inside, "contains", e.id, o.id)
	return inside, err
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	var ok bool
	if err := e.page.call(ctx, &ok, "scrollIntoView", e.id); err != nil {
		return err
	}
	if !ok {
		return dom.ErrDetached
	}
	return nil
}

func (e *Element) OnClick(ctx context.Context, fn func()) (func(), error) {
	p := e.page
	token := uuid.NewString()
	p.mu.Lock()
	p.clicks[token] = fn
	p.mu.Unlock()

	var ok bool
	err := p.call(ctx, &ok, "onClick", e.id, token, BindingName)
	if err == nil && !ok {
		err = dom.ErrDetached
	}
	if err != nil {
		p.mu.Lock()
		delete(p.clicks, token)
		p.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			_, pending := p.clicks[token]
			delete(p.clicks, token)
			p.mu.Unlock()
			if !pending {
				return
			}
			rctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
			defer cancel()
			if err := p.call(rctx, nil, "offClick", token); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Debug("Failed to remove click listener.", zap.String("element", e.desc), zap.Error(err))
			}
		})
	}, nil
}

func (e *Element) Describe() string { return e.desc }
