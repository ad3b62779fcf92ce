// Package cdp drives a Chromium page over the DevTools protocol with chromedp
// and exposes it through the dom port.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/internal/config"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/dom/script"
)

// Browser owns one chromedp tab. It implements script.Runtime.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
	navTimeout  time.Duration
	page        *script.Page
}

var _ script.Runtime = (*Browser)(nil)

// execOptions translates the browser config into allocator options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(key, value))
			continue
		}
		opts = append(opts, chromedp.Flag(key, true))
	}
	return opts
}

// Launch starts (or attaches to) a browser and opens a tab. ctx bounds the
// browser's lifetime; Close releases it earlier.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cdp")

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.ControlURL != "" {
		logger.Info("Attaching to running browser.", zap.String("control_url", cfg.ControlURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.ControlURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, execOptions(cfg)...)
	}

	sugar := logger.Sugar()
	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(sugar.Infof),
		chromedp.WithErrorf(sugar.Errorf),
	}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(sugar.Debugf))
	}
	tabCtx, cancel := chromedp.NewContext(allocCtx, ctxOpts...)

	b := &Browser{
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
		navTimeout:  cfg.NavigationTimeout,
	}

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(script.Source()).Do(ctx)
			return err
		}),
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(w), int64(h)))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	page, err := script.New(ctx, b, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.page = page
	logger.Info("Browser ready.")
	return b, nil
}

// Page returns the dom view of the tab.
func (b *Browser) Page() dom.Page { return b.page }

// Navigate loads url and waits for the document body.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	if b.navTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.navTimeout)
		defer cancel()
	}
	b.logger.Info("Navigating.", zap.String("url", url))
	if err := b.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Done is closed when the tab goes away.
func (b *Browser) Done() <-chan struct{} { return b.ctx.Done() }

// Close closes the tab and, for launched browsers, the browser process.
func (b *Browser) Close() {
	b.cancel()
	b.allocCancel()
}

// run executes actions on the tab, giving up when either ctx or the tab ends.
// Cancelling the derived context leaves the tab open.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Browser) Eval(ctx context.Context, expr string) ([]byte, error) {
	var out []byte
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		out = []byte(obj.Value)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		out = []byte("null")
	}
	return out, nil
}

func (b *Browser) Bind(ctx context.Context, name string, fn func(payload string)) error {
	chromedp.ListenTarget(b.ctx, func(ev any) {
		if called, ok := ev.(*runtime.EventBindingCalled); ok && called.Name == name {
			fn(called.Payload)
		}
	})
	return b.run(ctx, runtime.AddBinding(name))
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	if msg == "" {
		return errors.New("script exception")
	}
	return fmt.Errorf("script exception: %s", msg)
}
