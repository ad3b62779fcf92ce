// Package rodpage is the go-rod alternative to the chromedp backend. Both
// share the page helper from the script package.
package rodpage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/internal/config"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/dom/script"
)

// Browser owns a rod browser and one page. It implements script.Runtime.
type Browser struct {
	browser    *rod.Browser
	rodPage    *rod.Page
	launcher   *launcher.Launcher
	logger     *zap.Logger
	navTimeout time.Duration
	page       *script.Page
	stops      []func() error
}

var _ script.Runtime = (*Browser)(nil)

func newLauncher(ctx context.Context, cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().Context(ctx).Headless(cfg.Headless).NoSandbox(true).
		Set("disable-dev-shm-usage")
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		l = l.Set("window-size", fmt.Sprintf("%d,%d", w, h))
	}
	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			l = l.Set(flags.Flag(key), value)
			continue
		}
		l = l.Set(flags.Flag(key))
	}
	return l
}

// Launch starts (or attaches to) a browser and opens a blank page.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{logger: logger.Named("rod"), navTimeout: cfg.NavigationTimeout}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		b.launcher = newLauncher(ctx, cfg)
		u, err := b.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		controlURL = u
	} else {
		b.logger.Info("Attaching to running browser.", zap.String("control_url", controlURL))
	}

	b.browser = rod.New().ControlURL(controlURL).Context(ctx).Trace(cfg.Debug)
	if err := b.browser.Connect(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	p, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	b.rodPage = p

	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: w, Height: h, DeviceScaleFactor: 1}); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}
	stop, err := p.EvalOnNewDocument(script.Source())
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to register page script: %w", err)
	}
	b.stops = append(b.stops, stop)

	page, err := script.New(ctx, b, b.logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.page = page
	b.logger.Info("Browser ready.")
	return b, nil
}

// Page returns the dom view of the page.
func (b *Browser) Page() dom.Page { return b.page }

// Navigate loads url and waits for the load event.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	p := b.rodPage.Context(ctx)
	if b.navTimeout > 0 {
		p = p.Timeout(b.navTimeout)
	}
	b.logger.Info("Navigating.", zap.String("url", url))
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("failed to load %s: %w", url, err)
	}
	return nil
}

// Close releases the page, the connection and any launched process.
func (b *Browser) Close() {
	for _, stop := range b.stops {
		_ = stop()
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			b.logger.Debug("Failed to close browser.", zap.Error(err))
		}
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}
}

func (b *Browser) Eval(ctx context.Context, expr string) ([]byte, error) {
	res, err := proto.RuntimeEvaluate{Expression: expr, ReturnByValue: true}.Call(b.rodPage.Context(ctx))
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("script exception: %s", exceptionText(res.ExceptionDetails))
	}
	if res.Result == nil || res.Result.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return []byte("null"), nil
	}
	return res.Result.Value.MarshalJSON()
}

// Bind exposes name on the page. The page side receives a promise it can
// ignore.
func (b *Browser) Bind(ctx context.Context, name string, fn func(payload string)) error {
	stop, err := b.rodPage.Context(ctx).Expose(name, func(arg gson.JSON) (any, error) {
		fn(arg.Str())
		return nil, nil
	})
	if err != nil {
		return err
	}
	b.stops = append(b.stops, stop)
	return nil
}

func exceptionText(exc *proto.RuntimeExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}
