package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/config"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/dom/cdp"
	"github.com/graphext/clippi-sub000/internal/dom/rodpage"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/guide"
	"github.com/graphext/clippi-sub000/internal/manifest"
	"github.com/graphext/clippi-sub000/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// browserSession is what the live commands need from a browser backend.
type browserSession interface {
	Page() dom.Page
	Navigate(ctx context.Context, url string) error
	Close()
}

// launchBrowser is a variable so tests can substitute an in-memory page.
var launchBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browserSession, error) {
	switch cfg.Driver {
	case config.DriverRod:
		b, err := rodpage.Launch(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		b, err := cdp.Launch(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// loadManifest reads the configured manifest and logs its warnings.
func loadManifest(path string, logger *zap.Logger) (*schemas.Manifest, []manifest.Warning, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("no manifest given (use --manifest or manifest.path)")
	}
	m, warnings, err := manifest.Load(path)
	if err != nil {
		return nil, warnings, err
	}
	for _, w := range warnings {
		logger.Warn("Manifest warning.", zap.String("path", path), zap.Stringer("warning", w))
	}
	logger.Info("Manifest loaded.", zap.String("path", path), zap.Int("targets", len(m.Targets)))
	return m, warnings, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	return store.Open(ctx, store.Options{
		Driver:     cfg.Driver,
		Path:       cfg.Path,
		DSN:        cfg.DSN,
		SessionKey: cfg.SessionKey,
	}, logger)
}

// session is a live engine on a browser page with its store.
type session struct {
	browser    browserSession
	engine     *guide.Engine
	closeStore func()
}

// startSession launches the browser, opens the store and navigates to the
// start URL. The engine is not initialized yet so callers can subscribe
// before a saved flow is restored.
func startSession(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*session, error) {
	st, closeStore, err := openStore(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress store: %w", err)
	}

	b, err := launchBrowser(ctx, cfg.Browser(), logger)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	if u := cfg.Browser().StartURL; u != "" {
		if err := b.Navigate(ctx, u); err != nil {
			b.Close()
			closeStore()
			return nil, err
		}
	}

	opts := guide.OptionsFromConfig(cfg.Guide())
	opts.Store = st
	opts.StoreTimeout = cfg.Store().Timeout
	opts.Logger = logger
	return &session{browser: b, engine: guide.New(b.Page(), opts), closeStore: closeStore}, nil
}

func (s *session) init(ctx context.Context, m *schemas.Manifest) error {
	if err := s.engine.Init(ctx, m); err != nil {
		return fmt.Errorf("failed to initialize guide engine: %w", err)
	}
	return nil
}

func (s *session) Close() {
	s.engine.Close()
	s.browser.Close()
	s.closeStore()
}

// printEvents writes one JSON line per engine event to w. The returned func
// unsubscribes.
func printEvents(e *events.Emitter, w io.Writer) func() {
	var mu sync.Mutex
	var listeners []events.Listener
	for _, name := range guide.EventNames() {
		listeners = append(listeners, e.On(name, func(payload any) {
			line, err := json.Marshal(struct {
				Event   events.Name `json:"event"`
				Payload any         `json:"payload"`
			}{name, payload})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(w, string(line))
		}))
	}
	return func() {
		for _, l := range listeners {
			l.Off()
		}
	}
}
