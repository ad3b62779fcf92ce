package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/bridge"
	"github.com/graphext/clippi-sub000/internal/guide"
	"github.com/graphext/clippi-sub000/internal/manifest"
	"github.com/graphext/clippi-sub000/internal/observability"
)

// reloadInto returns a manifest.ReloadFunc that swaps m into engine.
func reloadInto(ctx context.Context, engine *guide.Engine, logger *zap.Logger) manifest.ReloadFunc {
	return func(m *schemas.Manifest, warnings []manifest.Warning) {
		for _, w := range warnings {
			logger.Warn("Manifest warning.", zap.Stringer("warning", w))
		}
		if err := engine.Reload(ctx, m); err != nil {
			logger.Error("Failed to apply reloaded manifest.", zap.Error(err))
			return
		}
		logger.Info("Manifest reloaded.", zap.Int("targets", len(m.Targets)))
	}
}

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the overlay bridge against a live browser until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			ctx := cmd.Context()

			path := cfg.Manifest().Path
			m, _, err := loadManifest(path, logger)
			if err != nil {
				return err
			}
			s, err := startSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			stopPrint := printEvents(s.engine.Events(), cmd.OutOrStdout())
			defer stopPrint()
			if err := s.init(ctx, m); err != nil {
				return err
			}

			opts := bridge.OptionsFromConfig(cfg.Bridge())
			opts.Logger = logger
			srv := bridge.New(s.engine, opts)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Bridge().Listen) })
			if watch || cfg.Manifest().Watch {
				g.Go(func() error {
					return manifest.Watch(gctx, path, cfg.Manifest().Debounce, logger, reloadInto(gctx, s.engine, logger))
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				logger.Info("Bridge stopped.")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", true, "reload the manifest when the file changes")
	cmd.Flags().String("url", "", "URL to open (overrides browser.start_url)")
	cmd.Flags().String("driver", "", "browser driver: chromedp or rod")
	cmd.Flags().Bool("headless", false, "run the browser headless")
	cmd.Flags().String("listen", "", "bridge listen address")
	return cmd
}
