package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/bridge"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/guide"
	"github.com/graphext/clippi-sub000/internal/observability"
	"github.com/graphext/clippi-sub000/internal/sequencer"
)

var (
	errNothingToGuide = errors.New("nothing to guide: pass --target or --ask")
	errNotStarted     = errors.New("no flow was started")
)

// flowOutcome is reported once the live flow ends.
type flowOutcome struct {
	completed bool
	reason    string
}

// watchOutcome delivers the first completion or abandonment. Handlers run on
// the engine loop, so they only signal.
func watchOutcome(e *events.Emitter) (<-chan flowOutcome, func()) {
	ch := make(chan flowOutcome, 1)
	send := func(o flowOutcome) {
		select {
		case ch <- o:
		default:
		}
	}
	done := events.Subscribe(e, sequencer.EventFlowCompleted, func(sequencer.FlowCompletedEvent) {
		send(flowOutcome{completed: true})
	})
	abandoned := events.Subscribe(e, sequencer.EventFlowAbandoned, func(ev sequencer.FlowAbandonedEvent) {
		send(flowOutcome{reason: ev.Reason})
	})
	return ch, func() {
		done.Off()
		abandoned.Off()
	}
}

// startFlow begins the requested flow, or keeps a restored one.
func startFlow(ctx context.Context, engine *guide.Engine, target, ask string) (*schemas.GuidanceTarget, error) {
	switch {
	case target != "":
		return engine.Guide(ctx, target)
	case ask != "":
		return engine.Ask(ctx, ask)
	}
	snap, err := engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Flow == nil {
		return nil, errNothingToGuide
	}
	targets, err := engine.Targets(ctx)
	if err != nil {
		return nil, err
	}
	for i := range targets {
		if targets[i].ID == snap.Flow.TargetID {
			return &targets[i], nil
		}
	}
	return nil, errNotStarted
}

func newGuideCmd() *cobra.Command {
	var target, ask string
	cmd := &cobra.Command{
		Use:   "guide",
		Short: "Opens the app in a browser and guides one flow live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if target != "" && ask != "" {
				return errors.New("--target and --ask are mutually exclusive")
			}
			logger := observability.GetLogger()
			ctx := cmd.Context()

			m, _, err := loadManifest(cfg.Manifest().Path, logger)
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
			outcome, stopWatch := watchOutcome(s.engine.Events())
			defer stopWatch()
			if err := s.init(ctx, m); err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)

			if cfg.Bridge().Enabled {
				opts := bridge.OptionsFromConfig(cfg.Bridge())
				opts.Logger = logger
				srv := bridge.New(s.engine, opts)
				g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Bridge().Listen) })
			}

			g.Go(func() error {
				defer cancel()
				t, err := startFlow(gctx, s.engine, target, ask)
				if err != nil {
					return err
				}
				if t == nil {
					return errNotStarted
				}
				logger.Info("Guiding flow.", zap.String("target", t.ID), zap.Int("steps", len(t.Steps())))

				select {
				case o := <-outcome:
					if o.completed {
						logger.Info("Flow completed.", zap.String("target", t.ID))
						return nil
					}
					return fmt.Errorf("flow %q abandoned: %s", t.ID, o.reason)
				case <-gctx.Done():
					_ = s.engine.Stop(context.Background())
					return gctx.Err()
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "id of the target to guide")
	cmd.Flags().StringVarP(&ask, "ask", "a", "", "free text question mapped to the best matching target")
	cmd.Flags().String("url", "", "URL to open before guiding (overrides browser.start_url)")
	cmd.Flags().String("driver", "", "browser driver: chromedp or rod")
	cmd.Flags().Bool("headless", false, "run the browser headless")
	cmd.Flags().Bool("bridge", false, "serve the overlay bridge while guiding")
	cmd.Flags().String("listen", "", "bridge listen address")
	return cmd
}
