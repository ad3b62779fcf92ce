package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/dom/memdom"
	"github.com/graphext/clippi-sub000/internal/observability"
	"github.com/graphext/clippi-sub000/internal/selector"
)

var errUnresolved = errors.New("some selectors did not resolve")

// checkResult is the outcome of resolving one selector of a target.
type checkResult struct {
	Target string
	// Item is "target" or "step N".
	Item    string
	Matched string
	Failed  []string
}

func (r checkResult) OK() bool { return r.Matched != "" }

func strategyString(st schemas.SelectorStrategy) string {
	s := string(st.Type) + "=" + st.Value
	if st.Tag != "" {
		s += "<" + st.Tag + ">"
	}
	return s
}

func resolveOne(ctx context.Context, r *selector.Resolver, target, item string, sel schemas.Selector) checkResult {
	res := r.Resolve(ctx, sel)
	out := checkResult{Target: target, Item: item}
	if res.Found() && res.Strategy != nil {
		out.Matched = strategyString(*res.Strategy)
	}
	for _, st := range res.Failed {
		out.Failed = append(out.Failed, strategyString(st))
	}
	return out
}

// checkManifest resolves every target selector and every explicit path step.
func checkManifest(ctx context.Context, r *selector.Resolver, m *schemas.Manifest) []checkResult {
	var results []checkResult
	for i := range m.Targets {
		t := &m.Targets[i]
		results = append(results, resolveOne(ctx, r, t.ID, "target", t.Selector))
		for j, step := range t.Path {
			results = append(results, resolveOne(ctx, r, t.ID, fmt.Sprintf("step %d", j+1), step.Selector))
		}
	}
	return results
}

func newCheckCmd() *cobra.Command {
	var htmlPath, pageURL string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolves every manifest selector against a saved HTML snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			m, _, err := loadManifest(cfg.Manifest().Path, logger)
			if err != nil {
				return err
			}

			markup, err := os.ReadFile(htmlPath)
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}
			opts := []memdom.Option{memdom.WithLogger(logger)}
			if pageURL != "" {
				opts = append(opts, memdom.WithURL(pageURL))
			}
			page, err := memdom.Parse(string(markup), opts...)
			if err != nil {
				return err
			}
			r := selector.New(page, logger, selector.WithTestIDAttribute(cfg.Guide().TestIDAttribute))

			results := checkManifest(cmd.Context(), r, m)
			table := newTable(cmd.OutOrStdout(), "Target", "Item", "Status", "Matched", "Failed")
			failed := 0
			for _, res := range results {
				status := "ok"
				if !res.OK() {
					status = "MISSING"
					failed++
				}
				table.Append([]string{res.Target, res.Item, status, res.Matched, strings.Join(res.Failed, ", ")})
			}
			table.Render()

			if failed > 0 {
				logger.Warn("Snapshot check found unresolved selectors.", zap.Int("unresolved", failed), zap.Int("checked", len(results)))
				return fmt.Errorf("%w: %d of %d", errUnresolved, failed, len(results))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nAll %d selectors resolved.\n", len(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&htmlPath, "html", "", "saved HTML snapshot to check against")
	cmd.Flags().StringVar(&pageURL, "url", "", "URL the snapshot was taken from")
	_ = cmd.MarkFlagRequired("html")
	return cmd
}
