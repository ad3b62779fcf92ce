package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/graphext/clippi-sub000/internal/observability"
)

func newTargetsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Lists the targets of a manifest along with its warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			m, warnings, err := loadManifest(cfg.Manifest().Path, observability.GetLogger())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(m.Targets)
			}

			table := newTable(out, "ID", "Label", "Steps", "Conditions")
			for i := range m.Targets {
				t := &m.Targets[i]
				conds := t.Conditions
				if conds == "" {
					conds = "-"
				}
				table.Append([]string{t.ID, t.Label, strconv.Itoa(len(t.Steps())), conds})
			}
			table.Render()
			if len(warnings) > 0 {
				fmt.Fprintf(out, "\n%d warning(s):\n", len(warnings))
				for _, w := range warnings {
					fmt.Fprintf(out, "  %s\n", strings.TrimSpace(w.String()))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print targets as JSON")
	return cmd
}

// newTable returns a borderless table in the style of the other listings.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}
