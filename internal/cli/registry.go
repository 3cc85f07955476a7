package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/insights/pkg/config"
	"github.com/malbeclabs/insights/pkg/registry"
)

type RegistryCmd struct {
	cfg *config.Config
}

func NewRegistryCmd(cfg *config.Config) *RegistryCmd {
	return &RegistryCmd{cfg: cfg}
}

func (c *RegistryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the metric and dimension registry",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate [path]",
			Short: "Validate a registry file (defaults to --registry or the built-in catalog)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := c.cfg.RegistryPath
				if len(args) == 1 {
					path = args[0]
				}
				cat, err := registry.Load(path)
				if err != nil {
					return err
				}
				name := path
				if name == "" {
					name = "built-in registry"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d metrics, %d dimensions, %d tables)\n",
					name, len(cat.Metrics), len(cat.Dimensions), len(cat.Tables))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the metrics, dimensions and tables of the registry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cat, err := registry.Load(c.cfg.RegistryPath)
				if err != nil {
					return err
				}
				printCatalog(cmd.OutOrStdout(), cat)
				return nil
			},
		},
	)
	return cmd
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader(header)
	return table
}

func printCatalog(w io.Writer, cat *registry.Catalog) {
	metrics := newTable(w, []string{"Metric", "Aggregation", "Table", "Column", "Synonyms"})
	for _, name := range cat.SortedMetrics() {
		m := cat.Metrics[name]
		metrics.Append([]string{name, string(m.Aggregation), m.Table, m.Column, strings.Join(m.Synonyms, ", ")})
	}
	metrics.Render()

	dims := newTable(w, []string{"Dimension", "Table", "Column", "Values"})
	for _, name := range cat.SortedDimensions() {
		d := cat.Dimensions[name]
		dims.Append([]string{name, d.Table, d.Column, strings.Join(d.Values, ", ")})
	}
	dims.Render()

	names := make([]string, 0, len(cat.Tables))
	for name := range cat.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	tables := newTable(w, []string{"Table", "Kind", "Time Column", "Grain", "Rows (est.)"})
	for _, name := range names {
		t := cat.Tables[name]
		tables.Append([]string{name, string(t.Kind), t.TimeColumn, string(t.Grain), fmt.Sprintf("%d", t.RowEstimate)})
	}
	tables.Render()
}
