package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cityranker/citystats/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the effective indicator catalog",
	Long:  "Prints the indicator catalog in use: the embedded default, or the file named by catalog.path.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}

		asYAML, _ := cmd.Flags().GetBool("yaml")
		if asYAML {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cat); err != nil {
				return eris.Wrap(err, "encode catalog")
			}
			return enc.Close()
		}

		src, _ := cmd.Flags().GetString("source")
		formatCatalog(os.Stdout, cat, catalog.Source(src))
		return nil
	},
}

func init() {
	catalogCmd.Flags().Bool("yaml", false, "print the full catalog as YAML")
	catalogCmd.Flags().String("source", "", "only list indicators of this source")
	rootCmd.AddCommand(catalogCmd)
}

// formatCatalog writes one line per indicator to w, optionally limited to
// one source.
func formatCatalog(out io.Writer, cat *catalog.Catalog, src catalog.Source) {
	inds, _ := cat.Select(nil)
	if src != "" {
		inds = catalog.BySource(inds, src)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSOURCE\tCODE\tRANGE\tLLM\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "---\t------\t----\t-----\t---\t-----------")
	for _, ind := range inds {
		rng := ""
		if lo, hi, ok := ind.Bounds(); ok {
			rng = fmt.Sprintf("%g..%g", lo, hi)
		}
		llm := ""
		if ind.Estimable() {
			llm = "yes"
		}
		desc := ind.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ind.Key, ind.Source, strings.TrimSpace(ind.Code), rng, llm, desc)
	}
	_ = w.Flush()
}
