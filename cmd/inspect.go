package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/extract"
	"github.com/xkilldash9x/casefill/internal/observability"
)

// newInspectCmd runs the extractor over a saved page so snapshot problems can be debugged
// without a browser or a mapping service.
func newInspectCmd() *cobra.Command {
	var (
		pageURL    string
		markupOnly bool
		locators   bool
	)
	inspectCmd := &cobra.Command{
		Use:   "inspect <file.html>",
		Short: "Print the DOM snapshot casefill would send for a saved page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open page: %w", err)
			}
			defer f.Close()

			if pageURL == "" {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				pageURL = "file://" + filepath.ToSlash(abs)
			}
			page, err := dom.NewHTMLPage(f, pageURL)
			if err != nil {
				return fmt.Errorf("failed to parse page: %w", err)
			}

			ex, err := extract.New(observability.GetLogger(), cfg.Snapshot())
			if err != nil {
				return err
			}
			snap, err := ex.Extract(cmd.Context(), page)
			if err != nil {
				return fmt.Errorf("failed to extract snapshot: %w", err)
			}

			if markupOnly {
				cmd.Println(snap.Markup)
				return nil
			}
			if locators {
				return printLocators(cmd, page, snap.Fields)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	inspectCmd.Flags().StringVar(&pageURL, "url", "", "URL to report for the page (default is the file URL)")
	inspectCmd.Flags().BoolVar(&markupOnly, "markup", false, "print only the compact markup")
	inspectCmd.Flags().BoolVar(&locators, "locators", false, "print each field's CSS locator and equivalent XPath")
	return inspectCmd
}

// printLocators writes one tab-separated line per field: index, CSS locator, XPath, label.
func printLocators(cmd *cobra.Command, page *dom.HTMLPage, fields []schemas.FieldDescriptor) error {
	out := cmd.OutOrStdout()
	for _, f := range fields {
		xpath := "-"
		matches, err := page.Query(cmd.Context(), f.Locator)
		if err != nil {
			return fmt.Errorf("locator %q: %w", f.Locator, err)
		}
		if len(matches) == 1 {
			if n, err := page.Node(matches[0].Ref); err == nil {
				xpath = dom.XPathOf(n)
			}
		}
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", f.Index, f.Locator, xpath, f.Label)
	}
	return nil
}
