package commands

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/qualiopigate/internal/cli"
	"github.com/TimurManjosov/qualiopigate/internal/client"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
)

var (
	listSearch string

	setPageID   int64
	setTestURL  string
	setFormID   int64
	setInactive bool
	setNotes    string

	deleteForce bool

	exportOutput string

	importMode   string
	importDryRun bool
)

var mappingsCmd = &cobra.Command{
	Use:     "mappings",
	Aliases: []string{"mapping", "m"},
	Short:   "Manage product to test mappings",
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mappings",
	Long: `List every mapping, or those matching --search.

Examples:
  qualiopi mappings list
  qualiopi mappings list --search positionnement --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		entries, err := c.ListMappings(ctx, listSearch)
		if err != nil {
			return fmt.Errorf("failed to list mappings: %w", err)
		}
		if quiet {
			return nil
		}
		if len(entries) == 0 && f == cli.FormatTable {
			fmt.Fprintln(cmd.OutOrStdout(), "No mappings found")
			return nil
		}
		return cli.PrintMappings(cmd.OutOrStdout(), entries, f)
	},
}

var mappingsGetCmd = &cobra.Command{
	Use:   "get <product-id>",
	Short: "Show the mapping of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		e, err := c.GetMapping(ctx, pid)
		if err != nil {
			return fmt.Errorf("failed to get mapping: %w", err)
		}
		return cli.PrintMapping(cmd.OutOrStdout(), e, f)
	},
}

var mappingsSetCmd = &cobra.Command{
	Use:   "set <product-id>",
	Short: "Create or replace the mapping of a product",
	Long: `Create or replace the mapping of a product.

Examples:
  qualiopi mappings set 123 --page 45 --url /test-positionnement-123
  qualiopi mappings set 123 --page 45 --url /test-123 --form 7 --notes "B1 level"
  qualiopi mappings set 123 --page 45 --inactive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}

		active := !setInactive
		in := client.MappingInput{PageID: setPageID, TestURL: setTestURL, Active: &active, Notes: setNotes}
		if setFormID > 0 {
			in.FormID = &setFormID
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		e, err := c.SetMapping(ctx, pid, in)
		if err != nil {
			return fmt.Errorf("failed to set mapping: %w", err)
		}
		if quiet {
			return nil
		}
		return cli.PrintMapping(cmd.OutOrStdout(), e, f)
	},
}

var mappingsDeleteCmd = &cobra.Command{
	Use:   "delete <product-id>",
	Short: "Delete the mapping of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}

		if !deleteForce && !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Delete the mapping of product %d? Buyers will no longer be gated for it. (y/N): ", pid)
			response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "Deletion cancelled")
				return nil
			}
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := c.DeleteMapping(ctx, pid); err != nil {
			return fmt.Errorf("failed to delete mapping: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted mapping of product %d\n", pid)
		}
		return nil
	},
}

var mappingsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mapping health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		stats, err := c.MappingStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		return cli.PrintStats(cmd.OutOrStdout(), stats, f)
	},
}

var mappingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export mappings as CSV",
	Long: `Export mappings as a semicolon-separated CSV document.

Examples:
  qualiopi mappings export > mappings.csv
  qualiopi mappings export --output mappings.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		data, err := c.ExportMappings(ctx)
		if err != nil {
			return fmt.Errorf("failed to export mappings: %w", err)
		}
		if exportOutput == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Exported mappings to %s\n", exportOutput)
		}
		return nil
	},
}

var mappingsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import mappings from CSV",
	Long: `Import mappings from a CSV document. The file is checked locally first;
nothing is sent when any line is invalid.

Examples:
  qualiopi mappings import mappings.csv
  qualiopi mappings import mappings.csv --mode merge
  qualiopi mappings import mappings.csv --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		parsed, err := mapping.ReadCSV(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to parse file: %w", err)
		}
		if len(parsed.Errors) > 0 {
			for _, msg := range parsed.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), "  "+msg)
			}
			return fmt.Errorf("%d invalid line(s) in %s", len(parsed.Errors), args[0])
		}

		if importDryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d mapping(s) would be imported (mode %s)\n", len(parsed.Entries), importMode)
			if quiet {
				return nil
			}
			return cli.PrintMappings(cmd.OutOrStdout(), parsed.Entries, cli.FormatTable)
		}

		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		res, err := c.ImportMappings(ctx, bytes.NewReader(data), importMode)
		if err != nil {
			return fmt.Errorf("failed to import mappings: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d mapping(s) (mode %s, etag %s)\n", res.Imported, res.Mode, res.ETag)
		}
		return nil
	},
}

func parseProductID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid product id %q", s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(mappingsCmd)
	mappingsCmd.AddCommand(mappingsListCmd, mappingsGetCmd, mappingsSetCmd, mappingsDeleteCmd,
		mappingsStatsCmd, mappingsExportCmd, mappingsImportCmd)

	mappingsListCmd.Flags().StringVar(&listSearch, "search", "", "Only show mappings matching this text")

	mappingsSetCmd.Flags().Int64Var(&setPageID, "page", 0, "Test page ID (required)")
	mappingsSetCmd.Flags().StringVar(&setTestURL, "url", "", "Test page URL")
	mappingsSetCmd.Flags().Int64Var(&setFormID, "form", 0, "Form ID")
	mappingsSetCmd.Flags().BoolVar(&setInactive, "inactive", false, "Store the mapping disabled")
	mappingsSetCmd.Flags().StringVar(&setNotes, "notes", "", "Free-form notes")
	_ = mappingsSetCmd.MarkFlagRequired("page")

	mappingsDeleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip confirmation prompt")

	mappingsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	mappingsImportCmd.Flags().StringVar(&importMode, "mode", "replace", "replace the whole document or merge into it")
	mappingsImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate the file without importing")
}
