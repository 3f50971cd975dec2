package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/qualiopigate/internal/cli"
	"github.com/TimurManjosov/qualiopigate/internal/flags"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Show or change enforcement flags",
}

var flagsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show every flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		values, err := c.GetFlags(ctx)
		if err != nil {
			return fmt.Errorf("failed to get flags: %w", err)
		}
		return cli.PrintFlags(cmd.OutOrStdout(), values, f)
	},
}

var flagsSetCmd = &cobra.Command{
	Use:   "set <name=bool>...",
	Short: "Change one or more flags",
	Long: `Change one or more flags atomically.

Examples:
  qualiopi flags set enforce_checkout=false
  qualiopi flags set enforce_checkout=true enforce_cart=false`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseAssignments(args)
		if err != nil {
			return err
		}
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		after, err := c.SetFlags(ctx, values)
		if err != nil {
			return fmt.Errorf("failed to set flags: %w", err)
		}
		if quiet {
			return nil
		}
		return cli.PrintFlags(cmd.OutOrStdout(), after, f)
	},
}

// parseAssignments turns name=value arguments into a flag update, rejecting
// unknown names before anything is sent.
func parseAssignments(args []string) (map[string]bool, error) {
	out := make(map[string]bool, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		if !flags.IsKnown(name) {
			return nil, fmt.Errorf("unknown flag %q (known: %s)", name, strings.Join(flags.Known, ", "))
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %q", name, raw)
		}
		out[name] = v
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(flagsCmd)
	flagsCmd.AddCommand(flagsGetCmd, flagsSetCmd)
}
