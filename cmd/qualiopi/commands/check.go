package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/qualiopigate/internal/cli"
	"github.com/TimurManjosov/qualiopigate/internal/guard"
)

var (
	checkSession  string
	checkUser     int64
	checkProducts []int64
	checkToken    string
	checkStage    string
	checkReturn   string

	simSession string
	simUser    int64

	resetSession string
	resetUser    int64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Explain the checkout decision for a cart",
	Long: `Ask the gate what it would decide for a cart, without enforcing it.

Examples:
  qualiopi check --session abc --product 123
  qualiopi check --session abc --user 42 --product 123 --product 456 --stage cart`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, f, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		res, err := c.Decide(ctx, guard.CheckRequest{
			SessionID:  checkSession,
			UserID:     checkUser,
			ProductIDs: checkProducts,
			Token:      checkToken,
			Stage:      guard.Stage(checkStage),
			ReturnURL:  checkReturn,
		})
		if err != nil {
			return fmt.Errorf("failed to check cart: %w", err)
		}
		return cli.PrintCheck(cmd.OutOrStdout(), res, f)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <product-id>",
	Short: "Record a passed test, as the test page would",
	Long: `Record a passed test for a session (and user), then print the proof token.
Useful to try the checkout flow without taking the test.

Example:
  qualiopi simulate 123 --session abc --user 42`,
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
		ctx, cancel := requestContext(cmd)
		defer cancel()

		res, err := c.Complete(ctx, guard.CompleteRequest{SessionID: simSession, UserID: simUser, ProductID: pid})
		if err != nil {
			return fmt.Errorf("failed to record completion: %w", err)
		}
		if f != cli.FormatTable {
			return cli.PrintValue(cmd.OutOrStdout(), res, f)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token:      %s\nexpires at: %s\n", res.Token, res.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "List the tests solved in a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		st, err := c.GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(st.Products) == 0 {
			fmt.Fprintln(out, "No solved tests in this session")
			return nil
		}
		for _, d := range st.Products {
			fmt.Fprintf(out, "product %d: solved %s, expires in %s\n",
				d.ProductID, d.SolvedAt.Format(time.RFC3339), d.RemainingTTL.Round(time.Second))
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <product-id>",
	Short: "Forget a passed test so it must be taken again",
	Long: `Clear the session mark and/or the durable validation of a product.

Examples:
  qualiopi reset 123 --session abc
  qualiopi reset 123 --user 42
  qualiopi reset 123 --session abc --user 42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		if resetSession == "" && resetUser <= 0 {
			return fmt.Errorf("--session or --user is required")
		}
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := c.ResetValidation(ctx, resetSession, resetUser, pid); err != nil {
			return fmt.Errorf("failed to reset validation: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Reset validation of product %d\n", pid)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd, simulateCmd, sessionCmd, resetCmd)

	checkCmd.Flags().StringVar(&checkSession, "session", "", "Visitor session ID")
	checkCmd.Flags().Int64Var(&checkUser, "user", 0, "Signed-in user ID (0 for a guest)")
	checkCmd.Flags().Int64SliceVar(&checkProducts, "product", nil, "Product in the cart (repeatable)")
	checkCmd.Flags().StringVar(&checkToken, "token", "", "Proof token from the test page")
	checkCmd.Flags().StringVar(&checkStage, "stage", "checkout", "checkout or cart")
	checkCmd.Flags().StringVar(&checkReturn, "return", "", "URL to come back to after the test")

	simulateCmd.Flags().StringVar(&simSession, "session", "", "Visitor session ID (required)")
	simulateCmd.Flags().Int64Var(&simUser, "user", 0, "Signed-in user ID")
	_ = simulateCmd.MarkFlagRequired("session")

	resetCmd.Flags().StringVar(&resetSession, "session", "", "Visitor session ID")
	resetCmd.Flags().Int64Var(&resetUser, "user", 0, "User ID")
}
