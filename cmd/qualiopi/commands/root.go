package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/qualiopigate/internal/cli"
	"github.com/TimurManjosov/qualiopigate/internal/client"
)

var (
	// Global flags
	baseURL string
	apiKey  string
	profile string
	format  string
	timeout time.Duration
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "qualiopi",
	Short: "Administer the checkout positioning-test gate",
	Long: `qualiopi manages a running gate over its HTTP API.

It maintains the product to test mappings, toggles enforcement flags,
explains checkout decisions for a cart and resets validations.

Examples:
  qualiopi config init
  qualiopi mappings list
  qualiopi mappings set 123 --page 45 --url /test-positionnement-123
  qualiopi flags set enforce_checkout=false
  qualiopi check --session abc --product 123 --product 456`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the gate API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Admin API key")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Profile from ~/.qualiopi/config.yaml")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
}

// connect resolves the profile and output format shared by API commands.
func connect(cmd *cobra.Command) (*client.Client, cli.OutputFormat, error) {
	f, err := cli.ParseFormat(format)
	if err != nil {
		return nil, "", err
	}
	p, _, err := cli.ResolveProfile(profile, baseURL, apiKey)
	if err != nil {
		return nil, "", fmt.Errorf("configuration error: %w", err)
	}
	c := client.NewClient(p.BaseURL, p.APIKey)
	c.HTTPClient.Timeout = timeout
	return c, f, nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
