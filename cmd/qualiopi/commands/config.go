package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/qualiopigate/internal/auth"
	"github.com/TimurManjosov/qualiopigate/internal/cli"
	"github.com/TimurManjosov/qualiopigate/internal/token"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create ~/.qualiopi/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cli.InitConfig(configForce)
		if err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), "Edit it to set the base URL and admin key of each gate.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the configured profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Default profile: %s\n\n", cfg.DefaultProfile)
		for _, name := range cfg.ProfileNames() {
			p := cfg.Profiles[name]
			masked := "***"
			if len(p.APIKey) > 4 {
				masked = p.APIKey[:4] + "***"
			}
			fmt.Fprintf(out, "  %s:\n    base_url: %s\n    api_key: %s\n", name, p.BaseURL, masked)
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate secrets for a gate deployment",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an admin API key and a token secret",
	Long: `Generate a fresh admin API key with its bcrypt hash, and a token signing
secret. Put the hash in ADMIN_API_KEY_HASH and the secret in TOKEN_SECRET;
keep the plain key for the CLI profile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		secret, err := token.GenerateSecret()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "admin key:          %s\n", key)
		fmt.Fprintf(out, "ADMIN_API_KEY_HASH: %s\n", hash)
		fmt.Fprintf(out, "TOKEN_SECRET:       %s\n", secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd, keysCmd)
	configCmd.AddCommand(configInitCmd, configListCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}
