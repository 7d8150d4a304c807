package main

import (
	"os"

	"github.com/spf13/cobra"
)

const appName = "family-assistant"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Family assistant chat backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional config file (yaml, json or toml); environment variables override it")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "lambda",
		Short: "Run behind a Lambda Function URL with response streaming",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda(cmd.Context(), configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "create-tables",
		Short: "Create any missing DynamoDB tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateTables(cmd.Context(), configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed-invite [code]",
		Short: "Store an admin invite code (defaults to ADMIN_INVITE_CODE)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := ""
			if len(args) == 1 {
				code = args[0]
			}
			return runSeedInvite(cmd.Context(), configPath, code)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
