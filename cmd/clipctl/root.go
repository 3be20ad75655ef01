package main

import (
	"github.com/spf13/cobra"

	"clipforge/internal/config"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "clipctl",
		Short:         "Submit and watch clip render jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.apiURL, "api", config.Env("CLIPFORGE_API", "http://localhost:8080"), "clipforge API base URL")
	flags.StringVar(&ctx.owner, "owner", config.Env("CLIPFORGE_OWNER", ""), "Caller identity sent as "+ownerHeader)
	flags.BoolVar(&ctx.jsonOut, "json", false, "Print JSON instead of tables")
	flags.DurationVar(&ctx.timeout, "timeout", config.DurationEnv("CLIPFORGE_TIMEOUT", 0), "Per-request timeout (0 uses 30s)")

	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newGetCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newPushCommand(ctx))
	rootCmd.AddCommand(newGDriveAuthCommand())

	return rootCmd
}
