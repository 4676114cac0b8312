// Package cli provides the command-line interface for gotidarr.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd builds the command tree. Running the root command without a
// subcommand starts the server.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "gotidarr",
		Short: "Download queue orchestrator for a music download tool",
		Long: `gotidarr accepts download requests over HTTP, runs them one at a time through
an external download tool, files the results into a media library and
streams progress to clients over server-sent events.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default $GOTIDARR_CONFIG or ./config.yaml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, the dispatcher and the sync scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	}
}
