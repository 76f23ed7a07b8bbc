package root

import (
	"github.com/spf13/cobra"

	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
)

var logLevel string

// rootCmd is the base command for the FarmOps admin CLI. Subcommands are attached in wire.go.
var rootCmd = &cobra.Command{
	Use:           "farmops",
	Short:         "FarmOps admin CLI",
	Long:          "Operator utilities for FarmOps: schema migration, bootstrap status, plan catalog seeding and dev tokens.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := platformlogging.NewLogger(platformlogging.Config{
			Component: "farmops-cli",
			Level:     logLevel,
			Format:    "console",
			Output:    cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		cmd.SetContext(platformlogging.WithLogger(cmd.Context(), logger))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Diagnostic log level written to stderr")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
