package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the account registry and sample every account once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context())
	},
}
