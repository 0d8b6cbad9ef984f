package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vault-watcher/internal/app"
)

var (
	showLimit   int
	showAccount string
	showAlerts  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent samples or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Account: showAccount,
			Limit:   showLimit,
			Alerts:  showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showAccount, "account", "", "Restrict to one account (id, name or address)")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show recorded alerts instead of samples")
}
