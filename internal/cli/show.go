package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"yield-guard/internal/app"
)

var (
	showLimit     int
	auditLimit    int
	auditProposal string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rate samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Display recent proposal audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Audit(cmd.Context(), app.AuditOptions{
			ProposalID: auditProposal,
			Limit:      auditLimit,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")

	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Number of events to display")
	auditCmd.Flags().StringVar(&auditProposal, "proposal", "", "Only show events for this proposal id")
}
