package cli

import (
	"time"

	"github.com/spf13/cobra"

	"yield-guard/internal/app"
)

var (
	keyValidFor   time.Duration
	keySpendLimit string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage session keys used by the automatic lane",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and persist a new session key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().GenerateKey(cmd.Context(), app.KeyOptions{
			ValidFor:   keyValidFor,
			SpendLimit: keySpendLimit,
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held session keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListKeys(cmd.Context())
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <owner>",
	Short: "Revoke a session key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RevokeKey(cmd.Context(), args[0])
	},
}

func init() {
	keysGenerateCmd.Flags().DurationVar(&keyValidFor, "valid-for", 0, "Key lifetime (defaults to custody.key_validity)")
	keysGenerateCmd.Flags().StringVar(&keySpendLimit, "spend-limit", "", "Per-instruction spend limit in base units (defaults to custody.spend_limit)")

	keysCmd.AddCommand(keysGenerateCmd, keysListCmd, keysRevokeCmd)
}
