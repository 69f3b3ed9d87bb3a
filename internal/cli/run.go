package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the yield protection agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "对当前各来源收益率做一次比较（不发起提案）",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Compare(cmd.Context())
	},
}
