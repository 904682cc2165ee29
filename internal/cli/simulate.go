package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"price-alert-engine/internal/app"
)

var (
	simulateRule  string
	simulateValue string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次规则触发并通过真实渠道发送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRule == "" {
			return errors.New("--rule 不能为空")
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			RuleID: simulateRule,
			Value:  simulateValue,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRule, "rule", "", "规则 ID")
	simulateCmd.Flags().StringVar(&simulateValue, "value", "", "触发价格，默认取规则阈值")
}
