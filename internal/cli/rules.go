package cli

import (
	"time"

	"github.com/spf13/cobra"

	"price-alert-engine/internal/app"
)

var (
	ruleID        string
	ruleOwner     string
	ruleSymbol    string
	ruleOperator  string
	ruleThreshold string
	ruleCooldown  time.Duration
	ruleChannels  []string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or update a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := app.RuleInput{
			ID:        ruleID,
			OwnerID:   ruleOwner,
			Symbol:    ruleSymbol,
			Operator:  ruleOperator,
			Threshold: ruleThreshold,
			Channels:  ruleChannels,
		}
		if cmd.Flags().Changed("cooldown") {
			in.Cooldown = &ruleCooldown
		}

		_, err := getApp().AddRule(cmd.Context(), in)
		return err
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListRules(cmd.Context())
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Deactivate a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetRuleActive(cmd.Context(), args[0], false)
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Reactivate a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetRuleActive(cmd.Context(), args[0], true)
	},
}

func init() {
	flags := rulesAddCmd.Flags()
	flags.StringVar(&ruleID, "id", "", "Rule ID (generated when empty)")
	flags.StringVar(&ruleOwner, "owner", "", "Owner ID")
	flags.StringVar(&ruleSymbol, "symbol", "", "Instrument symbol, e.g. AAPL or BTC")
	flags.StringVar(&ruleOperator, "operator", "", "Crossing direction: above or below")
	flags.StringVar(&ruleThreshold, "threshold", "", "Threshold price")
	flags.DurationVar(&ruleCooldown, "cooldown", 0, "Cooldown after a fire (defaults to config)")
	flags.StringArrayVar(&ruleChannels, "channel", nil, "Notification channel as kind:address (repeatable)")

	rulesCmd.AddCommand(rulesAddCmd, rulesListCmd, rulesDisableCmd, rulesEnableCmd)
}
