package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/policy"
)

var rulesCheck string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the built-in policy rules, or compile-check a rules file",
	Args:  cobra.NoArgs,
	RunE:  runRules,
}

func init() {
	rulesCmd.Flags().StringVar(&rulesCheck, "check", "", "rules file to compile instead of printing defaults")
}

func runRules(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if rulesCheck == "" {
		return policy.WriteRules(out, policy.DefaultRules())
	}

	rules, err := policy.LoadRulesFile(rulesCheck)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine()
	if err != nil {
		return err
	}
	set, err := engine.Compile(rules)
	if err != nil {
		return err
	}
	counts := make(map[domain.RuleAction]int)
	for _, r := range set.Rules() {
		counts[r.Action]++
	}
	fmt.Fprintf(out, "%s: %d rules compiled\n", rulesCheck, set.Len())
	for _, a := range []domain.RuleAction{domain.ActionBlock, domain.ActionRequireApproval, domain.ActionWarn, domain.ActionNotify, domain.ActionLog} {
		if counts[a] > 0 {
			fmt.Fprintf(out, "  %-17s %d\n", a, counts[a])
		}
	}
	return nil
}
