package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/manifest"
	"github.com/xela07ax/skillgate/internal/risk"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Validate a skill manifest and show its effective risk tier",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

type validateResult struct {
	Skill            string          `json:"skill"`
	Declared         domain.RiskTier `json:"declared_tier"`
	Tier             domain.RiskTier `json:"tier"`
	Score            int             `json:"risk_score"`
	RequiresApproval bool            `json:"requires_approval"`
	Capabilities     []string        `json:"capabilities"`
	Digest           string          `json:"digest"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return fmt.Errorf("manifest %s: %w", args[0], err)
	}

	// тир считаем для полного набора: регистрация проверяет его же
	analyzer := risk.NewAnalyzer(logger())
	tier := analyzer.Tier(m, m.Capabilities)
	res := validateResult{
		Skill:            m.Key(),
		Declared:         m.RiskTier,
		Tier:             tier,
		Score:            analyzer.Score(m, m.Capabilities),
		RequiresApproval: tier.RequiresApproval(),
		Capabilities:     m.Capabilities.Strings(),
		Digest:           m.Digest,
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "skill:     %s\n", res.Skill)
	fmt.Fprintf(out, "tier:      %s (declared %s)\n", res.Tier, res.Declared)
	fmt.Fprintf(out, "score:     %d\n", res.Score)
	fmt.Fprintf(out, "approval:  %t\n", res.RequiresApproval)
	fmt.Fprintf(out, "caps:      %s\n", strings.Join(res.Capabilities, ", "))
	fmt.Fprintf(out, "digest:    %s\n", res.Digest)
	return nil
}
