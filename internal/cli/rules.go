package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gzhole/skillshield/internal/rules"
)

var rulesVerbose bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List loaded rule packs",
	Long: `List the rule packs the pattern and injection stages use.

Built-in packs are embedded in the binary. User packs are YAML files in
~/.skillshield/packs/ (or --rules-dir); a file whose name starts with an
underscore is disabled. A user rule with the id of a built-in rule
replaces it.

Examples:
  skillshield rules              # List packs
  skillshield rules -v           # List every rule`,
	Args: cobra.NoArgs,
	RunE: rulesCommand,
}

func init() {
	rulesCmd.Flags().BoolVarP(&rulesVerbose, "verbose", "v", false, "List every rule")
	rootCmd.AddCommand(rulesCmd)
}

func rulesCommand(cmd *cobra.Command, _ []string) error {
	set := loadRules(cmd.Context(), cfg)
	out := cmd.OutOrStdout()

	if len(set.Packs) == 0 {
		fmt.Fprintln(out, "No rule packs loaded.")
		return nil
	}

	fmt.Fprintln(out, "Rule Packs:")
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, info := range set.Packs {
		status := "\xe2\x9c\x85" // check mark
		if !info.Enabled {
			status = "\xe2\x9d\x8c" // cross mark
		}
		origin := "user"
		if info.Builtin {
			origin = "built-in"
		}
		fmt.Fprintf(out, "  %s  %-18s %-9s %s\n", status, info.Name, origin, info.Description)
		if info.Version != "" {
			fmt.Fprintf(out, "       v%s  (%d rules)\n", info.Version, info.RuleCount)
		}
	}
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "%d rules in %d categories\n", len(set.Rules()), len(set.Categories()))
	if cfg.Rules.PacksDir != "" {
		fmt.Fprintf(out, "\nUser packs directory: %s\n", cfg.Rules.PacksDir)
	}

	if rulesVerbose {
		fmt.Fprintln(out)
		for _, r := range set.Rules() {
			fmt.Fprintf(out, "  %-32s %-8s %-7s %-6s %s\n", r.ID, r.Severity, r.Specificity, targetOf(r), r.Category)
		}
	}
	return nil
}

func targetOf(r *rules.Rule) string {
	if r.Target == "" {
		return string(rules.TargetCode)
	}
	return string(r.Target)
}
