package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gzhole/skillshield/internal/rules"
)

// Set at build time with -ldflags "-X".
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print SkillShield version and built-in rule count",
	// No configuration needed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := rules.Builtin()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "SkillShield %s (%s)\n", Version, runtime.Version())
		fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Built:  %s\n", BuildDate)
		fmt.Fprintf(out, "  Rules:  %d built-in in %d packs\n", len(set.Rules()), len(set.Packs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
