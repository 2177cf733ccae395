package cli

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gzhole/skillshield/internal/analyzer"
	"github.com/gzhole/skillshield/internal/guardian"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the scan report",
	Args:  cobra.NoArgs,
	// No configuration needed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		schema := guardian.GenerateSchema[analyzer.Report]()
		schema.Title = "SkillShield scan report"
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return errors.Wrap(err, "marshal schema")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
