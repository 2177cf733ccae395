// Package cli implements the skillshield command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gzhole/skillshield/internal/config"
	"github.com/gzhole/skillshield/internal/logger"
	"github.com/gzhole/skillshield/internal/report"
	"github.com/gzhole/skillshield/internal/telemetry"
)

var (
	configPath string
	cfg        *config.Config
	shutdown   func(context.Context) error
)

// flagKeys maps command-line flags onto configuration keys. Flags that are
// set win over the environment and the config file.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"log-format":  "log.format",
	"profile":     "profile",
	"static-only": "pipeline.static_only",
	"timeout":     "pipeline.budget",
	"workers":     "pipeline.workers",
	"provider":    "semantic.provider",
	"model":       "semantic.model",
	"base-url":    "semantic.base_url",
	"sensitivity": "policy.sensitivity",
	"audit-log":   "audit_log",
	"rules-dir":   "rules.packs_dir",
}

var rootCmd = &cobra.Command{
	Use:   "skillshield",
	Short: "SkillShield - threat analysis for agent skill packages",
	Long: `SkillShield scans an agent skill package (a SKILL.md manifest plus its
scripts and documents) before it is installed. Pattern, structural and
prompt-injection analysis run locally; an optional LLM stage judges flagged
areas in context; an alignment check compares what the package says it does
with what its code does. The result is one verdict from SAFE to CRITICAL.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		if shutdown == nil {
			return nil
		}
		return shutdown(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to config file (default: ~/.skillshield/config.yaml)")
	pf.String("log-level", "warn", "Log level (debug, info, warn, error)")
	pf.String("log-format", "fmt", "Log format (fmt or json)")
	pf.String("profile", "", "Named configuration profile to apply")
	pf.String("rules-dir", "", "Directory of additional rule packs")
}

// setup loads the configuration for the command being run and applies the
// logging and tracing settings.
func setup(cmd *cobra.Command, _ []string) error {
	v := config.New()
	if err := config.ReadFile(v, configPath); err != nil {
		return err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && f.Changed {
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = errors.Wrapf(err, "bind --%s", f.Name)
			}
		}
	})
	if bindErr != nil {
		return bindErr
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	if err := logger.SetLogLevel(cfg.Log.Level); err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.Log.Level)
	}
	logger.SetLogFormat(cfg.Log.Format)

	shutdown, err = telemetry.InitTracer(cmd.Context(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SamplerType:    cfg.Telemetry.SamplerType,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
	})
	return err
}

// ExitError carries a non-zero exit status that is not a failure, such as
// a blocking verdict.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintf(os.Stderr, "skillshield: %v\n", err)
	return report.ExitFatal
}
