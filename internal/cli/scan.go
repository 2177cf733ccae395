package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gzhole/skillshield/internal/analyzer"
	"github.com/gzhole/skillshield/internal/config"
	"github.com/gzhole/skillshield/internal/guardian"
	"github.com/gzhole/skillshield/internal/logger"
	"github.com/gzhole/skillshield/internal/report"
	"github.com/gzhole/skillshield/internal/rules"
	"github.com/gzhole/skillshield/internal/skill"
)

var (
	scanFormat   = report.FormatText
	scanExitMode = report.ExitGate
	scanVerbose  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Scan a skill package and print its verdict",
	Long: `Scan the skill package rooted at <path>.

The package must contain a SKILL.md manifest (or a README as fallback).
Without an LLM provider, or with --static-only, the semantic stage is
skipped and the verdict rests on the static stages.

Exit status (--exit-mode gate, the default): 0 for SAFE or LOW, 1 for MEDIUM
and above. With --exit-mode tier: SAFE 0, LOW 10, MEDIUM 11, HIGH 12,
CRITICAL 13. Errors that stop the scan exit 2.

Examples:
  skillshield scan ./my-skill
  skillshield scan ./my-skill --static-only --format sarif > result.sarif
  skillshield scan ./my-skill --provider anthropic --exit-mode tier`,
	Args: cobra.ExactArgs(1),
	RunE: scanCommand,
}

func init() {
	f := scanCmd.Flags()
	f.Var(&scanFormat, "format", "Output format: text, json or sarif")
	f.Var(&scanExitMode, "exit-mode", "Exit status mapping: gate or tier")
	f.Bool("static-only", false, "Skip the LLM stage")
	f.String("provider", "", "LLM provider: openai, anthropic or gemini (default: detect from API keys)")
	f.String("model", "", "LLM model (default: per provider)")
	f.String("base-url", "", "OpenAI-compatible endpoint")
	f.Duration("timeout", 2*time.Minute, "Wall-clock budget for the scan")
	f.Int("workers", 4, "Parallel file workers per stage")
	f.String("sensitivity", "medium", "Sensitivity: low, medium, high or paranoid")
	f.String("audit-log", "", "Audit log path (default: ~/.skillshield/audit.jsonl)")
	f.BoolVarP(&scanVerbose, "verbose", "v", false, "Include suppressions, claims and filtered clusters in text output")
	rootCmd.AddCommand(scanCmd)
}

func scanCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := filepath.Abs(args[0])
	if err != nil {
		return errors.Wrapf(err, "resolve %s", args[0])
	}

	pkg, err := loadPackage(ctx, cfg, root)
	if err != nil {
		writeAudit(ctx, cfg, logger.AuditEvent{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Path:      root,
			Error:     err.Error(),
		})
		return err
	}

	set := loadRules(ctx, cfg)
	client := newClient(ctx, cfg)
	reg := analyzer.NewFromConfig(cfg, set, client)
	rep := reg.Run(ctx, pkg)

	writeAudit(ctx, cfg, auditEvent(root, rep))

	out := cmd.OutOrStdout()
	if err := report.Write(out, rep, scanFormat, report.Options{
		Color:       scanFormat == report.FormatText && report.ColorFor(out),
		Verbose:     scanVerbose,
		ToolVersion: Version,
	}); err != nil {
		return err
	}

	if code := report.ExitCode(rep.Verdict, scanExitMode); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func loadPackage(ctx context.Context, cfg *config.Config, root string) (*skill.Package, error) {
	return skill.Load(ctx, root, skill.Options{
		MaxFileBytes: cfg.Pipeline.MaxFileBytes,
		Ignore:       cfg.Pipeline.Ignore,
		FixtureGlobs: cfg.Pipeline.FixtureGlobs,
	})
}

// loadRules loads built-in and user packs. Broken packs are logged and
// skipped; the rest of the set is used.
func loadRules(ctx context.Context, cfg *config.Config) *rules.Set {
	set, err := rules.Load(rules.Options{Dir: cfg.Rules.PacksDir, DisableBuiltin: cfg.Rules.DisableBuiltin})
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				logger.G(ctx).WithError(e).Warn("rule pack skipped")
			}
		} else {
			logger.G(ctx).WithError(err).Warn("rule packs partially loaded")
		}
	}
	return set
}

// newClient returns nil when the scan is static or no provider is usable,
// which makes the semantic stage report SKIPPED.
func newClient(ctx context.Context, cfg *config.Config) *guardian.Client {
	if cfg.Pipeline.StaticOnly {
		return nil
	}
	s := cfg.Semantic
	p, err := guardian.Detect(ctx, guardian.Settings{Provider: s.Provider, Model: s.Model, BaseURL: s.BaseURL}, nil)
	if err != nil {
		entry := logger.G(ctx).WithError(err)
		if errors.Is(err, guardian.ErrNoProvider) {
			entry.Info("semantic stage disabled")
		} else {
			entry.Warn("semantic stage disabled")
		}
		return nil
	}
	return guardian.NewClient(p, s.CallTimeout, guardian.RetryConfig{
		Attempts:     s.Retry.Attempts,
		InitialDelay: s.Retry.InitialDelay,
		MaxDelay:     s.Retry.MaxDelay,
	})
}

func writeAudit(ctx context.Context, cfg *config.Config, event logger.AuditEvent) {
	path := cfg.AuditLogPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		logger.G(ctx).WithError(err).Warn("audit log unavailable")
		return
	}
	audit, err := logger.New(path)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("audit log unavailable")
		return
	}
	defer audit.Close()

	if err := audit.Log(event); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to write audit event")
	}
}

func auditEvent(root string, rep *analyzer.Report) logger.AuditEvent {
	stages := make(map[string]string, len(rep.Stages))
	for _, s := range rep.Stages {
		stages[string(s.Stage)] = string(s.Status)
	}
	var headline, gaps []string
	for _, f := range rep.Verdict.Findings {
		headline = append(headline, f.RuleID)
	}
	for _, g := range rep.Verdict.Gaps {
		gaps = append(gaps, g.Capability)
	}
	return logger.AuditEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ScanID:     rep.ScanID,
		Package:    rep.Package.Name,
		Path:       root,
		Mode:       rep.Mode,
		Tier:       rep.Verdict.Severity.String(),
		Score:      rep.Verdict.Score,
		Incomplete: rep.Verdict.Incomplete,
		Stages:     stages,
		Headline:   headline,
		Gaps:       gaps,
	}
}
