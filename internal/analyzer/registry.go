package analyzer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gzhole/skillshield/internal/config"
	"github.com/gzhole/skillshield/internal/guardian"
	"github.com/gzhole/skillshield/internal/logger"
	"github.com/gzhole/skillshield/internal/rules"
	"github.com/gzhole/skillshield/internal/skill"
	"github.com/gzhole/skillshield/internal/telemetry"
)

// Options configure a Registry.
type Options struct {
	Workers int
	// Budget bounds the wall-clock time of a scan. When it runs out the
	// semantic stage is abandoned; static stages always finish.
	Budget     time.Duration
	StaticOnly bool
	Policy     Policy
	Scoring    Scoring
	Semantic   SemanticOptions
}

// OptionsFromConfig converts the configuration sections a registry needs.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:    cfg.Pipeline.Workers,
		Budget:     cfg.Pipeline.Budget,
		StaticOnly: cfg.Pipeline.StaticOnly,
		Policy:     PolicyFromConfig(cfg.Policy),
		Scoring:    ScoringFromConfig(cfg.Scoring),
		Semantic: SemanticOptions{
			MaxConcurrency: cfg.Semantic.MaxConcurrency,
			MaxItems:       cfg.Semantic.MaxItems,
			MaxDigestBytes: cfg.Semantic.MaxDigestBytes,
			ContextLines:   cfg.Semantic.ContextLines,
		},
	}
}

// Registry is the ordered pipeline. It threads the AnalysisContext through
// each stage, merging every result before the next stage starts, and hands
// the accumulated context to the Combiner.
type Registry struct {
	analyzers  []Analyzer
	combiner   *Combiner
	budget     time.Duration
	staticOnly bool
	provider   string
}

// NewRegistry creates the six-stage pipeline. client may be nil, in which
// case the semantic stage reports SKIPPED.
func NewRegistry(set *rules.Set, client *guardian.Client, opts Options) *Registry {
	semantic := NewSemanticAnalyzer(client, opts.Policy, opts.Semantic)
	return &Registry{
		analyzers: []Analyzer{
			NewPatternAnalyzer(set, opts.Policy, opts.Workers),
			NewStructuralAnalyzer(opts.Workers),
			NewInjectionAnalyzer(set, opts.Policy, opts.Workers),
			semantic,
			NewAlignmentVerifier(opts.Workers),
		},
		combiner:   NewCombiner(opts.Policy, opts.Scoring),
		budget:     opts.Budget,
		staticOnly: opts.StaticOnly,
		provider:   semantic.Provider(),
	}
}

// NewFromConfig creates a registry from the loaded configuration.
func NewFromConfig(cfg *config.Config, set *rules.Set, client *guardian.Client) *Registry {
	return NewRegistry(set, client, OptionsFromConfig(cfg))
}

// Analyzers returns the registered stages in order (for inspection/testing).
func (r *Registry) Analyzers() []Analyzer {
	return r.analyzers
}

// Run scans pkg. It always returns a report: a cancelled scan still gets a
// verdict, marked incomplete, built from whatever ran.
func (r *Registry) Run(ctx context.Context, pkg *skill.Package) *Report {
	scanID := uuid.NewString()
	ctx = logger.WithLogger(ctx, logger.G(ctx).WithField("scan_id", scanID))
	log := logger.G(ctx)

	budgetCtx := ctx
	if r.budget > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, r.budget)
		defer cancel()
	}

	report := &Report{
		ScanID:   scanID,
		Package:  summarizePackage(pkg),
		Mode:     "full",
		Provider: r.provider,
	}
	if r.staticOnly {
		report.Mode = "static"
	}

	actx := &AnalysisContext{Package: pkg, StaticOnly: r.staticOnly}
	incomplete := false

	_ = telemetry.WithSpan(ctx, "skillshield.scan", func(ctx context.Context) error {
		for _, a := range r.analyzers {
			stage := a.Name()
			if ctx.Err() != nil {
				incomplete = true
				report.Stages = append(report.Stages, StageOutcome{Stage: stage, Status: StatusSkipped, Reason: "cancelled"})
				continue
			}

			stageCtx := ctx
			if stage == StageSemantic {
				stageCtx = budgetCtx
			}
			res := r.runStage(stageCtx, a, actx)
			if ctx.Err() != nil {
				incomplete = true
			}
			actx.merge(res)
			report.Stages = append(report.Stages, StageOutcome{
				Stage:    stage,
				Status:   res.Status,
				Reason:   res.Reason,
				Findings: len(res.Findings),
			})
		}

		var combined CombinedResult
		_ = telemetry.WithSpan(ctx, "skillshield.stage.meta", func(ctx context.Context) error {
			combined = r.combiner.Combine(actx)
			telemetry.SetAttributes(ctx,
				attribute.Int("clusters", len(combined.Clusters)),
				attribute.String("verdict", combined.Verdict.Severity.String()))
			return nil
		}, attribute.String("stage", string(StageMeta)))

		report.Stages = append(report.Stages, StageOutcome{
			Stage:    StageMeta,
			Status:   StatusCompleted,
			Findings: len(combined.Verdict.Findings),
		})
		report.Findings = combined.Findings
		report.Clusters = combined.Clusters
		report.Gaps = combined.Gaps
		report.Verdict = combined.Verdict
		report.Verdict.Incomplete = incomplete
		if incomplete {
			report.Verdict.Summary += " (incomplete: scan cancelled)"
		}
		return nil
	}, attribute.String("package", pkg.Name), attribute.Bool("static_only", r.staticOnly))

	report.Coverage = actx.Coverage
	report.Suppressions = actx.Suppressions
	report.Claims = actx.Claims
	report.Observed = Observe(report.Findings, r.staticOnly)
	report.LLMItems = actx.LLMItems
	report.normalize()

	log.WithField("verdict", report.Verdict.Severity.String()).
		WithField("score", report.Verdict.Score).
		WithField("findings", len(report.Findings)).
		WithField("incomplete", report.Verdict.Incomplete).
		Info("scan finished")
	return report
}

// runStage runs one analyzer inside its span. The analyzer only sees the
// context as it stood before the stage; its result is merged afterwards.
func (r *Registry) runStage(ctx context.Context, a Analyzer, actx *AnalysisContext) StageResult {
	var res StageResult
	start := time.Now()
	_ = telemetry.WithSpan(ctx, "skillshield.stage."+string(a.Name()), func(ctx context.Context) error {
		res = a.Analyze(ctx, actx)
		telemetry.SetAttributes(ctx,
			attribute.String("status", string(res.Status)),
			attribute.Int("findings", len(res.Findings)))
		if res.Reason != "" {
			telemetry.AddEvent(ctx, "stage.reason", attribute.String("reason", res.Reason))
		}
		return nil
	}, attribute.String("stage", string(a.Name())))

	entry := logger.G(ctx).
		WithField("stage", a.Name()).
		WithField("status", res.Status).
		WithField("findings", len(res.Findings)).
		WithField("duration", time.Since(start).Round(time.Millisecond))
	if res.Status == StatusCompleted {
		entry.Debug("stage finished")
	} else {
		entry.WithField("reason", res.Reason).Info("stage did not complete")
	}
	return res
}

func summarizePackage(pkg *skill.Package) PackageSummary {
	return PackageSummary{
		Name:        pkg.Name,
		Root:        pkg.Root,
		Manifest:    pkg.Manifest.Path,
		Sources:     len(pkg.Sources),
		Docs:        len(pkg.Docs),
		Declared:    pkg.Manifest.Declared,
		Description: pkg.Manifest.Description,
	}
}

// normalize replaces nil slices so the JSON report always carries arrays.
func (r *Report) normalize() {
	if r.Coverage == nil {
		r.Coverage = []CoverageGap{}
	}
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	if r.Suppressions == nil {
		r.Suppressions = []Suppression{}
	}
	if r.Clusters == nil {
		r.Clusters = []Cluster{}
	}
	if r.Claims == nil {
		r.Claims = []CapabilityClaim{}
	}
	if r.Observed == nil {
		r.Observed = []ObservedBehavior{}
	}
	if r.Gaps == nil {
		r.Gaps = []AlignmentGap{}
	}
}
