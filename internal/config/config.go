// Package config loads scanner settings from defaults, an optional YAML
// file, SKILLSHIELD_* environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".skillshield"
	DefaultConfigFile = "config.yaml"
	DefaultLogFile    = "audit.jsonl"
	DefaultPacksDir   = "packs"
	EnvPrefix         = "SKILLSHIELD"
)

// Config is the full scanner configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	AuditLog  string          `mapstructure:"audit_log"`
	Profile   string          `mapstructure:"profile"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Semantic  SemanticConfig  `mapstructure:"semantic"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Profiles are named partial overrides applied on top of the rest.
	Profiles map[string]map[string]any `mapstructure:"profiles"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig controls scheduling of the stages.
type PipelineConfig struct {
	Workers      int           `mapstructure:"workers"`
	Budget       time.Duration `mapstructure:"budget"`
	StaticOnly   bool          `mapstructure:"static_only"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
	Ignore       []string      `mapstructure:"ignore"`
	FixtureGlobs []string      `mapstructure:"fixture_globs"`
}

// PolicyConfig holds every threshold the stages and the meta-analyzer use.
type PolicyConfig struct {
	NarrowConfidence              float64 `mapstructure:"narrow_confidence"`
	BroadConfidence               float64 `mapstructure:"broad_confidence"`
	SingleStageCriticalConfidence float64 `mapstructure:"single_stage_critical_confidence"`
	FPConfidence                  float64 `mapstructure:"fp_confidence"`
	LLMDismissConfidence          float64 `mapstructure:"llm_dismiss_confidence"`
	Sensitivity                   string  `mapstructure:"sensitivity"`
}

// ScoringConfig weights the findings bonus added on top of the tier base.
type ScoringConfig struct {
	CorroboratedWeight int `mapstructure:"corroborated_weight"`
	SurvivingWeight    int `mapstructure:"surviving_weight"`
	MaxBonus           int `mapstructure:"max_bonus"`
}

type SemanticConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxItems       int           `mapstructure:"max_items"`
	MaxDigestBytes int           `mapstructure:"max_digest_bytes"`
	ContextLines   int           `mapstructure:"context_lines"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type RulesConfig struct {
	PacksDir       string `mapstructure:"packs_dir"`
	DisableBuiltin bool   `mapstructure:"disable_builtin"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplerType  string  `mapstructure:"sampler_type"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

// Dir returns ~/.skillshield, or "" when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultConfigDir)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "fmt")
	v.SetDefault("audit_log", "")
	v.SetDefault("profile", "")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.budget", 2*time.Minute)
	v.SetDefault("pipeline.static_only", false)
	v.SetDefault("pipeline.max_file_bytes", int64(1<<20))
	v.SetDefault("pipeline.ignore", []string{"**/.git/**", "**/node_modules/**", "**/__pycache__/**", "**/.venv/**"})
	v.SetDefault("pipeline.fixture_globs", []string{"**/testdata/**", "**/fixtures/**", "**/__fixtures__/**", "**/*_test.go", "**/test_*.py", "**/*_test.py", "**/*.test.js", "**/*.spec.js", "**/*.test.ts", "**/*.spec.ts"})

	v.SetDefault("policy.narrow_confidence", 0.85)
	v.SetDefault("policy.broad_confidence", 0.45)
	v.SetDefault("policy.single_stage_critical_confidence", 0.9)
	v.SetDefault("policy.fp_confidence", 0.4)
	v.SetDefault("policy.llm_dismiss_confidence", 0.8)
	v.SetDefault("policy.sensitivity", "medium")

	v.SetDefault("scoring.corroborated_weight", 4)
	v.SetDefault("scoring.surviving_weight", 2)
	v.SetDefault("scoring.max_bonus", 20)

	v.SetDefault("semantic.provider", "")
	v.SetDefault("semantic.model", "")
	v.SetDefault("semantic.base_url", "")
	v.SetDefault("semantic.max_concurrency", 4)
	v.SetDefault("semantic.call_timeout", 30*time.Second)
	v.SetDefault("semantic.max_items", 24)
	v.SetDefault("semantic.max_digest_bytes", 4000)
	v.SetDefault("semantic.context_lines", 3)
	v.SetDefault("semantic.retry.attempts", 3)
	v.SetDefault("semantic.retry.initial_delay", time.Second)
	v.SetDefault("semantic.retry.max_delay", 10*time.Second)

	packs := ""
	if dir != "" {
		packs = filepath.Join(dir, DefaultPacksDir)
	}
	v.SetDefault("rules.packs_dir", packs)
	v.SetDefault("rules.disable_builtin", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "skillshield")
	v.SetDefault("telemetry.sampler_type", "always")
	v.SetDefault("telemetry.sampler_ratio", 1.0)
}

// ReadFile merges a YAML config file into v. An empty path means
// ~/.skillshield/config.yaml, which may be absent.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", path)
		}
		return nil
	}

	dir := Dir()
	if dir == "" {
		return nil
	}
	v.SetConfigFile(filepath.Join(dir, DefaultConfigFile))
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(dir, DefaultConfigFile)); os.IsNotExist(statErr) {
			return nil
		}
		return errors.Wrap(err, "failed to read default config file")
	}
	return nil
}

// Load decodes v into a Config, applies the selected profile and validates.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if cfg.Profile != "" {
		profile, ok := cfg.Profiles[cfg.Profile]
		if !ok {
			return nil, errors.Errorf("unknown profile %q", cfg.Profile)
		}
		if err := applyProfile(&cfg, profile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file, env or flags applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func applyProfile(cfg *Config, profile map[string]any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create profile decoder")
	}
	if err := decoder.Decode(profile); err != nil {
		return errors.Wrapf(err, "failed to apply profile %q", cfg.Profile)
	}
	return nil
}

// Validate rejects thresholds outside the ranges the pipeline relies on.
func (c *Config) Validate() error {
	p := c.Policy
	if p.NarrowConfidence < 0.8 || p.NarrowConfidence > 1 {
		return errors.Errorf("policy.narrow_confidence must be within [0.8, 1], got %v", p.NarrowConfidence)
	}
	if p.BroadConfidence < 0 || p.BroadConfidence > 0.5 {
		return errors.Errorf("policy.broad_confidence must be within [0, 0.5], got %v", p.BroadConfidence)
	}
	for name, val := range map[string]float64{
		"policy.single_stage_critical_confidence": p.SingleStageCriticalConfidence,
		"policy.fp_confidence":                    p.FPConfidence,
		"policy.llm_dismiss_confidence":           p.LLMDismissConfidence,
	} {
		if val < 0 || val > 1 {
			return errors.Errorf("%s must be within [0, 1], got %v", name, val)
		}
	}
	switch p.Sensitivity {
	case "low", "medium", "high", "paranoid":
	default:
		return errors.Errorf("policy.sensitivity must be low, medium, high or paranoid, got %q", p.Sensitivity)
	}
	if c.Pipeline.Workers < 1 {
		return errors.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Semantic.MaxConcurrency < 1 {
		return errors.Errorf("semantic.max_concurrency must be positive, got %d", c.Semantic.MaxConcurrency)
	}
	if c.Scoring.MaxBonus < 0 {
		return errors.Errorf("scoring.max_bonus must not be negative, got %d", c.Scoring.MaxBonus)
	}
	return nil
}

// AuditLogPath returns the configured audit log, defaulting under Dir.
func (c *Config) AuditLogPath() string {
	if c.AuditLog != "" {
		return c.AuditLog
	}
	if dir := Dir(); dir != "" {
		return filepath.Join(dir, DefaultLogFile)
	}
	return ""
}
