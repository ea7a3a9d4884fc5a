package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the weaver CLI, covering both the
// spec.md §6 start_run options and the ambient provider/cache settings the
// teacher's app.Config carried. Precedence is flags > environment > config
// file > built-in defaults, mirroring the teacher's config.go/config_env.go/
// config_file.go trio, collapsed into one file since weaver's option surface
// is smaller than the teacher's brief-driven one.
type Config struct {
	Input  string
	Output string

	Mode           string
	Model          string
	UserID         string
	DeepSearchMode string
	ReportProfile  string

	SearxURL string
	SearxKey string

	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string

	MaxEpochs    int
	MaxRevisions int
	TokensCap    int
	SecondsCap   float64

	CacheDir     string
	CacheMaxAge  time.Duration
	Verbose      bool

	RenderPDF bool
	OutputPDF string

	DBURL string // postgres DSN; empty selects the in-memory checkpointer
}

// unsetLimit marks MaxEpochs/MaxRevisions as not explicitly configured, so
// the deepsearch/runcontroller layers apply their own defaults (3/2).
// Explicit 0 is a valid, distinct value (spec.md §8's boundary behaviors)
// and must survive flag/env/file parsing unchanged.
const unsetLimit = -1

func defaultConfig() Config {
	return Config{
		Output:       "report.md",
		CacheDir:     ".weaver-cache",
		MaxEpochs:    unsetLimit,
		MaxRevisions: unsetLimit,
	}
}

// ApplyEnv overlays unset fields of cfg from environment variables, flags
// taking precedence (cfg values already set by flags are left alone).
func ApplyEnv(cfg *Config) {
	if cfg.LLMBaseURL == "" {
		cfg.LLMBaseURL = os.Getenv("LLM_BASE_URL")
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = os.Getenv("LLM_MODEL")
	}
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	}
	if cfg.SearxURL == "" {
		cfg.SearxURL = os.Getenv("SEARX_URL")
	}
	if cfg.SearxKey == "" {
		cfg.SearxKey = os.Getenv("SEARX_KEY")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = os.Getenv("CACHE_DIR")
	}
	if cfg.CacheMaxAge == 0 {
		if v := os.Getenv("CACHE_MAX_AGE"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.CacheMaxAge = d
			}
		}
	}
	if cfg.DBURL == "" {
		cfg.DBURL = os.Getenv("WEAVER_DB_URL")
	}
	if !cfg.Verbose {
		if v := strings.ToLower(strings.TrimSpace(os.Getenv("VERBOSE"))); v == "1" || v == "true" || v == "yes" {
			cfg.Verbose = true
		}
	}
}

// fileConfig is the on-disk schema for -config, a subset of Config's fields
// kept flat since weaver's options table (spec.md §6) is far smaller than
// the teacher's brief-driven schema.
type fileConfig struct {
	Mode           string  `yaml:"mode"`
	Model          string  `yaml:"model"`
	DeepSearchMode string  `yaml:"deepSearchMode"`
	ReportProfile  string  `yaml:"reportProfile"`
	SearxURL       string  `yaml:"searxURL"`
	SearxKey       string  `yaml:"searxKey"`
	LLMBaseURL     string  `yaml:"llmBaseURL"`
	LLMModel       string  `yaml:"llmModel"`
	// Pointers so an absent key is distinguishable from an explicit 0.
	MaxEpochs    *int    `yaml:"maxEpochs"`
	MaxRevisions *int    `yaml:"maxRevisions"`
	TokensCap    int     `yaml:"tokensCap"`
	SecondsCap   float64 `yaml:"secondsCap"`
	CacheDir     string  `yaml:"cacheDir"`
	CacheMaxAge  string  `yaml:"cacheMaxAge"`
	RenderPDF    bool    `yaml:"renderPDF"`
	DBURL        string  `yaml:"dbURL"`
}

// LoadConfigFile parses a YAML config file and overlays its values into cfg
// wherever cfg still carries its flag-parsed default.
func LoadConfigFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return err
	}
	if cfg.Mode == "" && fc.Mode != "" {
		cfg.Mode = fc.Mode
	}
	if cfg.Model == "" && fc.Model != "" {
		cfg.Model = fc.Model
	}
	if cfg.DeepSearchMode == "" && fc.DeepSearchMode != "" {
		cfg.DeepSearchMode = fc.DeepSearchMode
	}
	if cfg.ReportProfile == "" && fc.ReportProfile != "" {
		cfg.ReportProfile = fc.ReportProfile
	}
	if cfg.SearxURL == "" && fc.SearxURL != "" {
		cfg.SearxURL = fc.SearxURL
	}
	if cfg.SearxKey == "" && fc.SearxKey != "" {
		cfg.SearxKey = fc.SearxKey
	}
	if cfg.LLMBaseURL == "" && fc.LLMBaseURL != "" {
		cfg.LLMBaseURL = fc.LLMBaseURL
	}
	if cfg.LLMModel == "" && fc.LLMModel != "" {
		cfg.LLMModel = fc.LLMModel
	}
	if cfg.MaxEpochs == unsetLimit && fc.MaxEpochs != nil {
		cfg.MaxEpochs = *fc.MaxEpochs
	}
	if cfg.MaxRevisions == unsetLimit && fc.MaxRevisions != nil {
		cfg.MaxRevisions = *fc.MaxRevisions
	}
	if cfg.TokensCap == 0 && fc.TokensCap > 0 {
		cfg.TokensCap = fc.TokensCap
	}
	if fc.SecondsCap > 0 {
		cfg.SecondsCap = fc.SecondsCap
	}
	if cfg.CacheDir == "" && fc.CacheDir != "" {
		cfg.CacheDir = fc.CacheDir
	}
	if cfg.CacheMaxAge == 0 && fc.CacheMaxAge != "" {
		if d, err := time.ParseDuration(fc.CacheMaxAge); err == nil {
			cfg.CacheMaxAge = d
		}
	}
	if fc.RenderPDF {
		cfg.RenderPDF = true
	}
	if cfg.DBURL == "" && fc.DBURL != "" {
		cfg.DBURL = fc.DBURL
	}
	return nil
}

// Validate performs minimal schema validation matching the teacher's
// ValidateConfig shape.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Output) == "" {
		return errors.New("config: output path is required")
	}
	if strings.TrimSpace(cfg.LLMModel) == "" {
		return errors.New("config: llm-model is required (or set LLM_MODEL)")
	}
	if cfg.MaxEpochs < unsetLimit || cfg.MaxRevisions < unsetLimit {
		return errors.New("config: negative limits are not allowed")
	}
	return nil
}

// optionalInt converts a Config int field using unsetLimit as "not
// explicitly configured" into a *int suitable for StartOptions/
// deepsearch.Options, where nil carries the same meaning.
func optionalInt(v int) *int {
	if v == unsetLimit {
		return nil
	}
	return &v
}

func parseDurationSeconds(s string) (float64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return strconv.ParseFloat(s, 64)
	}
	return d.Seconds(), nil
}
