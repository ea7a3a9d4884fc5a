package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateRequiresOutputAndModel(t *testing.T) {
	cfg := defaultConfig()
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected an error when llm-model is unset")
	}
	cfg.LLMModel = "gpt-4o-mini"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.MaxEpochs = -2
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected an error for a negative epoch cap")
	}
	cfg.MaxEpochs = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected an explicit 0 epoch cap to be valid, got: %v", err)
	}
}

func TestApplyEnvOnlyFillsUnsetFields(t *testing.T) {
	t.Setenv("LLM_MODEL", "env-model")
	t.Setenv("SEARX_URL", "http://searx.example")

	cfg := Config{LLMModel: "flag-model"}
	ApplyEnv(&cfg)
	if cfg.LLMModel != "flag-model" {
		t.Fatalf("expected flag value to win, got %q", cfg.LLMModel)
	}
	if cfg.SearxURL != "http://searx.example" {
		t.Fatalf("expected env value to fill unset field, got %q", cfg.SearxURL)
	}
}

func TestLoadConfigFileOverlaysOnlyUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weaver.yaml")
	yamlContent := "model: gpt-from-file\nmaxEpochs: 5\nreportProfile: imrad\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := Config{Model: "flag-model", MaxEpochs: unsetLimit, MaxRevisions: unsetLimit}
	if err := LoadConfigFile(&cfg, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model != "flag-model" {
		t.Fatalf("expected flag value to win over file value, got %q", cfg.Model)
	}
	if cfg.MaxEpochs != 5 {
		t.Fatalf("expected MaxEpochs from file, got %d", cfg.MaxEpochs)
	}
	if cfg.ReportProfile != "imrad" {
		t.Fatalf("expected ReportProfile from file, got %q", cfg.ReportProfile)
	}
}

func TestLoadConfigFileOverlaysExplicitZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weaver.yaml")
	if err := os.WriteFile(path, []byte("maxRevisions: 0\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := Config{MaxEpochs: unsetLimit, MaxRevisions: unsetLimit}
	if err := LoadConfigFile(&cfg, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRevisions != 0 {
		t.Fatalf("expected an explicit maxRevisions: 0 in the file to be preserved, got %d", cfg.MaxRevisions)
	}
	if got := optionalInt(cfg.MaxRevisions); got == nil || *got != 0 {
		t.Fatalf("expected optionalInt to carry the explicit 0 through as a non-nil pointer, got %v", got)
	}
}

func TestParseDurationSeconds(t *testing.T) {
	secs, err := parseDurationSeconds("90s")
	if err != nil || secs != 90 {
		t.Fatalf("got %v, %v", secs, err)
	}
	secs, err = parseDurationSeconds("120")
	if err != nil || secs != 120 {
		t.Fatalf("got %v, %v", secs, err)
	}
	if _, err := parseDurationSeconds("not-a-duration"); err == nil {
		t.Fatalf("expected an error for unparseable input")
	}
}
