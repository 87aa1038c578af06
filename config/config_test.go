package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avast/apkresourcerewrite/config"
)

// TestParseDefaultsAndUnrecognizedKey covers spec.md §6.1's option defaults
// and §9's "unknown keys are reported but tolerated" redesign directive: an
// unrecognized top-level key must not fail Parse, and a partial `options`
// document must leave the untouched fields at their documented defaults.
func TestParseDefaultsAndUnrecognizedKey(t *testing.T) {
	doc := []byte(`
version: "1.0"
own_package_prefixes:
  - com.example.
package_mappings:
  com.example: com.newapp
class_mappings:
  com.example.MainActivity: com.special.RenamedActivity
dex_paths:
  - classes.dex
options:
  auto_sign: false
some_future_key: true
`)

	cfg, err := config.Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(cfg.UnrecognizedKeys) != 1 || cfg.UnrecognizedKeys[0] != "some_future_key" {
		t.Fatalf("got UnrecognizedKeys=%v, want [some_future_key]", cfg.UnrecognizedKeys)
	}

	if got, want := cfg.OwnPackagePrefixes, []string{"com.example"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("got OwnPackagePrefixes=%v, want %v (trailing dot normalized away)", got, want)
	}

	if cfg.PackageMappings["com.example"] != "com.newapp" {
		t.Fatalf("package_mappings not decoded: %+v", cfg.PackageMappings)
	}
	if cfg.ClassMappings["com.example.MainActivity"] != "com.special.RenamedActivity" {
		t.Fatalf("class_mappings not decoded: %+v", cfg.ClassMappings)
	}

	// options.auto_sign was explicitly set to false; every other option must
	// retain its documented default (spec.md §6.1) rather than being zeroed
	// by the plain struct decode.
	if cfg.Options.AutoSign {
		t.Fatalf("expected auto_sign=false as set in the document")
	}
	if !cfg.Options.ProcessToolsContext {
		t.Fatalf("expected process_tools_context to keep its default of true")
	}
	if !cfg.Options.KeepBackup {
		t.Fatalf("expected keep_backup to keep its default of true")
	}
	if cfg.Options.EnableRuntimeValidation {
		t.Fatalf("expected enable_runtime_validation to keep its default of false")
	}
	if cfg.Options.ParallelProcessing {
		t.Fatalf("expected parallel_processing to keep its default of false")
	}
}

// TestParseEmptyDocumentUsesDefaultOptions covers a document that omits
// `options` entirely: every option must equal config.DefaultOptions.
func TestParseEmptyDocumentUsesDefaultOptions(t *testing.T) {
	cfg, err := config.Parse([]byte(`version: "1.0"`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Options != config.DefaultOptions {
		t.Fatalf("got Options=%+v, want DefaultOptions=%+v", cfg.Options, config.DefaultOptions)
	}
	if len(cfg.UnrecognizedKeys) != 0 {
		t.Fatalf("got UnrecognizedKeys=%v, want none", cfg.UnrecognizedKeys)
	}
}

// TestBuildResolverRejectsConflict covers spec.md §3.5's bijection conflict
// at config-build time: a class_mappings document that maps two different
// old names onto the same new name must fail rather than silently dropping
// one direction.
func TestBuildResolverRejectsConflict(t *testing.T) {
	cfg, err := config.Parse([]byte(`
class_mappings:
  com.example.A: com.renamed.X
  com.example.B: com.renamed.X
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := cfg.BuildResolver(); err == nil {
		t.Fatalf("expected BuildResolver to reject the conflicting class mapping")
	}
}

// TestLoadReadsFile covers config.Load's file-reading path, the thin
// wrapper around Parse used by the CLI surface (spec.md §6.2).
func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("version: \"1.0\"\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != "1.0" {
		t.Fatalf("got Version=%q, want %q", cfg.Version, "1.0")
	}
}
