// Package config loads the YAML configuration described in spec.md §6.1
// into a typed Config struct.
//
// The source this system was distilled from deep-builds a config object
// through reflection-style YAML unmarshalling (spec.md §9 "Design Notes");
// this module follows the redesign directive with a single decoder
// function that reads each recognized key into a typed struct and reports
// unrecognized keys rather than silently dropping or panicking on them,
// the way a CLI tool built around gopkg.in/yaml.v3 (grounded via corpus
// manifests, e.g. steveyegge-beads's go.mod) would.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/avast/apkresourcerewrite/filter"
	"github.com/avast/apkresourcerewrite/mapping"
)

// Options mirrors spec.md §6.1's `options` block.
type Options struct {
	ProcessToolsContext   bool `yaml:"process_tools_context"`
	EnableRuntimeValidation bool `yaml:"enable_runtime_validation"`
	KeepBackup            bool `yaml:"keep_backup"`
	ParallelProcessing     bool `yaml:"parallel_processing"`
	AutoSign               bool `yaml:"auto_sign"`
}

// DefaultOptions matches the defaults named in spec.md §6.1.
var DefaultOptions = Options{
	ProcessToolsContext: true,
	KeepBackup:          true,
	AutoSign:            true,
}

// Config is the typed form of the recognized YAML keys in spec.md §6.1.
type Config struct {
	Version string `yaml:"version"`

	OwnPackagePrefixes []string          `yaml:"own_package_prefixes"`
	PackageMappings    map[string]string `yaml:"package_mappings"`
	ClassMappings      map[string]string `yaml:"class_mappings"`
	Targets            []string          `yaml:"targets"`
	DexPaths           []string          `yaml:"dex_paths"`
	Options            Options           `yaml:"options"`

	// UnrecognizedKeys lists top-level keys present in the document that
	// this decoder does not understand; per spec.md §9 these are reported,
	// never fatal.
	UnrecognizedKeys []string
}

var recognizedKeys = map[string]struct{}{
	"version":             {},
	"own_package_prefixes": {},
	"package_mappings":    {},
	"class_mappings":      {},
	"targets":             {},
	"dex_paths":           {},
	"options":             {},
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config, applying §6.1's defaults for any
// option key the document omits and collecting unrecognized top-level keys.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Options: DefaultOptions}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	for k := range raw {
		if _, ok := recognizedKeys[k]; !ok {
			cfg.UnrecognizedKeys = append(cfg.UnrecognizedKeys, k)
		}
	}

	// Decode options separately first so DefaultOptions survives fields the
	// document doesn't set (yaml.v3 zeroes unset bool fields on a plain
	// struct decode otherwise).
	if node, ok := raw["options"]; ok {
		opts := cfg.Options
		if err := node.Decode(&opts); err != nil {
			return nil, fmt.Errorf("config: options: %w", err)
		}
		cfg.Options = opts
	}

	if node, ok := raw["version"]; ok {
		if err := node.Decode(&cfg.Version); err != nil {
			return nil, fmt.Errorf("config: version: %w", err)
		}
	}
	if node, ok := raw["own_package_prefixes"]; ok {
		if err := node.Decode(&cfg.OwnPackagePrefixes); err != nil {
			return nil, fmt.Errorf("config: own_package_prefixes: %w", err)
		}
	}
	if node, ok := raw["package_mappings"]; ok {
		if err := node.Decode(&cfg.PackageMappings); err != nil {
			return nil, fmt.Errorf("config: package_mappings: %w", err)
		}
	}
	if node, ok := raw["class_mappings"]; ok {
		if err := node.Decode(&cfg.ClassMappings); err != nil {
			return nil, fmt.Errorf("config: class_mappings: %w", err)
		}
	}
	if node, ok := raw["targets"]; ok {
		if err := node.Decode(&cfg.Targets); err != nil {
			return nil, fmt.Errorf("config: targets: %w", err)
		}
	}
	if node, ok := raw["dex_paths"]; ok {
		if err := node.Decode(&cfg.DexPaths); err != nil {
			return nil, fmt.Errorf("config: dex_paths: %w", err)
		}
	}

	normalized := make([]string, len(cfg.OwnPackagePrefixes))
	for i, p := range cfg.OwnPackagePrefixes {
		normalized[i] = strings.TrimSuffix(p, ".")
	}
	cfg.OwnPackagePrefixes = normalized

	return cfg, nil
}

// BuildResolver turns the decoded class_mappings/package_mappings into a
// mapping.Resolver, per spec.md §6.1 ("package_mappings ... treated as
// PREFIX mode"). It fails on the first conflicting entry (spec.md §3.5).
func (c *Config) BuildResolver() (*mapping.Resolver, error) {
	classes := mapping.NewClassMapping()
	for old, new := range c.ClassMappings {
		if _, err := classes.Add(old, new); err != nil {
			return nil, fmt.Errorf("config: class_mappings: %w", err)
		}
	}

	packages := mapping.NewPackageMapping()
	for old, new := range c.PackageMappings {
		entry := mapping.PackageEntry{OldPrefix: strings.TrimSuffix(old, "."), NewPrefix: strings.TrimSuffix(new, "."), Mode: mapping.Prefix}
		if _, err := packages.Add(entry); err != nil {
			return nil, fmt.Errorf("config: package_mappings: %w", err)
		}
	}

	return &mapping.Resolver{Classes: classes, Packages: packages}, nil
}

// BuildSemanticFilter builds the filter.SemanticFilter this config implies:
// own_package_prefixes as the whitelist's owned set, options.process_tools_context
// gating the tools:context attribute (spec.md §4.4/§6.1).
func (c *Config) BuildSemanticFilter(userExcludes []string) *filter.SemanticFilter {
	wl := filter.NewWhitelist(c.OwnPackagePrefixes, userExcludes)
	return filter.NewSemanticFilter(wl, c.Options.ProcessToolsContext)
}
