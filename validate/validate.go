// Package validate implements the pre-rewrite MappingValidator and the
// post-rewrite IntegrityChecker/byte comparator (spec.md §4.9/§4.11).
package validate

import (
	"fmt"
	"sort"

	"github.com/avast/apkresourcerewrite/arsc"
	"github.com/avast/apkresourcerewrite/dex"
	"github.com/avast/apkresourcerewrite/mapping"
	"github.com/avast/apkresourcerewrite/stringpool"
)

// Result is a validation outcome: Ok, or a list of reasons it failed.
type Result struct {
	Errors []string
}

// Passed reports whether validation found no errors.
func (r Result) Passed() bool { return len(r.Errors) == 0 }

// MappingValidator runs cycle detection over the class mapping and checks
// every new FQCN against the DEX class cache (spec.md §4.9).
type MappingValidator struct {
	Classes  *mapping.ClassMapping
	DexCache *dex.Cache
}

// Validate runs both checks, returning every failure found (not just the
// first) so the report can list them all.
func (mv *MappingValidator) Validate(dexPaths []string) (Result, error) {
	var res Result

	if cyc, chain := mv.Classes.HasCycle(); cyc {
		res.Errors = append(res.Errors, fmt.Sprintf("class mapping cycle: %v", chain))
	}

	classes, err := mv.DexCache.LoadAll(dexPaths)
	if err != nil {
		return res, fmt.Errorf("validate: load dex classes: %w", err)
	}

	var missing []string
	for _, newClass := range mv.Classes.NewClasses() {
		if _, ok := classes[newClass]; !ok {
			missing = append(missing, newClass)
		}
	}
	sort.Strings(missing)
	for _, m := range missing {
		res.Errors = append(res.Errors, fmt.Sprintf("missing new class in dex: %s", m))
	}

	return res, nil
}

// DexCrossValidator is MappingValidator's missing-class check in
// isolation, exposed separately for the scenario S5 contract: re-running
// after a DEX edit must reflect the change (no stale cache entry reused).
type DexCrossValidator struct {
	Cache *dex.Cache
}

// MissingClasses returns every class in want not present in the union of
// the given DEX files' class sets.
func (d *DexCrossValidator) MissingClasses(dexPaths []string, want []string) ([]string, error) {
	classes, err := d.Cache.LoadAll(dexPaths)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, w := range want {
		if _, ok := classes[w]; !ok {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// IntegrityReport is the outcome of a post-rewrite structural check.
type IntegrityReport struct {
	Errors []string
}

// Passed reports whether the integrity check found no errors.
func (r IntegrityReport) Passed() bool { return len(r.Errors) == 0 }

// CheckIntegrity verifies the byte-level structural invariants of
// spec.md §4.11: package count, per-package id and pool sizes, and global
// pool entry count must all be unchanged across a rewrite.
func CheckIntegrity(before, after *arsc.Table) IntegrityReport {
	var rep IntegrityReport

	if len(before.Packages) != len(after.Packages) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("package count changed: %d -> %d", len(before.Packages), len(after.Packages)))
	}
	if before.GlobalStrings != nil && after.GlobalStrings != nil {
		if before.GlobalStrings.Len() != after.GlobalStrings.Len() {
			rep.Errors = append(rep.Errors, fmt.Sprintf("global string pool count changed: %d -> %d", before.GlobalStrings.Len(), after.GlobalStrings.Len()))
		}
	}

	n := len(before.Packages)
	if len(after.Packages) < n {
		n = len(after.Packages)
	}
	for i := 0; i < n; i++ {
		b, a := before.Packages[i], after.Packages[i]
		if b.ID != a.ID {
			rep.Errors = append(rep.Errors, fmt.Sprintf("package[%d] id changed: %d -> %d", i, b.ID, a.ID))
		}
		if poolLen(b.TypeStrings) != poolLen(a.TypeStrings) {
			rep.Errors = append(rep.Errors, fmt.Sprintf("package[%d] type_strings count changed", i))
		}
		if poolLen(b.KeyStrings) != poolLen(a.KeyStrings) {
			rep.Errors = append(rep.Errors, fmt.Sprintf("package[%d] key_strings count changed", i))
		}
	}

	return rep
}

func poolLen(p *stringpool.Pool) int {
	if p == nil {
		return 0
	}
	return p.Len()
}

// ByteDiff is one differing byte index between two buffers of the same
// length.
type ByteDiff struct {
	Offset int
	Before byte
	After  byte
}

// Compare returns every index at which before and after differ. If the
// two buffers have different lengths, comparison stops at the shorter
// one and the length mismatch is the caller's concern to report
// separately (spec.md §4.11's comparator only quantifies in-range byte
// differences).
func Compare(before, after []byte) []ByteDiff {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	var diffs []ByteDiff
	for i := 0; i < n; i++ {
		if before[i] != after[i] {
			diffs = append(diffs, ByteDiff{Offset: i, Before: before[i], After: after[i]})
		}
	}
	return diffs
}
