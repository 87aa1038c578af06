package validate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avast/apkresourcerewrite/arsc"
	"github.com/avast/apkresourcerewrite/dex"
	"github.com/avast/apkresourcerewrite/mapping"
	"github.com/avast/apkresourcerewrite/stringpool"
	"github.com/avast/apkresourcerewrite/validate"
)

func writeDexFile(t *testing.T, dir, name, fqcnDescriptor string) string {
	t.Helper()
	const (
		headerSize       = 0x70
		stringIDsOff     = headerSize
		typeIDsOff       = stringIDsOff + 4
		classDefsOff     = typeIDsOff + 4
		classDefItemSize = 32
		stringDataOff    = classDefsOff + classDefItemSize
	)
	total := stringDataOff + 1 + len(fqcnDescriptor) + 1
	data := make([]byte, total)
	copy(data[:4], "dex\n")
	putU32 := func(off int, v uint32) {
		data[off], data[off+1], data[off+2], data[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	putU32(0x38, 1)
	putU32(0x3C, stringIDsOff)
	putU32(0x40, 1)
	putU32(0x44, typeIDsOff)
	putU32(0x60, 1)
	putU32(0x64, classDefsOff)
	putU32(stringIDsOff, stringDataOff)
	putU32(typeIDsOff, 0)
	putU32(classDefsOff, 0)
	data[stringDataOff] = byte(len(fqcnDescriptor))
	copy(data[stringDataOff+1:], fqcnDescriptor)
	data[stringDataOff+1+len(fqcnDescriptor)] = 0

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestMappingValidatorDetectsCycle(t *testing.T) {
	cm := mapping.NewClassMapping()
	if _, err := cm.Add("com.a.A", "com.b.B"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := cm.Add("com.b.B", "com.a.A"); err != nil {
		t.Fatalf("add: %v", err)
	}

	cache, err := dex.NewCache(dex.DefaultCapacity)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mv := &validate.MappingValidator{Classes: cm, DexCache: cache}
	res, err := mv.Validate(nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Passed() {
		t.Fatalf("expected the cycle to fail validation")
	}
}

// TestMappingValidatorMissingClass covers spec.md §8 scenario S5: a new
// class absent from the target DEX files must be reported.
func TestMappingValidatorMissingClass(t *testing.T) {
	dir := t.TempDir()
	dexPath := writeDexFile(t, dir, "classes.dex", "Lcom/example/Existing;")

	cm := mapping.NewClassMapping()
	if _, err := cm.Add("com.example.Old", "com.example.Missing"); err != nil {
		t.Fatalf("add: %v", err)
	}

	cache, err := dex.NewCache(dex.DefaultCapacity)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mv := &validate.MappingValidator{Classes: cm, DexCache: cache}
	res, err := mv.Validate([]string{dexPath})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Passed() {
		t.Fatalf("expected missing class com.example.Missing to fail validation")
	}
}

func TestMappingValidatorPasses(t *testing.T) {
	dir := t.TempDir()
	dexPath := writeDexFile(t, dir, "classes.dex", "Lcom/example/Present;")

	cm := mapping.NewClassMapping()
	if _, err := cm.Add("com.example.Old", "com.example.Present"); err != nil {
		t.Fatalf("add: %v", err)
	}

	cache, err := dex.NewCache(dex.DefaultCapacity)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mv := &validate.MappingValidator{Classes: cm, DexCache: cache}
	res, err := mv.Validate([]string{dexPath})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("expected validation to pass, got errors: %v", res.Errors)
	}
}

func newTable(typeCount, keyCount int) *arsc.Table {
	typeEntries := make([]string, typeCount)
	for i := range typeEntries {
		typeEntries[i] = "type"
	}
	keyEntries := make([]string, keyCount)
	for i := range keyEntries {
		keyEntries[i] = "key"
	}
	return &arsc.Table{
		GlobalStrings: &stringpool.Pool{Entries: []string{"a", "b"}, Encoding: stringpool.UTF8},
		Packages: []*arsc.Package{
			{ID: 0x7f, TypeStrings: &stringpool.Pool{Entries: typeEntries, Encoding: stringpool.UTF8}, KeyStrings: &stringpool.Pool{Entries: keyEntries, Encoding: stringpool.UTF8}},
		},
	}
}

func TestCheckIntegrityPasses(t *testing.T) {
	before := newTable(2, 3)
	after := newTable(2, 3)
	rep := validate.CheckIntegrity(before, after)
	if !rep.Passed() {
		t.Fatalf("expected integrity check to pass, got %v", rep.Errors)
	}
}

func TestCheckIntegrityDetectsPoolSizeChange(t *testing.T) {
	before := newTable(2, 3)
	after := newTable(2, 4)
	rep := validate.CheckIntegrity(before, after)
	if rep.Passed() {
		t.Fatalf("expected a key_strings count change to be detected")
	}
}

func TestCheckIntegrityDetectsPackageCountChange(t *testing.T) {
	before := newTable(2, 3)
	after := &arsc.Table{GlobalStrings: before.GlobalStrings}
	rep := validate.CheckIntegrity(before, after)
	if rep.Passed() {
		t.Fatalf("expected a package count change to be detected")
	}
}

func TestCompare(t *testing.T) {
	before := []byte{1, 2, 3, 4}
	after := []byte{1, 9, 3, 8}
	diffs := validate.Compare(before, after)
	if len(diffs) != 2 {
		t.Fatalf("got %d diffs, want 2: %+v", len(diffs), diffs)
	}
	if diffs[0].Offset != 1 || diffs[0].Before != 2 || diffs[0].After != 9 {
		t.Fatalf("diff 0 mismatch: %+v", diffs[0])
	}
	if diffs[1].Offset != 3 || diffs[1].Before != 4 || diffs[1].After != 8 {
		t.Fatalf("diff 1 mismatch: %+v", diffs[1])
	}
}
