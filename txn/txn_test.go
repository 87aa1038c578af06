package txn_test

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/avast/apkresourcerewrite/axml"
	"github.com/avast/apkresourcerewrite/dex"
	"github.com/avast/apkresourcerewrite/filter"
	"github.com/avast/apkresourcerewrite/mapping"
	"github.com/avast/apkresourcerewrite/stringpool"
	"github.com/avast/apkresourcerewrite/txn"
	"github.com/avast/apkresourcerewrite/validate"
)

func idx(pool *stringpool.Pool, s string) uint32 {
	for i := 0; i < pool.Len(); i++ {
		if pool.Get(i) == s {
			return uint32(i)
		}
	}
	panic("not found: " + s)
}

func buildApk(t *testing.T) []byte {
	t.Helper()
	pool := &stringpool.Pool{Entries: []string{"com.example.MainActivity"}, Encoding: stringpool.UTF8}
	doc := &axml.Document{
		Pool: pool,
		Events: []axml.Event{
			{Kind: axml.StartElement, NameIdx: idx(pool, "com.example.MainActivity")},
			{Kind: axml.EndElement, NameIdx: idx(pool, "com.example.MainActivity")},
		},
	}
	layout, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode layout: %v", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("res/layout/activity_main.xml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := fw.Write(layout); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func writeApk(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "app.apk")
	if err := os.WriteFile(path, buildApk(t), 0o644); err != nil {
		t.Fatalf("write apk: %v", err)
	}
	return path
}

// writeDex writes a minimal .dex file defining the single class desc, so
// Validate's missing-class check can find the mapping's new class.
func writeDex(t *testing.T, dir, desc string) string {
	t.Helper()
	const (
		stringIDsOff  = 0x70
		typeIDsOff    = stringIDsOff + 4
		classDefsOff  = typeIDsOff + 4
		stringDataOff = classDefsOff + 32
	)
	data := make([]byte, stringDataOff+1+len(desc)+1)
	copy(data, "dex\n")
	putU32 := func(off int, v uint32) {
		data[off], data[off+1], data[off+2], data[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	putU32(0x38, 1)
	putU32(0x3C, stringIDsOff)
	putU32(0x40, 1)
	putU32(0x44, typeIDsOff)
	putU32(0x60, 1)
	putU32(0x64, classDefsOff)
	putU32(stringIDsOff, stringDataOff) // type_ids[0] and class_defs[0].class_idx stay 0
	data[stringDataOff] = byte(len(desc))
	copy(data[stringDataOff+1:], desc)

	path := filepath.Join(dir, "classes.dex")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write dex: %v", err)
	}
	return path
}

func TestBeginCreatesSnapshot(t *testing.T) {
	dir := t.TempDir()
	apkPath := writeApk(t, dir)

	tx, err := txn.Begin(apkPath, filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.State != txn.Created {
		t.Fatalf("got state %v, want CREATED", tx.State)
	}
	if _, err := os.Stat(tx.SnapshotPath); err != nil {
		t.Fatalf("snapshot not created: %v", err)
	}
}

func TestBeginFailsForMissingApk(t *testing.T) {
	dir := t.TempDir()
	if _, err := txn.Begin(filepath.Join(dir, "missing.apk"), filepath.Join(dir, "snapshots")); err == nil {
		t.Fatalf("expected an error for a missing apk")
	}
}

func TestFullTransactionLifecycle(t *testing.T) {
	dir := t.TempDir()
	apkPath := writeApk(t, dir)

	tx, err := txn.Begin(apkPath, filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	w := filter.NewWhitelist([]string{"com.example"}, nil)
	sf := filter.NewSemanticFilter(w, true)

	v, report, err := tx.Scan(sf)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Results) == 0 {
		t.Fatalf("expected at least one scan result")
	}

	cm := mapping.NewClassMapping()
	if _, err := cm.Add("com.example.MainActivity", "com.renamed.MainActivity"); err != nil {
		t.Fatalf("add mapping: %v", err)
	}
	cache, err := dex.NewCache(dex.DefaultCapacity)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mv := &validate.MappingValidator{Classes: cm, DexCache: cache}
	dexPath := writeDex(t, dir, "Lcom/renamed/MainActivity;")
	if _, err := tx.Validate(mv, []string{dexPath}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tx.State != txn.Validated {
		t.Fatalf("got state %v, want VALIDATED", tx.State)
	}

	resolver := &mapping.Resolver{Classes: cm, Packages: mapping.NewPackageMapping()}
	stats, tmpPath, err := tx.Rewrite(v, report, resolver, sf)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if stats.FilesRewritten != 1 {
		t.Fatalf("got FilesRewritten=%d, want 1", stats.FilesRewritten)
	}
	if tx.State != txn.Executing {
		t.Fatalf("got state %v, want EXECUTING", tx.State)
	}

	if err := tx.Commit(context.Background(), tmpPath); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if tx.State != txn.Committed {
		t.Fatalf("got state %v, want COMMITTED", tx.State)
	}

	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		t.Fatalf("open committed apk: %v", err)
	}
	defer zr.Close()
	found := false
	for _, f := range zr.File {
		if f.Name == "res/layout/activity_main.xml" {
			found = true
		}
	}
	if !found {
		t.Fatalf("committed apk missing the rewritten layout entry")
	}
}

func TestValidateFailureSetsFailedState(t *testing.T) {
	dir := t.TempDir()
	apkPath := writeApk(t, dir)
	tx, err := txn.Begin(apkPath, filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

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

	if _, err := tx.Validate(mv, nil); err == nil {
		t.Fatalf("expected validation to fail on a cyclic mapping")
	}
	if tx.State != txn.Failed {
		t.Fatalf("got state %v, want FAILED", tx.State)
	}
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	apkPath := writeApk(t, dir)
	original := append([]byte(nil), mustRead(t, apkPath)...)

	tx, err := txn.Begin(apkPath, filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := os.WriteFile(apkPath, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupt apk: %v", err)
	}

	rootErr := &sentinelErr{"rewrite blew up"}
	if err := tx.Rollback(rootErr); err != rootErr {
		t.Fatalf("rollback returned %v, want the root cause", err)
	}
	if tx.State != txn.RolledBack {
		t.Fatalf("got state %v, want ROLLED_BACK", tx.State)
	}

	restored := mustRead(t, apkPath)
	if !bytes.Equal(restored, original) {
		t.Fatalf("apk not restored to its original bytes")
	}
	if _, err := os.Stat(tx.SnapshotPath); !os.IsNotExist(err) {
		t.Fatalf("expected snapshot to be removed after rollback")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }
