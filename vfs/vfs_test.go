package vfs_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/avast/apkresourcerewrite/vfs"
)

// TestNormalizePathHygiene covers spec.md §8 property 10: separator
// normalization, traversal collapsing, root-escape rejection, and the
// disallowed-character/length checks.
func TestNormalizePathHygiene(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    string
		wantOk  bool
	}{
		{"plain", "res/layout/activity_main.xml", "res/layout/activity_main.xml", true},
		{"backslashes", `res\layout\activity_main.xml`, "res/layout/activity_main.xml", true},
		{"leading slash", "/res/values/strings.xml", "res/values/strings.xml", true},
		{"dot segment", "res/./values/strings.xml", "res/values/strings.xml", true},
		{"dotdot within bounds", "res/layout/../values/strings.xml", "res/values/strings.xml", true},
		{"dotdot escapes root", "../etc/passwd", "", false},
		{"empty", "", "", false},
		{"nul byte", "res/val\x00ues.xml", "", false},
		{"control char", "res/val\x01ues.xml", "", false},
		{"disallowed char", "res/val<ues.xml", "", false},
		{"just dotdot", "..", "", false},
		{"all collapsed", "./.", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := vfs.NormalizePath(tc.raw)
			if ok != tc.wantOk {
				t.Fatalf("ok = %v, want %v (got %q)", ok, tc.wantOk, got)
			}
			if ok && got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestLoadReadWriteSave(t *testing.T) {
	data := buildZip(t, map[string]string{
		"AndroidManifest.xml": "manifest-bytes",
		"res/layout/a.xml":    "layout-bytes",
	})

	v, skipped, err := vfs.Load(bytes.NewReader(data), int64(len(data)), vfs.DefaultLimits)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped entries: %v", skipped)
	}

	got, ok := v.Read("res/layout/a.xml")
	if !ok || string(got) != "layout-bytes" {
		t.Fatalf("read: got (%q, %v)", got, ok)
	}

	if err := v.Write("res/layout/a.xml", []byte("rewritten")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if mod := v.ModifiedPaths(); len(mod) != 1 || mod[0] != "res/layout/a.xml" {
		t.Fatalf("modified paths: %v", mod)
	}

	var out bytes.Buffer
	if err := v.Save(&out); err != nil {
		t.Fatalf("save: %v", err)
	}

	v2, _, err := vfs.Load(bytes.NewReader(out.Bytes()), int64(out.Len()), vfs.DefaultLimits)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got2, ok := v2.Read("res/layout/a.xml")
	if !ok || string(got2) != "rewritten" {
		t.Fatalf("reload read: got (%q, %v)", got2, ok)
	}
	got3, ok := v2.Read("AndroidManifest.xml")
	if !ok || string(got3) != "manifest-bytes" {
		t.Fatalf("unmodified entry changed: got (%q, %v)", got3, ok)
	}
}

func TestSaveIsDeterministic(t *testing.T) {
	data := buildZip(t, map[string]string{
		"z_entry.xml": "z",
		"a_entry.xml": "a",
		"m_entry.xml": "m",
	})
	v, _, err := vfs.Load(bytes.NewReader(data), int64(len(data)), vfs.DefaultLimits)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var first, second bytes.Buffer
	if err := v.Save(&first); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := v.Save(&second); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("two saves of the same VFS produced different output")
	}

	paths := v.Paths()
	for i := 1; i < len(paths); i++ {
		if paths[i-1] > paths[i] {
			t.Fatalf("Paths() not sorted: %v", paths)
		}
	}
}

func TestLoadSkipsOversizedEntry(t *testing.T) {
	data := buildZip(t, map[string]string{"big.bin": "0123456789"})
	v, skipped, err := vfs.Load(bytes.NewReader(data), int64(len(data)), vfs.Limits{MaxEntrySize: 5, MaxTotalSize: 1 << 20})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "big.bin" {
		t.Fatalf("expected big.bin to be skipped, got %v", skipped)
	}
	if v.Has("big.bin") {
		t.Fatalf("oversized entry should not be present in the VFS")
	}
}
