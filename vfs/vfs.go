// Package vfs implements the in-memory ZIP view the rewriter operates on
// (spec.md §3.7/§4.5): load once, mutate entries by normalized path, save
// with deterministic, sorted output.
//
// The tolerant path bookkeeping (treat ZIP as a bag of named byte blobs,
// keep each entry's original compression method) follows the shape of
// github.com/avast/apkparser's zipreader.go (ZipReader/ZipReaderFile),
// adapted from a read-only, broken-archive-tolerant reader into a
// read-write in-memory store built on the standard archive/zip container
// codec — this module writes well-formed output, so it does not need the
// teacher's "Android accepts what the zip package rejects" leniency.
// DEFLATE compression uses github.com/klauspost/compress/flate, the same
// import the teacher registers for its decompression path.
package vfs

import (
	"archive/zip"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	kflate "github.com/klauspost/compress/flate"
)

// Limits bounds how much a single Load will hold in memory (spec.md §3.7).
type Limits struct {
	MaxEntrySize int64
	MaxTotalSize int64
}

// DefaultLimits matches spec.md §3.7's defaults: 100 MiB per entry, 2 GiB
// aggregate.
var DefaultLimits = Limits{
	MaxEntrySize: 100 << 20,
	MaxTotalSize: 2 << 30,
}

// VirtualFile is one loaded ZIP entry plus the metadata needed to
// reproduce its framing on Save.
type VirtualFile struct {
	Data         []byte
	OriginalSize int64
	Modified     bool
	Method       uint16
	OriginalCRC  uint32
	Extra        []byte
	Comment      string
	MTime        time.Time
}

// VFS is the in-memory, path-keyed view of an APK's contents.
type VFS struct {
	files map[string]*VirtualFile
}

// New returns an empty VFS, useful for building output from scratch in
// tests.
func New() *VFS {
	return &VFS{files: make(map[string]*VirtualFile)}
}

func init() {
	// Mirror klauspost/compress's faster flate implementation for both
	// directions, same as the teacher does for decompression.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kflate.NewReader(r)
	})
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(w, kflate.DefaultCompression)
	})
}

// Load reads every non-directory entry of a ZIP archive into memory,
// normalizing paths and enforcing the size caps of spec.md §3.7. Entries
// whose normalized path is rejected, or that exceed the per-entry/
// aggregate size caps, are skipped and returned in the skipped slice
// rather than failing the whole load.
func Load(r io.ReaderAt, size int64, limits Limits) (v *VFS, skipped []string, err error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, fmt.Errorf("vfs: open zip: %w", err)
	}

	v = New()
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		norm, ok := NormalizePath(f.Name)
		if !ok {
			skipped = append(skipped, f.Name)
			continue
		}

		uncompressed := int64(f.UncompressedSize64)
		if uncompressed > limits.MaxEntrySize || total+uncompressed > limits.MaxTotalSize {
			skipped = append(skipped, f.Name)
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("vfs: open entry %q: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, limits.MaxEntrySize+1))
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("vfs: read entry %q: %w", f.Name, err)
		}
		if int64(len(data)) > limits.MaxEntrySize {
			skipped = append(skipped, f.Name)
			continue
		}

		total += int64(len(data))
		v.files[norm] = &VirtualFile{
			Data:         data,
			OriginalSize: int64(len(data)),
			Method:       f.Method,
			OriginalCRC:  f.CRC32,
			Extra:        append([]byte(nil), f.Extra...),
			Comment:      f.Comment,
			MTime:        f.Modified,
		}
	}

	return v, skipped, nil
}

// Read returns the current bytes of a normalized path.
func (v *VFS) Read(p string) ([]byte, bool) {
	norm, ok := NormalizePath(p)
	if !ok {
		return nil, false
	}
	vf, ok := v.files[norm]
	if !ok {
		return nil, false
	}
	return vf.Data, true
}

// Write replaces an entry's bytes, marking it modified and invalidating
// its cached CRC (spec.md §4.5). If the path didn't previously exist it is
// created with the STORED method.
func (v *VFS) Write(p string, data []byte) error {
	norm, ok := NormalizePath(p)
	if !ok {
		return fmt.Errorf("vfs: invalid path %q", p)
	}
	vf, ok := v.files[norm]
	if !ok {
		vf = &VirtualFile{Method: zip.Store, MTime: time.Now()}
		v.files[norm] = vf
	}
	vf.Data = data
	vf.Modified = true
	vf.OriginalCRC = 0
	return nil
}

// Has reports whether path exists in the VFS.
func (v *VFS) Has(p string) bool {
	norm, ok := NormalizePath(p)
	if !ok {
		return false
	}
	_, ok = v.files[norm]
	return ok
}

// Get returns the full VirtualFile record for a normalized path.
func (v *VFS) Get(p string) (*VirtualFile, bool) {
	norm, ok := NormalizePath(p)
	if !ok {
		return nil, false
	}
	vf, ok := v.files[norm]
	return vf, ok
}

// Paths returns every stored path in sorted order, matching the
// deterministic output ordering of Save (spec.md §4.5/§5).
func (v *VFS) Paths() []string {
	out := make([]string, 0, len(v.files))
	for p := range v.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ModifiedPaths returns every path whose content has been written since
// Load, in sorted order.
func (v *VFS) ModifiedPaths() []string {
	var out []string
	for p, vf := range v.files {
		if vf.Modified {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// SaveOptions adjusts Save's output beyond the per-entry metadata already
// recorded on each VirtualFile.
type SaveOptions struct {
	// ZeroMTime forces every entry's modified time to the zip epoch,
	// producing reproducible output regardless of when entries were
	// touched (spec.md §9, "implementers MAY normalize mtimes").
	ZeroMTime bool
}

// Save writes every entry back out as a ZIP, in sorted path order, reusing
// each entry's original compression method and metadata. A STORED entry
// has its CRC and size recomputed explicitly; compressed entries are
// re-deflated with the registered compressor and the zip writer computes
// their CRC from the current data (OriginalCRC is not used).
func (v *VFS) Save(w io.Writer) error {
	return v.SaveWithOptions(w, SaveOptions{})
}

// SaveWithOptions is Save with output-normalization controls.
func (v *VFS) SaveWithOptions(w io.Writer, opts SaveOptions) error {
	zw := zip.NewWriter(w)

	for _, p := range v.Paths() {
		vf := v.files[p]
		mtime := vf.MTime
		if opts.ZeroMTime {
			mtime = time.Time{}
		}
		fh := &zip.FileHeader{
			Name:     p,
			Method:   vf.Method,
			Extra:    vf.Extra,
			Comment:  vf.Comment,
			Modified: mtime,
		}

		if vf.Method == zip.Store {
			fh.CRC32 = crc32.ChecksumIEEE(vf.Data)
			fh.CompressedSize64 = uint64(len(vf.Data))
			fh.UncompressedSize64 = uint64(len(vf.Data))
		}

		fw, err := zw.CreateHeader(fh)
		if err != nil {
			return fmt.Errorf("vfs: create entry %q: %w", p, err)
		}
		if _, err := fw.Write(vf.Data); err != nil {
			return fmt.Errorf("vfs: write entry %q: %w", p, err)
		}
	}

	return zw.Close()
}

// NormalizePath implements spec.md §3.7's normalization/hygiene rule: `\`
// becomes `/`, a leading `/` is stripped, `.`/`..` segments are collapsed
// without ever escaping the root, and the result is rejected outright if
// it contains a control character, any of `<>:"|?*`, a NUL byte, exceeds
// 4096 bytes total, or has a path segment longer than 255 bytes.
func NormalizePath(raw string) (string, bool) {
	if raw == "" || len(raw) > 4096 {
		return "", false
	}
	s := strings.ReplaceAll(raw, "\\", "/")
	s = strings.TrimPrefix(s, "/")

	for _, r := range s {
		if r == 0 || r < 0x20 {
			return "", false
		}
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			return "", false
		}
	}

	var out []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", false // would escape the root
			}
			out = out[:len(out)-1]
		default:
			if len(seg) > 255 {
				return "", false
			}
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", false
	}

	joined := path.Join(out...)
	if len(joined) > 4096 {
		return "", false
	}
	return joined, true
}
