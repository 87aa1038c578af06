// Package txn is the transactional driver (spec.md §3.8/§4.8): it snapshots
// an APK, scans it, validates a mapping against it, rewrites a fresh VFS,
// and commits the result or rolls back to the snapshot on any failure.
//
// Transaction identifiers use github.com/google/uuid, seen pinned across
// corpus manifests (e.g. google/uuid v1.6.0 in upbound-xgql's go.mod);
// external tool invocation (zipalign/apksigner) follows the
// os/exec + context.WithTimeout shape idiomatic Go CLIs use to bound a
// child process, since none of the corpus's own code shells out to a
// build tool the way this driver's external collaborators do. The optional
// aapt2 check is an injected Aapt2Validator, not a process spawned here.
package txn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/avast/apkresourcerewrite/apkerr"
	"github.com/avast/apkresourcerewrite/filter"
	"github.com/avast/apkresourcerewrite/mapping"
	"github.com/avast/apkresourcerewrite/rewriter"
	"github.com/avast/apkresourcerewrite/scanner"
	"github.com/avast/apkresourcerewrite/validate"
	"github.com/avast/apkresourcerewrite/vfs"
)

// State is the transaction's position in spec.md §3.8's state machine.
type State int

const (
	Created State = iota
	Validating
	Validated
	Executing
	Committed
	RolledBack
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Validating:
		return "VALIDATING"
	case Validated:
		return "VALIDATED"
	case Executing:
		return "EXECUTING"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Aapt2Validator is the optional static validator (spec.md §9): its
// absence must never block a commit, so Transaction calls it only when
// non-nil and discards its error: a failing validator neither blocks the
// commit nor is logged or returned.
type Aapt2Validator interface {
	Validate(ctx context.Context, apkPath string) error
}

const (
	alignTimeout = 60 * time.Second
	signTimeout  = 120 * time.Second
)

// Transaction drives one APK through begin -> scan -> validate -> rewrite
// -> commit/rollback.
type Transaction struct {
	ID           string
	ApkPath      string
	SnapshotPath string
	ModifiedFiles []string

	State State

	Aapt2        Aapt2Validator
	KeepBackup   bool
	AutoSign     bool
	ZipalignPath string
	ApksignerPath string
}

// Begin copies apkPath to a snapshot file and returns a new Transaction in
// state CREATED (spec.md §4.8 step 1). It fails fast if the filesystem
// backing snapshotDir reports less free space than 3x the APK's size.
func Begin(apkPath, snapshotDir string) (*Transaction, error) {
	info, err := os.Stat(apkPath)
	if err != nil {
		return nil, apkerr.Zip("begin", fmt.Errorf("stat %q: %w", apkPath, err))
	}

	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, apkerr.Zip("begin", fmt.Errorf("create snapshot dir: %w", err))
	}

	if err := checkFreeSpace(snapshotDir, 3*info.Size()); err != nil {
		return nil, apkerr.Zip("begin", err)
	}

	id := uuid.NewString()
	snapshotPath := filepath.Join(snapshotDir, id+".snapshot")
	if err := copyFile(apkPath, snapshotPath); err != nil {
		return nil, apkerr.Zip("begin", fmt.Errorf("snapshot: %w", err))
	}

	return &Transaction{
		ID:           id,
		ApkPath:      apkPath,
		SnapshotPath: snapshotPath,
		State:        Created,
		KeepBackup:   true,
		AutoSign:     true,
	}, nil
}

// Scan loads the APK's VFS and emits a ScanReport (spec.md §4.8 step 2).
func (t *Transaction) Scan(sf *filter.SemanticFilter) (*vfs.VFS, *scanner.Report, error) {
	f, err := os.Open(t.ApkPath)
	if err != nil {
		return nil, nil, apkerr.Zip("scan", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, apkerr.Zip("scan", err)
	}

	v, _, err := vfs.Load(f, info.Size(), vfs.DefaultLimits)
	if err != nil {
		return nil, nil, apkerr.Zip("scan", err)
	}

	report, err := scanner.Scan(v, sf)
	if err != nil {
		return nil, nil, apkerr.Codec("scan", err)
	}
	return v, report, nil
}

// Validate runs the MappingValidator (cycle + missing-class) over the
// class mapping (spec.md §4.8 step 3, §4.9). On success, State moves to
// VALIDATED; otherwise to FAILED.
func (t *Transaction) Validate(mv *validate.MappingValidator, dexPaths []string) (validate.Result, error) {
	t.State = Validating
	res, err := mv.Validate(dexPaths)
	if err != nil {
		t.State = Failed
		return res, apkerr.Validation("validate", err)
	}
	if !res.Passed() {
		t.State = Failed
		return res, apkerr.Validation("validate", fmt.Errorf("%d validation error(s)", len(res.Errors)))
	}
	t.State = Validated
	return res, nil
}

// Rewrite applies the rewriter over the scanned VFS's XML targets plus
// resources.arsc, and saves the result to `<apk>.tmp` (spec.md §4.8 step 4).
func (t *Transaction) Rewrite(v *vfs.VFS, report *scanner.Report, resolver *mapping.Resolver, sf *filter.SemanticFilter) (rewriter.Stats, string, error) {
	t.State = Executing

	files := uniqueFiles(report)
	stats, err := rewriter.Apply(v, files, resolver, sf)
	if err != nil {
		t.State = Failed
		return stats, "", apkerr.Codec("rewrite", err)
	}

	tmpPath := t.ApkPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		t.State = Failed
		return stats, "", apkerr.Zip("rewrite", err)
	}
	if err := v.Save(out); err != nil {
		out.Close()
		os.Remove(tmpPath)
		t.State = Failed
		return stats, "", apkerr.Zip("rewrite", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		t.State = Failed
		return stats, "", apkerr.Zip("rewrite", err)
	}

	t.ModifiedFiles = files
	return stats, tmpPath, nil
}

func uniqueFiles(report *scanner.Report) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range report.Results {
		if r.File == "resources.arsc" {
			continue
		}
		if _, ok := seen[r.File]; ok {
			continue
		}
		seen[r.File] = struct{}{}
		out = append(out, r.File)
	}
	return out
}

// Commit first runs zipalign and apksigner on tmpPath (each only when
// AutoSign is set and that tool's path is configured), then atomically
// moves the result onto the APK path, then deletes the snapshot unless
// KeepBackup is set (spec.md §4.8 step 5).
func (t *Transaction) Commit(ctx context.Context, tmpPath string) error {
	if t.AutoSign && t.ZipalignPath != "" {
		aligned := tmpPath + ".aligned.tmp"
		if err := runExternalTool(ctx, alignTimeout, t.ZipalignPath, "-f", "4", tmpPath, aligned); err != nil {
			return apkerr.ExternalTool("zipalign", err)
		}
		os.Remove(tmpPath)
		tmpPath = aligned
	}
	if t.AutoSign && t.ApksignerPath != "" {
		if err := runExternalTool(ctx, signTimeout, t.ApksignerPath, "sign", tmpPath); err != nil {
			return apkerr.ExternalTool("apksigner", err)
		}
	}
	if t.Aapt2 != nil {
		if err := t.Aapt2.Validate(ctx, tmpPath); err != nil {
			// Per spec.md §9, aapt2's absence or failure never blocks commit;
			// the error is discarded here and not returned to the caller.
			_ = err
		}
	}

	if err := os.Rename(tmpPath, t.ApkPath); err != nil {
		return apkerr.Zip("commit", fmt.Errorf("move temp output onto apk path: %w", err))
	}

	if !t.KeepBackup {
		os.Remove(t.SnapshotPath)
	}

	t.State = Committed
	return nil
}

// Rollback restores the APK from its snapshot (spec.md §4.8 step 6). If
// the restore itself fails, the returned error is an *apkerr.Compound
// pairing root with the rollback failure, per spec.md §7.
func (t *Transaction) Rollback(root error) error {
	if err := copyFile(t.SnapshotPath, t.ApkPath); err != nil {
		t.State = Failed
		return &apkerr.Compound{Root: root, Secondary: apkerr.Rollback("rollback", err)}
	}
	os.Remove(t.SnapshotPath)
	t.State = RolledBack
	return root
}

// statFreeSpace reports an error if the filesystem backing dir has less
// than required bytes free, using syscall.Statfs the way a Linux CLI
// tool bounds a destructive disk operation before starting it.
func statFreeSpace(dir string, required int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %q: %w", dir, err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < required {
		return fmt.Errorf("insufficient free space in %q: need %d bytes, have %d", dir, required, free)
	}
	return nil
}

func checkFreeSpace(dir string, required int64) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // MkdirAll creates it; nothing to check against yet
		}
		return fmt.Errorf("stat snapshot dir: %w", err)
	}
	_ = info
	return statFreeSpace(dir, required)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func runExternalTool(ctx context.Context, timeout time.Duration, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
