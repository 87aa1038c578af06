// Command apkrewrite is the thin CLI surface around the resource rewrite
// engine (spec.md §6.2): scan, process-apk, validate, plus --help/--version.
//
// The subcommand layout follows github.com/spf13/cobra (grounded via
// corpus manifests, e.g. steveyegge-beads's and upbound-xgql's go.mod),
// replacing github.com/avast/apkparser/axml2xml/main.go's flat `flag`-based
// dispatch with real subcommands since spec.md §6.2 specifies named verbs
// rather than mode flags.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/avast/apkresourcerewrite/apkerr"
	"github.com/avast/apkresourcerewrite/config"
	"github.com/avast/apkresourcerewrite/dex"
	"github.com/avast/apkresourcerewrite/report"
	"github.com/avast/apkresourcerewrite/rewriter"
	"github.com/avast/apkresourcerewrite/scanner"
	"github.com/avast/apkresourcerewrite/txn"
	"github.com/avast/apkresourcerewrite/validate"
)

// version is set by the release build pipeline; it is informational only
// per spec.md §6.1 "version: string (informational)".
var version = "dev"

var log = logrus.StandardLogger()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "apkrewrite",
		Short:   "Rewrite owned class/package identifiers in an APK's resources",
		Version: version,
	}
	root.AddCommand(newScanCmd(), newProcessApkCmd(), newValidateCmd())
	return root
}

func newScanCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "scan <apk>",
		Short: "Scan an APK and print the rewrite candidates it contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apkPath := args[0]
			cfg, err := config.Load(configPath)
			if err != nil {
				return apkerr.Config("scan", err)
			}
			sf := cfg.BuildSemanticFilter(nil)

			tx, err := txn.Begin(apkPath, defaultSnapshotDir())
			if err != nil {
				return err
			}
			defer os.Remove(tx.SnapshotPath)

			_, scanReport, err := tx.Scan(sf)
			if err != nil {
				return err
			}

			fmt.Printf("scanned %s: %d candidate(s)\n", apkPath, len(scanReport.Results))
			for _, r := range scanReport.Results {
				fmt.Printf("  %-18s %-40s %q\n", r.Type, r.Location, r.OriginalValue)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newProcessApkCmd() *cobra.Command {
	var configPath string
	var noAutoSign bool
	cmd := &cobra.Command{
		Use:   "process-apk <apk>",
		Short: "Rewrite owned class/package identifiers in an APK in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := processApk(args[0], configPath, noAutoSign)
			if err != nil {
				return err
			}
			fmt.Printf("%s: success=%v files_rewritten=%d strings_replaced=%d arsc_rewritten=%v rolled_back=%v\n",
				res.ApkPath, res.Success, res.RewriteStats.FilesRewritten, res.RewriteStats.StringsReplaced,
				res.RewriteStats.ArscRewritten, res.RolledBack)
			if !res.Success {
				return fmt.Errorf("process-apk: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")
	cmd.Flags().BoolVar(&noAutoSign, "no-auto-sign", false, "skip zipalign/apksigner even if options.auto_sign is true")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate <apk>",
		Short: "Validate a class/package mapping against its target DEX files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return apkerr.Config("validate", err)
			}
			resolver, err := cfg.BuildResolver()
			if err != nil {
				return err
			}
			cache, err := dex.NewCache(dex.DefaultCapacity)
			if err != nil {
				return err
			}
			mv := &validate.MappingValidator{Classes: resolver.Classes, DexCache: cache}
			res, err := mv.Validate(cfg.DexPaths)
			if err != nil {
				return err
			}
			if !res.Passed() {
				for _, e := range res.Errors {
					fmt.Fprintln(os.Stderr, e)
				}
				return fmt.Errorf("validate: %d error(s)", len(res.Errors))
			}
			fmt.Println("validate: ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")
	cmd.MarkFlagRequired("config")
	return cmd
}

// processApk runs the full transaction sequence of spec.md §4.8 against a
// single APK: begin, scan, validate, rewrite, commit or rollback.
func processApk(apkPath, configPath string, noAutoSign bool) (report.ProcessingResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return report.ProcessingResult{}, apkerr.Config("process-apk", err)
	}

	resolver, err := cfg.BuildResolver()
	if err != nil {
		return report.ProcessingResult{}, err
	}
	sf := cfg.BuildSemanticFilter(nil)

	tx, err := txn.Begin(apkPath, defaultSnapshotDir())
	if err != nil {
		return report.ProcessingResult{}, err
	}
	tx.KeepBackup = cfg.Options.KeepBackup
	tx.AutoSign = cfg.Options.AutoSign && !noAutoSign

	log.WithField("tx", tx.ID).Info("transaction started")

	v, scanReport, err := tx.Scan(sf)
	if err != nil {
		return rollbackAndSummarize(tx, scanReport, rewriter.Stats{}, validate.Result{}, err)
	}

	cache, err := dex.NewCache(dex.DefaultCapacity)
	if err != nil {
		return rollbackAndSummarize(tx, scanReport, rewriter.Stats{}, validate.Result{}, err)
	}
	mv := &validate.MappingValidator{Classes: resolver.Classes, DexCache: cache}
	valRes, err := tx.Validate(mv, cfg.DexPaths)
	if err != nil {
		return rollbackAndSummarize(tx, scanReport, rewriter.Stats{}, valRes, err)
	}

	stats, tmpPath, err := tx.Rewrite(v, scanReport, resolver, sf)
	if err != nil {
		return rollbackAndSummarize(tx, scanReport, stats, valRes, err)
	}

	if err := tx.Commit(context.Background(), tmpPath); err != nil {
		return rollbackAndSummarize(tx, scanReport, stats, valRes, err)
	}

	log.WithField("tx", tx.ID).Info("transaction committed")
	res := report.Summarize(tx.ID, apkPath, scanReport, stats, valRes, nil, false, nil, nil)
	return res, nil
}

// rollbackAndSummarize runs spec.md §4.8 step 6 after any failure between
// begin and commit, and folds the root cause (or the compound rollback
// failure) into a failed ProcessingResult.
func rollbackAndSummarize(tx *txn.Transaction, scanReport *scanner.Report, stats rewriter.Stats, valRes validate.Result, failure error) (report.ProcessingResult, error) {
	rbErr := tx.Rollback(failure)
	res := report.Summarize(tx.ID, tx.ApkPath, scanReport, stats, valRes, nil, true, rbErr, nil)
	return res, rbErr
}

func defaultSnapshotDir() string {
	if dir := os.Getenv("APKREWRITE_SNAPSHOT_DIR"); dir != "" {
		return dir
	}
	return "snapshots"
}
