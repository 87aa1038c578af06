// Package report defines the user-visible outcomes of a transaction
// (spec.md §7/§6.3): a ProcessingResult summarizing a rewrite, and an
// audit logger writing the §6.3 line format.
//
// The audit log and logging levels are threaded through
// github.com/sirupsen/logrus (grounded via corpus manifests carrying
// sirupsen/logrus, e.g. AKJUS-bsc-erigon's go.mod), the way
// github.com/avast/apkparser's own tools print diagnostics to a single
// stream rather than building a bespoke reporting type per call site.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avast/apkresourcerewrite/rewriter"
	"github.com/avast/apkresourcerewrite/scanner"
	"github.com/avast/apkresourcerewrite/validate"
)

// ProcessingResult is the summary returned to the CLI/caller after a
// rewrite attempt (spec.md §7): modification counts, a validation summary,
// and whether the transaction rolled back.
type ProcessingResult struct {
	Success         bool
	TransactionID   string
	ApkPath         string
	Scan            *scanner.Report
	RewriteStats    rewriter.Stats
	Validation      validate.Result
	Integrity       *validate.IntegrityReport
	RolledBack      bool
	Error           string

	// SignerCerts is filled in only when a CertInspector is supplied to
	// Summarize; its absence never affects Success (spec.md §1: re-signing
	// and certificate handling are external collaborators).
	SignerCerts [][]CertSummary
}

// CertSummary is the informational subset of an X.509 certificate this
// module surfaces; it never gates a commit decision.
type CertSummary struct {
	Subject      string
	Issuer       string
	SHA256       string
	ValidFrom    time.Time
	ValidTo      time.Time
}

// CertInspector is the optional collaborator that extracts signer
// certificates from a finished APK (spec.md §1's "external zipalign and
// apksigner" boundary extends to certificate inspection: this system
// never re-signs, it only reports what it finds).
type CertInspector interface {
	ExtractCerts(apkPath string) ([][]CertSummary, error)
}

// Summarize builds a ProcessingResult from a completed (or failed)
// transaction's pieces. inspector may be nil, in which case SignerCerts is
// left empty.
func Summarize(txID, apkPath string, scanReport *scanner.Report, stats rewriter.Stats, val validate.Result, integrity *validate.IntegrityReport, rolledBack bool, failure error, inspector CertInspector) ProcessingResult {
	res := ProcessingResult{
		TransactionID: txID,
		ApkPath:       apkPath,
		Scan:          scanReport,
		RewriteStats:  stats,
		Validation:    val,
		Integrity:     integrity,
		RolledBack:    rolledBack,
		Success:       failure == nil,
	}
	if failure != nil {
		res.Error = failure.Error()
	}
	if inspector != nil && failure == nil {
		if certs, err := inspector.ExtractCerts(apkPath); err == nil {
			res.SignerCerts = certs
		}
	}
	return res
}

// AuditLogger writes the line-formatted events of spec.md §6.3
// (`[timestamp] KIND | fields…`) through its own logrus logger, whose
// formatter renders that line format; the destination is whatever writer
// NewAuditLogger was given.
type AuditLogger struct {
	*logrus.Logger
}

// NewAuditLogger returns a logger that writes §6.3-format lines at Info
// level and above to w. It does not open or create any file itself.
func NewAuditLogger(w io.Writer) *AuditLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&auditFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &AuditLogger{Logger: l}
}

// auditFormatter renders spec.md §6.3's `[timestamp] KIND | fields…` line
// format instead of logrus's default text/JSON formatters.
type auditFormatter struct{}

func (auditFormatter) Format(e *logrus.Entry) ([]byte, error) {
	kind := e.Message
	line := fmt.Sprintf("[%s] %s", e.Time.Format(time.RFC3339), kind)
	for k, v := range e.Data {
		line += fmt.Sprintf(" | %s=%v", k, v)
	}
	line += "\n"
	return []byte(line), nil
}

// Event appends one audit-log line for kind with the given fields.
func (a *AuditLogger) Event(kind string, fields logrus.Fields) {
	a.WithFields(fields).Info(kind)
}
