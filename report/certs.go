package report

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/avast/apkparser"
	"github.com/avast/apkverifier"
)

// ApkverifierInspector is the CertInspector backed by
// github.com/avast/apkverifier's ExtractCerts, used exactly the way
// github.com/avast/apkparser's axml2xml/main.go (printCerts/ExtractCerts)
// pulls signer chains out of a finished APK without re-signing it.
type ApkverifierInspector struct{}

// ExtractCerts opens apkPath and returns every signer certificate chain,
// summarized for ProcessingResult.
func (ApkverifierInspector) ExtractCerts(apkPath string) ([][]CertSummary, error) {
	zr, err := apkparser.OpenZip(apkPath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	chains, err := apkverifier.ExtractCerts(apkPath, zr)
	if err != nil {
		return nil, err
	}

	out := make([][]CertSummary, len(chains))
	for i, chain := range chains {
		summaries := make([]CertSummary, len(chain))
		for j, cert := range chain {
			sum := sha256.Sum256(cert.Raw)
			summaries[j] = CertSummary{
				Subject:   cert.Subject.String(),
				Issuer:    cert.Issuer.String(),
				SHA256:    hex.EncodeToString(sum[:]),
				ValidFrom: cert.NotBefore,
				ValidTo:   cert.NotAfter,
			}
		}
		out[i] = summaries
	}
	return out, nil
}
