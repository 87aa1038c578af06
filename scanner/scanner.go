// Package scanner walks an APK's in-memory VFS and emits read-only
// ScanResult records for every string that is a candidate for rewrite
// (spec.md §4.6). It never writes anything back.
//
// The fixed-root-with-fallback directory walk is grounded on
// github.com/avast/apkparser/apkparser.go's ParseApk traversal shape
// (open each entry, decode, move on) generalized from "parse and discard"
// to "parse and record".
package scanner

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/avast/apkresourcerewrite/arsc"
	"github.com/avast/apkresourcerewrite/axml"
	"github.com/avast/apkresourcerewrite/filter"
	"github.com/avast/apkresourcerewrite/vfs"
)

// SemanticType classifies where a rewrite candidate was found.
type SemanticType int

const (
	TagName SemanticType = iota
	AttributeValue
	DataBindingType
	DataBindingExpr
	ArscString
	PackageName
)

func (t SemanticType) String() string {
	switch t {
	case TagName:
		return "TAG_NAME"
	case AttributeValue:
		return "ATTRIBUTE_VALUE"
	case DataBindingType:
		return "DATABINDING_TYPE"
	case DataBindingExpr:
		return "DATABINDING_EXPR"
	case ArscString:
		return "ARSC_STRING"
	case PackageName:
		return "PACKAGE_NAME"
	default:
		return "UNKNOWN"
	}
}

// Result is one rewrite candidate found by the scan.
type Result struct {
	File          string
	Type          SemanticType
	Location      string // human-readable locator: element path, "global[idx]", "pkg[i].key[idx]", ...
	OriginalValue string
	PoolIndex     int // -1 if not applicable
}

// Report is the full, read-only output of a scan.
type Report struct {
	Results []Result
}

var manifestPath = "AndroidManifest.xml"

var fallbackExcludedPrefixes = []string{"META-INF/", "original/", "kotlin/"}

// ListXMLTargets implements spec.md §4.6/testable property 6: prefer
// res/**/*.xml; if that directory is empty (obfuscated APKs sometimes
// relocate resources), fall back to every *.xml entry except the
// manifest and a few known non-resource directories.
func ListXMLTargets(v *vfs.VFS) []string {
	var primary []string
	for _, p := range v.Paths() {
		if strings.HasPrefix(p, "res/") && strings.HasSuffix(p, ".xml") {
			primary = append(primary, p)
		}
	}
	if len(primary) > 0 {
		sort.Strings(primary)
		return primary
	}

	var fallback []string
	for _, p := range v.Paths() {
		if !strings.HasSuffix(p, ".xml") || p == manifestPath {
			continue
		}
		excluded := false
		for _, pre := range fallbackExcludedPrefixes {
			if strings.HasPrefix(p, pre) {
				excluded = true
				break
			}
		}
		if !excluded {
			fallback = append(fallback, p)
		}
	}
	sort.Strings(fallback)
	return fallback
}

var databindingExprAttr = map[string]struct{}{
	"bind": {}, "app:bind": {},
}

// Scan walks every XML rewrite target plus resources.arsc and records
// every candidate string the semantic filter (§4.4) accepts, without
// mutating anything.
func Scan(v *vfs.VFS, sf *filter.SemanticFilter) (*Report, error) {
	report := &Report{}

	for _, file := range ListXMLTargets(v) {
		data, ok := v.Read(file)
		if !ok {
			continue
		}
		results, err := scanXMLFile(file, data, sf)
		if err != nil {
			// Semantic warning per spec.md §7: unreadable XML is passed
			// through unchanged, not fatal to the batch.
			continue
		}
		report.Results = append(report.Results, results...)
	}

	if data, ok := v.Read("resources.arsc"); ok {
		results, err := scanArsc(data, sf)
		if err == nil {
			report.Results = append(report.Results, results...)
		}
	}

	return report, nil
}

func scanXMLFile(file string, data []byte, sf *filter.SemanticFilter) ([]Result, error) {
	doc, err := axml.Decode(data)
	if err != nil {
		return nil, err
	}

	var out []Result
	var elementPath []string

	for _, ev := range doc.Events {
		switch ev.Kind {
		case axml.StartElement:
			name := poolString(doc, ev.NameIdx)
			elementPath = append(elementPath, name)
			loc := strings.Join(elementPath, "/")

			if sf.Accepts(name, filter.Context{Tag: name, IsTagName: true}) {
				out = append(out, Result{
					File: file, Type: TagName, Location: loc,
					OriginalValue: name, PoolIndex: int(ev.NameIdx),
				})
			}

			for _, attr := range ev.Attributes {
				if attr.Value.Type != 0x03 { // only RAW string-form attribute values carry FQCN text
					continue
				}
				attrName := resolvedAttrName(doc, attr)
				val := poolString(doc, attr.RawValueIdx)
				ctx := filter.Context{Tag: name, AttrName: attrName}

				if attrName == "" {
					continue
				}
				if _, isBind := databindingExprAttr[attrName]; isBind {
					ctx.IsDataBindingExpr = true
					if fqcn, ok := filter.ExtractDataBindingType(val); ok && sf.Accepts(val, ctx) {
						out = append(out, Result{
							File: file, Type: DataBindingType, Location: loc + "@" + attrName,
							OriginalValue: fqcn, PoolIndex: int(attr.RawValueIdx),
						})
					}
					continue
				}
				if sf.Accepts(val, ctx) {
					out = append(out, Result{
						File: file, Type: AttributeValue, Location: loc + "@" + attrName,
						OriginalValue: val, PoolIndex: int(attr.RawValueIdx),
					})
				}
			}
		case axml.EndElement:
			if len(elementPath) > 0 {
				elementPath = elementPath[:len(elementPath)-1]
			}
		}
	}

	return out, nil
}

// wellKnownNamespaces maps AXML's namespace URIs to the conventional
// prefixes the semantic filter's attribute allowlist is keyed on
// (spec.md §4.4); anything else is left unqualified.
var wellKnownNamespaces = map[string]string{
	"http://schemas.android.com/apk/res/android": "android",
	"http://schemas.android.com/apk/res-auto":    "app",
	"http://schemas.android.com/tools":           "tools",
}

func resolvedAttrName(doc *axml.Document, attr axml.Attribute) string {
	name := poolString(doc, attr.NameIdx)
	if attr.NamespaceIdx == axml.MissingIndex {
		return name
	}
	uri := poolString(doc, attr.NamespaceIdx)
	if prefix, ok := wellKnownNamespaces[uri]; ok {
		return prefix + ":" + name
	}
	return name
}

func poolString(doc *axml.Document, idx uint32) string {
	if idx == axml.MissingIndex || doc.Pool == nil || int(idx) >= doc.Pool.Len() {
		return ""
	}
	return doc.Pool.Get(int(idx))
}

func scanArsc(data []byte, sf *filter.SemanticFilter) ([]Result, error) {
	table, err := arsc.Decode(data)
	if err != nil {
		return nil, err
	}

	var out []Result
	if table.GlobalStrings != nil {
		for i := 0; i < table.GlobalStrings.Len(); i++ {
			s := table.GlobalStrings.Get(i)
			if sf.AcceptsArscGlobalString(s) {
				out = append(out, Result{
					File: "resources.arsc", Type: ArscString,
					Location: "global[" + strconv.Itoa(i) + "]", OriginalValue: s, PoolIndex: i,
				})
			}
		}
	}

	for pi, pkg := range table.Packages {
		if sf.AcceptsArscGlobalString(pkg.Name) {
			out = append(out, Result{
				File: "resources.arsc", Type: PackageName,
				Location: "pkg[" + strconv.Itoa(pi) + "]", OriginalValue: pkg.Name, PoolIndex: -1,
			})
		}
		if pkg.KeyStrings != nil {
			for ki := 0; ki < pkg.KeyStrings.Len(); ki++ {
				s := pkg.KeyStrings.Get(ki)
				if sf.AcceptsArscGlobalString(s) {
					out = append(out, Result{
						File: "resources.arsc", Type: ArscString,
						Location: "pkg[" + strconv.Itoa(pi) + "].key[" + strconv.Itoa(ki) + "]",
						OriginalValue: s, PoolIndex: ki,
					})
				}
			}
		}
	}

	return out, nil
}

// MatchesGlob reports whether a normalized VFS path matches a simple
// `**`-aware glob, used by tests exercising spec.md §8 scenario S6.
func MatchesGlob(pattern, p string) bool {
	if !strings.Contains(pattern, "**") {
		ok, err := path.Match(pattern, p)
		return err == nil && ok
	}
	parts := strings.SplitN(pattern, "**", 2)
	prefix, suffix := parts[0], strings.TrimPrefix(parts[1], "/")
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	rest := strings.TrimPrefix(p, prefix)
	ok, err := path.Match(suffix, path.Base(rest))
	return err == nil && ok
}
