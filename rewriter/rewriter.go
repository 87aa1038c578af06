// Package rewriter applies a resolved mapping across the XML and ARSC
// targets a scan surfaced, per spec.md §4.7's orchestration and scope
// discipline: class mapping reaches XML attributes/tag names and ARSC
// global strings; package mapping additionally reaches ARSC package
// names (exact match); type/key pools are never treated as class/package
// text.
package rewriter

import (
	"fmt"
	"strings"

	"github.com/avast/apkresourcerewrite/arsc"
	"github.com/avast/apkresourcerewrite/axml"
	"github.com/avast/apkresourcerewrite/filter"
	"github.com/avast/apkresourcerewrite/mapping"
	"github.com/avast/apkresourcerewrite/vfs"
)

// databindingExprAttrs mirrors scanner.databindingExprAttr: the attribute
// names whose string value is a data-binding expression rather than plain
// text, so a T(FQCN) fragment inside it is resolved and spliced back into
// the surrounding expression instead of replacing the whole value.
var databindingExprAttrs = map[string]struct{}{
	"bind": {}, "app:bind": {},
}

// Stats tallies what Apply changed, the basis of report.ProcessingResult.
type Stats struct {
	FilesRewritten  int
	FilesSkipped    int
	FilesErrored    int
	StringsReplaced int
	ArscRewritten   bool
	PackageRenamed  bool
}

// Apply runs spec.md §4.7 over every file the scan surfaced: decode,
// resolve eligible strings through the mapping, re-encode, write back. A
// per-file failure is recorded and the file's original bytes are kept
// (spec.md §7's partial-failure batch semantics) rather than aborting the
// whole rewrite.
func Apply(v *vfs.VFS, files []string, resolver *mapping.Resolver, sf *filter.SemanticFilter) (Stats, error) {
	var stats Stats

	for _, file := range files {
		data, ok := v.Read(file)
		if !ok {
			stats.FilesSkipped++
			continue
		}

		out, n, changed, err := rewriteXML(data, resolver, sf)
		if err != nil {
			stats.FilesErrored++
			continue
		}
		if !changed {
			stats.FilesSkipped++
			continue
		}
		if err := v.Write(file, out); err != nil {
			stats.FilesErrored++
			continue
		}
		stats.FilesRewritten++
		stats.StringsReplaced += n
	}

	if data, ok := v.Read("resources.arsc"); ok {
		out, n, changed, renamed, err := rewriteArsc(data, resolver, sf)
		if err != nil {
			return stats, fmt.Errorf("rewriter: resources.arsc: %w", err)
		}
		if changed {
			if err := v.Write("resources.arsc", out); err != nil {
				return stats, fmt.Errorf("rewriter: write resources.arsc: %w", err)
			}
			stats.ArscRewritten = true
			stats.StringsReplaced += n
			stats.PackageRenamed = renamed
		}
	}

	return stats, nil
}

func rewriteXML(data []byte, resolver *mapping.Resolver, sf *filter.SemanticFilter) ([]byte, int, bool, error) {
	doc, err := axml.Decode(data)
	if err != nil {
		return nil, 0, false, err
	}
	if doc.Pool == nil {
		return data, 0, false, nil
	}

	n := 0
	elementNames := make(map[uint32]string) // NameIdx -> tag, for attribute context

	for _, ev := range doc.Events {
		if ev.Kind != axml.StartElement {
			continue
		}
		tag := poolString(doc, ev.NameIdx)
		elementNames[ev.NameIdx] = tag

		if sf.Accepts(tag, filter.Context{Tag: tag, IsTagName: true}) {
			if resolved, ok := resolver.Resolve(tag); ok {
				doc.Pool.Set(int(ev.NameIdx), resolved)
				n++
			}
		}

		for _, attr := range ev.Attributes {
			if attr.Value.Type != 0x03 {
				continue
			}
			attrName := resolvedAttrName(doc, attr)
			if attrName == "" {
				continue
			}
			val := poolString(doc, attr.RawValueIdx)

			if _, isBind := databindingExprAttrs[attrName]; isBind {
				ctx := filter.Context{Tag: tag, AttrName: attrName, IsDataBindingExpr: true}
				if fqcn, ok := filter.ExtractDataBindingType(val); ok && sf.Accepts(val, ctx) {
					if resolved, ok := resolver.Resolve(fqcn); ok {
						doc.Pool.Set(int(attr.RawValueIdx), strings.Replace(val, fqcn, resolved, 1))
						n++
					}
				}
				continue
			}

			ctx := filter.Context{Tag: tag, AttrName: attrName}
			if sf.Accepts(val, ctx) {
				if resolved, ok := resolver.Resolve(val); ok {
					doc.Pool.Set(int(attr.RawValueIdx), resolved)
					n++
				}
			}
		}
	}

	if n == 0 {
		return data, 0, false, nil
	}

	out, err := doc.Encode()
	if err != nil {
		return nil, 0, false, err
	}
	return out, n, true, nil
}

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

// rewriteArsc applies §4.7 item 3: patch the package name if a package
// mapping entry's OldPrefix equals it exactly (pass-through path, no pool
// edits required for that alone), and apply
// class+package resolution to the global string pool only — type/key
// pools are untouched.
func rewriteArsc(data []byte, resolver *mapping.Resolver, sf *filter.SemanticFilter) ([]byte, int, bool, bool, error) {
	table, err := arsc.Decode(data)
	if err != nil {
		return nil, 0, false, false, err
	}

	changed := false
	renamed := false
	n := 0

	if resolver.Packages != nil {
		entries := resolver.Packages.Entries()
		for _, pkg := range table.Packages {
			for _, e := range entries {
				if e.OldPrefix == pkg.Name && e.NewPrefix != pkg.Name {
					pkg.SetName(e.NewPrefix)
					changed = true
					renamed = true
					break
				}
			}
		}
	}

	if table.GlobalStrings != nil {
		for i := 0; i < table.GlobalStrings.Len(); i++ {
			s := table.GlobalStrings.Get(i)
			if !sf.AcceptsArscGlobalString(s) {
				continue
			}
			resolved, ok := resolver.Resolve(s)
			if !ok || resolved == s {
				continue
			}
			table.GlobalStrings.Set(i, resolved)
			n++
			changed = true
		}
	}

	if !changed {
		return data, 0, false, false, nil
	}

	out, err := table.Encode()
	if err != nil {
		return nil, 0, false, false, err
	}
	return out, n, true, renamed, nil
}
