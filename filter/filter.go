// Package filter implements the owned-vs-system/third-party whitelist
// (spec.md §3.6) and the semantic filter that decides whether a string
// denotes class/package identity eligible for substitution (spec.md §4.4).
//
// The databinding-expression extraction uses regexp the way
// google/battery-historian's packageutils.go uses regexp.MustCompile to
// pull structured fields out of free-form strings.
package filter

import (
	"regexp"
	"strings"
	"sync"
)

// SystemPrefixes are FQCN prefixes that are never eligible for rewrite
// regardless of the configured mapping (spec.md §3.6, testable property 6).
var SystemPrefixes = []string{
	"android.",
	"androidx.",
	"com.google.",
	"com.android.",
	"kotlin.",
	"kotlinx.",
	"java.",
	"javax.",
	"dalvik.",
	"org.apache.",
	"org.json.",
	"org.xml.",
	"org.w3c.",
}

// CommonThirdPartyPrefixes are well-known third-party libraries that are
// never eligible for rewrite, even when the operator's own prefixes would
// otherwise admit them.
var CommonThirdPartyPrefixes = []string{
	"com.squareup.",
	"com.facebook.",
	"okhttp3.",
	"retrofit2.",
	"io.reactivex.",
	"org.jetbrains.",
}

// Whitelist decides should_replace(s) per spec.md §3.6: prefixes are
// compared with a trailing ".", so an owned prefix also matches s equal to
// the prefix minus its trailing dot.
type Whitelist struct {
	mu            sync.RWMutex
	ownPrefixes   map[string]struct{}
	userExcludes  map[string]struct{}
}

// NewWhitelist builds a Whitelist from the operator's own prefixes and any
// explicit user exclusions. Both sets may be grown later via AddOwnPrefix/
// AddUserExclude under "set add" semantics (spec.md §5).
func NewWhitelist(ownPrefixes, userExcludes []string) *Whitelist {
	w := &Whitelist{
		ownPrefixes:  make(map[string]struct{}),
		userExcludes: make(map[string]struct{}),
	}
	for _, p := range ownPrefixes {
		w.AddOwnPrefix(p)
	}
	for _, p := range userExcludes {
		w.AddUserExclude(p)
	}
	return w
}

func normalizePrefix(p string) string {
	return strings.TrimSuffix(p, ".")
}

// AddOwnPrefix registers an additional owned prefix; safe for concurrent use.
func (w *Whitelist) AddOwnPrefix(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ownPrefixes[normalizePrefix(p)] = struct{}{}
}

// AddUserExclude registers an additional excluded prefix; safe for
// concurrent use.
func (w *Whitelist) AddUserExclude(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.userExcludes[normalizePrefix(p)] = struct{}{}
}

// OwnPrefixes returns a defensive copy of the owned-prefix set.
func (w *Whitelist) OwnPrefixes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.ownPrefixes))
	for p := range w.ownPrefixes {
		out = append(out, p)
	}
	return out
}

func matchesPrefix(s, prefix string) bool {
	return s == prefix || strings.HasPrefix(s, prefix+".")
}

func matchesAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if matchesPrefix(s, strings.TrimSuffix(p, ".")) {
			return true
		}
	}
	return false
}

// ShouldReplace implements spec.md §3.6's should_replace(s): false if s is
// covered by a system/third-party/user-exclude prefix; true if an owned
// prefix covers it; false otherwise (conservative default).
func (w *Whitelist) ShouldReplace(s string) bool {
	if matchesAny(s, SystemPrefixes) || matchesAny(s, CommonThirdPartyPrefixes) {
		return false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	for p := range w.userExcludes {
		if matchesPrefix(s, p) {
			return false
		}
	}
	for p := range w.ownPrefixes {
		if matchesPrefix(s, p) {
			return true
		}
	}
	return false
}

// HasOwnPrefix reports whether s begins with any configured own prefix,
// used by the ARSC global-string scan's extra filter (spec.md §4.4).
func (w *Whitelist) HasOwnPrefix(s string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for p := range w.ownPrefixes {
		if matchesPrefix(s, p) {
			return true
		}
	}
	return false
}

// Context describes where a candidate string was found, used by the
// semantic filter to decide class/package eligibility (spec.md §4.4).
type Context struct {
	Tag              string
	AttrName         string
	IsTagName        bool
	IsDataBindingExpr bool
}

// attrNameAllowlist is the set of attribute names treated as carrying
// class/package semantics.
var attrNameAllowlist = map[string]struct{}{
	"android:name":            {},
	"class":                   {},
	"android:fragment":        {},
	"app:actionViewClass":     {},
	"app:actionProviderClass": {},
	"app:layoutManager":       {},
	"type":                    {},
	"tools:context":           {},
}

var databindingTypeRE = regexp.MustCompile(`T\(([A-Za-z0-9_.]+)\)`)

// looksLikeFQCN reports whether s has FQCN shape: contains a dot, does not
// start with "@", and every dot-separated segment is a valid Java
// identifier (letters, digits, '_', '$', not starting with a digit).
func looksLikeFQCN(s string) bool {
	if s == "" || strings.HasPrefix(s, "@") || !strings.Contains(s, ".") {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if !isJavaIdentifier(seg) {
			return false
		}
	}
	return true
}

func isJavaIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	for i, r := range seg {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ExtractDataBindingType extracts the FQCN captured by T(FQCN) in a
// databinding expression, per spec.md §4.4 item 3.
func ExtractDataBindingType(expr string) (string, bool) {
	m := databindingTypeRE.FindStringSubmatch(expr)
	if m == nil {
		return "", false
	}
	if !looksLikeFQCN(m[1]) {
		return "", false
	}
	return m[1], true
}

// SemanticFilter combines §4.4's semantic acceptance with the whitelist.
type SemanticFilter struct {
	Whitelist             *Whitelist
	ProcessToolsContext    bool
}

// NewSemanticFilter builds a filter over the given whitelist. If
// processToolsContext is false, tools:context is excluded from the
// attribute-name allowlist (config option §6.1 options.process_tools_context).
func NewSemanticFilter(w *Whitelist, processToolsContext bool) *SemanticFilter {
	return &SemanticFilter{Whitelist: w, ProcessToolsContext: processToolsContext}
}

// candidate returns the FQCN this string is a candidate for (the string
// itself, or a databinding-extracted FQCN), and whether semantic
// acceptance (pre-whitelist) holds.
func (f *SemanticFilter) candidate(s string, ctx Context) (string, bool) {
	if ctx.IsTagName && looksLikeFQCN(s) {
		return s, true
	}
	if ctx.AttrName != "" {
		_, allowed := attrNameAllowlist[ctx.AttrName]
		if allowed && (ctx.AttrName != "tools:context" || f.ProcessToolsContext) {
			return s, true
		}
	}
	if ctx.IsDataBindingExpr {
		if fqcn, ok := ExtractDataBindingType(s); ok {
			return fqcn, true
		}
	}
	return "", false
}

// Accepts implements the conjunctive accept of spec.md §4.4: semantic
// acceptance AND whitelist admission.
func (f *SemanticFilter) Accepts(s string, ctx Context) bool {
	fqcn, ok := f.candidate(s, ctx)
	if !ok {
		return false
	}
	return f.Whitelist.ShouldReplace(fqcn)
}

// AcceptsArscGlobalString applies the additional ARSC global-string-pool
// restriction from spec.md §4.4: the string must begin with an own prefix,
// since that pool otherwise contains arbitrary non-class content.
func (f *SemanticFilter) AcceptsArscGlobalString(s string) bool {
	if !looksLikeFQCN(s) {
		return false
	}
	if !f.Whitelist.HasOwnPrefix(s) {
		return false
	}
	return f.Whitelist.ShouldReplace(s)
}
