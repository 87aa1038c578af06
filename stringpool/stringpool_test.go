package stringpool_test

import (
	"testing"

	"github.com/avast/apkresourcerewrite/stringpool"
)

func roundTrip(t *testing.T, p *stringpool.Pool) *stringpool.Pool {
	t.Helper()
	data, downgraded, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if downgraded {
		t.Fatalf("unexpected downgrade")
	}
	out, err := stringpool.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestRoundTripUTF16(t *testing.T) {
	p := &stringpool.Pool{
		Entries:  []string{"com.example.MainActivity", "Hello World", ""},
		Encoding: stringpool.UTF16LE,
	}
	out := roundTrip(t, p)
	if out.Len() != p.Len() {
		t.Fatalf("entry count changed: %d -> %d", p.Len(), out.Len())
	}
	for i := range p.Entries {
		if out.Get(i) != p.Entries[i] {
			t.Errorf("entry %d: got %q, want %q", i, out.Get(i), p.Entries[i])
		}
	}
	if out.Encoding != stringpool.UTF16LE {
		t.Errorf("encoding changed: got %v, want UTF16LE", out.Encoding)
	}
}

func TestRoundTripUTF8(t *testing.T) {
	p := &stringpool.Pool{
		Entries:  []string{"com.example.ui.HomeFragment", "res/layout/activity_main.xml"},
		Encoding: stringpool.UTF8,
	}
	out := roundTrip(t, p)
	if out.Encoding != stringpool.UTF8 {
		t.Errorf("encoding changed: got %v, want UTF8", out.Encoding)
	}
	for i := range p.Entries {
		if out.Get(i) != p.Entries[i] {
			t.Errorf("entry %d: got %q, want %q", i, out.Get(i), p.Entries[i])
		}
	}
}

// TestIndexStability covers spec.md §8 property 2: a rewrite that only
// touches some entries must leave every other entry and the overall count
// untouched.
func TestIndexStability(t *testing.T) {
	p := &stringpool.Pool{
		Entries:  []string{"com.example.MainActivity", "android.app.Activity", "Hello World"},
		Encoding: stringpool.UTF8,
	}
	p.Set(0, "com.special.RenamedActivity")

	out := roundTrip(t, p)
	if out.Len() != 3 {
		t.Fatalf("entry count changed: got %d, want 3", out.Len())
	}
	if out.Get(0) != "com.special.RenamedActivity" {
		t.Errorf("entry 0 not rewritten: %q", out.Get(0))
	}
	if out.Get(1) != "android.app.Activity" || out.Get(2) != "Hello World" {
		t.Errorf("untouched entries changed: %q, %q", out.Get(1), out.Get(2))
	}
}

// TestDowngradeOnOversizedString covers spec.md §8 property 7: a UTF-8
// pool whose rewritten entry exceeds the length-prefix bound downgrades
// to UTF-16 rather than truncating or corrupting.
func TestDowngradeOnOversizedString(t *testing.T) {
	big := make([]rune, 0x8000)
	for i := range big {
		big[i] = 'a'
	}
	p := &stringpool.Pool{
		Entries:  []string{string(big)},
		Encoding: stringpool.UTF8,
	}
	data, downgraded, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !downgraded {
		t.Fatalf("expected downgrade for an oversized UTF-8 entry")
	}
	out, err := stringpool.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Encoding != stringpool.UTF16LE {
		t.Fatalf("pool did not downgrade to UTF16LE, got %v", out.Encoding)
	}
	if out.Get(0) != string(big) {
		t.Fatalf("downgraded content mismatch")
	}
}

// TestModifiedUTF8 covers spec.md §8 property 8: NUL encodes as C0 80,
// ASCII as one byte, and a supplementary-plane character as two 3-byte
// surrogate-half sequences, all round-tripping.
func TestModifiedUTF8(t *testing.T) {
	cases := []struct {
		name string
		s    string
	}{
		{"nul", " "},
		{"ascii", "Hello"},
		{"supplementary", "\U0001F600"}, // U+1F600, encoded as a surrogate pair
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stringpool.Pool{Entries: []string{tc.s}, Encoding: stringpool.UTF8}
			out := roundTrip(t, p)
			if out.Get(0) != tc.s {
				t.Fatalf("got %q, want %q", out.Get(0), tc.s)
			}
		})
	}
}

// TestRawFlagsPreserved covers the §9 open question: unknown flag bits
// (e.g. SORTED_FLAG) must survive a round-trip untouched.
func TestRawFlagsPreserved(t *testing.T) {
	p := &stringpool.Pool{
		Entries:  []string{"a"},
		Encoding: stringpool.UTF16LE,
		RawFlags: 0x00000001, // SORTED_FLAG
	}
	out := roundTrip(t, p)
	if out.RawFlags != 0x00000001 {
		t.Fatalf("SORTED_FLAG not preserved: got 0x%x", out.RawFlags)
	}
}
