// Package dex enumerates the classes defined in a .dex file and converts
// their type descriptors (`Lcom/example/X;`) to fully-qualified class
// names (spec.md §4.10), backed by an LRU cache keyed on (path, mtime).
//
// No DEX parser was retrieved with the corpus, so the header/string/type/
// class_def layout here follows the public Dalvik executable format
// directly; the cache is grounded on github.com/hashicorp/golang-lru/v2,
// seen pinned at v2.0.7 in multiple corpus go.mod manifests (e.g.
// syncthing-syncthing).
package dex

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const headerSize = 0x70

var magicPrefix = []byte("dex\n")

// ClassSet is the set of fully-qualified class names defined in one DEX
// file.
type ClassSet map[string]struct{}

// ParseFile parses the classes defined in a .dex file's class_defs
// section, converting each entry's type descriptor to an FQCN. Array and
// primitive descriptors are not class definitions and do not appear here.
func ParseFile(data []byte) (ClassSet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("dex: file too small (%d bytes)", len(data))
	}
	if string(data[:4]) != string(magicPrefix) {
		return nil, fmt.Errorf("dex: bad magic %q", data[:4])
	}

	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(data[off:]) }

	stringIDsSize := u32(0x38)
	stringIDsOff := u32(0x3C)
	typeIDsSize := u32(0x40)
	typeIDsOff := u32(0x44)
	classDefsSize := u32(0x60)
	classDefsOff := u32(0x64)

	strs := make([]string, stringIDsSize)
	for i := uint32(0); i < stringIDsSize; i++ {
		off := int(stringIDsOff) + int(i)*4
		if off+4 > len(data) {
			return nil, fmt.Errorf("dex: string_ids[%d] out of bounds", i)
		}
		dataOff := u32(off)
		s, err := decodeMUTF8String(data, int(dataOff))
		if err != nil {
			return nil, fmt.Errorf("dex: string %d: %w", i, err)
		}
		strs[i] = s
	}

	types := make([]uint32, typeIDsSize)
	for i := uint32(0); i < typeIDsSize; i++ {
		off := int(typeIDsOff) + int(i)*4
		if off+4 > len(data) {
			return nil, fmt.Errorf("dex: type_ids[%d] out of bounds", i)
		}
		types[i] = u32(off)
	}

	const classDefItemSize = 32
	classes := make(ClassSet, classDefsSize)
	for i := uint32(0); i < classDefsSize; i++ {
		off := int(classDefsOff) + int(i)*classDefItemSize
		if off+4 > len(data) {
			return nil, fmt.Errorf("dex: class_defs[%d] out of bounds", i)
		}
		classIdx := u32(off)
		if int(classIdx) >= len(types) {
			return nil, fmt.Errorf("dex: class_defs[%d] class_idx %d out of range", i, classIdx)
		}
		descIdx := types[classIdx]
		if int(descIdx) >= len(strs) {
			return nil, fmt.Errorf("dex: class_defs[%d] descriptor_idx %d out of range", i, descIdx)
		}
		fqcn, ok := DescriptorToFQCN(strs[descIdx])
		if ok {
			classes[fqcn] = struct{}{}
		}
	}

	return classes, nil
}

// DescriptorToFQCN converts a JVM/Dalvik type descriptor to a dotted FQCN.
// Arrays (`[...`) and primitives pass through with ok=false, since neither
// is a class definition this system rewrites.
func DescriptorToFQCN(desc string) (string, bool) {
	if !strings.HasPrefix(desc, "L") || !strings.HasSuffix(desc, ";") {
		return "", false
	}
	inner := desc[1 : len(desc)-1]
	return strings.ReplaceAll(inner, "/", "."), true
}

func decodeMUTF8String(data []byte, off int) (string, error) {
	_, n, err := readULEB128(data, off)
	if err != nil {
		return "", err
	}
	start := off + n
	var units []uint16
	i := start
	for i < len(data) {
		b0 := data[i]
		switch {
		case b0 == 0:
			return string(utf16Decode(units)), nil
		case b0&0x80 == 0:
			units = append(units, uint16(b0))
			i++
		case b0&0xE0 == 0xC0 && i+1 < len(data):
			b1 := data[i+1]
			units = append(units, (uint16(b0&0x1F)<<6)|uint16(b1&0x3F))
			i += 2
		case b0&0xF0 == 0xE0 && i+2 < len(data):
			b1, b2 := data[i+1], data[i+2]
			units = append(units, (uint16(b0&0x0F)<<12)|(uint16(b1&0x3F)<<6)|uint16(b2&0x3F))
			i += 3
		default:
			return "", fmt.Errorf("invalid MUTF-8 byte 0x%02x at offset %d", b0, i)
		}
	}
	return "", fmt.Errorf("unterminated string at offset %d", off)
}

func readULEB128(data []byte, off int) (uint32, int, error) {
	var result uint32
	var shift uint
	for n := 0; n < 5; n++ {
		if off+n >= len(data) {
			return 0, 0, fmt.Errorf("truncated uleb128 at offset %d", off)
		}
		b := data[off+n]
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, n + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("uleb128 too long at offset %d", off)
}

func utf16Decode(units []uint16) []rune {
	// local copy to avoid importing unicode/utf16 just for this one call
	// from a hot parse loop; behaves identically for well-formed input.
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		r := rune(units[i])
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(units) {
			r2 := rune(units[i+1])
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				runes = append(runes, ((r-0xD800)<<10)+(r2-0xDC00)+0x10000)
				i++
				continue
			}
		}
		runes = append(runes, r)
	}
	return runes
}

// cacheKey is (path, mtime): a DEX file touched since the last parse must
// not be served stale (spec.md §4.10).
type cacheKey struct {
	path  string
	mtime int64
}

// Cache memoizes parsed class sets, evicting least-recently-used entries
// once full (default capacity 10, spec.md §4.10/§5). Safe for concurrent
// use; Load returns a defensive copy on both the cache-hit and the
// freshly-parsed path, and the stored set is never handed out, so no
// caller can mutate a cached set.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[cacheKey, ClassSet]
}

// DefaultCapacity is the LRU's default entry count (spec.md §4.10).
const DefaultCapacity = 10

// NewCache builds a Cache with the given capacity, or DefaultCapacity if
// capacity <= 0.
func NewCache(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New[cacheKey, ClassSet](capacity)
	if err != nil {
		return nil, fmt.Errorf("dex: new cache: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// Load returns the class set for path, parsing and caching it if the
// cached entry (if any) is stale relative to the file's current mtime.
func (c *Cache) Load(path string) (ClassSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dex: stat %q: %w", path, err)
	}
	key := cacheKey{path: path, mtime: info.ModTime().UnixNano()}

	c.mu.Lock()
	if cached, ok := c.inner.Get(key); ok {
		c.mu.Unlock()
		return copySet(cached), nil
	}
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dex: read %q: %w", path, err)
	}
	classes, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("dex: parse %q: %w", path, err)
	}

	c.mu.Lock()
	c.inner.Add(key, classes)
	c.mu.Unlock()

	return copySet(classes), nil
}

func copySet(s ClassSet) ClassSet {
	out := make(ClassSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// LoadAll loads and unions the class sets of every given path.
func (c *Cache) LoadAll(paths []string) (ClassSet, error) {
	union := make(ClassSet)
	for _, p := range paths {
		classes, err := c.Load(p)
		if err != nil {
			return nil, err
		}
		for k := range classes {
			union[k] = struct{}{}
		}
	}
	return union, nil
}
