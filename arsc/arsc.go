// Package arsc decodes and encodes Android's compiled resource table
// (resources.arsc, spec.md §3.1/§3.2/§4.1): a global string pool followed
// by a sequence of packages, each carrying its own type/key string pools
// and a subtree of RES_TABLE_TYPE_SPEC_TYPE/RES_TABLE_TYPE_TYPE chunks.
//
// The chunk walk (unknown top-level chunks are skipped by their declared
// size and not retained; everything after a package's pools is kept
// verbatim in Package.Body) is grounded on github.com/avast/apkparser's stringtable.go/common.go
// decode style, generalized to a package decoder (the teacher never
// parses RES_TABLE_PACKAGE_TYPE itself; ParseResourceTable referenced
// from apkparser.go was not present in the retrieved sources). The
// pass-through-vs-rebuild write split follows spec.md §3.2/§4.1 directly.
package arsc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"

	"github.com/avast/apkresourcerewrite/chunkfmt"
	"github.com/avast/apkresourcerewrite/stringpool"
)

// packageNameFieldUnits is the fixed UTF-16 code-unit width of a package's
// name field (spec.md §4.1).
const packageNameFieldUnits = 128

// Package is one decoded RES_TABLE_PACKAGE_TYPE chunk.
type Package struct {
	ID   uint32 // low byte only is meaningful
	Name string

	LastPublicType uint32
	LastPublicKey  uint32

	TypeStrings *stringpool.Pool
	KeyStrings  *stringpool.Pool

	// Body holds every RES_TABLE_TYPE_SPEC_TYPE/RES_TABLE_TYPE_TYPE chunk
	// (and anything else following the two pools) verbatim; this system
	// never reinterprets entry flags/configurations/values.
	Body []byte

	// OriginalBytes is the exact package chunk as read, including its own
	// 8-byte header, used for the pass-through write path.
	OriginalBytes []byte

	// NameDirty is set by SetName when the name changed; Dirty additionally
	// covers TypeStrings/KeyStrings mutation, forcing a full rebuild.
	NameDirty bool
	Dirty     bool
}

// SetName rewrites the package name, per spec.md §3.2 ("if only the name
// changed" pass-through invariant).
func (p *Package) SetName(name string) {
	if name == p.Name {
		return
	}
	p.Name = name
	p.NameDirty = true
}

// Table is a fully decoded resources.arsc.
type Table struct {
	GlobalStrings *stringpool.Pool
	Packages      []*Package
}

// Decode parses resources.arsc per spec.md §4.1.
func Decode(data []byte) (*Table, error) {
	if len(data) < int(chunkfmt.HeaderSize) {
		return nil, fmt.Errorf("arsc: truncated file header")
	}
	hdr, err := chunkfmt.ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("arsc: %w", err)
	}
	if hdr.Type != chunkfmt.TypeTable {
		return nil, fmt.Errorf("arsc: invalid magic 0x%04x, expected 0x%04x", hdr.Type, chunkfmt.TypeTable)
	}
	if hdr.HeaderSize < 12 {
		return nil, fmt.Errorf("arsc: header size %d smaller than minimum 12", hdr.HeaderSize)
	}
	if int64(hdr.Size) > int64(len(data)) {
		return nil, fmt.Errorf("arsc: file size %d exceeds buffer length %d", hdr.Size, len(data))
	}

	var packageCount uint32
	if err := binary.Read(bytes.NewReader(data[8:]), binary.LittleEndian, &packageCount); err != nil {
		return nil, fmt.Errorf("arsc: package count: %w", err)
	}

	t := &Table{}
	pos := int64(hdr.HeaderSize)
	end := int64(hdr.Size)

	for pos < end {
		remaining := end - pos
		if remaining < int64(chunkfmt.HeaderSize) {
			return nil, fmt.Errorf("arsc: truncated chunk at 0x%x", pos)
		}
		chdr, err := chunkfmt.ReadHeader(bytes.NewReader(data[pos:]))
		if err != nil {
			return nil, fmt.Errorf("arsc: chunk header at 0x%x: %w", pos, err)
		}
		if chdr.Size < uint32(chunkfmt.HeaderSize) || int64(pos)+int64(chdr.Size) > end {
			return nil, fmt.Errorf("arsc: child chunk at 0x%x overflows parent", pos)
		}

		switch chdr.Type {
		case chunkfmt.TypeStringPool:
			if t.GlobalStrings != nil {
				return nil, fmt.Errorf("arsc: duplicate global string pool at 0x%x", pos)
			}
			t.GlobalStrings, err = stringpool.Decode(data[pos : pos+int64(chdr.Size)])
			if err != nil {
				return nil, fmt.Errorf("arsc: global string pool: %w", err)
			}
		case chunkfmt.TypeTablePackage:
			pkg, err := decodePackage(data[pos : pos+int64(chdr.Size)])
			if err != nil {
				return nil, fmt.Errorf("arsc: package at 0x%x: %w", pos, err)
			}
			t.Packages = append(t.Packages, pkg)
		default:
			// Unknown chunk: skipped by its declared size. It is neither
			// reported to the caller nor kept, so Encode does not emit it.
		}

		pos += int64(chdr.Size)
	}

	if len(t.Packages) != int(packageCount) {
		return nil, fmt.Errorf("arsc: declared package count %d, decoded %d", packageCount, len(t.Packages))
	}

	return t, nil
}

func decodePackage(chunk []byte) (*Package, error) {
	if _, err := chunkfmt.ReadHeader(bytes.NewReader(chunk)); err != nil {
		return nil, err
	}

	r := bytes.NewReader(chunk[chunkfmt.HeaderSize:])

	var id uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}

	nameUnits := make([]uint16, packageNameFieldUnits)
	for i := range nameUnits {
		if err := binary.Read(r, binary.LittleEndian, &nameUnits[i]); err != nil {
			return nil, fmt.Errorf("name field: %w", err)
		}
	}
	name := decodeFixedUTF16(nameUnits)

	var typeStringsOffset, lastPublicType, keyStringsOffset, lastPublicKey uint32
	for _, f := range []*uint32{&typeStringsOffset, &lastPublicType, &keyStringsOffset, &lastPublicKey} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("package header field: %w", err)
		}
	}

	p := &Package{
		ID:             id & 0xFF,
		Name:           name,
		LastPublicType: lastPublicType,
		LastPublicKey:  lastPublicKey,
		OriginalBytes:  append([]byte(nil), chunk...),
	}

	if typeStringsOffset != 0 {
		if int64(typeStringsOffset) >= int64(len(chunk)) {
			return nil, fmt.Errorf("typeStringsOffset %d out of bounds", typeStringsOffset)
		}
		tsHdr, err := chunkfmt.ReadHeader(bytes.NewReader(chunk[typeStringsOffset:]))
		if err != nil {
			return nil, fmt.Errorf("type strings header: %w", err)
		}
		p.TypeStrings, err = stringpool.Decode(chunk[typeStringsOffset : int64(typeStringsOffset)+int64(tsHdr.Size)])
		if err != nil {
			return nil, fmt.Errorf("type strings: %w", err)
		}
	}
	if keyStringsOffset != 0 {
		if int64(keyStringsOffset) >= int64(len(chunk)) {
			return nil, fmt.Errorf("keyStringsOffset %d out of bounds", keyStringsOffset)
		}
		ksHdr, err := chunkfmt.ReadHeader(bytes.NewReader(chunk[keyStringsOffset:]))
		if err != nil {
			return nil, fmt.Errorf("key strings header: %w", err)
		}
		p.KeyStrings, err = stringpool.Decode(chunk[keyStringsOffset : int64(keyStringsOffset)+int64(ksHdr.Size)])
		if err != nil {
			return nil, fmt.Errorf("key strings: %w", err)
		}
	}

	bodyStart := bodyStartOffset(typeStringsOffset, keyStringsOffset, chunk)
	if bodyStart < int64(len(chunk)) {
		p.Body = append([]byte(nil), chunk[bodyStart:]...)
	}

	return p, nil
}

// bodyStartOffset finds where the type-spec/type chunk subtree begins:
// immediately after whichever of type_strings/key_strings ends last.
func bodyStartOffset(typeStringsOffset, keyStringsOffset uint32, chunk []byte) int64 {
	var end int64
	if typeStringsOffset != 0 {
		if h, err := chunkfmt.ReadHeader(bytes.NewReader(chunk[typeStringsOffset:])); err == nil {
			if e := int64(typeStringsOffset) + int64(h.Size); e > end {
				end = e
			}
		}
	}
	if keyStringsOffset != 0 {
		if h, err := chunkfmt.ReadHeader(bytes.NewReader(chunk[keyStringsOffset:])); err == nil {
			if e := int64(keyStringsOffset) + int64(h.Size); e > end {
				end = e
			}
		}
	}
	return end
}

func decodeFixedUTF16(units []uint16) string {
	for i, u := range units {
		if u == 0 {
			return string(utf16.Decode(units[:i]))
		}
	}
	return string(utf16.Decode(units))
}

func encodeFixedUTF16(name string) ([]uint16, error) {
	units := utf16.Encode([]rune(name))
	if len(units) >= packageNameFieldUnits {
		return nil, fmt.Errorf("arsc: package name %q exceeds %d-code-unit field", name, packageNameFieldUnits-1)
	}
	out := make([]uint16, packageNameFieldUnits)
	copy(out, units)
	return out, nil
}

// Encode rebuilds resources.arsc. The exact size is computed first; the
// output buffer is allocated at 1.10x that to absorb UTF-8 padding drift
// during pool re-encoding, then truncated to the bytes actually written
// (spec.md §4.1).
func (t *Table) Encode() ([]byte, error) {
	globalBytes, _, err := t.GlobalStrings.Encode()
	if err != nil {
		return nil, fmt.Errorf("arsc: global string pool: %w", err)
	}

	pkgBytes := make([][]byte, len(t.Packages))
	for i, p := range t.Packages {
		b, err := encodePackage(p)
		if err != nil {
			return nil, fmt.Errorf("arsc: package %d (%s): %w", i, p.Name, err)
		}
		pkgBytes[i] = b
	}

	exact := uint32(12) + uint32(len(globalBytes))
	for _, b := range pkgBytes {
		exact += uint32(len(b))
	}

	capacity := int(math.Ceil(float64(exact) * 1.10))
	buf := bytes.NewBuffer(make([]byte, 0, capacity))

	if err := chunkfmt.WriteHeader(buf, chunkfmt.Header{
		Type:       chunkfmt.TypeTable,
		HeaderSize: 12,
		Size:       exact,
	}); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(t.Packages))); err != nil {
		return nil, err
	}
	buf.Write(globalBytes)
	for _, b := range pkgBytes {
		buf.Write(b)
	}

	out := buf.Bytes()
	if uint32(len(out)) != exact {
		return nil, fmt.Errorf("arsc: size mismatch: computed %d, wrote %d", exact, len(out))
	}
	return out, nil
}

// encodePackage emits a package chunk using the pass-through path when
// nothing but the name changed, and a full rebuild otherwise.
func encodePackage(p *Package) ([]byte, error) {
	if !p.Dirty && len(p.OriginalBytes) > 0 {
		if !p.NameDirty {
			return p.OriginalBytes, nil
		}
		return patchName(p.OriginalBytes, p.Name)
	}
	return rebuildPackage(p)
}

// patchName overwrites the 128-u16 name field in place; the chunk's total
// size is unchanged (spec.md §4.1 pass-through mode).
func patchName(original []byte, name string) ([]byte, error) {
	units, err := encodeFixedUTF16(name)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), original...)
	nameOff := int(chunkfmt.HeaderSize) + 4 // past header + id
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[nameOff+2*i:], u)
	}
	return out, nil
}

func rebuildPackage(p *Package) ([]byte, error) {
	nameUnits, err := encodeFixedUTF16(p.Name)
	if err != nil {
		return nil, err
	}

	var typeStringsBytes, keyStringsBytes []byte
	if p.TypeStrings != nil {
		typeStringsBytes, _, err = p.TypeStrings.Encode()
		if err != nil {
			return nil, fmt.Errorf("type strings: %w", err)
		}
	}
	if p.KeyStrings != nil {
		keyStringsBytes, _, err = p.KeyStrings.Encode()
		if err != nil {
			return nil, fmt.Errorf("key strings: %w", err)
		}
	}

	const fixedHeaderLen = 4 + 2*packageNameFieldUnits + 4*4 // id + name + 4 offsets
	pkgHeaderLen := uint32(chunkfmt.HeaderSize) + fixedHeaderLen

	var typeStringsOffset, keyStringsOffset uint32
	cursor := pkgHeaderLen
	if len(typeStringsBytes) > 0 {
		typeStringsOffset = cursor
		cursor += uint32(len(typeStringsBytes))
	}
	if len(keyStringsBytes) > 0 {
		keyStringsOffset = cursor
		cursor += uint32(len(keyStringsBytes))
	}

	size := cursor + uint32(len(p.Body))

	var buf bytes.Buffer
	if err := chunkfmt.WriteHeader(&buf, chunkfmt.Header{
		Type:       chunkfmt.TypeTablePackage,
		HeaderSize: uint16(pkgHeaderLen),
		Size:       size,
	}); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, p.ID); err != nil {
		return nil, err
	}
	for _, u := range nameUnits {
		if err := binary.Write(&buf, binary.LittleEndian, u); err != nil {
			return nil, err
		}
	}
	for _, v := range []uint32{typeStringsOffset, p.LastPublicType, keyStringsOffset, p.LastPublicKey} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	buf.Write(typeStringsBytes)
	buf.Write(keyStringsBytes)
	buf.Write(p.Body)

	return buf.Bytes(), nil
}
