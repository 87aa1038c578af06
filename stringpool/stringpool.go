// Package stringpool implements the index-stable string pool shared by the
// ARSC and AXML chunked formats (spec §3.3): encoding-flag retention,
// Modified UTF-8 (CESU-8-compatible) and UTF-16LE framing, and a rewrite
// primitive that substitutes individual entries without disturbing indices.
//
// Decode is grounded on github.com/avast/apkparser's stringtable.go
// (parseStringTable's offset-table walk); Encode is grounded on the
// encode-side string pool builder retrieved from google/gapid's
// core/os/android/binaryxml package (index table + data blob + the
// stringsOffset arithmetic this package also uses).
package stringpool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/avast/apkresourcerewrite/chunkfmt"
)

// Encoding selects the on-disk string representation.
type Encoding int

const (
	UTF16LE Encoding = iota
	UTF8
)

const (
	flagSorted = 0x00000001
	flagUTF8   = 0x00000100

	// maxShortLen is the largest length representable by the UTF-8 path's
	// two-byte length prefix (7 high bits + 8 low bits).
	maxShortLen = 0x7FFF
)

// Pool is an index-stable sequence of strings plus whatever the format
// needs to round-trip unchanged: the original encoding, unrecognized flag
// bits (e.g. SORTED_FLAG, see spec.md §9), and opaque per-entry style data.
type Pool struct {
	Entries []string
	Encoding Encoding

	// RawFlags carries any flag bits besides UTF8_FLAG untouched, so a
	// round-trip with no rewrite preserves them bit-exact.
	RawFlags uint32

	// StyleOffsets/StyleData are the style span table and its backing
	// bytes, transported unchanged (spec.md §3.3: "styles ... unchanged
	// under this system").
	StyleOffsets []uint32
	StyleData    []byte
}

// Decode parses a RES_STRING_POOL_TYPE chunk, including its 8-byte common
// header, per spec.md §3.3/§4.1/§4.2.
func Decode(chunk []byte) (*Pool, error) {
	if len(chunk) < int(chunkfmt.HeaderSize) {
		return nil, fmt.Errorf("stringpool: chunk too small (%d bytes)", len(chunk))
	}

	r := bytes.NewReader(chunk)
	hdr, err := chunkfmt.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("stringpool: %w", err)
	}
	if hdr.Type != chunkfmt.TypeStringPool {
		return nil, fmt.Errorf("stringpool: invalid chunk id 0x%04x, expected 0x%04x", hdr.Type, chunkfmt.TypeStringPool)
	}

	var stringCount, styleCount, flags, stringsStart, stylesStart uint32
	for _, f := range []*uint32{&stringCount, &styleCount, &flags, &stringsStart, &stylesStart} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("stringpool: header field: %w", err)
		}
	}

	p := &Pool{}
	p.Encoding = UTF16LE
	if flags&flagUTF8 != 0 {
		p.Encoding = UTF8
		flags &^= flagUTF8
	}
	p.RawFlags = flags

	stringOffsets := make([]uint32, stringCount)
	for i := range stringOffsets {
		if err := binary.Read(r, binary.LittleEndian, &stringOffsets[i]); err != nil {
			return nil, fmt.Errorf("stringpool: string offset %d: %w", i, err)
		}
	}

	p.StyleOffsets = make([]uint32, styleCount)
	for i := range p.StyleOffsets {
		if err := binary.Read(r, binary.LittleEndian, &p.StyleOffsets[i]); err != nil {
			return nil, fmt.Errorf("stringpool: style offset %d: %w", i, err)
		}
	}

	dataStart := int(stringsStart)
	if dataStart > len(chunk) || dataStart < 0 {
		return nil, fmt.Errorf("stringpool: stringsStart %d out of bounds (chunk size %d)", dataStart, len(chunk))
	}
	data := chunk[dataStart:]

	p.Entries = make([]string, stringCount)
	for i, off := range stringOffsets {
		if int(off) > len(data) {
			return nil, fmt.Errorf("stringpool: string %d offset %d out of bounds", i, off)
		}
		var s string
		var err error
		if p.Encoding == UTF8 {
			s, _, err = decodeString8(data[off:])
		} else {
			s, _, err = decodeString16(data[off:])
		}
		if err != nil {
			return nil, fmt.Errorf("stringpool: string %d: %w", i, err)
		}
		p.Entries[i] = s
	}

	if stylesStart != 0 && int(stylesStart) < len(chunk) {
		p.StyleData = append([]byte(nil), chunk[stylesStart:hdr.Size]...)
	}

	return p, nil
}

// Encode serializes the pool back to a RES_STRING_POOL_TYPE chunk. If any
// entry cannot be represented by the UTF-8 path's length prefix, the pool
// is transparently downgraded to UTF-16LE and downgraded is reported true
// (spec.md §3.3, testable property 7).
func (p *Pool) Encode() (out []byte, downgraded bool, err error) {
	enc := p.Encoding
	if enc == UTF8 {
		for _, s := range p.Entries {
			units := utf16.Encode([]rune(s))
			byteLen := modifiedUTF8Len(units)
			if len(units) > maxShortLen || byteLen > maxShortLen {
				enc = UTF16LE
				downgraded = true
				break
			}
		}
	}

	encodedStrings := make([][]byte, len(p.Entries))
	for i, s := range p.Entries {
		if enc == UTF8 {
			encodedStrings[i] = encodeString8(s)
		} else {
			encodedStrings[i] = encodeString16(s)
		}
	}

	stringCount := uint32(len(p.Entries))
	styleCount := uint32(len(p.StyleOffsets))

	totalHeaderLen := uint32(chunkfmt.HeaderSize + 5*4)
	stringsStart := totalHeaderLen + 4*(stringCount+styleCount)

	var dataBuf bytes.Buffer
	offsets := make([]uint32, stringCount)
	cursor := uint32(0)
	for i, es := range encodedStrings {
		offsets[i] = cursor
		dataBuf.Write(es)
		cursor += uint32(len(es))
	}

	var stylesStart uint32
	if len(p.StyleData) > 0 {
		pad := dataBuf.Len() % 4
		if pad != 0 {
			dataBuf.Write(make([]byte, 4-pad))
		}
		stylesStart = stringsStart + uint32(dataBuf.Len())
		dataBuf.Write(p.StyleData)
	}

	// Pad the whole chunk to a 4-byte boundary, as Android's aapt does.
	if pad := dataBuf.Len() % 4; pad != 0 {
		dataBuf.Write(make([]byte, 4-pad))
	}

	size := stringsStart + uint32(dataBuf.Len())

	var buf bytes.Buffer
	flags := p.RawFlags
	if enc == UTF8 {
		flags |= flagUTF8
	}

	if err := chunkfmt.WriteHeader(&buf, chunkfmt.Header{
		Type:       chunkfmt.TypeStringPool,
		HeaderSize: uint16(totalHeaderLen),
		Size:       size,
	}); err != nil {
		return nil, downgraded, err
	}
	for _, v := range []uint32{stringCount, styleCount, flags, stringsStart, stylesStart} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, downgraded, err
		}
	}
	for _, off := range offsets {
		if err := binary.Write(&buf, binary.LittleEndian, off); err != nil {
			return nil, downgraded, err
		}
	}
	for _, off := range p.StyleOffsets {
		if err := binary.Write(&buf, binary.LittleEndian, off); err != nil {
			return nil, downgraded, err
		}
	}
	buf.Write(dataBuf.Bytes())

	if downgraded {
		p.Encoding = UTF16LE
	}

	return buf.Bytes(), downgraded, nil
}

// Len reports the stable entry count.
func (p *Pool) Len() int { return len(p.Entries) }

// Get returns entry i.
func (p *Pool) Get(i int) string { return p.Entries[i] }

// Set rewrites entry i in place, preserving the pool's index.
func (p *Pool) Set(i int, s string) { p.Entries[i] = s }

func decodeLen16(data []byte) (length uint32, consumed int, err error) {
	if len(data) < 2 {
		return 0, 0, fmt.Errorf("truncated utf16 length prefix")
	}
	high := binary.LittleEndian.Uint16(data)
	if high&0x8000 != 0 {
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("truncated utf16 extended length prefix")
		}
		low := binary.LittleEndian.Uint16(data[2:])
		return (uint32(high&0x7FFF) << 16) | uint32(low), 4, nil
	}
	return uint32(high), 2, nil
}

func decodeString16(data []byte) (string, int, error) {
	count, n, err := decodeLen16(data)
	if err != nil {
		return "", 0, err
	}
	start := n
	end := start + int(count)*2
	if end > len(data) {
		return "", 0, fmt.Errorf("truncated utf16 string data")
	}
	units := make([]uint16, count)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[start+2*i:])
	}
	s := string(utf16.Decode(units))
	// consumed: prefix + data + trailing NUL code unit
	return s, end + 2, nil
}

func encodeString16(s string) []byte {
	units := utf16.Encode([]rune(s))
	var buf bytes.Buffer
	writeLen16(&buf, uint32(len(units)))
	for _, u := range units {
		binary.Write(&buf, binary.LittleEndian, u)
	}
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // trailing NUL
	return buf.Bytes()
}

func writeLen16(buf *bytes.Buffer, n uint32) {
	if n < 0x8000 {
		binary.Write(buf, binary.LittleEndian, uint16(n))
		return
	}
	high := uint16(0x8000 | (n >> 16))
	low := uint16(n & 0xFFFF)
	binary.Write(buf, binary.LittleEndian, high)
	binary.Write(buf, binary.LittleEndian, low)
}

func decodeLen8(data []byte) (length int, consumed int, err error) {
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("truncated utf8 length prefix")
	}
	b := data[0]
	if b&0x80 != 0 {
		if len(data) < 2 {
			return 0, 0, fmt.Errorf("truncated utf8 extended length prefix")
		}
		return (int(b&0x7F) << 8) | int(data[1]), 2, nil
	}
	return int(b), 1, nil
}

func writeLen8(buf *bytes.Buffer, n int) {
	if n < 0x80 {
		buf.WriteByte(byte(n))
		return
	}
	buf.WriteByte(byte(0x80 | (n >> 8)))
	buf.WriteByte(byte(n & 0xFF))
}

// decodeString8 reads a Modified-UTF-8 string: a UTF-16 code-unit-count
// prefix, a byte-length prefix, the encoded bytes, then a trailing NUL.
func decodeString8(data []byte) (string, int, error) {
	_, n1, err := decodeLen8(data) // utf16 code-unit count, unused beyond framing
	if err != nil {
		return "", 0, err
	}
	byteLen, n2, err := decodeLen8(data[n1:])
	if err != nil {
		return "", 0, err
	}
	start := n1 + n2
	end := start + byteLen
	if end > len(data) {
		return "", 0, fmt.Errorf("truncated utf8 string data")
	}
	units := decodeModifiedUTF8(data[start:end])
	return string(utf16.Decode(units)), end + 1, nil // +1 trailing NUL byte
}

func encodeString8(s string) []byte {
	units := utf16.Encode([]rune(s))
	raw := encodeModifiedUTF8(units)

	var buf bytes.Buffer
	writeLen8(&buf, len(units))
	writeLen8(&buf, len(raw))
	buf.Write(raw)
	buf.WriteByte(0) // trailing NUL
	return buf.Bytes()
}

func modifiedUTF8Len(units []uint16) int {
	n := 0
	for _, u := range units {
		switch {
		case u == 0:
			n += 2
		case u < 0x80:
			n++
		case u < 0x800:
			n += 2
		default:
			n += 3
		}
	}
	return n
}

// encodeModifiedUTF8 encodes UTF-16 code units (which may be lone
// surrogate halves of a supplementary-plane character) using Android's
// Modified UTF-8 / CESU-8-compatible scheme: U+0000 becomes C0 80, and
// each surrogate half is encoded independently as its own 3-byte
// sequence rather than being combined into a 4-byte UTF-8 sequence
// (spec.md §3.3, testable property 8).
func encodeModifiedUTF8(units []uint16) []byte {
	var buf bytes.Buffer
	for _, u := range units {
		switch {
		case u == 0:
			buf.Write([]byte{0xC0, 0x80})
		case u < 0x80:
			buf.WriteByte(byte(u))
		case u < 0x800:
			buf.WriteByte(0xC0 | byte(u>>6))
			buf.WriteByte(0x80 | byte(u&0x3F))
		default:
			buf.WriteByte(0xE0 | byte(u>>12))
			buf.WriteByte(0x80 | byte((u>>6)&0x3F))
			buf.WriteByte(0x80 | byte(u&0x3F))
		}
	}
	return buf.Bytes()
}

func decodeModifiedUTF8(raw []byte) []uint16 {
	var units []uint16
	i := 0
	for i < len(raw) {
		b0 := raw[i]
		switch {
		case b0&0x80 == 0:
			units = append(units, uint16(b0))
			i++
		case b0&0xE0 == 0xC0 && i+1 < len(raw):
			b1 := raw[i+1]
			units = append(units, (uint16(b0&0x1F)<<6)|uint16(b1&0x3F))
			i += 2
		case b0&0xF0 == 0xE0 && i+2 < len(raw):
			b1, b2 := raw[i+1], raw[i+2]
			units = append(units, (uint16(b0&0x0F)<<12)|(uint16(b1&0x3F)<<6)|uint16(b2&0x3F))
			i += 3
		default:
			i++
		}
	}
	return units
}
