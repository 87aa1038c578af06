// Package axml decodes and encodes Android's compiled binary XML format
// (spec.md §3.4/§4.2): a chunked event stream (start/end namespace,
// start/end element, CDATA) backed by a string pool and an optional
// resource-id map.
//
// The decode walk, attribute block layout and defensive-parsing rules
// (stray END_NAMESPACE, truncated tail chunks) are grounded on
// github.com/avast/apkparser's binxml.go. The encode side has no teacher
// analog (apkparser is decode-only) and is grounded on the chunk-builder
// style used by google/gapid's binary XML string pool encoder
// (_examples/other_examples/.../string_pool.go.go): build the
// type/header/body as explicit byte buffers, then stitch them together.
package axml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/avast/apkresourcerewrite/chunkfmt"
	"github.com/avast/apkresourcerewrite/stringpool"
)

// MissingIndex marks an absent string-pool reference (0xFFFFFFFF).
const MissingIndex = math.MaxUint32

// EventKind tags one entry in the AXML event stream (spec.md §3.4).
type EventKind int

const (
	StartNamespace EventKind = iota
	EndNamespace
	StartElement
	EndElement
	CData
)

func (k EventKind) String() string {
	switch k {
	case StartNamespace:
		return "START_NAMESPACE"
	case EndNamespace:
		return "END_NAMESPACE"
	case StartElement:
		return "START_ELEMENT"
	case EndElement:
		return "END_ELEMENT"
	case CData:
		return "CDATA"
	default:
		return "UNKNOWN"
	}
}

// Attribute is one (ns, name, raw_value, type_tag, data) tuple attached to
// a START_ELEMENT event (spec.md §3.4).
type Attribute struct {
	NamespaceIdx uint32
	NameIdx      uint32
	RawValueIdx  uint32
	Value        chunkfmt.ResValue
}

// Event is one entry of the AXML event stream. Only the fields relevant to
// its Kind are meaningful; the rest are zero.
type Event struct {
	Kind EventKind
	Line uint32

	// START_NAMESPACE / END_NAMESPACE
	NsPrefixIdx uint32
	NsUriIdx    uint32

	// START_ELEMENT / END_ELEMENT
	NamespaceIdx uint32
	NameIdx      uint32

	// START_ELEMENT only
	Attributes []Attribute
	IDIndex    uint16 // 1-based index into Attributes, 0 = none
	ClassIndex uint16
	StyleIndex uint16

	// CDATA only
	TextIdx    uint32
	TypedValue chunkfmt.ResValue
}

// Document is a fully decoded AXML file.
type Document struct {
	Pool        *stringpool.Pool
	ResourceMap []uint32
	Events      []Event
}

// Decode parses a compiled binary XML file per spec.md §4.2, tolerating
// the same structural quirks apkparser's binxml.go tolerates: truncated
// tail chunks are treated as END_FILE, and a stray END_NAMESPACE seen
// before any START_ELEMENT (an aapt compiler quirk) is dropped rather than
// rejected.
func Decode(data []byte) (*Document, error) {
	if len(data) < int(chunkfmt.HeaderSize) {
		return nil, fmt.Errorf("axml: truncated file header")
	}

	r := bytes.NewReader(data)
	top, err := chunkfmt.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("axml: %w", err)
	}
	// Android's runtime does not validate top.Type; neither do we.

	totalLen := int64(top.Size) - int64(chunkfmt.HeaderSize)
	if totalLen < 0 || int64(chunkfmt.HeaderSize)+totalLen > int64(len(data)) {
		totalLen = int64(len(data)) - int64(chunkfmt.HeaderSize)
	}

	doc := &Document{}
	sawStartElement := false

	pos := int64(chunkfmt.HeaderSize)
	end := int64(chunkfmt.HeaderSize) + totalLen
	for pos < end {
		remaining := end - pos
		if remaining < int64(chunkfmt.HeaderSize) {
			break // treat as END_FILE
		}

		chdr, err := chunkfmt.ReadHeader(bytes.NewReader(data[pos:]))
		if err != nil {
			return nil, fmt.Errorf("axml: chunk header at 0x%x: %w", pos, err)
		}
		if chdr.Size < uint32(chunkfmt.HeaderSize) || int64(pos)+int64(chdr.Size) > end {
			// Ignore and stop: an overrunning/undersized chunk size at the
			// tail is treated the same as END_FILE.
			break
		}

		body := data[pos+int64(chunkfmt.HeaderSize) : pos+int64(chdr.Size)]

		switch chdr.Type {
		case chunkfmt.TypeStringPool:
			doc.Pool, err = stringpool.Decode(data[pos : pos+int64(chdr.Size)])
			if err != nil {
				return nil, fmt.Errorf("axml: string pool: %w", err)
			}
		case chunkfmt.TypeXmlResourceMap:
			doc.ResourceMap, err = decodeResourceMap(body)
			if err != nil {
				return nil, fmt.Errorf("axml: resource map: %w", err)
			}
		default:
			if chdr.Type&chunkfmt.MaskXml == 0 {
				return nil, fmt.Errorf("axml: unknown chunk id 0x%04x", chdr.Type)
			}
			ev, skip, derr := decodeXmlNode(chdr.Type, body, sawStartElement)
			if derr != nil {
				return nil, fmt.Errorf("axml: chunk 0x%04x at 0x%x: %w", chdr.Type, pos, derr)
			}
			if !skip {
				if ev.Kind == StartElement {
					sawStartElement = true
				}
				doc.Events = append(doc.Events, ev)
			}
		}

		pos += int64(chdr.Size)
	}

	return doc, nil
}

func decodeResourceMap(body []byte) ([]uint32, error) {
	n := len(body) / 4
	ids := make([]uint32, n)
	for i := 0; i < n; i++ {
		ids[i] = binary.LittleEndian.Uint32(body[4*i:])
	}
	return ids, nil
}

// decodeXmlNode decodes one XML-family chunk body (everything after the
// common 8-byte chunk header). skip is true for a stray END_NAMESPACE seen
// before any START_ELEMENT, which the caller must drop.
func decodeXmlNode(kind uint16, body []byte, sawStartElement bool) (Event, bool, error) {
	r := bytes.NewReader(body)
	var ev Event

	if err := binary.Read(r, binary.LittleEndian, &ev.Line); err != nil {
		return ev, false, fmt.Errorf("line number: %w", err)
	}
	var unknown uint32
	if err := binary.Read(r, binary.LittleEndian, &unknown); err != nil {
		return ev, false, fmt.Errorf("reserved field: %w", err)
	}

	switch kind {
	case chunkfmt.TypeXmlNsStart:
		ev.Kind = StartNamespace
		if err := readU32s(r, &ev.NsPrefixIdx, &ev.NsUriIdx); err != nil {
			return ev, false, err
		}
	case chunkfmt.TypeXmlNsEnd:
		ev.Kind = EndNamespace
		if err := readU32s(r, &ev.NsPrefixIdx, &ev.NsUriIdx); err != nil {
			return ev, false, err
		}
		if !sawStartElement {
			return ev, true, nil
		}
	case chunkfmt.TypeXmlTagStart:
		ev.Kind = StartElement
		if err := decodeStartElement(r, &ev); err != nil {
			return ev, false, err
		}
	case chunkfmt.TypeXmlTagEnd:
		ev.Kind = EndElement
		if err := readU32s(r, &ev.NamespaceIdx, &ev.NameIdx); err != nil {
			return ev, false, err
		}
	case chunkfmt.TypeXmlText:
		ev.Kind = CData
		if err := binary.Read(r, binary.LittleEndian, &ev.TextIdx); err != nil {
			return ev, false, err
		}
		if err := binary.Read(r, binary.LittleEndian, &ev.TypedValue); err != nil {
			return ev, false, err
		}
	default:
		return ev, false, fmt.Errorf("unknown xml chunk id 0x%04x", kind)
	}

	return ev, false, nil
}

func readU32s(r *bytes.Reader, fields ...*uint32) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeStartElement(r *bytes.Reader, ev *Event) error {
	if err := readU32s(r, &ev.NamespaceIdx, &ev.NameIdx); err != nil {
		return fmt.Errorf("namespace/name idx: %w", err)
	}

	var attrStart, attrSize, attrCount uint16
	if err := binary.Read(r, binary.LittleEndian, &attrStart); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &attrSize); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &attrCount); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.IDIndex); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.ClassIndex); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.StyleIndex); err != nil {
		return err
	}

	ev.Attributes = make([]Attribute, attrCount)
	for i := range ev.Attributes {
		var a Attribute
		if err := binary.Read(r, binary.LittleEndian, &a.NamespaceIdx); err != nil {
			return fmt.Errorf("attr %d ns: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &a.NameIdx); err != nil {
			return fmt.Errorf("attr %d name: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &a.RawValueIdx); err != nil {
			return fmt.Errorf("attr %d raw value: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &a.Value); err != nil {
			return fmt.Errorf("attr %d value: %w", i, err)
		}
		ev.Attributes[i] = a
	}
	return nil
}

// Encode rebuilds the compiled binary XML file: an 8-byte top header, the
// string pool, the resource map, then the recorded event stream, per
// spec.md §4.2.
func (d *Document) Encode() ([]byte, error) {
	var body bytes.Buffer

	if d.Pool != nil {
		poolBytes, _, err := d.Pool.Encode()
		if err != nil {
			return nil, fmt.Errorf("axml: encode string pool: %w", err)
		}
		body.Write(poolBytes)
	}

	if len(d.ResourceMap) > 0 {
		if err := encodeResourceMap(&body, d.ResourceMap); err != nil {
			return nil, err
		}
	}

	for i, ev := range d.Events {
		if err := encodeEvent(&body, ev); err != nil {
			return nil, fmt.Errorf("axml: event %d (%s): %w", i, ev.Kind, err)
		}
	}

	var out bytes.Buffer
	total := uint32(chunkfmt.HeaderSize) + uint32(body.Len())
	if err := chunkfmt.WriteHeader(&out, chunkfmt.Header{
		Type:       chunkfmt.TypeAxmlFile,
		HeaderSize: uint16(chunkfmt.HeaderSize),
		Size:       total,
	}); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func encodeResourceMap(w *bytes.Buffer, ids []uint32) error {
	var body bytes.Buffer
	for _, id := range ids {
		if err := binary.Write(&body, binary.LittleEndian, id); err != nil {
			return err
		}
	}
	if err := chunkfmt.WriteHeader(w, chunkfmt.Header{
		Type:       chunkfmt.TypeXmlResourceMap,
		HeaderSize: uint16(chunkfmt.HeaderSize),
		Size:       uint32(chunkfmt.HeaderSize) + uint32(body.Len()),
	}); err != nil {
		return err
	}
	w.Write(body.Bytes())
	return nil
}

func encodeEvent(w *bytes.Buffer, ev Event) error {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, ev.Line); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint32(0xFFFFFFFF)); err != nil {
		return err
	}

	var kind uint16
	switch ev.Kind {
	case StartNamespace:
		kind = chunkfmt.TypeXmlNsStart
		if err := writeU32s(&body, ev.NsPrefixIdx, ev.NsUriIdx); err != nil {
			return err
		}
	case EndNamespace:
		kind = chunkfmt.TypeXmlNsEnd
		if err := writeU32s(&body, ev.NsPrefixIdx, ev.NsUriIdx); err != nil {
			return err
		}
	case StartElement:
		kind = chunkfmt.TypeXmlTagStart
		if err := encodeStartElement(&body, ev); err != nil {
			return err
		}
	case EndElement:
		kind = chunkfmt.TypeXmlTagEnd
		if err := writeU32s(&body, ev.NamespaceIdx, ev.NameIdx); err != nil {
			return err
		}
	case CData:
		kind = chunkfmt.TypeXmlText
		if err := binary.Write(&body, binary.LittleEndian, ev.TextIdx); err != nil {
			return err
		}
		if err := binary.Write(&body, binary.LittleEndian, ev.TypedValue); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown event kind %v", ev.Kind)
	}

	if err := chunkfmt.WriteHeader(w, chunkfmt.Header{
		Type:       kind,
		HeaderSize: uint16(chunkfmt.HeaderSize) + 8,
		Size:       uint32(chunkfmt.HeaderSize) + uint32(body.Len()),
	}); err != nil {
		return err
	}
	w.Write(body.Bytes())
	return nil
}

func writeU32s(w *bytes.Buffer, vals ...uint32) error {
	for _, v := range vals {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeStartElement(w *bytes.Buffer, ev Event) error {
	if err := writeU32s(w, ev.NamespaceIdx, ev.NameIdx); err != nil {
		return err
	}

	// Both fixed at 20: attrStart is the offset from the start of this
	// ns/name/attrStart/.../styleIndex extension block to the first
	// attribute, i.e. the size of that block itself; attrSize is the byte
	// size of each attribute entry (ns+name+rawValue+ResValue). Together
	// these are the literal 0x00140014 spec.md §4.2 calls out.
	const attrExtSize = 20
	const attrEntrySize = 20
	if err := binary.Write(w, binary.LittleEndian, uint16(attrExtSize)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(attrEntrySize)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(ev.Attributes))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ev.IDIndex); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ev.ClassIndex); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ev.StyleIndex); err != nil {
		return err
	}
	for i, a := range ev.Attributes {
		if err := binary.Write(w, binary.LittleEndian, a.NamespaceIdx); err != nil {
			return fmt.Errorf("attr %d: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, a.NameIdx); err != nil {
			return fmt.Errorf("attr %d: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, a.RawValueIdx); err != nil {
			return fmt.Errorf("attr %d: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, a.Value); err != nil {
			return fmt.Errorf("attr %d: %w", i, err)
		}
	}
	return nil
}

// NamespaceStack models the per-depth namespace frames described in
// spec.md §4.2's Write section: pushing appends (prefix, uri); FindPrefix
// scans top-to-bottom so a child re-binding shadows its parent.
type NamespaceStack struct {
	frames [][2]string // [prefix, uri]
}

// Push records a namespace binding active from this point in the stream.
func (s *NamespaceStack) Push(prefix, uri string) {
	s.frames = append(s.frames, [2]string{prefix, uri})
}

// Pop removes the most recently pushed binding.
func (s *NamespaceStack) Pop() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// FindPrefix returns the innermost prefix bound to uri, if any.
func (s *NamespaceStack) FindPrefix(uri string) (string, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i][1] == uri {
			return s.frames[i][0], true
		}
	}
	return "", false
}
