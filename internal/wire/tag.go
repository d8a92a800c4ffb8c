package wire

import "fmt"

// TagType is the one-byte type discriminator for a Tag's value (spec.md
// §4.1, grounded on original_source/libed2k/src/ctag.cpp's tg_type enum).
// Short strings (length 1..16) collapse their length into the type byte
// itself (TypeStr1..TypeStr16) instead of carrying a separate length field.
type TagType uint8

const (
	TypeUndefined TagType = 0x00
	TypeHash      TagType = 0x01
	TypeString    TagType = 0x02
	TypeUint32    TagType = 0x03
	TypeFloat32   TagType = 0x04
	TypeBool      TagType = 0x05
	TypeBoolArray TagType = 0x06
	TypeBlob      TagType = 0x07
	TypeUint16    TagType = 0x08
	TypeUint8     TagType = 0x09
	TypeBsob      TagType = 0x0A
	TypeUint64    TagType = 0x0B

	// TypeStr1 .. TypeStr16 are compact fixed-length string encodings:
	// TypeStr1+k encodes a string of length k+1, for k in [0,15].
	TypeStr1  TagType = 0x11
	TypeStr16 TagType = 0x20
)

// newTagFlag marks a "new" tag whose name is a single numeric id instead of
// a length-prefixed string (spec.md §4.1: "high bit set ⇒ new tag").
const newTagFlag TagType = 0x80

// TagName identifies a tag either by short numeric id (new-style tags) or
// by a string name (old-style tags). Exactly one of the two is set.
type TagName struct {
	ID  uint8
	Str string
}

func NameID(id uint8) TagName   { return TagName{ID: id} }
func NameStr(s string) TagName  { return TagName{Str: s} }
func (n TagName) isNamed() bool { return n.Str != "" }

// Tag is a typed key-value pair. Exactly one of the value fields below is
// meaningful, selected by Type.
type Tag struct {
	Name TagName
	Type TagType

	U8    uint8
	U16   uint16
	U32   uint32
	U64   uint64
	F32   float32
	Bool  bool
	Hash  Hash
	Blob  []byte
	Str   string
}

func TagUint32(name TagName, v uint32) Tag {
	return Tag{Name: name, Type: TypeUint32, U32: v}
}

func TagUint16(name TagName, v uint16) Tag {
	return Tag{Name: name, Type: TypeUint16, U16: v}
}

func TagUint8(name TagName, v uint8) Tag {
	return Tag{Name: name, Type: TypeUint8, U8: v}
}

func TagUint64(name TagName, v uint64) Tag {
	return Tag{Name: name, Type: TypeUint64, U64: v}
}

func TagFloat32(name TagName, v float32) Tag {
	return Tag{Name: name, Type: TypeFloat32, F32: v}
}

func TagBool(name TagName, v bool) Tag {
	return Tag{Name: name, Type: TypeBool, Bool: v}
}

func TagHash(name TagName, v Hash) Tag {
	return Tag{Name: name, Type: TypeHash, Hash: v}
}

func TagBlob(name TagName, v []byte) Tag {
	return Tag{Name: name, Type: TypeBlob, Blob: append([]byte(nil), v...)}
}

// TagString picks the compact STR1..STR16 encoding for 1..16-byte strings
// and falls back to the general length-prefixed TypeString encoding
// otherwise, per spec.md §4.1.
func TagString(name TagName, v string) Tag {
	t := Tag{Name: name, Str: v}
	if l := len(v); l >= 1 && l <= 16 {
		t.Type = TypeStr1 + TagType(l-1)
	} else {
		t.Type = TypeString
	}
	return t
}

// EncodeTag writes a single tag: [type][name][payload].
func EncodeTag(w *Writer, t Tag) error {
	typeByte := t.Type
	if !t.Name.isNamed() {
		typeByte |= newTagFlag
	}
	w.U8(uint8(typeByte))

	if t.Name.isNamed() {
		w.U16(uint16(len(t.Name.Str)))
		w.Raw([]byte(t.Name.Str))
	} else {
		w.U8(t.Name.ID)
	}

	switch {
	case t.Type == TypeUint32:
		w.U32(t.U32)
	case t.Type == TypeUint16:
		w.U16(t.U16)
	case t.Type == TypeUint8:
		w.U8(t.U8)
	case t.Type == TypeUint64:
		w.U64(t.U64)
	case t.Type == TypeFloat32:
		w.F32(t.F32)
	case t.Type == TypeBool:
		if t.Bool {
			w.U8(1)
		} else {
			w.U8(0)
		}
	case t.Type == TypeHash:
		w.Hash(t.Hash)
	case t.Type == TypeBlob:
		w.U32(uint32(len(t.Blob)))
		w.Raw(t.Blob)
	case t.Type == TypeString:
		w.String(t.Str)
	case t.Type >= TypeStr1 && t.Type <= TypeStr16:
		w.Raw([]byte(t.Str))
	default:
		return fmt.Errorf("wire: unsupported tag type 0x%02x", t.Type)
	}
	return nil
}

// DecodeTag reads a single tag in the format EncodeTag produces.
func DecodeTag(r *Reader) (Tag, error) {
	raw, err := r.U8()
	if err != nil {
		return Tag{}, err
	}

	isNew := TagType(raw)&newTagFlag != 0
	typ := TagType(raw) &^ newTagFlag

	var name TagName
	if isNew {
		id, err := r.U8()
		if err != nil {
			return Tag{}, err
		}
		name = NameID(id)
	} else {
		nameLen, err := r.U16()
		if err != nil {
			return Tag{}, err
		}
		b, err := r.Bytes(int(nameLen))
		if err != nil {
			return Tag{}, err
		}
		if nameLen == 1 {
			// A 1-byte name is indistinguishable on the wire from the
			// special-tag encoding and real ed2k clients decode it as an
			// ID, not a string, so NameStr("x") does not round-trip
			// through Encode/Decode for single-character names. This
			// matches eDonkey/eMule wire behavior, not a decoder bug.
			name = NameID(b[0])
		} else {
			name = NameStr(string(b))
		}
	}

	t := Tag{Name: name, Type: typ}

	switch {
	case typ == TypeUint32:
		t.U32, err = r.U32()
	case typ == TypeUint16:
		t.U16, err = r.U16()
	case typ == TypeUint8:
		t.U8, err = r.U8()
	case typ == TypeUint64:
		t.U64, err = r.U64()
	case typ == TypeFloat32:
		t.F32, err = r.F32()
	case typ == TypeBool:
		var v uint8
		v, err = r.U8()
		t.Bool = v != 0
	case typ == TypeHash:
		t.Hash, err = r.Hash()
	case typ == TypeBlob:
		var n uint32
		n, err = r.U32()
		if err == nil {
			var b []byte
			b, err = r.Bytes(int(n))
			t.Blob = append([]byte(nil), b...)
		}
	case typ == TypeString:
		t.Str, err = r.String()
	case typ >= TypeStr1 && typ <= TypeStr16:
		n := int(typ-TypeStr1) + 1
		var b []byte
		b, err = r.Bytes(n)
		if err == nil {
			t.Str = string(b)
		}
	default:
		return Tag{}, fmt.Errorf("wire: unsupported tag type 0x%02x", typ)
	}
	if err != nil {
		return Tag{}, err
	}
	return t, nil
}

// TagList is a 32-bit-count-prefixed sequence of Tag.
type TagList []Tag

func EncodeTagList(w *Writer, list TagList) error {
	w.U32(uint32(len(list)))
	for _, t := range list {
		if err := EncodeTag(w, t); err != nil {
			return err
		}
	}
	return nil
}

func DecodeTagList(r *Reader) (TagList, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	list := make(TagList, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := DecodeTag(r)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, nil
}

// Get returns the first tag in the list matching name, if any.
func (l TagList) Get(name TagName) (Tag, bool) {
	for _, t := range l {
		if name.isNamed() {
			if t.Name.isNamed() && t.Name.Str == name.Str {
				return t, true
			}
		} else if !t.Name.isNamed() && t.Name.ID == name.ID {
			return t, true
		}
	}
	return Tag{}, false
}
