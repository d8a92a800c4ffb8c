package search

import (
	"fmt"

	"ed2kcore/internal/wire"
)

// node type bytes, spec.md §6: "Boolean nodes have a 1-byte type 0x00
// followed by a 1-byte operator. String terms use type 0x01; typed
// string terms 0x02 additionally carry a meta-tag name or id. Integer
// terms (0x03 32-bit, 0x08 64-bit) carry value, comparison operator...
// and meta-tag reference."
const (
	nodeBool      = 0x00
	nodeString    = 0x01
	nodeTypedStr  = 0x02
	nodeRangedU32 = 0x03
	nodeRangedU64 = 0x08
)

// Encode serializes expr into the flat reverse-Polish wire form a
// SearchRequest packet body carries (server.EncodeSearchRequest wraps the
// result verbatim).
func Encode(expr Expression) ([]byte, error) {
	w := wire.NewWriter()
	for _, e := range expr {
		if err := encodeEntry(w, e); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func encodeEntry(w *wire.Writer, e Entry) error {
	switch e.Kind {
	case KindOperator:
		w.U8(nodeBool)
		w.U8(uint8(e.Op))
	case KindString:
		w.U8(nodeString)
		w.String(e.Str)
	case KindTypedString:
		w.U8(nodeTypedStr)
		w.String(e.Str)
		encodeMeta(w, e.Meta)
	case KindRangedUint32:
		w.U8(nodeRangedU32)
		w.U32(e.U32)
		w.U8(uint8(e.Cmp))
		encodeMeta(w, e.Meta)
	case KindRangedUint64:
		w.U8(nodeRangedU64)
		w.U64(e.U64)
		w.U8(uint8(e.Cmp))
		encodeMeta(w, e.Meta)
	default:
		return fmt.Errorf("search: unknown entry kind %d", e.Kind)
	}
	return nil
}

// encodeMeta writes a tag reference as a 1-byte discriminator (0 = numeric
// id, 1 = string name) followed by the id or length-prefixed name.
func encodeMeta(w *wire.Writer, name wire.TagName) {
	if name.Str != "" {
		w.U8(1)
		w.String(name.Str)
		return
	}
	w.U8(0)
	w.U8(name.ID)
}

// Decode parses an Expression written by Encode.
func Decode(data []byte) (Expression, error) {
	r := wire.NewReader(data)
	var expr Expression
	for r.Remaining() > 0 {
		e, err := decodeEntry(r)
		if err != nil {
			return nil, err
		}
		expr = append(expr, e)
	}
	return expr, nil
}

func decodeEntry(r *wire.Reader) (Entry, error) {
	typ, err := r.U8()
	if err != nil {
		return Entry{}, err
	}

	switch typ {
	case nodeBool:
		o, err := r.U8()
		if err != nil {
			return Entry{}, err
		}
		return operatorEntry(Op(o)), nil
	case nodeString:
		s, err := r.String()
		if err != nil {
			return Entry{}, err
		}
		return stringEntry(s), nil
	case nodeTypedStr:
		s, err := r.String()
		if err != nil {
			return Entry{}, err
		}
		meta, err := decodeMeta(r)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindTypedString, Str: s, Meta: meta}, nil
	case nodeRangedU32:
		v, err := r.U32()
		if err != nil {
			return Entry{}, err
		}
		cmp, err := r.U8()
		if err != nil {
			return Entry{}, err
		}
		meta, err := decodeMeta(r)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindRangedUint32, U32: v, Cmp: Cmp(cmp), Meta: meta}, nil
	case nodeRangedU64:
		v, err := r.U64()
		if err != nil {
			return Entry{}, err
		}
		cmp, err := r.U8()
		if err != nil {
			return Entry{}, err
		}
		meta, err := decodeMeta(r)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindRangedUint64, U64: v, Cmp: Cmp(cmp), Meta: meta}, nil
	default:
		return Entry{}, fmt.Errorf("search: unknown node type 0x%02x", typ)
	}
}

func decodeMeta(r *wire.Reader) (wire.TagName, error) {
	kind, err := r.U8()
	if err != nil {
		return wire.TagName{}, err
	}
	if kind == 1 {
		s, err := r.String()
		if err != nil {
			return wire.TagName{}, err
		}
		return wire.NameStr(s), nil
	}
	id, err := r.U8()
	if err != nil {
		return wire.TagName{}, err
	}
	return wire.NameID(id), nil
}
