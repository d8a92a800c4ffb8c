package search

import (
	"testing"

	"ed2kcore/internal/wire"
)

func testHash(b byte) wire.Hash {
	var h wire.Hash
	h[0] = b
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	expr := Expression{
		operatorEntry(OpOr),
		operatorEntry(OpAnd),
		stringEntry("X1"),
		stringEntry("X2"),
		{Kind: KindTypedString, Str: "avi", Meta: wire.NameID(0x01)},
		{Kind: KindRangedUint32, U32: 1024, Cmp: CmpGreater, Meta: wire.NameStr("size")},
		{Kind: KindRangedUint64, U64: 1 << 40, Cmp: CmpLessEqual, Meta: wire.NameID(0x02)},
	}

	data, err := Encode(expr)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if len(got) != len(expr) {
		t.Fatalf("Decode() len = %d, want %d", len(got), len(expr))
	}
	for i := range expr {
		if got[i] != expr[i] {
			t.Errorf("entry[%d] = %+v, want %+v", i, got[i], expr[i])
		}
	}
}

func TestEncodeCompiledScenario(t *testing.T) {
	expr, err := Compile("X1 AND X2 OR X3 NOT X4")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	data, err := Encode(expr)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got) != len(expr) {
		t.Fatalf("Decode() len = %d, want %d", len(got), len(expr))
	}
}
