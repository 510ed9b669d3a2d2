package entitydb

import (
	"testing"
)

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{x("03"), x("04")},
		{x("03 00 00 00 01"), x("03 00 00 00 02")},
		{x("03 ff"), x("04")},
		{x("01 02 ff ff"), x("01 03")},
		{x("ff"), nil},
		{x("ff ff"), nil},
		{[]byte{}, nil},
	}
	for _, tt := range tests {
		got := prefixEnd(tt.prefix)
		if hexstr(got) != hexstr(tt.want) {
			t.Errorf("prefixEnd(%x) = %s, wanted %s", tt.prefix, hexstr(got), hexstr(tt.want))
		}
	}
}

func TestPrefixEnd_DoesNotAlias(t *testing.T) {
	prefix := x("01 02")
	end := prefixEnd(prefix)
	end[0] = 0xAA
	if prefix[0] != 0x01 {
		t.Fatalf("prefixEnd modified its input: %x", prefix)
	}
}

func TestConcat(t *testing.T) {
	deepEqual(t, concat(x("01"), nil, x("02 03")), x("01 02 03"))
	deepEqual(t, len(concat()), 0)
}

func TestHexHelpers(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	if got := hexstr([]byte{0xAA, 0xBB}); got != "aabb" {
		t.Fatalf("hexstr = %q, wanted aabb", got)
	}
	f := hexField("k", []byte{0xAA})
	if f.Key != "k" || f.String != "aa" {
		t.Fatalf("hexField returned unexpected field: %+v", f)
	}
}

func TestMustPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("must did not panic")
		}
	}()
	must(0, ErrClosed)
}
