package entitydb

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeCells_Layout(t *testing.T) {
	cells := map[Column][]byte{
		{"f", "t"}: {0x01},
		{"f", "p"}: []byte("xy"),
	}
	got := encodeCells(nil, cells)
	// format, count, then f:p before f:t
	want := x("01 02   01 66 01 70 02 78 79   01 66 01 74 01 01")
	deepEqual(t, got, want)
}

func TestEncodeCells_Deterministic(t *testing.T) {
	a := map[Column][]byte{{"f", "a"}: {1}, {"f", "b"}: {2}, {"g", "a"}: {3}}
	b := map[Column][]byte{{"g", "a"}: {3}, {"f", "b"}: {2}, {"f", "a"}: {1}}
	for i := 0; i < 10; i++ {
		if !bytes.Equal(encodeCells(nil, a), encodeCells(nil, b)) {
			t.Fatalf("equal cell maps encoded differently")
		}
	}
}

func TestDecodeCells(t *testing.T) {
	cells := map[Column][]byte{
		payloadColumn:     []byte("payload"),
		payloadTypeColumn: {EncodingMsgPack},
		deletedColumn:     {0},
	}
	got, err := decodeCells(encodeCells(nil, cells))
	ok(t, err)
	deepEqual(t, got, cells)
}

func TestDecodeCells_Errors(t *testing.T) {
	valid := encodeCells(nil, map[Column][]byte{payloadColumn: []byte("abc")})
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", x("01")},
		{"bad format", x("02 00")},
		{"truncated", valid[:len(valid)-1]},
		{"trailing", append(append([]byte(nil), valid...), 0x00)},
		{"too many cells", appendUvarint([]byte{valueFormatVer1}, maxCells+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeCells(tt.data)
			var de *DataError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, wanted *DataError", err)
			}
		})
	}
}

func TestMergeCells(t *testing.T) {
	v, err := mergeCells(nil, []Cell{NewCell(payloadColumn, []byte("one")), NewCell(deletedColumn, []byte{0})})
	ok(t, err)
	v, err = mergeCells(v, []Cell{NewCell(payloadColumn, []byte("two")), NewCell(payloadTypeColumn, []byte{1})})
	ok(t, err)

	cells, err := decodeCells(v)
	ok(t, err)
	deepEqual(t, cells, map[Column][]byte{
		payloadColumn:     []byte("two"),
		payloadTypeColumn: {1},
		deletedColumn:     {0},
	})

	if _, err := mergeCells(x("09 09"), nil); err == nil {
		t.Fatalf("mergeCells over a corrupt value succeeded")
	}
}

func TestIncrementCell(t *testing.T) {
	v, n, err := incrementCell(nil, counterColumn, 1)
	ok(t, err)
	deepEqual(t, n, int64(1))

	v, err = mergeCells(v, []Cell{NewCell(uidValueColumn, []byte("keep"))})
	ok(t, err)

	v, n, err = incrementCell(v, counterColumn, 41)
	ok(t, err)
	deepEqual(t, n, int64(42))

	row, err := decodeRow(x("00 01"), v)
	ok(t, err)
	deepEqual(t, row.Value(counterColumn), encodeCounter(42))
	deepEqual(t, row.Value(uidValueColumn), []byte("keep"))

	bad := encodeCells(nil, map[Column][]byte{counterColumn: {1, 2}})
	if _, _, err := incrementCell(bad, counterColumn, 1); err == nil {
		t.Fatalf("incrementCell over a 2-byte counter succeeded")
	}
}

func TestDecodeRow_CopiesKey(t *testing.T) {
	key := x("03 00 00 00 01 01")
	row, err := decodeRow(key, encodeCells(nil, map[Column][]byte{payloadColumn: {1}}))
	ok(t, err)
	key[0] = 0xFF
	deepEqual(t, row.Key, x("03 00 00 00 01 01"))
}
