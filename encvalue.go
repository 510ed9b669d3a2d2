package entitydb

import (
	"bytes"
	"slices"
)

// Physical value of a row: a format byte followed by the cells.
//
//	value = format:1 count:uvarint (family:varbytes qualifier:varbytes data:varbytes)*
//
// Cells are sorted by family, then qualifier, so equal rows encode to equal bytes.
const (
	valueFormatVer1      = 1
	valueFormatVerLatest = valueFormatVer1

	minValueSize = 2
	maxCells     = 1 << 16 // sanity value
)

func encodeCells(buf []byte, cells map[Column][]byte) []byte {
	cols := make([]Column, 0, len(cells))
	for col := range cells {
		cols = append(cols, col)
	}
	slices.SortFunc(cols, compareColumns)

	buf = append(buf, valueFormatVerLatest)
	buf = appendUvarint(buf, uint64(len(cols)))
	for _, col := range cols {
		buf = appendVarstring(buf, col.Family)
		buf = appendVarstring(buf, col.Qualifier)
		buf = appendVarbytes(buf, cells[col])
	}
	return buf
}

func decodeCells(data []byte) (map[Column][]byte, error) {
	if len(data) < minValueSize {
		return nil, dataErrf(data, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	d := makeByteDecoder(data)
	ver, err := d.Byte()
	if err != nil {
		return nil, err
	}
	if ver != valueFormatVer1 {
		return nil, dataErrf(data, 0, nil, "invalid value: unsupported format %d", ver)
	}
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n > maxCells {
		return nil, dataErrf(data, d.Off(), nil, "invalid value: %d cells", n)
	}
	cells := make(map[Column][]byte, n)
	for i := 0; i < n; i++ {
		family, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		qualifier, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		v, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		cells[Column{string(family), string(qualifier)}] = bytes.Clone(v)
	}
	if len(d.Buf) != 0 {
		return nil, dataErrf(data, d.Off(), nil, "invalid value: %d trailing bytes", len(d.Buf))
	}
	return cells, nil
}

func decodeRow(key, data []byte) (*Row, error) {
	cells, err := decodeCells(data)
	if err != nil {
		return nil, err
	}
	return &Row{Key: bytes.Clone(key), Cells: cells}, nil
}

// mergeCells applies a Put to the previous physical value (nil if the row is new).
func mergeCells(old []byte, cells []Cell) ([]byte, error) {
	merged := make(map[Column][]byte, len(cells))
	if old != nil {
		var err error
		merged, err = decodeCells(old)
		if err != nil {
			return nil, err
		}
	}
	for _, c := range cells {
		merged[c.Column] = bytes.Clone(c.Value)
	}
	return encodeCells(nil, merged), nil
}

// incrementCell applies an Increment to the previous physical value.
func incrementCell(old []byte, col Column, delta int64) ([]byte, int64, error) {
	cells := make(map[Column][]byte, 1)
	if old != nil {
		var err error
		cells, err = decodeCells(old)
		if err != nil {
			return nil, 0, err
		}
	}
	cur, err := decodeCounter(cells[col])
	if err != nil {
		return nil, 0, err
	}
	cur += delta
	cells[col] = encodeCounter(cur)
	return encodeCells(nil, cells), cur, nil
}

func compareColumns(a, b Column) int {
	if c := compareStrings(a.Family, b.Family); c != 0 {
		return c
	}
	return compareStrings(a.Qualifier, b.Qualifier)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
