package entitydb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpPayloads

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump writes a human-readable listing of the rows of the named table in
// [start, stop). With DumpPayloads, payload cells are decoded through r and
// shown as JSON.
func Dump(ctx context.Context, c Client, w io.Writer, name string, start, stop []byte, f DumpFlags, r MarshalerResolver) error {
	tbl, err := c.OpenTable(ctx, name)
	if err != nil {
		return err
	}
	defer tbl.Close()

	if f.Contains(DumpTableHeaders) {
		desc, err := c.DescribeTable(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (families %s, bloom %v)\n", name, strings.Join(desc.Families, ","), desc.Bloom)
	}
	if f.Contains(DumpStats) {
		s, err := GetTableStats(ctx, c, name)
		if err == nil {
			fmt.Fprintf(w, "%s.stats: rows = %d, key_size = %d, value_size = %d, alloc = %d\n", name, s.Rows, s.KeySize, s.ValueSize, s.Alloc)
		} else if err != ErrStatsUnsupported {
			return err
		}
	}
	if !f.Contains(DumpRows) {
		return nil
	}
	if f.Contains(DumpStats) {
		fmt.Fprintln(w, dumpSep2)
	}

	it, err := tbl.Scan(ctx, start, stop)
	if err != nil {
		return err
	}
	defer it.Close()
	var rowPos int
	for it.Next() {
		rowPos++
		dumpRow(w, name, rowPos, it.Row(), f, r)
	}
	return it.Err()
}

func dumpRow(w io.Writer, prefix string, rowPos int, row *Row, f DumpFlags, r MarshalerResolver) {
	fmt.Fprintf(w, "%s.%d %s:", prefix, rowPos, hexstr(row.Key))
	cols := make([]Column, 0, len(row.Cells))
	for col := range row.Cells {
		cols = append(cols, col)
	}
	slices.SortFunc(cols, compareColumns)
	for _, col := range cols {
		if col == payloadColumn && f.Contains(DumpPayloads) && r != nil {
			fmt.Fprintf(w, " %s=%s", col, loggablePayload(row, r))
			continue
		}
		fmt.Fprintf(w, " %s=%s", col, hexstr(row.Cells[col]))
	}
	fmt.Fprintln(w)
}

func loggablePayload(row *Row, r MarshalerResolver) string {
	enc := row.Value(payloadTypeColumn)
	if len(enc) != 1 {
		return hexstr(row.Value(payloadColumn))
	}
	m, err := r.Resolve(enc[0])
	if err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	var v any
	if err := m.Decode(row.Value(payloadColumn), &v); err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	return string(raw)
}
