package entitydb

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTableNotFound is returned when opening or describing a table that doesn't exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned by Admin.CreateTable when the table already exists.
	ErrTableExists = errors.New("table already exists")
	// ErrClosed is returned by every operation on a closed client or table.
	ErrClosed = errors.New("storage closed")
)

// DefaultFamily is the single column family shared by every row type.
const DefaultFamily = "f"

// Client is the capability set the engine needs from an ordered key-value
// store. Memory, Bolt, Pebble and LevelDB backends are provided.
type Client interface {
	Admin

	// OpenTable returns a handle for an existing table. The caller must close it.
	OpenTable(ctx context.Context, name string) (Table, error)

	// Close releases the underlying store.
	Close() error
}

// Admin covers table lifecycle.
type Admin interface {
	TableExists(ctx context.Context, name string) (bool, error)

	// CreateTable returns ErrTableExists if the table is already there.
	CreateTable(ctx context.Context, desc TableDescriptor) error

	DescribeTable(ctx context.Context, name string) (TableDescriptor, error)

	// DeleteTable removes a table with all of its rows.
	DeleteTable(ctx context.Context, name string) error
}

// Table is a handle to one sorted table of rows. Rows are addressed by binary
// keys and hold cells addressed by family and qualifier.
type Table interface {
	Name() string

	// Get reads a row. When columns are given, only those cells are returned.
	// Returns a nil row (and nil error) if the row doesn't exist.
	Get(ctx context.Context, key []byte, columns ...Column) (*Row, error)

	// Put merges cells into the row, creating it if necessary. The write is
	// atomic per row.
	Put(ctx context.Context, key []byte, cells ...Cell) error

	// Delete removes the whole row. Deleting a missing row is not an error.
	Delete(ctx context.Context, key []byte) error

	// Scan iterates rows with start <= key < stop. A nil start means the
	// beginning of the table, a nil stop means its end.
	Scan(ctx context.Context, start, stop []byte) (RowIterator, error)

	// Increment atomically adds delta to a counter cell (an 8-byte big-endian
	// integer, absent = 0) and returns the new value.
	Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error)

	Close() error
}

// RowIterator walks the result of Table.Scan.
//
//	it, err := tbl.Scan(ctx, start, stop)
//	...
//	defer it.Close()
//	for it.Next() {
//		row := it.Row()
//	}
//	return it.Err()
type RowIterator interface {
	Next() bool
	Row() *Row
	Err() error
	Close() error
}

// BloomFilterKind is a per-table hint for reducing negative point lookups.
type BloomFilterKind int

const (
	BloomNone BloomFilterKind = iota
	BloomRow
	BloomRowCol
)

func (k BloomFilterKind) String() string {
	switch k {
	case BloomNone:
		return "none"
	case BloomRow:
		return "row"
	case BloomRowCol:
		return "rowcol"
	default:
		return fmt.Sprintf("bloom(%d)", int(k))
	}
}

func ParseBloomFilterKind(s string) (BloomFilterKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return BloomNone, nil
	case "row":
		return BloomRow, nil
	case "rowcol", "row_col":
		return BloomRowCol, nil
	default:
		return BloomNone, fmt.Errorf("unknown bloom filter kind %q", s)
	}
}

// TableDescriptor is persisted by every backend alongside the table.
type TableDescriptor struct {
	Name     string          `msgpack:"n"`
	Families []string        `msgpack:"f"`
	Bloom    BloomFilterKind `msgpack:"b"`
}

func (desc TableDescriptor) HasFamily(family string) bool {
	for _, f := range desc.Families {
		if f == family {
			return true
		}
	}
	return false
}

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid table name: empty")
	}
	if strings.IndexByte(name, 0x00) >= 0 || strings.IndexByte(name, 0xFF) >= 0 {
		return fmt.Errorf("invalid table name %q: contains reserved byte", name)
	}
	return nil
}

type Column struct {
	Family    string
	Qualifier string
}

func (c Column) String() string {
	return c.Family + ":" + c.Qualifier
}

type Cell struct {
	Column
	Value []byte
}

func NewCell(col Column, value []byte) Cell {
	return Cell{Column: col, Value: value}
}

// Row is a decoded row. Cells maps columns to values.
type Row struct {
	Key   []byte
	Cells map[Column][]byte
}

// Value returns the cell value, or nil if the cell is absent.
func (r *Row) Value(col Column) []byte {
	if r == nil {
		return nil
	}
	return r.Cells[col]
}

func (r *Row) Has(col Column) bool {
	if r == nil {
		return false
	}
	_, ok := r.Cells[col]
	return ok
}

func (r *Row) project(columns []Column) *Row {
	if len(columns) == 0 || r == nil {
		return r
	}
	out := &Row{Key: r.Key, Cells: make(map[Column][]byte, len(columns))}
	for _, col := range columns {
		if v, ok := r.Cells[col]; ok {
			out.Cells[col] = v
		}
	}
	return out
}

// sliceIterator serves rows that were collected up front.
type sliceIterator struct {
	rows []*Row
	pos  int
	err  error
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Row() *Row {
	if it.pos == 0 || it.pos > len(it.rows) {
		return nil
	}
	return it.rows[it.pos-1]
}

func (it *sliceIterator) Err() error   { return it.err }
func (it *sliceIterator) Close() error { return nil }
