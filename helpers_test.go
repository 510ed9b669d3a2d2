package entitydb

import (
	"context"
	"encoding/hex"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const (
	testUIDTable    = "uids"
	testDeviceTable = "devices"
)

type Device struct {
	Audit
	Token string `json:"token" msgpack:"tok"`
	Name  string `json:"name" msgpack:"n"`
	Site  string `json:"site,omitempty" msgpack:"s,omitempty"`
}

var (
	deviceIDConfig = UIDMapConfig{Category: "device", KeyIndicator: 0x01, ValueIndicator: 0x02}
	siteIDConfig   = UIDMapConfig{Category: "site", KeyIndicator: 0x03, ValueIndicator: 0x04}
)

// setup returns an accessor over a fresh in-memory store with the UID table
// and the given tables created.
func setup(t testing.TB, tables ...string) *Accessor {
	t.Helper()
	acc := NewAccessor(NewMemClient(), Options{Logger: zaptest.NewLogger(t), Verbose: true})
	tables = append([]string{testUIDTable}, tables...)
	if err := acc.AssureTables(context.Background(), BloomRow, tables...); err != nil {
		t.Fatalf("AssureTables: %v", err)
	}
	t.Cleanup(func() { acc.Client().Close() })
	return acc
}

func setupKeys(t testing.TB, acc *Accessor, cfg UIDMapConfig, typeID byte) *RowKeyBuilder {
	t.Helper()
	ids := must(NewCounterMap(acc, testUIDTable, cfg))
	return must(NewRowKeyBuilder(ids, RowKeyConfig{TypeIdentifier: typeID}))
}

func openTable(t testing.TB, acc *Accessor, name string) *TableHandle {
	t.Helper()
	tbl := must(acc.Table(context.Background(), name, true))
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func scanKeys(t testing.TB, tbl Table, start, stop []byte) []string {
	t.Helper()
	it, err := tbl.Scan(context.Background(), start, stop)
	ok(t, err)
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, hex.EncodeToString(it.Row().Key))
	}
	ok(t, it.Err())
	return out
}
