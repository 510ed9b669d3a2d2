package entitydb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTableHandle_BuffersUntilRead(t *testing.T) {
	ctx := context.Background()
	acc := setup(t, testDeviceTable)
	raw := must(acc.Client().OpenTable(ctx, testDeviceTable))
	defer raw.Close()

	h := must(acc.Table(ctx, testDeviceTable, false))
	defer h.Close()
	deepEqual(t, h.AutoFlush(), false)

	ok(t, h.Put(ctx, x("01"), NewCell(payloadColumn, []byte("a"))))
	ok(t, h.Put(ctx, x("02"), NewCell(payloadColumn, []byte("b"))))
	deepEqual(t, h.Pending(), 2)
	isnil(t, must(raw.Get(ctx, x("01"))))

	// reads through the handle see buffered writes
	row := must(h.Get(ctx, x("01")))
	deepEqual(t, row.Value(payloadColumn), []byte("a"))
	deepEqual(t, h.Pending(), 0)
	isnonnil(t, must(raw.Get(ctx, x("02"))))
}

func TestTableHandle_FlushKeepsOrder(t *testing.T) {
	ctx := context.Background()
	acc := setup(t, testDeviceTable)

	h := must(acc.Table(ctx, testDeviceTable, false))
	ok(t, h.Put(ctx, x("01"), NewCell(payloadColumn, []byte("a"))))
	ok(t, h.Delete(ctx, x("01")))
	ok(t, h.Put(ctx, x("02"), NewCell(payloadColumn, []byte("b"))))
	ok(t, h.Delete(ctx, x("02")))
	ok(t, h.Put(ctx, x("02"), NewCell(payloadColumn, []byte("c"))))
	ok(t, h.Close())

	tbl := openTable(t, acc, testDeviceTable)
	deepEqual(t, scanKeys(t, tbl, nil, nil), []string{"02"})
	deepEqual(t, must(tbl.Get(ctx, x("02"))).Value(payloadColumn), []byte("c"))
}

func TestTableHandle_BufferCopiesKey(t *testing.T) {
	ctx := context.Background()
	acc := setup(t, testDeviceTable)
	h := must(acc.Table(ctx, testDeviceTable, false))
	key := x("01")
	ok(t, h.Put(ctx, key, NewCell(payloadColumn, []byte("a"))))
	key[0] = 0x09
	ok(t, h.Close())
	deepEqual(t, scanKeys(t, openTable(t, acc, testDeviceTable), nil, nil), []string{"01"})
}

func TestTableHandle_IncrementFlushesFirst(t *testing.T) {
	ctx := context.Background()
	acc := setup(t, testDeviceTable)
	h := must(acc.Table(ctx, testDeviceTable, false))
	defer h.Close()

	ok(t, h.Put(ctx, x("00 01"), NewCell(uidValueColumn, []byte("x"))))
	n := must(h.Increment(ctx, x("00 01"), counterColumn, 3))
	deepEqual(t, n, int64(3))
	deepEqual(t, h.Pending(), 0)
	row := must(h.Get(ctx, x("00 01")))
	deepEqual(t, row.Value(uidValueColumn), []byte("x"))
}

func TestTableHandle_ClosedAndCanceled(t *testing.T) {
	ctx := context.Background()
	acc := setup(t, testDeviceTable)

	h := must(acc.Table(ctx, testDeviceTable, false))
	ok(t, h.Close())
	ok(t, h.Close())
	if err := h.Put(ctx, x("01"), NewCell(payloadColumn, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close = %v, wanted ErrClosed", err)
	}

	h = must(acc.Table(ctx, testDeviceTable, true))
	defer h.Close()
	err := h.Put(canceledContext(), x("01"), NewCell(payloadColumn, nil))
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Put with canceled ctx = %v, wanted ErrCanceled", err)
	}

	if _, err := acc.Table(canceledContext(), testDeviceTable, true); !errors.Is(err, ErrCanceled) {
		t.Fatalf("Table with canceled ctx = %v, wanted ErrCanceled", err)
	}
}

func TestAccessor_TableNotFound(t *testing.T) {
	acc := setup(t)
	_, err := acc.Table(context.Background(), "missing", true)
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("Table(missing) = %v, wanted *StorageError wrapping ErrTableNotFound", err)
	}
	deepEqual(t, se.Op, "open")
}

func TestAccessor_WithTableReturnsFnError(t *testing.T) {
	acc := setup(t, testDeviceTable)
	boom := errors.New("boom")
	var seen *TableHandle
	err := acc.WithTable(context.Background(), testDeviceTable, false, func(h *TableHandle) error {
		seen = h
		return errors.Join(boom, h.Put(context.Background(), x("01"), NewCell(payloadColumn, nil)))
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTable = %v, wanted boom", err)
	}
	// buffered writes are still flushed on the way out
	deepEqual(t, seen.Pending(), 0)
	deepEqual(t, scanKeys(t, openTable(t, acc, testDeviceTable), nil, nil), []string{"01"})
}

func TestAccessor_VerboseLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewMemClient()
	defer c.Close()
	acc := NewAccessor(c, Options{Logger: zap.New(core), Verbose: true})
	ok(t, acc.AssureTables(context.Background(), BloomNone, testDeviceTable))

	err := acc.WithTable(context.Background(), testDeviceTable, true, func(h *TableHandle) error {
		if err := h.Put(context.Background(), x("01"), NewCell(payloadColumn, nil)); err != nil {
			return err
		}
		_, err := h.Get(context.Background(), x("02"))
		return err
	})
	ok(t, err)

	deepEqual(t, logs.FilterMessage("table created").Len(), 1)
	deepEqual(t, logs.FilterMessage("db: PUT").Len(), 1)
	deepEqual(t, logs.FilterMessage("db: GET.NONE").Len(), 1)
	entry := logs.FilterMessage("db: PUT").All()[0]
	deepEqual(t, entry.ContextMap()["key"], any("01"))
}

func TestAccessor_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := must(NewMetrics(reg))
	c := NewMemClient()
	defer c.Close()
	acc := NewAccessor(c, Options{Metrics: m})
	ok(t, acc.AssureTables(ctx, BloomNone, testUIDTable, testDeviceTable))
	if acc.Metrics() != m {
		t.Fatalf("Metrics() returned a different instance")
	}

	err := acc.WithTable(ctx, testDeviceTable, true, func(h *TableHandle) error {
		if err := h.Put(ctx, x("01"), NewCell(payloadColumn, nil)); err != nil {
			return err
		}
		_, err := h.Get(ctx, x("01"))
		return err
	})
	ok(t, err)
	deepEqual(t, testutil.ToFloat64(m.ops.WithLabelValues("put", testDeviceTable, "ok")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.ops.WithLabelValues("get", testDeviceTable, "ok")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.ops.WithLabelValues("open", testDeviceTable, "ok")), 1.0)

	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))
	must(ids.UseExistingID(ctx, "dev-001"))
	must2(ids.GetValue(ctx, "dev-001"))
	ids.Purge()
	must2(ids.GetValue(ctx, "dev-001"))
	deepEqual(t, testutil.ToFloat64(m.uidCache.WithLabelValues("device", "forward", "hit")), 1.0)
	// one miss from the duplicate check in UseExistingID, one after Purge
	deepEqual(t, testutil.ToFloat64(m.uidCache.WithLabelValues("device", "forward", "miss")), 2.0)

	if _, err := NewMetrics(reg); err == nil {
		t.Fatalf("registering metrics twice succeeded")
	}

	// stats pass through the instrumented client
	s := must(GetTableStats(ctx, acc.Client(), testDeviceTable))
	deepEqual(t, s.Rows, 1)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.observeOp("get", "t", time.Now(), nil)
	m.cacheLookup("device", "forward", true)
	c := NewMemClient()
	if InstrumentClient(c, nil) != c {
		t.Fatalf("InstrumentClient(nil metrics) wrapped the client")
	}
}

func must2[A, B any](a A, b B, err error) (A, B) {
	if err != nil {
		panic(err)
	}
	return a, b
}
