package entitydb

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrStatsUnsupported = errors.New("table stats not supported by this backend")

type TableStats struct {
	Rows      int
	KeySize   int64
	ValueSize int64

	// Alloc is the backend's estimate of the space the table occupies,
	// zero where the backend can't tell.
	Alloc int64
}

func (ts *TableStats) TotalSize() int64 {
	return ts.KeySize + ts.ValueSize
}

// StatsProvider is implemented by every bundled backend.
type StatsProvider interface {
	TableStats(ctx context.Context, name string) (TableStats, error)
}

// GetTableStats returns stats of the named table if c can provide them.
func GetTableStats(ctx context.Context, c Client, name string) (TableStats, error) {
	sp, ok := c.(StatsProvider)
	if !ok {
		return TableStats{}, ErrStatsUnsupported
	}
	return sp.TableStats(ctx, name)
}

// Metrics holds the Prometheus collectors of one engine instance. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	uidCache *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg (when non-nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitydb",
				Name:      "store_operations_total",
				Help:      "Store operations by operation, table and outcome.",
			},
			[]string{"op", "table", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "entitydb",
				Name:      "store_operation_duration_seconds",
				Help:      "Latency of store operations.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"op"},
		),
		uidCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitydb",
				Name:      "uid_cache_lookups_total",
				Help:      "UID map cache lookups by category, direction and result.",
			},
			[]string{"category", "direction", "result"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.latency, m.uidCache} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeOp(op, table string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCanceled):
		outcome = "canceled"
	default:
		outcome = "error"
	}
	m.ops.WithLabelValues(op, table, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) cacheLookup(category, direction string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.uidCache.WithLabelValues(category, direction, result).Inc()
}

// InstrumentClient wraps c so that every table operation is counted and timed.
func InstrumentClient(c Client, m *Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumentedClient{Client: c, m: m}
}

type instrumentedClient struct {
	Client
	m *Metrics
}

func (c *instrumentedClient) OpenTable(ctx context.Context, name string) (Table, error) {
	start := time.Now()
	t, err := c.Client.OpenTable(ctx, name)
	c.m.observeOp("open", name, start, err)
	if err != nil {
		return nil, err
	}
	return &instrumentedTable{Table: t, m: c.m}, nil
}

func (c *instrumentedClient) TableStats(ctx context.Context, name string) (TableStats, error) {
	return GetTableStats(ctx, c.Client, name)
}

type instrumentedTable struct {
	Table
	m *Metrics
}

func (t *instrumentedTable) Get(ctx context.Context, key []byte, columns ...Column) (*Row, error) {
	start := time.Now()
	row, err := t.Table.Get(ctx, key, columns...)
	t.m.observeOp("get", t.Name(), start, err)
	return row, err
}

func (t *instrumentedTable) Put(ctx context.Context, key []byte, cells ...Cell) error {
	start := time.Now()
	err := t.Table.Put(ctx, key, cells...)
	t.m.observeOp("put", t.Name(), start, err)
	return err
}

func (t *instrumentedTable) Delete(ctx context.Context, key []byte) error {
	start := time.Now()
	err := t.Table.Delete(ctx, key)
	t.m.observeOp("delete", t.Name(), start, err)
	return err
}

func (t *instrumentedTable) Scan(ctx context.Context, start, stop []byte) (RowIterator, error) {
	began := time.Now()
	it, err := t.Table.Scan(ctx, start, stop)
	t.m.observeOp("scan", t.Name(), began, err)
	return it, err
}

func (t *instrumentedTable) Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error) {
	start := time.Now()
	n, err := t.Table.Increment(ctx, key, col, delta)
	t.m.observeOp("increment", t.Name(), start, err)
	return n, err
}
