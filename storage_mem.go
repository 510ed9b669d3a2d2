package entitydb

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

type memClient struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	closed bool
}

// NewMemClient returns a transient in-memory Client intended for tests and tools.
func NewMemClient() Client {
	return &memClient{tables: make(map[string]*memTable)}
}

type memTable struct {
	desc  TableDescriptor
	items []memKV // sorted by key
}

type memKV struct {
	key   []byte
	value []byte
}

func (t *memTable) find(key []byte) (idx int, ok bool) {
	items := t.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

func (t *memTable) get(key []byte) []byte {
	i, ok := t.find(key)
	if !ok {
		return nil
	}
	return t.items[i].value
}

func (t *memTable) set(key, value []byte) {
	i, ok := t.find(key)
	if ok {
		t.items[i].value = value
		return
	}
	t.items = slices.Insert(t.items, i, memKV{key: slices.Clone(key), value: value})
}

func (t *memTable) remove(key []byte) {
	i, ok := t.find(key)
	if !ok {
		return
	}
	t.items = slices.Delete(t.items, i, i+1)
}

func (c *memClient) TableExists(ctx context.Context, name string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.tables[name] != nil, nil
}

func (c *memClient) CreateTable(ctx context.Context, desc TableDescriptor) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := validateTableName(desc.Name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.tables[desc.Name] != nil {
		return ErrTableExists
	}
	desc.Families = slices.Clone(desc.Families)
	c.tables[desc.Name] = &memTable{desc: desc}
	return nil
}

func (c *memClient) DescribeTable(ctx context.Context, name string) (TableDescriptor, error) {
	if err := checkCtx(ctx); err != nil {
		return TableDescriptor{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return TableDescriptor{}, ErrClosed
	}
	t := c.tables[name]
	if t == nil {
		return TableDescriptor{}, ErrTableNotFound
	}
	desc := t.desc
	desc.Families = slices.Clone(desc.Families)
	return desc, nil
}

func (c *memClient) DeleteTable(ctx context.Context, name string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.tables[name] == nil {
		return ErrTableNotFound
	}
	delete(c.tables, name)
	return nil
}

func (c *memClient) OpenTable(ctx context.Context, name string) (Table, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.tables[name] == nil {
		return nil, ErrTableNotFound
	}
	return &memTableHandle{c: c, name: name}, nil
}

func (c *memClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.tables = nil
	return nil
}

// TableStats implements StatsProvider.
func (c *memClient) TableStats(ctx context.Context, name string) (TableStats, error) {
	if err := checkCtx(ctx); err != nil {
		return TableStats{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return TableStats{}, ErrClosed
	}
	t := c.tables[name]
	if t == nil {
		return TableStats{}, ErrTableNotFound
	}
	var s TableStats
	for _, kv := range t.items {
		s.Rows++
		s.KeySize += int64(len(kv.key))
		s.ValueSize += int64(len(kv.value))
	}
	return s, nil
}

type memTableHandle struct {
	c      *memClient
	name   string
	closed atomic.Bool
}

func (h *memTableHandle) Name() string { return h.name }

// table must be called with h.c.mu held.
func (h *memTableHandle) table() (*memTable, error) {
	if h.closed.Load() || h.c.closed {
		return nil, ErrClosed
	}
	t := h.c.tables[h.name]
	if t == nil {
		return nil, ErrTableNotFound
	}
	return t, nil
}

func (h *memTableHandle) Get(ctx context.Context, key []byte, columns ...Column) (*Row, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	t, err := h.table()
	if err != nil {
		return nil, err
	}
	v := t.get(key)
	if v == nil {
		return nil, nil
	}
	row, err := decodeRow(key, v)
	if err != nil {
		return nil, err
	}
	return row.project(columns), nil
}

func (h *memTableHandle) Put(ctx context.Context, key []byte, cells ...Cell) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	t, err := h.table()
	if err != nil {
		return err
	}
	v, err := mergeCells(t.get(key), cells)
	if err != nil {
		return err
	}
	t.set(key, v)
	return nil
}

func (h *memTableHandle) Delete(ctx context.Context, key []byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	t, err := h.table()
	if err != nil {
		return err
	}
	t.remove(key)
	return nil
}

// Scan snapshots the range up front, so the iterator is unaffected by
// concurrent writes.
func (h *memTableHandle) Scan(ctx context.Context, start, stop []byte) (RowIterator, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	t, err := h.table()
	if err != nil {
		return nil, err
	}
	i := 0
	if start != nil {
		i, _ = t.find(start)
	}
	var rows []*Row
	for ; i < len(t.items); i++ {
		kv := t.items[i]
		if stop != nil && bytes.Compare(kv.key, stop) >= 0 {
			break
		}
		row, err := decodeRow(kv.key, kv.value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return &sliceIterator{rows: rows}, nil
}

func (h *memTableHandle) Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	t, err := h.table()
	if err != nil {
		return 0, err
	}
	v, n, err := incrementCell(t.get(key), col, delta)
	if err != nil {
		return 0, err
	}
	t.set(key, v)
	return n, nil
}

func (h *memTableHandle) Close() error {
	h.closed.Store(true)
	return nil
}
