package entitydb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Pebble has a single keyspace, so tables are simulated via key-prefixing:
// rows of table t live under "t\x00", its descriptor under "\xff" + t.
// Table names can contain neither byte, so the ranges are disjoint.
const pebbleMetaPrefix = 0xFF

type PebbleOptions struct {
	// CacheSize is the shared block-cache capacity in bytes. Zero means 8 MiB.
	CacheSize int64

	// Bloom enables bloom filters on every level. Pebble configures filters
	// per database, so the strongest kind requested by any table wins.
	Bloom BloomFilterKind

	// SyncWrites makes every write durable before returning.
	SyncWrites bool

	Logger *zap.Logger
}

type pebbleClient struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger

	// writeMu serializes read-modify-write sequences (Put merges, Increment,
	// table creation). Plain reads don't take it.
	writeMu sync.Mutex
	closed  atomic.Bool
}

func OpenPebble(path string, opts PebbleOptions) (Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "pebble"))

	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = 8 << 20
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	pOpts := &pebble.Options{
		Cache: cache,
	}
	if opts.Bloom != BloomNone {
		pOpts.Levels = make([]pebble.LevelOptions, 7)
		for i := range pOpts.Levels {
			pOpts.Levels[i].FilterPolicy = bloom.FilterPolicy(10)
			pOpts.Levels[i].FilterType = pebble.TableFilter
		}
	}

	db, err := pebble.Open(path, pOpts)
	if err != nil {
		return nil, fmt.Errorf("pebble: failed to open %s: %w", path, err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Info("database opened", zap.String("path", path), zap.Stringer("bloom", opts.Bloom))
	return &pebbleClient{
		db:        db,
		path:      path,
		writeOpts: writeOpts,
		logger:    log,
	}, nil
}

func pebbleTablePrefix(name string) []byte {
	b := make([]byte, len(name)+1)
	copy(b, name)
	b[len(name)] = 0x00
	return b
}

func pebbleTableUpperBound(name string) []byte {
	b := make([]byte, len(name)+1)
	copy(b, name)
	b[len(name)] = 0x01
	return b
}

func pebbleMetaKey(name string) []byte {
	b := make([]byte, len(name)+1)
	b[0] = pebbleMetaPrefix
	copy(b[1:], name)
	return b
}

func (c *pebbleClient) get(key []byte) ([]byte, error) {
	val, closer, err := c.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	// Copy: the returned slice is only valid until closer.Close().
	return slices.Clone(val), nil
}

func (c *pebbleClient) readDescriptor(name string) (*TableDescriptor, error) {
	raw, err := c.get(pebbleMetaKey(name))
	if err != nil || raw == nil {
		return nil, err
	}
	var desc TableDescriptor
	if err := msgpack.Unmarshal(raw, &desc); err != nil {
		return nil, dataErrf(raw, 0, err, "invalid descriptor of table %s", name)
	}
	return &desc, nil
}

func (c *pebbleClient) TableExists(ctx context.Context, name string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	if c.closed.Load() {
		return false, ErrClosed
	}
	desc, err := c.readDescriptor(name)
	return desc != nil, err
}

func (c *pebbleClient) CreateTable(ctx context.Context, desc TableDescriptor) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := validateTableName(desc.Name); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := msgpack.Marshal(&desc)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	existing, err := c.readDescriptor(desc.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrTableExists
	}
	return c.db.Set(pebbleMetaKey(desc.Name), raw, c.writeOpts)
}

func (c *pebbleClient) DescribeTable(ctx context.Context, name string) (TableDescriptor, error) {
	if err := checkCtx(ctx); err != nil {
		return TableDescriptor{}, err
	}
	if c.closed.Load() {
		return TableDescriptor{}, ErrClosed
	}
	desc, err := c.readDescriptor(name)
	if err != nil {
		return TableDescriptor{}, err
	}
	if desc == nil {
		return TableDescriptor{}, ErrTableNotFound
	}
	return *desc, nil
}

func (c *pebbleClient) DeleteTable(ctx context.Context, name string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	desc, err := c.readDescriptor(name)
	if err != nil {
		return err
	}
	if desc == nil {
		return ErrTableNotFound
	}
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(pebbleTablePrefix(name), pebbleTableUpperBound(name), nil); err != nil {
		return err
	}
	if err := b.Delete(pebbleMetaKey(name), nil); err != nil {
		return err
	}
	return b.Commit(c.writeOpts)
}

func (c *pebbleClient) OpenTable(ctx context.Context, name string) (Table, error) {
	exists, err := c.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTableNotFound
	}
	return &pebbleTable{
		c:      c,
		name:   name,
		prefix: pebbleTablePrefix(name),
		upper:  pebbleTableUpperBound(name),
	}, nil
}

func (c *pebbleClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.db.Flush(); err != nil {
		c.logger.Warn("flush failed during shutdown", zap.Error(err))
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("pebble: close failed: %w", err)
	}
	c.logger.Info("database closed", zap.String("path", c.path))
	return nil
}

// TableStats implements StatsProvider.
func (c *pebbleClient) TableStats(ctx context.Context, name string) (TableStats, error) {
	tbl, err := c.OpenTable(ctx, name)
	if err != nil {
		return TableStats{}, err
	}
	defer tbl.Close()
	pt := tbl.(*pebbleTable)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: pt.prefix, UpperBound: pt.upper})
	if err != nil {
		return TableStats{}, err
	}
	defer iter.Close()
	var s TableStats
	for iter.First(); iter.Valid(); iter.Next() {
		if err := checkCtx(ctx); err != nil {
			return TableStats{}, err
		}
		s.Rows++
		s.KeySize += int64(len(iter.Key()) - len(pt.prefix))
		s.ValueSize += int64(len(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return TableStats{}, err
	}
	usage, err := c.db.EstimateDiskUsage(pt.prefix, pt.upper)
	if err != nil {
		return TableStats{}, err
	}
	s.Alloc = int64(usage)
	return s, nil
}

type pebbleTable struct {
	c      *pebbleClient
	name   string
	prefix []byte
	upper  []byte
	closed atomic.Bool
}

func (t *pebbleTable) Name() string { return t.name }

func (t *pebbleTable) check(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if t.closed.Load() || t.c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (t *pebbleTable) key(key []byte) []byte {
	return concat(t.prefix, key)
}

func (t *pebbleTable) Get(ctx context.Context, key []byte, columns ...Column) (*Row, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	v, err := t.c.get(t.key(key))
	if err != nil || v == nil {
		return nil, err
	}
	row, err := decodeRow(key, v)
	if err != nil {
		return nil, err
	}
	return row.project(columns), nil
}

func (t *pebbleTable) Put(ctx context.Context, key []byte, cells ...Cell) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	pk := t.key(key)
	t.c.writeMu.Lock()
	defer t.c.writeMu.Unlock()
	old, err := t.c.get(pk)
	if err != nil {
		return err
	}
	v, err := mergeCells(old, cells)
	if err != nil {
		return err
	}
	return t.c.db.Set(pk, v, t.c.writeOpts)
}

func (t *pebbleTable) Delete(ctx context.Context, key []byte) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.c.writeMu.Lock()
	defer t.c.writeMu.Unlock()
	return t.c.db.Delete(t.key(key), t.c.writeOpts)
}

func (t *pebbleTable) Scan(ctx context.Context, start, stop []byte) (RowIterator, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	lower, upper := t.prefix, t.upper
	if start != nil {
		lower = t.key(start)
	}
	if stop != nil {
		upper = t.key(stop)
	}
	iter, err := t.c.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &pebbleRowIterator{ctx: ctx, iter: iter, prefixLen: len(t.prefix)}, nil
}

func (t *pebbleTable) Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	pk := t.key(key)
	t.c.writeMu.Lock()
	defer t.c.writeMu.Unlock()
	old, err := t.c.get(pk)
	if err != nil {
		return 0, err
	}
	v, n, err := incrementCell(old, col, delta)
	if err != nil {
		return 0, err
	}
	if err := t.c.db.Set(pk, v, t.c.writeOpts); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *pebbleTable) Close() error {
	t.closed.Store(true)
	return nil
}

type pebbleRowIterator struct {
	ctx       context.Context
	iter      *pebble.Iterator
	prefixLen int
	started   bool
	row       *Row
	err       error
	closed    bool
}

func (it *pebbleRowIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	if err := checkCtx(it.ctx); err != nil {
		it.err = err
		return false
	}
	var ok bool
	if !it.started {
		it.started = true
		ok = it.iter.First()
	} else {
		ok = it.iter.Next()
	}
	if !ok {
		it.row = nil
		return false
	}
	val, err := it.iter.ValueAndErr()
	if err != nil {
		it.err = err
		return false
	}
	key := it.iter.Key()[it.prefixLen:]
	it.row, it.err = decodeRow(key, val)
	return it.err == nil
}

func (it *pebbleRowIterator) Row() *Row { return it.row }

func (it *pebbleRowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.closed {
		return nil
	}
	return it.iter.Error()
}

func (it *pebbleRowIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.iter.Close()
}
