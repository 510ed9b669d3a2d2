package entitydb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// LevelDB uses the same key layout as the Pebble backend: rows of table t
// under "t\x00", descriptors under "\xff" + t.

type LevelDBOptions struct {
	// Bloom installs a bloom filter for the whole database when set.
	Bloom BloomFilterKind

	SyncWrites bool

	Logger *zap.Logger
}

type levelClient struct {
	db        *leveldb.DB
	path      string
	writeOpts *ldb_opt.WriteOptions
	logger    *zap.Logger
	closed    atomic.Bool
}

func OpenLevelDB(path string, opts LevelDBOptions) (Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "leveldb"))

	o := &ldb_opt.Options{}
	if opts.Bloom != BloomNone {
		o.Filter = filter.NewBloomFilter(10)
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("leveldb: failed to open %s: %w", path, err)
	}
	log.Info("database opened", zap.String("path", path), zap.Stringer("bloom", opts.Bloom))
	return &levelClient{
		db:        db,
		path:      path,
		writeOpts: &ldb_opt.WriteOptions{Sync: opts.SyncWrites},
		logger:    log,
	}, nil
}

type levelReader interface {
	Get(key []byte, ro *ldb_opt.ReadOptions) ([]byte, error)
}

func levelGet(r levelReader, key []byte) ([]byte, error) {
	v, err := r.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (c *levelClient) readDescriptor(r levelReader, name string) (*TableDescriptor, error) {
	raw, err := levelGet(r, pebbleMetaKey(name))
	if err != nil || raw == nil {
		return nil, err
	}
	var desc TableDescriptor
	if err := msgpack.Unmarshal(raw, &desc); err != nil {
		return nil, dataErrf(raw, 0, err, "invalid descriptor of table %s", name)
	}
	return &desc, nil
}

func (c *levelClient) TableExists(ctx context.Context, name string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	if c.closed.Load() {
		return false, ErrClosed
	}
	desc, err := c.readDescriptor(c.db, name)
	return desc != nil, err
}

func (c *levelClient) CreateTable(ctx context.Context, desc TableDescriptor) error {
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
	tr, err := c.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()
	existing, err := c.readDescriptor(tr, desc.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrTableExists
	}
	if err := tr.Put(pebbleMetaKey(desc.Name), raw, c.writeOpts); err != nil {
		return err
	}
	return tr.Commit()
}

func (c *levelClient) DescribeTable(ctx context.Context, name string) (TableDescriptor, error) {
	if err := checkCtx(ctx); err != nil {
		return TableDescriptor{}, err
	}
	if c.closed.Load() {
		return TableDescriptor{}, ErrClosed
	}
	desc, err := c.readDescriptor(c.db, name)
	if err != nil {
		return TableDescriptor{}, err
	}
	if desc == nil {
		return TableDescriptor{}, ErrTableNotFound
	}
	return *desc, nil
}

func (c *levelClient) DeleteTable(ctx context.Context, name string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	tr, err := c.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()
	desc, err := c.readDescriptor(tr, name)
	if err != nil {
		return err
	}
	if desc == nil {
		return ErrTableNotFound
	}

	iter := tr.NewIterator(&ldb_util.Range{Start: pebbleTablePrefix(name), Limit: pebbleTableUpperBound(name)}, nil)
	for iter.Next() {
		if err := tr.Delete(slices.Clone(iter.Key()), c.writeOpts); err != nil {
			iter.Release()
			return err
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	if err := tr.Delete(pebbleMetaKey(name), c.writeOpts); err != nil {
		return err
	}
	return tr.Commit()
}

func (c *levelClient) OpenTable(ctx context.Context, name string) (Table, error) {
	exists, err := c.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTableNotFound
	}
	return &levelTable{
		c:      c,
		name:   name,
		prefix: pebbleTablePrefix(name),
		upper:  pebbleTableUpperBound(name),
	}, nil
}

func (c *levelClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("leveldb: close failed: %w", err)
	}
	c.logger.Info("database closed", zap.String("path", c.path))
	return nil
}

// TableStats implements StatsProvider.
func (c *levelClient) TableStats(ctx context.Context, name string) (TableStats, error) {
	exists, err := c.TableExists(ctx, name)
	if err != nil {
		return TableStats{}, err
	}
	if !exists {
		return TableStats{}, ErrTableNotFound
	}
	r := &ldb_util.Range{Start: pebbleTablePrefix(name), Limit: pebbleTableUpperBound(name)}
	iter := c.db.NewIterator(r, nil)
	defer iter.Release()
	var s TableStats
	for iter.Next() {
		if err := checkCtx(ctx); err != nil {
			return TableStats{}, err
		}
		s.Rows++
		s.KeySize += int64(len(iter.Key()) - len(r.Start))
		s.ValueSize += int64(len(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return TableStats{}, err
	}
	sizes, err := c.db.SizeOf([]ldb_util.Range{*r})
	if err != nil {
		return TableStats{}, err
	}
	s.Alloc = sizes.Sum()
	return s, nil
}

type levelTable struct {
	c      *levelClient
	name   string
	prefix []byte
	upper  []byte
	closed atomic.Bool
}

func (t *levelTable) Name() string { return t.name }

func (t *levelTable) check(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if t.closed.Load() || t.c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (t *levelTable) key(key []byte) []byte {
	return concat(t.prefix, key)
}

func (t *levelTable) Get(ctx context.Context, key []byte, columns ...Column) (*Row, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	v, err := levelGet(t.c.db, t.key(key))
	if err != nil || v == nil {
		return nil, err
	}
	row, err := decodeRow(key, v)
	if err != nil {
		return nil, err
	}
	return row.project(columns), nil
}

// Put runs the merge inside a transaction; LevelDB transactions block other
// writers until committed or discarded.
func (t *levelTable) Put(ctx context.Context, key []byte, cells ...Cell) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	pk := t.key(key)
	tr, err := t.c.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()
	old, err := levelGet(tr, pk)
	if err != nil {
		return err
	}
	v, err := mergeCells(old, cells)
	if err != nil {
		return err
	}
	if err := tr.Put(pk, v, t.c.writeOpts); err != nil {
		return err
	}
	return tr.Commit()
}

func (t *levelTable) Delete(ctx context.Context, key []byte) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.c.db.Delete(t.key(key), t.c.writeOpts)
}

func (t *levelTable) Scan(ctx context.Context, start, stop []byte) (RowIterator, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	r := &ldb_util.Range{Start: t.prefix, Limit: t.upper}
	if start != nil {
		r.Start = t.key(start)
	}
	if stop != nil {
		r.Limit = t.key(stop)
	}
	return &levelRowIterator{ctx: ctx, iter: t.c.db.NewIterator(r, nil), prefixLen: len(t.prefix)}, nil
}

func (t *levelTable) Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	pk := t.key(key)
	tr, err := t.c.db.OpenTransaction()
	if err != nil {
		return 0, err
	}
	defer tr.Discard()
	old, err := levelGet(tr, pk)
	if err != nil {
		return 0, err
	}
	v, n, err := incrementCell(old, col, delta)
	if err != nil {
		return 0, err
	}
	if err := tr.Put(pk, v, t.c.writeOpts); err != nil {
		return 0, err
	}
	if err := tr.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *levelTable) Close() error {
	t.closed.Store(true)
	return nil
}

type levelRowIterator struct {
	ctx       context.Context
	iter      iterator.Iterator
	prefixLen int
	row       *Row
	err       error
	released  bool
}

func (it *levelRowIterator) Next() bool {
	if it.err != nil || it.released {
		return false
	}
	if err := checkCtx(it.ctx); err != nil {
		it.err = err
		return false
	}
	if !it.iter.Next() {
		it.row = nil
		return false
	}
	it.row, it.err = decodeRow(it.iter.Key()[it.prefixLen:], it.iter.Value())
	return it.err == nil
}

func (it *levelRowIterator) Row() *Row { return it.row }

func (it *levelRowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.released {
		return nil
	}
	return it.iter.Error()
}

func (it *levelRowIterator) Close() error {
	if !it.released {
		it.released = true
		it.iter.Release()
	}
	return nil
}
