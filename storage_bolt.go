package entitydb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Table descriptors live in their own bucket. Table names can't contain 0xFF,
// so the name can't clash with a table.
var boltMetaBucket = []byte("\xffmeta")

type boltClient struct {
	bdb    *bbolt.DB
	logger *zap.Logger
	owned  bool
}

// OpenBolt opens (creating if necessary) a Bolt file and returns a Client over it.
func OpenBolt(path string, logger *zap.Logger) (Client, error) {
	bdb, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: failed to open %s: %w", path, err)
	}
	c := newBoltClient(bdb, logger)
	c.owned = true
	c.logger.Info("database opened", zap.String("path", path))
	return c, nil
}

// NewBoltClient wraps an already open Bolt database. Closing the client does
// not close bdb.
func NewBoltClient(bdb *bbolt.DB, logger *zap.Logger) Client {
	return newBoltClient(bdb, logger)
}

func newBoltClient(bdb *bbolt.DB, logger *zap.Logger) *boltClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &boltClient{bdb: bdb, logger: logger.With(zap.String("component", "bolt"))}
}

func (c *boltClient) TableExists(ctx context.Context, name string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	var exists bool
	err := c.bdb.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(unsafeBytesFromString(name)) != nil
		return nil
	})
	return exists, boltErr(err)
}

func (c *boltClient) CreateTable(ctx context.Context, desc TableDescriptor) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := validateTableName(desc.Name); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(&desc)
	if err != nil {
		return err
	}
	err = c.bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucket([]byte(desc.Name)); err != nil {
			if errors.Is(err, bbolt.ErrBucketExists) {
				return ErrTableExists
			}
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		if err != nil {
			return err
		}
		return meta.Put([]byte(desc.Name), raw)
	})
	return boltErr(err)
}

func (c *boltClient) DescribeTable(ctx context.Context, name string) (TableDescriptor, error) {
	if err := checkCtx(ctx); err != nil {
		return TableDescriptor{}, err
	}
	var desc TableDescriptor
	err := c.bdb.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(unsafeBytesFromString(name)) == nil {
			return ErrTableNotFound
		}
		var raw []byte
		if meta := tx.Bucket(boltMetaBucket); meta != nil {
			raw = meta.Get(unsafeBytesFromString(name))
		}
		if raw == nil {
			// created outside of this package
			desc = TableDescriptor{Name: name, Families: []string{DefaultFamily}}
			return nil
		}
		if err := msgpack.Unmarshal(raw, &desc); err != nil {
			return dataErrf(raw, 0, err, "invalid descriptor of table %s", name)
		}
		return nil
	})
	return desc, boltErr(err)
}

func (c *boltClient) DeleteTable(ctx context.Context, name string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := c.bdb.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			if errors.Is(err, bbolt.ErrBucketNotFound) {
				return ErrTableNotFound
			}
			return err
		}
		if meta := tx.Bucket(boltMetaBucket); meta != nil {
			return meta.Delete([]byte(name))
		}
		return nil
	})
	return boltErr(err)
}

func (c *boltClient) OpenTable(ctx context.Context, name string) (Table, error) {
	exists, err := c.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTableNotFound
	}
	return &boltTable{c: c, name: name, buck: []byte(name)}, nil
}

func (c *boltClient) Close() error {
	if !c.owned {
		return nil
	}
	path := c.bdb.Path()
	if err := c.bdb.Close(); err != nil {
		return fmt.Errorf("bolt: close failed: %w", err)
	}
	c.logger.Info("database closed", zap.String("path", path))
	return nil
}

// TableStats implements StatsProvider.
func (c *boltClient) TableStats(ctx context.Context, name string) (TableStats, error) {
	if err := checkCtx(ctx); err != nil {
		return TableStats{}, err
	}
	var ts TableStats
	err := c.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(unsafeBytesFromString(name))
		if b == nil {
			return ErrTableNotFound
		}
		s := b.Stats()
		ts = TableStats{
			Rows:  s.KeyN,
			Alloc: int64(s.BranchAlloc + s.LeafAlloc),
		}
		return b.ForEach(func(k, v []byte) error {
			ts.KeySize += int64(len(k))
			ts.ValueSize += int64(len(v))
			return nil
		})
	})
	return ts, boltErr(err)
}

type boltTable struct {
	c      *boltClient
	name   string
	buck   []byte
	closed atomic.Bool
}

func (t *boltTable) Name() string { return t.name }

func (t *boltTable) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	b := tx.Bucket(t.buck)
	if b == nil {
		return nil, ErrTableNotFound
	}
	return b, nil
}

func (t *boltTable) Get(ctx context.Context, key []byte, columns ...Column) (*Row, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var row *Row
	err := t.c.bdb.View(func(tx *bbolt.Tx) error {
		b, err := t.bucket(tx)
		if err != nil {
			return err
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		row, err = decodeRow(key, v)
		return err
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return row.project(columns), nil
}

func (t *boltTable) Put(ctx context.Context, key []byte, cells ...Cell) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := t.c.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := t.bucket(tx)
		if err != nil {
			return err
		}
		v, err := mergeCells(b.Get(key), cells)
		if err != nil {
			return err
		}
		return b.Put(key, v)
	})
	return boltErr(err)
}

func (t *boltTable) Delete(ctx context.Context, key []byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := t.c.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := t.bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete(key)
	})
	return boltErr(err)
}

// Scan collects the range inside a single read transaction. Keeping a read
// transaction open across the caller's writes could deadlock Bolt's remap.
func (t *boltTable) Scan(ctx context.Context, start, stop []byte) (RowIterator, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var rows []*Row
	err := t.c.bdb.View(func(tx *bbolt.Tx) error {
		b, err := t.bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if stop != nil && bytes.Compare(k, stop) >= 0 {
				break
			}
			if err := checkCtx(ctx); err != nil {
				return err
			}
			row, err := decodeRow(k, v)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return &sliceIterator{rows: rows}, nil
}

func (t *boltTable) Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	var n int64
	err := t.c.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := t.bucket(tx)
		if err != nil {
			return err
		}
		var v []byte
		v, n, err = incrementCell(b.Get(key), col, delta)
		if err != nil {
			return err
		}
		return b.Put(key, v)
	})
	return n, boltErr(err)
}

func (t *boltTable) Close() error {
	t.closed.Store(true)
	return nil
}

func boltErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
