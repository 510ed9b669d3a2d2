package entitydb

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type Options struct {
	Logger  *zap.Logger
	Verbose bool
	Metrics *Metrics
}

// Accessor owns the store client and hands out table handles.
type Accessor struct {
	client  Client
	logger  *zap.Logger
	verbose bool
	metrics *Metrics
}

func NewAccessor(client Client, opt Options) *Accessor {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accessor{
		client:  InstrumentClient(client, opt.Metrics),
		logger:  logger.With(zap.String("component", "entitydb")),
		verbose: opt.Verbose,
		metrics: opt.Metrics,
	}
}

func (a *Accessor) Client() Client {
	return a.client
}

func (a *Accessor) Logger() *zap.Logger {
	return a.logger
}

func (a *Accessor) Metrics() *Metrics {
	return a.metrics
}

// Table opens a handle to the named table. The caller must close it.
//
// With autoFlush unset, Put and Delete are buffered in the handle and written
// on Flush, before any read through the handle, and on Close.
func (a *Accessor) Table(ctx context.Context, name string, autoFlush bool) (*TableHandle, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	t, err := a.client.OpenTable(ctx, name)
	if err != nil {
		return nil, wrapStorageErr("open", name, nil, err)
	}
	return &TableHandle{
		t:         t,
		name:      name,
		autoFlush: autoFlush,
		logger:    a.logger,
		verbose:   a.verbose,
	}, nil
}

// WithTable runs fn with a handle to the named table and closes the handle on
// every exit path. A close failure is reported even if fn succeeded.
func (a *Accessor) WithTable(ctx context.Context, name string, autoFlush bool, fn func(t *TableHandle) error) error {
	t, err := a.Table(ctx, name, autoFlush)
	if err != nil {
		return err
	}
	err = fn(t)
	if cerr := t.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// wrapStorageErr wraps backend failures into *StorageError. Cancellation and
// decode errors pass through so callers can tell them apart.
func wrapStorageErr(op, table string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCanceled) {
		return err
	}
	var de *DataError
	if errors.As(err, &de) {
		return err
	}
	return storageErr(op, table, key, err)
}

type pendingMutation struct {
	key    []byte
	cells  []Cell
	delete bool
}

// TableHandle is a Table obtained from an Accessor. It wraps backend errors
// into *StorageError and optionally buffers writes.
type TableHandle struct {
	t         Table
	name      string
	autoFlush bool
	logger    *zap.Logger
	verbose   bool

	mu      sync.Mutex
	pending []pendingMutation
	closed  bool
}

var _ Table = (*TableHandle)(nil)

func (h *TableHandle) Name() string { return h.name }

func (h *TableHandle) AutoFlush() bool { return h.autoFlush }

// Pending returns the number of buffered mutations.
func (h *TableHandle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *TableHandle) Get(ctx context.Context, key []byte, columns ...Column) (*Row, error) {
	if err := h.Flush(ctx); err != nil {
		return nil, err
	}
	row, err := h.t.Get(ctx, key, columns...)
	if err != nil {
		return nil, wrapStorageErr("get", h.name, key, err)
	}
	if h.verbose {
		if row == nil {
			h.logger.Debug("db: GET.NONE", zap.String("table", h.name), hexField("key", key))
		} else {
			h.logger.Debug("db: GET", zap.String("table", h.name), hexField("key", key), zap.Int("cells", len(row.Cells)))
		}
	}
	return row, nil
}

func (h *TableHandle) Put(ctx context.Context, key []byte, cells ...Cell) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if !h.autoFlush {
		return h.buffer(pendingMutation{key: key, cells: cells})
	}
	if err := h.t.Put(ctx, key, cells...); err != nil {
		return wrapStorageErr("put", h.name, key, err)
	}
	if h.verbose {
		h.logger.Debug("db: PUT", zap.String("table", h.name), hexField("key", key), zap.Int("cells", len(cells)))
	}
	return nil
}

func (h *TableHandle) Delete(ctx context.Context, key []byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if !h.autoFlush {
		return h.buffer(pendingMutation{key: key, delete: true})
	}
	if err := h.t.Delete(ctx, key); err != nil {
		return wrapStorageErr("delete", h.name, key, err)
	}
	if h.verbose {
		h.logger.Debug("db: DELETE", zap.String("table", h.name), hexField("key", key))
	}
	return nil
}

func (h *TableHandle) Scan(ctx context.Context, start, stop []byte) (RowIterator, error) {
	if err := h.Flush(ctx); err != nil {
		return nil, err
	}
	it, err := h.t.Scan(ctx, start, stop)
	if err != nil {
		return nil, wrapStorageErr("scan", h.name, start, err)
	}
	if h.verbose {
		h.logger.Debug("db: SCAN", zap.String("table", h.name), hexField("start", start), hexField("stop", stop))
	}
	return &handleIterator{RowIterator: it, h: h}, nil
}

// Increment is never buffered; pending writes are flushed first.
func (h *TableHandle) Increment(ctx context.Context, key []byte, col Column, delta int64) (int64, error) {
	if err := h.Flush(ctx); err != nil {
		return 0, err
	}
	n, err := h.t.Increment(ctx, key, col, delta)
	if err != nil {
		return 0, wrapStorageErr("increment", h.name, key, err)
	}
	if h.verbose {
		h.logger.Debug("db: INCREMENT", zap.String("table", h.name), hexField("key", key), zap.Int64("value", n))
	}
	return n, nil
}

func (h *TableHandle) buffer(m pendingMutation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return storageErr("buffer", h.name, m.key, ErrClosed)
	}
	m.key = append([]byte(nil), m.key...)
	h.pending = append(h.pending, m)
	return nil
}

// Flush writes buffered mutations in the order they were made. On failure the
// unwritten mutations stay buffered.
func (h *TableHandle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.pending) > 0 {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		m := h.pending[0]
		var err error
		if m.delete {
			err = h.t.Delete(ctx, m.key)
		} else {
			err = h.t.Put(ctx, m.key, m.cells...)
		}
		if err != nil {
			op := "put"
			if m.delete {
				op = "delete"
			}
			return wrapStorageErr(op, h.name, m.key, err)
		}
		if h.verbose {
			h.logger.Debug("db: FLUSH", zap.String("table", h.name), hexField("key", m.key), zap.Bool("delete", m.delete))
		}
		h.pending = h.pending[1:]
	}
	h.pending = nil
	return nil
}

// Close flushes buffered writes and releases the handle. Closing twice is a no-op.
func (h *TableHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ferr := h.Flush(context.Background())

	h.mu.Lock()
	h.closed = true
	h.pending = nil
	h.mu.Unlock()

	if err := h.t.Close(); err != nil {
		return errors.Join(ferr, storageErr("close", h.name, nil, err))
	}
	return ferr
}

type handleIterator struct {
	RowIterator
	h *TableHandle
}

func (it *handleIterator) Err() error {
	return wrapStorageErr("scan", it.h.name, nil, it.RowIterator.Err())
}
