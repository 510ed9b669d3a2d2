package entitydb

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Codec converts UID map names and values to and from their stored bytes.
type Codec[T any] interface {
	Encode(v T) []byte
	Decode(data []byte) (T, error)
}

type StringCodec struct{}

func (StringCodec) Encode(v string) []byte { return []byte(v) }

func (StringCodec) Decode(data []byte) (string, error) { return string(data), nil }

// Int64Codec stores int64 values as 8 big-endian bytes, so they sort numerically
// for non-negative values.
type Int64Codec struct{}

func (Int64Codec) Encode(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func (Int64Codec) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, dataErrf(data, 0, nil, "invalid int64: %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

type UIDMapConfig struct {
	// Category names the map in errors, logs and metrics (e.g. "device").
	Category string

	// KeyIndicator prefixes forward rows, ValueIndicator prefixes reverse rows.
	// Both must be non-zero (0x00 is taken by counter rows) and distinct.
	KeyIndicator   byte
	ValueIndicator byte

	// CacheTTL bounds how long a mapping is served from memory. Zero keeps
	// entries until deleted or evicted.
	CacheTTL time.Duration
}

func (c UIDMapConfig) Validate() error {
	if c.KeyIndicator == counterPlaceholder || c.ValueIndicator == counterPlaceholder {
		return fmt.Errorf("uid map %s: indicator 0x%02x is reserved for counters", c.Category, counterPlaceholder)
	}
	if c.KeyIndicator == c.ValueIndicator {
		return fmt.Errorf("uid map %s: key and value indicators are both 0x%02x", c.Category, c.KeyIndicator)
	}
	return nil
}

// UniqueIDMap is a bidirectional name<->value mapping persisted in a shared
// UID table and cached in memory.
//
// Forward rows are [KeyIndicator][name] -> value and reverse rows are
// [ValueIndicator][value] -> name. Create writes the reverse row before the
// forward row and Delete removes the forward row first, so the only partial
// state either can leave behind is a reverse-only row. The forward row is the
// source of truth; Orphans and Sweep find and reclaim the leftovers.
//
// The cache is read-through and write-through, never authoritative. Entries
// are only filled from the store or from a successful Create.
type UniqueIDMap[N comparable, V comparable] struct {
	acc    *Accessor
	table  string
	cfg    UIDMapConfig
	names  Codec[N]
	values Codec[V]

	forward *cache.Cache // encoded name -> V
	reverse *cache.Cache // encoded value -> N

	// mu orders cache writes against each other; store I/O happens outside it.
	mu sync.Mutex
	// gen is bumped by every eviction. A lookup only caches what it read if
	// gen hasn't moved since before the read.
	gen      uint64
	onDelete []func(category string, name []byte)
}

func NewUniqueIDMap[N comparable, V comparable](acc *Accessor, table string, cfg UIDMapConfig, names Codec[N], values Codec[V]) (*UniqueIDMap[N, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := 10 * time.Minute
	if ttl != cache.NoExpiration && ttl < cleanup {
		cleanup = ttl
	}
	return &UniqueIDMap[N, V]{
		acc:     acc,
		table:   table,
		cfg:     cfg,
		names:   names,
		values:  values,
		forward: cache.New(ttl, cleanup),
		reverse: cache.New(ttl, cleanup),
	}, nil
}

func (m *UniqueIDMap[N, V]) Category() string { return m.cfg.Category }

func (m *UniqueIDMap[N, V]) TableName() string { return m.table }

func (m *UniqueIDMap[N, V]) forwardKey(name []byte) []byte {
	return concat([]byte{m.cfg.KeyIndicator}, name)
}

func (m *UniqueIDMap[N, V]) reverseKey(value []byte) []byte {
	return concat([]byte{m.cfg.ValueIndicator}, value)
}

func (m *UniqueIDMap[N, V]) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// remember caches a complete mapping read or written at generation gen.
func (m *UniqueIDMap[N, V]) remember(gen uint64, nameRaw, valueRaw []byte, name N, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.forward.SetDefault(string(nameRaw), value)
	m.reverse.SetDefault(string(valueRaw), name)
}

// Create stores the mapping: reverse row first, then forward row, then the
// caches. Re-running Create after a partial failure completes the mapping.
func (m *UniqueIDMap[N, V]) Create(ctx context.Context, name N, value V) error {
	nameRaw, valueRaw := m.names.Encode(name), m.values.Encode(value)
	gen := m.generation()
	err := m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		if err := t.Put(ctx, m.reverseKey(valueRaw), NewCell(uidValueColumn, nameRaw)); err != nil {
			return err
		}
		return t.Put(ctx, m.forwardKey(nameRaw), NewCell(uidValueColumn, valueRaw))
	})
	if err != nil {
		return err
	}
	m.remember(gen, nameRaw, valueRaw, name, value)
	if m.acc.verbose {
		m.acc.logger.Debug("uid: CREATE", zap.String("category", m.cfg.Category), hexField("name", nameRaw), hexField("value", valueRaw))
	}
	return nil
}

// GetValue returns the value mapped to name. ok is false if there is none.
func (m *UniqueIDMap[N, V]) GetValue(ctx context.Context, name N) (value V, ok bool, err error) {
	nameRaw := m.names.Encode(name)
	if v, found := m.forward.Get(string(nameRaw)); found {
		m.acc.metrics.cacheLookup(m.cfg.Category, "forward", true)
		return v.(V), true, nil
	}
	m.acc.metrics.cacheLookup(m.cfg.Category, "forward", false)

	gen := m.generation()
	var row *Row
	err = m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		row, err = t.Get(ctx, m.forwardKey(nameRaw), uidValueColumn)
		return err
	})
	if err != nil {
		return value, false, err
	}
	valueRaw := row.Value(uidValueColumn)
	if valueRaw == nil {
		return value, false, nil
	}
	value, err = m.values.Decode(valueRaw)
	if err != nil {
		return value, false, err
	}
	m.remember(gen, nameRaw, valueRaw, name, value)
	return value, true, nil
}

// GetName returns the name mapped to value. ok is false if there is none.
func (m *UniqueIDMap[N, V]) GetName(ctx context.Context, value V) (name N, ok bool, err error) {
	valueRaw := m.values.Encode(value)
	if n, found := m.reverse.Get(string(valueRaw)); found {
		m.acc.metrics.cacheLookup(m.cfg.Category, "reverse", true)
		return n.(N), true, nil
	}
	m.acc.metrics.cacheLookup(m.cfg.Category, "reverse", false)

	gen := m.generation()
	var row *Row
	err = m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		row, err = t.Get(ctx, m.reverseKey(valueRaw), uidValueColumn)
		return err
	})
	if err != nil {
		return name, false, err
	}
	nameRaw := row.Value(uidValueColumn)
	if nameRaw == nil {
		return name, false, nil
	}
	name, err = m.names.Decode(nameRaw)
	if err != nil {
		return name, false, err
	}
	// A reverse row may be an orphan, so it never fills the forward cache.
	m.mu.Lock()
	if gen == m.gen {
		m.reverse.SetDefault(string(valueRaw), name)
	}
	m.mu.Unlock()
	return name, true, nil
}

// Delete removes the mapping of name: forward row first, then reverse row.
// It reports whether a mapping existed in the store. The local cache entry is
// dropped either way, since another instance may have deleted the rows
// already. Deleting an unknown name is otherwise a no-op, so a failed Delete
// can simply be retried; a reverse row left behind by an interrupted Delete
// is an orphan reclaimed by Sweep.
func (m *UniqueIDMap[N, V]) Delete(ctx context.Context, name N) (bool, error) {
	nameRaw := m.names.Encode(name)
	var existed bool
	err := m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		fkey := m.forwardKey(nameRaw)
		row, err := t.Get(ctx, fkey, uidValueColumn)
		if err != nil {
			return err
		}
		valueRaw := row.Value(uidValueColumn)
		if valueRaw == nil {
			m.evictRaw(nameRaw)
			return nil
		}
		existed = true
		if err := t.Delete(ctx, fkey); err != nil {
			return err
		}
		m.evictRaw(nameRaw)
		rkey := m.reverseKey(valueRaw)
		rrow, err := t.Get(ctx, rkey, uidValueColumn)
		if err != nil {
			return err
		}
		// Only remove the reverse row if it still points back at this name.
		if string(rrow.Value(uidValueColumn)) == string(nameRaw) {
			if err := t.Delete(ctx, rkey); err != nil {
				return err
			}
		}
		m.mu.Lock()
		m.reverse.Delete(string(valueRaw))
		m.gen++
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return existed, err
	}
	if existed {
		if m.acc.verbose {
			m.acc.logger.Debug("uid: DELETE", zap.String("category", m.cfg.Category), hexField("name", nameRaw))
		}
		m.mu.Lock()
		hooks := slices.Clone(m.onDelete)
		m.mu.Unlock()
		for _, fn := range hooks {
			fn(m.cfg.Category, nameRaw)
		}
	}
	return existed, nil
}

// OnDelete registers fn to be called after a mapping is deleted through this
// map. fn receives the encoded name; it's how evictions reach other instances.
func (m *UniqueIDMap[N, V]) OnDelete(fn func(category string, name []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = append(m.onDelete, fn)
}

// Evict drops name from the local caches without touching the store.
func (m *UniqueIDMap[N, V]) Evict(name N) {
	m.evictRaw(m.names.Encode(name))
}

// EvictEncoded is Evict for an already encoded name.
func (m *UniqueIDMap[N, V]) EvictEncoded(name []byte) {
	m.evictRaw(name)
}

func (m *UniqueIDMap[N, V]) evictRaw(nameRaw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, found := m.forward.Get(string(nameRaw)); found {
		m.reverse.Delete(string(m.values.Encode(v.(V))))
	}
	m.forward.Delete(string(nameRaw))
	m.gen++
}

// Purge empties both caches.
func (m *UniqueIDMap[N, V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward.Flush()
	m.reverse.Flush()
	m.gen++
}

// CacheLen returns the number of cached forward and reverse entries.
func (m *UniqueIDMap[N, V]) CacheLen() (forward, reverse int) {
	return m.forward.ItemCount(), m.reverse.ItemCount()
}

// Refresh scans the forward and reverse ranges concurrently and loads every
// mapping into the caches.
func (m *UniqueIDMap[N, V]) Refresh(ctx context.Context) error {
	gen := m.generation()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.scanRange(gctx, m.cfg.KeyIndicator, func(key, val []byte) error {
			if _, err := m.names.Decode(key); err != nil {
				return err
			}
			value, err := m.values.Decode(val)
			if err != nil {
				return err
			}
			m.mu.Lock()
			if gen == m.gen {
				m.forward.SetDefault(string(key), value)
			}
			m.mu.Unlock()
			return nil
		})
	})
	g.Go(func() error {
		return m.scanRange(gctx, m.cfg.ValueIndicator, func(key, val []byte) error {
			name, err := m.names.Decode(val)
			if err != nil {
				return err
			}
			m.mu.Lock()
			if gen == m.gen {
				m.reverse.SetDefault(string(key), name)
			}
			m.mu.Unlock()
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if m.acc.verbose {
		fwd, rev := m.CacheLen()
		m.acc.logger.Debug("uid: REFRESH", zap.String("category", m.cfg.Category), zap.Int("forward", fwd), zap.Int("reverse", rev))
	}
	return nil
}

// scanRange calls fn with the key (minus the indicator byte) and the stored
// value of every row under indicator.
func (m *UniqueIDMap[N, V]) scanRange(ctx context.Context, indicator byte, fn func(key, val []byte) error) error {
	start := []byte{indicator}
	return m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		it, err := t.Scan(ctx, start, prefixEnd(start))
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			row := it.Row()
			val := row.Value(uidValueColumn)
			if val == nil {
				continue
			}
			if err := fn(row.Key[1:], val); err != nil {
				return err
			}
		}
		return it.Err()
	})
}

// Each calls fn for every complete mapping in the store, in name order.
func (m *UniqueIDMap[N, V]) Each(ctx context.Context, fn func(name N, value V) error) error {
	return m.scanRange(ctx, m.cfg.KeyIndicator, func(key, val []byte) error {
		name, err := m.names.Decode(key)
		if err != nil {
			return err
		}
		value, err := m.values.Decode(val)
		if err != nil {
			return err
		}
		return fn(name, value)
	})
}

// Orphans returns the values of reverse rows without a matching forward row.
func (m *UniqueIDMap[N, V]) Orphans(ctx context.Context) ([]V, error) {
	orphans, err := m.orphans(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]V, 0, len(orphans))
	for _, o := range orphans {
		v, err := m.values.Decode(o.value)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// uidPair is a raw reverse row: value is the key suffix, name the stored cell.
type uidPair struct{ value, name []byte }

func (m *UniqueIDMap[N, V]) orphans(ctx context.Context) ([]uidPair, error) {
	var reverse []uidPair
	err := m.scanRange(ctx, m.cfg.ValueIndicator, func(key, val []byte) error {
		reverse = append(reverse, uidPair{key, val})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var result []uidPair
	err = m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		for _, p := range reverse {
			complete, err := m.isComplete(ctx, t, p)
			if err != nil {
				return err
			}
			if !complete {
				result = append(result, p)
			}
		}
		return nil
	})
	return result, err
}

// isComplete reports whether the forward row of p.name points back at p.value.
func (m *UniqueIDMap[N, V]) isComplete(ctx context.Context, t *TableHandle, p uidPair) (bool, error) {
	row, err := t.Get(ctx, m.forwardKey(p.name), uidValueColumn)
	if err != nil {
		return false, err
	}
	return string(row.Value(uidValueColumn)) == string(p.value), nil
}

// Sweep deletes orphaned reverse rows and returns how many were removed.
//
// A Create running concurrently writes its reverse row before its forward
// row, so a row that looked orphaned during the scan may have become complete
// since. Each candidate is re-checked right before it is deleted, and checked
// once more afterwards: if its forward row appeared in between, the reverse
// row is written back.
func (m *UniqueIDMap[N, V]) Sweep(ctx context.Context) (int, error) {
	candidates, err := m.orphans(ctx)
	if err != nil || len(candidates) == 0 {
		return 0, err
	}
	var n, restored int
	err = m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		for _, p := range candidates {
			rkey := m.reverseKey(p.value)
			row, err := t.Get(ctx, rkey, uidValueColumn)
			if err != nil {
				return err
			}
			current := row.Value(uidValueColumn)
			if current == nil {
				continue
			}
			p.name = current
			complete, err := m.isComplete(ctx, t, p)
			if err != nil {
				return err
			}
			if complete {
				continue
			}
			if err := t.Delete(ctx, rkey); err != nil {
				return err
			}
			complete, err = m.isComplete(ctx, t, p)
			if err != nil {
				return err
			}
			if complete {
				if err := t.Put(ctx, rkey, NewCell(uidValueColumn, p.name)); err != nil {
					return err
				}
				restored++
				continue
			}
			m.mu.Lock()
			m.reverse.Delete(string(p.value))
			m.mu.Unlock()
			n++
		}
		return nil
	})
	if n > 0 || restored > 0 {
		m.acc.logger.Info("uid orphans swept", zap.String("category", m.cfg.Category), zap.Int("count", n), zap.Int("restored", restored))
	}
	return n, err
}
