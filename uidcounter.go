package entitydb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CounterMap is a token -> numeric id UniqueIDMap that allocates ids from a
// per-category counter row ([0x00][KeyIndicator]).
type CounterMap struct {
	*UniqueIDMap[string, int64]

	counterKey []byte

	// assignMu makes the existence check and creation in UseExistingID atomic
	// within this process.
	assignMu sync.Mutex
}

func NewCounterMap(acc *Accessor, table string, cfg UIDMapConfig) (*CounterMap, error) {
	m, err := NewUniqueIDMap[string, int64](acc, table, cfg, StringCodec{}, Int64Codec{})
	if err != nil {
		return nil, err
	}
	return &CounterMap{
		UniqueIDMap: m,
		counterKey:  []byte{counterPlaceholder, cfg.KeyIndicator},
	}, nil
}

// NextCounterValue atomically increments the category counter and returns the
// new value. The first allocated id is 1.
func (m *CounterMap) NextCounterValue(ctx context.Context) (int64, error) {
	var n int64
	err := m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		var err error
		n, err = t.Increment(ctx, m.counterKey, counterColumn, 1)
		return err
	})
	return n, err
}

// CurrentCounterValue returns the last allocated id without allocating one.
func (m *CounterMap) CurrentCounterValue(ctx context.Context) (int64, error) {
	var row *Row
	err := m.acc.WithTable(ctx, m.table, true, func(t *TableHandle) error {
		var err error
		row, err = t.Get(ctx, m.counterKey, counterColumn)
		return err
	})
	if err != nil {
		return 0, err
	}
	return decodeCounter(row.Value(counterColumn))
}

// CreateUniqueID generates a new random token, assigns it a fresh id and
// returns the token.
func (m *CounterMap) CreateUniqueID(ctx context.Context) (string, error) {
	token := uuid.NewString()
	if _, err := m.assign(ctx, token); err != nil {
		return "", err
	}
	return token, nil
}

// UseExistingID assigns a fresh id to a caller-supplied token. It fails with
// ErrDuplicateToken if the token already has one.
func (m *CounterMap) UseExistingID(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("%s: empty token", m.cfg.Category)
	}
	m.assignMu.Lock()
	defer m.assignMu.Unlock()
	if id, ok, err := m.GetValue(ctx, token); err != nil {
		return 0, err
	} else if ok {
		return id, fmt.Errorf("%w: %s %q has id %d", ErrDuplicateToken, m.cfg.Category, token, id)
	}
	return m.assign(ctx, token)
}

func (m *CounterMap) assign(ctx context.Context, token string) (int64, error) {
	id, err := m.NextCounterValue(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.Create(ctx, token, id); err != nil {
		return 0, err
	}
	return id, nil
}
