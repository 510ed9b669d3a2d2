package entitydb

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCounterMap_Sequence(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))

	deepEqual(t, must(ids.CurrentCounterValue(ctx)), int64(0))
	deepEqual(t, must(ids.NextCounterValue(ctx)), int64(1))
	deepEqual(t, must(ids.NextCounterValue(ctx)), int64(2))
	deepEqual(t, must(ids.CurrentCounterValue(ctx)), int64(2))

	// the counter row is [0x00][key indicator]
	tbl := openTable(t, acc, testUIDTable)
	deepEqual(t, must(tbl.Get(ctx, x("00 01"))).Value(counterColumn), encodeCounter(2))
}

func TestCounterMap_UseExistingID(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))

	id, err := ids.UseExistingID(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = ids.UseExistingID(ctx, "dev-002")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	id, err = ids.UseExistingID(ctx, "dev-001")
	assert.ErrorIs(t, err, ErrDuplicateToken)
	assert.Equal(t, int64(1), id)
	// a rejected duplicate doesn't burn an id
	cur, err := ids.CurrentCounterValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)

	_, err = ids.UseExistingID(ctx, "")
	assert.Error(t, err)

	name, found, err := ids.GetName(ctx, 2)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dev-002", name)
}

func TestCounterMap_CreateUniqueID(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))

	token, err := ids.CreateUniqueID(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(token)
	require.NoError(t, err, "token %q is not a UUID", token)

	id, found, err := ids.GetValue(ctx, token)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), id)
}

func TestCounterMap_ConcurrentAllocationIsUnique(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))

	const workers, perWorker = 8, 25
	var (
		mu     sync.Mutex
		tokens []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				token, err := ids.CreateUniqueID(gctx)
				if err != nil {
					return err
				}
				mu.Lock()
				tokens = append(tokens, token)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]string)
	for _, token := range tokens {
		id, found, err := ids.GetValue(ctx, token)
		require.NoError(t, err)
		require.True(t, found)
		if prev, dup := seen[id]; dup {
			t.Fatalf("id %d assigned to both %s and %s", id, prev, token)
		}
		seen[id] = token
	}
	var all []int
	for id := range seen {
		all = append(all, int(id))
	}
	sort.Ints(all)
	assert.Len(t, all, workers*perWorker)
	assert.Equal(t, 1, all[0])
	assert.Equal(t, workers*perWorker, all[len(all)-1])
	cur, err := ids.CurrentCounterValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), cur)
}

func TestCounterMap_ConcurrentUseExistingIDSameToken(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ids.UseExistingID(ctx, "dev-001")
		}(i)
	}
	wg.Wait()

	var okCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrDuplicateToken):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
}

func TestCounterMap_CorruptCounter(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	ids := must(NewCounterMap(acc, testUIDTable, deviceIDConfig))
	tbl := openTable(t, acc, testUIDTable)
	require.NoError(t, tbl.Put(ctx, x("00 01"), NewCell(counterColumn, []byte{1, 2, 3})))

	_, err := ids.CurrentCounterValue(ctx)
	var de *DataError
	assert.ErrorAs(t, err, &de)
	_, err = ids.NextCounterValue(ctx)
	assert.Error(t, err)
}
