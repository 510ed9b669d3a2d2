package entitydb

import (
	"context"
	"errors"
	"slices"
)

// Break stops iteration in ScanRecords callbacks without reporting an error.
var Break = errors.New("break")

// AddPayloadFields appends the payload-type and payload cells to cells.
func AddPayloadFields(m Marshaler, payload []byte, cells []Cell) []Cell {
	return append(cells,
		NewCell(payloadTypeColumn, []byte{m.Encoding()}),
		NewCell(payloadColumn, payload),
	)
}

func payloadCells[T any](m Marshaler, entity *T, extra []Cell) ([]Cell, error) {
	payload, err := m.Encode(entity)
	if err != nil {
		return nil, err
	}
	cells := make([]Cell, 0, len(extra)+3)
	cells = AddPayloadFields(m, payload, cells)
	if e, ok := any(entity).(Entity); ok {
		marker := byte(0)
		if e.IsDeleted() {
			marker = DeletedMarker
		}
		cells = append(cells, NewCell(deletedColumn, []byte{marker}))
	}
	return append(cells, extra...), nil
}

// CreateOrUpdate writes entity to the primary row of token together with the
// extra cells, in one row write. Writing the same token again overwrites.
func CreateOrUpdate[T any](ctx context.Context, tbl Table, entity *T, token string, kb KeyBuilder, m Marshaler, extra ...Cell) error {
	key, err := kb.BuildPrimaryKey(ctx, token)
	if err != nil {
		return err
	}
	cells, err := payloadCells(m, entity, extra)
	if err != nil {
		return err
	}
	return tbl.Put(ctx, key, cells...)
}

// Put is CreateOrUpdate without extra cells.
func Put[T any](ctx context.Context, tbl Table, entity *T, token string, kb KeyBuilder, m Marshaler) error {
	return CreateOrUpdate(ctx, tbl, entity, token, kb, m)
}

// Get loads the entity stored under token. It returns nil if the row has no
// payload and an invalid-key error if the token has no id. Soft-deleted
// entities are returned too; their own Deleted flag tells.
func Get[T any](ctx context.Context, tbl Table, token string, kb KeyBuilder, r MarshalerResolver) (*T, error) {
	key, err := kb.BuildPrimaryKey(ctx, token)
	if err != nil {
		return nil, err
	}
	row, err := tbl.Get(ctx, key, payloadTypeColumn, payloadColumn)
	if err != nil {
		return nil, err
	}
	return decodePayload[T](row, r)
}

// GetActive is Get that treats soft-deleted entities as absent.
func GetActive[T any, PT entityPtr[T]](ctx context.Context, tbl Table, token string, kb KeyBuilder, r MarshalerResolver) (*T, error) {
	key, err := kb.BuildPrimaryKey(ctx, token)
	if err != nil {
		return nil, err
	}
	row, err := tbl.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if isRowDeleted(row) {
		return nil, nil
	}
	v, err := decodePayload[T](row, r)
	if v == nil || err != nil {
		return nil, err
	}
	if PT(v).IsDeleted() {
		return nil, nil
	}
	return v, nil
}

func decodePayload[T any](row *Row, r MarshalerResolver) (*T, error) {
	enc, payload := row.Value(payloadTypeColumn), row.Value(payloadColumn)
	if enc == nil || payload == nil {
		return nil, nil
	}
	if len(enc) != 1 {
		return nil, dataErrf(enc, 0, nil, "invalid payload type in row %x", row.Key)
	}
	m, err := r.Resolve(enc[0])
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := m.Decode(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}

func isRowDeleted(row *Row) bool {
	d := row.Value(deletedColumn)
	return len(d) == 1 && d[0] == DeletedMarker
}

// RecordLister produces every record of a category. CategoryScan is the
// full-scan implementation; an index-backed one can replace it without
// changing callers of GetRecordList and GetFilteredList.
type RecordLister[T any] interface {
	ListRecords(ctx context.Context, tbl Table, kb KeyBuilder, includeDeleted bool, filter Filter[T]) ([]*T, error)
}

// CategoryScan lists records by scanning the whole [type, type+1) key range.
// Its cost is proportional to the size of the category, not of the result.
type CategoryScan[T any, PT entityPtr[T]] struct {
	Resolver MarshalerResolver
}

func (s CategoryScan[T, PT]) ListRecords(ctx context.Context, tbl Table, kb KeyBuilder, includeDeleted bool, filter Filter[T]) ([]*T, error) {
	var result []*T
	err := ScanRecords[T, PT](ctx, tbl, kb, includeDeleted, s.Resolver, func(v *T) error {
		if filter != nil && filter.IsExcluded(v) {
			return nil
		}
		result = append(result, v)
		return nil
	})
	return result, err
}

// ScanRecords calls fn for every primary row of kb's category in key order.
// Subordinate rows are skipped, and so are soft-deleted ones unless
// includeDeleted. A row that fails to decode aborts the scan. fn may return
// Break to stop early.
func ScanRecords[T any, PT entityPtr[T]](ctx context.Context, tbl Table, kb KeyBuilder, includeDeleted bool, r MarshalerResolver, fn func(v *T) error) error {
	start, stop := CategoryRange(kb)
	it, err := tbl.Scan(ctx, start, stop)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		row := it.Row()
		if !IsPrimaryKey(kb, row.Key) {
			continue
		}
		if !includeDeleted && isRowDeleted(row) {
			continue
		}
		v, err := decodePayload[T](row, r)
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		if !includeDeleted && PT(v).IsDeleted() {
			continue
		}
		if err := fn(v); err != nil {
			if errors.Is(err, Break) {
				return nil
			}
			return err
		}
	}
	return it.Err()
}

// GetRecordList returns every record of kb's category that filter doesn't
// exclude (filter may be nil).
func GetRecordList[T any, PT entityPtr[T]](ctx context.Context, tbl Table, kb KeyBuilder, includeDeleted bool, r MarshalerResolver, filter Filter[T]) ([]*T, error) {
	return CategoryScan[T, PT]{Resolver: r}.ListRecords(ctx, tbl, kb, includeDeleted, filter)
}

// GetFilteredList sorts the output of GetRecordList with cmp (nil keeps key
// order) and returns the page selected by criteria along with the total count.
func GetFilteredList[T any, PT entityPtr[T]](ctx context.Context, tbl Table, kb KeyBuilder, includeDeleted bool, r MarshalerResolver, filter Filter[T], cmp func(a, b *T) int, criteria SearchCriteria) (SearchResults[T], error) {
	return ListPage[T](ctx, GetRecordListFunc[T, PT](tbl, kb, includeDeleted, r, filter), cmp, criteria)
}

// GetRecordListFunc binds the arguments of GetRecordList for use with ListPage.
func GetRecordListFunc[T any, PT entityPtr[T]](tbl Table, kb KeyBuilder, includeDeleted bool, r MarshalerResolver, filter Filter[T]) func(ctx context.Context) ([]*T, error) {
	return func(ctx context.Context) ([]*T, error) {
		return GetRecordList[T, PT](ctx, tbl, kb, includeDeleted, r, filter)
	}
}

// ListPage runs list, sorts and paginates the result.
func ListPage[T any](ctx context.Context, list func(ctx context.Context) ([]*T, error), cmp func(a, b *T) int, criteria SearchCriteria) (SearchResults[T], error) {
	all, err := list(ctx)
	if err != nil {
		return SearchResults[T]{}, err
	}
	if cmp != nil {
		slices.SortStableFunc(all, cmp)
	}
	p := NewPager[T](criteria)
	for _, v := range all {
		p.Process(v)
	}
	return p.Results(), nil
}

// Delete removes the entity stored under token and returns it as it was last
// stored, or nil if there was no payload.
//
// Without force, the entity is marked deleted and rewritten with the soft-delete
// marker set. With force, the entity's rows (primary and subordinate) are
// removed and then its id mapping, after which the token is invalid.
func Delete[T any, PT entityPtr[T]](ctx context.Context, tbl Table, token string, force bool, kb KeyBuilder, m Marshaler, r MarshalerResolver) (*T, error) {
	key, err := kb.BuildPrimaryKey(ctx, token)
	if err != nil {
		return nil, err
	}
	row, err := tbl.Get(ctx, key, payloadTypeColumn, payloadColumn)
	if err != nil {
		return nil, err
	}
	existing, err := decodePayload[T](row, r)
	if err != nil {
		return nil, err
	}

	if force {
		if err := deleteEntityRows(ctx, tbl, key[:len(key)-1]); err != nil {
			return nil, err
		}
		if err := kb.DeleteReference(ctx, token); err != nil {
			return nil, err
		}
		if existing != nil {
			PT(existing).SetDeleted(true)
		}
		return existing, nil
	}

	if existing == nil {
		return nil, nil
	}
	PT(existing).SetDeleted(true)
	cells, err := payloadCells(m, existing, nil)
	if err != nil {
		return nil, err
	}
	if err := tbl.Put(ctx, key, cells...); err != nil {
		return nil, err
	}
	return existing, nil
}

func deleteEntityRows(ctx context.Context, tbl Table, prefix []byte) error {
	it, err := tbl.Scan(ctx, prefix, prefixEnd(prefix))
	if err != nil {
		return err
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, it.Row().Key)
	}
	err = it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tbl.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// ListSubordinates returns the rows stored under token with the given subtype.
func ListSubordinates(ctx context.Context, tbl Table, kb KeyBuilder, token string, subtype byte) ([]*Row, error) {
	start, stop, err := EntityRange(ctx, kb, token)
	if err != nil {
		return nil, err
	}
	it, err := tbl.Scan(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var rows []*Row
	for it.Next() {
		row := it.Row()
		if len(row.Key) == kb.KeyIDLength()+2 && row.Key[len(row.Key)-1] == subtype {
			rows = append(rows, row)
		}
	}
	return rows, it.Err()
}

// CloseTable closes tbl, reporting a failure as *StorageError.
func CloseTable(tbl Table) error {
	if err := tbl.Close(); err != nil {
		return storageErr("close", tbl.Name(), nil, err)
	}
	return nil
}
