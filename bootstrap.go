package entitydb

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// AssureTable creates the table with the shared column family unless it
// already exists. Safe to call concurrently from several processes: losing
// the creation race counts as success.
func AssureTable(ctx context.Context, admin Admin, name string, bloom BloomFilterKind) (created bool, err error) {
	exists, err := admin.TableExists(ctx, name)
	if err != nil {
		return false, wrapStorageErr("exists", name, nil, err)
	}
	if exists {
		return false, nil
	}
	err = admin.CreateTable(ctx, TableDescriptor{
		Name:     name,
		Families: []string{DefaultFamily},
		Bloom:    bloom,
	})
	if errors.Is(err, ErrTableExists) {
		return false, nil
	}
	if err != nil {
		return false, wrapStorageErr("create", name, nil, err)
	}
	return true, nil
}

// AssureTables runs AssureTable for each name and stops at the first failure.
func AssureTables(ctx context.Context, admin Admin, names []string, bloom BloomFilterKind) ([]string, error) {
	var created []string
	for _, name := range names {
		ok, err := AssureTable(ctx, admin, name, bloom)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

func (a *Accessor) AssureTables(ctx context.Context, bloom BloomFilterKind, names ...string) error {
	created, err := AssureTables(ctx, a.client, names, bloom)
	for _, name := range created {
		a.logger.Info("table created", zap.String("table", name), zap.Stringer("bloom", bloom))
	}
	return err
}
