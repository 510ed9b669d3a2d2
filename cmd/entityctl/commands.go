package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/iotfleet/entitydb"
	"github.com/iotfleet/entitydb/uidsync"
)

func meta(c *cli.Context) *metadata {
	return c.App.Metadata["config"].(*metadata)
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openAccessor(m *metadata) (*entitydb.Accessor, entitydb.Client, error) {
	client, err := m.cfg.OpenClient(m.logger)
	if err != nil {
		return nil, nil, err
	}
	client = entitydb.InstrumentClient(client, m.metrics)
	acc := entitydb.NewAccessor(client, m.cfg.EngineOptions(m.logger, m.metrics))
	return acc, client, nil
}

func openCounterMap(m *metadata, acc *entitydb.Accessor, category string) (*entitydb.CounterMap, error) {
	if category == "" {
		return nil, errors.New("missing CATEGORY argument")
	}
	cat, ok := m.cfg.Category(category)
	if !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	return entitydb.NewCounterMap(acc, m.cfg.UIDTable, cat.UIDMapConfig(m.cfg.UIDCacheTTL))
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func runBootstrap(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	acc, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	names := append([]string{m.cfg.UIDTable}, m.cfg.Tables...)
	created, err := entitydb.AssureTables(ctx, acc.Client(), names, m.cfg.BloomKind())
	if err != nil {
		return err
	}
	return printJSON(m.w, struct {
		Tables  []string `json:"tables"`
		Created []string `json:"created"`
	}{names, created})
}

type uidEntry struct {
	Token string `json:"token"`
	ID    int64  `json:"id"`
}

func runUIDList(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	acc, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	ids, err := openCounterMap(m, acc, c.Args().First())
	if err != nil {
		return err
	}
	entries := []uidEntry{}
	err = ids.Each(ctx, func(token string, id int64) error {
		entries = append(entries, uidEntry{token, id})
		return nil
	})
	if err != nil {
		return err
	}
	counter, err := ids.CurrentCounterValue(ctx)
	if err != nil {
		return err
	}
	return printJSON(m.w, struct {
		Category string     `json:"category"`
		Counter  int64      `json:"counter"`
		Entries  []uidEntry `json:"entries"`
	}{ids.Category(), counter, entries})
}

func runUIDLookup(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	acc, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	ids, err := openCounterMap(m, acc, c.Args().First())
	if err != nil {
		return err
	}

	switch {
	case c.String("token") != "":
		token := c.String("token")
		id, ok, err := ids.GetValue(ctx, token)
		if err != nil {
			return err
		}
		if !ok {
			return &entitydb.InvalidKeyError{Category: ids.Category(), Token: token}
		}
		return printJSON(m.w, uidEntry{token, id})
	case c.IsSet("id"):
		id := c.Int64("id")
		token, ok, err := ids.GetName(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s id %d: not found", ids.Category(), id)
		}
		return printJSON(m.w, uidEntry{token, id})
	default:
		return errors.New("one of --token or --id is required")
	}
}

func runUIDDelete(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	token := c.Args().Get(1)
	if token == "" {
		return errors.New("missing TOKEN argument")
	}
	acc, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	ids, err := openCounterMap(m, acc, c.Args().First())
	if err != nil {
		return err
	}
	if m.cfg.Sync.Enabled {
		s, err := uidsync.Connect(m.cfg.SyncConfig(), m.logger)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, s.Close()) }()
		if err := s.Register(ids); err != nil {
			return err
		}
	}

	existed, err := ids.Delete(ctx, token)
	if err != nil {
		return err
	}
	return printJSON(m.w, struct {
		Token   string `json:"token"`
		Deleted bool   `json:"deleted"`
	}{token, existed})
}

func runUIDSweep(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	acc, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	ids, err := openCounterMap(m, acc, c.Args().First())
	if err != nil {
		return err
	}
	if c.Bool("dry-run") {
		orphans, err := ids.Orphans(ctx)
		if err != nil {
			return err
		}
		if orphans == nil {
			orphans = []int64{}
		}
		return printJSON(m.w, struct {
			Orphans []int64 `json:"orphans"`
		}{orphans})
	}
	n, err := ids.Sweep(ctx)
	if err != nil {
		return err
	}
	return printJSON(m.w, struct {
		Removed int `json:"removed"`
	}{n})
}

func runDump(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	table := c.Args().First()
	if table == "" {
		return errors.New("missing TABLE argument")
	}
	_, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	flags := entitydb.DumpTableHeaders | entitydb.DumpStats | entitydb.DumpRows
	if c.Bool("payloads") {
		flags |= entitydb.DumpPayloads
	}
	return entitydb.Dump(ctx, client, m.w, table, nil, nil, flags, entitydb.DefaultResolver)
}

func runStats(c *cli.Context) (err error) {
	m := meta(c)
	ctx, cancel := commandContext()
	defer cancel()

	tables := []string(c.Args())
	if len(tables) == 0 {
		tables = append([]string{m.cfg.UIDTable}, m.cfg.Tables...)
	}
	_, client, err := openAccessor(m)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, client.Close()) }()

	for _, name := range tables {
		s, err := entitydb.GetTableStats(ctx, client, name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(m.w, "%-20s rows=%s keys=%s values=%s alloc=%s\n",
			name,
			humanize.Comma(int64(s.Rows)),
			humanize.Bytes(uint64(s.KeySize)),
			humanize.Bytes(uint64(s.ValueSize)),
			humanize.Bytes(uint64(s.Alloc)),
		)
	}
	return nil
}

func runConfig(c *cli.Context) error {
	m := meta(c)
	raw, err := m.cfg.YAML()
	if err != nil {
		return err
	}
	_, err = m.w.Write(raw)
	return err
}
