package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iotfleet/entitydb"
	"github.com/iotfleet/entitydb/uidsync"
)

const sampleYAML = `
backend: bolt
path: %s
key_id_length: 6
tables: [devices, sites]
bloom: rowcol
uid_cache_ttl: 5m
categories:
  - name: device
    type_identifier: 3
    key_indicator: 1
    value_indicator: 2
  - name: site
    type_identifier: 4
    key_indicator: 3
    value_indicator: 4
logging:
  level: debug
  format: console
sync:
  enabled: true
  password: hunter2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "entitydb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	cfg, err := Load(writeConfig(t, fmt.Sprintf(sampleYAML, dbPath)))
	require.NoError(t, err)

	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, dbPath, cfg.Path)
	assert.Equal(t, 6, cfg.KeyIDLength)
	assert.Equal(t, "uids", cfg.UIDTable)
	assert.Equal(t, []string{"devices", "sites"}, cfg.Tables)
	assert.Equal(t, entitydb.BloomRowCol, cfg.BloomKind())
	assert.Equal(t, 5*time.Minute, cfg.UIDCacheTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// unset keys keep their defaults
	assert.Equal(t, "tcp://127.0.0.1:1883", cfg.Sync.Broker)
	assert.Equal(t, "entitydb", cfg.Sync.TopicPrefix)
	assert.Equal(t, uint8(1), cfg.Sync.QoS)
	assert.Equal(t, 10*time.Second, cfg.Sync.Timeout)

	site, ok := cfg.Category("site")
	require.True(t, ok)
	assert.Equal(t, entitydb.UIDMapConfig{Category: "site", KeyIndicator: 3, ValueIndicator: 4, CacheTTL: time.Minute},
		site.UIDMapConfig(time.Minute))
	assert.Equal(t, entitydb.RowKeyConfig{TypeIdentifier: 4, KeyIDLength: 6}, cfg.RowKeyConfig(site))
	_, ok = cfg.Category("gateway")
	assert.False(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENTITYDB_BACKEND", "memory")
	t.Setenv("ENTITYDB_SYNC_BROKER", "tcp://broker:1883")
	t.Setenv("ENTITYDB_SYNC_QOS", "2")

	cfg, err := Load(writeConfig(t, "path: ''\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "tcp://broker:1883", cfg.Sync.Broker)
	assert.Equal(t, uint8(2), cfg.Sync.QoS)

	sc := cfg.SyncConfig()
	assert.Equal(t, uidsync.Config{
		Broker:      "tcp://broker:1883",
		TopicPrefix: "entitydb",
		QoS:         2,
		Timeout:     10 * time.Second,
	}, sc)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend:     BackendMemory,
			KeyIDLength: 4,
			UIDTable:    "uids",
			Bloom:       "row",
			Logging:     LoggingConfig{Level: "info"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Backend = "cassandra" }, `unknown backend "cassandra"`},
		{"path", func(c *Config) { c.Backend = BackendPebble }, "path is required"},
		{"key length", func(c *Config) { c.KeyIDLength = 9 }, "key_id_length 9"},
		{"uid table", func(c *Config) { c.UIDTable = "" }, "uid_table is required"},
		{"bloom", func(c *Config) { c.Bloom = "cuckoo" }, "unknown bloom filter kind"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"qos", func(c *Config) { c.Sync.QoS = 3 }, "sync.qos"},
		{"unnamed category", func(c *Config) {
			c.Categories = []CategoryConfig{{KeyIndicator: 1, ValueIndicator: 2}}
		}, "category without a name"},
		{"duplicate category", func(c *Config) {
			c.Categories = []CategoryConfig{
				{Name: "device", TypeIdentifier: 3, KeyIndicator: 1, ValueIndicator: 2},
				{Name: "device", TypeIdentifier: 4, KeyIndicator: 3, ValueIndicator: 4},
			}
		}, "category device defined twice"},
		{"shared indicator", func(c *Config) {
			c.Categories = []CategoryConfig{
				{Name: "device", TypeIdentifier: 3, KeyIndicator: 1, ValueIndicator: 2},
				{Name: "site", TypeIdentifier: 4, KeyIndicator: 2, ValueIndicator: 3},
			}
		}, "indicator 0x02 used by both device and site"},
		{"shared type identifier", func(c *Config) {
			c.Categories = []CategoryConfig{
				{Name: "device", TypeIdentifier: 3, KeyIndicator: 1, ValueIndicator: 2},
				{Name: "site", TypeIdentifier: 3, KeyIndicator: 3, ValueIndicator: 4},
			}
		}, "type_identifier 0x03 used by both device and site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestYAML_MasksPassword(t *testing.T) {
	cfg := &Config{Backend: BackendMemory, Sync: SyncConfig{Password: "hunter2"}}
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "********")
	assert.NotContains(t, string(out), "hunter2")
	assert.Equal(t, "hunter2", cfg.Sync.Password)
}

func TestOpenClient(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendMemory, BackendBolt, BackendPebble, BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			cfg := &Config{Backend: backend, Path: filepath.Join(t.TempDir(), "db"), Bloom: "row"}
			c, err := cfg.OpenClient(zap.NewNop())
			require.NoError(t, err)
			defer c.Close()

			created, err := entitydb.AssureTable(ctx, c, "devices", cfg.BloomKind())
			require.NoError(t, err)
			assert.True(t, created)
			exists, err := c.TableExists(ctx, "devices")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}

	_, err := (&Config{Backend: "cassandra"}).OpenClient(zap.NewNop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: "console"}}
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	cfg.Logging.Level = "nonsense"
	_, err = cfg.NewLogger()
	assert.Error(t, err)

	opts := (&Config{Logging: LoggingConfig{Verbose: true}}).EngineOptions(logger, nil)
	assert.True(t, opts.Verbose)
	assert.Same(t, logger, opts.Logger)
}
