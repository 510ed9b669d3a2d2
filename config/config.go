// Package config loads engine settings from a YAML file and ENTITYDB_*
// environment variables, and turns them into an opened store client.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/iotfleet/entitydb"
	"github.com/iotfleet/entitydb/uidsync"
)

const EnvPrefix = "ENTITYDB"

// Backends accepted in Config.Backend.
const (
	BackendMemory  = "memory"
	BackendBolt    = "bolt"
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
)

type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`

	KeyIDLength int           `mapstructure:"key_id_length" yaml:"key_id_length"`
	UIDTable    string        `mapstructure:"uid_table" yaml:"uid_table"`
	Tables      []string      `mapstructure:"tables" yaml:"tables"`
	Bloom       string        `mapstructure:"bloom" yaml:"bloom"`
	UIDCacheTTL time.Duration `mapstructure:"uid_cache_ttl" yaml:"uid_cache_ttl"`
	SyncWrites  bool          `mapstructure:"sync_writes" yaml:"sync_writes"`

	Categories []CategoryConfig `mapstructure:"categories" yaml:"categories"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
}

// CategoryConfig describes one entity category: its UID map indicators and
// the type byte of its row keys.
type CategoryConfig struct {
	Name           string `mapstructure:"name" yaml:"name"`
	TypeIdentifier uint8  `mapstructure:"type_identifier" yaml:"type_identifier"`
	KeyIndicator   uint8  `mapstructure:"key_indicator" yaml:"key_indicator"`
	ValueIndicator uint8  `mapstructure:"value_indicator" yaml:"value_indicator"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Format  string `mapstructure:"format" yaml:"format"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
}

type SyncConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker      string        `mapstructure:"broker" yaml:"broker"`
	ClientID    string        `mapstructure:"client_id" yaml:"client_id"`
	Username    string        `mapstructure:"username" yaml:"username"`
	Password    string        `mapstructure:"password" yaml:"password"`
	TopicPrefix string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS         uint8         `mapstructure:"qos" yaml:"qos"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendPebble)
	v.SetDefault("path", "data/entitydb")
	v.SetDefault("key_id_length", entitydb.DefaultKeyIDLength)
	v.SetDefault("uid_table", "uids")
	v.SetDefault("tables", []string{"devices", "sites", "assignments"})
	v.SetDefault("bloom", "row")
	v.SetDefault("uid_cache_ttl", time.Duration(0))
	v.SetDefault("sync_writes", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.verbose", false)
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("sync.client_id", "")
	v.SetDefault("sync.username", "")
	v.SetDefault("sync.password", "")
	v.SetDefault("sync.topic_prefix", "entitydb")
	v.SetDefault("sync.qos", 1)
	v.SetDefault("sync.timeout", 10*time.Second)
}

// Load reads path (or ./entitydb.yaml if path is empty and the file exists),
// applies ENTITYDB_* overrides, e.g. ENTITYDB_SYNC_BROKER, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("entitydb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendBolt, BackendPebble, BackendLevelDB:
		if c.Path == "" {
			errs = append(errs, fmt.Errorf("path is required for the %s backend", c.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.KeyIDLength < 1 || c.KeyIDLength > 8 {
		errs = append(errs, fmt.Errorf("key_id_length %d out of range 1..8", c.KeyIDLength))
	}
	if c.UIDTable == "" {
		errs = append(errs, errors.New("uid_table is required"))
	}
	if _, err := entitydb.ParseBloomFilterKind(c.Bloom); err != nil {
		errs = append(errs, err)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Sync.QoS > 2 {
		errs = append(errs, fmt.Errorf("sync.qos: %w", uidsync.ErrInvalidQoS))
	}

	names := make(map[string]bool)
	indicators := make(map[uint8]string)
	types := make(map[uint8]string)
	for _, cat := range c.Categories {
		if cat.Name == "" {
			errs = append(errs, errors.New("category without a name"))
			continue
		}
		if names[cat.Name] {
			errs = append(errs, fmt.Errorf("category %s defined twice", cat.Name))
		}
		names[cat.Name] = true
		if err := cat.UIDMapConfig(0).Validate(); err != nil {
			errs = append(errs, err)
		}
		// categories can share an entity table, so type bytes must be unique
		if other, ok := types[cat.TypeIdentifier]; ok && other != cat.Name {
			errs = append(errs, fmt.Errorf("type_identifier 0x%02x used by both %s and %s", cat.TypeIdentifier, other, cat.Name))
		}
		types[cat.TypeIdentifier] = cat.Name
		for _, ind := range []uint8{cat.KeyIndicator, cat.ValueIndicator} {
			if other, ok := indicators[ind]; ok && other != cat.Name {
				errs = append(errs, fmt.Errorf("indicator 0x%02x used by both %s and %s", ind, other, cat.Name))
			}
			indicators[ind] = cat.Name
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) BloomKind() entitydb.BloomFilterKind {
	kind, _ := entitydb.ParseBloomFilterKind(c.Bloom)
	return kind
}

func (c *Config) Category(name string) (CategoryConfig, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return CategoryConfig{}, false
}

func (cat CategoryConfig) UIDMapConfig(ttl time.Duration) entitydb.UIDMapConfig {
	return entitydb.UIDMapConfig{
		Category:       cat.Name,
		KeyIndicator:   cat.KeyIndicator,
		ValueIndicator: cat.ValueIndicator,
		CacheTTL:       ttl,
	}
}

func (c *Config) RowKeyConfig(cat CategoryConfig) entitydb.RowKeyConfig {
	return entitydb.RowKeyConfig{
		TypeIdentifier: cat.TypeIdentifier,
		KeyIDLength:    c.KeyIDLength,
	}
}

// OpenClient opens the configured backend.
func (c *Config) OpenClient(logger *zap.Logger) (entitydb.Client, error) {
	switch c.Backend {
	case BackendMemory:
		return entitydb.NewMemClient(), nil
	case BackendBolt:
		return entitydb.OpenBolt(c.Path, logger)
	case BackendPebble:
		return entitydb.OpenPebble(c.Path, entitydb.PebbleOptions{
			Bloom:      c.BloomKind(),
			SyncWrites: c.SyncWrites,
			Logger:     logger,
		})
	case BackendLevelDB:
		return entitydb.OpenLevelDB(c.Path, entitydb.LevelDBOptions{
			Bloom:      c.BloomKind(),
			SyncWrites: c.SyncWrites,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Backend)
	}
}

func (c *Config) EngineOptions(logger *zap.Logger, metrics *entitydb.Metrics) entitydb.Options {
	return entitydb.Options{
		Logger:  logger,
		Verbose: c.Logging.Verbose,
		Metrics: metrics,
	}
}

func (c *Config) SyncConfig() uidsync.Config {
	return uidsync.Config{
		Broker:      c.Sync.Broker,
		ClientID:    c.Sync.ClientID,
		Username:    c.Sync.Username,
		Password:    c.Sync.Password,
		TopicPrefix: c.Sync.TopicPrefix,
		QoS:         c.Sync.QoS,
		Timeout:     c.Sync.Timeout,
	}
}

// NewLogger builds a zap logger honoring logging.level and logging.format
// ("json" or "console").
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// YAML renders the effective configuration, with the sync password masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Sync.Password != "" {
		masked.Sync.Password = "********"
	}
	return yaml.Marshal(&masked)
}
