// Package uidsync fans UID map deletions out to other instances over MQTT, so
// that their in-memory caches don't keep serving mappings deleted elsewhere.
//
// Each deletion is published on <prefix>/uid/<category>/evict as a JSON
// message carrying the encoded name. Instances subscribed to the category
// evict the name from their local map. Messages an instance published itself
// are ignored.
package uidsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxQoS                = 2
	defaultTimeout        = 10 * time.Second
	defaultTopicPrefix    = "entitydb"
	evictTopicSuffix      = "evict"
	evictMessageMaxLength = 64 << 10
)

type Config struct {
	// Broker is the broker URL, e.g. "tcp://127.0.0.1:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// TopicPrefix defaults to "entitydb".
	TopicPrefix string
	QoS         byte

	// Timeout bounds connect, publish and subscribe. Defaults to 10s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Broker is the part of pahomqtt.Client used here.
type Broker interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

// Map is implemented by entitydb.UniqueIDMap and entitydb.CounterMap.
type Map interface {
	Category() string
	EvictEncoded(name []byte)
	OnDelete(fn func(category string, name []byte))
}

// EvictMessage is the JSON payload of an eviction.
type EvictMessage struct {
	Origin   string `json:"origin"`
	Category string `json:"category"`
	Name     []byte `json:"name"`
	Time     int64  `json:"ts"`
}

type Sync struct {
	broker Broker
	cfg    Config
	origin string
	logger *zap.Logger
	owned  pahomqtt.Client

	mu   sync.RWMutex
	maps map[string]Map
}

// Connect dials the broker described by cfg and returns a Sync over it.
func Connect(cfg Config, logger *zap.Logger) (*Sync, error) {
	cfg = cfg.withDefaults()
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "entitydb-" + uuid.NewString()
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s := New(client, cfg, logger)
	s.owned = client
	return s, nil
}

// New returns a Sync over an existing broker connection.
func New(broker Broker, cfg Config, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{
		broker: broker,
		cfg:    cfg.withDefaults(),
		origin: uuid.NewString(),
		logger: logger.With(zap.String("component", "uidsync")),
		maps:   make(map[string]Map),
	}
}

// Origin identifies this instance in published messages.
func (s *Sync) Origin() string { return s.origin }

func (s *Sync) EvictTopic(category string) string {
	return strings.Join([]string{s.cfg.TopicPrefix, "uid", category, evictTopicSuffix}, "/")
}

// Register subscribes to evictions of m's category and publishes m's own
// deletions.
func (s *Sync) Register(m Map) error {
	category := m.Category()
	s.mu.Lock()
	if _, ok := s.maps[category]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, category)
	}
	s.maps[category] = m
	s.mu.Unlock()

	token := s.broker.Subscribe(s.EvictTopic(category), s.cfg.QoS, s.handleMessage)
	if err := s.wait(token, ErrSubscribeFailed); err != nil {
		s.mu.Lock()
		delete(s.maps, category)
		s.mu.Unlock()
		return err
	}

	m.OnDelete(func(category string, name []byte) {
		if err := s.PublishEviction(category, name); err != nil {
			s.logger.Warn("eviction not published", zap.String("category", category), zap.Error(err))
		}
	})
	return nil
}

// PublishEviction tells other instances to drop name from their category cache.
func (s *Sync) PublishEviction(category string, name []byte) error {
	if !s.broker.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(&EvictMessage{
		Origin:   s.origin,
		Category: category,
		Name:     name,
		Time:     time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.wait(s.broker.Publish(s.EvictTopic(category), s.cfg.QoS, false, payload), ErrPublishFailed)
}

func (s *Sync) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if err := s.HandleEviction(msg.Payload()); err != nil {
		s.logger.Warn("bad eviction message", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// HandleEviction applies one received eviction payload.
func (s *Sync) HandleEviction(payload []byte) error {
	if len(payload) > evictMessageMaxLength {
		return fmt.Errorf("message too large: %d bytes", len(payload))
	}
	var msg EvictMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if msg.Origin == s.origin {
		return nil
	}
	s.mu.RLock()
	m := s.maps[msg.Category]
	s.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("unknown category %q", msg.Category)
	}
	m.EvictEncoded(msg.Name)
	s.logger.Debug("evicted", zap.String("category", msg.Category), zap.Binary("name", msg.Name))
	return nil
}

// Close unsubscribes from every category and, if Connect opened the
// connection, disconnects.
func (s *Sync) Close() error {
	s.mu.Lock()
	topics := make([]string, 0, len(s.maps))
	for category := range s.maps {
		topics = append(topics, s.EvictTopic(category))
	}
	s.maps = make(map[string]Map)
	s.mu.Unlock()

	var err error
	if len(topics) > 0 && s.broker.IsConnected() {
		err = s.wait(s.broker.Unsubscribe(topics...), ErrSubscribeFailed)
	}
	if s.owned != nil {
		s.owned.Disconnect(250)
	}
	return err
}

func (s *Sync) wait(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("%w: timeout after %v", kind, s.cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}
