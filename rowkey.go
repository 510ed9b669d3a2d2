package entitydb

import (
	"context"
	"encoding/binary"
	"fmt"
)

// On-disk row layout. Every row type uses the single DefaultFamily.
const (
	QualifierPayload     = "p"
	QualifierPayloadType = "t"
	QualifierDeleted     = "d"
	QualifierValue       = "v"
	QualifierCounter     = "c"

	// DeletedMarker is the value of the soft-delete column.
	DeletedMarker byte = 0x01

	DefaultKeyIDLength       = 4
	DefaultPrimaryIdentifier = 0x01

	counterPlaceholder byte = 0x00
)

var (
	payloadColumn     = Column{DefaultFamily, QualifierPayload}
	payloadTypeColumn = Column{DefaultFamily, QualifierPayloadType}
	deletedColumn     = Column{DefaultFamily, QualifierDeleted}
	uidValueColumn    = Column{DefaultFamily, QualifierValue}
	counterColumn     = Column{DefaultFamily, QualifierCounter}
)

// KeyBuilder turns entity tokens into row keys for one entity category.
type KeyBuilder interface {
	// BuildPrimaryKey returns [type][truncated id][primary identifier]. It fails
	// with an invalid-key error if the token has no id.
	BuildPrimaryKey(ctx context.Context, token string) ([]byte, error)

	// BuildSubkey returns [type][truncated id][subtype].
	BuildSubkey(ctx context.Context, token string, subtype byte) ([]byte, error)

	// DeleteReference removes the token's id mapping.
	DeleteReference(ctx context.Context, token string) error

	TypeIdentifier() byte
	PrimaryIdentifier() byte
	KeyIDLength() int

	// InvalidKey returns the error reported for a token without an id.
	InvalidKey(token string) error
}

type RowKeyConfig struct {
	TypeIdentifier byte

	// PrimaryIdentifier defaults to DefaultPrimaryIdentifier when zero.
	PrimaryIdentifier byte

	// KeyIDLength is the number of low-order id bytes in a key, 1 to 8.
	// Defaults to DefaultKeyIDLength when zero.
	KeyIDLength int
}

// RowKeyBuilder is the standard KeyBuilder, resolving tokens through a CounterMap.
type RowKeyBuilder struct {
	ids       *CounterMap
	typeID    byte
	primaryID byte
	keyIDLen  int
}

var _ KeyBuilder = (*RowKeyBuilder)(nil)

func NewRowKeyBuilder(ids *CounterMap, cfg RowKeyConfig) (*RowKeyBuilder, error) {
	if cfg.PrimaryIdentifier == 0 {
		cfg.PrimaryIdentifier = DefaultPrimaryIdentifier
	}
	if cfg.KeyIDLength == 0 {
		cfg.KeyIDLength = DefaultKeyIDLength
	}
	if cfg.KeyIDLength < 1 || cfg.KeyIDLength > 8 {
		return nil, fmt.Errorf("invalid key id length %d: must be 1..8", cfg.KeyIDLength)
	}
	return &RowKeyBuilder{
		ids:       ids,
		typeID:    cfg.TypeIdentifier,
		primaryID: cfg.PrimaryIdentifier,
		keyIDLen:  cfg.KeyIDLength,
	}, nil
}

func (b *RowKeyBuilder) TypeIdentifier() byte    { return b.typeID }
func (b *RowKeyBuilder) PrimaryIdentifier() byte { return b.primaryID }
func (b *RowKeyBuilder) KeyIDLength() int        { return b.keyIDLen }
func (b *RowKeyBuilder) IDs() *CounterMap        { return b.ids }

func (b *RowKeyBuilder) InvalidKey(token string) error {
	return &InvalidKeyError{Category: b.ids.Category(), Token: token}
}

func (b *RowKeyBuilder) BuildPrimaryKey(ctx context.Context, token string) ([]byte, error) {
	return b.build(ctx, token, b.primaryID)
}

func (b *RowKeyBuilder) BuildSubkey(ctx context.Context, token string, subtype byte) ([]byte, error) {
	if subtype == b.primaryID {
		return nil, fmt.Errorf("subtype 0x%02x collides with the primary identifier", subtype)
	}
	return b.build(ctx, token, subtype)
}

func (b *RowKeyBuilder) build(ctx context.Context, token string, last byte) ([]byte, error) {
	id, ok, err := b.ids.GetValue(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, b.InvalidKey(token)
	}
	key := make([]byte, 0, b.keyIDLen+2)
	key = append(key, b.typeID)
	key = append(key, TruncateID(id, b.keyIDLen)...)
	return append(key, last), nil
}

func (b *RowKeyBuilder) DeleteReference(ctx context.Context, token string) error {
	_, err := b.ids.Delete(ctx, token)
	return err
}

// TruncateID returns the k low-order bytes of the big-endian form of id.
func TruncateID(id int64, k int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[8-k:]
}

// IsPrimaryKey reports whether key has the shape of a primary row of kb's category.
func IsPrimaryKey(kb KeyBuilder, key []byte) bool {
	return len(key) == kb.KeyIDLength()+2 &&
		key[0] == kb.TypeIdentifier() &&
		key[len(key)-1] == kb.PrimaryIdentifier()
}

// PrimaryKeyPredicate returns IsPrimaryKey bound to kb.
func PrimaryKeyPredicate(kb KeyBuilder) func(key []byte) bool {
	return func(key []byte) bool { return IsPrimaryKey(kb, key) }
}

// CategoryRange returns the scan range [type, type+1) covering every row of
// kb's category. stop is nil for type 0xFF.
func CategoryRange(kb KeyBuilder) (start, stop []byte) {
	start = []byte{kb.TypeIdentifier()}
	return start, prefixEnd(start)
}

// EntityRange returns the scan range covering the primary and subordinate rows
// of one entity.
func EntityRange(ctx context.Context, kb KeyBuilder, token string) (start, stop []byte, err error) {
	key, err := kb.BuildPrimaryKey(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	start = key[:len(key)-1]
	return start, prefixEnd(start), nil
}
