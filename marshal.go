package entitydb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Payload encoding indicators, stored in the payload-type column. Values are
// part of the on-disk format.
const (
	EncodingJSON    byte = 0x00
	EncodingMsgPack byte = 0x01
)

// Marshaler encodes entities into payload bytes. Each Marshaler tags what it
// writes with its own indicator so stored payloads can always be decoded by
// the marshaler that produced them.
type Marshaler interface {
	Encoding() byte
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// MarshalerResolver maps an indicator back to its Marshaler.
type MarshalerResolver interface {
	Resolve(encoding byte) (Marshaler, error)
}

type MsgpackMarshaler struct{}

func (MsgpackMarshaler) Encoding() byte { return EncodingMsgPack }

func (MsgpackMarshaler) Encode(v any) ([]byte, error) {
	var bb bytesBuilder
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func (MsgpackMarshaler) Decode(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, 0, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

type JSONMarshaler struct{}

func (JSONMarshaler) Encoding() byte { return EncodingJSON }

func (JSONMarshaler) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T to JSON: %w", v, err)
	}
	return raw, nil
}

func (JSONMarshaler) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return dataErrf(data, 0, err, "failed to decode JSON into %T", v)
	}
	return nil
}

// Resolver is a MarshalerResolver over a fixed set of marshalers.
type Resolver struct {
	byEncoding map[byte]Marshaler
}

// NewResolver panics if two marshalers claim the same indicator.
func NewResolver(marshalers ...Marshaler) *Resolver {
	r := &Resolver{byEncoding: make(map[byte]Marshaler, len(marshalers))}
	for _, m := range marshalers {
		if prev := r.byEncoding[m.Encoding()]; prev != nil {
			panic(fmt.Errorf("encoding 0x%02x claimed by both %T and %T", m.Encoding(), prev, m))
		}
		r.byEncoding[m.Encoding()] = m
	}
	return r
}

func (r *Resolver) Resolve(encoding byte) (Marshaler, error) {
	m := r.byEncoding[encoding]
	if m == nil {
		return nil, dataErrf([]byte{encoding}, 0, nil, "unknown payload encoding 0x%02x", encoding)
	}
	return m, nil
}

// DefaultResolver knows the bundled MsgPack and JSON marshalers.
var DefaultResolver MarshalerResolver = NewResolver(MsgpackMarshaler{}, JSONMarshaler{})
