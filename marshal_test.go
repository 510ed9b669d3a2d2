package entitydb

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMarshalers_RoundTrip(t *testing.T) {
	d := &Device{Token: "dev-001", Name: "Thermostat", Site: "hq"}
	d.Touch("alice", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	for _, m := range []Marshaler{MsgpackMarshaler{}, JSONMarshaler{}} {
		raw, err := m.Encode(d)
		ok(t, err)
		resolved, err := DefaultResolver.Resolve(m.Encoding())
		ok(t, err)
		deepEqual(t, resolved.Encoding(), m.Encoding())

		var got Device
		ok(t, resolved.Decode(raw, &got))
		if got.Name != d.Name || got.Site != d.Site || got.CreatedBy != "alice" || !got.CreatedDate.Equal(d.CreatedDate) {
			t.Errorf("%T: got %+v, wanted %+v", m, got, *d)
		}
	}
}

func TestMsgpackMarshaler_OmitsEmptyFields(t *testing.T) {
	raw := must(MsgpackMarshaler{}.Encode(&Device{Name: "a"}))
	if strings.Contains(string(raw), "cd") || strings.Contains(string(raw), "del") {
		t.Fatalf("encoded %x carries empty audit fields", raw)
	}
}

func TestMarshalers_DecodeErrors(t *testing.T) {
	var d Device
	var de *DataError
	if err := (MsgpackMarshaler{}).Decode([]byte{0xc1}, &d); !errors.As(err, &de) {
		t.Errorf("msgpack Decode = %v, wanted *DataError", err)
	}
	if err := (JSONMarshaler{}).Decode([]byte("{"), &d); !errors.As(err, &de) {
		t.Errorf("JSON Decode = %v, wanted *DataError", err)
	}
	if _, err := (JSONMarshaler{}).Encode(make(chan int)); err == nil {
		t.Errorf("JSON Encode(chan) succeeded")
	}
}

func TestResolver_UnknownEncoding(t *testing.T) {
	_, err := DefaultResolver.Resolve(0x7f)
	var de *DataError
	if !errors.As(err, &de) || !strings.Contains(err.Error(), "0x7f") {
		t.Fatalf("Resolve(0x7f) = %v, wanted *DataError", err)
	}
}

func TestNewResolver_PanicsOnDuplicateEncoding(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("NewResolver with a duplicate encoding didn't panic")
		}
	}()
	NewResolver(MsgpackMarshaler{}, MsgpackMarshaler{})
}
