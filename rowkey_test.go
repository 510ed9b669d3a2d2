package entitydb

import (
	"context"
	"errors"
	"testing"
)

func TestTruncateID(t *testing.T) {
	tests := []struct {
		id   int64
		k    int
		want []byte
	}{
		{1, 4, x("00 00 00 01")},
		{1, 8, x("00 00 00 00 00 00 00 01")},
		{0x0102030405060708, 4, x("05 06 07 08")},
		{0x0102030405060708, 1, x("08")},
		{0x1_0000_0001, 4, x("00 00 00 01")},
	}
	for _, tt := range tests {
		deepEqual(t, TruncateID(tt.id, tt.k), tt.want)
	}
}

func TestRowKeyBuilder_Config(t *testing.T) {
	kb := must(NewRowKeyBuilder(nil, RowKeyConfig{TypeIdentifier: 0x03}))
	deepEqual(t, kb.TypeIdentifier(), byte(0x03))
	deepEqual(t, kb.PrimaryIdentifier(), byte(DefaultPrimaryIdentifier))
	deepEqual(t, kb.KeyIDLength(), DefaultKeyIDLength)

	for _, k := range []int{-1, 9} {
		if _, err := NewRowKeyBuilder(nil, RowKeyConfig{KeyIDLength: k}); err == nil {
			t.Errorf("NewRowKeyBuilder(K=%d) succeeded, wanted error", k)
		}
	}
}

func TestRowKeyBuilder_PrimaryKey(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	kb := setupKeys(t, acc, deviceIDConfig, 0x03)

	must(kb.IDs().UseExistingID(ctx, "dev-001"))
	key, err := kb.BuildPrimaryKey(ctx, "dev-001")
	ok(t, err)
	deepEqual(t, key, x("03 00000001 01"))
	deepEqual(t, IsPrimaryKey(kb, key), true)
	deepEqual(t, PrimaryKeyPredicate(kb)(key), true)

	sub, err := kb.BuildSubkey(ctx, "dev-001", 0x02)
	ok(t, err)
	deepEqual(t, sub, x("03 00000001 02"))
	deepEqual(t, IsPrimaryKey(kb, sub), false)

	if _, err := kb.BuildSubkey(ctx, "dev-001", DefaultPrimaryIdentifier); err == nil {
		t.Fatalf("BuildSubkey with the primary identifier succeeded")
	}
}

func TestRowKeyBuilder_UnknownToken(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	kb := setupKeys(t, acc, deviceIDConfig, 0x03)

	_, err := kb.BuildPrimaryKey(ctx, "dev-404")
	var ike *InvalidKeyError
	if !errors.As(err, &ike) || ike.Token != "dev-404" || ike.Category != "device" {
		t.Fatalf("BuildPrimaryKey(unknown) = %v, wanted *InvalidKeyError", err)
	}
	_, err = kb.BuildSubkey(ctx, "dev-404", 0x02)
	if !IsInvalidKey(err) {
		t.Fatalf("BuildSubkey(unknown) = %v, wanted invalid key", err)
	}
}

func TestRowKeyBuilder_DeleteReference(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	kb := setupKeys(t, acc, deviceIDConfig, 0x03)
	must(kb.IDs().UseExistingID(ctx, "dev-001"))

	ok(t, kb.DeleteReference(ctx, "dev-001"))
	if _, err := kb.BuildPrimaryKey(ctx, "dev-001"); !IsInvalidKey(err) {
		t.Fatalf("BuildPrimaryKey after DeleteReference = %v, wanted invalid key", err)
	}
	// deleting a missing reference is not an error
	ok(t, kb.DeleteReference(ctx, "dev-001"))
}

func TestIsPrimaryKey(t *testing.T) {
	kb := must(NewRowKeyBuilder(nil, RowKeyConfig{TypeIdentifier: 0x03, KeyIDLength: 2}))
	tests := []struct {
		key  string
		want bool
	}{
		{"03 0001 01", true},
		{"03 0001 02", false},
		{"04 0001 01", false},
		{"03 000001 01", false},
		{"03 01", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPrimaryKey(kb, x(tt.key)); got != tt.want {
			t.Errorf("IsPrimaryKey(%s) = %v, wanted %v", tt.key, got, tt.want)
		}
	}
}

func TestCategoryRange(t *testing.T) {
	kb := must(NewRowKeyBuilder(nil, RowKeyConfig{TypeIdentifier: 0x03}))
	start, stop := CategoryRange(kb)
	deepEqual(t, start, x("03"))
	deepEqual(t, stop, x("04"))

	kb = must(NewRowKeyBuilder(nil, RowKeyConfig{TypeIdentifier: 0xFF}))
	start, stop = CategoryRange(kb)
	deepEqual(t, start, x("ff"))
	if stop != nil {
		t.Fatalf("CategoryRange(0xFF) stop = %x, wanted nil", stop)
	}
}

func TestEntityRange(t *testing.T) {
	ctx := context.Background()
	acc := setup(t)
	kb := setupKeys(t, acc, deviceIDConfig, 0x03)
	must(kb.IDs().UseExistingID(ctx, "dev-001"))

	start, stop, err := EntityRange(ctx, kb, "dev-001")
	ok(t, err)
	deepEqual(t, start, x("03 00000001"))
	deepEqual(t, stop, x("03 00000002"))

	if _, _, err := EntityRange(ctx, kb, "dev-404"); !IsInvalidKey(err) {
		t.Fatalf("EntityRange(unknown) = %v, wanted invalid key", err)
	}
}
