package xdr

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u32 := rapid.Uint32().Draw(t, "u32")
		i32 := rapid.Int32().Draw(t, "i32")
		u64 := rapid.Uint64().Draw(t, "u64")
		b := rapid.Bool().Draw(t, "b")
		op := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "op")
		s := rapid.StringN(0, 40, -1).Draw(t, "s")

		e := NewEncoder(128)
		e.PutUint32(u32)
		e.PutInt32(i32)
		e.PutUint64(u64)
		e.PutBool(b)
		e.PutOpaque(op)
		e.PutString(s)

		d := NewDecoder(e.Bytes())
		if got, err := d.Uint32(); err != nil || got != u32 {
			t.Fatalf("Uint32: got %v, %v; want %v", got, err, u32)
		}
		if got, err := d.Int32(); err != nil || got != i32 {
			t.Fatalf("Int32: got %v, %v; want %v", got, err, i32)
		}
		if got, err := d.Uint64(); err != nil || got != u64 {
			t.Fatalf("Uint64: got %v, %v; want %v", got, err, u64)
		}
		if got, err := d.Bool(); err != nil || got != b {
			t.Fatalf("Bool: got %v, %v; want %v", got, err, b)
		}
		if got, err := d.Opaque(); err != nil || !bytes.Equal(got, op) {
			t.Fatalf("Opaque: got %v, %v; want %v", got, err, op)
		}
		if got, err := d.String(); err != nil || got != s {
			t.Fatalf("String: got %q, %v; want %q", got, err, s)
		}
		if d.Remaining() != 0 {
			t.Fatalf("%d bytes left over", d.Remaining())
		}
	})
}

func TestOpaquePadding(t *testing.T) {
	for n := 0; n < 9; n++ {
		e := NewEncoder(16)
		e.PutOpaque(make([]byte, n))
		if len(e.Bytes())%4 != 0 {
			t.Fatalf("opaque of %d bytes encoded to %d, not 4-aligned", n, len(e.Bytes()))
		}
	}
}

func TestDecoderTruncation(t *testing.T) {
	d := NewDecoder([]byte{0x00, 0x00})
	if _, err := d.Uint32(); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}

	e := NewEncoder(8)
	e.PutUint32(100) // claims 100 bytes follow
	d = NewDecoder(e.Bytes())
	if _, err := d.Opaque(); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestBoolRejectsOutOfRange(t *testing.T) {
	e := NewEncoder(4)
	e.PutUint32(2)
	if _, err := NewDecoder(e.Bytes()).Bool(); err == nil {
		t.Fatal("expected error for boolean value 2")
	}
}
