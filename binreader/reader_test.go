package binreader

import (
	"testing"

	"pakvfs/pakerr"
)

func TestReadPrimitives(t *testing.T) {
	data := []byte{
		0x2A,             // u8
		0x34, 0x12,       // u16 = 0x1234
		0x78, 0x56, 0x34, 0x12, // u32 = 0x12345678
	}
	r := New(data)

	u8, err := r.ReadU8()
	if err != nil || u8 != 0x2A {
		t.Fatalf("ReadU8 = %v, %v", u8, err)
	}
	u16, err := r.ReadU16()
	if err != nil || u16 != 0x1234 {
		t.Fatalf("ReadU16 = %v, %v", u16, err)
	}
	u32, err := r.ReadU32()
	if err != nil || u32 != 0x12345678 {
		t.Fatalf("ReadU32 = %v, %v", u32, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", r.Remaining())
	}
}

func TestReadOverrun(t *testing.T) {
	r := New([]byte{0x01, 0x02})
	if _, err := r.ReadU32(); err == nil {
		t.Fatal("expected error reading past end of buffer")
	} else if perr, ok := err.(*pakerr.Error); !ok || perr.Kind != pakerr.Io {
		t.Fatalf("expected pakerr.Io, got %v", err)
	}
}

func TestReadCString(t *testing.T) {
	r := New([]byte("hello\x00world"))
	s, err := r.ReadCString()
	if err != nil || s != "hello" {
		t.Fatalf("ReadCString = %q, %v", s, err)
	}
	if r.Position() != 6 {
		t.Fatalf("expected position 6, got %d", r.Position())
	}
}

func TestReadLengthPrefixedStringASCII(t *testing.T) {
	data := []byte{0x06, 0x00, 0x00, 0x00}
	data = append(data, []byte("hello\x00")...)
	r := New(data)
	s, err := r.ReadLengthPrefixedString()
	if err != nil || s != "hello" {
		t.Fatalf("ReadLengthPrefixedString = %q, %v", s, err)
	}
}

func TestReadGUID(t *testing.T) {
	// 12345678-1234-1234-1234-123456789ABC encoded the way ReadGUID reads
	// it: a little-endian uint32, two little-endian uint16s, a big-endian
	// uint16, then 6 raw bytes.
	data := []byte{
		0x78, 0x56, 0x34, 0x12,
		0x34, 0x12, 0x34, 0x12,
		0x12, 0x34,
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC,
	}
	r := New(data)
	guid, err := r.ReadGUID()
	if err != nil {
		t.Fatalf("ReadGUID error: %v", err)
	}
	if len(guid) != 36 {
		t.Fatalf("expected canonical 36-char GUID, got %q", guid)
	}
}

func TestClone(t *testing.T) {
	r := New([]byte{1, 2, 3, 4})
	_, _ = r.ReadU16()
	c := r.Clone(0)
	if c.Position() != 0 || r.Position() != 2 {
		t.Fatalf("clone should not share position: clone=%d orig=%d", c.Position(), r.Position())
	}
}
