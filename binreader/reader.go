// Package binreader implements a cursor over a contiguous in-memory byte
// region with the little-endian primitive reads container parsing needs.
//
// Like the teacher's own header codecs (storage/binary/format.go), fields
// are read by hand with encoding/binary rather than through reflection —
// container headers are fixed, small, and performance sensitive enough
// that field-by-field reads pay for themselves.
package binreader

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"pakvfs/pakerr"
)

// errUnexpectedEOF is wrapped into a *pakerr.Error with Kind Io whenever a
// read would run past the end of the underlying region.
var errUnexpectedEOF = fmt.Errorf("unexpected end of buffer")

// Reader is a read-only cursor over a byte slice. It never copies the
// underlying bytes except where an explicit conversion (e.g. to string) is
// unavoidable; ReadBytes returns a borrow of the backing slice.
type Reader struct {
	data []byte
	pos  int
}

// New wraps data in a Reader positioned at offset 0.
func New(data []byte) *Reader {
	return &Reader{data: data}
}

// Clone returns an independent cursor over the same backing bytes,
// positioned wherever the caller specifies.
func (r *Reader) Clone(pos int) *Reader {
	return &Reader{data: r.data, pos: pos}
}

// Size returns the total length of the underlying region.
func (r *Reader) Size() int { return len(r.data) }

// Position returns the current cursor offset.
func (r *Reader) Position() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Seek moves the cursor to an absolute offset.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return r.eofErr("Seek")
	}
	r.pos = pos
	return nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	return r.Seek(r.pos + n)
}

func (r *Reader) eofErr(op string) error {
	return pakerr.New(pakerr.Io, "binreader."+op, errUnexpectedEOF)
}

func (r *Reader) ensure(n int) error {
	if n < 0 || r.pos+n > len(r.data) {
		return r.eofErr("ensure")
	}
	return nil
}

// ReadBytes returns a borrow of the next n bytes and advances the cursor.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.ensure(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	if err := r.ensure(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

// ReadU16 reads a little-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	if err := r.ensure(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadU32 reads a little-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.ensure(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadU64 reads a little-endian uint64.
func (r *Reader) ReadU64() (uint64, error) {
	if err := r.ensure(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadI32 reads a little-endian int32.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadI64 reads a little-endian int64.
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadF32 reads a little-endian IEEE-754 float32.
func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadF64 reads a little-endian IEEE-754 float64.
func (r *Reader) ReadF64() (float64, error) {
	v, err := r.ReadU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadCString reads bytes up to and including a NUL terminator and returns
// the string without the terminator.
func (r *Reader) ReadCString() (string, error) {
	start := r.pos
	for r.pos < len(r.data) {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++ // consume the NUL
			return s, nil
		}
		r.pos++
	}
	r.pos = start
	return "", r.eofErr("ReadCString")
}

// ReadLengthPrefixedString reads an int32 length prefix followed by the
// string payload. A negative length means the payload is UTF-16 and is
// -length code units long; a non-negative length means ASCII/UTF-8 bytes.
func (r *Reader) ReadLengthPrefixedString() (string, error) {
	n, err := r.ReadI32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if n < 0 {
		units := -n
		raw, err := r.ReadBytes(int(units) * 2)
		if err != nil {
			return "", err
		}
		u16 := make([]uint16, units)
		for i := range u16 {
			u16[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		return decodeUTF16(u16), nil
	}
	raw, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\x00"), nil
}

func decodeUTF16(u16 []uint16) string {
	var sb strings.Builder
	for i := 0; i < len(u16); i++ {
		r := rune(u16[i])
		if r == 0 {
			break
		}
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(u16) {
			lo := rune(u16[i+1])
			if lo >= 0xDC00 && lo <= 0xDFFF {
				r = ((r - 0xD800) << 10) + (lo - 0xDC00) + 0x10000
				i++
			}
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ReadGUID reads 16 raw bytes and renders them in canonical upper-case
// hyphenated form (8-4-4-4-12).
func (r *Reader) ReadGUID() (string, error) {
	b, err := r.ReadBytes(16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16]), nil
}
