// Package pak implements the .pak container: footer, index, and
// extraction of individual entries. Field layouts are modeled on the
// teacher's own unified binary header (storage/binary/format.go):
// fixed-offset little-endian fields read by hand rather than through
// reflection, with a doc comment spelling out the byte layout above each
// struct.
package pak

// CompressionBlock is one independently-decodable slice of an entry's
// payload. Offsets are relative to the entry's payload start
// (Entry.Offset), not to the start of the container file.
type CompressionBlock struct {
	CompressedStart   uint64
	CompressedEnd     uint64
	UncompressedStart uint64
	UncompressedEnd   uint64
}

// Entry describes one logical file inside a PAK container.
//
// Invariant: if CompressionMethod == "none", StoredSize == UncompressedSize
// and Blocks is empty. If Encrypted, StoredSize is a multiple of 16. The
// uncompressed spans of Blocks tile [0, UncompressedSize) with no gaps or
// overlaps.
type Entry struct {
	Path              string // lower-cased lookup key
	DisplayPath       string // original-case path as stored in the index
	Offset            uint64 // absolute byte offset of the entry's stored payload in the container
	StoredSize        uint64
	UncompressedSize  uint64
	CompressionMethod string
	Encrypted         bool
	SHA1              [20]byte
	Blocks            []CompressionBlock
	CompressionBlockSize uint32
}
