// Package iostore implements the IoStore container pair: a `.utoc` table
// of contents and its `.ucas` flat chunk store. Field layouts are hand-read
// little-endian, in the same style as package pak and the teacher's own
// unified binary header (storage/binary/format.go).
package iostore

import (
	"encoding/binary"
	"hash/fnv"
)

// Magic identifies a .utoc file: 16 ASCII bytes.
const Magic = "-==--==--==--==-"

// headerSize is the fixed total size of the .utoc header, the 16-byte
// magic included.
const headerSize = 144

// chunkIdSize is the width of one ChunkId record in the chunk-ID table.
const chunkIdSize = 12

// compressedBlockEntrySize is the documented, self-describing width of one
// compressed-block-table record.
const compressedBlockEntrySize = 12

// ContainerFlags is a bitfield describing properties of the whole container.
type ContainerFlags uint32

const (
	FlagCompressed ContainerFlags = 1 << iota
	FlagEncrypted
	FlagSigned
	FlagIndexed
)

func (f ContainerFlags) Has(bit ContainerFlags) bool { return f&bit != 0 }

// ChunkId is a 12-byte opaque identifier: the first 10 bytes carry
// identity, the last 2 carry a type tag the core preserves but does not
// interpret (spec.md §4.5: "the core preserves but does not interpret
// them — it exposes them to upper layers").
type ChunkId [chunkIdSize]byte

// TypeTag returns the trailing 2 bytes verbatim, for callers that want to
// branch on chunk category without this package hard-coding the taxonomy.
func (c ChunkId) TypeTag() [2]byte {
	var tag [2]byte
	copy(tag[:], c[10:12])
	return tag
}

// Hash mixes the ChunkId through a seeded FNV-1a, the same hash family the
// teacher's sharded_lock.go reaches for when placing keys into shards.
// It is offered to callers that bucket ChunkIds themselves; Toc.ByID is a
// plain Go map keyed by the raw ChunkId and does not use it.
func (c ChunkId) Hash(seed uint32) uint64 {
	h := fnv.New64a()
	var seedBytes [4]byte
	binary.LittleEndian.PutUint32(seedBytes[:], seed)
	h.Write(seedBytes[:])
	h.Write(c[:])
	return h.Sum64()
}

// OffsetLength locates one chunk's span inside the .ucas file.
type OffsetLength struct {
	Offset uint64
	Length uint64
}

// CompressedBlock describes one physically contiguous, independently
// decodable slice of the .ucas file.
type CompressedBlock struct {
	Offset            uint64
	CompressedSize    uint32
	UncompressedSize  uint32
	CompressionMethod string
}

// Header is the parsed fixed-size .utoc header (following the magic).
type Header struct {
	Version                  uint32
	HeaderSize               uint32
	EntryCount                uint32
	CompressedBlockCount      uint32
	CompressedBlockEntrySize  uint32
	Flags                     ContainerFlags
	EncryptionKeyGUID         string
}

// Toc is the fully parsed table of contents of one IoStore container.
type Toc struct {
	Header            Header
	ChunkIds          []ChunkId
	OffsetLengths     []OffsetLength
	Blocks            []CompressedBlock
	CompressionMethods []string
	ByID              map[ChunkId]int // ChunkId -> index into ChunkIds/OffsetLengths
	DirectoryIndex    map[string]int  // normalised path -> chunk index, present iff FlagIndexed
}
