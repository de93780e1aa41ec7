package iostore

import (
	"fmt"

	"pakvfs/binreader"
	"pakvfs/cryptutil"
	"pakvfs/keyring"
	"pakvfs/logger"
	"pakvfs/pakerr"
)

// compressionMethodNameCount and compressionMethodNameWidth mirror the PAK footer's 5x32-byte ASCII
// name table (spec.md §6: "...method-name table...").
const compressionMethodNameCount = 5
const compressionMethodNameWidth = 32

// ParseToc parses a whole .utoc file already read into memory.
func ParseToc(data []byte, keys *keyring.Registry) (*Toc, error) {
	const op = "iostore.ParseToc"

	if len(data) < len(Magic) {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("file too small for magic"))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("bad magic %q", data[:len(Magic)]))
	}

	r := binreader.New(data[len(Magic):])

	version, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	declaredHeaderSize, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	if declaredHeaderSize != headerSize {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("header size %d, expected %d", declaredHeaderSize, headerSize))
	}
	entryCount, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	blockCount, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	blockEntrySize, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	if blockEntrySize != compressedBlockEntrySize {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("compressed-block entry size %d, expected %d", blockEntrySize, compressedBlockEntrySize))
	}
	flagsRaw, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	flags := ContainerFlags(flagsRaw)
	guid, err := r.ReadGUID()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}

	// Reserved trailer padding the fixed header out to headerSize bytes
	// total (magic + the fields above + this padding).
	reservedSize := headerSize - len(Magic) - 4*6 - 16
	if reservedSize > 0 {
		if err := r.Skip(reservedSize); err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("truncated header padding: %w", err))
		}
	}

	toc := &Toc{
		Header: Header{
			Version:                  version,
			HeaderSize:               declaredHeaderSize,
			EntryCount:                entryCount,
			CompressedBlockCount:      blockCount,
			CompressedBlockEntrySize:  blockEntrySize,
			Flags:                    flags,
			EncryptionKeyGUID:        guid,
		},
		ByID: make(map[ChunkId]int, entryCount),
	}

	toc.ChunkIds = make([]ChunkId, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		b, err := r.ReadBytes(chunkIdSize)
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("chunk id %d: %w", i, err))
		}
		var id ChunkId
		copy(id[:], b)
		toc.ChunkIds[i] = id
		toc.ByID[id] = int(i)
	}

	toc.OffsetLengths = make([]OffsetLength, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		offset, err := r.ReadU64()
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("offset/length %d: %w", i, err))
		}
		length, err := r.ReadU64()
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("offset/length %d: %w", i, err))
		}
		toc.OffsetLengths[i] = OffsetLength{Offset: offset, Length: length}
	}

	methods := make([]string, 0, compressionMethodNameCount)
	for i := 0; i < compressionMethodNameCount; i++ {
		raw, err := r.ReadBytes(compressionMethodNameWidth)
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("compression method name %d: %w", i, err))
		}
		methods = append(methods, trimNulASCII(raw))
	}
	toc.CompressionMethods = methods

	toc.Blocks = make([]CompressedBlock, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		rec, err := r.ReadBytes(compressedBlockEntrySize)
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("block %d: %w", i, err))
		}
		offset, compressedSize, uncompressedSize, methodIdx := unpackBlockEntry(rec)
		method, err := toc.resolveMethod(methodIdx)
		if err != nil {
			return nil, pakerr.New(pakerr.UnsupportedFormat, op, fmt.Errorf("block %d: %w", i, err))
		}
		toc.Blocks[i] = CompressedBlock{
			Offset:            offset,
			CompressedSize:    compressedSize,
			UncompressedSize:  uncompressedSize,
			CompressionMethod: method,
		}
	}

	if flags.Has(FlagIndexed) {
		dirBytes, err := r.ReadBytes(r.Remaining())
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("directory index: %w", err))
		}
		dirBytes = append([]byte(nil), dirBytes...)
		if flags.Has(FlagEncrypted) {
			if keys == nil {
				return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("no key for %s", guid))
			}
			key, ok := keys.Get(guid)
			if !ok {
				return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("no key for %s", guid))
			}
			if len(dirBytes)%16 != 0 {
				return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("directory index size %d not block-aligned", len(dirBytes)))
			}
			if err := cryptutil.DecryptECB(dirBytes, key); err != nil {
				return nil, pakerr.New(pakerr.Decryption, op, err)
			}
		}
		dirIndex, err := parseDirectoryIndex(dirBytes)
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("directory index: %w", err))
		}
		toc.DirectoryIndex = dirIndex
	}

	logger.TraceIf("iostore", "parsed toc: version=%d entries=%d blocks=%d flags=%v", version, entryCount, blockCount, flags)
	return toc, nil
}

// resolveMethod mirrors pak.Footer.ResolveCompressionMethod: index 0 is
// always "none"; any other index names a slot in the method-name table.
func (t *Toc) resolveMethod(idx uint32) (string, error) {
	if idx == 0 {
		return "none", nil
	}
	i := int(idx) - 1
	if i < 0 || i >= len(t.CompressionMethods) || t.CompressionMethods[i] == "" {
		return "", fmt.Errorf("compression method index %d not present in toc table", idx)
	}
	return t.CompressionMethods[i], nil
}

// parseDirectoryIndex reads a flat sequence of (path, chunk-index) pairs.
// Real IoStore directory indices are a compact prefix tree; this package
// models only the logical mapping the spec calls for (spec.md §4.5:
// "a tree mapping a logical path to a chunk index"), not UE's specific
// on-disk tree encoding, since that encoding isn't specified.
func parseDirectoryIndex(data []byte) (map[string]int, error) {
	r := binreader.New(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, count)
	for i := uint32(0); i < count; i++ {
		path, err := r.ReadLengthPrefixedString()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		chunkIdx, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[normalizePath(path)] = int(chunkIdx)
	}
	return out, nil
}

// unpackBlockEntry decodes the 12-byte packed compressed-block record:
// a 40-bit offset, a 24-bit compressed size, a 24-bit uncompressed size,
// and an 8-bit compression-method index, each little-endian within its
// field. This bit-packed shape is what makes a 12-byte entry wide enough
// to carry a 40-bit offset alongside both sizes and a method tag.
func unpackBlockEntry(rec []byte) (offset uint64, compressedSize, uncompressedSize uint32, methodIdx uint32) {
	offset = uint64(rec[0]) | uint64(rec[1])<<8 | uint64(rec[2])<<16 | uint64(rec[3])<<24 | uint64(rec[4])<<32
	compressedSize = uint32(rec[5]) | uint32(rec[6])<<8 | uint32(rec[7])<<16
	uncompressedSize = uint32(rec[8]) | uint32(rec[9])<<8 | uint32(rec[10])<<16
	methodIdx = uint32(rec[11])
	return
}

// packBlockEntry is the inverse of unpackBlockEntry. It is unused by the
// reader itself but documents the packing scheme and backs the fixture
// builder in tests.
func packBlockEntry(offset uint64, compressedSize, uncompressedSize, methodIdx uint32) []byte {
	rec := make([]byte, compressedBlockEntrySize)
	rec[0] = byte(offset)
	rec[1] = byte(offset >> 8)
	rec[2] = byte(offset >> 16)
	rec[3] = byte(offset >> 24)
	rec[4] = byte(offset >> 32)
	rec[5] = byte(compressedSize)
	rec[6] = byte(compressedSize >> 8)
	rec[7] = byte(compressedSize >> 16)
	rec[8] = byte(uncompressedSize)
	rec[9] = byte(uncompressedSize >> 8)
	rec[10] = byte(uncompressedSize >> 16)
	rec[11] = byte(methodIdx)
	return rec
}

func trimNulASCII(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func normalizePath(p string) string {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '\\' {
			c = '/'
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
