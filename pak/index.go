package pak

import (
	"fmt"
	"strings"

	"pakvfs/binreader"
	"pakvfs/cryptutil"
	"pakvfs/keyring"
	"pakvfs/logger"
	"pakvfs/pakerr"
)

// indexVersionWithBlocks is the minimum version whose entry records carry
// a compression-method index, block list, encrypted flag, and block size
// (spec.md §4.4: "version≥3 adds ...").
const indexVersionWithBlocks = 3

// Index is the parsed body of a PAK index: the mount point and every
// entry, keyed by lower-cased path for lookup.
type Index struct {
	MountPoint string
	Entries    map[string]*Entry
	Order      []string // lower-cased keys in on-disk order, for List()
}

// decryptIndexIfNeeded decrypts raw in place when the footer says the
// index is encrypted, using the key bound to the footer's GUID.
func decryptIndexIfNeeded(raw []byte, f *Footer, keys *keyring.Registry) ([]byte, error) {
	if !f.EncryptedIndex {
		return raw, nil
	}
	if keys == nil {
		return nil, pakerr.New(pakerr.Decryption, "pak.decryptIndex", fmt.Errorf("no key")).WithPath(f.KeyGUID)
	}
	key, ok := keys.Get(f.KeyGUID)
	if !ok {
		return nil, pakerr.New(pakerr.Decryption, "pak.decryptIndex", fmt.Errorf("no key")).WithPath(f.KeyGUID)
	}
	if len(raw)%16 != 0 {
		return nil, pakerr.New(pakerr.Decryption, "pak.decryptIndex",
			fmt.Errorf("encrypted index size %d is not AES-block aligned", len(raw)))
	}
	out := append([]byte(nil), raw...)
	if err := cryptutil.DecryptECB(out, key); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseIndex parses the body of the PAK index (already decrypted if
// necessary).
func ParseIndex(raw []byte, f *Footer) (*Index, error) {
	const op = "pak.ParseIndex"
	r := binreader.New(raw)

	mountPoint, err := r.ReadLengthPrefixedString()
	if err != nil {
		return nil, pakerr.New(pakerr.Corrupt, op, err)
	}

	entryCount, err := r.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Corrupt, op, err)
	}

	idx := &Index{
		MountPoint: mountPoint,
		Entries:    make(map[string]*Entry, entryCount),
		Order:      make([]string, 0, entryCount),
	}

	for i := uint32(0); i < entryCount; i++ {
		name, err := r.ReadLengthPrefixedString()
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("entry %d: %w", i, err))
		}
		e, err := readEntryRecord(r, f)
		if err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("entry %d (%s): %w", i, name, err))
		}
		e.DisplayPath = name
		e.Path = strings.ToLower(name)

		if err := validateEntry(e); err != nil {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("entry %d (%s): %w", i, name, err))
		}

		idx.Entries[e.Path] = e
		idx.Order = append(idx.Order, e.Path)
	}

	if r.Remaining() != 0 {
		return nil, pakerr.New(pakerr.Corrupt, op,
			fmt.Errorf("%d residual bytes after reading %d entries", r.Remaining(), entryCount))
	}

	logger.TraceIf("pak", "parsed index: mount=%q entries=%d", mountPoint, entryCount)
	return idx, nil
}

func readEntryRecord(r *binreader.Reader, f *Footer) (*Entry, error) {
	offset, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	storedSize, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	uncompressedSize, err := r.ReadU64()
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Offset:           offset,
		StoredSize:       storedSize,
		UncompressedSize: uncompressedSize,
	}

	if f.Version < indexVersionWithBlocks {
		e.CompressionMethod = "none"
		if _, err := r.ReadBytes(20); err != nil { // SHA1, still present pre-v3
			return nil, err
		}
		return e, nil
	}

	methodIdx, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	hash, err := r.ReadBytes(20)
	if err != nil {
		return nil, err
	}
	copy(e.SHA1[:], hash)

	method, err := f.ResolveCompressionMethod(methodIdx)
	if err != nil {
		return nil, err
	}
	e.CompressionMethod = method

	if method != "none" {
		blockCount, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		blocks := make([]CompressionBlock, 0, blockCount)
		for b := uint32(0); b < blockCount; b++ {
			cStart, err := r.ReadU64()
			if err != nil {
				return nil, err
			}
			cEnd, err := r.ReadU64()
			if err != nil {
				return nil, err
			}
			// Uncompressed spans aren't stored on disk; filled in below
			// once CompressionBlockSize is known.
			blocks = append(blocks, CompressionBlock{CompressedStart: cStart, CompressedEnd: cEnd})
		}
		e.Blocks = blocks
	}

	encFlag, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	e.Encrypted = encFlag != 0

	blockSize, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	e.CompressionBlockSize = blockSize

	// Uncompressed spans are not stored on disk; they are derived from
	// CompressionBlockSize boundaries, capped by UncompressedSize for the
	// final block.
	if len(e.Blocks) > 0 && blockSize > 0 {
		var u uint64
		for i := range e.Blocks {
			start := u
			end := start + uint64(blockSize)
			if end > e.UncompressedSize || i == len(e.Blocks)-1 {
				end = e.UncompressedSize
			}
			e.Blocks[i].UncompressedStart = start
			e.Blocks[i].UncompressedEnd = end
			u = end
		}
	}

	return e, nil
}

func validateEntry(e *Entry) error {
	if e.CompressionMethod == "none" {
		if e.StoredSize != e.UncompressedSize {
			return fmt.Errorf("method=none but stored_size(%d) != uncompressed_size(%d)", e.StoredSize, e.UncompressedSize)
		}
		if len(e.Blocks) != 0 {
			return fmt.Errorf("method=none but block list is non-empty")
		}
	}
	if e.Encrypted && e.StoredSize%16 != 0 {
		return fmt.Errorf("encrypted entry stored_size %d is not a multiple of 16", e.StoredSize)
	}
	var sum uint64
	for i, b := range e.Blocks {
		if b.UncompressedStart != sum {
			return fmt.Errorf("block %d leaves a gap: expected start %d, got %d", i, sum, b.UncompressedStart)
		}
		if b.UncompressedEnd < b.UncompressedStart {
			return fmt.Errorf("block %d has inverted uncompressed span", i)
		}
		sum = b.UncompressedEnd
	}
	if len(e.Blocks) > 0 && sum != e.UncompressedSize {
		return fmt.Errorf("blocks cover %d bytes, expected %d", sum, e.UncompressedSize)
	}
	return nil
}
