package iostore

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"pakvfs/archive"
	"pakvfs/compress"
	"pakvfs/cryptutil"
	"pakvfs/keyring"
	"pakvfs/logger"
	"pakvfs/pakerr"
)

// Archive is a read-only handle to one .utoc/.ucas pair.
//
// Block addressing assumption (undocumented in the distilled wire format,
// so fixed here and used consistently): the compressed-block table is
// ordered so that block i's UncompressedSize bytes occupy
// [sum(UncompressedSize[:i]), sum(UncompressedSize[:i+1])) of a single
// logical, container-wide decompressed address space, and each chunk's
// OffsetLength names its span within that same logical space. This lets a
// chunk's bytes span multiple physical compressed blocks in the .ucas
// file, matching spec.md §4.5 step 2 ("partition the span across the
// compressed-block table").
type Archive struct {
	state atomic.Int32

	tocPath string
	casPath string
	casFile *os.File
	casData []byte // mmap'd .ucas view; see Open's doc comment

	toc *Toc
	// blockLogicalStart[i] is the logical-stream offset where block i begins.
	blockLogicalStart []uint64

	keys       *keyring.Registry
	compressor *compress.Registry

	closeOnce sync.Once
}

var _ archive.Archive = (*Archive)(nil)

// Open reads tocPath's .utoc file, derives its .ucas sibling, and opens
// both for reading. The .utoc metadata is small and read whole with
// os.ReadFile; the .ucas content store is memory-mapped (PROT_READ,
// MAP_SHARED via golang.org/x/sys/unix, the same approach pak.Open takes
// and grounded on the same teacher MMapReader shape), since it is the
// member of the pair large enough for mapping to matter.
func Open(tocPath string, keys *keyring.Registry) (*Archive, error) {
	const op = "iostore.Open"
	a := &Archive{tocPath: tocPath, keys: keys, compressor: compress.New()}
	a.state.Store(int32(archive.Opening))

	tocData, err := os.ReadFile(tocPath)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Io, op, err).WithPath(tocPath)
	}

	toc, err := ParseToc(tocData, keys)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, err
	}
	a.toc = toc

	a.blockLogicalStart = make([]uint64, len(toc.Blocks))
	var cursor uint64
	for i, b := range toc.Blocks {
		a.blockLogicalStart[i] = cursor
		cursor += uint64(b.UncompressedSize)
	}

	a.casPath = casSiblingPath(tocPath)
	f, err := os.Open(a.casPath)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Io, op, err).WithPath(a.casPath)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Io, op, err).WithPath(a.casPath)
	}
	if info.Size() > 0 {
		mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			a.state.Store(int32(archive.Failed))
			return nil, pakerr.New(pakerr.Io, op, err).WithPath(a.casPath)
		}
		a.casData = mapped
	}
	a.casFile = f

	a.state.Store(int32(archive.Initialised))
	logger.Info("iostore: opened %s (version=%d, chunks=%d, blocks=%d)",
		tocPath, toc.Header.Version, len(toc.ChunkIds), len(toc.Blocks))
	return a, nil
}

func casSiblingPath(tocPath string) string {
	if strings.HasSuffix(strings.ToLower(tocPath), ".utoc") {
		return tocPath[:len(tocPath)-len(".utoc")] + ".ucas"
	}
	return tocPath + ".ucas"
}

func (a *Archive) State() archive.State { return archive.State(a.state.Load()) }

// Has reports whether path exists in the directory index. A container
// without a directory index resolves no paths; its chunks are reachable
// only by index through ExtractChunk.
func (a *Archive) Has(p string) bool {
	_, ok := a.resolve(p)
	return ok
}

func (a *Archive) resolve(p string) (int, bool) {
	if a.toc.DirectoryIndex == nil {
		return 0, false
	}
	idx, ok := a.toc.DirectoryIndex[normalizePath(p)]
	return idx, ok
}

// Info returns metadata for path without decoding its content.
func (a *Archive) Info(p string) (*archive.EntryInfo, bool) {
	idx, ok := a.resolve(p)
	if !ok {
		return nil, false
	}
	ol := a.toc.OffsetLengths[idx]
	blocks := a.overlappingBlocks(ol)
	return &archive.EntryInfo{
		Path:             p,
		Size:             ol.Length,
		StoredSize:       ol.Length,
		CompressionName:  "",
		Encrypted:        a.toc.Header.Flags.Has(FlagEncrypted),
		CompressionBlock: len(blocks),
	}, true
}

// List returns metadata for every path in the directory index matching
// glob (only meaningful when the container carries one).
func (a *Archive) List(glob string) []archive.EntryInfo {
	var out []archive.EntryInfo
	for path := range a.toc.DirectoryIndex {
		if info, ok := a.Info(path); ok && matchGlob(strings.ToLower(glob), path) {
			out = append(out, *info)
		}
	}
	return out
}

// Get resolves path to a chunk and extracts its bytes.
func (a *Archive) Get(p string) ([]byte, error) {
	if archive.State(a.state.Load()) != archive.Initialised {
		return nil, archive.ErrNotInitialised
	}
	idx, ok := a.resolve(p)
	if !ok {
		return nil, nil
	}
	return a.ExtractChunk(idx)
}

type blockSpan struct {
	block     CompressedBlock
	loStart   uint64 // logical offset where this block begins
	skip      uint64 // bytes to skip from the block's decoded start
	take      uint64 // bytes to take after skip
}

func (a *Archive) overlappingBlocks(ol OffsetLength) []blockSpan {
	var spans []blockSpan
	chunkEnd := ol.Offset + ol.Length
	for i, b := range a.toc.Blocks {
		blockStart := a.blockLogicalStart[i]
		blockEnd := blockStart + uint64(b.UncompressedSize)
		if blockEnd <= ol.Offset || blockStart >= chunkEnd {
			continue
		}
		skip := uint64(0)
		if ol.Offset > blockStart {
			skip = ol.Offset - blockStart
		}
		end := blockEnd
		if chunkEnd < end {
			end = chunkEnd
		}
		take := end - (blockStart + skip)
		spans = append(spans, blockSpan{block: b, loStart: blockStart, skip: skip, take: take})
	}
	return spans
}

// ExtractChunk decodes the chunk at index idx in the ChunkIds/OffsetLengths
// tables, per spec.md §4.5's Extract algorithm.
func (a *Archive) ExtractChunk(idx int) ([]byte, error) {
	const op = "iostore.ExtractChunk"
	if idx < 0 || idx >= len(a.toc.OffsetLengths) {
		return nil, pakerr.New(pakerr.NotFound, op, fmt.Errorf("chunk index %d out of range", idx))
	}
	ol := a.toc.OffsetLengths[idx]
	spans := a.overlappingBlocks(ol)

	encrypted := a.toc.Header.Flags.Has(FlagEncrypted)
	var key []byte
	if encrypted {
		if a.keys == nil {
			return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("no key for %s", a.toc.Header.EncryptionKeyGUID))
		}
		k, ok := a.keys.Get(a.toc.Header.EncryptionKeyGUID)
		if !ok {
			return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("no key for %s", a.toc.Header.EncryptionKeyGUID))
		}
		key = k
	}

	out := make([]byte, 0, ol.Length)
	for i, span := range spans {
		compressedSize := int(span.block.CompressedSize)
		storedSize := compressedSize
		if encrypted {
			storedSize = cryptutil.PadToBlock(storedSize)
		}
		start := int64(span.block.Offset)
		if start < 0 || start+int64(storedSize) > int64(len(a.casData)) {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("block %d: span exceeds mapped file", i))
		}
		// Copy out of the read-only mapping: decryption below decrypts
		// in place, and PROT_READ forbids writing back into casData.
		raw := append([]byte(nil), a.casData[start:start+int64(storedSize)]...)
		if encrypted {
			if err := cryptutil.DecryptECB(raw, key); err != nil {
				return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("block %d: %w", i, err))
			}
			raw = raw[:compressedSize]
		}
		decoded, err := a.compressor.Decode(span.block.CompressionMethod, raw, int(span.block.UncompressedSize))
		if err != nil {
			return nil, pakerr.New(pakerr.Compression, op, fmt.Errorf("block %d: %w", i, err))
		}
		if uint64(len(decoded)) != uint64(span.block.UncompressedSize) {
			return nil, pakerr.New(pakerr.Corrupt, op,
				fmt.Errorf("block %d decoded to %d bytes, expected %d", i, len(decoded), span.block.UncompressedSize))
		}
		if span.skip+span.take > uint64(len(decoded)) {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("block %d span exceeds decoded length", i))
		}
		out = append(out, decoded[span.skip:span.skip+span.take]...)
	}

	if uint64(len(out)) != ol.Length {
		return nil, pakerr.New(pakerr.Corrupt, op,
			fmt.Errorf("chunk %d assembled %d bytes, expected %d", idx, len(out), ol.Length))
	}
	return out, nil
}

// Close unmaps the .ucas view and releases its file handle. Idempotent.
func (a *Archive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.state.Store(int32(archive.Closing))
		if a.casData != nil {
			if unmapErr := unix.Munmap(a.casData); unmapErr != nil {
				err = pakerr.New(pakerr.Io, "iostore.Close", unmapErr).WithPath(a.casPath)
			}
			a.casData = nil
		}
		if a.casFile != nil {
			a.casFile.Close()
		}
		a.toc = nil
		a.state.Store(int32(archive.Closed))
	})
	return err
}

func matchGlob(pattern, s string) bool {
	return globMatchRec([]rune(pattern), []rune(strings.ToLower(s)))
}

func globMatchRec(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		if globMatchRec(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatchRec(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRec(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatchRec(pattern[1:], s[1:])
	}
}
