package pak

import (
	"crypto/sha1"
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

// Archive is a read-only handle to one .pak container.
//
// Extract is only valid once the archive reaches archive.Initialised;
// Close is idempotent and transitions to archive.Closed exactly once.
type Archive struct {
	state atomic.Int32

	filename string
	file     *os.File
	data     []byte // mmap'd whole-file view; see Open's doc comment

	footer *Footer
	index  *Index

	keys       *keyring.Registry
	compressor *compress.Registry

	closeOnce sync.Once
}

var _ archive.Archive = (*Archive)(nil)

// Open parses the footer and index of the PAK file at filename and
// returns a ready-to-use Archive.
//
// The whole file is memory-mapped up front, the same shape as the
// teacher's own MMapReader (storage/binary/mmap_reader.go): open, stat,
// map PROT_READ/MAP_SHARED, then parse header/index directly out of the
// mapping. Callers extract from that mapping rather than re-seeking the
// OS file handle per read, which keeps concurrent Get calls lock-free on
// the read path and avoids paging in archives larger than available
// memory all at once. golang.org/x/sys/unix is used in place of the
// teacher's direct syscall.Mmap/Munmap calls, since x/sys/unix is the
// maintained, portable successor the rest of the pack (quay-claircore)
// already reaches for.
func Open(filename string, keys *keyring.Registry) (*Archive, error) {
	const op = "pak.Open"
	a := &Archive{filename: filename, keys: keys, compressor: compress.New()}
	a.state.Store(int32(archive.Opening))

	f, err := os.Open(filename)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Io, op, err).WithPath(filename)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Io, op, err).WithPath(filename)
	}
	if info.Size() == 0 {
		f.Close()
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("empty file")).WithPath(filename)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Io, op, err).WithPath(filename)
	}
	a.file = f
	a.data = data

	footer, err := ReadFooter(data)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, err
	}
	a.footer = footer

	if int(footer.IndexOffset+footer.IndexSize) > len(data) {
		a.state.Store(int32(archive.Failed))
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("index range exceeds file size")).WithPath(filename)
	}
	raw := data[footer.IndexOffset : footer.IndexOffset+footer.IndexSize]

	decrypted, err := decryptIndexIfNeeded(raw, footer, keys)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, err
	}

	idx, err := ParseIndex(decrypted, footer)
	if err != nil {
		a.state.Store(int32(archive.Failed))
		return nil, err
	}
	a.index = idx

	a.state.Store(int32(archive.Initialised))
	logger.Info("pak: opened %s (version=%d, entries=%d)", filename, footer.Version, len(idx.Entries))
	return a, nil
}

func (a *Archive) State() archive.State { return archive.State(a.state.Load()) }

// Has reports whether the lower-cased path exists in the index.
func (a *Archive) Has(p string) bool {
	_, ok := a.index.Entries[normalize(p)]
	return ok
}

// Info returns metadata for path without decoding its content.
func (a *Archive) Info(p string) (*archive.EntryInfo, bool) {
	e, ok := a.index.Entries[normalize(p)]
	if !ok {
		return nil, false
	}
	return &archive.EntryInfo{
		Path:             e.DisplayPath,
		Size:             e.UncompressedSize,
		StoredSize:       e.StoredSize,
		CompressionName:  e.CompressionMethod,
		Encrypted:        e.Encrypted,
		CompressionBlock: len(e.Blocks),
	}, true
}

// List returns metadata for every entry whose filename matches glob
// (case-insensitive; '*' = any run, '?' = single char).
func (a *Archive) List(glob string) []archive.EntryInfo {
	var out []archive.EntryInfo
	lowerGlob := strings.ToLower(glob)
	for _, key := range a.index.Order {
		if matchGlob(lowerGlob, key) {
			e := a.index.Entries[key]
			out = append(out, archive.EntryInfo{
				Path:             e.DisplayPath,
				Size:             e.UncompressedSize,
				StoredSize:       e.StoredSize,
				CompressionName:  e.CompressionMethod,
				Encrypted:        e.Encrypted,
				CompressionBlock: len(e.Blocks),
			})
		}
	}
	return out
}

// Get extracts and decodes path's bytes, or returns (nil, nil) if absent.
func (a *Archive) Get(p string) ([]byte, error) {
	if archive.State(a.state.Load()) != archive.Initialised {
		return nil, archive.ErrNotInitialised
	}
	e, ok := a.index.Entries[normalize(p)]
	if !ok {
		return nil, nil
	}
	return a.extract(e)
}

func (a *Archive) extract(e *Entry) ([]byte, error) {
	const op = "pak.extract"

	if int(e.Offset+e.StoredSize) > len(a.data) {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("entry range exceeds file size")).WithPath(e.DisplayPath)
	}
	raw := append([]byte(nil), a.data[e.Offset:e.Offset+e.StoredSize]...)

	if e.Encrypted {
		if e.StoredSize%16 != 0 {
			return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("stored_size %d not block-aligned", e.StoredSize)).WithPath(e.DisplayPath)
		}
		if a.keys == nil {
			return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("no key for %s", a.footer.KeyGUID)).WithPath(e.DisplayPath)
		}
		key, ok := a.keys.Get(a.footer.KeyGUID)
		if !ok {
			return nil, pakerr.New(pakerr.Decryption, op, fmt.Errorf("no key for %s", a.footer.KeyGUID)).WithPath(e.DisplayPath)
		}
		if err := cryptutil.DecryptECB(raw, key); err != nil {
			return nil, pakerr.New(pakerr.Decryption, op, err).WithPath(e.DisplayPath)
		}
	}

	if len(e.Blocks) == 0 {
		if e.CompressionMethod == "none" {
			return raw, nil
		}
		out, err := a.compressor.Decode(e.CompressionMethod, raw, int(e.UncompressedSize))
		if err != nil {
			return nil, pakerr.New(pakerr.Compression, op, err).WithPath(e.DisplayPath)
		}
		if uint64(len(out)) != e.UncompressedSize {
			logger.Warn("pak: %s decoded to %d bytes, expected %d", e.DisplayPath, len(out), e.UncompressedSize)
		}
		return out, nil
	}

	out := make([]byte, e.UncompressedSize)
	for i, b := range e.Blocks {
		if b.CompressedEnd > uint64(len(raw)) || b.CompressedStart > b.CompressedEnd {
			return nil, pakerr.New(pakerr.Compression, op, fmt.Errorf("block %d has invalid compressed span", i)).WithPath(e.DisplayPath)
		}
		chunk := raw[b.CompressedStart:b.CompressedEnd]
		uLen := int(b.UncompressedEnd - b.UncompressedStart)
		decoded, err := a.compressor.Decode(e.CompressionMethod, chunk, uLen)
		if err != nil {
			return nil, pakerr.New(pakerr.Compression, op, fmt.Errorf("block %d: %w", i, err)).WithPath(e.DisplayPath)
		}
		if len(decoded) != uLen {
			return nil, pakerr.New(pakerr.Compression, op, fmt.Errorf("block %d decoded to %d bytes, expected %d", i, len(decoded), uLen)).WithPath(e.DisplayPath)
		}
		copy(out[b.UncompressedStart:b.UncompressedEnd], decoded)
	}
	return out, nil
}

// Close unmaps the file and releases its handle. Idempotent.
func (a *Archive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.state.Store(int32(archive.Closing))
		if a.data != nil {
			if unmapErr := unix.Munmap(a.data); unmapErr != nil {
				err = pakerr.New(pakerr.Io, "pak.Close", unmapErr).WithPath(a.filename)
			}
			a.data = nil
		}
		if a.file != nil {
			a.file.Close()
		}
		a.index = nil
		a.state.Store(int32(archive.Closed))
	})
	return err
}

// VerifyIndexSHA1 recomputes the SHA1 of the (decrypted) index bytes and
// compares it against the footer's recorded hash, the round-trip check
// spec.md's PakFooter invariant calls for.
func (a *Archive) VerifyIndexSHA1(decryptedIndex []byte) bool {
	sum := sha1.Sum(decryptedIndex)
	return sum == a.footer.IndexSHA1
}

func normalize(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
}

func matchGlob(glob, name string) bool {
	return globMatch(glob, strings.ToLower(name))
}

// globMatch is a minimal '*'/'?' matcher (case-insensitive by convention
// of its caller), avoiding a regexp dependency for the simple filename
// globs the spec calls for.
func globMatch(pattern, s string) bool {
	return globMatchRec([]rune(pattern), []rune(s))
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
