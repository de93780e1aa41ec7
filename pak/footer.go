package pak

import (
	"fmt"

	"pakvfs/binreader"
	"pakvfs/logger"
	"pakvfs/pakerr"
)

// Magic identifies a PAK footer.
const Magic uint32 = 0x5A6F12E1

// footerCoreSize is the fixed-position tail every PAK version shares:
// Magic(4) + Version(4) + IndexOffset(8) + IndexSize(8) + IndexHash(20).
const footerCoreSize = 44

// guidBlockSize is EncryptionKeyGuid(16) + bEncryptedIndex(1), present for
// version >= 7 and located immediately before the core (and before the
// frozen-index byte, if any).
const guidBlockSize = 17

// compressionTableSize is 5 NUL-terminated 32-byte ASCII method names,
// present for version >= 8 and located before the GUID block.
const compressionTableSize = 5 * 32

const (
	versionEncryptionKeyGuid       = 7
	versionFNameBasedCompression   = 8
	versionFrozenIndex             = 9
	minSupportedVersion            = 1
	maxSupportedVersion            = 9
)

// Footer holds the parsed trailer of a PAK container.
type Footer struct {
	KeyGUID             string
	EncryptedIndex      bool
	Magic               uint32
	Version             uint32
	IndexOffset         uint64
	IndexSize           uint64
	IndexSHA1           [20]byte
	FrozenIndex         bool
	CompressionMethods  []string // index 0 is implicitly "none"
}

// ReadFooter parses the trailer of a PAK file whose full contents are in
// data. It reads the fixed 44-byte core first (it is always the last 44
// bytes of the file), then walks backward through the optional
// frozen-index byte, GUID block, and compression-method table depending on
// the version it finds — mirroring how real PAK readers must bootstrap
// from a position-independent layout.
func ReadFooter(data []byte) (*Footer, error) {
	const op = "pak.ReadFooter"
	size := len(data)
	if size < footerCoreSize {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("file too small (%d bytes) for footer", size))
	}

	core := binreader.New(data[size-footerCoreSize:])
	magic, err := core.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	if magic != Magic {
		return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("bad magic 0x%08X", magic))
	}
	version, err := core.ReadU32()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	if version < minSupportedVersion || version > maxSupportedVersion {
		return nil, pakerr.New(pakerr.UnsupportedVersion, op, fmt.Errorf("version %d", version))
	}
	indexOffset, err := core.ReadU64()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	indexSize, err := core.ReadU64()
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}
	hashBytes, err := core.ReadBytes(20)
	if err != nil {
		return nil, pakerr.New(pakerr.Io, op, err)
	}

	f := &Footer{
		Magic:       magic,
		Version:     version,
		IndexOffset: indexOffset,
		IndexSize:   indexSize,
	}
	copy(f.IndexSHA1[:], hashBytes)

	cursor := size - footerCoreSize // walk backward from here

	if version >= versionFrozenIndex {
		if cursor < 1 {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("truncated before frozen-index flag"))
		}
		f.FrozenIndex = data[cursor-1] != 0
		cursor--
	}

	if version >= versionEncryptionKeyGuid {
		if cursor < guidBlockSize {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("truncated before GUID block"))
		}
		gr := binreader.New(data[cursor-guidBlockSize : cursor])
		guid, err := gr.ReadGUID()
		if err != nil {
			return nil, pakerr.New(pakerr.Io, op, err)
		}
		flag, err := gr.ReadU8()
		if err != nil {
			return nil, pakerr.New(pakerr.Io, op, err)
		}
		f.KeyGUID = guid
		f.EncryptedIndex = flag != 0
		cursor -= guidBlockSize
	}

	if version >= versionFNameBasedCompression {
		if cursor < compressionTableSize {
			return nil, pakerr.New(pakerr.Corrupt, op, fmt.Errorf("truncated before compression table"))
		}
		tr := binreader.New(data[cursor-compressionTableSize : cursor])
		methods := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			raw, err := tr.ReadBytes(32)
			if err != nil {
				return nil, pakerr.New(pakerr.Io, op, err)
			}
			name := trimNulASCII(raw)
			methods = append(methods, name)
		}
		f.CompressionMethods = methods
		cursor -= compressionTableSize
	}

	logger.TraceIf("pak", "parsed footer: version=%d indexOffset=%d indexSize=%d encryptedIndex=%v",
		f.Version, f.IndexOffset, f.IndexSize, f.EncryptedIndex)

	return f, nil
}

func trimNulASCII(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// legacyCompressionMethods maps the pre-v8 numeric compression ids.
var legacyCompressionMethods = map[uint32]string{
	0: "none",
	1: "zlib",
	2: "gzip",
	8: "oodle",
}

// ResolveCompressionMethod resolves a per-entry compression identifier.
// For v<8 PAKs, id is the legacy numeric code. For v>=8, id indexes into
// the footer's CompressionMethods table (parsed literally, per spec.md's
// open question: index 1 is not hard-coded to "zlib").
func (f *Footer) ResolveCompressionMethod(id uint32) (string, error) {
	if f.Version >= versionFNameBasedCompression {
		if id == 0 {
			return "none", nil
		}
		idx := int(id) - 1
		if idx < 0 || idx >= len(f.CompressionMethods) || f.CompressionMethods[idx] == "" {
			return "", pakerr.New(pakerr.UnsupportedFormat, "pak.ResolveCompressionMethod",
				fmt.Errorf("compression method index %d not present in footer table", id))
		}
		return f.CompressionMethods[idx], nil
	}
	name, ok := legacyCompressionMethods[id]
	if !ok {
		return "", pakerr.New(pakerr.UnsupportedFormat, "pak.ResolveCompressionMethod",
			fmt.Errorf("unknown legacy compression id %d", id))
	}
	return name, nil
}
