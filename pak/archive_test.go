package pak

import (
	"bytes"
	"compress/flate"
	"crypto/aes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"pakvfs/keyring"
	"pakvfs/pakerr"
)

// --- fixture builder -------------------------------------------------
//
// These helpers only exist to synthesize valid .pak byte streams for
// tests; they are not part of the library's public surface (writing
// archives is an explicit non-goal).

type fixtureEntry struct {
	name       string
	payload    []byte // plaintext, uncompressed
	method     string // "none" or "zlib"
	encrypted  bool
	key        []byte
	blockSize  uint32
}

func leU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
func leU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func lengthPrefixedString(s string) []byte {
	var out []byte
	out = append(out, leU32(uint32(len(s)+1))...)
	out = append(out, []byte(s)...)
	out = append(out, 0)
	return out
}

func rawDeflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func aesEncryptECB(t *testing.T, data, key []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += 16 {
		block.Encrypt(out[off:off+16], data[off:off+16])
	}
	return out
}

func padTo16(data []byte) []byte {
	if len(data)%16 == 0 {
		return data
	}
	return append(data, make([]byte, 16-len(data)%16)...)
}

// buildPakV3 builds an unencrypted-index v3 PAK. entries may individually
// be encrypted (test scenario 3 layers encrypted entries on a v7 footer
// instead; see buildPakV7Encrypted).
func buildPakV3(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()
	var file bytes.Buffer

	type built struct {
		name             string
		offset           uint64
		storedSize       uint64
		uncompressedSize uint64
		method           string
		encrypted        bool
		blocks           [][2]uint64 // compressed start/end
		blockSize        uint32
	}
	var builts []built

	for _, e := range entries {
		offset := uint64(file.Len())
		var stored []byte
		var blocks [][2]uint64
		switch e.method {
		case "", "none":
			stored = append([]byte(nil), e.payload...)
		case "zlib":
			if e.blockSize > 0 && uint64(len(e.payload)) > uint64(e.blockSize) {
				// Split the payload at CompressionBlockSize boundaries and
				// deflate each chunk independently, the same way a
				// multi-block entry lays out on disk (pak/index.go derives
				// each block's uncompressed span from this same blockSize).
				var compressedAll bytes.Buffer
				var cStart uint64
				for start := 0; start < len(e.payload); start += int(e.blockSize) {
					end := start + int(e.blockSize)
					if end > len(e.payload) {
						end = len(e.payload)
					}
					chunk := rawDeflate(t, e.payload[start:end])
					cEnd := cStart + uint64(len(chunk))
					blocks = append(blocks, [2]uint64{cStart, cEnd})
					compressedAll.Write(chunk)
					cStart = cEnd
				}
				stored = compressedAll.Bytes()
			} else {
				compressed := rawDeflate(t, e.payload)
				stored = compressed
				blocks = [][2]uint64{{0, uint64(len(compressed))}}
			}
		}
		if e.encrypted {
			stored = aesEncryptECB(t, padTo16(append([]byte(nil), stored...)), e.key)
		}
		file.Write(stored)

		builts = append(builts, built{
			name:             e.name,
			offset:           offset,
			storedSize:       uint64(len(stored)),
			uncompressedSize: uint64(len(e.payload)),
			method:           e.method,
			encrypted:        e.encrypted,
			blocks:           blocks,
			blockSize:        e.blockSize,
		})
	}

	indexOffset := uint64(file.Len())
	var index bytes.Buffer
	index.Write(lengthPrefixedString("../../../"))
	index.Write(leU32(uint32(len(builts))))
	for _, b := range builts {
		index.Write(lengthPrefixedString(b.name))
		index.Write(leU64(b.offset))
		index.Write(leU64(b.storedSize))
		index.Write(leU64(b.uncompressedSize))
		methodIdx := uint32(0)
		if b.method == "zlib" {
			methodIdx = 1
		}
		index.Write(leU32(methodIdx))
		h := sha1.Sum(nil)
		index.Write(h[:])
		if methodIdx != 0 {
			index.Write(leU32(uint32(len(b.blocks))))
			for _, bl := range b.blocks {
				index.Write(leU64(bl[0]))
				index.Write(leU64(bl[1]))
			}
		}
		if b.encrypted {
			index.Write([]byte{1})
		} else {
			index.Write([]byte{0})
		}
		bs := b.blockSize
		if bs == 0 {
			bs = 65536
		}
		index.Write(leU32(bs))
	}
	indexBytes := index.Bytes()
	indexSize := uint64(len(indexBytes))
	file.Write(indexBytes)

	indexHash := sha1.Sum(indexBytes)

	// 44-byte core footer.
	file.Write(leU32(Magic))
	file.Write(leU32(3))
	file.Write(leU64(indexOffset))
	file.Write(leU64(indexSize))
	file.Write(indexHash[:])

	return file.Bytes()
}

// buildPakV7Encrypted builds a v7 PAK whose index is AES-ECB encrypted,
// keyed by guid/key, containing one (optionally encrypted) entry.
func buildPakV7Encrypted(t *testing.T, guid string, key []byte, entry fixtureEntry) []byte {
	t.Helper()
	var file bytes.Buffer

	offset := uint64(0)
	stored := append([]byte(nil), entry.payload...)
	if entry.encrypted {
		stored = aesEncryptECB(t, padTo16(append([]byte(nil), stored...)), key)
	}
	file.Write(stored)

	var index bytes.Buffer
	index.Write(lengthPrefixedString("../../../"))
	index.Write(leU32(1))
	index.Write(lengthPrefixedString(entry.name))
	index.Write(leU64(offset))
	index.Write(leU64(uint64(len(stored))))
	index.Write(leU64(uint64(len(entry.payload))))
	index.Write(leU32(0)) // method = none
	h := sha1.Sum(nil)
	index.Write(h[:])
	if entry.encrypted {
		index.Write([]byte{1})
	} else {
		index.Write([]byte{0})
	}
	index.Write(leU32(65536))

	indexPlain := index.Bytes()
	indexPlainPadded := padTo16(append([]byte(nil), indexPlain...))
	indexHash := sha1.Sum(indexPlainPadded)
	indexEncrypted := aesEncryptECB(t, indexPlainPadded, key)

	indexOffset := uint64(file.Len())
	file.Write(indexEncrypted)
	indexSize := uint64(len(indexEncrypted))

	// GUID block (17 bytes): GUID(16) + encrypted-index flag(1), then the
	// 44-byte core.
	guidBytes := guidToBytes(guid)
	file.Write(guidBytes)
	file.Write([]byte{1}) // encrypted index
	file.Write(leU32(Magic))
	file.Write(leU32(7))
	file.Write(leU64(indexOffset))
	file.Write(leU64(indexSize))
	file.Write(indexHash[:])

	return file.Bytes()
}

// guidToBytes inverts binreader.ReadGUID's layout for test fixtures.
func guidToBytes(guid string) []byte {
	// guid is "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX"
	hexOf := func(s string) []byte {
		b := make([]byte, len(s)/2)
		for i := 0; i < len(b); i++ {
			var v int
			for _, c := range s[i*2 : i*2+2] {
				v <<= 4
				switch {
				case c >= '0' && c <= '9':
					v |= int(c - '0')
				case c >= 'A' && c <= 'F':
					v |= int(c-'A') + 10
				case c >= 'a' && c <= 'f':
					v |= int(c-'a') + 10
				}
			}
			b[i] = byte(v)
		}
		return b
	}
	parts := []string{guid[0:8], guid[9:13], guid[14:18], guid[19:23], guid[24:36]}
	a := hexOf(parts[0])
	b := hexOf(parts[1])
	c := hexOf(parts[2])
	d := hexOf(parts[3])
	e := hexOf(parts[4])

	out := make([]byte, 16)
	// ReadGUID: group0 little-endian u32, group1 little-endian u16, group2 little-endian u16, group3 big-endian u16, group4 raw 6 bytes.
	copy(out[0:4], reverse(a))
	copy(out[4:6], reverse(b))
	copy(out[6:8], reverse(c))
	copy(out[8:10], d)
	copy(out[10:16], e)
	return out
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "test.pak")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// --- scenario tests ----------------------------------------------------

func TestScenario1_PlainUnencryptedPak(t *testing.T) {
	data := buildPakV3(t, []fixtureEntry{
		{name: "a.txt", payload: []byte("hello"), method: "none"},
		{name: "b.bin", payload: make([]byte, 4096), method: "none"},
		{name: "c.dat", payload: bytes.Repeat([]byte{0xAB}, 256), method: "none"},
	})
	p := writeTempFile(t, data)

	a, err := Open(p, keyring.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	got, err := a.Get("a.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Get(a.txt) = %q, %v", got, err)
	}

	list := a.List("*.bin")
	if len(list) != 1 || list[0].Path != "b.bin" || list[0].Size != 4096 {
		t.Fatalf("List(*.bin) = %+v", list)
	}

	missing, err := a.Get("missing")
	if err != nil || missing != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestScenario2_ZlibCompressedEntry(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 10000)
	data := buildPakV3(t, []fixtureEntry{
		{name: "big.txt", payload: payload, method: "zlib"},
	})
	p := writeTempFile(t, data)

	a, err := Open(p, keyring.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	got, err := a.Get("big.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("decoded mismatch: got %d bytes want %d", len(got), len(payload))
	}

	info, ok := a.Info("big.txt")
	if !ok || info.CompressionName != "zlib" {
		t.Fatalf("Info = %+v, %v", info, ok)
	}
}

func TestScenario2b_MultiBlockZlibEntry(t *testing.T) {
	// One entry spanning 6 compression blocks, the last one short, to
	// exercise pak.Archive.extract's multi-block decode loop (the
	// single-block path is already covered by TestScenario2).
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)
	const blockSize = 4096
	data := buildPakV3(t, []fixtureEntry{
		{name: "multi.bin", payload: payload, method: "zlib", blockSize: blockSize},
	})
	p := writeTempFile(t, data)

	a, err := Open(p, keyring.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	info, ok := a.Info("multi.bin")
	if !ok {
		t.Fatal("Info(multi.bin) not found")
	}
	if info.CompressionBlock < 2 {
		t.Fatalf("fixture only produced %d block(s); want >= 2 to exercise the multi-block path", info.CompressionBlock)
	}

	got, err := a.Get("multi.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("decoded mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestScenario3_EncryptedIndexAndFile(t *testing.T) {
	guid := "12345678-1234-1234-1234-123456789ABC"
	key := make([]byte, 32)
	plaintext := bytes.Repeat([]byte{0x5A}, 32)

	data := buildPakV7Encrypted(t, guid, key, fixtureEntry{
		// Chosen so the plaintext index body lands on a 16-byte boundary
		// with no padding: this fixture builder doesn't model the
		// trailing-pad tolerance a real index parser would need.
		name:      "test",
		payload:   plaintext,
		method:    "none",
		encrypted: true,
		key:       key,
	})
	p := writeTempFile(t, data)

	// Without the key: open should fail to decrypt the index.
	_, err := Open(p, keyring.New())
	if err == nil {
		t.Fatal("expected Open to fail without the key")
	}
	if perr, ok := err.(*pakerr.Error); !ok || perr.Kind != pakerr.Decryption {
		t.Fatalf("expected Decryption error, got %v", err)
	}

	// With the key registered: open and extract succeed.
	keys := keyring.New()
	if err := keys.Add(guid, key); err != nil {
		t.Fatal(err)
	}
	a, err := Open(p, keys)
	if err != nil {
		t.Fatalf("Open with key: %v", err)
	}
	defer a.Close()

	got, err := a.Get("test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted mismatch: got %x want %x", got, plaintext)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	data := buildPakV3(t, []fixtureEntry{{name: "a.txt", payload: []byte("x"), method: "none"}})
	p := writeTempFile(t, data)
	a, err := Open(p, keyring.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}
