// Package compress provides a pluggable decoder registry for the
// compression methods PAK and IoStore entries declare: none, zlib (raw
// DEFLATE), gzip, and a plug-in slot for oodle.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	kflate "github.com/klauspost/compress/flate"
	kgzip "github.com/klauspost/compress/gzip"

	"pakvfs/logger"
	"pakvfs/pakerr"
)

// Decoder decodes a compressed payload, given the caller's expected
// uncompressed size (used for pre-sizing the output buffer and for sanity
// checking, not as a hard limit enforced mid-stream).
type Decoder interface {
	Decode(input []byte, expectedSize int) ([]byte, error)
}

// DecoderFunc adapts a plain function to the Decoder interface.
type DecoderFunc func(input []byte, expectedSize int) ([]byte, error)

func (f DecoderFunc) Decode(input []byte, expectedSize int) ([]byte, error) {
	return f(input, expectedSize)
}

// Registry maps a compression method name (matched case-insensitively) to
// its Decoder. The zero value is not ready for use; construct with New.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// New returns a Registry pre-populated with the built-in methods.
func New() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register("none", DecoderFunc(decodeNone))
	r.Register("zlib", DecoderFunc(decodeZlib))
	r.Register("gzip", DecoderFunc(decodeGzip))
	r.Register("oodle", DecoderFunc(decodeOodleStub))
	return r
}

// Register adds or replaces the decoder for a method name.
func (r *Registry) Register(method string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[strings.ToLower(method)] = d
	logger.TraceIf("compress", "registered decoder for method %q", method)
}

// Decode looks up the decoder for method and runs it.
func (r *Registry) Decode(method string, input []byte, expectedSize int) ([]byte, error) {
	r.mu.RLock()
	d, ok := r.decoders[strings.ToLower(method)]
	r.mu.RUnlock()
	if !ok {
		return nil, pakerr.New(pakerr.Compression, "compress.Decode",
			fmt.Errorf("unknown compression method %q", method))
	}
	out, err := d.Decode(input, expectedSize)
	if err != nil {
		return nil, pakerr.New(pakerr.Compression, "compress.Decode", err)
	}
	return out, nil
}

// SupportedMethods returns the registered method names, for diagnostics.
func (r *Registry) SupportedMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.decoders))
	for m := range r.decoders {
		methods = append(methods, m)
	}
	return methods
}

func decodeNone(input []byte, expectedSize int) ([]byte, error) {
	return input, nil
}

func decodeZlib(input []byte, expectedSize int) ([]byte, error) {
	fr := kflate.NewReader(bytes.NewReader(input))
	defer fr.Close()
	return readAll(fr, expectedSize)
}

func decodeGzip(input []byte, expectedSize int) ([]byte, error) {
	gr, err := kgzip.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer gr.Close()
	return readAll(gr, expectedSize)
}

func decodeOodleStub(input []byte, expectedSize int) ([]byte, error) {
	return nil, fmt.Errorf("method=oodle reason=unsupported (no plug-in decoder registered)")
}

func readAll(r io.Reader, expectedSize int) ([]byte, error) {
	var buf bytes.Buffer
	if expectedSize > 0 {
		buf.Grow(expectedSize)
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if expectedSize > 0 && len(out) != expectedSize {
		logger.Warn("compress: decoded size %d does not match expected %d", len(out), expectedSize)
	}
	return out, nil
}
