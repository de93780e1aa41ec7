// Package pakerr defines the error taxonomy shared by the container
// readers, the extraction pipeline, and the VFS.
//
// Every fallible operation returns (or wraps) an *Error carrying a Kind so
// callers can branch with errors.Is/errors.As instead of parsing message
// strings, while the Op/Err fields keep the usual fmt.Errorf %w trail for
// human-readable diagnostics.
package pakerr

import (
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Io covers file open/read failures, including short reads.
	Io Kind = iota
	// Corrupt covers bad magic, size mismatches, overlapping blocks, and
	// truncated indexes.
	Corrupt
	// UnsupportedVersion covers PAK versions outside the known range.
	UnsupportedVersion
	// UnsupportedFormat covers unknown compression methods with no
	// plug-in, or encrypted indexes the version can't support.
	UnsupportedFormat
	// InvalidKey covers AES keys of the wrong length at registration.
	InvalidKey
	// Decryption covers missing keys, ECB misalignment, and sanity
	// failures after decrypt.
	Decryption
	// Compression covers decoder failures, size mismatches, and unknown
	// methods during decode.
	Compression
	// NotFound covers missing entries/mounts. Container readers avoid
	// returning this as an error for plain lookups; it mainly appears
	// wrapped from lower layers that had no better Kind to report.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Corrupt:
		return "corrupt"
	case UnsupportedVersion:
		return "unsupported_version"
	case UnsupportedFormat:
		return "unsupported_format"
	case InvalidKey:
		return "invalid_key"
	case Decryption:
		return "decryption"
	case Compression:
		return "compression"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "pak.Open", "iostore.extract"
	Path string // logical path or file path involved, if any
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a Kind sentinel matching e's Kind, so
// callers can write errors.Is(err, pakerr.ErrDecryption) (see the
// kindSentinel wrapper below).
func (e *Error) Is(target error) bool {
	if k, ok := target.(kindSentinel); ok {
		return e.Kind == Kind(k)
	}
	return false
}

// kindSentinel lets bare Kind values act as errors.Is targets.
type kindSentinel Kind

func (k kindSentinel) Error() string { return Kind(k).String() }

// sentinels so callers can write errors.Is(err, pakerr.ErrDecryption) etc.
var (
	ErrIo                 error = kindSentinel(Io)
	ErrCorrupt            error = kindSentinel(Corrupt)
	ErrUnsupportedVersion error = kindSentinel(UnsupportedVersion)
	ErrUnsupportedFormat  error = kindSentinel(UnsupportedFormat)
	ErrInvalidKey         error = kindSentinel(InvalidKey)
	ErrDecryption         error = kindSentinel(Decryption)
	ErrCompression        error = kindSentinel(Compression)
	ErrNotFound           error = kindSentinel(NotFound)
)

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPath attaches a path to an *Error for easier diagnosis, returning a
// copy so the original is never mutated out from under a shared value.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}
