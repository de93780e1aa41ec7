// Package archive defines the capability set shared by the PAK and
// IoStore container readers, plus the lifecycle state machine both must
// honour. Containers are polymorphic over {Pak, IoStore}; rather than an
// inheritance chain (out of scope — see spec.md §9 on asset-export
// hierarchies belonging to the upper layer), the core exposes one small
// interface both concrete readers satisfy.
package archive

import "pakvfs/pakerr"

// EntryInfo is the read-only metadata view of one logical file inside a
// container, returned from Info/List without decoding its content.
type EntryInfo struct {
	Path             string
	Size             uint64 // uncompressed size
	StoredSize       uint64
	CompressionName  string
	Encrypted        bool
	CompressionBlock int // number of compression blocks, 0 if single-chunk
}

// Archive is the capability set every container reader exposes to the
// VFS: existence checks, byte retrieval, metadata, globbing, and close.
//
// Get returns (nil, nil) for a missing path — archives never use an error
// to report "not found" (spec.md §7: "Err on direct archive lookup is
// avoided").
type Archive interface {
	Has(path string) bool
	Get(path string) ([]byte, error)
	Info(path string) (*EntryInfo, bool)
	List(glob string) []EntryInfo
	Close() error
}

// State is a container's lifecycle stage.
type State int32

const (
	Uninitialised State = iota
	Opening
	Initialised
	Failed
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case Opening:
		return "opening"
	case Initialised:
		return "initialised"
	case Failed:
		return "failed"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotInitialised is returned by Extract-like operations attempted
// outside the Initialised state.
var ErrNotInitialised = pakerr.New(pakerr.Corrupt, "archive.state", errNotInitialisedMsg{})

type errNotInitialisedMsg struct{}

func (errNotInitialisedMsg) Error() string { return "archive is not initialised" }
