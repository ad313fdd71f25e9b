package leafdb

import "fmt"

// FileMeta carries whatever file metadata the engine actually needs —
// just the current length, used to tell a freshly created file from an
// existing one at Open time.
type FileMeta struct {
	Len int64
}

// File is the engine's only view of a writable backing store: seek, read,
// write, flush/sync, grow, and advisory-lock. Modeled directly on
// original_source's fs::DbFile/FileExt trait split (§6.2, §9 "Dynamic
// dispatch... must be preserved as a capability set injected at open time").
type File interface {
	Seek(offset int64, whence int) (int64, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	LockExclusive() error
	Unlock() error
	Allocate(newSize int64) error
	Metadata() (FileMeta, error)
	SyncAll() error

	// Size and Addr describe the file for MemoryMap adapters; Addr is a
	// stub (0) for backing stores that are not address-mapped.
	Size() int
	Addr() uintptr
}

// OpenOption is the builder capability for turning a PathLike into a File
// (§6.2). Each setter returns the receiver so calls chain the way the
// Rust OpenOption trait's do.
type OpenOption interface {
	Read(read bool) OpenOption
	Write(write bool) OpenOption
	Create(create bool) OpenOption
	Open(path PathLike) (File, error)
}

// PathLike is the minimal capability the engine needs from a path: does it
// already exist, and a display form for error messages. Open decides
// whether to seed the four initial pages from the opened file's length,
// not from Exists.
type PathLike interface {
	fmt.Stringer
	Exists() bool
}

// MemoryMap produces a PageIndex view over an open File. Map must be
// idempotent: remapping the same File after growth returns an equally
// valid view (§6.2).
type MemoryMap interface {
	Map(f File) (PageIndex, error)
}

// PageIndex is the hot page-access path: given a page id, the configured
// page size, and a page count, return count*pageSize bytes starting at
// that page. Callers first ask for a single page to read the header, then
// re-ask with the full span once they know the overflow count (§4.2).
type PageIndex interface {
	Index(id PageID, pageSize int, pages int) []byte
}
