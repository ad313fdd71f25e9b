package leafdb

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// osPath is the real-filesystem PathLike.
type osPath string

// NewOSPath wraps a filesystem path as a PathLike.
func NewOSPath(path string) PathLike { return osPath(path) }

func (p osPath) String() string { return string(p) }
func (p osPath) Exists() bool {
	_, err := os.Stat(string(p))
	return err == nil
}

// osFile adapts *os.File to the File capability set.
type osFile struct {
	f *os.File
}

func (o *osFile) Seek(offset int64, whence int) (int64, error) { return o.f.Seek(offset, whence) }
func (o *osFile) Read(p []byte) (int, error)                   { return o.f.Read(p) }
func (o *osFile) Write(p []byte) (int, error)                  { return o.f.Write(p) }

func (o *osFile) LockExclusive() error {
	return unix.Flock(int(o.f.Fd()), unix.LOCK_EX)
}

func (o *osFile) Unlock() error {
	return unix.Flock(int(o.f.Fd()), unix.LOCK_UN)
}

// Allocate extends the file to newSize, zero-filling the new region via a
// sparse truncate (matching the portable behavior FileExt::allocate asks
// for in original_source).
func (o *osFile) Allocate(newSize int64) error {
	return o.f.Truncate(newSize)
}

func (o *osFile) Metadata() (FileMeta, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return FileMeta{}, err
	}
	return FileMeta{Len: fi.Size()}, nil
}

func (o *osFile) SyncAll() error {
	return fdatasync(o.f)
}

func (o *osFile) Size() int {
	fi, err := o.f.Stat()
	if err != nil {
		return 0
	}
	return int(fi.Size())
}

func (o *osFile) Addr() uintptr { return 0 }

// Close closes the underlying os.File; DB.Close calls it after unlocking.
func (o *osFile) Close() error { return o.f.Close() }

// osOpenOption builds a real os.File via the File capability set.
type osOpenOption struct {
	read, write, create bool
}

// NewOSOpenOption returns the real-filesystem OpenOption builder.
func NewOSOpenOption() OpenOption {
	return &osOpenOption{}
}

func (o *osOpenOption) Read(v bool) OpenOption   { o.read = v; return o }
func (o *osOpenOption) Write(v bool) OpenOption  { o.write = v; return o }
func (o *osOpenOption) Create(v bool) OpenOption { o.create = v; return o }

func (o *osOpenOption) Open(path PathLike) (File, error) {
	flag := 0
	if o.read && o.write {
		flag = os.O_RDWR
	} else if o.write {
		flag = os.O_WRONLY
	} else {
		flag = os.O_RDONLY
	}
	if o.create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path.String(), flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("leafdb: open %s: %w", path, err)
	}
	return &osFile{f: f}, nil
}

// osMemoryMap maps an osFile via github.com/edsrzf/mmap-go. Each call to
// Map produces a fresh *mmap.MMap covering the file's current length,
// satisfying the "idempotent on remap" contract of §6.2.
type osMemoryMap struct{}

// NewOSMemoryMap returns the real-file MemoryMap adapter.
func NewOSMemoryMap() MemoryMap { return osMemoryMap{} }

func (osMemoryMap) Map(f File) (PageIndex, error) {
	of, ok := f.(*osFile)
	if !ok {
		return nil, fmt.Errorf("leafdb: osMemoryMap.Map: not an os-backed file")
	}
	m, err := mmap.MapRegion(of.f, -1, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("leafdb: mmap: %w", err)
	}
	return &osPageIndex{m: m}, nil
}

type osPageIndex struct {
	m mmap.MMap
}

func (p *osPageIndex) Index(id PageID, pageSize int, pages int) []byte {
	if pages <= 0 {
		pages = 1
	}
	start := int(id) * pageSize
	end := start + pageSize*pages
	if end > len(p.m) {
		end = len(p.m)
	}
	return p.m[start:end]
}
