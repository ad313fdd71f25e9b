package leafdb

import (
	"fmt"
	"io"
	"sync"
)

// memRegistry is the process-wide table of named in-memory files, the
// direct analogue of original_source's fs::memfile::FILE_S
// (lazy_static! Mutex<HashMap<String, MemoryFile>>) — it lets the engine
// run with no operating-system filesystem at all, keyed by path string.
var memRegistry = struct {
	mu    sync.Mutex
	files map[string]*memFile
}{files: make(map[string]*memFile)}

type memFile struct {
	mu     sync.Mutex
	name   string
	pos    int64
	data   []byte
	locked bool
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var np int64
	switch whence {
	case io.SeekStart:
		np = offset
	case io.SeekCurrent:
		np = m.pos + offset
	case io.SeekEnd:
		np = int64(len(m.data)) + offset
	default:
		return 0, fmt.Errorf("leafdb: memfile: invalid whence %d", whence)
	}
	if np < 0 {
		return 0, fmt.Errorf("leafdb: memfile: negative seek position")
	}
	m.pos = np
	return np, nil
}

func (m *memFile) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[m.pos:end], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) LockExclusive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return fmt.Errorf("leafdb: memfile %s already locked", m.name)
	}
	m.locked = true
	return nil
}

func (m *memFile) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	return nil
}

func (m *memFile) Allocate(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newSize <= int64(len(m.data)) {
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *memFile) Metadata() (FileMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FileMeta{Len: int64(len(m.data))}, nil
}

func (m *memFile) SyncAll() error { return nil }
func (m *memFile) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
func (m *memFile) Addr() uintptr { return 0 }

// memPath is the PathLike for in-memory files: existence is membership in
// memRegistry, matching original_source's `impl PathLike for &str`
// checking FILE_S.
type memPath string

// NewMemPath wraps a registry key as a PathLike backed by memRegistry.
func NewMemPath(name string) PathLike { return memPath(name) }

func (p memPath) String() string { return string(p) }
func (p memPath) Exists() bool {
	memRegistry.mu.Lock()
	defer memRegistry.mu.Unlock()
	_, ok := memRegistry.files[string(p)]
	return ok
}

type memOpenOption struct {
	read, write, create bool
}

// NewMemOpenOption returns the in-memory-registry OpenOption builder, the
// host-OS-free counterpart to NewOSOpenOption.
func NewMemOpenOption() OpenOption { return &memOpenOption{} }

func (o *memOpenOption) Read(v bool) OpenOption   { o.read = v; return o }
func (o *memOpenOption) Write(v bool) OpenOption  { o.write = v; return o }
func (o *memOpenOption) Create(v bool) OpenOption { o.create = v; return o }

func (o *memOpenOption) Open(path PathLike) (File, error) {
	name := path.String()
	memRegistry.mu.Lock()
	defer memRegistry.mu.Unlock()
	f, ok := memRegistry.files[name]
	if !ok {
		if !o.create {
			return nil, fmt.Errorf("leafdb: memfile %s does not exist", name)
		}
		f = &memFile{name: name}
		memRegistry.files[name] = f
	}
	return f, nil
}

// memMemoryMap maps directly onto a memFile's backing slice: no copy, no
// syscall, the in-memory equivalent of mmap's shared view.
type memMemoryMap struct{}

// NewMemMemoryMap returns the in-memory MemoryMap adapter.
func NewMemMemoryMap() MemoryMap { return memMemoryMap{} }

func (memMemoryMap) Map(f File) (PageIndex, error) {
	mf, ok := f.(*memFile)
	if !ok {
		return nil, fmt.Errorf("leafdb: memMemoryMap.Map: not a memfile")
	}
	return &memPageIndex{f: mf}, nil
}

type memPageIndex struct {
	f *memFile
}

func (p *memPageIndex) Index(id PageID, pageSize int, pages int) []byte {
	if pages <= 0 {
		pages = 1
	}
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	start := int(id) * pageSize
	end := start + pageSize*pages
	if end > len(p.f.data) {
		end = len(p.f.data)
	}
	if start > end {
		return nil
	}
	return p.f.data[start:end]
}
