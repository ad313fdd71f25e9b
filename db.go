package leafdb

import (
	"fmt"
	"sync"
)

// Options is the DB-level configuration builder (§6.3/§6.4), the
// counterpart of original_source's db::OpenOptions — named Options here to
// avoid colliding with the OpenOption file-capability interface of §6.2,
// which shares that name in the spec this engine was distilled from.
type Options struct {
	PageSize uint32
	// NumPages sizes the physical preallocation of a freshly created file
	// (an optimization that avoids an early remap); it does not change the
	// logical page count a fresh database starts with, which is always the
	// four seed pages of §3.
	NumPages   uint64
	StrictMode bool
}

// DefaultOptions returns the documented defaults (§6.4, §9 global constants).
func DefaultOptions() Options {
	return Options{PageSize: defaultPageSize, NumPages: defaultNumPages, StrictMode: false}
}

// validate enforces the minimums original_source's db.rs panics on
// (test_open_options_min_pages, test_open_options_min_pagesize): a
// page_size below 1024 or a num_pages below 4 is never sound, so leafdb
// panics at Open time rather than returning a recoverable error (S5).
func (o Options) validate() {
	if o.PageSize != 0 && o.PageSize < minPageSize {
		panic(fmt.Sprintf("leafdb: page size %d below minimum %d", o.PageSize, minPageSize))
	}
	if o.NumPages != 0 && o.NumPages < minNumPages {
		panic(fmt.Sprintf("leafdb: num_pages %d below minimum %d", o.NumPages, minNumPages))
	}
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = defaultPageSize
	}
	if o.NumPages == 0 {
		o.NumPages = defaultNumPages
	}
	return o
}

// DB is the top-level handle (§4.8): it owns the file, the current page
// index, the freelist, and the open-reader registry.
type DB struct {
	file      File
	path      PathLike
	mm        MemoryMap
	pageSize  int
	strictMode bool

	remapMu sync.RWMutex
	pi      PageIndex
	mapSize int64

	metaMu sync.RWMutex
	meta   Meta

	freelistMu sync.Mutex
	freelist   *freelist

	writerMu sync.Mutex

	readersMu sync.Mutex
	readers   map[TxID]int
}

// Open opens or creates a database at path using the given capability set.
// A fresh (zero-length) file is seeded with the four pages described in
// §3; an existing file has its meta pages validated and the higher-tx_id
// one selected (panicking if neither is valid, per §4.8 and S4).
func Open(path PathLike, opener OpenOption, mm MemoryMap, opts Options) (*DB, error) {
	opts.validate()
	opts = opts.withDefaults()

	f, err := opener.Read(true).Write(true).Create(true).Open(path)
	if err != nil {
		return nil, err
	}
	if err := f.LockExclusive(); err != nil {
		return nil, fmt.Errorf("leafdb: lock %s: %w", path, err)
	}

	md, err := f.Metadata()
	if err != nil {
		return nil, err
	}

	db := &DB{
		file:       f,
		path:       path,
		mm:         mm,
		pageSize:   int(opts.PageSize),
		strictMode: opts.StrictMode,
		freelist:   newFreelist(),
		readers:    make(map[TxID]int),
	}

	if md.Len == 0 {
		if err := db.initFile(opts); err != nil {
			return nil, err
		}
	}

	if err := db.remap(); err != nil {
		return nil, err
	}

	m, err := db.openMeta()
	if err != nil {
		return nil, err
	}
	if int(m.PageSize) != db.pageSize {
		return nil, &InvalidDBError{Msg: fmt.Sprintf("page size mismatch: file has %d, opened with %d", m.PageSize, db.pageSize)}
	}
	db.meta = m

	flBuf := db.index(m.FreelistPage, 1)
	overflow := pageOverflow(flBuf)
	if overflow > 0 {
		flBuf = db.index(m.FreelistPage, overflow+1)
	}
	db.freelist.init(decodeFreelistPage(flBuf))

	return db, nil
}

// initFile writes the four seed pages described in §3: two meta pages
// (tx_id 0, pointing at the freelist and root pages below), an empty
// freelist page, and an empty root leaf. opts.NumPages only sizes the
// physical preallocation (an optimization that saves early remaps, §6.4);
// the logical Meta.NumPages that the freelist accounts against always
// starts at the real seed count (seedNumPages) so every page beyond the
// four seeded ones is a normal future allocation, not a page that exists
// on disk yet belongs to neither the free set nor the live tree.
func (db *DB) initFile(opts Options) error {
	pageSize := int(opts.PageSize)
	prealloc := opts.NumPages
	if prealloc < seedNumPages {
		prealloc = seedNumPages
	}

	if err := db.file.Allocate(int64(prealloc) * int64(pageSize)); err != nil {
		return err
	}

	m := Meta{
		Magic:        magicValue,
		Version:      version,
		PageSize:     opts.PageSize,
		Root:         BucketMeta{RootPage: seedRootPageID, NextInt: 0},
		FreelistPage: seedFreelistPageID,
		NumPages:     seedNumPages,
		TxID:         0,
	}

	buf0 := make([]byte, pageSize)
	m.MetaPage = 0
	writeMetaPage(buf0, metaPageID0, m)
	buf1 := make([]byte, pageSize)
	m.MetaPage = 1
	writeMetaPage(buf1, metaPageID1, m)

	flBuf := make([]byte, pageSize)
	encodeFreelistPage(flBuf, seedFreelistPageID, nil)

	rootBuf := make([]byte, pageSize)
	root := newLeafNode(nil)
	root.pageID = seedRootPageID
	root.encode(rootBuf)

	for _, w := range []struct {
		id  PageID
		buf []byte
	}{
		{metaPageID0, buf0},
		{metaPageID1, buf1},
		{seedFreelistPageID, flBuf},
		{seedRootPageID, rootBuf},
	} {
		if _, err := db.file.Seek(int64(w.id)*int64(pageSize), 0); err != nil {
			return err
		}
		if _, err := db.file.Write(w.buf); err != nil {
			return err
		}
	}
	return db.file.SyncAll()
}

// remap (re)maps the backing store, taking the remap lock exclusively
// (§4.2, §5 "Remap lock").
func (db *DB) remap() error {
	db.remapMu.Lock()
	defer db.remapMu.Unlock()
	pi, err := db.mm.Map(db.file)
	if err != nil {
		return err
	}
	db.pi = pi
	md, err := db.file.Metadata()
	if err != nil {
		return err
	}
	db.mapSize = md.Len
	return nil
}

// index is the hot page-access path, taking the remap lock shared.
func (db *DB) index(id PageID, pages int) []byte {
	db.remapMu.RLock()
	defer db.remapMu.RUnlock()
	return db.pi.Index(id, db.pageSize, pages)
}

// openMeta reads both meta pages and selects the valid one with the
// higher tx_id, panicking if neither validates (§4.8, original_source's
// "NO VALID META PAGES").
func (db *DB) openMeta() (Meta, error) {
	buf0 := db.index(metaPageID0, 1)
	buf1 := db.index(metaPageID1, 1)
	m0 := readMetaPage(buf0)
	m1 := readMetaPage(buf1)
	v0, v1 := m0.valid(), m1.valid()

	switch {
	case v0 && v1:
		if m0.TxID >= m1.TxID {
			return m0, nil
		}
		return m1, nil
	case v0:
		return m0, nil
	case v1:
		return m1, nil
	default:
		panic("leafdb: no valid meta pages")
	}
}

// growTo extends the file to hold numPages, remapping afterward. A no-op
// if the file is already large enough.
func (db *DB) growTo(numPages uint64) error {
	required := int64(numPages) * int64(db.pageSize)
	if required <= db.mapSize {
		return nil
	}
	newSize := db.mapSize * 2
	if newSize < required {
		newSize = required
	}
	if newSize < db.mapSize+minAllocSize {
		newSize = db.mapSize + minAllocSize
	}
	// round up to a page boundary
	newSize = (newSize + int64(db.pageSize) - 1) / int64(db.pageSize) * int64(db.pageSize)
	if newSize < required {
		newSize = required
	}

	if err := db.file.Allocate(newSize); err != nil {
		return err
	}
	return db.remap()
}

func (db *DB) flushDirty(dirty map[PageID][]byte) error {
	for id, buf := range dirty {
		if _, err := db.file.Seek(int64(id)*int64(db.pageSize), 0); err != nil {
			return err
		}
		if _, err := db.file.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// writeMeta writes m into the meta slot that is not the currently active
// one (§3 "writer targets the meta slot whose tx_id is lower").
func (db *DB) writeMeta(m Meta) error {
	db.metaMu.RLock()
	target := PageID(1 - db.meta.MetaPage)
	db.metaMu.RUnlock()

	m.MetaPage = uint32(target)
	buf := make([]byte, db.pageSize)
	writeMetaPage(buf, target, m)
	if _, err := db.file.Seek(int64(target)*int64(db.pageSize), 0); err != nil {
		return err
	}
	_, err := db.file.Write(buf)
	return err
}

func (db *DB) publish(m Meta) {
	db.metaMu.Lock()
	db.meta = m
	db.metaMu.Unlock()
}

func (db *DB) minOpenReaderTxID() TxID {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	var min TxID
	found := false
	for t, n := range db.readers {
		if n <= 0 {
			continue
		}
		if !found || t < min {
			min = t
			found = true
		}
	}
	if found {
		return min
	}
	db.metaMu.RLock()
	defer db.metaMu.RUnlock()
	return db.meta.TxID + 1
}

func (db *DB) reclaimFreelist() {
	min := db.minOpenReaderTxID()
	db.freelistMu.Lock()
	db.freelist.reclaim(min)
	db.freelistMu.Unlock()
}

func (db *DB) beginReadMeta() Meta {
	db.metaMu.RLock()
	m := db.meta
	db.metaMu.RUnlock()
	db.readersMu.Lock()
	db.readers[m.TxID]++
	db.readersMu.Unlock()
	return m
}

func (db *DB) endRead(txID TxID) {
	db.readersMu.Lock()
	db.readers[txID]--
	if db.readers[txID] <= 0 {
		delete(db.readers, txID)
	}
	db.readersMu.Unlock()
}

func (db *DB) endWrite() {
	db.writerMu.Unlock()
}

// Begin starts a transaction (§4.7). Writable transactions acquire the
// writer-exclusive mutex and hold it until Commit or Rollback; read-only
// transactions register in the open-reader list instead.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		db.writerMu.Lock()
		db.metaMu.RLock()
		m := db.meta
		db.metaMu.RUnlock()
		m.TxID = m.TxID + 1

		tx := &Tx{
			db:              db,
			writable:        true,
			meta:            m,
			dirty:           make(map[PageID][]byte),
			pendingNumPages: m.NumPages,
			strictCheck:     db.strictMode,
		}
		tx.root = openBucket(tx, m.Root, nil)
		return tx, nil
	}

	m := db.beginReadMeta()
	tx := &Tx{db: db, writable: false, meta: m, strictCheck: db.strictMode}
	tx.root = openBucket(tx, m.Root, nil)
	return tx, nil
}

// View runs fn in a read-only transaction, always ending the tx afterward.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Update runs fn in a writable transaction, committing when fn returns nil
// and rolling back when it returns an error.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close releases the file lock and closes the backing file.
func (db *DB) Close() error {
	if err := db.file.Unlock(); err != nil {
		return err
	}
	if c, ok := db.file.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
