package leafdb

import (
	"encoding/binary"
	"sort"
)

// freelistOverflowSentinel marks a freelist page whose true entry count
// does not fit the 16-bit header count field; the real count is then
// stored as the first 8 bytes of the body (§4.1/§9: "sentinel count==0xFFFF").
const freelistOverflowSentinel = 0xFFFF

// freelistBodySize returns the number of body bytes (excluding the page
// header) needed to encode n page ids, accounting for the sentinel form.
func freelistBodySize(n int) int {
	if n < freelistOverflowSentinel {
		return n * 8
	}
	return 8 + n*8
}

// encodeFreelistPage serializes ids (ascending) into buf, which must be at
// least pageHeaderSize+freelistBodySize(len(ids)) bytes. The overflow field
// of the header is left to the caller, which knows the page span it
// allocated.
func encodeFreelistPage(buf []byte, id PageID, ids []PageID) {
	setPageID(buf, id)
	setPageFlags(buf, pageTypeFreelist)
	body := buf[pageHeaderSize:]
	n := len(ids)
	if n < freelistOverflowSentinel {
		setPageCount(buf, n)
		for i, pid := range ids {
			binary.LittleEndian.PutUint64(body[i*8:i*8+8], uint64(pid))
		}
		return
	}
	setPageCount(buf, freelistOverflowSentinel)
	binary.LittleEndian.PutUint64(body[0:8], uint64(n))
	for i, pid := range ids {
		binary.LittleEndian.PutUint64(body[8+i*8:8+i*8+8], uint64(pid))
	}
}

// decodeFreelistPage reads back the ids written by encodeFreelistPage. buf
// must already span the page's full overflow run (callers read the header
// first, then re-ask PageIndex for overflow+1 pages).
func decodeFreelistPage(buf []byte) []PageID {
	count := pageCount(buf)
	body := buf[pageHeaderSize:]
	if count != freelistOverflowSentinel {
		ids := make([]PageID, count)
		for i := range ids {
			ids[i] = PageID(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
		}
		return ids
	}
	n := binary.LittleEndian.Uint64(body[0:8])
	ids := make([]PageID, n)
	for i := range ids {
		ids[i] = PageID(binary.LittleEndian.Uint64(body[8+i*8 : 8+i*8+8]))
	}
	return ids
}

// freelist tracks reusable page ids plus per-commit pending-release sets.
// A mutex in DB guards all access; the type itself is not safe for
// concurrent use.
type freelist struct {
	free    []PageID
	pending map[TxID][]PageID
}

func newFreelist() *freelist {
	return &freelist{pending: make(map[TxID][]PageID)}
}

func sortPageIDs(ids []PageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// init seeds the free set from a freshly loaded freelist page.
func (f *freelist) init(ids []PageID) {
	f.free = append([]PageID(nil), ids...)
	sortPageIDs(f.free)
}

// allocate does a first-fit scan for a run of n consecutive page ids,
// preferring contiguous runs as required for overflow spans (§4.1). It
// reports false if no run of that length exists in the free set; the
// caller is then responsible for growing the file.
func (f *freelist) allocate(n int) (PageID, bool) {
	if n <= 0 {
		n = 1
	}
	runStart := 0
	for i := 1; i <= len(f.free); i++ {
		if i < len(f.free) && f.free[i] == f.free[i-1]+1 {
			continue
		}
		runLen := i - runStart
		if runLen >= n {
			id := f.free[runStart]
			f.free = append(f.free[:runStart], f.free[runStart+n:]...)
			return id, true
		}
		runStart = i
	}
	return 0, false
}

// release frees ids into the pending set for txID, to be merged into the
// free set once no open reader predates txID.
func (f *freelist) release(txID TxID, ids ...PageID) {
	if len(ids) == 0 {
		return
	}
	f.pending[txID] = append(f.pending[txID], ids...)
}

// reclaim migrates every pending set whose tx id predates minOpenTxID into
// the free set (§4.3 release).
func (f *freelist) reclaim(minOpenTxID TxID) {
	changed := false
	for t, ids := range f.pending {
		if t < minOpenTxID {
			f.free = append(f.free, ids...)
			delete(f.pending, t)
			changed = true
		}
	}
	if changed {
		sortPageIDs(f.free)
	}
}

// serializeIDs returns the set written to the on-disk freelist page: the
// union of free and every still-pending id (Open Question #4 — a fresh
// reopen has no readers predating the persisted tx id, so anything pending
// in this process is safe to treat as free on the next open).
func (f *freelist) serializeIDs() []PageID {
	ids := append([]PageID(nil), f.free...)
	for _, p := range f.pending {
		ids = append(ids, p...)
	}
	sortPageIDs(ids)
	return ids
}
