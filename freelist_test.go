package leafdb

import (
	"bytes"
	"fmt"
	"testing"
)

func TestFreelistAllocateContiguous(t *testing.T) {
	f := newFreelist()
	f.init([]PageID{4, 5, 6, 10, 11, 20})

	id, ok := f.allocate(3)
	if !ok || id != 4 {
		t.Fatalf("allocate(3) = (%d, %v), want (4, true)", id, ok)
	}
	if got := f.free; !pageIDsEqual(got, []PageID{10, 11, 20}) {
		t.Fatalf("free after allocate(3) = %v", got)
	}

	id, ok = f.allocate(2)
	if !ok || id != 10 {
		t.Fatalf("allocate(2) = (%d, %v), want (10, true)", id, ok)
	}
	if got := f.free; !pageIDsEqual(got, []PageID{20}) {
		t.Fatalf("free after allocate(2) = %v", got)
	}

	if _, ok := f.allocate(2); ok {
		t.Fatalf("allocate(2) on a lone page should fail")
	}
}

func TestFreelistReclaim(t *testing.T) {
	f := newFreelist()
	f.init(nil)
	f.release(1, 100, 101)
	f.release(2, 200)

	f.reclaim(2) // only tx ids < 2 are reclaimed
	if !pageIDsEqual(f.free, []PageID{100, 101}) {
		t.Fatalf("free after reclaim(2) = %v", f.free)
	}
	if _, ok := f.pending[2]; !ok {
		t.Fatalf("pending[2] should still be held")
	}

	f.reclaim(3)
	if !pageIDsEqual(f.free, []PageID{100, 101, 200}) {
		t.Fatalf("free after reclaim(3) = %v", f.free)
	}
	if len(f.pending) != 0 {
		t.Fatalf("pending should be empty, got %v", f.pending)
	}
}

func TestFreelistOverflowSentinelRoundTrip(t *testing.T) {
	n := freelistOverflowSentinel + 50
	ids := make([]PageID, n)
	for i := range ids {
		ids[i] = PageID(i * 2)
	}

	body := freelistBodySize(n)
	buf := make([]byte, pageHeaderSize+body)
	encodeFreelistPage(buf, 7, ids)

	if pageCount(buf) != freelistOverflowSentinel {
		t.Fatalf("pageCount = %d, want sentinel", pageCount(buf))
	}
	got := decodeFreelistPage(buf)
	if !pageIDsEqual(got, ids) {
		t.Fatalf("round trip mismatch: got %d ids, want %d", len(got), len(ids))
	}
}

// Property 5 — after commit, free, pending, and live pages partition
// [0, num_pages) exactly: every page id is exactly one of the three, and
// with no open readers pending must be empty.
func TestFreelistAccountingAfterDeletes(t *testing.T) {
	db := newTestDB(t)

	const n = 200
	err := db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("data"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if err := b.Put(k, bytes.Repeat([]byte{'x'}, 64)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b, err := tx.Root().Bucket([]byte("data"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i += 2 {
			if err := b.Delete([]byte(fmt.Sprintf("key-%04d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("delete half: %v", err)
	}

	tx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer tx.Commit()

	live := make(map[PageID]bool)
	markPageSpan := func(id PageID) {
		buf := tx.pageBytes(id)
		for i := 0; i <= pageOverflow(buf); i++ {
			live[id+PageID(i)] = true
		}
	}
	live[metaPageID0] = true
	live[metaPageID1] = true
	markPageSpan(tx.meta.FreelistPage)
	collectLivePages(tx, tx.meta.Root.RootPage, live, markPageSpan)

	db.freelistMu.Lock()
	free := append([]PageID(nil), db.freelist.free...)
	pendingCount := 0
	for _, ids := range db.freelist.pending {
		pendingCount += len(ids)
	}
	db.freelistMu.Unlock()

	if pendingCount != 0 {
		t.Fatalf("pending should be empty with no open readers, got %d ids", pendingCount)
	}
	for _, id := range free {
		if live[id] {
			t.Fatalf("page %d is both free and live", id)
		}
	}
	total := uint64(len(live) + len(free))
	if total != tx.meta.NumPages {
		t.Fatalf("live(%d)+free(%d) = %d, want num_pages=%d", len(live), len(free), total, tx.meta.NumPages)
	}
}

// collectLivePages walks every page reachable from a bucket root (mirroring
// Tx.freeTree), marking each page of its overflow span live and recursing
// into nested-bucket subtrees.
func collectLivePages(tx *Tx, rootPage PageID, live map[PageID]bool, markPageSpan func(PageID)) {
	markPageSpan(rootPage)
	buf := tx.pageBytes(rootPage)
	n := decodeNode(buf, rootPage, nil)
	if n.isLeaf {
		for _, e := range n.leaves {
			if e.flags == entryFlagBucket {
				collectLivePages(tx, decodeBucketMeta(e.value).RootPage, live, markPageSpan)
			}
		}
		return
	}
	for _, e := range n.branches {
		collectLivePages(tx, e.child, live, markPageSpan)
	}
}

func pageIDsEqual(a, b []PageID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
