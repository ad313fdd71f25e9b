package leafdb

import "fmt"

// txState is the lifecycle described in §4.7: Active -> Committed | RolledBack.
type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

// Tx is a snapshot coordinator: read-only or writable, exposing a root
// Bucket over the Meta it captured at Begin. Writable transactions buffer
// every write in an in-memory dirty map and only touch the backing store
// during commit's flush step — the same buffered-write discipline the
// teacher's txPageManager used, adapted here to the page/freelist/meta
// model this engine actually implements.
type Tx struct {
	db       *DB
	writable bool
	state    txState
	meta     Meta
	root     *Bucket

	// dirty holds freshly spilled page bytes keyed by their (possibly
	// multi-page-spanning) first page id, written to the backing store
	// only at commit.
	dirty map[PageID][]byte

	// freed accumulates page ids released by this tx's spill/delete work;
	// merged into the freelist's pending[tx.id] set at commit, or dropped
	// on rollback, since those pages stay live in the committed snapshot.
	freed []PageID

	// allocatedFromFreelist records ids taken out of db.freelist.free
	// during this tx, so rollback can give them back.
	allocatedFromFreelist []PageID

	// pendingNumPages tracks file growth speculatively applied during
	// this tx; committed into db.meta.NumPages only on success.
	pendingNumPages uint64

	strictCheck bool
}

func (tx *Tx) closedErr() error {
	switch tx.state {
	case txCommitted, txRolledBack:
		return ErrTxClosed
	default:
		return nil
	}
}

// Root returns the transaction's root bucket.
func (tx *Tx) Root() *Bucket {
	return tx.root
}

// pageBytes resolves a page id to its contiguous byte span, preferring
// this tx's own uncommitted writes over the backing store snapshot so a
// writable tx can read back pages it has already spilled earlier in the
// same commit (§4.4 spill is depth-first; children are written before
// parents reference their new ids).
func (tx *Tx) pageBytes(id PageID) []byte {
	if buf, ok := tx.dirty[id]; ok {
		return buf
	}
	buf := tx.db.index(id, 1)
	if overflow := pageOverflow(buf); overflow > 0 {
		buf = tx.db.index(id, overflow+1)
	}
	return buf
}

// allocatePageRun returns the first id of a run of n contiguous page ids,
// preferring freelist reuse and otherwise extending the speculative tail.
// The freelist lock (§5 "Freelist lock") is held only for the allocate call.
func (tx *Tx) allocatePageRun(n int) PageID {
	tx.db.freelistMu.Lock()
	id, ok := tx.db.freelist.allocate(n)
	tx.db.freelistMu.Unlock()
	if ok {
		for i := 0; i < n; i++ {
			tx.allocatedFromFreelist = append(tx.allocatedFromFreelist, id+PageID(i))
		}
		return id
	}
	id = PageID(tx.pendingNumPages)
	tx.pendingNumPages += uint64(n)
	return id
}

// freePageSpan marks every physical page in [id, id+overflow] as garbage
// once this tx commits.
func (tx *Tx) freePageSpan(id PageID, overflow int) {
	for i := 0; i <= overflow; i++ {
		tx.freed = append(tx.freed, id+PageID(i))
	}
}

func (tx *Tx) allocateAndWriteLeaf(n *node) (PageID, error) {
	size := n.serializedSize()
	span := spanPages(tx.db.pageSize, size)
	id := tx.allocatePageRun(span)
	buf := make([]byte, span*tx.db.pageSize)
	n.pageID = id
	n.encode(buf)
	setPageOverflow(buf, span-1)
	tx.dirty[id] = buf
	return id, nil
}

func (tx *Tx) allocateAndWriteBranch(n *node) (PageID, error) {
	return tx.allocateAndWriteLeaf(n) // identical mechanics; encode() dispatches on n.isLeaf
}

// spilledChild is the result of spilling one (possibly split or merged)
// node: its assigned page id and the first key of its subtree, which the
// parent needs to form or fix up a branch entry.
type spilledChild struct {
	firstKey []byte
	pageID   PageID
}

// subtreeDirty reports whether n or any node materialized below it has
// been modified in this tx.
func subtreeDirty(n *node) bool {
	if n.dirty {
		return true
	}
	for _, e := range n.branches {
		if e.node != nil && subtreeDirty(e.node) {
			return true
		}
	}
	return false
}

// spillNode implements §4.4 Spill, performed depth-first. Untouched
// subtrees (no dirty node at or below n) are left exactly where they are:
// no new page, no free.
func (tx *Tx) spillNode(n *node) ([]spilledChild, error) {
	if !subtreeDirty(n) {
		return []spilledChild{{firstKey: n.firstKey(), pageID: n.pageID}}, nil
	}
	if n.isLeaf {
		return tx.spillLeafNode(n)
	}
	return tx.spillBranchNode(n)
}

func (tx *Tx) spillLeafNode(n *node) ([]spilledChild, error) {
	if n.pageID != 0 {
		tx.freePageSpan(n.pageID, pageOverflow(tx.pageBytes(n.pageID)))
	}
	parts := n.splitLeaf(tx.db.pageSize)
	out := make([]spilledChild, 0, len(parts))
	for _, part := range parts {
		id, err := tx.allocateAndWriteLeaf(part)
		if err != nil {
			return nil, err
		}
		part.dirty = false
		out = append(out, spilledChild{firstKey: part.firstKey(), pageID: id})
	}
	return out, nil
}

// materializeEntry returns the in-memory node for a branch entry, loading
// and caching it from the backing store the first time it is touched
// during a rebalance pass.
func (tx *Tx) materializeEntry(b *Bucket, e *branchEntry) *node {
	if e.node != nil {
		return e.node
	}
	n := b.loadNode(e.child)
	e.node = n
	return n
}

func mergeNodes(a, b *node) *node {
	if a.isLeaf {
		m := newLeafNode(a.bucket)
		m.leaves = append(append([]leafEntry{}, a.leaves...), b.leaves...)
		return m
	}
	m := newBranchNode(a.bucket)
	m.branches = append(append([]branchEntry{}, a.branches...), b.branches...)
	return m
}

// rebalanceBranchEntries folds §4.4's merge/rebalance pass into the
// depth-first spill walk: a child smaller than page_size/4 is merged into
// a sibling when the result still fits page_size, preferring the right
// sibling then the left. This runs bottom-up alongside spill rather than
// as the fully separate pre-pass the pipeline sketch implies, since both
// are bottom-up tree walks and running them together avoids a second
// traversal (see DESIGN.md).
func (tx *Tx) rebalanceBranchEntries(b *Bucket, entries []branchEntry) []branchEntry {
	threshold := tx.db.pageSize / 4
	i := 0
	for i < len(entries) {
		if len(entries) <= 1 {
			break
		}
		cur := tx.materializeEntry(b, &entries[i])
		if cur.serializedSize() >= threshold {
			i++
			continue
		}
		if i+1 < len(entries) {
			right := tx.materializeEntry(b, &entries[i+1])
			merged := mergeNodes(cur, right)
			if merged.serializedSize() <= tx.db.pageSize {
				if cur.pageID != 0 {
					tx.freePageSpan(cur.pageID, pageOverflow(tx.pageBytes(cur.pageID)))
				}
				if right.pageID != 0 {
					tx.freePageSpan(right.pageID, pageOverflow(tx.pageBytes(right.pageID)))
				}
				merged.dirty = true
				entries[i] = branchEntry{key: merged.firstKey(), node: merged}
				entries = append(entries[:i+1], entries[i+2:]...)
				continue
			}
		}
		if i > 0 {
			left := tx.materializeEntry(b, &entries[i-1])
			merged := mergeNodes(left, cur)
			if merged.serializedSize() <= tx.db.pageSize {
				if left.pageID != 0 {
					tx.freePageSpan(left.pageID, pageOverflow(tx.pageBytes(left.pageID)))
				}
				if cur.pageID != 0 {
					tx.freePageSpan(cur.pageID, pageOverflow(tx.pageBytes(cur.pageID)))
				}
				merged.dirty = true
				entries[i-1] = branchEntry{key: merged.firstKey(), node: merged}
				entries = append(entries[:i], entries[i+1:]...)
				continue
			}
		}
		i++
	}
	return entries
}

func (tx *Tx) spillBranchNode(n *node) ([]spilledChild, error) {
	if n.pageID != 0 {
		tx.freePageSpan(n.pageID, pageOverflow(tx.pageBytes(n.pageID)))
	}
	var newEntries []branchEntry
	for i := range n.branches {
		e := n.branches[i]
		if e.node == nil {
			newEntries = append(newEntries, branchEntry{key: e.key, child: e.child})
			continue
		}
		children, err := tx.spillNode(e.node)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			newEntries = append(newEntries, branchEntry{key: c.firstKey, child: c.pageID})
		}
	}

	newEntries = tx.rebalanceBranchEntries(n.bucket, newEntries)
	// Merged entries carry an unspilled node and no page id yet.
	n.branches = n.branches[:0]
	for _, e := range newEntries {
		if e.node == nil || !e.node.dirty {
			n.branches = append(n.branches, e)
			continue
		}
		children, err := tx.spillNode(e.node)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			n.branches = append(n.branches, branchEntry{key: c.firstKey, child: c.pageID})
		}
	}

	if len(n.branches) == 0 {
		return nil, nil
	}

	parts := n.splitBranch(tx.db.pageSize)
	out := make([]spilledChild, 0, len(parts))
	for _, part := range parts {
		id, err := tx.allocateAndWriteBranch(part)
		if err != nil {
			return nil, err
		}
		part.dirty = false
		out = append(out, spilledChild{firstKey: part.firstKey(), pageID: id})
	}
	return out, nil
}

// spillRoot spills a bucket's root node, handling the two root-only rules
// of §3: an emptied tree still needs one real (empty) leaf page, and a
// root that grew past one page gains a fresh branch level above it.
func (tx *Tx) spillRoot(b *Bucket, root *node) (PageID, error) {
	children, err := tx.spillNode(root)
	if err != nil {
		return 0, err
	}
	for {
		switch len(children) {
		case 0:
			empty := newLeafNode(b)
			res, err := tx.spillNode(empty)
			if err != nil {
				return 0, err
			}
			return res[0].pageID, nil
		case 1:
			return children[0].pageID, nil
		default:
			wrap := newBranchNode(b)
			wrap.branches = make([]branchEntry, len(children))
			for i, c := range children {
				wrap.branches[i] = branchEntry{key: c.firstKey, child: c.pageID}
			}
			children, err = tx.spillNode(wrap)
			if err != nil {
				return 0, err
			}
		}
	}
}

// freeTree recursively frees every page reachable from id, including
// nested bucket subtrees (used by Bucket.DeleteBucket, §4.5).
func (tx *Tx) freeTree(id PageID) {
	if id == 0 {
		return
	}
	buf := tx.pageBytes(id)
	overflow := pageOverflow(buf)
	tx.freePageSpan(id, overflow)

	if pageFlags(buf) == pageTypeLeaf {
		n := decodeNode(buf, id, nil)
		for _, e := range n.leaves {
			if e.flags == entryFlagBucket {
				tx.freeTree(decodeBucketMeta(e.value).RootPage)
			}
		}
		return
	}
	n := decodeNode(buf, id, nil)
	for _, e := range n.branches {
		tx.freeTree(e.child)
	}
}

// Commit runs the pipeline of §4.7: rebalance is folded into spill (see
// rebalanceBranchEntries), then freelist serialization, flush, and the
// alternate-meta-slot write, each fsync'd in order.
func (tx *Tx) Commit() error {
	if err := tx.closedErr(); err != nil {
		return err
	}
	if !tx.writable {
		tx.state = txCommitted
		tx.db.endRead(tx.meta.TxID)
		return nil
	}

	tx.root.dirty = true // the root bucket always re-checks its own tree at commit
	newRoot, err := tx.root.spill(tx)
	if err != nil {
		tx.rollbackLocked()
		return err
	}
	tx.meta.Root.RootPage = newRoot
	tx.meta.Root.NextInt = tx.root.meta.NextInt

	tx.db.freelistMu.Lock()
	freelistIDs := tx.db.freelist.serializeIDs()
	tx.db.freelistMu.Unlock()
	// The previous freelist pages are themselves garbage once this commit
	// publishes (§4.3): free them before serializing the new set so they
	// do not leak, but after computing the id list that must still
	// describe the state as of just-before-this-commit.
	if tx.meta.FreelistPage != 0 {
		prev := tx.pageBytes(tx.meta.FreelistPage)
		tx.freePageSpan(tx.meta.FreelistPage, pageOverflow(prev))
	}

	freelistSpan := spanPages(tx.db.pageSize, pageHeaderSize+freelistBodySize(len(freelistIDs)))
	freelistPageID := tx.allocatePageRun(freelistSpan)
	flBuf := make([]byte, freelistSpan*tx.db.pageSize)
	encodeFreelistPage(flBuf, freelistPageID, freelistIDs)
	setPageOverflow(flBuf, freelistSpan-1)
	tx.dirty[freelistPageID] = flBuf
	tx.meta.FreelistPage = freelistPageID
	tx.meta.NumPages = tx.pendingNumPages

	if tx.strictCheck {
		if err := tx.Check(); err != nil {
			tx.rollbackLocked()
			return err
		}
	}

	if err := tx.db.growTo(tx.meta.NumPages); err != nil {
		tx.rollbackLocked()
		return err
	}
	if err := tx.db.flushDirty(tx.dirty); err != nil {
		tx.rollbackLocked()
		return err
	}
	if err := tx.db.file.SyncAll(); err != nil {
		tx.rollbackLocked()
		return err
	}

	tx.meta.MetaPage = 1 - tx.meta.MetaPage // the slot writeMeta targets; published below
	if err := tx.db.writeMeta(tx.meta); err != nil {
		return &InvalidDBError{Msg: fmt.Sprintf("commit: meta write failed: %v", err)}
	}
	if err := tx.db.file.SyncAll(); err != nil {
		return &InvalidDBError{Msg: fmt.Sprintf("commit: meta sync failed: %v", err)}
	}

	tx.db.freelistMu.Lock()
	tx.db.freelist.release(tx.meta.TxID, tx.freed...)
	tx.db.freelistMu.Unlock()
	tx.db.publish(tx.meta)
	tx.db.reclaimFreelist()
	tx.db.endWrite()

	tx.state = txCommitted
	return nil
}

func (tx *Tx) rollbackLocked() {
	if len(tx.allocatedFromFreelist) > 0 {
		tx.db.freelistMu.Lock()
		tx.db.freelist.free = append(tx.db.freelist.free, tx.allocatedFromFreelist...)
		sortPageIDs(tx.db.freelist.free)
		tx.db.freelistMu.Unlock()
	}
	tx.state = txRolledBack
	if tx.writable {
		tx.db.endWrite()
	} else {
		tx.db.endRead(tx.meta.TxID)
	}
}

// Rollback discards every provisional page this tx allocated or freed and
// leaves the previously committed snapshot untouched (§4.7, §5 cancellation).
func (tx *Tx) Rollback() error {
	if err := tx.closedErr(); err != nil {
		return err
	}
	tx.rollbackLocked()
	return nil
}

// Check walks the tree from the root verifying structural invariants
// (§4.7): ascending keys, branch keys matching child first keys, no page
// visited twice, and every referenced page within NumPages. Commit runs it
// automatically when Options.StrictMode is set.
func (tx *Tx) Check() error {
	visited := make(map[PageID]bool)
	return tx.checkBucket(tx.root, visited)
}

func (tx *Tx) checkBucket(b *Bucket, visited map[PageID]bool) error {
	if err := tx.checkNode(b, b.meta.RootPage, nil, visited); err != nil {
		return err
	}
	return nil
}

func (tx *Tx) checkNode(b *Bucket, id PageID, expectFirstKey []byte, visited map[PageID]bool) error {
	if id >= PageID(tx.meta.NumPages) {
		return &InvalidDBError{Msg: fmt.Sprintf("page %d out of range (num_pages=%d)", id, tx.meta.NumPages)}
	}
	if visited[id] {
		return &InvalidDBError{Msg: fmt.Sprintf("page %d referenced twice", id)}
	}
	visited[id] = true

	buf := tx.pageBytes(id)
	n := decodeNode(buf, id, b)
	if expectFirstKey != nil && string(n.firstKey()) != string(expectFirstKey) {
		return &InvalidDBError{Msg: fmt.Sprintf("page %d first key does not match parent branch key", id)}
	}

	if n.isLeaf {
		var prev []byte
		for _, e := range n.leaves {
			if prev != nil && string(e.key) <= string(prev) {
				return &InvalidDBError{Msg: fmt.Sprintf("leaf page %d keys out of order", id)}
			}
			prev = e.key
			if e.flags == entryFlagBucket {
				bm := decodeBucketMeta(e.value)
				sub := &Bucket{tx: tx, meta: bm, parent: b, nodes: make(map[PageID]*node), subBuckets: make(map[string]*Bucket)}
				if err := tx.checkBucket(sub, visited); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var prev []byte
	for _, e := range n.branches {
		if prev != nil && string(e.key) <= string(prev) {
			return &InvalidDBError{Msg: fmt.Sprintf("branch page %d keys out of order", id)}
		}
		prev = e.key
		if err := tx.checkNode(b, e.child, e.key, visited); err != nil {
			return err
		}
	}
	return nil
}
