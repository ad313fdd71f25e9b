package leafdb

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Leaf entry flags (§3 "flags distinguishes KV from BUCKET").
const (
	entryFlagKV     uint32 = 0
	entryFlagBucket uint32 = 1
)

const (
	branchEntryHeaderSize = 16 // key_offset(4) + key_len(4) + page_id(8)
	leafEntryHeaderSize   = 24 // flags(4) + key_offset(4) + key_len(4) + value_len(4) + page_id(8)
)

// branchEntry is a single (key, child) pair of a branch node. child is the
// page id of the subtree whose first key equals key. node, when non-nil, is
// the in-memory materialization of that child for the duration of the
// writable tx that created it — it stands in for an unresolved page id
// until spill assigns the child a real one (§4.4 spill step 3).
type branchEntry struct {
	key   []byte
	child PageID
	node  *node
}

// leafEntry is a single key/value (or key/BucketMeta) pair of a leaf node.
// It has no page id: encode always writes the on-disk leaf entry's page_id
// slot as zero, because oversized node payloads use
// the whole-page contiguous-run overflow mechanism rather than a per-entry
// overflow pointer (see DESIGN.md, Open Question 3).
type leafEntry struct {
	flags uint32
	key   []byte
	value []byte
}

func branchEntrySize(e branchEntry) int { return branchEntryHeaderSize + len(e.key) }
func leafEntrySize(e leafEntry) int {
	return leafEntryHeaderSize + len(e.key) + len(e.value)
}

// node is the in-memory materialization of a branch or leaf page (§4.4).
// Parent traversal during spill and rebalance goes through the owning
// Bucket's node-by-page-id map and branchEntry.node, not a back-pointer on
// node itself, so cyclic materialized trees never keep each other alive
// past the tx.
type node struct {
	pageID PageID
	isLeaf bool
	bucket *Bucket

	branches []branchEntry
	leaves   []leafEntry

	dirty bool
}

func newLeafNode(b *Bucket) *node {
	return &node{isLeaf: true, bucket: b, dirty: true}
}

func newBranchNode(b *Bucket) *node {
	return &node{isLeaf: false, bucket: b, dirty: true}
}

// serializedSize is the number of bytes this node would occupy encoded,
// including the page header.
func (n *node) serializedSize() int {
	size := pageHeaderSize
	if n.isLeaf {
		for _, e := range n.leaves {
			size += leafEntrySize(e)
		}
	} else {
		for _, e := range n.branches {
			size += branchEntrySize(e)
		}
	}
	return size
}

// encode serializes n into buf, which must be at least n.serializedSize()
// bytes. Branch entries must already carry resolved child page ids (spill
// step 3 updates these before encode is called).
func (n *node) encode(buf []byte) {
	setPageID(buf, n.pageID)
	if n.isLeaf {
		setPageFlags(buf, pageTypeLeaf)
		setPageCount(buf, len(n.leaves))
		off := pageHeaderSize + leafEntryHeaderSize*len(n.leaves)
		for i, e := range n.leaves {
			eo := pageHeaderSize + i*leafEntryHeaderSize
			binary.LittleEndian.PutUint32(buf[eo:eo+4], e.flags)
			binary.LittleEndian.PutUint32(buf[eo+4:eo+8], uint32(off))
			binary.LittleEndian.PutUint32(buf[eo+8:eo+12], uint32(len(e.key)))
			binary.LittleEndian.PutUint32(buf[eo+12:eo+16], uint32(len(e.value)))
			binary.LittleEndian.PutUint64(buf[eo+16:eo+24], 0)
			off += copy(buf[off:], e.key)
			off += copy(buf[off:], e.value)
		}
		return
	}
	setPageFlags(buf, pageTypeBranch)
	setPageCount(buf, len(n.branches))
	off := pageHeaderSize + branchEntryHeaderSize*len(n.branches)
	for i, e := range n.branches {
		eo := pageHeaderSize + i*branchEntryHeaderSize
		binary.LittleEndian.PutUint32(buf[eo:eo+4], uint32(off))
		binary.LittleEndian.PutUint32(buf[eo+4:eo+8], uint32(len(e.key)))
		binary.LittleEndian.PutUint64(buf[eo+8:eo+16], uint64(e.child))
		off += copy(buf[off:], e.key)
	}
}

// decodeNode reads a branch or leaf page. buf must span the page's full
// overflow run, as returned by PageIndex.index.
func decodeNode(buf []byte, id PageID, b *Bucket) *node {
	flags := pageFlags(buf)
	count := pageCount(buf)
	n := &node{pageID: id, bucket: b}

	if flags == pageTypeLeaf {
		n.isLeaf = true
		n.leaves = make([]leafEntry, count)
		for i := 0; i < count; i++ {
			eo := pageHeaderSize + i*leafEntryHeaderSize
			fl := binary.LittleEndian.Uint32(buf[eo : eo+4])
			koff := binary.LittleEndian.Uint32(buf[eo+4 : eo+8])
			klen := binary.LittleEndian.Uint32(buf[eo+8 : eo+12])
			vlen := binary.LittleEndian.Uint32(buf[eo+12 : eo+16])
			key := append([]byte(nil), buf[koff:koff+klen]...)
			value := append([]byte(nil), buf[koff+klen:koff+klen+vlen]...)
			n.leaves[i] = leafEntry{flags: fl, key: key, value: value}
		}
		return n
	}

	n.branches = make([]branchEntry, count)
	for i := 0; i < count; i++ {
		eo := pageHeaderSize + i*branchEntryHeaderSize
		koff := binary.LittleEndian.Uint32(buf[eo : eo+4])
		klen := binary.LittleEndian.Uint32(buf[eo+4 : eo+8])
		childID := PageID(binary.LittleEndian.Uint64(buf[eo+8 : eo+16]))
		key := append([]byte(nil), buf[koff:koff+klen]...)
		n.branches[i] = branchEntry{key: key, child: childID}
	}
	return n
}

// leafIndex finds the position of key within a sorted leaf's entries and
// whether it is an exact match.
func (n *node) leafIndex(key []byte) (int, bool) {
	i := sort.Search(len(n.leaves), func(i int) bool { return bytes.Compare(n.leaves[i].key, key) >= 0 })
	if i < len(n.leaves) && bytes.Equal(n.leaves[i].key, key) {
		return i, true
	}
	return i, false
}

func (n *node) get(key []byte) (leafEntry, bool) {
	i, ok := n.leafIndex(key)
	if !ok {
		return leafEntry{}, false
	}
	return n.leaves[i], true
}

// put inserts or overwrites a leaf entry in key order.
func (n *node) put(e leafEntry) {
	i, ok := n.leafIndex(e.key)
	if ok {
		n.leaves[i] = e
	} else {
		n.leaves = append(n.leaves, leafEntry{})
		copy(n.leaves[i+1:], n.leaves[i:])
		n.leaves[i] = e
	}
	n.dirty = true
}

func (n *node) removeLeaf(key []byte) bool {
	i, ok := n.leafIndex(key)
	if !ok {
		return false
	}
	n.leaves = append(n.leaves[:i], n.leaves[i+1:]...)
	n.dirty = true
	return true
}

// branchIndexFor returns the index of the branch entry whose subtree range
// covers key: the largest i such that branches[i].key <= key (branch keys
// are the first key of their child subtree, §4.4).
func (n *node) branchIndexFor(key []byte) int {
	i := sort.Search(len(n.branches), func(i int) bool { return bytes.Compare(n.branches[i].key, key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}

func (n *node) replaceChildKey(oldKey, newKey []byte, childPageID PageID) {
	for i := range n.branches {
		if bytes.Equal(n.branches[i].key, oldKey) {
			n.branches[i].key = newKey
			n.branches[i].child = childPageID
			n.dirty = true
			return
		}
	}
}

// insertBranch adds a new (key, child) pair in sorted order, used when a
// split propagates a new sibling up to its parent.
func (n *node) insertBranch(key []byte, childPageID PageID, child *node) {
	i := sort.Search(len(n.branches), func(i int) bool { return bytes.Compare(n.branches[i].key, key) >= 0 })
	n.branches = append(n.branches, branchEntry{})
	copy(n.branches[i+1:], n.branches[i:])
	n.branches[i] = branchEntry{key: key, child: childPageID, node: child}
	n.dirty = true
}

func (n *node) removeBranchAt(i int) {
	n.branches = append(n.branches[:i], n.branches[i+1:]...)
	n.dirty = true
}

func (n *node) firstKey() []byte {
	if n.isLeaf {
		if len(n.leaves) == 0 {
			return nil
		}
		return n.leaves[0].key
	}
	if len(n.branches) == 0 {
		return nil
	}
	return n.branches[0].key
}

// splitLeaf splits an oversized leaf into siblings that each fit pageSize,
// respecting a minimum of two entries per sibling where possible (§4.4).
func (n *node) splitLeaf(pageSize int) []*node {
	if n.serializedSize() <= pageSize || len(n.leaves) <= 1 {
		return []*node{n}
	}
	var out []*node
	cur := newLeafNode(n.bucket)
	curSize := pageHeaderSize
	for _, e := range n.leaves {
		es := leafEntrySize(e)
		if len(cur.leaves) >= 2 && curSize+es > pageSize {
			out = append(out, cur)
			cur = newLeafNode(n.bucket)
			curSize = pageHeaderSize
		}
		cur.leaves = append(cur.leaves, e)
		curSize += es
	}
	out = append(out, cur)
	return out
}

// splitBranch mirrors splitLeaf for branch nodes.
func (n *node) splitBranch(pageSize int) []*node {
	if n.serializedSize() <= pageSize || len(n.branches) <= 1 {
		return []*node{n}
	}
	var out []*node
	cur := newBranchNode(n.bucket)
	curSize := pageHeaderSize
	for _, e := range n.branches {
		es := branchEntrySize(e)
		if len(cur.branches) >= 2 && curSize+es > pageSize {
			out = append(out, cur)
			cur = newBranchNode(n.bucket)
			curSize = pageHeaderSize
		}
		cur.branches = append(cur.branches, e)
		curSize += es
	}
	out = append(out, cur)
	return out
}
