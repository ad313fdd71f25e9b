package leafdb

// Bucket is a logical key-space backed by its own B+ tree root (§4.5). It
// materializes nodes lazily into its own node-by-page-id cache and caches
// resolved nested buckets by key.
type Bucket struct {
	tx     *Tx
	meta   BucketMeta
	parent *Bucket
	dirty  bool

	root  *node
	nodes map[PageID]*node

	subBuckets map[string]*Bucket
}

func openBucket(tx *Tx, meta BucketMeta, parent *Bucket) *Bucket {
	return &Bucket{
		tx:         tx,
		meta:       meta,
		parent:     parent,
		nodes:      make(map[PageID]*node),
		subBuckets: make(map[string]*Bucket),
	}
}

// markDirty propagates up the parent chain: a change anywhere below a
// bucket means that bucket's own BUCKET-flagged leaf entry for the child
// needs refreshing at spill time (§4.4 spill step 3 analogue for buckets).
func (b *Bucket) markDirty() {
	for cur := b; cur != nil; cur = cur.parent {
		cur.dirty = true
	}
}

func (b *Bucket) loadNode(id PageID) *node {
	if n, ok := b.nodes[id]; ok {
		return n
	}
	buf := b.tx.pageBytes(id)
	n := decodeNode(buf, id, b)
	b.nodes[id] = n
	return n
}

func (b *Bucket) loadRoot() *node {
	if b.root != nil {
		return b.root
	}
	b.root = b.loadNode(b.meta.RootPage)
	return b.root
}

// seekLeaf descends from the root to the leaf that would contain key,
// caching each touched branch entry's materialized child on the entry
// itself so a later spill pass can find it without re-reading the store
// (§4.6 seek).
func (b *Bucket) seekLeaf(key []byte) *node {
	n := b.loadRoot()
	for !n.isLeaf {
		idx := n.branchIndexFor(key)
		child := n.branches[idx].node
		if child == nil {
			child = b.loadNode(n.branches[idx].child)
			n.branches[idx].node = child
		}
		n = child
	}
	return n
}

// Get resolves key to its KV value. Returns nil if the key is absent or
// holds a nested bucket (§4.5 get).
func (b *Bucket) Get(key []byte) []byte {
	leaf := b.seekLeaf(key)
	e, ok := leaf.get(key)
	if !ok || e.flags != entryFlagKV {
		return nil
	}
	return e.value
}

// Put inserts or overwrites a KV entry. Fails with ErrIncompatibleValue if
// key already names a nested bucket (§4.5 put).
func (b *Bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return ErrReadOnlyTx
	}
	leaf := b.seekLeaf(key)
	if e, ok := leaf.get(key); ok && e.flags == entryFlagBucket {
		return ErrIncompatibleValue
	}
	leaf.put(leafEntry{
		flags: entryFlagKV,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	b.markDirty()
	return nil
}

// Delete removes a KV entry. Fails with ErrKeyValueMissing if absent, or
// ErrIncompatibleValue if key names a nested bucket — use DeleteBucket for
// that (§4.5 delete).
func (b *Bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrReadOnlyTx
	}
	leaf := b.seekLeaf(key)
	e, ok := leaf.get(key)
	if !ok {
		return ErrKeyValueMissing
	}
	if e.flags == entryFlagBucket {
		return ErrIncompatibleValue
	}
	leaf.removeLeaf(key)
	b.markDirty()
	return nil
}

// openChildBucket resolves (and caches) the Bucket handle for a
// BUCKET-flagged entry already known to exist at key.
func (b *Bucket) openChildBucket(key []byte, meta BucketMeta) *Bucket {
	if child, ok := b.subBuckets[string(key)]; ok {
		return child
	}
	child := openBucket(b.tx, meta, b)
	b.subBuckets[string(key)] = child
	return child
}

// Bucket resolves a nested bucket by key (§4.5 "nested sub-buckets are
// resolved lazily"). Returns ErrBucketMissing if absent, ErrIncompatibleValue
// if key names a KV entry instead.
func (b *Bucket) Bucket(key []byte) (*Bucket, error) {
	leaf := b.seekLeaf(key)
	e, ok := leaf.get(key)
	if !ok {
		return nil, ErrBucketMissing
	}
	if e.flags != entryFlagBucket {
		return nil, ErrIncompatibleValue
	}
	return b.openChildBucket(key, decodeBucketMeta(e.value)), nil
}

// CreateBucket creates a nested bucket with a fresh empty leaf root,
// failing with ErrBucketExists if key is already in use by either a KV
// entry or another bucket (§4.5 create_bucket).
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	if !b.tx.writable {
		return nil, ErrReadOnlyTx
	}
	if len(key) == 0 {
		return nil, ErrBucketNameEmpty
	}
	leaf := b.seekLeaf(key)
	if _, ok := leaf.get(key); ok {
		return nil, ErrBucketExists
	}

	meta := BucketMeta{}
	keyCopy := append([]byte(nil), key...)
	valBuf := make([]byte, bucketMetaSize)
	encodeBucketMeta(valBuf, meta)
	leaf.put(leafEntry{flags: entryFlagBucket, key: keyCopy, value: valBuf})
	b.markDirty()

	child := openBucket(b.tx, meta, b)
	child.root = newLeafNode(child) // root page id 0 means "never spilled yet"
	child.dirty = true
	b.subBuckets[string(key)] = child
	return child, nil
}

// GetOrCreateBucket returns the existing nested bucket at key, creating it
// if absent.
func (b *Bucket) GetOrCreateBucket(key []byte) (*Bucket, error) {
	child, err := b.Bucket(key)
	if err == nil {
		return child, nil
	}
	if err != ErrBucketMissing {
		return nil, err
	}
	return b.CreateBucket(key)
}

// DeleteBucket removes a nested bucket, freeing its entire subtree into
// the freelist (§4.5 delete_bucket).
func (b *Bucket) DeleteBucket(key []byte) error {
	if !b.tx.writable {
		return ErrReadOnlyTx
	}
	leaf := b.seekLeaf(key)
	e, ok := leaf.get(key)
	if !ok {
		return ErrBucketMissing
	}
	if e.flags != entryFlagBucket {
		return ErrIncompatibleValue
	}
	bm := decodeBucketMeta(e.value)
	b.tx.freeTree(bm.RootPage)
	leaf.removeLeaf(key)
	delete(b.subBuckets, string(key))
	b.markDirty()
	return nil
}

// NextInt returns and post-increments the bucket's monotonic sequence.
// Only valid in a writable transaction (§4.5 next_int).
func (b *Bucket) NextInt() (uint64, error) {
	if !b.tx.writable {
		return 0, ErrReadOnlyTx
	}
	n := b.meta.NextInt
	b.meta.NextInt++
	b.markDirty()
	return n, nil
}

// Cursor returns a fresh stack-based cursor over this bucket (§4.6).
func (b *Bucket) Cursor() *Cursor {
	return &Cursor{bucket: b}
}

// spill implements the bucket-level half of §4.4 step (3)/(5): nested
// buckets are spilled first so their real root page ids are known, then
// this bucket's own BUCKET leaf entries are refreshed with those ids
// before this bucket's own tree is spilled.
func (b *Bucket) spill(tx *Tx) (PageID, error) {
	if !b.dirty {
		return b.meta.RootPage, nil
	}
	for keyStr, sub := range b.subBuckets {
		if !sub.dirty {
			continue
		}
		newRoot, err := sub.spill(tx)
		if err != nil {
			return 0, err
		}
		sub.meta.RootPage = newRoot
		keyBytes := []byte(keyStr)
		leaf := b.seekLeaf(keyBytes)
		valBuf := make([]byte, bucketMetaSize)
		encodeBucketMeta(valBuf, sub.meta)
		leaf.put(leafEntry{flags: entryFlagBucket, key: keyBytes, value: valBuf})
	}

	root := b.loadRoot()
	newRootID, err := tx.spillRoot(b, root)
	if err != nil {
		return 0, err
	}
	b.meta.RootPage = newRootID
	b.dirty = false
	return newRootID, nil
}
