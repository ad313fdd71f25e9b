package leafdb

import (
	"encoding/binary"
	"hash/fnv"
)

const (
	magicValue = 0x00AB_CDEF
	version    = 1

	minAllocSize     = 8 << 20 // MIN_ALLOC_SIZE: 8 MiB
	defaultNumPages  = 32
	defaultPageSize  = 4096
	minPageSize      = 1024
	minNumPages      = 4
)

// metaPageID0/metaPageID1 are the two alternating meta slots. The writer
// always targets whichever slot is not currently the active one.
const (
	metaPageID0 PageID = 0
	metaPageID1 PageID = 1

	// Seed layout written once by initFile: page 2 is the first freelist
	// page, page 3 is the first (empty) root leaf.
	seedFreelistPageID PageID = 2
	seedRootPageID     PageID = 3
	seedNumPages       uint64 = 4
)

// BucketMeta is the value carried by a BUCKET-flagged leaf entry and,
// embedded in Meta, describes the root bucket. next_int is a monotonic
// sequence consumed by Bucket.NextInt.
type BucketMeta struct {
	RootPage PageID
	NextInt  uint64
}

const bucketMetaSize = 16 // RootPage(8) + NextInt(8)

func encodeBucketMeta(buf []byte, bm BucketMeta) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(bm.RootPage))
	binary.LittleEndian.PutUint64(buf[8:16], bm.NextInt)
}

func decodeBucketMeta(buf []byte) BucketMeta {
	return BucketMeta{
		RootPage: PageID(binary.LittleEndian.Uint64(buf[0:8])),
		NextInt:  binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Meta mirrors the on-disk meta page body. hash is a checksum over every
// other field, computed with FNV-1a 64-bit (stdlib hash/fnv), the same way
// real bbolt derives its own meta checksum.
type Meta struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	MetaPage     uint32
	Root         BucketMeta
	FreelistPage PageID
	NumPages     uint64
	TxID         TxID
	Hash         uint64
}

// metaBodySize is the encoded size of Meta minus the trailing hash field.
const metaBodySize = 4 + 4 + 4 + 4 + bucketMetaSize + 8 + 8 + 8 // 56
const metaSize = metaBodySize + 8                               // 64

func (m Meta) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], m.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], m.MetaPage)
	encodeBucketMeta(buf[16:32], m.Root)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.FreelistPage))
	binary.LittleEndian.PutUint64(buf[40:48], m.NumPages)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(m.TxID))
	binary.LittleEndian.PutUint64(buf[56:64], m.Hash)
}

func decodeMeta(buf []byte) Meta {
	return Meta{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:     binary.LittleEndian.Uint32(buf[8:12]),
		MetaPage:     binary.LittleEndian.Uint32(buf[12:16]),
		Root:         decodeBucketMeta(buf[16:32]),
		FreelistPage: PageID(binary.LittleEndian.Uint64(buf[32:40])),
		NumPages:     binary.LittleEndian.Uint64(buf[40:48]),
		TxID:         TxID(binary.LittleEndian.Uint64(buf[48:56])),
		Hash:         binary.LittleEndian.Uint64(buf[56:64]),
	}
}

// computeHash hashes every meta field except Hash itself.
func (m Meta) computeHash() uint64 {
	var buf [metaBodySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], m.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], m.MetaPage)
	encodeBucketMeta(buf[16:32], m.Root)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.FreelistPage))
	binary.LittleEndian.PutUint64(buf[40:48], m.NumPages)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(m.TxID))

	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}

// valid reports magic ∧ version ∧ hash.
func (m Meta) valid() bool {
	return m.Magic == magicValue && m.Version == version && m.Hash == m.computeHash()
}

// writeMetaPage encodes m (after recomputing its hash) into a full
// page-sized buffer, including the page header.
func writeMetaPage(buf []byte, id PageID, m Meta) {
	setPageID(buf, id)
	setPageFlags(buf, pageTypeMeta)
	setPageCount(buf, 0)
	setPageOverflow(buf, 0)
	m.Hash = m.computeHash()
	m.encode(buf[pageHeaderSize : pageHeaderSize+metaSize])
}

// readMetaPage decodes the meta body following the page header.
func readMetaPage(buf []byte) Meta {
	return decodeMeta(buf[pageHeaderSize : pageHeaderSize+metaSize])
}
