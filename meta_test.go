package leafdb

import "testing"

func TestMetaHashRoundTrip(t *testing.T) {
	m := Meta{
		Magic:        magicValue,
		Version:      version,
		PageSize:     defaultPageSize,
		MetaPage:     0,
		Root:         BucketMeta{RootPage: 3, NextInt: 7},
		FreelistPage: 2,
		NumPages:     defaultNumPages,
		TxID:         5,
	}
	m.Hash = m.computeHash()

	buf := make([]byte, metaSize)
	m.encode(buf)
	got := decodeMeta(buf)

	if !got.valid() {
		t.Fatalf("decoded meta should be valid")
	}
	if got != m {
		t.Fatalf("decoded meta = %+v, want %+v", got, m)
	}
}

func TestMetaValidDetectsTamperedFields(t *testing.T) {
	m := Meta{
		Magic:        magicValue,
		Version:      version,
		PageSize:     defaultPageSize,
		Root:         BucketMeta{RootPage: 3},
		FreelistPage: 2,
		NumPages:     defaultNumPages,
		TxID:         1,
	}
	m.Hash = m.computeHash()

	bad := m
	bad.TxID++
	if bad.valid() {
		t.Fatalf("meta with tampered TxID (stale hash) should be invalid")
	}

	bad = m
	bad.Magic = 0
	if bad.valid() {
		t.Fatalf("meta with wrong magic should be invalid")
	}

	bad = m
	bad.Version++
	if bad.valid() {
		t.Fatalf("meta with wrong version should be invalid")
	}

	bad = m
	bad.Hash ^= 0xFF
	if bad.valid() {
		t.Fatalf("meta with corrupted hash should be invalid")
	}
}

func TestMetaPageRoundTrip(t *testing.T) {
	m := Meta{
		Magic:        magicValue,
		Version:      version,
		PageSize:     defaultPageSize,
		Root:         BucketMeta{RootPage: seedRootPageID},
		FreelistPage: seedFreelistPageID,
		NumPages:     seedNumPages,
		TxID:         0,
	}

	buf := make([]byte, pageHeaderSize+metaSize)
	writeMetaPage(buf, metaPageID0, m)

	if pageFlags(buf) != pageTypeMeta {
		t.Fatalf("page flags = %d, want pageTypeMeta", pageFlags(buf))
	}
	if pageID(buf) != metaPageID0 {
		t.Fatalf("page id = %d, want %d", pageID(buf), metaPageID0)
	}

	got := readMetaPage(buf)
	if !got.valid() {
		t.Fatalf("read-back meta should be valid")
	}
	if got.Root.RootPage != seedRootPageID || got.FreelistPage != seedFreelistPageID {
		t.Fatalf("read-back meta = %+v", got)
	}
}
