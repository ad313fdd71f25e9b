package leafdb

import (
	"testing"
)

// S4 — a database created with a non-default page size must not open
// under a different one.
func TestPageSizeMismatch(t *testing.T) {
	path := NewMemPath(t.Name())
	db, err := Open(path, NewMemOpenOption(), NewMemMemoryMap(), Options{PageSize: 5000, NumPages: defaultNumPages})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = Open(path, NewMemOpenOption(), NewMemMemoryMap(), DefaultOptions())
	if err == nil {
		t.Fatalf("reopen with default page size: want error, got nil")
	}
	if _, ok := err.(*InvalidDBError); !ok {
		t.Fatalf("reopen error = %v (%T), want *InvalidDBError", err, err)
	}
}

// S5 — OpenOptions below the documented minimums panics.
func TestOpenOptionsMinimums(t *testing.T) {
	assertPanics := func(name string, opts Options) {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic for %+v", opts)
				}
			}()
			_, _ = Open(NewMemPath(t.Name()), NewMemOpenOption(), NewMemMemoryMap(), opts)
		})
	}
	assertPanics("num_pages_below_minimum", Options{NumPages: 3})
	assertPanics("page_size_below_minimum", Options{PageSize: 1000})
}

// Property 6 (S6 spirit) — corrupting the currently active meta page and
// reopening must still succeed, falling back to the other meta's snapshot.
func TestMetaCorruptionRecovery(t *testing.T) {
	path := NewMemPath(t.Name())
	db, err := Open(path, NewMemOpenOption(), NewMemMemoryMap(), DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("data"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	activeSlot := db.meta.MetaPage
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	memRegistry.mu.Lock()
	mf := memRegistry.files[path.String()]
	memRegistry.mu.Unlock()
	if mf == nil {
		t.Fatalf("registry entry missing for %s", path)
	}
	corruptOffset := int(activeSlot)*defaultPageSize + pageHeaderSize
	mf.data[corruptOffset] ^= 0xFF // flip a byte of the active meta's magic field

	db2, err := Open(path, NewMemOpenOption(), NewMemMemoryMap(), DefaultOptions())
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		if _, err := tx.Root().Bucket([]byte("data")); err != ErrBucketMissing {
			t.Fatalf("expected the pre-commit (empty) snapshot, got bucket lookup err=%v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// Property 7 — committing an empty writable tx still bumps tx_id.
func TestEmptyCommitBumpsTxID(t *testing.T) {
	db := newTestDB(t)
	before := db.meta.TxID
	if err := db.Update(func(tx *Tx) error { return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if db.meta.TxID != before+1 {
		t.Fatalf("tx_id = %d, want %d", db.meta.TxID, before+1)
	}
}
