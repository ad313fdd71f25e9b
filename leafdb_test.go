package leafdb

import (
	"fmt"
	"testing"
)

// newTestDB opens a fresh in-memory database uniquely keyed by the
// calling test's name, closing it automatically at test cleanup.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(NewMemPath(t.Name()), NewMemOpenOption(), NewMemMemoryMap(), DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// reopenTestDB reopens the same named in-memory file the test previously
// opened, simulating a process restart against durable (in this case
// registry-resident) state.
func reopenTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(NewMemPath(t.Name()), NewMemOpenOption(), NewMemMemoryMap(), DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// S1 — simple put/get.
func TestSimplePutGet(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("names"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("Kanan"), []byte("Jarrus")); err != nil {
			return err
		}
		return b.Put([]byte("Ezra"), []byte("Bridger"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := reopenTestDB(t)
	err = db2.View(func(tx *Tx) error {
		b, err := tx.Root().Bucket([]byte("names"))
		if err != nil {
			return err
		}
		if got := b.Get([]byte("Kanan")); string(got) != "Jarrus" {
			return fmt.Errorf("got %q, want Jarrus", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// S2 — nested buckets, ten levels deep.
func TestNestedBuckets(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("names"))
		if err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			b, err = b.CreateBucket([]byte(fmt.Sprintf("names%d", i)))
			if err != nil {
				return err
			}
		}
		return b.Put([]byte("Kanan"), []byte("Jarrus"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := reopenTestDB(t)
	err = db2.View(func(tx *Tx) error {
		b, err := tx.Root().Bucket([]byte("names"))
		if err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			b, err = b.Bucket([]byte(fmt.Sprintf("names%d", i)))
			if err != nil {
				return fmt.Errorf("level %d: %w", i, err)
			}
		}
		if got := b.Get([]byte("Kanan")); string(got) != "Jarrus" {
			return fmt.Errorf("got %q, want Jarrus", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// S3 — delete & recreate bucket.
func TestDeleteAndRecreateBucket(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("root"))
		if err != nil {
			return err
		}
		return b.Put([]byte("key"), []byte("value"))
	})
	if err != nil {
		t.Fatalf("update 1: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b, err := tx.Root().Bucket([]byte("root"))
		if err != nil {
			return err
		}
		if got := b.Get([]byte("key")); string(got) != "value" {
			return fmt.Errorf("got %q, want value", got)
		}
		if err := tx.Root().DeleteBucket([]byte("root")); err != nil {
			return err
		}
		toot, err := tx.Root().CreateBucket([]byte("toot"))
		if err != nil {
			return err
		}
		return toot.Put([]byte("key"), []byte("value"))
	})
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := reopenTestDB(t)
	err = db2.View(func(tx *Tx) error {
		if _, err := tx.Root().Bucket([]byte("root")); err != ErrBucketMissing {
			return fmt.Errorf("root: got err %v, want ErrBucketMissing", err)
		}
		toot, err := tx.Root().Bucket([]byte("toot"))
		if err != nil {
			return err
		}
		if got := toot.Get([]byte("key")); string(got) != "value" {
			return fmt.Errorf("got %q, want value", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// Property 2 — a cursor yields keys in strictly ascending order, even
// after enough inserts to force multi-level branching.
func TestCursorOrdering(t *testing.T) {
	db := newTestDB(t)

	const n = 500
	err := db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("data"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", (i*7919)%n))
			if err := b.Put(k, []byte(fmt.Sprintf("v%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b, err := tx.Root().Bucket([]byte("data"))
		if err != nil {
			return err
		}
		c := b.Cursor()
		var prev []byte
		count := 0
		for k, _, _, ok := c.First(); ok; k, _, _, ok = c.Next() {
			if prev != nil && string(k) <= string(prev) {
				return fmt.Errorf("keys out of order: %q then %q", prev, k)
			}
			prev = append([]byte(nil), k...)
			count++
		}
		if count != n {
			return fmt.Errorf("got %d entries, want %d", count, n)
		}
		return tx.Check()
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// Property 3 — a read-only tx begun before a writer commits keeps seeing
// the pre-commit state for its entire lifetime.
func TestReadOnlyIsolation(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Root().CreateBucket([]byte("data"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	reader, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b, err := tx.Root().Bucket([]byte("data"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v2"))
	})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	b, err := reader.Root().Bucket([]byte("data"))
	if err != nil {
		t.Fatalf("reader bucket: %v", err)
	}
	if got := b.Get([]byte("k")); string(got) != "v1" {
		t.Fatalf("reader saw %q, want v1 (pre-commit snapshot)", got)
	}
	if err := reader.Commit(); err != nil {
		t.Fatalf("reader commit: %v", err)
	}
}
