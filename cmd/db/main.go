package main

import (
	"fmt"
	"log"

	"leafdb"
)

func main() {
	path := leafdb.NewOSPath("example.db")
	db, err := leafdb.Open(path, leafdb.NewOSOpenOption(), leafdb.NewOSMemoryMap(), leafdb.DefaultOptions())
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *leafdb.Tx) error {
		bucket, err := tx.Root().GetOrCreateBucket([]byte("config"))
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte("name"), []byte("leaf")); err != nil {
			return err
		}
		if err := bucket.Put([]byte("version"), []byte("1")); err != nil {
			return err
		}
		child, err := bucket.GetOrCreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		return child.Put([]byte("feature"), []byte("bptree"))
	}); err != nil {
		log.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *leafdb.Tx) error {
		bucket, err := tx.Root().Bucket([]byte("config"))
		if err != nil {
			return fmt.Errorf("missing bucket: %w", err)
		}
		val := bucket.Get([]byte("name"))
		fmt.Printf("name=%s\n", val)

		cursor := bucket.Cursor()
		for k, v, _, ok := cursor.First(); ok; k, v, _, ok = cursor.Next() {
			fmt.Printf("%s=%s\n", k, v)
		}
		return nil
	}); err != nil {
		log.Fatalf("view failed: %v", err)
	}
}
