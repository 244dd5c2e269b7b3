package dbutil

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var ErrKeyExists = errors.New("key already exists")

func UpsertSaveable(db *bolt.DB, item Saveable) error {
	return update(db, func(tx *bolt.Tx) error {
		return UpsertSaveableTx(tx, item)
	})
}

func UpsertSaveableTx(tx *bolt.Tx, item Saveable) error {
	return put(tx, item.DBTable(), item.DBKey(), item, true)
}

// InsertSaveable fails with ErrKeyExists instead of overwriting.
func InsertSaveable(db *bolt.DB, item Saveable) error {
	return update(db, func(tx *bolt.Tx) error {
		return put(tx, item.DBTable(), item.DBKey(), item, false)
	})
}

func UpsertTableKeyValueTx(tx *bolt.Tx, table string, key []byte, val interface{}) error {
	return put(tx, table, key, val, true)
}

func update(db *bolt.DB, fn func(tx *bolt.Tx) error) error {
	if err := db.Update(fn); err != nil {
		return fmt.Errorf("transaction (Update) failed: %w", err)
	}
	return nil
}

func put(tx *bolt.Tx, table string, key []byte, val interface{}, overwrite bool) error {
	b, err := tx.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return fmt.Errorf("tx.CreateBucketIfNotExists failed: %w", err)
	}
	if !overwrite && b.Get(key) != nil {
		return ErrKeyExists
	}
	enc, err := cbor.Marshal(val)
	if err != nil {
		return fmt.Errorf("cbor.Marshal failed: %w", err)
	}
	if err := b.Put(key, enc); err != nil {
		return fmt.Errorf("cannot save item with key %x to database: %w", key, err)
	}
	return nil
}
