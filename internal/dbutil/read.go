package dbutil

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("not found")

func GetByKey(db *bolt.DB, key []byte, pointer Saveable) error {
	if err := db.View(func(tx *bolt.Tx) error {
		return GetByTableKeyTx(tx, pointer.DBTable(), key, pointer)
	}); err != nil {
		return fmt.Errorf("transaction (View) failed: %w", err)
	}
	return nil
}

// GetByTableKeyTx decodes the value stored under table/key into pointer.
func GetByTableKeyTx(tx *bolt.Tx, table string, key []byte, pointer interface{}) error {
	b := tx.Bucket([]byte(table))
	if b == nil {
		return ErrNotFound
	}
	v := b.Get(key)
	if v == nil {
		return ErrNotFound
	}
	if err := cbor.Unmarshal(v, pointer); err != nil {
		return fmt.Errorf("cbor.Unmarshal failed: %w", err)
	}
	return nil
}

// ForEach calls f for every value in the bucket of T, in key order.
func ForEach[T Saveable](db *bolt.DB, f func(k []byte, v T) error) error {
	var zero T
	return view(db, func(tx *bolt.Tx) error {
		return scan(tx, zero.DBTable(), nil, nil, false, f)
	})
}

// ForEachReverse is ForEach in reverse key order.
func ForEachReverse[T Saveable](db *bolt.DB, f func(k []byte, v T) error) error {
	var zero T
	return view(db, func(tx *bolt.Tx) error {
		return scan(tx, zero.DBTable(), nil, nil, true, f)
	})
}

// ForEachStartPrefix visits the keys of table from start onwards while they share prefix.
func ForEachStartPrefix[V any](db *bolt.DB, table string, start, prefix []byte, f func(k []byte, v V) error) error {
	return view(db, func(tx *bolt.Tx) error {
		return scan(tx, table, start, prefix, false, f)
	})
}

func view(db *bolt.DB, fn func(tx *bolt.Tx) error) error {
	if err := db.View(fn); err != nil {
		return fmt.Errorf("transaction (View) failed: %w", err)
	}
	return nil
}

// scan decodes each value in range and hands it to f. A nil start means the first
// (or last, if reverse) key.
func scan[V any](tx *bolt.Tx, table string, start, prefix []byte, reverse bool, f func([]byte, V) error) error {
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	var k, v []byte
	switch {
	case start != nil:
		k, v = c.Seek(start)
	case reverse:
		k, v = c.Last()
	default:
		k, v = c.First()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = step(c, reverse) {
		var val V
		if err := cbor.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("cbor.Unmarshal failed for key %x: %w", k, err)
		}
		if err := f(k, val); err != nil {
			return err
		}
	}
	return nil
}

func step(c *bolt.Cursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	}
	return c.Next()
}
