// Package dbutil stores CBOR-encoded values in bbolt buckets.
package dbutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Saveable is a value that knows its bucket and key.
type Saveable interface {
	DBTable() string
	DBKey() []byte
}

// Open creates the parent directory of path if needed and opens the database.
func Open(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory '%s': %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
