// Package schemacache is an optional cache of collection schema
// documents, backed by cockroachdb/pebble, that a driver opens and hands
// to its collection-info source (procstate.Handle does not hold one). It is
// adapted from the teacher's pkg/store DEK metadata store: same embedded
// KV shape, same prefixed-key scheme, but keyed by namespace instead of
// DEK id, since the core itself never caches keys across contexts
// (spec.md §1's "does not cache keys" non-goal binds DEKs, not schema).
package schemacache

import (
	"bytes"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"
)

const schemaPrefix = "schema:"

// Cache stores namespace -> schema document bytes.
type Cache struct {
	db *pebble.DB
}

// Open creates or reopens a cache rooted at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying pebble handle.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func formatKey(namespace string) []byte {
	return []byte(schemaPrefix + namespace)
}

// SaveSchema stores the schema document fetched for a namespace.
func (c *Cache) SaveSchema(namespace string, schema []byte) error {
	return c.db.Set(formatKey(namespace), schema, pebble.Sync)
}

// GetSchema returns the cached schema document for a namespace, or
// pebble's ErrNotFound if nothing is cached.
func (c *Cache) GetSchema(namespace string) ([]byte, error) {
	v, closer, err := c.db.Get(formatKey(namespace))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// IterateSchemas visits every cached namespace and its schema document,
// in key order.
func (c *Cache) IterateSchemas(fn func(namespace string, schema []byte) error) error {
	it, err := c.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer it.Close()

	prefix := []byte(schemaPrefix)
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		v := it.Value()
		ns := make([]byte, len(k)-len(prefix))
		copy(ns, k[len(prefix):])
		schema := make([]byte, len(v))
		copy(schema, v)
		if err := fn(string(ns), schema); err != nil {
			return err
		}
	}
	return nil
}
