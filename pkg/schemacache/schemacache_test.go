package schemacache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetSchemaRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "schema.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SaveSchema("db.coll", []byte(`{"bsonType":"object"}`)))

	got, err := c.GetSchema("db.coll")
	require.NoError(t, err)
	assert.Equal(t, `{"bsonType":"object"}`, string(got))
}

func TestGetSchemaMissingReturnsError(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "schema.db"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetSchema("db.missing")
	assert.Error(t, err)
}

func TestIterateSchemasVisitsOnlyCachedEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "schema.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SaveSchema("db.a", []byte("a")))
	require.NoError(t, c.SaveSchema("db.b", []byte("b")))

	seen := map[string]string{}
	require.NoError(t, c.IterateSchemas(func(ns string, schema []byte) error {
		seen[ns] = string(schema)
		return nil
	}))

	assert.Equal(t, map[string]string{"db.a": "a", "db.b": "b"}, seen)
}
