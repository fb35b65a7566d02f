package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	if _, err := db.Get([]byte("missing")); !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := db.Put([]byte("a:1"), []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get([]byte("a:1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(value, []byte("one")) {
		t.Fatalf("unexpected value %q", value)
	}

	batch := db.NewBatch()
	batch.Put([]byte("a:2"), []byte("two"))
	batch.Put([]byte("b:1"), []byte("other"))
	batch.Delete([]byte("a:1"))
	if batch.Len() != 3 {
		t.Fatalf("expected 3 batched ops, got %d", batch.Len())
	}
	if ok, _ := db.Has([]byte("a:2")); ok {
		t.Fatalf("batched write visible before Write")
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("batch write: %v", err)
	}
	if ok, _ := db.Has([]byte("a:1")); ok {
		t.Fatalf("expected a:1 deleted by batch")
	}

	var keys []string
	if err := db.Iterate([]byte("a:"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a:2" {
		t.Fatalf("unexpected prefix scan: %v", keys)
	}

	if err := db.Delete([]byte("a:2")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("a:2")); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
}
