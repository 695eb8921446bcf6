package store

import (
	"errors"
	"testing"
)

func setupBadgerStore(t *testing.T, opts ...BadgerOption) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("create BadgerStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore_UpdateAndGet(t *testing.T) {
	s := setupBadgerStore(t)

	err := s.Update(func(tx Tx) error {
		return tx.Set([]byte("key1"), []byte("value1"))
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var got []byte
	err = s.View(func(tx Tx) error {
		var err error
		got, err = tx.Get([]byte("key1"))
		return err
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if string(got) != "value1" {
		t.Fatalf("expected value1, got %s", got)
	}
}

func TestBadgerStore_MissingKey(t *testing.T) {
	s := setupBadgerStore(t, WithInMemory())

	err := s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("nope"))
		return err
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestBadgerStore_FailedUpdateRollsBack(t *testing.T) {
	s := setupBadgerStore(t, WithInMemory())
	boom := errors.New("boom")

	err := s.Update(func(tx Tx) error {
		if err := tx.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err = s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("k"))
		return err
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("write of a failed transaction is visible: %v", err)
	}
}

func TestBadgerStore_ScanPrefix(t *testing.T) {
	s := setupBadgerStore(t, WithInMemory())

	err := s.Update(func(tx Tx) error {
		for _, k := range []string{"a/2", "a/1", "b/1", "a/3"} {
			if err := tx.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return tx.Delete([]byte("a/3"))
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var keys []string
	err = s.View(func(tx Tx) error {
		return tx.Scan([]byte("a/"), func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestBadgerStore_InvalidOption(t *testing.T) {
	if _, err := NewBadgerStore(t.TempDir(), WithValueLogFileSize(0)); err == nil {
		t.Fatal("expected error for zero value log size")
	}
}
