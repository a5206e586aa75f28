package registry

import (
	"path/filepath"
	"testing"
)

func TestGetCreatesLazily(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	q, err := r.Get("work")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q.Name() != "work" {
		t.Fatalf("Name = %q", q.Name())
	}
	q2, err := r.Get("work")
	if err != nil || q2 != q {
		t.Fatalf("Get should return the same handle on repeat calls")
	}
}

func TestInvalidName(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Get("bad/name"); err != ErrInvalidName {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestEraseRecreateResetsContents(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	q, _ := r.Get("q")
	q.Push([]byte("a"))
	q.Push([]byte("b"))

	if err := r.Erase("q", true); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	q2, err := r.Get("q")
	if err != nil {
		t.Fatal(err)
	}
	if q2.Count() != 0 {
		t.Fatalf("expected empty queue after erase+recreate, got count=%d", q2.Count())
	}
}

func TestDiscoversExistingQueuesOnOpen(t *testing.T) {
	dir := t.TempDir()
	r1, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	q, _ := r1.Get("orders")
	q.Push([]byte("x"))
	if err := r1.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	defer r2.Close()
	q2, err := r2.Get("orders")
	if err != nil {
		t.Fatal(err)
	}
	if q2.Count() != 1 {
		t.Fatalf("expected discovered queue to keep its contents, got count=%d", q2.Count())
	}
	if _, err := filepath.Abs(dir); err != nil {
		t.Fatal(err)
	}
}
