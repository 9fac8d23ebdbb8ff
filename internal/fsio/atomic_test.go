package fsio

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")

	if err := WriteAtomic(path, []byte("hello")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	_ = WriteAtomic(path, []byte("old"))

	if err := WriteAtomic(path, []byte("new")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("content = %q, want new", got)
	}
}

func TestWriteAtomicCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "note.md")
	if err := WriteAtomic(path, []byte("deep")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteAtomicNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	_ = WriteAtomic(path, []byte("one"))
	_ = WriteAtomic(path, []byte("two"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("leftover files: %v", names)
	}
}

func TestWriteAtomicCleansTempOnFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory at the target path makes the final rename fail.
	path := filepath.Join(dir, "blocked")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	err := WriteAtomic(path, []byte("x"), WithRetries(1))
	if err == nil {
		t.Fatal("expected error writing over a directory")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "blocked" {
		t.Errorf("temp files left behind after failure: %v", entries)
	}
}

func TestWriteAtomicRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked")
	_ = os.Mkdir(path, 0o755)

	start := time.Now()
	err := WriteAtomic(path, []byte("x"), WithRetries(3), WithBackoff(10*time.Millisecond))
	if err == nil {
		t.Fatal("expected error")
	}
	// Two backoff sleeps: 10ms + 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, expected backoff between attempts", elapsed)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.md")
	dst := filepath.Join(dir, "dst.md")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "payload" {
		t.Errorf("content = %q", got)
	}
	// Source untouched.
	got, _ = os.ReadFile(src)
	if string(got) != "payload" {
		t.Errorf("source content = %q", got)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	if err := CopyFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst")); err == nil {
		t.Error("expected error for missing source")
	}
}
