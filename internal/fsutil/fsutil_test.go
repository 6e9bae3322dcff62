package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := ReadFileScoped(filepath.Join(dir, ".", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", data)
	}
}

func TestReadFileScoped_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadFileScoped(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for nonexistent file")
	}
	if _, err := ReadFileScoped(filepath.Join(dir, "nodir", "file.txt")); err == nil {
		t.Error("expected error for nonexistent directory")
	}
	if _, err := ReadFileScoped(string(filepath.Separator)); err == nil {
		t.Error("expected error for root path")
	}
}

func TestReadInRoot_RejectsEscape(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "project")
	if err := os.MkdirAll(filepath.Join(root, "resources"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "outside.txt"), []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "resources", "a.ts"), []byte("ok"), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := ReadInRoot(root, "resources/a.ts")
	if err != nil || string(data) != "ok" {
		t.Fatalf("ReadInRoot = %q, %v", data, err)
	}
	if _, err := ReadInRoot(root, "../outside.txt"); err == nil {
		t.Error("expected error for path escaping the root")
	}
}

func TestReadOptional(t *testing.T) {
	dir := t.TempDir()

	data, ok, err := ReadOptional(filepath.Join(dir, ".env"))
	if err != nil || ok || data != nil {
		t.Fatalf("missing file: data=%q ok=%v err=%v", data, ok, err)
	}

	_, ok, err = ReadOptional(filepath.Join(dir, "gone", ".env"))
	if err != nil || ok {
		t.Fatalf("missing dir: ok=%v err=%v", ok, err)
	}

	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("A=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, ok, err = ReadOptional(p)
	if err != nil || !ok || string(data) != "A=1\n" {
		t.Fatalf("existing file: data=%q ok=%v err=%v", data, ok, err)
	}
}
