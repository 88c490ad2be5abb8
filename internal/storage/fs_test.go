package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempStore(t)
	content := []byte("id: K-000001\n")
	if err := s.Write("atoms/K-000001.yaml", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("atoms/K-000001.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("gone.yaml", []byte("bye"))

	ok, err := s.Delete("gone.yaml")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if s.Exists("gone.yaml") {
		t.Error("file still exists after delete")
	}

	ok, err = s.Delete("gone.yaml")
	if err != nil || ok {
		t.Errorf("second Delete = %v, %v; want false, nil", ok, err)
	}
}

func TestListFiles(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("atoms/a.yaml", []byte("a"))
	_ = s.Write("atoms/b.json", []byte("b"))
	_ = s.Write("atoms/nested/c.yaml", []byte("c"))

	names, err := s.ListFiles("atoms")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("names = %v, want 2 regular files", names)
	}

	names, err = s.ListFiles("missing")
	if err != nil || len(names) != 0 {
		t.Errorf("missing dir = %v, %v; want empty, nil", names, err)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempStore(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.yaml",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("index.json", []byte("original"))

	if err := s.Write("index.json", []byte("updated")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("index.json")
	if string(got) != "updated" {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.Root(), ".ansuz-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if _, err := NewFS(dir); err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("root not created: %v", err)
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "ansuz-test-*")
	_ = f.Close()
	if _, err := NewFS(f.Name()); err == nil {
		t.Error("expected error when root is a file")
	}
}
