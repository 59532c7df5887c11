package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"
)

func TestFSFputFget(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	if err := fs.Fput(ctx, "bucket/key1", []byte("hello"), Attrs{}); err != nil {
		t.Fatalf("Fput: %v", err)
	}
	data, _, err := fs.Fget(ctx, "bucket/key1")
	if err != nil {
		t.Fatalf("Fget: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected 'hello', got %q", data)
	}
}

func TestFSMkdirExists(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	if err := fs.Mkdir(ctx, "dir1", Attrs{}); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Mkdir(ctx, "dir1", Attrs{}); err != ErrExist {
		t.Errorf("expected ErrExist, got %v", err)
	}
}

func TestFSChunkedResume(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	h, err := fs.Open(ctx, "file1", OpenWrite, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	resume1, err := h.Put(ctx, []byte("abc"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h.Close()

	h2, err := fs.Open(ctx, "file1", OpenWrite, resume1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	resume, err := h2.Put(ctx, []byte("def"))
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	h2.Close()

	h3, err := fs.Open(ctx, "file1", OpenRead, nil)
	if err != nil {
		t.Fatalf("reopen for read: %v", err)
	}
	data, _, err := h3.Get(ctx, 16)
	if err != nil && err != io.EOF {
		t.Fatalf("Get: %v", err)
	}
	h3.Close()
	if string(data) != "abcdef" {
		t.Errorf("expected 'abcdef', got %q", data)
	}
	if len(resume) == 0 {
		t.Error("expected non-empty resume token")
	}
	_ = filepath.Join(root, "file1")
}

func TestFSNotAbsolute(t *testing.T) {
	if _, err := NewFS("relative/path"); err == nil {
		t.Error("expected error for relative root")
	}
}
