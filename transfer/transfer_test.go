package transfer

import (
	"context"
	"testing"

	"github.com/gurre/cloudmig/entrytype"
	"github.com/gurre/cloudmig/statusbucket"
	"github.com/gurre/cloudmig/store"
	"github.com/gurre/cloudmig/syncdir"
)

func newEngine(t *testing.T) (*Engine, store.Client, store.Client) {
	t.Helper()
	src, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS src: %v", err)
	}
	dst, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS dst: %v", err)
	}
	return New(src, dst, syncdir.NewContext()), src, dst
}

func TestTransferWholeFile(t *testing.T) {
	e, src, dst := newEngine(t)
	ctx := context.Background()
	src.Fput(ctx, "file1.txt", []byte("hello world"), store.Attrs{})

	entry := statusbucket.Entry{Path: "file1.txt", Size: 11, Type: entrytype.Regular}
	if err := e.Run(ctx, "", "", entry, statusbucket.Checkpoint{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, _, err := dst.Fget(ctx, "file1.txt")
	if err != nil {
		t.Fatalf("Fget: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("expected 'hello world', got %q", data)
	}
}

func TestTransferDirectory(t *testing.T) {
	e, src, dst := newEngine(t)
	ctx := context.Background()
	src.Mkdir(ctx, "dir1", store.Attrs{})

	entry := statusbucket.Entry{Path: "dir1", Type: entrytype.Directory}
	if err := e.Run(ctx, "", "", entry, statusbucket.Checkpoint{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exists, _ := dst.Exists(ctx, "dir1"); !exists {
		t.Error("expected directory to be created at destination")
	}
}

func TestTransferSymlink(t *testing.T) {
	e, src, dst := newEngine(t)
	ctx := context.Background()
	src.Fput(ctx, "target.txt", []byte("x"), store.Attrs{})
	src.Symlink(ctx, "target.txt", "link1")

	entry := statusbucket.Entry{Path: "link1", Type: entrytype.Symlink}
	if err := e.Run(ctx, "", "", entry, statusbucket.Checkpoint{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := dst.Readlink(ctx, "link1")
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "target.txt" {
		t.Errorf("expected 'target.txt', got %q", got)
	}
}

func TestTransferChunked(t *testing.T) {
	e, src, dst := newEngine(t)
	e.BlockSize = 4
	ctx := context.Background()
	content := []byte("0123456789abcdef")
	src.Fput(ctx, "big.bin", content, store.Attrs{})

	entry := statusbucket.Entry{Path: "big.bin", Size: int64(len(content)), Type: entrytype.Regular}
	var checkpoints []statusbucket.Checkpoint
	onCheckpoint := func(ctx context.Context, cp statusbucket.Checkpoint, chunkBytes int64) error {
		checkpoints = append(checkpoints, cp)
		return nil
	}
	if err := e.Run(ctx, "", "", entry, statusbucket.Checkpoint{}, onCheckpoint); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(checkpoints) == 0 {
		t.Fatal("expected at least one checkpoint to be recorded")
	}
	data, _, err := dst.Fget(ctx, "big.bin")
	if err != nil {
		t.Fatalf("Fget: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("expected %q, got %q", content, data)
	}
}

func TestTransferChunkedResume(t *testing.T) {
	e, src, dst := newEngine(t)
	e.BlockSize = 4
	ctx := context.Background()
	content := []byte("0123456789abcdef")
	src.Fput(ctx, "big.bin", content, store.Attrs{})

	entry := statusbucket.Entry{Path: "big.bin", Size: int64(len(content)), Type: entrytype.Regular}
	var last statusbucket.Checkpoint
	onFirst := func(ctx context.Context, cp statusbucket.Checkpoint, chunkBytes int64) error {
		last = cp
		return errStopAfterOne
	}
	err := e.Run(ctx, "", "", entry, statusbucket.Checkpoint{}, onFirst)
	if err == nil {
		t.Fatal("expected the injected stop error to propagate")
	}

	var checkpoints []statusbucket.Checkpoint
	onRest := func(ctx context.Context, cp statusbucket.Checkpoint, chunkBytes int64) error {
		checkpoints = append(checkpoints, cp)
		return nil
	}
	if err := e.Run(ctx, "", "", entry, last, onRest); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if last.Offset != 4 {
		t.Fatalf("expected first chunk to checkpoint at offset 4, got %d", last.Offset)
	}
	data, _, err := dst.Fget(ctx, "big.bin")
	if err != nil {
		t.Fatalf("Fget: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("expected resumed transfer to reassemble the full content without duplication, got %q", data)
	}
}

var errStopAfterOne = &stopError{}

type stopError struct{}

func (e *stopError) Error() string { return "stop after one chunk" }
