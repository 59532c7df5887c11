// Package transfer implements the per-object copy engine: the dispatch on
// entry type and the whole-vs-chunked transfer strategies.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gurre/cloudmig/digest"
	"github.com/gurre/cloudmig/entrytype"
	"github.com/gurre/cloudmig/statusbucket"
	"github.com/gurre/cloudmig/store"
	"github.com/gurre/cloudmig/syncdir"
)

// DefaultBlockSize is the size threshold above which a regular file is copied
// via chunked streaming instead of a single Fget/Fput pair.
const DefaultBlockSize = 8 * 1024 * 1024

// Engine copies one entry at a time from src to dst, coordinating
// directory creation through a shared syncdir.Context.
type Engine struct {
	src, dst  store.Client
	dirs      *syncdir.Context
	BlockSize int64

	// Digest, when set, receives DoneBytes for whole-file and symlink
	// entries as soon as they finish (chunked entries already accrue
	// theirs incrementally through their checkpoint callback).
	Digest *digest.Digest

	// CreateDirectories, when set, makes Run ensure every ancestor of an
	// entry's destination path exists before writing it, guarding against
	// a worker reaching a file entry before another worker has finished
	// creating its parent directory entry.
	CreateDirectories bool
}

// New returns an Engine transferring between src and dst, coordinating
// concurrent directory creation through dirs.
func New(src, dst store.Client, dirs *syncdir.Context) *Engine {
	return &Engine{src: src, dst: dst, dirs: dirs, BlockSize: DefaultBlockSize}
}

// isTransientStoreError reports whether err is worth retrying rather than
// failing the entry outright. Context cancellation is never transient.
func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, store.ErrNotExist) || errors.Is(err, store.ErrExist) || errors.Is(err, store.ErrNotSupported) {
		return false
	}
	return true
}

// IsTransient exposes isTransientStoreError for callers outside the
// package (the migration driver's retry loop).
func IsTransient(err error) bool { return isTransientStoreError(err) }

// Run transfers one entry, dispatching on its type. srcRoot and dstRoot
// are the bucket's source and destination roots (statusbucket.Plan's
// SrcPath/DstPath); entry.Path is always relative to them. cp carries any
// previously persisted checkpoint for a chunked regular-file transfer;
// onCheckpoint is invoked after each chunk so the caller can persist
// progress.
func (e *Engine) Run(ctx context.Context, srcRoot, dstRoot store.Locator, entry statusbucket.Entry, cp statusbucket.Checkpoint, onCheckpoint func(ctx context.Context, cp statusbucket.Checkpoint, chunkBytes int64) error) error {
	if e.CreateDirectories {
		if err := e.createParentDirs(ctx, entry.Path, dstRoot); err != nil {
			return err
		}
	}

	srcPath := join(srcRoot, entry.Path)
	dstPath := join(dstRoot, entry.Path)
	switch entry.Type {
	case entrytype.Directory:
		return e.transferDirectory(ctx, entry, srcPath, dstPath)
	case entrytype.Symlink:
		return e.transferSymlink(ctx, entry, srcPath, dstPath)
	case entrytype.Regular:
		if entry.Size <= e.blockSize() {
			return e.transferWhole(ctx, entry, srcPath, dstPath)
		}
		return e.transferChunked(ctx, entry, srcPath, dstPath, cp, onCheckpoint)
	default:
		return fmt.Errorf("transfer: entry %q has undefined type", entry.Path)
	}
}

// join appends rel to root with a single "/" separator; rel is always a
// plan-relative path, never empty, so no trailing-slash handling is
// needed.
func join(root store.Locator, rel string) store.Locator {
	if root == "" {
		return store.Locator(rel)
	}
	return store.Locator(string(root) + "/" + rel)
}

func (e *Engine) blockSize() int64 {
	if e.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return e.BlockSize
}

// createParentDirs walks every ancestor directory of rel under dstRoot,
// in order, creating each one through the same syncdir coordination
// transferDirectory uses so concurrent workers never race to create the
// same ancestor.
func (e *Engine) createParentDirs(ctx context.Context, rel string, dstRoot store.Locator) error {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	parts := strings.Split(dir, "/")
	cur := ""
	for _, part := range parts {
		if cur == "" {
			cur = part
		} else {
			cur = cur + "/" + part
		}

		h, responsible := e.dirs.Register(cur)
		if !responsible {
			exists := e.dirs.Wait(h)
			e.dirs.Unregister(h, false, false)
			if !exists {
				return fmt.Errorf("transfer: parent directory %s was not created by its responsible worker", cur)
			}
			continue
		}

		err := e.dst.Mkdir(ctx, join(dstRoot, cur), store.Attrs{})
		exists := err == nil || errors.Is(err, store.ErrExist)
		e.dirs.Unregister(h, true, exists)
		if err != nil && !errors.Is(err, store.ErrExist) {
			return fmt.Errorf("transfer: creating parent directory %s: %w", cur, err)
		}
	}
	return nil
}

func (e *Engine) addDoneBytes(ctx context.Context, n int64) error {
	if e.Digest == nil {
		return nil
	}
	return e.Digest.Add(ctx, digest.DoneBytes, n)
}

func (e *Engine) transferDirectory(ctx context.Context, entry statusbucket.Entry, srcPath, dstPath store.Locator) error {
	attrs, err := e.src.Getattr(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("transfer: stat source directory %s: %w", entry.Path, err)
	}

	h, responsible := e.dirs.Register(entry.Path)
	if !responsible {
		exists := e.dirs.Wait(h)
		e.dirs.Unregister(h, false, false)
		if !exists {
			return fmt.Errorf("transfer: directory %s was not created by its responsible worker", entry.Path)
		}
		return nil
	}

	err = e.dst.Mkdir(ctx, dstPath, attrs)
	exists := err == nil || errors.Is(err, store.ErrExist)
	e.dirs.Unregister(h, true, exists)
	if err != nil && !errors.Is(err, store.ErrExist) {
		return fmt.Errorf("transfer: creating directory %s: %w", entry.Path, err)
	}
	return nil
}

func (e *Engine) transferSymlink(ctx context.Context, entry statusbucket.Entry, srcPath, dstPath store.Locator) error {
	target, err := e.src.Readlink(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("transfer: reading symlink %s: %w", entry.Path, err)
	}
	if err := e.dst.Symlink(ctx, target, dstPath); err != nil && !errors.Is(err, store.ErrExist) {
		return fmt.Errorf("transfer: creating symlink %s: %w", entry.Path, err)
	}
	return e.addDoneBytes(ctx, entry.Size)
}

func (e *Engine) transferWhole(ctx context.Context, entry statusbucket.Entry, srcPath, dstPath store.Locator) error {
	data, attrs, err := e.src.Fget(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("transfer: reading %s: %w", entry.Path, err)
	}
	if err := e.dst.Fput(ctx, dstPath, data, attrs); err != nil {
		return fmt.Errorf("transfer: writing %s: %w", entry.Path, err)
	}
	return e.addDoneBytes(ctx, entry.Size)
}

func (e *Engine) transferChunked(ctx context.Context, entry statusbucket.Entry, srcPath, dstPath store.Locator, cp statusbucket.Checkpoint, onCheckpoint func(ctx context.Context, cp statusbucket.Checkpoint, chunkBytes int64) error) error {
	rh, err := e.src.Open(ctx, srcPath, store.OpenRead, cp.RStatus)
	if err != nil {
		return fmt.Errorf("transfer: opening source %s for read: %w", entry.Path, err)
	}
	defer rh.Close()

	wh, err := e.dst.Open(ctx, dstPath, store.OpenWrite, cp.WStatus)
	if err != nil {
		return fmt.Errorf("transfer: opening destination %s for write: %w", entry.Path, err)
	}
	defer wh.Close()

	offset := cp.Offset
	for {
		data, rNext, rErr := rh.Get(ctx, int(e.blockSize()))
		if rErr != nil && rErr != io.EOF {
			return fmt.Errorf("transfer: reading chunk of %s at offset %d: %w", entry.Path, offset, rErr)
		}
		if len(data) > 0 {
			wNext, wErr := wh.Put(ctx, data)
			if wErr != nil {
				return fmt.Errorf("transfer: writing chunk of %s at offset %d: %w", entry.Path, offset, wErr)
			}
			offset += int64(len(data))
			if onCheckpoint != nil {
				next := statusbucket.Checkpoint{Offset: offset, RStatus: rNext, WStatus: wNext}
				if err := onCheckpoint(ctx, next, int64(len(data))); err != nil {
					return fmt.Errorf("transfer: persisting checkpoint for %s: %w", entry.Path, err)
				}
			}
		}
		if rErr == io.EOF {
			break
		}
	}

	if err := wh.Flush(ctx); err != nil {
		return fmt.Errorf("transfer: flushing %s: %w", entry.Path, err)
	}
	return nil
}
