package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FS is a Client backed by the local filesystem, used both for source
// trees rooted outside any hosted vendor and as the destination for the
// fixture generator. Locators are plain filesystem paths; the bucket
// concept is a top-level directory.
type FS struct {
	root string
}

// NewFS returns a filesystem-backed Client rooted at root. root must be an
// absolute path, so every Locator resolves unambiguously regardless of
// the caller's working directory.
func NewFS(root string) (*FS, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("store: fs root must be absolute, got %q", root)
	}
	return &FS{root: root}, nil
}

func (f *FS) resolve(path Locator) string {
	return filepath.Join(f.root, filepath.FromSlash(string(path)))
}

// MakeBucket always reports ErrNotSupported: a plain filesystem has no
// bucket-creation primitive distinct from Mkdir, so callers fall back to
// creating a plain directory instead.
func (f *FS) MakeBucket(ctx context.Context, name string) error {
	return ErrNotSupported
}

func (f *FS) DeleteBucket(ctx context.Context, name string) error {
	return os.RemoveAll(filepath.Join(f.root, name))
}

func (f *FS) BucketExists(ctx context.Context, name string) (bool, error) {
	info, err := os.Stat(filepath.Join(f.root, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (f *FS) ListAllBuckets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (f *FS) Mkdir(ctx context.Context, path Locator, attrs Attrs) error {
	p := f.resolve(path)
	if err := os.Mkdir(p, os.FileMode(attrs.Mode)|0o755); err != nil {
		if os.IsExist(err) {
			return ErrExist
		}
		return err
	}
	return nil
}

func (f *FS) Rmdir(ctx context.Context, path Locator) error {
	if err := os.Remove(f.resolve(path)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return err
	}
	return nil
}

type fsDirHandle struct {
	entries []os.DirEntry
	idx     int
}

func (f *FS) Opendir(ctx context.Context, path Locator) (DirHandle, error) {
	entries, err := os.ReadDir(f.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return &fsDirHandle{entries: entries}, nil
}

func (h *fsDirHandle) Readdir(ctx context.Context) (DirEntry, error) {
	if h.idx >= len(h.entries) {
		return DirEntry{}, io.EOF
	}
	e := h.entries[h.idx]
	h.idx++
	info, err := e.Info()
	if err != nil {
		return DirEntry{}, err
	}
	kind := KindRegular
	switch {
	case e.IsDir():
		kind = KindDirectory
	case info.Mode()&os.ModeSymlink != 0:
		kind = KindSymlink
	}
	return DirEntry{
		Name: e.Name(),
		Type: kind,
		Attrs: Attrs{
			Size:    info.Size(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime(),
		},
	}, nil
}

func (h *fsDirHandle) Close() error { return nil }

func (f *FS) Getattr(ctx context.Context, path Locator) (Attrs, error) {
	info, err := os.Lstat(f.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Attrs{}, ErrNotExist
		}
		return Attrs{}, err
	}
	return Attrs{Size: info.Size(), Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime()}, nil
}

func (f *FS) Readlink(ctx context.Context, path Locator) (string, error) {
	return os.Readlink(f.resolve(path))
}

func (f *FS) Symlink(ctx context.Context, target string, path Locator) error {
	if err := os.Symlink(target, f.resolve(path)); err != nil {
		if os.IsExist(err) {
			return ErrExist
		}
		return err
	}
	return nil
}

func (f *FS) Fget(ctx context.Context, path Locator) ([]byte, Attrs, error) {
	p := f.resolve(path)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Attrs{}, ErrNotExist
		}
		return nil, Attrs{}, err
	}
	attrs, err := f.Getattr(ctx, path)
	if err != nil {
		return nil, Attrs{}, err
	}
	return data, attrs, nil
}

func (f *FS) Fput(ctx context.Context, path Locator, data []byte, attrs Attrs) error {
	p := f.resolve(path)
	mode := os.FileMode(attrs.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, mode)
}

func (f *FS) Unlink(ctx context.Context, path Locator) error {
	if err := os.Remove(f.resolve(path)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return err
	}
	return nil
}

func (f *FS) Exists(ctx context.Context, path Locator) (bool, error) {
	_, err := os.Lstat(f.resolve(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// fsResume tracks a chunked stream's byte offset as its opaque resume
// token, matching the shape every other backend's resume token carries.
type fsResume struct {
	Offset int64 `json:"offset"`
}

type fsStreamHandle struct {
	file   *os.File
	offset int64
}

func (f *FS) Open(ctx context.Context, path Locator, flags OpenFlags, resume json.RawMessage) (StreamHandle, error) {
	p := f.resolve(path)
	var r fsResume
	if len(resume) > 0 {
		if err := json.Unmarshal(resume, &r); err != nil {
			return nil, fmt.Errorf("store: invalid fs resume token: %w", err)
		}
	}
	var file *os.File
	var err error
	switch flags {
	case OpenRead:
		file, err = os.Open(p)
	default:
		if mkErr := os.MkdirAll(filepath.Dir(p), 0o755); mkErr != nil {
			return nil, mkErr
		}
		file, err = os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	if _, err := file.Seek(r.Offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return &fsStreamHandle{file: file, offset: r.Offset}, nil
}

func (h *fsStreamHandle) Get(ctx context.Context, maxLen int) ([]byte, json.RawMessage, error) {
	buf := make([]byte, maxLen)
	n, err := h.file.Read(buf)
	if n > 0 {
		h.offset += int64(n)
	}
	next, mErr := json.Marshal(fsResume{Offset: h.offset})
	if mErr != nil {
		return nil, nil, mErr
	}
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	return buf[:n], next, err
}

func (h *fsStreamHandle) Put(ctx context.Context, data []byte) (json.RawMessage, error) {
	n, err := h.file.Write(data)
	h.offset += int64(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fsResume{Offset: h.offset})
}

func (h *fsStreamHandle) Flush(ctx context.Context) error {
	return h.file.Sync()
}

func (h *fsStreamHandle) Close() error {
	return h.file.Close()
}

var _ Client = (*FS)(nil)

// trimBucketPrefix splits a "bucket:relpath" locator at its first ':'; a
// locator without one yields an empty bucket. The fs backend's own path
// resolution does not call it.
func trimBucketPrefix(l Locator) (bucket, rel string) {
	s := string(l)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
