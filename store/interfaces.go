// Package store implements the object-store abstraction every backend
// (S3, Azure Blob, local filesystem) is adapted to, so the migration core
// never depends on a vendor SDK directly.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Sentinel errors every backend maps its vendor-specific errors onto.
var (
	ErrNotExist     = errors.New("store: path does not exist")
	ErrExist        = errors.New("store: path already exists")
	ErrNotSupported = errors.New("store: operation not supported by backend")
)

// Locator addresses an object either as "bucket:relpath" (hosted backends)
// or as a bare filesystem path (the fs backend).
type Locator string

// Attrs carries the subset of metadata the migrator preserves across a copy.
type Attrs struct {
	Size    int64
	Mode    uint32
	ModTime time.Time
}

// OpenFlags selects read vs write intent for a streamed object.
type OpenFlags int

const (
	// OpenRead opens an existing object for chunked reading.
	OpenRead OpenFlags = iota
	// OpenWrite opens (or creates) an object for chunked writing.
	OpenWrite
)

// DirEntry is one row returned by DirHandle.Readdir.
type DirEntry struct {
	Name  string
	Attrs Attrs
	Type  EntryKind
}

// EntryKind mirrors entrytype.ObjectType without importing it, to keep
// store free of a dependency on the migration-domain packages above it.
type EntryKind int

const (
	KindUndefined EntryKind = iota
	KindRegular
	KindDirectory
	KindSymlink
)

// DirHandle iterates the children of a directory. Readdir returns io.EOF
// once exhausted.
type DirHandle interface {
	Readdir(ctx context.Context) (DirEntry, error)
	Close() error
}

// StreamHandle supports chunked transfer with opaque, backend-defined resume
// tokens that are persisted verbatim by the caller between chunks.
type StreamHandle interface {
	// Get reads up to maxLen bytes starting at the handle's current resume
	// position, returning the next resume token to persist.
	Get(ctx context.Context, maxLen int) (data []byte, next json.RawMessage, err error)
	// Put appends data at the handle's current resume position, returning
	// the next resume token to persist.
	Put(ctx context.Context, data []byte) (next json.RawMessage, err error)
	// Flush finalizes a partially written object (e.g. completes a
	// multipart upload). It is a no-op for backends without staged writes.
	Flush(ctx context.Context) error
	Close() error
}

// Client is the full object-store surface the migration core drives. Every
// method is backend-agnostic; locators and resume tokens are opaque to the
// caller beyond round-tripping them.
type Client interface {
	MakeBucket(ctx context.Context, name string) error
	DeleteBucket(ctx context.Context, name string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	ListAllBuckets(ctx context.Context) ([]string, error)

	Mkdir(ctx context.Context, path Locator, attrs Attrs) error
	Rmdir(ctx context.Context, path Locator) error
	Opendir(ctx context.Context, path Locator) (DirHandle, error)

	Getattr(ctx context.Context, path Locator) (Attrs, error)
	Readlink(ctx context.Context, path Locator) (string, error)
	Symlink(ctx context.Context, target string, path Locator) error

	Fget(ctx context.Context, path Locator) ([]byte, Attrs, error)
	Fput(ctx context.Context, path Locator, data []byte, attrs Attrs) error

	Open(ctx context.Context, path Locator, flags OpenFlags, resume json.RawMessage) (StreamHandle, error)
	Unlink(ctx context.Context, path Locator) error

	// Exists reports whether an object or directory entry is present,
	// without fetching its contents.
	Exists(ctx context.Context, path Locator) (bool, error)
}

// ReadSeekCloser is a convenience alias used by backends whose SDK returns
// a body needing both streaming and closing.
type ReadSeekCloser interface {
	io.Reader
	io.Closer
}
