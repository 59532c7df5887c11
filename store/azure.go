package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureAPI is the narrow blob-storage surface the Azure backend drives,
// kept flat (rather than chaining through azblob's
// service/container/blockblob client hierarchy) so tests can supply a
// hand-written mock, the same interface-over-SDK pattern S3API follows.
// A concrete adapter over the real azblob SDK clients lives in a
// deployment's wiring code, not in this package.
type AzureAPI interface {
	CreateContainer(ctx context.Context, container string) error
	DeleteContainer(ctx context.Context, container string) error
	ContainerExists(ctx context.Context, container string) (bool, error)

	ListBlobs(ctx context.Context, container, prefix, delimiter string) ([]DirEntry, error)
	GetBlobProperties(ctx context.Context, container, blob string) (Attrs, error)
	DownloadBlobRange(ctx context.Context, container, blob string, offset, count int64) ([]byte, error)
	UploadBlob(ctx context.Context, container, blob string, data []byte) error
	DeleteBlob(ctx context.Context, container, blob string) error

	StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error
}

// Azure adapts an AzureAPI client to Client. A container plays the role of
// a bucket; blob virtual directories are modeled as zero-length blobs whose
// name ends in "/", the same convention the S3 backend uses for
// directories.
type Azure struct {
	api AzureAPI
}

// NewAzure wraps an Azure Blob Storage client.
func NewAzure(api AzureAPI) *Azure {
	return &Azure{api: api}
}

func splitAzureLocator(l Locator) (container, blob string, err error) {
	s := string(l)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", fmt.Errorf("store: locator %q is missing a container prefix", s)
	}
	return s[:i], s[i+1:], nil
}

func (c *Azure) MakeBucket(ctx context.Context, name string) error {
	err := c.api.CreateContainer(ctx, name)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return ErrExist
	}
	return err
}

func (c *Azure) DeleteBucket(ctx context.Context, name string) error {
	return c.api.DeleteContainer(ctx, name)
}

func (c *Azure) BucketExists(ctx context.Context, name string) (bool, error) {
	return c.api.ContainerExists(ctx, name)
}

func (c *Azure) ListAllBuckets(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("store: azure container enumeration: %w", ErrNotSupported)
}

func (c *Azure) Mkdir(ctx context.Context, path Locator, attrs Attrs) error {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return err
	}
	if exists, err := c.Exists(ctx, path); err != nil {
		return err
	} else if exists {
		return ErrExist
	}
	return c.api.UploadBlob(ctx, container, dirKey(blob), nil)
}

func (c *Azure) Rmdir(ctx context.Context, path Locator) error {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return err
	}
	return c.api.DeleteBlob(ctx, container, dirKey(blob))
}

type azureDirHandle struct {
	entries []DirEntry
	idx     int
}

func (c *Azure) Opendir(ctx context.Context, path Locator) (DirHandle, error) {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return nil, err
	}
	entries, err := c.api.ListBlobs(ctx, container, dirKey(blob), "/")
	if err != nil {
		return nil, err
	}
	return &azureDirHandle{entries: entries}, nil
}

func (h *azureDirHandle) Readdir(ctx context.Context) (DirEntry, error) {
	if h.idx >= len(h.entries) {
		return DirEntry{}, io.EOF
	}
	e := h.entries[h.idx]
	h.idx++
	return e, nil
}

func (h *azureDirHandle) Close() error { return nil }

func (c *Azure) Getattr(ctx context.Context, path Locator) (Attrs, error) {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return Attrs{}, err
	}
	attrs, err := c.api.GetBlobProperties(ctx, container, blob)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return Attrs{}, ErrNotExist
	}
	return attrs, err
}

func (c *Azure) Readlink(ctx context.Context, path Locator) (string, error) {
	data, _, err := c.Fget(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Azure) Symlink(ctx context.Context, target string, path Locator) error {
	return c.Fput(ctx, path, []byte(target), Attrs{})
}

func (c *Azure) Fget(ctx context.Context, path Locator) ([]byte, Attrs, error) {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return nil, Attrs{}, err
	}
	attrs, err := c.api.GetBlobProperties(ctx, container, blob)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, Attrs{}, ErrNotExist
		}
		return nil, Attrs{}, err
	}
	data, err := c.api.DownloadBlobRange(ctx, container, blob, 0, attrs.Size)
	if err != nil {
		return nil, Attrs{}, err
	}
	return data, attrs, nil
}

func (c *Azure) Fput(ctx context.Context, path Locator, data []byte, attrs Attrs) error {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return err
	}
	return c.api.UploadBlob(ctx, container, blob, data)
}

func (c *Azure) Unlink(ctx context.Context, path Locator) error {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return err
	}
	err = c.api.DeleteBlob(ctx, container, blob)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return ErrNotExist
	}
	return err
}

func (c *Azure) Exists(ctx context.Context, path Locator) (bool, error) {
	_, err := c.Getattr(ctx, path)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// azureResume tracks the stream's byte offset and staged block IDs used for
// chunked transfer, since block-blob storage stages whole buffers rather
// than exposing a byte-range streaming primitive the way S3 multipart does.
type azureResume struct {
	Offset   int64    `json:"offset"`
	BlockIDs []string `json:"block_ids,omitempty"`
}

type azureStreamHandle struct {
	api       AzureAPI
	container string
	blob      string
	flags     OpenFlags
	state     azureResume
}

func (c *Azure) Open(ctx context.Context, path Locator, flags OpenFlags, resume json.RawMessage) (StreamHandle, error) {
	container, blob, err := splitAzureLocator(path)
	if err != nil {
		return nil, err
	}
	var state azureResume
	if len(resume) > 0 {
		if err := json.Unmarshal(resume, &state); err != nil {
			return nil, fmt.Errorf("store: invalid azure resume token: %w", err)
		}
	}
	return &azureStreamHandle{api: c.api, container: container, blob: blob, flags: flags, state: state}, nil
}

func (h *azureStreamHandle) Get(ctx context.Context, maxLen int) ([]byte, json.RawMessage, error) {
	data, err := h.api.DownloadBlobRange(ctx, h.container, h.blob, h.state.Offset, int64(maxLen))
	if err != nil {
		return nil, nil, err
	}
	h.state.Offset += int64(len(data))
	next, err := json.Marshal(h.state)
	if err != nil {
		return nil, nil, err
	}
	var eofErr error
	if len(data) < maxLen {
		eofErr = io.EOF
	}
	return data, next, eofErr
}

func (h *azureStreamHandle) Put(ctx context.Context, data []byte) (json.RawMessage, error) {
	blockID := fmt.Sprintf("%010d", len(h.state.BlockIDs))
	if err := h.api.StageBlock(ctx, h.container, h.blob, blockID, data); err != nil {
		return nil, err
	}
	h.state.BlockIDs = append(h.state.BlockIDs, blockID)
	h.state.Offset += int64(len(data))
	return json.Marshal(h.state)
}

func (h *azureStreamHandle) Flush(ctx context.Context) error {
	if h.flags != OpenWrite || len(h.state.BlockIDs) == 0 {
		return nil
	}
	return h.api.CommitBlockList(ctx, h.container, h.blob, h.state.BlockIDs)
}

func (h *azureStreamHandle) Close() error { return nil }

var _ Client = (*Azure)(nil)
