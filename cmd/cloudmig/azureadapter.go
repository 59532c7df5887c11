package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"github.com/gurre/cloudmig/store"
)

// azureClient adapts a real azblob service client to store.AzureAPI. It
// lives here rather than in the store package because it pulls in the
// full service/container/blockblob client hierarchy the store package
// deliberately avoids depending on.
type azureClient struct {
	svc *service.Client
}

var _ store.AzureAPI = (*azureClient)(nil)

func newAzureClient(svc *service.Client) *azureClient {
	return &azureClient{svc: svc}
}

func (a *azureClient) containerClient(name string) *container.Client {
	return a.svc.NewContainerClient(name)
}

func (a *azureClient) blockBlobClient(cont, blob string) *blockblob.Client {
	return a.containerClient(cont).NewBlockBlobClient(blob)
}

func (a *azureClient) CreateContainer(ctx context.Context, cont string) error {
	_, err := a.containerClient(cont).Create(ctx, nil)
	return err
}

func (a *azureClient) DeleteContainer(ctx context.Context, cont string) error {
	_, err := a.containerClient(cont).Delete(ctx, nil)
	return err
}

func (a *azureClient) ContainerExists(ctx context.Context, cont string) (bool, error) {
	_, err := a.containerClient(cont).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "ContainerNotFound") {
		return false, nil
	}
	return false, err
}

func (a *azureClient) ListBlobs(ctx context.Context, cont, prefix, delimiter string) ([]store.DirEntry, error) {
	pager := a.containerClient(cont).NewListBlobsHierarchyPager(delimiter, &container.ListBlobsHierarchyOptions{
		Prefix: to.Ptr(prefix),
	})
	var out []store.DirEntry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: listing blobs under %s: %w", prefix, err)
		}
		for _, p := range page.Segment.BlobPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(*p.Name, prefix), delimiter)
			out = append(out, store.DirEntry{Name: name, Type: store.KindDirectory})
		}
		for _, b := range page.Segment.BlobItems {
			name := strings.TrimPrefix(*b.Name, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			var size int64
			if b.Properties.ContentLength != nil {
				size = *b.Properties.ContentLength
			}
			out = append(out, store.DirEntry{Name: name, Type: store.KindRegular, Attrs: store.Attrs{Size: size}})
		}
	}
	return out, nil
}

func (a *azureClient) GetBlobProperties(ctx context.Context, cont, blob string) (store.Attrs, error) {
	props, err := a.blockBlobClient(cont, blob).GetProperties(ctx, nil)
	if err != nil {
		return store.Attrs{}, err
	}
	attrs := store.Attrs{}
	if props.ContentLength != nil {
		attrs.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		attrs.ModTime = *props.LastModified
	}
	return attrs, nil
}

func (a *azureClient) DownloadBlobRange(ctx context.Context, cont, blob string, offset, count int64) ([]byte, error) {
	resp, err := a.blockBlobClient(cont, blob).DownloadStream(ctx, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: count},
	})
	if err != nil {
		return nil, fmt.Errorf("azure: downloading %s: %w", blob, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (a *azureClient) UploadBlob(ctx context.Context, cont, blob string, data []byte) error {
	_, err := a.blockBlobClient(cont, blob).UploadBuffer(ctx, data, nil)
	return err
}

func (a *azureClient) DeleteBlob(ctx context.Context, cont, blob string) error {
	_, err := a.blockBlobClient(cont, blob).Delete(ctx, nil)
	return err
}

func (a *azureClient) StageBlock(ctx context.Context, cont, blob, blockID string, data []byte) error {
	_, err := a.blockBlobClient(cont, blob).StageBlock(ctx, blockID, streaming(data), nil)
	return err
}

func (a *azureClient) CommitBlockList(ctx context.Context, cont, blob string, blockIDs []string) error {
	_, err := a.blockBlobClient(cont, blob).CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{})
	return err
}

// streaming wraps data in a ReadSeekCloser, the shape StageBlock requires.
func streaming(data []byte) *bytesReadSeekCloser {
	return &bytesReadSeekCloser{Reader: bytes.NewReader(data)}
}

type bytesReadSeekCloser struct {
	*bytes.Reader
}

func (b *bytesReadSeekCloser) Close() error { return nil }
