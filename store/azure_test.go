package store

import (
	"context"
	"testing"
)

type mockAzureAPI struct {
	blobs map[string][]byte
}

func newMockAzureAPI() *mockAzureAPI { return &mockAzureAPI{blobs: map[string][]byte{}} }

func azKey(container, blob string) string { return container + "/" + blob }

func (m *mockAzureAPI) CreateContainer(ctx context.Context, container string) error { return nil }
func (m *mockAzureAPI) DeleteContainer(ctx context.Context, container string) error { return nil }
func (m *mockAzureAPI) ContainerExists(ctx context.Context, container string) (bool, error) {
	return true, nil
}
func (m *mockAzureAPI) ListBlobs(ctx context.Context, container, prefix, delimiter string) ([]DirEntry, error) {
	return nil, nil
}
func (m *mockAzureAPI) GetBlobProperties(ctx context.Context, container, blob string) (Attrs, error) {
	data, ok := m.blobs[azKey(container, blob)]
	if !ok {
		return Attrs{}, ErrNotExist
	}
	return Attrs{Size: int64(len(data))}, nil
}
func (m *mockAzureAPI) DownloadBlobRange(ctx context.Context, container, blob string, offset, count int64) ([]byte, error) {
	data, ok := m.blobs[azKey(container, blob)]
	if !ok {
		return nil, ErrNotExist
	}
	end := offset + count
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return data[offset:end], nil
}
func (m *mockAzureAPI) UploadBlob(ctx context.Context, container, blob string, data []byte) error {
	m.blobs[azKey(container, blob)] = data
	return nil
}
func (m *mockAzureAPI) DeleteBlob(ctx context.Context, container, blob string) error {
	delete(m.blobs, azKey(container, blob))
	return nil
}
func (m *mockAzureAPI) StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error {
	m.blobs[azKey(container, blob)] = append(m.blobs[azKey(container, blob)], data...)
	return nil
}
func (m *mockAzureAPI) CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error {
	return nil
}

func TestAzureFputFget(t *testing.T) {
	c := NewAzure(newMockAzureAPI())
	ctx := context.Background()
	if err := c.Fput(ctx, "container:blob1", []byte("hello"), Attrs{}); err != nil {
		t.Fatalf("Fput: %v", err)
	}
	data, _, err := c.Fget(ctx, "container:blob1")
	if err != nil {
		t.Fatalf("Fget: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected 'hello', got %q", data)
	}
}

func TestAzureChunkedPut(t *testing.T) {
	c := NewAzure(newMockAzureAPI())
	ctx := context.Background()
	h, err := c.Open(ctx, "container:big", OpenWrite, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Put(ctx, []byte("chunk1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
