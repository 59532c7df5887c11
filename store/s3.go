package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the AWS SDK v2 S3 client the store package drives,
// kept narrow so tests can supply a hand-written mock instead of a live
// client, following the same interface-over-SDK pattern as the rest of the
// migration core.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3 adapts an S3API client to Client. Directories are modeled as
// zero-length objects whose key ends in "/", matching the common S3
// convention for tools that must round-trip an explicit directory entry.
type S3 struct {
	api S3API
}

// NewS3 wraps an AWS SDK v2 S3 client (or mock satisfying S3API).
func NewS3(api S3API) *S3 {
	return &S3{api: api}
}

func splitLocator(l Locator) (bucket, key string, err error) {
	s := string(l)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", fmt.Errorf("store: locator %q is missing a bucket prefix", s)
	}
	return s[:i], s[i+1:], nil
}

func (c *S3) MakeBucket(ctx context.Context, name string) error {
	_, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	var already *types.BucketAlreadyOwnedByYou
	if errors.As(err, &already) {
		return ErrExist
	}
	return err
}

func (c *S3) DeleteBucket(ctx context.Context, name string) error {
	_, err := c.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	return err
}

func (c *S3) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, err
}

func (c *S3) ListAllBuckets(ctx context.Context) ([]string, error) {
	out, err := c.api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	return names, nil
}

func (c *S3) Mkdir(ctx context.Context, path Locator, attrs Attrs) error {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return err
	}
	if exists, err := c.Exists(ctx, path); err != nil {
		return err
	} else if exists {
		return ErrExist
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(dirKey(key)),
		Body:   bytes.NewReader(nil),
	})
	return err
}

func (c *S3) Rmdir(ctx context.Context, path Locator) error {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return err
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(dirKey(key))})
	return err
}

func dirKey(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

type s3DirHandle struct {
	entries []DirEntry
	idx     int
}

func (c *S3) Opendir(ctx context.Context, path Locator) (DirHandle, error) {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return nil, err
	}
	prefix := dirKey(key)
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(out.Contents)+len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		entries = append(entries, DirEntry{Name: name, Type: KindDirectory})
	}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		entries = append(entries, DirEntry{
			Name:  name,
			Type:  KindRegular,
			Attrs: Attrs{Size: aws.ToInt64(obj.Size)},
		})
	}
	return &s3DirHandle{entries: entries}, nil
}

func (h *s3DirHandle) Readdir(ctx context.Context) (DirEntry, error) {
	if h.idx >= len(h.entries) {
		return DirEntry{}, io.EOF
	}
	e := h.entries[h.idx]
	h.idx++
	return e, nil
}

func (h *s3DirHandle) Close() error { return nil }

func (c *S3) Getattr(ctx context.Context, path Locator) (Attrs, error) {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return Attrs{}, err
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Attrs{}, ErrNotExist
		}
		return Attrs{}, err
	}
	attrs := Attrs{Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		attrs.ModTime = *out.LastModified
	}
	return attrs, nil
}

// Readlink is not a native S3 concept; the object's body carries the link
// target, matching how the migrator recreates symlinks against hosted
// stores that lack a first-class link type.
func (c *S3) Readlink(ctx context.Context, path Locator) (string, error) {
	data, _, err := c.Fget(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *S3) Symlink(ctx context.Context, target string, path Locator) error {
	return c.Fput(ctx, path, []byte(target), Attrs{})
}

func (c *S3) Fget(ctx context.Context, path Locator) ([]byte, Attrs, error) {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return nil, Attrs{}, err
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, Attrs{}, ErrNotExist
		}
		return nil, Attrs{}, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Attrs{}, err
	}
	attrs := Attrs{Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		attrs.ModTime = *out.LastModified
	}
	return data, attrs, nil
}

func (c *S3) Fput(ctx context.Context, path Locator, data []byte, attrs Attrs) error {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return err
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (c *S3) Unlink(ctx context.Context, path Locator) error {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return err
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

func (c *S3) Exists(ctx context.Context, path Locator) (bool, error) {
	_, err := c.Getattr(ctx, path)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// s3Resume is the chunked-transfer resume token: a byte offset for GET
// (served via Range) and an in-progress multipart upload for PUT.
type s3Resume struct {
	Offset   int64  `json:"offset"`
	UploadID string `json:"upload_id,omitempty"`
	PartNum  int32  `json:"part_num,omitempty"`
	ETags    []string `json:"etags,omitempty"`
}

type s3StreamHandle struct {
	api    S3API
	bucket string
	key    string
	flags  OpenFlags
	state  s3Resume
}

func (c *S3) Open(ctx context.Context, path Locator, flags OpenFlags, resume json.RawMessage) (StreamHandle, error) {
	bucket, key, err := splitLocator(path)
	if err != nil {
		return nil, err
	}
	var state s3Resume
	if len(resume) > 0 {
		if err := json.Unmarshal(resume, &state); err != nil {
			return nil, fmt.Errorf("store: invalid s3 resume token: %w", err)
		}
	}
	h := &s3StreamHandle{api: c.api, bucket: bucket, key: key, flags: flags, state: state}
	if flags == OpenWrite && h.state.UploadID == "" {
		out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, err
		}
		h.state.UploadID = aws.ToString(out.UploadId)
	}
	return h, nil
}

func (h *s3StreamHandle) Get(ctx context.Context, maxLen int) ([]byte, json.RawMessage, error) {
	rng := fmt.Sprintf("bytes=%d-%d", h.state.Offset, h.state.Offset+int64(maxLen)-1)
	out, err := h.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		var ir *types.InvalidRange
		if errors.As(err, &ir) {
			next, _ := json.Marshal(h.state)
			return nil, next, io.EOF
		}
		return nil, nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
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

func (h *s3StreamHandle) Put(ctx context.Context, data []byte) (json.RawMessage, error) {
	h.state.PartNum++
	out, err := h.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(h.bucket),
		Key:        aws.String(h.key),
		UploadId:   aws.String(h.state.UploadID),
		PartNumber: aws.Int32(h.state.PartNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return nil, err
	}
	h.state.ETags = append(h.state.ETags, aws.ToString(out.ETag))
	h.state.Offset += int64(len(data))
	return json.Marshal(h.state)
}

func (h *s3StreamHandle) Flush(ctx context.Context) error {
	if h.flags != OpenWrite || h.state.UploadID == "" {
		return nil
	}
	parts := make([]types.CompletedPart, len(h.state.ETags))
	for i, tag := range h.state.ETags {
		parts[i] = types.CompletedPart{ETag: aws.String(tag), PartNumber: aws.Int32(int32(i + 1))}
	}
	_, err := h.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(h.bucket),
		Key:             aws.String(h.key),
		UploadId:        aws.String(h.state.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return err
}

func (h *s3StreamHandle) Close() error { return nil }

var _ Client = (*S3)(nil)
