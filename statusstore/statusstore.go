// Package statusstore implements the top-level status store: the
// collection of per-bucket plans plus the status digest that together
// describe a migration run.
package statusstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gurre/cloudmig/digest"
	"github.com/gurre/cloudmig/statusbucket"
	"github.com/gurre/cloudmig/store"
)

// maxStatusNameLen is the cutoff past which the derived status-store name
// falls back to a fixed name, matching the shortest common bucket-name
// length limit across major object-store backends.
const maxStatusNameLen = 255

// BucketMapping pairs a source bucket with its destination.
type BucketMapping struct {
	Src store.Locator
	Dst store.Locator
}

// Store is the top-level collection of bucket plans for one migration run.
type Store struct {
	mu           sync.Mutex // serializes bucket selection across workers
	client       store.Client
	StorePath    store.Locator
	PathIsBucket bool
	Digest       *digest.Digest

	Buckets   []*statusbucket.Status
	NLoaded   int
	CurBucket int
	anyBucket int
}

// DeriveName builds the status-store bucket name "cloudmig.<srcHost>.to.<dstHost>",
// falling back to "cloudmig.status" if that exceeds maxStatusNameLen bytes,
// a limit most object-store bucket-naming rules share.
func DeriveName(srcHost, dstHost string) string {
	name := fmt.Sprintf("cloudmig.%s.to.%s", srcHost, dstHost)
	if len(name) > maxStatusNameLen {
		return "cloudmig.status"
	}
	return name
}

// Open attempts to create the status-store bucket, falling back to Mkdir
// on a backend that doesn't support hosted buckets, then returns a fresh
// Store rooted there.
func Open(ctx context.Context, client store.Client, name string) (*Store, error) {
	err := client.MakeBucket(ctx, name)
	pathIsBucket := true
	if err == store.ErrNotSupported {
		if mkErr := client.Mkdir(ctx, store.Locator(name), store.Attrs{}); mkErr != nil && mkErr != store.ErrExist {
			return nil, fmt.Errorf("statusstore: creating store path %s: %w", name, mkErr)
		}
		pathIsBucket = false
	} else if err != nil && err != store.ErrExist {
		return nil, fmt.Errorf("statusstore: creating store bucket %s: %w", name, err)
	}

	storePath := store.Locator(name)
	return &Store{
		client:       client,
		StorePath:    storePath,
		PathIsBucket: pathIsBucket,
		Digest:       digest.New(client, digestPath(storePath, pathIsBucket)),
	}, nil
}

func digestPath(storePath store.Locator, pathIsBucket bool) store.Locator {
	if pathIsBucket {
		return store.Locator(string(storePath) + ":.cloudmig")
	}
	return store.Locator(string(storePath) + "/.cloudmig")
}

func (s *Store) entryLocator(relpath string) store.Locator {
	if s.PathIsBucket {
		return store.Locator(string(s.StorePath) + ":" + relpath)
	}
	return store.Locator(string(s.StorePath) + "/" + relpath)
}

// Reconcile implements the four-step load/update algorithm: download the
// digest (regenerating if absent), load every plan document already
// present, mark configured mappings found, create+load plans for any
// unmapped configured bucket, then force-upload the digest.
//
// A missing digest alongside existing plan documents means an earlier run
// never got as far as writing a digest back (or it was lost) — the digest
// is rebuilt from the plans in that case, but only when forceResume is
// set, since the rebuilt totals ignore any transfer the interrupted run
// made that its plan documents didn't yet capture.
func (s *Store) Reconcile(ctx context.Context, mappings []BucketMapping, forceResume bool) error {
	digestErr := s.Digest.Download(ctx)
	if digestErr != nil && digestErr != store.ErrNotExist {
		return fmt.Errorf("statusstore: downloading digest: %w", digestErr)
	}
	digestExisted := digestErr == nil

	dh, err := s.client.Opendir(ctx, s.entryLocator(""))
	if err != nil {
		return fmt.Errorf("statusstore: opening store path %s: %w", s.StorePath, err)
	}
	defer dh.Close()

	found := make(map[string]bool)
	for {
		entry, err := dh.Readdir(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("statusstore: reading store path %s: %w", s.StorePath, err)
		}
		if !strings.HasSuffix(entry.Name, ".json") {
			continue
		}
		planPath := s.entryLocator(entry.Name)
		bucket, err := statusbucket.Load(ctx, s.client, planPath)
		if err != nil {
			return fmt.Errorf("statusstore: loading plan %s: %w", planPath, err)
		}
		if !digestExisted && !forceResume {
			return fmt.Errorf("statusstore: digest missing for store %s with existing plan %s; rerun with force-resume to rebuild it", s.StorePath, planPath)
		}
		s.appendBucket(bucket)
		if !digestExisted {
			if err := s.addDigestTotals(ctx, bucket); err != nil {
				return err
			}
		}
		found[string(bucket.Plan().SrcPath)] = true
	}

	for _, m := range mappings {
		if found[string(m.Src)] {
			continue
		}
		planPath := s.entryLocator(store.EncodeLocator(m.Src) + ".json")
		bucket, err := statusbucket.Create(ctx, s.client, planPath, m.Src, m.Dst)
		if err != nil {
			return fmt.Errorf("statusstore: creating plan for %s: %w", m.Src, err)
		}
		s.appendBucket(bucket)
		if err := s.addDigestTotals(ctx, bucket); err != nil {
			return err
		}
	}

	return s.Digest.Upload(ctx)
}

func (s *Store) appendBucket(b *statusbucket.Status) {
	s.Buckets = append(s.Buckets, b)
	s.NLoaded++
}

// addDigestTotals folds a bucket's object/byte totals, plus whatever is
// already marked done, into the digest. Only called for buckets the
// digest doesn't already account for: newly created plans, or every
// loaded plan when the digest itself had to be rebuilt from scratch.
func (s *Store) addDigestTotals(ctx context.Context, b *statusbucket.Status) error {
	plan := b.Plan()
	for field, delta := range map[digest.Field]int64{
		digest.Objects:     plan.ObjectsTotal,
		digest.Bytes:       plan.BytesTotal,
		digest.DoneObjects: plan.ObjectsDone,
		digest.DoneBytes:   plan.BytesDone,
	} {
		if err := s.Digest.Add(ctx, field, delta); err != nil {
			return fmt.Errorf("statusstore: updating digest for %s: %w", b.Path, err)
		}
	}
	return nil
}

// NextIncompleteEntry walks buckets starting at CurBucket looking for an
// incomplete entry, advancing CurBucket as buckets are exhausted. Returns
// (nil, nil, -1, nil) once every bucket has been exhausted.
func (s *Store) NextIncompleteEntry(ctx context.Context) (*statusbucket.Status, *statusbucket.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.CurBucket < len(s.Buckets) {
		b := s.Buckets[s.CurBucket]
		entry, idx, err := b.NextIncomplete(ctx)
		if err != nil {
			return nil, nil, -1, err
		}
		if entry != nil {
			return b, entry, idx, nil
		}
		s.CurBucket++
	}
	return nil, nil, -1, nil
}

// EntryUpdate persists a mid-transfer checkpoint for one entry and folds
// the bytes transferred since the previous checkpoint into the digest.
func (s *Store) EntryUpdate(ctx context.Context, b *statusbucket.Status, idx int, cp statusbucket.Checkpoint, chunkBytes int64) error {
	if err := b.Update(ctx, s.client, idx, cp); err != nil {
		return err
	}
	return s.Digest.Add(ctx, digest.DoneBytes, chunkBytes)
}

// EntryComplete finalizes one entry, counts it against the digest's
// done-objects total, and releases its refcount. On error the refcount is
// left for the caller to release. Done bytes for whole-file and symlink
// entries are folded in by the transfer engine itself; chunked entries
// already accrued theirs through EntryUpdate.
func (s *Store) EntryComplete(ctx context.Context, b *statusbucket.Status, idx int) error {
	if err := b.Complete(ctx, s.client, idx); err != nil {
		return err
	}
	if err := s.Digest.Add(ctx, digest.DoneObjects, 1); err != nil {
		return err
	}
	b.ReleaseEntry()
	return nil
}

// NextAnyEntry walks every bucket's full entry list once, in order,
// regardless of completion state, for post-run cleanup such as deleting
// every migrated source object.
func (s *Store) NextAnyEntry(ctx context.Context) (*statusbucket.Status, *statusbucket.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.anyBucket < len(s.Buckets) {
		b := s.Buckets[s.anyBucket]
		entry, idx, err := b.NextAny(ctx)
		if err != nil {
			return nil, nil, -1, err
		}
		if entry != nil {
			return b, entry, idx, nil
		}
		s.anyBucket++
	}
	return nil, nil, -1, nil
}

// Delete removes the entire status store (every plan plus the digest),
// used after a successful delete-source-after-migration run.
func (s *Store) Delete(ctx context.Context) error {
	for _, b := range s.Buckets {
		if err := s.client.Unlink(ctx, b.Path); err != nil && err != store.ErrNotExist {
			return fmt.Errorf("statusstore: deleting plan %s: %w", b.Path, err)
		}
	}
	if err := s.client.Unlink(ctx, s.DigestPath()); err != nil && err != store.ErrNotExist {
		return fmt.Errorf("statusstore: deleting digest: %w", err)
	}
	if s.PathIsBucket {
		return s.client.DeleteBucket(ctx, string(s.StorePath))
	}
	return s.client.Rmdir(ctx, s.StorePath)
}

// DigestPath exposes the digest's on-disk locator for cleanup and tests.
func (s *Store) DigestPath() store.Locator {
	return digestPath(s.StorePath, s.PathIsBucket)
}

// Client exposes the backend the status store (and every bucket plan and
// checkpoint within it) is persisted on, for callers that need to load or
// save a checkpoint directly.
func (s *Store) Client() store.Client {
	return s.client
}
