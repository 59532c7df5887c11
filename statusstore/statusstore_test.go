package statusstore

import (
	"context"
	"testing"

	"github.com/gurre/cloudmig/digest"
	"github.com/gurre/cloudmig/store"
)

func setupFS(t *testing.T) *store.FS {
	t.Helper()
	fs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestDeriveName(t *testing.T) {
	got := DeriveName("srcbucket", "dstbucket")
	want := "cloudmig.srcbucket.to.dstbucket"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDeriveNameFallback(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := DeriveName(string(long), "dst")
	if got != "cloudmig.status" {
		t.Errorf("expected fallback name, got %q", got)
	}
}

func TestReconcileCreatesPlans(t *testing.T) {
	fs := setupFS(t)
	ctx := context.Background()
	fs.MakeBucket(ctx, "src1")
	fs.Fput(ctx, "src1/file.txt", []byte("data"), store.Attrs{})

	s, err := Open(ctx, fs, DeriveName("src1", "dst1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mappings := []BucketMapping{{Src: "src1", Dst: "dst1"}}
	if err := s.Reconcile(ctx, mappings, false); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(s.Buckets) != 1 {
		t.Fatalf("expected 1 bucket plan, got %d", len(s.Buckets))
	}
	if s.Buckets[0].Plan().SrcPath != "src1" {
		t.Errorf("expected src path 'src1', got %q", s.Buckets[0].Plan().SrcPath)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	fs := setupFS(t)
	ctx := context.Background()
	fs.MakeBucket(ctx, "src1")
	fs.Fput(ctx, "src1/file.txt", []byte("data"), store.Attrs{})

	name := DeriveName("src1", "dst1")
	s1, err := Open(ctx, fs, name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mappings := []BucketMapping{{Src: "src1", Dst: "dst1"}}
	if err := s1.Reconcile(ctx, mappings, false); err != nil {
		t.Fatalf("Reconcile 1: %v", err)
	}

	s2, err := Open(ctx, fs, name)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if err := s2.Reconcile(ctx, mappings, false); err != nil {
		t.Fatalf("Reconcile 2: %v", err)
	}
	if len(s2.Buckets) != 1 {
		t.Errorf("expected reconcile to find the existing plan rather than duplicate it, got %d buckets", len(s2.Buckets))
	}
}

func TestReconcileRequiresForceResumeWhenDigestMissing(t *testing.T) {
	fs := setupFS(t)
	ctx := context.Background()
	fs.MakeBucket(ctx, "src1")
	fs.Fput(ctx, "src1/file.txt", []byte("data"), store.Attrs{})

	name := DeriveName("src1", "dst1")
	s1, err := Open(ctx, fs, name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mappings := []BucketMapping{{Src: "src1", Dst: "dst1"}}
	if err := s1.Reconcile(ctx, mappings, false); err != nil {
		t.Fatalf("Reconcile 1: %v", err)
	}
	if err := fs.Unlink(ctx, s1.DigestPath()); err != nil {
		t.Fatalf("Unlink digest: %v", err)
	}

	s2, err := Open(ctx, fs, name)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if err := s2.Reconcile(ctx, mappings, false); err == nil {
		t.Fatal("expected reconcile to refuse a missing digest without force-resume")
	}

	s3, err := Open(ctx, fs, name)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if err := s3.Reconcile(ctx, mappings, true); err != nil {
		t.Fatalf("Reconcile with force-resume: %v", err)
	}
	if got := s3.Digest.Get(digest.Objects); got != 1 {
		t.Errorf("expected rebuilt digest to count 1 object, got %d", got)
	}
}

func TestNextIncompleteEntryExhausted(t *testing.T) {
	fs := setupFS(t)
	ctx := context.Background()
	s, err := Open(ctx, fs, "cloudmig.empty")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, e, idx, err := s.NextIncompleteEntry(ctx)
	if err != nil {
		t.Fatalf("NextIncompleteEntry: %v", err)
	}
	if b != nil || e != nil || idx != -1 {
		t.Errorf("expected exhausted store to return nils, got %v %v %d", b, e, idx)
	}
}
