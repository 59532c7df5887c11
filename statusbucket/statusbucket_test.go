package statusbucket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gurre/cloudmig/entrytype"
	"github.com/gurre/cloudmig/store"
)

func TestPlanValidate(t *testing.T) {
	p := Plan{
		ObjectsTotal: 2,
		BytesTotal:   30,
		Objects: []Entry{
			{Path: "a", Size: 10, Type: entrytype.Regular},
			{Path: "b", Size: 20, Type: entrytype.Regular},
		},
	}
	if err := p.Validate(); err != nil {
		t.Errorf("expected valid plan, got %v", err)
	}
}

func TestPlanValidateMismatch(t *testing.T) {
	p := Plan{ObjectsTotal: 5, Objects: []Entry{{Path: "a", Size: 1}}}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for objects_total mismatch")
	}
}

func TestCreateAndLoad(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	fs.MakeBucket(ctx, "src")
	fs.Fput(ctx, "src/file1.txt", []byte("hello"), store.Attrs{})
	fs.Mkdir(ctx, "src/dir1", store.Attrs{})
	fs.Fput(ctx, "src/dir1/file2.txt", []byte("world"), store.Attrs{})

	st, err := Create(ctx, fs, "status/bucket1.json", "src", "dst")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.Plan().ObjectsTotal != 3 {
		t.Errorf("expected 3 entries (file1, dir1, dir1/file2), got %d", st.Plan().ObjectsTotal)
	}

	loaded, err := Load(ctx, fs, "status/bucket1.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Plan().ObjectsTotal != st.Plan().ObjectsTotal {
		t.Errorf("loaded plan mismatch")
	}
}

func TestNextIncompleteAndComplete(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	plan := Plan{
		ObjectsTotal: 2,
		BytesTotal:   15,
		Objects: []Entry{
			{Path: "a", Size: 5, Type: entrytype.Regular},
			{Path: "b", Size: 10, Type: entrytype.Regular},
		},
	}
	fs.Fput(ctx, "status/bucket1.json", mustMarshal(t, plan), store.Attrs{})
	st, err := Load(ctx, fs, "status/bucket1.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	e, idx, err := st.NextIncomplete(ctx)
	if err != nil || e == nil {
		t.Fatalf("NextIncomplete: %v, %v", e, err)
	}
	if idx != 0 {
		t.Errorf("expected idx 0, got %d", idx)
	}
	if st.Refcount() != 1 {
		t.Errorf("expected refcount 1, got %d", st.Refcount())
	}

	if err := st.Complete(ctx, fs, idx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	st.ReleaseEntry()
	if st.Refcount() != 0 {
		t.Errorf("expected refcount 0 after release, got %d", st.Refcount())
	}
	if st.Plan().ObjectsDone != 1 {
		t.Errorf("expected 1 object done, got %d", st.Plan().ObjectsDone)
	}

	e2, idx2, err := st.NextIncomplete(ctx)
	if err != nil || e2 == nil {
		t.Fatalf("NextIncomplete second call: %v, %v", e2, err)
	}
	if idx2 != 1 {
		t.Errorf("expected idx 1, got %d", idx2)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	plan := Plan{ObjectsTotal: 1, BytesTotal: 100, Objects: []Entry{{Path: "big", Size: 100, Type: entrytype.Regular}}}
	fs.Fput(ctx, "status/bucket1.json", mustMarshal(t, plan), store.Attrs{})
	st, err := Load(ctx, fs, "status/bucket1.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cp := Checkpoint{Offset: 50}
	if err := st.Update(ctx, fs, 0, cp); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := st.LoadCheckpoint(ctx, fs, 0)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got.Offset != 50 {
		t.Errorf("expected offset 50, got %d", got.Offset)
	}
}

func mustMarshal(t *testing.T, p Plan) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
