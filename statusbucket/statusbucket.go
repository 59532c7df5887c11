// Package statusbucket implements the per-bucket migration plan: the JSON
// document enumerating every entry under one source bucket along with its
// completion state.
package statusbucket

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/gurre/cloudmig/entrytype"
	"github.com/gurre/cloudmig/store"
)

// Entry is one row of a bucket plan.
//
// Example:
//
//	e := statusbucket.Entry{Path: "a/b.txt", Size: 1024, Type: entrytype.Regular}
type Entry struct {
	Path string             `json:"path"`
	Size int64              `json:"size"`
	Type entrytype.ObjectType `json:"type"`
	Done bool               `json:"done"`
}

// Plan is the full on-disk bucket plan document.
type Plan struct {
	SrcPath      store.Locator `json:"src_path"`
	DstPath      store.Locator `json:"dst_path"`
	ObjectsTotal int64         `json:"objects_total"`
	BytesTotal   int64         `json:"bytes_total"`
	ObjectsDone  int64         `json:"objects_done"`
	BytesDone    int64         `json:"bytes_done"`
	Objects      []Entry       `json:"objects"`

	// XXRest preserves any unrecognized fields found in a loaded document
	// so a future plan version can round-trip through an older binary
	// without losing data.
	XXRest map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes known fields plus stashes unrecognized ones into
// XXRest.
func (p *Plan) UnmarshalJSON(data []byte) error {
	type alias Plan
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Plan(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"src_path": true, "dst_path": true, "objects_total": true,
		"bytes_total": true, "objects_done": true, "bytes_done": true, "objects": true,
	}
	rest := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			rest[k] = v
		}
	}
	p.XXRest = rest
	return nil
}

// Validate checks that a loaded plan is internally consistent: declared
// totals must match the actual entry list.
func (p *Plan) Validate() error {
	if int64(len(p.Objects)) != p.ObjectsTotal {
		return fmt.Errorf("statusbucket: objects_total %d does not match %d entries", p.ObjectsTotal, len(p.Objects))
	}
	var sum int64
	for _, e := range p.Objects {
		sum += e.Size
	}
	if sum != p.BytesTotal {
		return fmt.Errorf("statusbucket: bytes_total %d does not match sum of entry sizes %d", p.BytesTotal, sum)
	}
	return nil
}

// Status is one bucket's in-memory plan plus the refcount tracking how
// many workers currently hold entries checked out from it.
type Status struct {
	Path store.Locator

	mu       sync.Mutex
	plan     Plan
	nextIdx  int
	anyIdx   int
	refcount int32
}

// Checkpoint is the per-entry resumable state: a byte offset plus the
// opaque store-specific read/write resume tokens carried verbatim between
// chunked transfer attempts.
type Checkpoint struct {
	Offset  int64           `json:"offset"`
	RStatus json.RawMessage `json:"rstatus,omitempty"`
	WStatus json.RawMessage `json:"wstatus,omitempty"`
}

// storeCheckpoints persists Checkpoint documents as JSON under the
// bucket's plan directory via the abstract store.Client, the same backend
// used for the plan itself.
type storeCheckpoints struct {
	client store.Client
	dir    store.Locator
}

func (s *storeCheckpoints) entryPath(idx int) store.Locator {
	return store.Locator(fmt.Sprintf("%s/%d.json", s.dir, idx))
}

func (s *storeCheckpoints) Load(ctx context.Context, idx int) (Checkpoint, error) {
	data, _, err := s.client.Fget(ctx, s.entryPath(idx))
	if err == store.ErrNotExist {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("statusbucket: decode checkpoint %d: %w", idx, err)
	}
	return c, nil
}

func (s *storeCheckpoints) Save(ctx context.Context, idx int, c Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("statusbucket: encode checkpoint %d: %w", idx, err)
	}
	return s.client.Fput(ctx, s.entryPath(idx), data, store.Attrs{})
}

func (s *storeCheckpoints) Delete(ctx context.Context, idx int) error {
	err := s.client.Unlink(ctx, s.entryPath(idx))
	if err == store.ErrNotExist {
		return nil
	}
	return err
}

// Load fetches and validates the bucket plan at path.
//
// Example:
//
//	st, err := statusbucket.Load(ctx, client, "status:bucket1")
func Load(ctx context.Context, client store.Client, path store.Locator) (*Status, error) {
	data, _, err := client.Fget(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("statusbucket: load %s: %w", path, err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("statusbucket: decode %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("statusbucket: %s: %w", path, err)
	}
	return &Status{Path: path, plan: plan}, nil
}

// Create walks src recursively via the store client and writes a new plan
// document at path describing every entry found, paired with dst as the
// destination root.
//
// Example:
//
//	st, err := statusbucket.Create(ctx, client, "status:bucket1", "src:mybucket", "dst:mybucket")
func Create(ctx context.Context, client store.Client, path, src, dst store.Locator) (*Status, error) {
	plan := Plan{SrcPath: src, DstPath: dst}
	if err := walk(ctx, client, src, "", &plan); err != nil {
		return nil, fmt.Errorf("statusbucket: walking %s: %w", src, err)
	}
	plan.ObjectsTotal = int64(len(plan.Objects))
	for _, e := range plan.Objects {
		plan.BytesTotal += e.Size
	}

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("statusbucket: marshal plan: %w", err)
	}
	if err := client.Fput(ctx, path, data, store.Attrs{}); err != nil {
		return nil, fmt.Errorf("statusbucket: writing plan %s: %w", path, err)
	}
	return &Status{Path: path, plan: plan}, nil
}

func walk(ctx context.Context, client store.Client, root store.Locator, rel string, plan *Plan) error {
	cur := root
	if rel != "" {
		cur = store.Locator(string(root) + "/" + rel)
	}
	dh, err := client.Opendir(ctx, cur)
	if err != nil {
		return err
	}
	defer dh.Close()

	for {
		entry, err := dh.Readdir(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		childRel := entry.Name
		if rel != "" {
			childRel = rel + "/" + entry.Name
		}
		switch entry.Type {
		case store.KindDirectory:
			plan.Objects = append(plan.Objects, Entry{Path: childRel, Type: entrytype.Directory})
			if err := walk(ctx, client, root, childRel, plan); err != nil {
				return err
			}
		case store.KindSymlink:
			plan.Objects = append(plan.Objects, Entry{Path: childRel, Type: entrytype.Symlink})
		default:
			plan.Objects = append(plan.Objects, Entry{Path: childRel, Size: entry.Attrs.Size, Type: entrytype.Regular})
		}
	}
	return nil
}

// NextIncomplete returns the next entry not yet marked Done, bumping the
// bucket's refcount. Returns (nil, -1, nil) once the cursor has passed
// every entry that was incomplete.
func (s *Status) NextIncomplete(ctx context.Context) (*Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := s.nextIdx; i < len(s.plan.Objects); i++ {
		if !s.plan.Objects[i].Done {
			s.nextIdx = i + 1
			atomic.AddInt32(&s.refcount, 1)
			e := s.plan.Objects[i]
			return &e, i, nil
		}
	}
	return nil, -1, nil
}

// NextAny returns every entry in plan order regardless of its Done state,
// advancing an independent cursor from NextIncomplete's. Used to walk the
// full entry list once a run has finished, e.g. to delete every source
// object. Returns (nil, -1, nil) once exhausted.
func (s *Status) NextAny(ctx context.Context) (*Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anyIdx >= len(s.plan.Objects) {
		return nil, -1, nil
	}
	i := s.anyIdx
	s.anyIdx++
	e := s.plan.Objects[i]
	return &e, i, nil
}

// ReleaseEntry decrements the bucket's refcount after a worker finishes
// with an entry it obtained from NextIncomplete, whether or not it
// succeeded.
func (s *Status) ReleaseEntry() {
	atomic.AddInt32(&s.refcount, -1)
}

// Refcount reports how many entries are currently checked out.
func (s *Status) Refcount() int32 {
	return atomic.LoadInt32(&s.refcount)
}

// Update persists a checkpoint for the entry at idx without marking it
// complete, used between chunks of a streamed transfer.
func (s *Status) Update(ctx context.Context, client store.Client, idx int, cp Checkpoint) error {
	cps := &storeCheckpoints{client: client, dir: checkpointDir(s.Path)}
	return cps.Save(ctx, idx, cp)
}

// Complete marks the entry at idx Done, rolls its size into the plan's
// running totals, re-uploads the plan document while holding the bucket
// lock, and best-effort removes any per-entry checkpoint.
func (s *Status) Complete(ctx context.Context, client store.Client, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx < 0 || idx >= len(s.plan.Objects) {
		return fmt.Errorf("statusbucket: entry index %d out of range", idx)
	}
	if s.plan.Objects[idx].Done {
		return nil
	}
	s.plan.Objects[idx].Done = true
	s.plan.ObjectsDone++
	s.plan.BytesDone += s.plan.Objects[idx].Size

	data, err := json.Marshal(s.plan)
	if err != nil {
		return fmt.Errorf("statusbucket: marshal plan: %w", err)
	}
	if err := client.Fput(ctx, s.Path, data, store.Attrs{}); err != nil {
		return fmt.Errorf("statusbucket: re-upload plan %s: %w", s.Path, err)
	}

	cps := &storeCheckpoints{client: client, dir: checkpointDir(s.Path)}
	_ = cps.Delete(ctx, idx) // best-effort cleanup

	return nil
}

// LoadCheckpoint retrieves the resumable checkpoint for the entry at idx,
// returning the zero Checkpoint if none was ever saved.
func (s *Status) LoadCheckpoint(ctx context.Context, client store.Client, idx int) (Checkpoint, error) {
	cps := &storeCheckpoints{client: client, dir: checkpointDir(s.Path)}
	return cps.Load(ctx, idx)
}

// Plan returns a copy of the current plan document, e.g. for inspection by
// tests or the viewer.
func (s *Status) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// checkpointDir derives the checkpoint directory from the plan's own
// locator by stripping its ".json" suffix, so it stays addressable through
// the same bucket prefix as the plan itself on every backend.
func checkpointDir(planPath store.Locator) store.Locator {
	s := string(planPath)
	s = strings.TrimSuffix(s, ".json")
	return store.Locator(s)
}
