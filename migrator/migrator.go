// Package migrator implements the worker-pool driver that runs a full
// migration from its status store to completion.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gurre/cloudmig/cloudlog"
	"github.com/gurre/cloudmig/config"
	"github.com/gurre/cloudmig/digest"
	"github.com/gurre/cloudmig/entrytype"
	"github.com/gurre/cloudmig/ledger"
	"github.com/gurre/cloudmig/statusbucket"
	"github.com/gurre/cloudmig/statusstore"
	"github.com/gurre/cloudmig/store"
	"github.com/gurre/cloudmig/syncdir"
	"github.com/gurre/cloudmig/transfer"
	"github.com/gurre/cloudmig/viewer"
)

// WorkerStatus tracks one worker's progress for monitoring and the
// viewer's per-thread wire frame.
type WorkerStatus struct {
	StartTime     time.Time
	LastActive    time.Time
	LastErrorTime time.Time
	LastError     error
	CurrentFile   string
	BytesDone     int64
	FilesDone     int64
	ID            int
}

// ClientFactory constructs a fresh store.Client, used once per worker so
// no two goroutines ever share a backend connection.
type ClientFactory func(ctx context.Context) (store.Client, error)

// Driver runs one migration to completion: worker pool, retry policy,
// progress reporting, and optional post-run source deletion.
type Driver struct {
	cfg        *config.Config
	status     *statusstore.Store
	srcFactory ClientFactory
	dstFactory ClientFactory
	dirs       *syncdir.Context
	logger     zerolog.Logger

	// Notify, when set, is invoked after every completed or failed entry
	// so a viewer publisher can push an out-of-band update rather than
	// waiting for its next tick.
	Notify func()

	mu            sync.RWMutex
	workerStatus  map[int]*WorkerStatus
	workerLedgers map[int]*ledger.Ledger
	permFailures  int64
}

// New returns a Driver for one migration run. status must already be
// open (see statusstore.Open) and reconciled against cfg.Buckets.
func New(cfg *config.Config, status *statusstore.Store, srcFactory, dstFactory ClientFactory, logger zerolog.Logger) *Driver {
	return &Driver{
		cfg:           cfg,
		status:        status,
		srcFactory:    srcFactory,
		dstFactory:    dstFactory,
		dirs:          syncdir.NewContext(),
		logger:        logger,
		workerStatus:  make(map[int]*WorkerStatus),
		workerLedgers: make(map[int]*ledger.Ledger),
	}
}

// Run spawns cfg.NBThreads workers pulling entries from the status store
// until exhausted, reports progress every 5 seconds, and on clean
// completion with zero permanent failures deletes the migrated source
// objects and then the status store if cfg.DeleteSource is set. A
// cancelled run (interrupt or ctx) returns nil once every worker has
// stopped, leaving its progress persisted for a later resume. Otherwise
// returns a non-nil error if a worker failed or any entry permanently
// failed.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go d.reportProgress(reportCtx)

	var wg sync.WaitGroup
	errs := make(chan error, d.cfg.NBThreads)
	for i := 0; i < d.cfg.NBThreads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.initWorker(id)
			src, err := d.srcFactory(ctx)
			if err != nil {
				errs <- fmt.Errorf("migrator: worker %d: source client: %w", id, err)
				return
			}
			dst, err := d.dstFactory(ctx)
			if err != nil {
				errs <- fmt.Errorf("migrator: worker %d: destination client: %w", id, err)
				return
			}
			engine := transfer.New(src, dst, d.dirs)
			engine.BlockSize = d.cfg.BlockSize
			engine.CreateDirectories = d.cfg.CreateDirectories
			engine.Digest = d.status.Digest
			if err := d.worker(ctx, id, engine); err != nil {
				errs <- fmt.Errorf("migrator: worker %d: %w", id, err)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		<-done
	}
	if ctx.Err() != nil {
		return nil
	}

	var workerErrs []error
	close(errs)
	for err := range errs {
		workerErrs = append(workerErrs, err)
	}

	if len(workerErrs) > 0 {
		return fmt.Errorf("migrator: %d worker(s) failed: %w", len(workerErrs), errors.Join(workerErrs...))
	}
	if atomic.LoadInt64(&d.permFailures) > 0 {
		return fmt.Errorf("migrator: %d entries failed permanently", d.permFailures)
	}

	if d.cfg.DeleteSource {
		if err := d.deleteSourceObjects(ctx); err != nil {
			return fmt.Errorf("migrator: deleting source objects: %w", err)
		}
		if err := d.status.Delete(ctx); err != nil {
			return fmt.Errorf("migrator: deleting status store: %w", err)
		}
	}
	return nil
}

// deleteSourceObjects removes every migrated entry from the source, bucket
// by bucket. Entries are deleted in reverse plan order so a directory's
// children are always gone before the directory itself, since a plan
// lists a directory immediately before the entries it contains.
func (d *Driver) deleteSourceObjects(ctx context.Context) error {
	src, err := d.srcFactory(ctx)
	if err != nil {
		return fmt.Errorf("source client: %w", err)
	}

	for _, bucket := range d.status.Buckets {
		srcRoot := bucket.Plan().SrcPath

		var entries []statusbucket.Entry
		for {
			entry, _, err := bucket.NextAny(ctx)
			if err != nil {
				return err
			}
			if entry == nil {
				break
			}
			entries = append(entries, *entry)
		}

		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			path := sourceEntryPath(srcRoot, entry.Path)
			var delErr error
			if entry.Type == entrytype.Directory {
				delErr = src.Rmdir(ctx, path)
			} else {
				delErr = src.Unlink(ctx, path)
			}
			if delErr != nil && delErr != store.ErrNotExist {
				return fmt.Errorf("deleting source entry %s: %w", entry.Path, delErr)
			}
		}
	}
	return nil
}

func sourceEntryPath(root store.Locator, rel string) store.Locator {
	if root == "" {
		return store.Locator(rel)
	}
	return store.Locator(string(root) + "/" + rel)
}

func (d *Driver) worker(ctx context.Context, id int, engine *transfer.Engine) error {
	logger := cloudlog.WithWorker(d.logger, id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		bucket, entry, idx, err := d.status.NextIncompleteEntry(ctx)
		if err != nil {
			return fmt.Errorf("fetching next entry: %w", err)
		}
		if entry == nil {
			return nil
		}

		d.updateStatus(id, func(s *WorkerStatus) { s.CurrentFile = entry.Path })
		logger = cloudlog.WithBucket(logger, string(bucket.Plan().SrcPath))

		if err := d.runEntry(ctx, id, bucket, entry, idx, engine); err != nil {
			// runEntry only reaches here without having completed the
			// entry, so the refcount bumped by NextIncompleteEntry is
			// still outstanding and must be released here. On success
			// EntryComplete (called inside runEntry) already released it.
			bucket.ReleaseEntry()
			atomic.AddInt64(&d.permFailures, 1)
			d.recordError(id, err)
			logger.Error().Err(err).Str("entry", entry.Path).Msg("entry permanently failed")
		} else {
			d.updateStatus(id, func(s *WorkerStatus) {
				s.FilesDone++
				s.BytesDone += entry.Size
			})
		}
		if d.Notify != nil {
			d.Notify()
		}
	}
}

// runEntry attempts one entry up to cfg.RetryLimit+1 times, retrying only
// transient transfer errors with exponential backoff, and persists
// mid-transfer checkpoints as they arrive.
func (d *Driver) runEntry(ctx context.Context, id int, bucket *statusbucket.Status, entry *statusbucket.Entry, idx int, engine *transfer.Engine) error {
	cp, err := bucket.LoadCheckpoint(ctx, d.status.Client(), idx)
	if err != nil {
		return fmt.Errorf("loading checkpoint for entry %d: %w", idx, err)
	}

	onCheckpoint := func(ctx context.Context, cp statusbucket.Checkpoint, chunkBytes int64) error {
		d.workerLedger(id).Record(time.Now(), chunkBytes)
		return d.status.EntryUpdate(ctx, bucket, idx, cp, chunkBytes)
	}

	var lastErr error
	attempts := d.cfg.RetryLimit + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		plan := bucket.Plan()
		lastErr = engine.Run(ctx, plan.SrcPath, plan.DstPath, *entry, cp, onCheckpoint)
		if lastErr == nil {
			return d.status.EntryComplete(ctx, bucket, idx)
		}
		if !transfer.IsTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}

// backoff returns an exponential delay for the given attempt number,
// capped so a long run of transient failures never waits more than 30s
// between retries.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base
}

func (d *Driver) initWorker(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workerStatus[id] = &WorkerStatus{ID: id, StartTime: time.Now()}
	d.workerLedgers[id] = ledger.New(0)
}

func (d *Driver) updateStatus(id int, fn func(*WorkerStatus)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.workerStatus[id]; ok {
		fn(s)
		s.LastActive = time.Now()
	}
}

func (d *Driver) recordError(id int, err error) {
	d.updateStatus(id, func(s *WorkerStatus) {
		s.LastError = err
		s.LastErrorTime = time.Now()
	})
}

func (d *Driver) workerLedger(id int) *ledger.Ledger {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workerLedgers[id]
}

// Snapshot returns a copy of every worker's current status, used by the
// viewer publisher and by tests.
func (d *Driver) Snapshot() map[int]WorkerStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int]WorkerStatus, len(d.workerStatus))
	for id, s := range d.workerStatus {
		out[id] = *s
	}
	return out
}

// PermanentFailures reports how many entries exhausted their retry
// budget during the run so far.
func (d *Driver) PermanentFailures() int64 {
	return atomic.LoadInt64(&d.permFailures)
}

// Global implements viewer.Source, reporting the status store's digest.
func (d *Driver) Global() viewer.GlobalStatus {
	g := d.status.Digest
	return viewer.GlobalStatus{
		TotalBytes:   uint64(g.Get(digest.Bytes)),
		DoneBytes:    uint64(g.Get(digest.DoneBytes)),
		TotalObjects: uint64(g.Get(digest.Objects)),
		DoneObjects:  uint64(g.Get(digest.DoneObjects)),
	}
}

// Threads implements viewer.Source, reporting every worker's current
// file and instantaneous transfer rate.
func (d *Driver) Threads() []viewer.ThreadStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]viewer.ThreadStatus, 0, len(d.workerStatus))
	now := time.Now()
	for id, s := range d.workerStatus {
		rate := uint32(0)
		if l, ok := d.workerLedgers[id]; ok {
			rate = uint32(l.Rate(now))
		}
		out = append(out, viewer.ThreadStatus{
			ID:       uint32(id),
			FileDone: uint32(s.BytesDone),
			ByteRate: rate,
			Name:     s.CurrentFile,
		})
	}
	return out
}

func (d *Driver) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := d.Snapshot()
			var filesDone, bytesDone int64
			active := 0
			for _, s := range snap {
				if time.Since(s.LastActive) < 10*time.Second {
					active++
				}
				filesDone += s.FilesDone
				bytesDone += s.BytesDone
			}
			d.logger.Info().
				Int64("files_done", filesDone).
				Int64("bytes_done", bytesDone).
				Int("active_workers", active).
				Msg("migration progress")
		case <-ctx.Done():
			return
		}
	}
}
