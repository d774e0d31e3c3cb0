package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/ratelimit"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
	"github.com/openmined/eas/internal/worker"
)

var (
	// ErrSourceMissing means the source root does not exist. The target is
	// skipped rather than treated as a full deletion.
	ErrSourceMissing = errors.New("source root does not exist")

	// ErrIntegrity means the destination still differs after a sync.
	ErrIntegrity = errors.New("integrity check failed")
)

// TargetConfig wires a target to its folders and stores.
type TargetConfig struct {
	Name    string
	Src     *folder.Folder
	Dst     *folder.Folder
	Diffs   *store.DiffStore
	Emitter *events.Emitter
	Options Options

	// SrcDuplicates and DstDuplicates hold the collisions of each side. They
	// are only consulted for encrypted folders.
	SrcDuplicates *store.DuplicateStore
	DstDuplicates *store.DuplicateStore
	// SnapshotPath is where the duplicate remover keeps its private copy.
	SnapshotPath string
}

// Counts are the per-target task totals.
type Counts struct {
	Finished int64
	Failed   int64
	Skipped  int64
}

// Target synchronizes one source folder into one destination folder.
type Target struct {
	TargetConfig

	uploadLimiter   *ratelimit.SpeedLimiter
	downloadLimiter *ratelimit.SpeedLimiter
	touched         mapset.Set[string]

	mu     sync.Mutex
	status Status
	stage  Stage
	pool   *worker.Pool
	cancel context.CancelFunc

	stopped  atomic.Bool
	finished atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
}

// NewTarget validates cfg and returns a pending target.
func NewTarget(cfg TargetConfig) (*Target, error) {
	if cfg.Src == nil || cfg.Dst == nil {
		return nil, errors.New("target needs a source and a destination folder")
	}
	if cfg.Src.Inventory() == nil || cfg.Dst.Inventory() == nil {
		return nil, errors.New("target folders need inventories")
	}
	if cfg.Diffs == nil {
		return nil, errors.New("target needs a difference store")
	}
	if cfg.Src.Encrypted() && cfg.Dst.Encrypted() {
		return nil, fmt.Errorf("target %s: encrypted source and destination are not supported", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Src.Name() + " -> " + cfg.Dst.Name()
	}

	t := &Target{TargetConfig: cfg, status: StatusPending, touched: mapset.NewSet[string]()}
	if cfg.Options.UploadLimit > 0 {
		t.uploadLimiter = ratelimit.NewSpeedLimiter(cfg.Options.UploadLimit)
	}
	if cfg.Options.DownloadLimit > 0 {
		t.downloadLimiter = ratelimit.NewSpeedLimiter(cfg.Options.DownloadLimit)
	}
	return t, nil
}

func (t *Target) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Target) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Target) Counts() Counts {
	return Counts{Finished: t.finished.Load(), Failed: t.failed.Load(), Skipped: t.skipped.Load()}
}

// Stop suspends the run: no new task starts and running ones are
// interrupted at their next chunk. Idempotent.
func (t *Target) Stop() {
	t.stopped.Store(true)

	t.mu.Lock()
	cancel, pool := t.cancel, t.pool
	t.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func (t *Target) Stopped() bool {
	return t.stopped.Load()
}

func (t *Target) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
	t.Emitter.Emit(events.Event{Type: events.TargetStatus, Target: t.Name, Status: string(s)})
}

func (t *Target) setStage(s Stage) {
	t.mu.Lock()
	t.stage = s
	t.mu.Unlock()
	slog.Info("stage", "target", t.Name, "stage", s)
	t.Emitter.Emit(events.Event{Type: events.StageChanged, Target: t.Name, Stage: string(s)})
}

// Run executes every stage in order and returns the terminal status.
func (t *Target) Run(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	if t.stopped.Load() {
		t.setStatus(StatusSuspended)
		return StatusSuspended, nil
	}

	start := time.Now()
	t.setStatus(StatusRunning)
	err := t.run(ctx)

	status := t.resolve(ctx, err)
	t.setStatus(status)

	c := t.Counts()
	slog.Info("target done", "target", t.Name, "status", status, "finished", c.Finished,
		"failed", c.Failed, "skipped", c.Skipped, "elapsed", time.Since(start))
	if status == StatusSkipped || status == StatusSuspended {
		return status, nil
	}
	return status, err
}

// resolve maps the outcome of a run onto a terminal status. A stopped run
// is suspended even if tasks failed on the way out.
func (t *Target) resolve(ctx context.Context, err error) Status {
	switch {
	case errors.Is(err, ErrSourceMissing):
		return StatusSkipped
	case t.stopped.Load() || ctx.Err() != nil || storage.IsInterrupted(err):
		return StatusSuspended
	case err != nil || t.failed.Load() > 0:
		return StatusFailed
	}
	return StatusFinished
}

func (t *Target) run(ctx context.Context) error {
	steps := map[Stage]func(context.Context) error{
		StageScan:     t.scanStage,
		StageRmDup:    t.rmdupStage,
		StageRm:       t.rmStage,
		StageDirs:     t.dirsStage,
		StageFiles:    t.filesStage,
		StageMetadata: t.metadataStage,
		StageCheck:    t.checkStage,
	}
	for _, stage := range Stages {
		if err := ctx.Err(); err != nil {
			return errors.Join(storage.ErrInterrupted, err)
		}
		t.setStage(stage)
		if err := steps[stage](ctx); err != nil {
			return fmt.Errorf("%s stage: %w", stage, err)
		}
	}
	return nil
}

func (t *Target) scanStage(ctx context.Context) error {
	if err := t.scanSides(ctx); err != nil {
		return err
	}
	return t.buildDiffs(CompareOptions{Structure: true, Precision: t.precision()})
}

// Plan scans like a run would and records every pending difference, metadata
// included, without touching either storage. The rows are read back with
// Pending.
func (t *Target) Plan(ctx context.Context) error {
	if err := t.scanSides(ctx); err != nil {
		return err
	}
	opts := t.metadataOptions()
	opts.Structure = true
	return t.buildDiffs(opts)
}

// Pending yields the recorded differences of the target, sorted by path.
func (t *Target) Pending() iter.Seq2[*store.Diff, error] {
	return t.selectDiffs(nil, nil, false)
}

func (t *Target) scanSides(ctx context.Context) error {
	opts := t.Options
	if opts.EnableScan || opts.ForceScan {
		for _, side := range []struct {
			f    *folder.Folder
			dups *store.DuplicateStore
		}{{t.Src, t.SrcDuplicates}, {t.Dst, t.DstDuplicates}} {
			if !opts.ForceScan && side.f.AvoidRescan() {
				n, err := side.f.Inventory().Count(side.f.Root())
				if err != nil {
					return err
				}
				if n > 0 {
					slog.Info("reusing inventory", "target", t.Name, "folder", side.f.Name(), "nodes", n)
					continue
				}
			}

			res, err := t.scan(ctx, side.f, side.dups)
			if err != nil {
				return err
			}
			if side.f == t.Src && !res.Found {
				return ErrSourceMissing
			}
		}
	}

	root, err := t.Src.Inventory().Find(t.Src.Root())
	if err != nil {
		return err
	}
	if root == nil {
		return ErrSourceMissing
	}
	return nil
}

func (t *Target) scan(ctx context.Context, f *folder.Folder, dups *store.DuplicateStore) (ScanResult, error) {
	s := &Scanner{
		Folder:            f,
		Duplicates:        dups,
		Emitter:           t.Emitter,
		Name:              t.Name,
		NWorkers:          t.Options.NScanWorkers,
		IgnoreUnreachable: t.Options.IgnoreUnreachable,
	}
	return s.Run(ctx)
}

func (t *Target) precision() time.Duration {
	return max(t.Src.Capabilities().TimePrecision, t.Dst.Capabilities().TimePrecision)
}

// metadataOptions gates each metadata check by its flag and by what the
// destination can store.
func (t *Target) metadataOptions() CompareOptions {
	caps := t.Dst.Capabilities()
	return CompareOptions{
		Modified:  t.Options.SyncModified && caps.SetModified,
		Chmod:     t.Options.SyncMode && caps.Chmod && caps.PersistentMode,
		Chown:     t.Options.SyncOwnership && caps.Chown,
		Precision: t.precision(),
	}
}

// buildDiffs replaces the pair's rows with a fresh comparison of both
// committed inventories.
func (t *Target) buildDiffs(opts CompareOptions) error {
	srcRoot, dstRoot := t.Src.Root(), t.Dst.Root()
	srcKey, dstKey := t.Src.Location(), t.Dst.Location()
	diffs := t.Diffs

	if err := diffs.Begin(); err != nil {
		return err
	}
	if err := diffs.ClearPair(srcKey, dstKey); err != nil {
		diffs.Rollback()
		return err
	}

	n := 0
	seq := Compare(t.Src.Inventory().Iter(srcRoot, false), t.Dst.Inventory().Iter(dstRoot, false), srcRoot, dstRoot, opts)
	for d, err := range seq {
		if err != nil {
			diffs.Rollback()
			return err
		}
		d.SrcPath, d.DstPath = srcKey, dstKey
		if err := diffs.Insert(d); err != nil {
			diffs.Rollback()
			return err
		}
		n++
		if _, err := diffs.AutoCommit(); err != nil {
			diffs.Rollback()
			return err
		}
	}
	if err := diffs.Commit(); err != nil {
		return err
	}
	slog.Debug("differences built", "target", t.Name, "count", n)
	return nil
}

func (t *Target) rmdupStage(ctx context.Context) error {
	for _, side := range []struct {
		f    *folder.Folder
		dups *store.DuplicateStore
	}{{t.Src, t.SrcDuplicates}, {t.Dst, t.DstDuplicates}} {
		if side.dups == nil || !side.f.Encrypted() {
			continue
		}
		n, err := side.dups.Count(side.f.Root())
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		r := &DuplicateRemover{
			Folder:           side.f,
			Duplicates:       side.dups,
			SnapshotPath:     t.SnapshotPath,
			Emitter:          t.Emitter,
			Name:             t.Name,
			PreserveModified: t.Options.PreserveModified,
		}
		res, err := r.Run(ctx)
		t.finished.Add(int64(res.Removed))
		t.failed.Add(int64(res.Failed))
		if err != nil && res.Failed == 0 {
			return err
		}
	}
	return nil
}

func (t *Target) rmStage(ctx context.Context) error {
	if t.Options.NoRemove {
		slog.Info("removal disabled", "target", t.Name)
		return nil
	}
	return t.withDstTx(func() error {
		if err := t.apply(ctx, t.workers(), t.selectDiffs([]store.DiffType{store.DiffRm}, []store.Kind{store.KindFile}, false)); err != nil {
			return err
		}
		return t.apply(ctx, t.workers(), t.selectDiffs([]store.DiffType{store.DiffRm}, []store.Kind{store.KindDir}, true))
	})
}

func (t *Target) dirsStage(ctx context.Context) error {
	return t.withDstTx(func() error {
		return t.apply(ctx, 1, t.selectDiffs([]store.DiffType{store.DiffNew}, []store.Kind{store.KindDir}, false))
	})
}

func (t *Target) filesStage(ctx context.Context) error {
	return t.withDstTx(func() error {
		types := []store.DiffType{store.DiffNew, store.DiffUpdate}
		return t.apply(ctx, t.workers(), t.selectDiffs(types, []store.Kind{store.KindFile}, false))
	})
}

func (t *Target) metadataStage(ctx context.Context) error {
	if err := t.refreshTouched(ctx); err != nil {
		return err
	}

	opts := t.metadataOptions()
	if !opts.Modified && !opts.Chmod && !opts.Chown {
		return nil
	}
	if err := t.buildDiffs(opts); err != nil {
		return err
	}
	return t.withDstTx(func() error {
		types := []store.DiffType{store.DiffModified, store.DiffChmod, store.DiffChown}
		return t.apply(ctx, t.workers(), t.selectDiffs(types, nil, false))
	})
}

func (t *Target) checkStage(ctx context.Context) error {
	if t.Options.SkipIntegrityCheck {
		return t.clearDiffs()
	}

	if _, err := t.scan(ctx, t.Dst, t.DstDuplicates); err != nil {
		return err
	}
	opts := t.metadataOptions()
	opts.Structure = true
	if err := t.buildDiffs(opts); err != nil {
		return err
	}

	symlinks := t.Dst.Capabilities().Symlinks
	remaining := 0
	for d, err := range t.selectDiffs(nil, nil, false) {
		if err != nil {
			return err
		}
		switch {
		case d.Type == store.DiffRm && t.Options.NoRemove:
		case d.LinkPath != nil && !symlinks:
		default:
			remaining++
			slog.Warn("difference after sync", "target", t.Name, "type", d.Type, "kind", d.NodeKind, "path", d.Path)
		}
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d differences remain", ErrIntegrity, remaining)
	}
	return t.clearDiffs()
}

func (t *Target) clearDiffs() error {
	if err := t.Diffs.Begin(); err != nil {
		return err
	}
	if err := t.Diffs.ClearPair(t.Src.Location(), t.Dst.Location()); err != nil {
		t.Diffs.Rollback()
		return err
	}
	return t.Diffs.Commit()
}

func (t *Target) selectDiffs(types []store.DiffType, kinds []store.Kind, descending bool) iter.Seq2[*store.Diff, error] {
	return t.Diffs.Select(t.Src.Location(), t.Dst.Location(), types, kinds, descending)
}

// workers is the task concurrency, one when either side cannot take
// parallel requests.
func (t *Target) workers() int {
	if !t.Src.Capabilities().Parallelizable || !t.Dst.Capabilities().Parallelizable {
		return 1
	}
	return max(t.Options.NWorkers, 1)
}

// withDstTx runs fn inside a destination inventory transaction that is
// committed even when fn fails, so finished tasks persist.
func (t *Target) withDstTx(fn func() error) error {
	inv := t.Dst.Inventory()
	if err := inv.Begin(); err != nil {
		return err
	}
	err := fn()
	if cerr := inv.Commit(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// apply feeds the task for every row of diffs into a fresh pool and waits
// for the pool to drain. Rows are read only as fast as the workers take them.
func (t *Target) apply(ctx context.Context, nWorkers int, diffs iter.Seq2[*store.Diff, error]) error {
	pool := worker.NewPool(ctx, t.Name, t.Emitter)
	t.mu.Lock()
	t.pool = pool
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pool = nil
		t.mu.Unlock()
	}()
	if t.stopped.Load() {
		pool.Stop()
	}

	pool.SpawnMany(nWorkers)

	var feedErr error
	for d, err := range diffs {
		if err != nil {
			feedErr = err
			break
		}
		task, ok := t.newDiffTask(d)
		if !ok {
			t.skipped.Add(1)
			slog.Info("skipping unsupported difference", "target", t.Name, "type", d.Type, "path", d.Path)
			continue
		}
		if err := pool.Feed(ctx, task, 0); err != nil {
			feedErr = err
			break
		}
	}

	waitErr := pool.WaitIdle(ctx)
	pool.Stop()
	pool.Join()

	finished, failed, suspended := pool.Counts()
	t.finished.Add(finished)
	t.failed.Add(failed)

	switch {
	case t.stopped.Load() || ctx.Err() != nil || suspended > 0:
		return errors.Join(storage.ErrInterrupted, ctx.Err())
	case feedErr != nil:
		return feedErr
	case errors.Is(waitErr, worker.ErrPoolStopped):
		return errors.Join(storage.ErrInterrupted, waitErr)
	}
	return waitErr
}

// applyMetadata copies the requested attributes of the source node onto a
// freshly written destination path.
func (t *Target) applyMetadata(ctx context.Context, path string, ivs encryption.IVChain, src *store.Node) error {
	caps := t.Dst.Capabilities()
	if src.LinkPath != nil {
		return nil
	}
	if t.Options.SyncMode && caps.Chmod && src.Mode != nil {
		if err := t.Dst.Chmod(ctx, path, ivs, uint32(*src.Mode)); err != nil {
			return err
		}
	}
	if t.Options.SyncOwnership && caps.Chown && src.Owner != nil && src.Group != nil {
		if err := t.Dst.Chown(ctx, path, ivs, int(*src.Owner), int(*src.Group)); err != nil {
			return err
		}
	}
	if t.Options.SyncModified && caps.SetModified {
		if err := t.Dst.SetModified(ctx, path, ivs, src.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

// touch records the destination directory holding path; writing into it
// moved its modification time.
func (t *Target) touch(path string) {
	root := t.Dst.Root()
	if vpath.DirNormalize(path) == root {
		return
	}
	parent, _ := vpath.Split(path)
	parent = vpath.DirNormalize(parent)
	if vpath.Contains(root, parent) {
		t.touched.Add(parent)
	}
}

// refreshTouched rereads the directories written into so the metadata
// comparison sees their current times.
func (t *Target) refreshTouched(ctx context.Context) error {
	dirs := t.touched.ToSlice()
	t.touched.Clear()
	if len(dirs) == 0 {
		return nil
	}

	return t.withDstTx(func() error {
		inv := t.Dst.Inventory()
		for _, dir := range dirs {
			n, err := inv.Find(dir)
			if err != nil {
				return err
			}
			if n == nil || n.Kind != store.KindDir {
				continue
			}
			meta, err := t.Dst.GetMeta(ctx, dir, n.Chain())
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			if err := inv.UpdateModified(dir, store.Timestamp(meta.Modified)); err != nil {
				return err
			}
		}
		slog.Debug("refreshed directories", "target", t.Name, "count", humanize.Comma(int64(len(dirs))))
		return nil
	})
}
