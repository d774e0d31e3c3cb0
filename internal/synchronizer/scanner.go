package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/worker"
)

// listRetries bounds immediate re-attempts of a failed listing.
const listRetries = 10

// Scanner rebuilds the inventory of one folder from its storage.
type Scanner struct {
	Folder     *folder.Folder
	Duplicates *store.DuplicateStore
	Emitter    *events.Emitter
	Name       string

	NWorkers          int
	IgnoreUnreachable bool

	visited mapset.Set[string]
	nodes   atomic.Int64
	dups    atomic.Int64
}

// ScanResult summarises a finished scan.
type ScanResult struct {
	Found      bool
	Nodes      int
	Duplicates int
	Failed     int64
	Elapsed    time.Duration
}

// Run clears the folder's range of the inventory and duplicate store, walks
// the storage and commits the result. On failure both stores roll back.
func (s *Scanner) Run(ctx context.Context) (res ScanResult, err error) {
	start := time.Now()
	inv := s.Folder.Inventory()
	root := s.Folder.Root()
	s.visited = mapset.NewSet[string]()
	s.nodes.Store(0)
	s.dups.Store(0)

	restore := s.unjournal()
	defer restore()

	if err := inv.Begin(); err != nil {
		return res, err
	}
	if s.Duplicates != nil {
		if err := s.Duplicates.Begin(); err != nil {
			inv.Rollback()
			return res, err
		}
	}
	defer func() {
		if err != nil {
			inv.Rollback()
			if s.Duplicates != nil {
				s.Duplicates.Rollback()
			}
		}
	}()

	if err = inv.RemoveRecursively(root); err != nil {
		return res, err
	}
	if s.Duplicates != nil {
		if err = s.Duplicates.RemoveRecursively(root); err != nil {
			return res, err
		}
	}

	rootScan := NewScannable(s.Folder)
	found, err := rootScan.Identify(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to identify %s: %w", root, err)
	}
	if !found {
		slog.Info("scan root missing", "folder", s.Folder.Name(), "root", root)
		res.Elapsed = time.Since(start)
		return res, s.commit()
	}
	res.Found = true

	if err = s.insert(rootScan.ToNode()); err != nil {
		return res, err
	}

	if rootScan.IsDir() {
		nWorkers := max(s.NWorkers, 1)
		if !s.Folder.Capabilities().Parallelizable {
			nWorkers = 1
		}

		pool := worker.NewPool(ctx, s.Name, s.Emitter)
		pool.SpawnMany(nWorkers)
		if err = pool.Push(&scanTask{s: s, pool: pool, item: rootScan}, 0); err != nil {
			pool.Stop()
			return res, err
		}
		waitErr := pool.WaitIdle(ctx)
		pool.Stop()
		pool.Join()

		_, failed, suspended := pool.Counts()
		res.Failed = failed
		switch {
		case waitErr != nil:
			err = waitErr
		case ctx.Err() != nil || suspended > 0:
			err = errors.Join(storage.ErrInterrupted, ctx.Err())
		case failed > 0:
			err = fmt.Errorf("scan of %s: %d directories failed", root, failed)
		}
		if err != nil {
			return res, err
		}
	}

	if err = s.commit(); err != nil {
		return res, err
	}
	res.Nodes, res.Duplicates = int(s.nodes.Load()), int(s.dups.Load())
	res.Elapsed = time.Since(start)
	slog.Info("scan finished", "folder", s.Folder.Name(), "root", root,
		"nodes", res.Nodes, "duplicates", res.Duplicates, "elapsed", res.Elapsed)
	return res, nil
}

type journaled interface {
	Journaling() (bool, error)
	SetJournaling(on bool) error
}

// unjournal turns durable writes off for the stores a scan rewrites and
// returns a function that puts the previous setting back. The returned
// function must run after the scan transaction ends.
func (s *Scanner) unjournal() func() {
	dbs := []journaled{s.Folder.Inventory()}
	if s.Duplicates != nil {
		dbs = append(dbs, s.Duplicates)
	}

	var restores []func()
	for _, db := range dbs {
		prev, err := db.Journaling()
		if err == nil {
			err = db.SetJournaling(false)
		}
		if err != nil {
			slog.Warn("scan keeps journaling", "folder", s.Folder.Name(), "error", err)
			continue
		}
		restores = append(restores, func() {
			if err := db.SetJournaling(prev); err != nil {
				slog.Warn("failed to restore journaling", "folder", s.Folder.Name(), "error", err)
			}
		})
	}
	return func() {
		for _, fn := range restores {
			fn()
		}
	}
}

func (s *Scanner) commit() error {
	if err := s.Folder.Inventory().Commit(); err != nil {
		return err
	}
	if s.Duplicates != nil {
		return s.Duplicates.Commit()
	}
	return nil
}

func (s *Scanner) insert(n *store.Node) error {
	inv := s.Folder.Inventory()
	if err := inv.Insert(n); err != nil {
		return err
	}
	s.nodes.Add(1)
	if _, err := inv.AutoCommit(); err != nil {
		return err
	}
	s.Emitter.Emit(events.Event{Type: events.NodeScanned, Target: s.Name, Path: n.Path})
	return nil
}

func (s *Scanner) insertDuplicate(d *store.Duplicate) error {
	if s.Duplicates == nil {
		return fmt.Errorf("duplicate %s found but no duplicate store configured", d.Path)
	}
	if err := s.Duplicates.Insert(d); err != nil {
		return err
	}
	s.dups.Add(1)
	if _, err := s.Duplicates.AutoCommit(); err != nil {
		return err
	}
	slog.Debug("duplicate found", "folder", s.Folder.Name(), "path", d.Path)
	s.Emitter.Emit(events.Event{Type: events.DuplicateSeen, Target: s.Name, Path: d.Path})
	return nil
}

// scanTask lists one directory and queues its subdirectories.
type scanTask struct {
	s    *Scanner
	pool *worker.Pool
	item Scannable
}

func (t *scanTask) String() string {
	return "scan " + t.item.Path()
}

func (t *scanTask) Run(ctx context.Context) error {
	s := t.s
	if !s.visited.Add(t.item.Path()) {
		return nil
	}

	var children []Scannable
	var dups []*store.Duplicate
	err := storage.AutoRetry(ctx, listRetries, 0, func() error {
		var err error
		children, dups, err = t.item.ListDir(ctx)
		return err
	})
	if err != nil {
		if s.IgnoreUnreachable && (storage.IsNotFound(err) || storage.IsPermission(err)) {
			slog.Warn("skipping unreachable directory", "path", t.item.Path(), "error", err)
			return nil
		}
		return err
	}

	matcher := s.Folder.Matcher()
	for _, d := range dups {
		if !matcher.Match(d.Path) {
			continue
		}
		if err := s.insertDuplicate(d); err != nil {
			return err
		}
	}

	for _, child := range children {
		if !matcher.Match(child.Path()) {
			continue
		}
		if err := s.insert(child.ToNode()); err != nil {
			return err
		}
		if child.IsDir() {
			if err := t.pool.Push(&scanTask{s: s, pool: t.pool, item: child}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}
