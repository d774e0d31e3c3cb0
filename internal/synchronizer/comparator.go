package synchronizer

import (
	"iter"
	"math"
	"strings"
	"time"

	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
)

// CompareOptions selects which differences the comparator reports.
type CompareOptions struct {
	// Structure reports rm, new and update.
	Structure bool
	Modified  bool
	Chmod     bool
	Chown     bool

	// Precision is the coarser modification time resolution of both sides.
	Precision time.Duration
}

// Compare merge-joins two inventory ranges, both in ascending path order,
// and yields their differences in ascending relative path order. A removed
// directory covers every removal below it.
func Compare(src, dst iter.Seq2[*store.Node, error], srcRoot, dstRoot string, opts CompareOptions) iter.Seq2[*store.Diff, error] {
	srcRoot, dstRoot = vpath.DirNormalize(srcRoot), vpath.DirNormalize(dstRoot)

	return func(yield func(*store.Diff, error) bool) {
		nextSrc, stopSrc := iter.Pull2(src)
		defer stopSrc()
		nextDst, stopDst := iter.Pull2(dst)
		defer stopDst()

		c := &comparer{opts: opts, srcRoot: srcRoot, dstRoot: dstRoot, yield: yield}

		s, sOK, err := pull(nextSrc)
		if err != nil {
			yield(nil, err)
			return
		}
		d, dOK, err := pull(nextDst)
		if err != nil {
			yield(nil, err)
			return
		}

		for sOK || dOK {
			var sRel, dRel string
			if sOK {
				sRel = vpath.CutPrefix(s.Path, srcRoot)
			}
			if dOK {
				dRel = vpath.CutPrefix(d.Path, dstRoot)
			}

			var advanceSrc, advanceDst bool
			switch {
			case !dOK || (sOK && sRel < dRel):
				advanceSrc = c.added(sRel, s)
			case !sOK || sRel > dRel:
				advanceDst = c.removed(dRel, d)
			default:
				advanceSrc = c.both(sRel, s, d)
				advanceDst = advanceSrc
			}
			if c.stopped {
				return
			}

			if advanceSrc {
				if s, sOK, err = pull(nextSrc); err != nil {
					yield(nil, err)
					return
				}
			}
			if advanceDst {
				if d, dOK, err = pull(nextDst); err != nil {
					yield(nil, err)
					return
				}
			}
		}
	}
}

func pull(next func() (*store.Node, error, bool)) (*store.Node, bool, error) {
	n, err, ok := next()
	if !ok {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

type comparer struct {
	opts             CompareOptions
	srcRoot, dstRoot string
	yield            func(*store.Diff, error) bool
	stopped          bool

	// rmDir is the relative directory of the last directory removal.
	rmDir    string
	hasRmDir bool
}

func (c *comparer) emit(t store.DiffType, rel string, n *store.Node) bool {
	if c.stopped {
		return false
	}
	d := &store.Diff{
		Type:     t,
		NodeKind: n.Kind,
		Path:     rel,
		LinkPath: n.LinkPath,
	}
	if !c.yield(d, nil) {
		c.stopped = true
	}
	return !c.stopped
}

func (c *comparer) added(rel string, s *store.Node) bool {
	if c.opts.Structure {
		c.emit(store.DiffNew, rel, s)
	}
	return true
}

func (c *comparer) removed(rel string, d *store.Node) bool {
	if !c.opts.Structure || c.coveredByRm(rel) {
		return true
	}
	if c.emit(store.DiffRm, rel, d) && d.Kind == store.KindDir {
		c.rmDir, c.hasRmDir = rel, true
	}
	return true
}

func (c *comparer) coveredByRm(rel string) bool {
	return c.hasRmDir && strings.HasPrefix(rel, c.rmDir) && rel != c.rmDir
}

func (c *comparer) both(rel string, s, d *store.Node) bool {
	if s.Kind != d.Kind || !sameLink(s.LinkPath, d.LinkPath) {
		if c.opts.Structure {
			if !c.coveredByRm(rel) && c.emit(store.DiffRm, rel, d) && d.Kind == store.KindDir {
				c.rmDir, c.hasRmDir = rel, true
			}
			c.emit(store.DiffNew, rel, s)
		}
		return true
	}

	if c.opts.Structure && s.Kind == store.KindFile && s.LinkPath == nil && d.LinkPath == nil {
		if c.newer(s, d) || s.PaddedSize != d.PaddedSize {
			if !c.emit(store.DiffUpdate, rel, s) {
				return true
			}
		}
	}

	// links carry no metadata of their own that drivers can set
	if s.LinkPath != nil {
		return true
	}
	if c.opts.Modified && c.truncate(s.Modified) != c.truncate(d.Modified) {
		if !c.emit(store.DiffModified, rel, s) {
			return true
		}
	}
	if c.opts.Chmod && s.Mode != nil && !sameInt(s.Mode, d.Mode) {
		if !c.emit(store.DiffChmod, rel, s) {
			return true
		}
	}
	if c.opts.Chown && s.Owner != nil && (!sameInt(s.Owner, d.Owner) || !sameInt(s.Group, d.Group)) {
		c.emit(store.DiffChown, rel, s)
	}
	return true
}

func (c *comparer) newer(s, d *store.Node) bool {
	return c.truncate(s.Modified) > c.truncate(d.Modified)
}

// truncate maps a timestamp onto ticks of the comparison precision.
func (c *comparer) truncate(ts float64) int64 {
	us := int64(math.Round(ts * 1e6))
	step := max(c.opts.Precision.Microseconds(), 1)
	if us < 0 {
		return -((-us + step - 1) / step)
	}
	return us / step
}

func sameLink(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
