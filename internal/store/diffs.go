package store

import (
	"fmt"
	"iter"

	"github.com/jmoiron/sqlx"
)

// DiffType names the action a diff row asks for.
type DiffType string

const (
	DiffRm       DiffType = "rm"
	DiffNew      DiffType = "new"
	DiffUpdate   DiffType = "update"
	DiffModified DiffType = "modified"
	DiffChmod    DiffType = "chmod"
	DiffChown    DiffType = "chown"
)

const diffsSchema = `
CREATE TABLE IF NOT EXISTS differences (
    type TEXT NOT NULL,
    node_type TEXT NOT NULL,
    path TEXT NOT NULL,
    link_path TEXT,
    src_path TEXT NOT NULL,
    dst_path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_differences_pair ON differences(src_path, dst_path, type, node_type, path);
`

// Diff is one difference between a source and destination inventory. Path is
// relative to both roots; SrcPath and DstPath name the pair as
// <storage>://<root>.
type Diff struct {
	Type     DiffType `db:"type"`
	NodeKind Kind     `db:"node_type"`
	Path     string   `db:"path"`
	LinkPath *string  `db:"link_path"`
	SrcPath  string   `db:"src_path"`
	DstPath  string   `db:"dst_path"`
}

// DiffStore is the transient difference table shared by all targets.
type DiffStore struct {
	*txDB
}

// OpenDiffStore opens or creates the difference table at path.
func OpenDiffStore(path string) (*DiffStore, error) {
	base, err := openTxDB(path, diffsSchema)
	if err != nil {
		return nil, err
	}
	return &DiffStore{txDB: base}, nil
}

// Insert appends a diff row.
func (s *DiffStore) Insert(d *Diff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}

	query := `INSERT INTO differences (type, node_type, path, link_path, src_path, dst_path)
	          VALUES (:type, :node_type, :path, :link_path, :src_path, :dst_path)`
	if _, err := sqlx.NamedExec(s.ext(), query, d); err != nil {
		return fmt.Errorf("failed to insert diff %s %s: %w", d.Type, d.Path, err)
	}
	return nil
}

// ClearPair deletes every row of the (src, dst) pair.
func (s *DiffStore) ClearPair(src, dst string) error {
	if err := s.exec(`DELETE FROM differences WHERE src_path = ? AND dst_path = ?`, src, dst); err != nil {
		return fmt.Errorf("failed to clear diffs: %w", err)
	}
	return nil
}

// Count returns the number of rows of the pair, optionally restricted to types.
func (s *DiffStore) Count(src, dst string, types ...DiffType) (int, error) {
	query, args, err := pairQuery(`SELECT COUNT(*) FROM differences`, src, dst, types, nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.get(&n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count diffs: %w", err)
	}
	return n, nil
}

// Select yields the rows of the pair with one of types and kinds, sorted by
// path. Empty filters match everything.
func (s *DiffStore) Select(src, dst string, types []DiffType, kinds []Kind, descending bool) iter.Seq2[*Diff, error] {
	return func(yield func(*Diff, error) bool) {
		query, args, err := pairQuery(`SELECT type, node_type, path, link_path, src_path, dst_path FROM differences`,
			src, dst, types, kinds)
		if err != nil {
			yield(nil, err)
			return
		}
		query += ` ORDER BY path`
		if descending {
			query += ` DESC`
		}

		s.mu.Lock()
		reader := s.reader
		s.mu.Unlock()
		if reader == nil {
			yield(nil, ErrClosed)
			return
		}

		rows, err := reader.Queryx(query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to select diffs: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var d Diff
			if err := rows.StructScan(&d); err != nil {
				yield(nil, fmt.Errorf("failed to read diff: %w", err))
				return
			}
			if !yield(&d, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func pairQuery(base, src, dst string, types []DiffType, kinds []Kind) (string, []any, error) {
	query := base + ` WHERE src_path = ? AND dst_path = ?`
	args := []any{src, dst}
	if len(types) > 0 {
		query += ` AND type IN (?)`
		args = append(args, types)
	}
	if len(kinds) > 0 {
		query += ` AND node_type IN (?)`
		args = append(args, kinds)
	}
	if len(types) == 0 && len(kinds) == 0 {
		return query, args, nil
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build diff query: %w", err)
	}
	return query, args, nil
}
