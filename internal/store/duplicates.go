package store

import (
	"fmt"
	"iter"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/vpath"
)

const duplicatesSchema = `
CREATE TABLE IF NOT EXISTS duplicates (
    type TEXT NOT NULL,
    IVs BLOB NOT NULL,
    path TEXT NOT NULL,
    UNIQUE(IVs, path)
);

CREATE INDEX IF NOT EXISTS idx_duplicates_path ON duplicates(path);
`

// Duplicate is a superseded encrypted object. Path is the plaintext path;
// together with IVs it determines the ciphertext path on the storage.
type Duplicate struct {
	Kind Kind   `db:"type"`
	IVs  []byte `db:"IVs"`
	Path string `db:"path"`
}

func (d *Duplicate) Chain() encryption.IVChain {
	return encryption.IVChain(d.IVs)
}

// DuplicateStore lists superseded collisions of one storage.
type DuplicateStore struct {
	*txDB
}

// OpenDuplicateStore opens or creates the duplicate list at path.
func OpenDuplicateStore(path string) (*DuplicateStore, error) {
	base, err := openTxDB(path, duplicatesSchema)
	if err != nil {
		return nil, err
	}
	return &DuplicateStore{txDB: base}, nil
}

// Insert records a duplicate. Re-inserting the same (ivs, path) is a no-op.
func (s *DuplicateStore) Insert(d *Duplicate) error {
	if d.Kind == KindDir {
		d.Path = vpath.DirNormalize(d.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}

	query := `INSERT OR REPLACE INTO duplicates (type, IVs, path) VALUES (:type, :IVs, :path)`
	if _, err := sqlx.NamedExec(s.ext(), query, d); err != nil {
		return fmt.Errorf("failed to insert duplicate %s: %w", d.Path, err)
	}
	return nil
}

// Remove deletes the row for (ivs, path).
func (s *DuplicateStore) Remove(ivs []byte, path string) error {
	if err := s.exec(`DELETE FROM duplicates WHERE IVs = ? AND path = ?`, ivs, path); err != nil {
		return fmt.Errorf("failed to remove duplicate %s: %w", path, err)
	}
	return nil
}

// RemoveRecursively deletes every duplicate at or under path.
func (s *DuplicateStore) RemoveRecursively(path string) error {
	prefix := vpath.DirNormalize(path)
	err := s.exec(`DELETE FROM duplicates WHERE path = ? OR (path >= ? AND path < ?)`,
		vpath.DirDenormalize(path), prefix, rangeUpper(prefix))
	if err != nil {
		return fmt.Errorf("failed to remove duplicates under %s: %w", path, err)
	}
	return nil
}

// Clear deletes every row.
func (s *DuplicateStore) Clear() error {
	if err := s.exec(`DELETE FROM duplicates`); err != nil {
		return fmt.Errorf("failed to clear duplicates: %w", err)
	}
	return nil
}

// Count returns the number of duplicates under prefix.
func (s *DuplicateStore) Count(prefix string) (int, error) {
	prefix = vpath.DirNormalize(prefix)
	var n int
	err := s.get(&n, `SELECT COUNT(*) FROM duplicates WHERE path >= ? AND path < ?`, prefix, rangeUpper(prefix))
	if err != nil {
		return 0, fmt.Errorf("failed to count duplicates: %w", err)
	}
	return n, nil
}

// IsEmpty reports whether no duplicates are recorded at all.
func (s *DuplicateStore) IsEmpty() (bool, error) {
	var n int
	if err := s.get(&n, `SELECT COUNT(*) FROM (SELECT 1 FROM duplicates LIMIT 1)`); err != nil {
		return false, fmt.Errorf("failed to count duplicates: %w", err)
	}
	return n == 0, nil
}

// FindRecursively yields the duplicates under prefix in ascending path order.
func (s *DuplicateStore) FindRecursively(prefix string) iter.Seq2[*Duplicate, error] {
	prefix = vpath.DirNormalize(prefix)
	return func(yield func(*Duplicate, error) bool) {
		s.mu.Lock()
		reader := s.reader
		s.mu.Unlock()
		if reader == nil {
			yield(nil, ErrClosed)
			return
		}

		rows, err := reader.Queryx(`SELECT type, IVs, path FROM duplicates WHERE path >= ? AND path < ? ORDER BY path, IVs`,
			prefix, rangeUpper(prefix))
		if err != nil {
			yield(nil, fmt.Errorf("failed to list duplicates: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var d Duplicate
			if err := rows.StructScan(&d); err != nil {
				yield(nil, fmt.Errorf("failed to read duplicate: %w", err))
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

// CopyTo replaces the contents of dst with the duplicates under prefix.
func (s *DuplicateStore) CopyTo(dst *DuplicateStore, prefix string) (int, error) {
	if err := dst.Begin(); err != nil {
		return 0, err
	}
	if err := dst.Clear(); err != nil {
		dst.Rollback()
		return 0, err
	}

	n := 0
	for d, err := range s.FindRecursively(prefix) {
		if err != nil {
			dst.Rollback()
			return 0, err
		}
		if err := dst.Insert(d); err != nil {
			dst.Rollback()
			return 0, err
		}
		n++
	}
	return n, dst.Commit()
}
