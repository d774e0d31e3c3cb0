package store

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/vpath"
)

const inventorySchema = `
CREATE TABLE IF NOT EXISTS filelist (
    type TEXT NOT NULL,
    path TEXT PRIMARY KEY,
    modified REAL NOT NULL DEFAULT 0,
    padded_size INTEGER NOT NULL DEFAULT 0,
    mode INTEGER,
    owner INTEGER,
    "group" INTEGER,
    link_path TEXT,
    IVs BLOB NOT NULL DEFAULT x''
);
`

const nodeColumns = `type, path, modified, padded_size, mode, owner, "group", link_path, IVs`

// Inventory is the persistent sorted map of nodes of one folder.
type Inventory struct {
	*txDB
}

// OpenInventory opens or creates the inventory at path.
func OpenInventory(path string) (*Inventory, error) {
	base, err := openTxDB(path, inventorySchema)
	if err != nil {
		return nil, err
	}
	return &Inventory{txDB: base}, nil
}

// Insert adds or replaces a node.
func (s *Inventory) Insert(n *Node) error {
	if n.IVs == nil {
		n.IVs = []byte{}
	}
	if len(n.IVs)%encryption.IVSize != 0 {
		return fmt.Errorf("invalid IV chain length %d for %s", len(n.IVs), n.Path)
	}
	if n.Kind == KindDir {
		n.Path = vpath.DirNormalize(n.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}

	query := `INSERT OR REPLACE INTO filelist (` + nodeColumns + `)
	          VALUES (:type, :path, :modified, :padded_size, :mode, :owner, :group, :link_path, :IVs)`
	if _, err := sqlx.NamedExec(s.ext(), query, n); err != nil {
		return fmt.Errorf("failed to insert %s: %w", n.Path, err)
	}
	return nil
}

// Remove deletes the node at path.
func (s *Inventory) Remove(path string) error {
	if err := s.exec(`DELETE FROM filelist WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// RemoveRecursively deletes path in either form and everything below it.
func (s *Inventory) RemoveRecursively(path string) error {
	prefix := vpath.DirNormalize(path)
	err := s.exec(`DELETE FROM filelist WHERE path = ? OR (path >= ? AND path < ?)`,
		vpath.DirDenormalize(path), prefix, rangeUpper(prefix))
	if err != nil {
		return fmt.Errorf("failed to remove %s recursively: %w", path, err)
	}
	return nil
}

// Clear deletes every node.
func (s *Inventory) Clear() error {
	if err := s.exec(`DELETE FROM filelist`); err != nil {
		return fmt.Errorf("failed to clear inventory: %w", err)
	}
	return nil
}

// Find returns the node stored under exactly path, or nil.
func (s *Inventory) Find(path string) (*Node, error) {
	var n Node
	err := s.get(&n, `SELECT `+nodeColumns+` FROM filelist WHERE path = ?`, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query %s: %w", path, err)
	}
	return &n, nil
}

// FindNode returns the node for path, trying both its file and directory form.
func (s *Inventory) FindNode(path string) (*Node, error) {
	if n, err := s.Find(path); n != nil || err != nil {
		return n, err
	}
	alt := vpath.DirNormalize(path)
	if vpath.IsDirNormalized(path) {
		alt = vpath.DirDenormalize(path)
	}
	return s.Find(alt)
}

// Iter yields the nodes under prefix, prefix included, in ascending path
// order. Virtual nodes are skipped unless withVirtual is set. The cursor only
// sees committed rows.
func (s *Inventory) Iter(prefix string, withVirtual bool) iter.Seq2[*Node, error] {
	prefix = vpath.DirNormalize(prefix)
	query := `SELECT ` + nodeColumns + ` FROM filelist WHERE path >= ? AND path < ?`
	if !withVirtual {
		query += ` AND type != 'v'`
	}
	query += ` ORDER BY path`

	return func(yield func(*Node, error) bool) {
		s.mu.Lock()
		reader := s.reader
		s.mu.Unlock()
		if reader == nil {
			yield(nil, ErrClosed)
			return
		}

		rows, err := reader.Queryx(query, prefix, rangeUpper(prefix))
		if err != nil {
			yield(nil, fmt.Errorf("failed to scan %s: %w", prefix, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var n Node
			if err := rows.StructScan(&n); err != nil {
				yield(nil, fmt.Errorf("failed to read node: %w", err))
				return
			}
			if !yield(&n, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Count returns the number of non-virtual nodes under prefix, prefix included.
func (s *Inventory) Count(prefix string) (int, error) {
	prefix = vpath.DirNormalize(prefix)
	var n int
	err := s.get(&n, `SELECT COUNT(*) FROM filelist WHERE path >= ? AND path < ? AND type != 'v'`,
		prefix, rangeUpper(prefix))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", prefix, err)
	}
	return n, nil
}

// UpdateModified sets the modified column of path.
func (s *Inventory) UpdateModified(path string, modified float64) error {
	return s.update(path, "modified", modified)
}

// UpdateMode sets the mode column of path.
func (s *Inventory) UpdateMode(path string, mode *int64) error {
	return s.update(path, "mode", mode)
}

// UpdateOwner sets the owner and group columns of path.
func (s *Inventory) UpdateOwner(path string, owner, group *int64) error {
	if err := s.update(path, "owner", owner); err != nil {
		return err
	}
	return s.update(path, `"group"`, group)
}

func (s *Inventory) update(path, column string, value any) error {
	if err := s.exec(`UPDATE filelist SET `+column+` = ? WHERE path = ?`, value, path); err != nil {
		return fmt.Errorf("failed to update %s of %s: %w", column, path, err)
	}
	return nil
}

// GetIVs returns the IV chain recorded for path in either form.
func (s *Inventory) GetIVs(path string) (encryption.IVChain, bool, error) {
	n, err := s.FindNode(path)
	if err != nil || n == nil {
		return nil, false, err
	}
	return n.Chain(), true, nil
}

// CreateVirtualNodes returns the IV chain for path below prefix, reusing the
// chains of existing ancestors and inserting virtual nodes with fresh IVs for
// every component that has none yet.
func (s *Inventory) CreateVirtualNodes(path, prefix string) (encryption.IVChain, error) {
	prefix = vpath.DirNormalize(prefix)
	if !vpath.Contains(prefix, path) {
		return nil, fmt.Errorf("%s is not under %s", path, prefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil, ErrClosed
	}
	ext := s.ext()

	if _, err := ext.Exec(`INSERT OR IGNORE INTO filelist (type, path, IVs) VALUES ('v', ?, x'')`, prefix); err != nil {
		return nil, fmt.Errorf("failed to insert prefix node: %w", err)
	}

	comps := vpath.Components(vpath.CutPrefix(path, prefix))
	isDir := vpath.IsDirNormalized(path)
	chain := encryption.IVChain{}
	cur := prefix

	for i, comp := range comps {
		key := cur + comp
		if i < len(comps)-1 || isDir {
			key += vpath.Sep
		}

		existing, err := s.findLocked(key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if len(existing.IVs) != (i+1)*encryption.IVSize {
				return nil, fmt.Errorf("node %s has %d IV bytes, want %d", key, len(existing.IVs), (i+1)*encryption.IVSize)
			}
			chain = existing.Chain()
		} else {
			iv, err := encryption.NewIV()
			if err != nil {
				return nil, err
			}
			chain = chain.Append(iv)
			_, err = ext.Exec(`INSERT INTO filelist (type, path, IVs) VALUES ('v', ?, ?)`, key, []byte(chain))
			if err != nil {
				return nil, fmt.Errorf("failed to insert virtual node %s: %w", key, err)
			}
		}
		cur = vpath.DirNormalize(key)
	}
	return chain, nil
}

func (s *Inventory) findLocked(key string) (*Node, error) {
	for _, k := range []string{key, alternateForm(key)} {
		var n Node
		err := s.ext().QueryRowx(`SELECT `+nodeColumns+` FROM filelist WHERE path = ?`, k).StructScan(&n)
		if err == nil {
			return &n, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query %s: %w", k, err)
		}
	}
	return nil, nil
}

func alternateForm(p string) string {
	if vpath.IsDirNormalized(p) {
		return vpath.DirDenormalize(p)
	}
	return vpath.DirNormalize(p)
}
