// Package store implements the persistent tables of the sync engine: per
// folder inventories, per storage duplicate lists and the transient
// difference table.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/eas/internal/db"
)

// AutocommitInterval bounds how long a transaction may stay open before a
// seamless commit punctuates it.
const AutocommitInterval = 450 * time.Second

var ErrClosed = errors.New("store: closed")

// txDB is a single-writer SQLite database with an optional long running
// transaction. All writes go through the writer connection and serialise on mu.
// Range scans use a separate cursor pool and only observe committed rows.
type txDB struct {
	path   string
	writer *sqlx.DB
	reader *sqlx.DB

	mu         sync.Mutex
	tx         *sqlx.Tx
	lastCommit time.Time
	now        func() time.Time
}

func openTxDB(path string, schema string) (*txDB, error) {
	writer, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := writer.Exec(schema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to initialize schema of %s: %w", path, err)
	}

	reader, err := db.NewSqliteDB(db.WithPath(path), db.WithReader())
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open cursor pool for %s: %w", path, err)
	}

	return &txDB{
		path:       path,
		writer:     writer,
		reader:     reader,
		lastCommit: time.Now(),
		now:        time.Now,
	}, nil
}

// Path is the database file.
func (s *txDB) Path() string {
	return s.path
}

// Close rolls back any open transaction and closes both handles.
func (s *txDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil {
			slog.Warn("rollback on close", "path", s.path, "error", err)
		}
		s.tx = nil
	}

	err := errors.Join(s.reader.Close(), s.writer.Close())
	s.writer, s.reader = nil, nil
	return err
}

// Begin opens a transaction. Beginning twice keeps the open one.
func (s *txDB) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked()
}

func (s *txDB) beginLocked() error {
	if s.writer == nil {
		return ErrClosed
	}
	if s.tx != nil {
		return nil
	}
	tx, err := s.writer.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction, if any.
func (s *txDB) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *txDB) commitLocked() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	s.lastCommit = s.now()
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback discards the open transaction, if any.
func (s *txDB) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

// SeamlessCommit commits and immediately opens a new transaction without
// letting another writer in between.
func (s *txDB) SeamlessCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	if err := s.commitLocked(); err != nil {
		return err
	}
	return s.beginLocked()
}

// InTransaction reports whether a transaction is open.
func (s *txDB) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// TimeSinceLastCommit is the wall-clock time since the last commit.
func (s *txDB) TimeSinceLastCommit() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastCommit)
}

// AutoCommit performs a seamless commit once AutocommitInterval has elapsed.
func (s *txDB) AutoCommit() (bool, error) {
	if s.TimeSinceLastCommit() < AutocommitInterval || !s.InTransaction() {
		return false, nil
	}
	slog.Debug("autocommit", "path", s.path)
	return true, s.SeamlessCommit()
}

// SetJournaling toggles durable writes. Bulk scans run with it off.
// SQLite refuses the change inside a transaction.
func (s *txDB) SetJournaling(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrClosed
	}
	if s.tx != nil {
		return errors.New("store: journaling cannot change inside a transaction")
	}
	mode := "OFF"
	if on {
		mode = "NORMAL"
	}
	if _, err := s.writer.Exec("PRAGMA synchronous=" + mode); err != nil {
		return fmt.Errorf("failed to set synchronous=%s: %w", mode, err)
	}
	return nil
}

// Journaling reports whether durable writes are on.
func (s *txDB) Journaling() (bool, error) {
	var mode int
	if err := s.get(&mode, "PRAGMA synchronous"); err != nil {
		return false, fmt.Errorf("failed to read synchronous: %w", err)
	}
	return mode != 0, nil
}

// ext returns the open transaction or the writer. Callers hold mu.
func (s *txDB) ext() sqlx.Ext {
	if s.tx != nil {
		return s.tx
	}
	return s.writer
}

// exec runs a write statement under the writer lock.
func (s *txDB) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrClosed
	}
	_, err := s.ext().Exec(query, args...)
	return err
}

// get runs a point lookup through the writer so uncommitted rows are visible.
func (s *txDB) get(dest any, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrClosed
	}
	return sqlx.Get(s.ext(), dest, query, args...)
}

// rangeUpper returns the smallest string greater than every path under the
// directory-normalised prefix. '0' sorts right after '/'.
func rangeUpper(prefix string) string {
	return prefix[:len(prefix)-1] + "0"
}
