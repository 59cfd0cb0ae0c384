package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"otwatch/internal/tracker"
	"otwatch/pkg/sqliteutil"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteLevels keeps the level map in a single sqlite table, the table is
// replaced wholesale on every save.
//
// The database is opened on first use. A file that cannot be opened loads as
// ErrCorrupt, and the next save moves it aside to Path+".corrupt" and starts
// a fresh database, the same way a broken json file is overwritten.
type SQLiteLevels struct {
	Path string

	mutex sync.Mutex
	db    *sql.DB
}

func NewSQLiteLevels(path string) *SQLiteLevels {
	return &SQLiteLevels{Path: path}
}

func (s *SQLiteLevels) open() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sqliteutil.OpenDB(sqliteSchema, s.Path)
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

// reset moves an unusable database file out of the way and opens a new one.
func (s *SQLiteLevels) reset() (*sql.DB, error) {
	err := os.Rename(s.Path, s.Path+".corrupt")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("move corrupt level db: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(s.Path + suffix)
	}
	return s.open()
}

func (s *SQLiteLevels) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteLevels) Load(ctx context.Context) (tracker.LevelMap, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.db == nil {
		_, err := os.Stat(s.Path)
		if err != nil {
			return nil, err
		}
	}
	db, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.Path, err)
	}

	rows, err := db.QueryContext(ctx, "select name, level from levels")
	if err != nil {
		return nil, fmt.Errorf("%w: query levels: %w", ErrCorrupt, err)
	}
	defer rows.Close()

	levels := tracker.LevelMap{}
	for rows.Next() {
		var name string
		var level int
		err = rows.Scan(&name, &level)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrCorrupt, err)
		}
		levels[name] = level
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return levels, nil
}

func makeTx(ctx context.Context, db *sql.DB) (tx *sql.Tx, discard, commit func() error, err error) {
	sqltx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return sqltx,
		func() error {
			return sqltx.Rollback()
		},
		func() error {
			return sqltx.Commit()
		},
		nil
}

func (s *SQLiteLevels) Save(ctx context.Context, levels tracker.LevelMap) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	db, err := s.open()
	if err != nil {
		db, err = s.reset()
		if err != nil {
			return err
		}
	}

	tx, discard, commit, err := makeTx(ctx, db)
	if err != nil {
		return fmt.Errorf("make tx: %w", err)
	}
	defer discard()

	_, err = tx.ExecContext(ctx, "delete from levels")
	if err != nil {
		return fmt.Errorf("clear levels: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "insert into levels (name, level) values (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for name, level := range levels {
		_, err = stmt.ExecContext(ctx, name, level)
		if err != nil {
			return fmt.Errorf("insert %s: %w", name, err)
		}
	}

	return commit()
}
