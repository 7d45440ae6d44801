package convstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by the pure-Go modernc.org/sqlite
// driver, suitable for a single-process deployment that wants a file on
// disk rather than an external database.
type SQLiteStore struct{ *sqlStoreHandle }

// OpenSQLite opens (creating if necessary) the sqlite database at path and
// migrates the conversations schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	h, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{h}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
