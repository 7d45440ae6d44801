package convstore

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is a durable Store backed by github.com/lib/pq, intended
// for multi-process deployments sharing one conversation database.
type PostgresStore struct{ *sqlStoreHandle }

// OpenPostgres opens a connection pool against dsn (a postgres:// URL or
// keyword/value string per lib/pq) and migrates the conversations schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: open postgres: %w", err)
	}
	h, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{h}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
