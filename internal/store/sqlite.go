package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores watermarks in a sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS revisions (
    repository TEXT PRIMARY KEY,
    revision INTEGER NOT NULL CHECK (revision >= 0)
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Load returns every stored watermark.
func (s *SQLite) Load(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repository, revision FROM revisions`)
	if err != nil {
		return nil, fmt.Errorf("querying revisions: %w", err)
	}
	defer rows.Close()

	revisions := make(map[string]int)
	for rows.Next() {
		var repo string
		var rev int
		if err := rows.Scan(&repo, &rev); err != nil {
			return nil, fmt.Errorf("scanning revision: %w", err)
		}
		revisions[repo] = rev
	}
	return revisions, rows.Err()
}

// Save replaces all rows inside one transaction.
func (s *SQLite) Save(ctx context.Context, revisions map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions`); err != nil {
		return fmt.Errorf("clearing revisions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO revisions (repository, revision) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, repo := range sortedKeys(revisions) {
		if _, err := stmt.ExecContext(ctx, repo, revisions[repo]); err != nil {
			return fmt.Errorf("saving revision for %s: %w", repo, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing revisions: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
