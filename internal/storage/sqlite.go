package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/codec"
	"github.com/starford/ansuz/internal/models"
)

const atomSchemaSQL = `
CREATE TABLE IF NOT EXISTS atoms (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore keeps each atom as a JSON document in a single SQLite table.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(atomSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// RecordPath implements AtomStore.
func (s *SQLiteStore) RecordPath(id string) string {
	return path.Join("sqlite", "atoms", id)
}

// Load implements AtomStore.
func (s *SQLiteStore) Load(id string) (*models.Atom, error) {
	var data string
	err := s.conn.QueryRow(`SELECT data FROM atoms WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("atom %s", id)
	}
	if err != nil {
		return nil, apperr.Storage("load "+id, err)
	}
	atom, err := codec.Decode(codec.FormatJSON, []byte(data))
	if err != nil {
		return nil, apperr.Storage("load "+id, err)
	}
	return atom, nil
}

// Save implements AtomStore.
func (s *SQLiteStore) Save(atom *models.Atom) error {
	data, err := codec.Encode(codec.FormatJSON, atom)
	if err != nil {
		return apperr.Storage("save "+atom.ID, err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO atoms (id, title, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			data       = excluded.data,
			updated_at = excluded.updated_at
	`, atom.ID, atom.Title, string(data), atom.UpdatedAt)
	if err != nil {
		return apperr.Storage("save "+atom.ID, err)
	}
	return nil
}

// Delete implements AtomStore.
func (s *SQLiteStore) Delete(id string) (bool, error) {
	res, err := s.conn.Exec(`DELETE FROM atoms WHERE id = ?`, id)
	if err != nil {
		return false, apperr.Storage("delete "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("delete "+id, err)
	}
	return n > 0, nil
}

// Exists implements AtomStore.
func (s *SQLiteStore) Exists(id string) bool {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM atoms WHERE id = ?`, id).Scan(&one)
	return err == nil
}

// ListAllIDs implements AtomStore.
func (s *SQLiteStore) ListAllIDs() ([]string, error) {
	rows, err := s.conn.Query(`SELECT id FROM atoms ORDER BY id`)
	if err != nil {
		return nil, apperr.Storage("list atoms", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Storage("list atoms", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list atoms", err)
	}
	return ids, nil
}
