// Package storage holds the authoritative per-atom records.
package storage

import "github.com/starford/ansuz/internal/models"

// AtomStore is durable per-atom storage keyed by atom id.
type AtomStore interface {
	// Load returns the record for id, or an error wrapping apperr.ErrNotFound.
	Load(id string) (*models.Atom, error)
	// Save creates or replaces the record.
	Save(atom *models.Atom) error
	// Delete removes the record and reports whether one existed.
	Delete(id string) (bool, error)
	// Exists reports whether a record for id is stored.
	Exists(id string) bool
	// ListAllIDs returns every stored id, sorted and de-duplicated.
	ListAllIDs() ([]string, error)
	// RecordPath is the location written into index entries.
	RecordPath(id string) string
}

var (
	_ AtomStore = (*FileStore)(nil)
	_ AtomStore = (*SQLiteStore)(nil)
)
