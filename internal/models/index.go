package models

import (
	"slices"
	"time"
)

// IndexVersion is the current schema version of the persisted index.
const IndexVersion = 1

// IndexEntry is the denormalized projection of one atom used for filtering
// and ranking without reading the full record.
type IndexEntry struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title" yaml:"title"`
	Type       AtomType   `json:"type" yaml:"type"`
	Status     AtomStatus `json:"status" yaml:"status"`
	Confidence Confidence `json:"confidence" yaml:"confidence"`
	Language   string     `json:"language,omitempty" yaml:"language,omitempty"`
	Tags       []string   `json:"tags" yaml:"tags"`
	Path       string     `json:"path" yaml:"path"`
	UpdatedAt  string     `json:"updated_at" yaml:"updated_at"`
	Popularity int        `json:"popularity" yaml:"popularity"`
}

// EntryFromAtom derives an index entry from a record stored at path.
// Popularity starts at zero; the index carries the prior value forward.
func EntryFromAtom(a *Atom, path string) IndexEntry {
	return IndexEntry{
		ID:         a.ID,
		Title:      a.Title,
		Type:       a.Type,
		Status:     a.Status,
		Confidence: a.Confidence,
		Language:   a.Language,
		Tags:       slices.Clone(nonNil(a.Tags)),
		Path:       path,
		UpdatedAt:  a.UpdatedAt,
	}
}

// SameContent reports whether e and o describe the same record, ignoring popularity.
func (e IndexEntry) SameContent(o IndexEntry) bool {
	return e.ID == o.ID &&
		e.Title == o.Title &&
		e.Type == o.Type &&
		e.Status == o.Status &&
		e.Confidence == o.Confidence &&
		e.Language == o.Language &&
		e.Path == o.Path &&
		e.UpdatedAt == o.UpdatedAt &&
		slices.Equal(e.Tags, o.Tags)
}

// Index is the aggregate of all entries. Atoms holds at most one entry per id,
// in insertion order.
type Index struct {
	Version   int          `json:"version" yaml:"version"`
	UpdatedAt string       `json:"updated_at" yaml:"updated_at"`
	Atoms     []IndexEntry `json:"atoms" yaml:"atoms"`
}

// NewIndex returns an empty index stamped with now.
func NewIndex(now time.Time) *Index {
	return &Index{
		Version:   IndexVersion,
		UpdatedAt: stamp(now),
		Atoms:     []IndexEntry{},
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Touch refreshes UpdatedAt.
func (idx *Index) Touch(now time.Time) {
	idx.UpdatedAt = stamp(now)
}

func (idx *Index) position(id string) int {
	return slices.IndexFunc(idx.Atoms, func(e IndexEntry) bool { return e.ID == id })
}

// FindByID returns the entry for id.
func (idx *Index) FindByID(id string) (IndexEntry, bool) {
	i := idx.position(id)
	if i < 0 {
		return IndexEntry{}, false
	}
	return idx.Atoms[i], true
}

// AddOrUpdate inserts entry or replaces the entry with the same id in place.
// A replaced entry keeps the popularity it had before the update.
func (idx *Index) AddOrUpdate(entry IndexEntry, now time.Time) {
	if i := idx.position(entry.ID); i >= 0 {
		entry.Popularity = idx.Atoms[i].Popularity
		idx.Atoms[i] = entry
	} else {
		idx.Atoms = append(idx.Atoms, entry)
	}
	idx.Touch(now)
}

// Remove deletes the entry for id and reports whether one existed.
func (idx *Index) Remove(id string, now time.Time) bool {
	i := idx.position(id)
	if i < 0 {
		return false
	}
	idx.Atoms = slices.Delete(idx.Atoms, i, i+1)
	idx.Touch(now)
	return true
}

// IncrementPopularity bumps the retrieval counter of id.
func (idx *Index) IncrementPopularity(id string) bool {
	i := idx.position(id)
	if i < 0 {
		return false
	}
	idx.Atoms[i].Popularity++
	return true
}

// NextID returns K- followed by the highest numeric suffix plus one.
// Purging the highest-numbered atom makes its number available again.
func (idx *Index) NextID() string {
	highest := 0
	for _, e := range idx.Atoms {
		if n, ok := ParseID(e.ID); ok && n > highest {
			highest = n
		}
	}
	return FormatID(highest + 1)
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (idx *Index) Clone() *Index {
	out := &Index{
		Version:   idx.Version,
		UpdatedAt: idx.UpdatedAt,
		Atoms:     make([]IndexEntry, len(idx.Atoms)),
	}
	for i, e := range idx.Atoms {
		e.Tags = slices.Clone(e.Tags)
		out.Atoms[i] = e
	}
	return out
}
