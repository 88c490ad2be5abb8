package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/codec"
	"github.com/starford/ansuz/internal/models"
)

// AtomsDir is the directory, relative to the store root, holding record files.
const AtomsDir = "atoms"

// FileStore keeps one file per atom under atoms/. Records are written in the
// configured format; the other format is still read so older stores keep working.
type FileStore struct {
	fs     *FS
	format codec.Format
}

// NewFileStore creates a record store on top of fs.
func NewFileStore(fs *FS, format codec.Format) *FileStore {
	if format == "" {
		format = codec.FormatYAML
	}
	return &FileStore{fs: fs, format: format}
}

// Dir returns the absolute atoms directory.
func (s *FileStore) Dir() string {
	return path.Join(s.fs.Root(), AtomsDir)
}

// RecordPath implements AtomStore.
func (s *FileStore) RecordPath(id string) string {
	return path.Join(AtomsDir, id+s.format.Ext())
}

func (s *FileStore) pathFor(id string, f codec.Format) string {
	return path.Join(AtomsDir, id+f.Ext())
}

// lookupOrder is the configured format first, then the rest.
func (s *FileStore) lookupOrder() []codec.Format {
	order := []codec.Format{s.format}
	for _, f := range codec.Formats() {
		if f != s.format {
			order = append(order, f)
		}
	}
	return order
}

// Load implements AtomStore.
func (s *FileStore) Load(id string) (*models.Atom, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, apperr.NotFoundf("atom %s", id)
	}
	for _, f := range s.lookupOrder() {
		data, err := s.fs.Read(s.pathFor(id, f))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, apperr.Storage("load "+id, err)
		}
		atom, err := codec.Decode(f, data)
		if err != nil {
			return nil, apperr.Storage("load "+id, err)
		}
		return atom, nil
	}
	return nil, apperr.NotFoundf("atom %s", id)
}

// Save implements AtomStore. A twin file in another format is removed once
// the new file is in place.
func (s *FileStore) Save(atom *models.Atom) error {
	data, err := codec.Encode(s.format, atom)
	if err != nil {
		return apperr.Storage("save "+atom.ID, err)
	}
	if err := s.fs.Write(s.pathFor(atom.ID, s.format), data); err != nil {
		return apperr.Storage("save "+atom.ID, err)
	}
	for _, f := range s.lookupOrder()[1:] {
		if _, err := s.fs.Delete(s.pathFor(atom.ID, f)); err != nil {
			return apperr.Storage("save "+atom.ID, err)
		}
	}
	return nil
}

// Delete implements AtomStore.
func (s *FileStore) Delete(id string) (bool, error) {
	if models.ValidateID(id) != nil {
		return false, nil
	}
	deleted := false
	for _, f := range codec.Formats() {
		ok, err := s.fs.Delete(s.pathFor(id, f))
		if err != nil {
			return deleted, apperr.Storage("delete "+id, err)
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

// Exists implements AtomStore.
func (s *FileStore) Exists(id string) bool {
	if models.ValidateID(id) != nil {
		return false
	}
	for _, f := range codec.Formats() {
		if s.fs.Exists(s.pathFor(id, f)) {
			return true
		}
	}
	return false
}

// ListAllIDs implements AtomStore.
func (s *FileStore) ListAllIDs() ([]string, error) {
	names, err := s.fs.ListFiles(AtomsDir)
	if err != nil {
		return nil, apperr.Storage("list atoms", err)
	}
	seen := make(map[string]struct{}, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := IDFromFilename(name)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// IDFromFilename extracts the atom id from a record file name such as
// K-000001.yaml. Temp files and foreign files are rejected.
func IDFromFilename(name string) (string, bool) {
	if !strings.HasPrefix(name, models.IDPrefix) {
		return "", false
	}
	for _, f := range codec.Formats() {
		if id, ok := strings.CutSuffix(name, f.Ext()); ok {
			return id, true
		}
	}
	return "", false
}

// Migrate rewrites every record stored in a non-preferred format into the
// configured one. It returns the number of migrated records and the ids that
// could not be migrated.
func (s *FileStore) Migrate() (int, []string, error) {
	names, err := s.fs.ListFiles(AtomsDir)
	if err != nil {
		return 0, nil, apperr.Storage("list atoms", err)
	}
	var (
		migrated int
		failed   []string
	)
	for _, name := range names {
		id, ok := IDFromFilename(name)
		if !ok || strings.HasSuffix(name, s.format.Ext()) {
			continue
		}
		if s.fs.Exists(s.pathFor(id, s.format)) {
			continue
		}
		atom, err := s.Load(id)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if err := s.Save(atom); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		migrated++
	}
	return migrated, failed, nil
}
