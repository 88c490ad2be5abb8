package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

// legacyIndexName is read when the JSON index does not exist yet.
const legacyIndexName = "index.yaml"

// readIndex loads the index at path. A missing file yields an empty index;
// undecodable content is an error.
func readIndex(path string, now time.Time) (*models.Index, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return readLegacyIndex(filepath.Join(filepath.Dir(path), legacyIndexName), now)
	}
	if err != nil {
		return nil, "", apperr.Storage("read index", err)
	}
	var idx models.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, "", apperr.Storage("decode index", err)
	}
	normalize(&idx)
	return &idx, checksum.Sum(data), nil
}

func readLegacyIndex(path string, now time.Time) (*models.Index, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.NewIndex(now), "", nil
	}
	if err != nil {
		return nil, "", apperr.Storage("read index", err)
	}
	var idx models.Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, "", apperr.Storage("decode index", err)
	}
	normalize(&idx)
	// The checksum belongs to the JSON file, which does not exist yet.
	return &idx, "", nil
}

func normalize(idx *models.Index) {
	if idx.Version == 0 {
		idx.Version = models.IndexVersion
	}
	if idx.Atoms == nil {
		idx.Atoms = []models.IndexEntry{}
	}
	for i := range idx.Atoms {
		if idx.Atoms[i].Tags == nil {
			idx.Atoms[i].Tags = []string{}
		}
		if idx.Atoms[i].Popularity < 0 {
			idx.Atoms[i].Popularity = 0
		}
	}
}

// writeIndex atomically replaces the file at path and returns the checksum of
// what was written.
func writeIndex(path string, idx *models.Index) (string, error) {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return "", apperr.Storage("encode index", err)
	}
	data = append(data, '\n')
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return "", apperr.Storage("write index", fmt.Errorf("%s: %w", path, err))
	}
	return checksum.Sum(data), nil
}
