// Package testutil provides shared test helpers for setting up stores and services.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/codec"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

// Env bundles a temporary store with the manager and service built on it.
type Env struct {
	Dir     string
	FS      *storage.FS
	Store   *storage.FileStore
	Manager *index.Manager
	Service *atomservice.Service
}

// FixedClock returns a clock stuck at 2026-05-04 10:00 UTC.
func FixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
}

// NewEnv creates a temporary store directory with a YAML record store, an
// index manager and a service. Extra service options are applied last.
func NewEnv(t *testing.T, opts ...atomservice.Option) *Env {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewFileStore(fs, codec.FormatYAML)
	mgr := index.NewManager(filepath.Join(dir, "index.json"), store, index.WithClock(FixedClock()))
	svcOpts := append([]atomservice.Option{atomservice.WithClock(FixedClock())}, opts...)
	return &Env{
		Dir:     dir,
		FS:      fs,
		Store:   store,
		Manager: mgr,
		Service: atomservice.New(store, mgr, svcOpts...),
	}
}

// Input returns a valid create request.
func Input(title string, tags ...string) atomservice.UpsertInput {
	return atomservice.UpsertInput{
		Title:      title,
		Type:       models.AtomTypeFact,
		Status:     models.AtomStatusActive,
		Confidence: models.ConfidenceHigh,
		Summary:    "About " + title,
		Tags:       tags,
	}
}
