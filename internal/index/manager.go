// Package index owns the denormalized atom index: a single in-memory copy
// mirrored to one JSON file, plus the search engine that ranks it.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

// rebuildWorkers bounds parallel record loads during a rebuild.
const rebuildWorkers = 8

type cacheState int

const (
	stateUnloaded cacheState = iota
	stateLoaded
)

// Change describes what a refresh did to the index.
type Change string

const (
	ChangeNone     Change = ""
	ChangeCreated  Change = "created"
	ChangeUpdated  Change = "updated"
	ChangeRemoved  Change = "removed"
	ChangeReloaded Change = "reloaded"
)

// Option configures a Manager.
type Option func(*Manager)

// WithPersistPopularity controls whether IncrementPopularity writes the index
// to disk. When off, counters live in memory until the next structural write.
func WithPersistPopularity(on bool) Option {
	return func(m *Manager) {
		m.persistPopularity = on
	}
}

// WithLogger sets the logger used for rebuild and refresh diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now for index timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the single authority over the index. Every method takes mu, so
// callers see each operation fully applied or not at all.
type Manager struct {
	path              string
	store             storage.AtomStore
	persistPopularity bool
	logger            *slog.Logger
	now               func() time.Time

	mu       sync.Mutex
	state    cacheState
	idx      *models.Index
	checksum string // of the bytes last read from or written to path
}

// NewManager creates a manager persisting to path and rebuilding from store.
// The index is loaded lazily on first use.
func NewManager(path string, store storage.AtomStore, opts ...Option) *Manager {
	m := &Manager{
		path:              path,
		store:             store,
		persistPopularity: true,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:               time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Path returns the index file location.
func (m *Manager) Path() string {
	return m.path
}

// loadLocked fills the cache from disk if it is empty.
func (m *Manager) loadLocked() error {
	if m.state == stateLoaded {
		return nil
	}
	idx, sum, err := readIndex(m.path, m.now())
	if err != nil {
		return err
	}
	m.idx = idx
	m.checksum = sum
	m.state = stateLoaded
	return nil
}

// commitLocked writes next and only then makes it the cached index, so a
// failed write leaves readers on the last persisted state.
func (m *Manager) commitLocked(next *models.Index) error {
	sum, err := writeIndex(m.path, next)
	if err != nil {
		return err
	}
	m.idx = next
	m.checksum = sum
	m.state = stateLoaded
	return nil
}

// Index returns a copy of the current index. Later mutations do not affect it.
func (m *Manager) Index() (*models.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return nil, err
	}
	return m.idx.Clone(), nil
}

// AddOrUpdate inserts or replaces entry, keeping any prior popularity, and
// persists the index before returning.
func (m *Manager) AddOrUpdate(entry models.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return err
	}
	next := m.idx.Clone()
	next.AddOrUpdate(entry, m.now())
	return m.commitLocked(next)
}

// Remove deletes the entry for id and persists. It reports whether an entry existed.
func (m *Manager) Remove(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return false, err
	}
	next := m.idx.Clone()
	if !next.Remove(id, m.now()) {
		return false, nil
	}
	return true, m.commitLocked(next)
}

// FindByID returns the entry for id.
func (m *Manager) FindByID(id string) (models.IndexEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return models.IndexEntry{}, false, err
	}
	e, ok := m.idx.FindByID(id)
	if ok {
		e.Tags = append([]string(nil), e.Tags...)
	}
	return e, ok, nil
}

// IncrementPopularity records one retrieval of id.
func (m *Manager) IncrementPopularity(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return false, err
	}
	if !m.persistPopularity {
		return m.idx.IncrementPopularity(id), nil
	}
	next := m.idx.Clone()
	if !next.IncrementPopularity(id) {
		return false, nil
	}
	next.Touch(m.now())
	return true, m.commitLocked(next)
}

// NextID returns the id the next created atom should receive.
func (m *Manager) NextID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return "", err
	}
	return m.idx.NextID(), nil
}

// InvalidateCache drops the in-memory index; the next call reloads it from disk.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = stateUnloaded
	m.idx = nil
}

// PersistedChecksum is the checksum of the index bytes this manager last
// read or wrote. The watcher uses it to tell its own writes from foreign ones.
func (m *Manager) PersistedChecksum() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checksum
}

// Warning is a record that could not be indexed during a rebuild.
type Warning struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (w Warning) String() string {
	return w.ID + ": " + w.Error
}

// RebuildResult is the outcome of Rebuild.
type RebuildResult struct {
	Index    *models.Index `json:"-"`
	Indexed  int           `json:"indexed"`
	Warnings []Warning     `json:"warnings"`
	// Dropped lists ids that were indexed before but have no backing record.
	Dropped []string `json:"dropped"`
}

// Rebuild discards the index and derives a new one from every record in the
// store. Records that fail to load are skipped and reported as warnings.
// Popularity counters of surviving entries are kept.
func (m *Manager) Rebuild(ctx context.Context) (*RebuildResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior := m.priorLocked()

	ids, err := m.store.ListAllIDs()
	if err != nil {
		return nil, err
	}

	atoms := make([]*models.Atom, len(ids))
	loadErrs := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildWorkers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := m.store.Load(id)
			switch {
			case err != nil:
				loadErrs[i] = err
			case a.ID != id:
				loadErrs[i] = fmt.Errorf("record declares id %q", a.ID)
			default:
				atoms[i] = a
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("index: rebuild: %w", err)
	}

	now := m.now()
	idx := models.NewIndex(now)
	res := &RebuildResult{Warnings: []Warning{}, Dropped: []string{}}
	present := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		present[id] = struct{}{}
		if loadErrs[i] != nil {
			res.Warnings = append(res.Warnings, Warning{ID: id, Error: loadErrs[i].Error()})
			m.logger.Warn("rebuild: skipped record", slog.String("id", id), slog.String("error", loadErrs[i].Error()))
			continue
		}
		entry := models.EntryFromAtom(atoms[i], m.store.RecordPath(id))
		entry.Popularity = prior[id]
		idx.Atoms = append(idx.Atoms, entry)
	}
	for id := range prior {
		if _, ok := present[id]; !ok {
			res.Dropped = append(res.Dropped, id)
		}
	}
	slices.Sort(res.Dropped)
	for _, id := range res.Dropped {
		m.logger.Warn("rebuild: dropped entry without record", slog.String("id", id))
	}

	if err := m.commitLocked(idx); err != nil {
		return nil, err
	}
	res.Index = idx.Clone()
	res.Indexed = len(idx.Atoms)
	m.logger.Info("rebuild: done",
		slog.Int("indexed", res.Indexed),
		slog.Int("warnings", len(res.Warnings)),
		slog.Int("dropped", len(res.Dropped)))
	return res, nil
}

// priorLocked returns popularity by id from the cached index, or from disk when
// nothing is cached. An unreadable index yields an empty map.
func (m *Manager) priorLocked() map[string]int {
	idx := m.idx
	if m.state != stateLoaded {
		loaded, _, err := readIndex(m.path, m.now())
		if err != nil {
			m.logger.Warn("rebuild: previous index unreadable", slog.String("error", err.Error()))
			return map[string]int{}
		}
		idx = loaded
	}
	out := make(map[string]int, len(idx.Atoms))
	for _, e := range idx.Atoms {
		out[e.ID] = e.Popularity
	}
	return out
}

// Refresh re-derives the entry for id from its record. A missing record
// removes the entry. Unchanged records leave the index untouched. The record
// is read under mu so a concurrent AddOrUpdate cannot be replaced by an
// older copy.
func (m *Manager) Refresh(id string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return ChangeNone, err
	}

	atom, loadErr := m.store.Load(id)
	if errors.Is(loadErr, apperr.ErrNotFound) {
		next := m.idx.Clone()
		if !next.Remove(id, m.now()) {
			return ChangeNone, nil
		}
		return ChangeRemoved, m.commitLocked(next)
	}
	if loadErr != nil {
		return ChangeNone, loadErr
	}

	entry := models.EntryFromAtom(atom, m.store.RecordPath(id))
	cur, exists := m.idx.FindByID(id)
	if exists && cur.SameContent(entry) {
		return ChangeNone, nil
	}
	next := m.idx.Clone()
	next.AddOrUpdate(entry, m.now())
	if err := m.commitLocked(next); err != nil {
		return ChangeNone, err
	}
	if exists {
		return ChangeUpdated, nil
	}
	return ChangeCreated, nil
}
