// Package atomservice keeps atom records and the index consistent. Every
// write saves the record first and then updates the index entry.
package atomservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/codec"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

// Event kinds passed to the Notifier.
const (
	EventCreated    = "atom.created"
	EventUpdated    = "atom.updated"
	EventDeprecated = "atom.deprecated"
	EventPurged     = "atom.purged"
	EventRebuilt    = "index.rebuilt"

	// EventReloaded is raised by the watcher, never by the service itself.
	EventReloaded = "index.reloaded"
)

// Default result limits.
const (
	DefaultSearchLimit = 10
	DefaultListLimit   = 50
)

const dateLayout = "2006-01-02"

// Notifier receives a kind and atom id after each successful write.
type Notifier func(kind, id string)

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the callback invoked after writes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notify = n
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for record dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service coordinates the record store and the index.
type Service struct {
	store  storage.AtomStore
	index  *index.Manager
	engine *index.Engine
	logger *slog.Logger
	now    func() time.Time
	notify Notifier

	// writeMu serializes read-modify-write sequences so concurrent creates
	// never allocate the same id.
	writeMu sync.Mutex
}

// New creates a service over store and the index manager m.
func New(store storage.AtomStore, m *index.Manager, opts ...Option) *Service {
	s := &Service{
		store:  store,
		index:  m,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.engine = index.NewEngine(m, store, s.logger)
	return s
}

func (s *Service) today() string {
	return s.now().Format(dateLayout)
}

func (s *Service) emit(kind, id string) {
	if s.notify != nil {
		s.notify(kind, id)
	}
}

// ETag identifies the stored content of an atom for optimistic concurrency.
func ETag(a *models.Atom) string {
	data, err := codec.Encode(codec.FormatJSON, a)
	if err != nil {
		return ""
	}
	return checksum.Sum(data)
}

// save writes the record, then its index entry.
func (s *Service) save(a *models.Atom) error {
	if err := s.store.Save(a); err != nil {
		return err
	}
	if err := s.index.AddOrUpdate(models.EntryFromAtom(a, s.store.RecordPath(a.ID))); err != nil {
		s.logger.Error("index update failed after record write; rebuild to heal",
			slog.String("id", a.ID), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// load returns the record for id, mapping malformed ids to not found.
func (s *Service) load(id string) (*models.Atom, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, apperr.NotFoundf("atom %s", id)
	}
	return s.store.Load(id)
}

// Upsert creates an atom, or updates it when in.ID names an existing record.
// created reports which happened.
func (s *Service) Upsert(_ context.Context, in UpsertInput) (atom *models.Atom, created bool, err error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, false, apperr.Invalid(err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var existing *models.Atom
	if in.ID != "" {
		existing, err = s.store.Load(in.ID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, false, err
		}
		if err != nil {
			existing = nil
		}
	}
	if in.IfMatch != "" {
		if existing == nil {
			return nil, false, apperr.NotFoundf("atom %s", in.ID)
		}
		if ETag(existing) != in.IfMatch {
			return nil, false, apperr.ErrConflict
		}
	}

	today := s.today()
	var prevSupersedes []string
	if existing != nil {
		prevSupersedes = existing.Supersedes
		atom = applyUpdate(existing, in, today)
	} else {
		id := in.ID
		if id == "" {
			if id, err = s.index.NextID(); err != nil {
				return nil, false, err
			}
		}
		atom = newAtom(id, in, today)
		created = true
	}

	newlySuperseded, err := s.checkSupersedes(atom, prevSupersedes)
	if err != nil {
		return nil, false, err
	}

	if err := s.save(atom); err != nil {
		return nil, false, err
	}
	for _, old := range newlySuperseded {
		if err := s.markSuperseded(old, atom.ID, today); err != nil {
			return nil, false, err
		}
	}

	if created {
		s.emit(EventCreated, atom.ID)
	} else {
		s.emit(EventUpdated, atom.ID)
	}
	s.logger.Debug("atom saved", slog.String("id", atom.ID), slog.Bool("created", created))
	return atom, created, nil
}

func newAtom(id string, in UpsertInput, today string) *models.Atom {
	a := &models.Atom{
		ID:         id,
		Title:      in.Title,
		Type:       in.Type,
		Status:     in.Status,
		Confidence: in.Confidence,
		Content: models.AtomContent{
			Summary:     in.Summary,
			Details:     in.Details,
			Pitfalls:    in.Pitfalls,
			UpdateNotes: []models.UpdateNote{{Date: today, Note: "Initial creation"}},
		},
		CreatedAt:  today,
		UpdatedAt:  today,
		Tags:       in.Tags,
		Sources:    in.Sources,
		Links:      in.Links,
		Supersedes: in.Supersedes,
	}
	if in.Language != nil {
		a.Language = *in.Language
	}
	a.Normalize()
	return a
}

// applyUpdate builds the new version of existing. Nil lists and an empty
// details string keep the stored values.
func applyUpdate(existing *models.Atom, in UpsertInput, today string) *models.Atom {
	a := &models.Atom{
		ID:         existing.ID,
		Title:      in.Title,
		Type:       in.Type,
		Status:     in.Status,
		Confidence: in.Confidence,
		Content: models.AtomContent{
			Summary:     in.Summary,
			Details:     cmpOr(in.Details, existing.Content.Details),
			Pitfalls:    keep(in.Pitfalls, existing.Content.Pitfalls),
			UpdateNotes: append(slices.Clone(existing.Content.UpdateNotes), models.UpdateNote{Date: today, Note: "Updated"}),
		},
		Language:     existing.Language,
		CreatedAt:    existing.CreatedAt,
		UpdatedAt:    today,
		Tags:         keep(in.Tags, existing.Tags),
		Sources:      keep(in.Sources, existing.Sources),
		Links:        keep(in.Links, existing.Links),
		Supersedes:   keep(in.Supersedes, existing.Supersedes),
		SupersededBy: existing.SupersededBy,
	}
	if in.Language != nil {
		a.Language = *in.Language
	}
	a.Normalize()
	return a
}

func keep[T any](in, prev []T) []T {
	if in == nil {
		return prev
	}
	return in
}

func cmpOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// checkSupersedes returns ids that a now supersedes but did not before, after
// checking each names a stored atom other than a itself.
func (s *Service) checkSupersedes(a *models.Atom, prev []string) ([]string, error) {
	var added []string
	for _, id := range a.Supersedes {
		if id == a.ID {
			return nil, apperr.Invalidf("atom %s cannot supersede itself", id)
		}
		if slices.Contains(prev, id) || slices.Contains(added, id) {
			continue
		}
		if !s.store.Exists(id) {
			return nil, apperr.Invalidf("superseded atom %s does not exist", id)
		}
		added = append(added, id)
	}
	return added, nil
}

func (s *Service) markSuperseded(id, by, today string) error {
	old, err := s.store.Load(id)
	if err != nil {
		return err
	}
	old.SupersededBy = by
	old.Status = models.AtomStatusDeprecated
	old.UpdatedAt = today
	old.Content.UpdateNotes = append(old.Content.UpdateNotes, models.UpdateNote{Date: today, Note: "Superseded by " + by})
	if err := s.save(old); err != nil {
		return err
	}
	s.emit(EventDeprecated, id)
	return nil
}

// Get returns the full record for id and counts the retrieval toward its
// popularity.
func (s *Service) Get(_ context.Context, id string) (*models.Atom, error) {
	a, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.index.IncrementPopularity(id); err != nil {
		s.logger.Warn("popularity update failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	return a, nil
}

// ListInput filters List.
type ListInput struct {
	Filter index.Filter
	Limit  int
}

// List returns index entries in index order.
func (s *Service) List(_ context.Context, in ListInput) ([]models.IndexEntry, error) {
	if err := in.Filter.Validate(); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	idx, err := s.index.Index()
	if err != nil {
		return nil, err
	}
	out := []models.IndexEntry{}
	for _, e := range idx.Atoms {
		if !in.Filter.Match(e) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchInput is a search request. Query is split on whitespace.
type SearchInput struct {
	Query  string
	Filter index.Filter
	Limit  int
	Deep   bool
}

// Search ranks atoms against in.
func (s *Service) Search(ctx context.Context, in SearchInput) ([]index.Result, error) {
	if err := in.Filter.Validate(); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.engine.Search(ctx, index.Query{
		Tokens: index.ParseQuery(in.Query),
		Filter: in.Filter,
		Limit:  limit,
		Deep:   in.Deep,
	})
}

// Deprecate marks id deprecated. The record and its entry are kept.
func (s *Service) Deprecate(_ context.Context, id string) (*models.Atom, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	a, err := s.load(id)
	if err != nil {
		return nil, err
	}
	today := s.today()
	a.Status = models.AtomStatusDeprecated
	a.UpdatedAt = today
	a.Content.UpdateNotes = append(a.Content.UpdateNotes, models.UpdateNote{Date: today, Note: "Deprecated"})
	if err := s.save(a); err != nil {
		return nil, err
	}
	s.emit(EventDeprecated, id)
	return a, nil
}

// Purge permanently deletes the record, then the index entry. An entry left
// behind by an earlier failed purge is removed even when the record is gone.
func (s *Service) Purge(_ context.Context, id string) error {
	if err := models.ValidateID(id); err != nil {
		return apperr.NotFoundf("atom %s", id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	removed, err := s.index.Remove(id)
	if err != nil {
		s.logger.Error("index removal failed after record delete; rebuild to heal",
			slog.String("id", id), slog.String("error", err.Error()))
		return err
	}
	if !deleted && !removed {
		return apperr.NotFoundf("atom %s", id)
	}
	s.emit(EventPurged, id)
	return nil
}

// ListAllIDs returns every id in the record store, sorted.
func (s *Service) ListAllIDs(context.Context) ([]string, error) {
	return s.store.ListAllIDs()
}

// NextID returns the id the next created atom would receive.
func (s *Service) NextID(context.Context) (string, error) {
	return s.index.NextID()
}

// Rebuild recreates the index from the record store.
func (s *Service) Rebuild(ctx context.Context) (*index.RebuildResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.index.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	s.emit(EventRebuilt, "")
	return res, nil
}

// Export is the full-dump document.
type Export struct {
	Version    int            `json:"version"`
	ExportedAt string         `json:"exported_at"`
	Count      int            `json:"count"`
	Atoms      []*models.Atom `json:"atoms"`
}

// ExportFormats lists the accepted export formats.
func ExportFormats() []string {
	return []string{"json", "markdown"}
}

// Export loads every indexed atom in index order. Entries whose record is
// missing are skipped.
func (s *Service) Export(ctx context.Context) (*Export, error) {
	atoms, err := s.loadIndexed(ctx)
	if err != nil {
		return nil, err
	}
	return &Export{
		Version:    models.IndexVersion,
		ExportedAt: s.today(),
		Count:      len(atoms),
		Atoms:      atoms,
	}, nil
}

// MarkdownFile is one exported Markdown document.
type MarkdownFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ExportMarkdown renders every indexed atom as a Markdown note.
func (s *Service) ExportMarkdown(ctx context.Context) ([]MarkdownFile, error) {
	atoms, err := s.loadIndexed(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MarkdownFile, 0, len(atoms))
	for _, a := range atoms {
		doc, err := codec.EncodeMarkdown(a)
		if err != nil {
			return nil, fmt.Errorf("atomservice: export %s: %w", a.ID, err)
		}
		out = append(out, MarkdownFile{Name: a.ID + ".md", Content: string(doc)})
	}
	return out, nil
}

func (s *Service) loadIndexed(ctx context.Context) ([]*models.Atom, error) {
	idx, err := s.index.Index()
	if err != nil {
		return nil, err
	}
	atoms := make([]*models.Atom, 0, len(idx.Atoms))
	for _, e := range idx.Atoms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := s.store.Load(e.ID)
		if err != nil {
			s.logger.Warn("export: skipped entry", slog.String("id", e.ID), slog.String("error", err.Error()))
			continue
		}
		atoms = append(atoms, a)
	}
	return atoms, nil
}

// GroupBy criteria for Summary.
const (
	GroupByType     = "type"
	GroupByTag      = "tag"
	GroupByLanguage = "language"
)

// SummaryItem is one atom inside a summary group.
type SummaryItem struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Type   models.AtomType   `json:"type,omitempty"`
	Status models.AtomStatus `json:"status,omitempty"`
}

// SummaryGroup collects the atoms sharing one key.
type SummaryGroup struct {
	Count int           `json:"count"`
	Items []SummaryItem `json:"items"`
}

// Summary is an overview of the index grouped by one criterion.
type Summary struct {
	GroupBy    string                  `json:"group_by"`
	TotalAtoms int                     `json:"total_atoms"`
	Groups     map[string]SummaryGroup `json:"groups"`
}

// Summarize groups the index by type, tag or language. Atoms without a
// language are grouped under "unspecified".
func (s *Service) Summarize(_ context.Context, groupBy string) (*Summary, error) {
	if groupBy == "" {
		groupBy = GroupByType
	}
	if groupBy != GroupByType && groupBy != GroupByTag && groupBy != GroupByLanguage {
		return nil, apperr.Invalidf("group_by must be one of type, tag, language; got %q", groupBy)
	}
	idx, err := s.index.Index()
	if err != nil {
		return nil, err
	}

	groups := map[string]SummaryGroup{}
	add := func(key string, item SummaryItem) {
		g := groups[key]
		g.Count++
		g.Items = append(g.Items, item)
		groups[key] = g
	}
	for _, e := range idx.Atoms {
		switch groupBy {
		case GroupByType:
			add(string(e.Type), SummaryItem{ID: e.ID, Title: e.Title, Status: e.Status})
		case GroupByTag:
			for _, tag := range e.Tags {
				add(tag, SummaryItem{ID: e.ID, Title: e.Title, Type: e.Type})
			}
		case GroupByLanguage:
			add(cmpOr(strings.TrimSpace(e.Language), "unspecified"), SummaryItem{ID: e.ID, Title: e.Title, Type: e.Type})
		}
	}
	return &Summary{GroupBy: groupBy, TotalAtoms: len(idx.Atoms), Groups: groups}, nil
}
