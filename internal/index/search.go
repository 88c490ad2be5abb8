package index

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/models"
)

// deepWorkers bounds parallel record loads during deep search.
const deepWorkers = 8

// RecordLoader reads full atom records. storage.AtomStore satisfies it.
type RecordLoader interface {
	Load(id string) (*models.Atom, error)
}

// Query is one search request.
type Query struct {
	Tokens []string
	Filter Filter
	// Limit caps the number of results; zero or less means no cap.
	Limit int
	// Deep also scores the summary and details of each candidate's record.
	Deep bool
}

// Result is a ranked index entry.
type Result struct {
	models.IndexEntry
	Score   int    `json:"score"`
	Summary string `json:"summary,omitempty"`
}

// Engine ranks the manager's index. It keeps no state between searches.
type Engine struct {
	manager *Manager
	records RecordLoader
	logger  *slog.Logger
}

// NewEngine creates a search engine over m, reading records from records.
func NewEngine(m *Manager, records RecordLoader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{manager: m, records: records, logger: logger}
}

// Tokenize lowercases tokens and drops blank ones.
func Tokenize(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParseQuery splits free text on whitespace into query tokens.
func ParseQuery(q string) []string {
	return Tokenize(strings.Fields(q))
}

// Search filters, scores and orders the current index snapshot. Entries of
// equal score keep index order.
func (s *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	idx, err := s.manager.Index()
	if err != nil {
		return nil, err
	}
	tokens := Tokenize(q.Tokens)

	candidates := make([]models.IndexEntry, 0, len(idx.Atoms))
	for _, e := range idx.Atoms {
		if q.Filter.Match(e) {
			candidates = append(candidates, e)
		}
	}

	scores := make([]int, len(candidates))
	for i, e := range candidates {
		if len(tokens) == 0 {
			scores[i] = BaseScore(e)
		} else {
			scores[i] = matchScore(e, tokens)
		}
	}

	if q.Deep && len(tokens) > 0 {
		if err := s.scoreContent(ctx, candidates, tokens, scores); err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(candidates))
	for i, e := range candidates {
		if scores[i] > 0 {
			results = append(results, Result{IndexEntry: e, Score: scores[i]})
		}
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	for i := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		atom, err := s.records.Load(results[i].ID)
		if err != nil {
			s.logger.Debug("search: summary unavailable", slog.String("id", results[i].ID), slog.String("error", err.Error()))
			continue
		}
		results[i].Summary = atom.Content.Summary
	}
	return results, nil
}

// matchScore scores title and tag matches. An entry matching no token scores 0.
func matchScore(e models.IndexEntry, tokens []string) int {
	title := strings.ToLower(e.Title)
	tags := make([]string, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = strings.ToLower(t)
	}

	score := 0
	for _, tok := range tokens {
		if strings.Contains(title, tok) {
			score += titleMatchScore
			if strings.HasPrefix(title, tok) {
				score += titlePrefixScore
			}
		}
		if slices.ContainsFunc(tags, func(tag string) bool { return strings.Contains(tag, tok) }) {
			score += tagMatchScore
		}
	}
	if score == 0 {
		return 0
	}
	return score + PriorityScore(e) + PopularityBonus(e.Popularity)
}

// scoreContent adds content matches to scores. A record that cannot be
// loaded contributes nothing.
func (s *Engine) scoreContent(ctx context.Context, candidates []models.IndexEntry, tokens []string, scores []int) error {
	contents := make([]string, len(candidates))
	loaded := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deepWorkers)
	for i, e := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			atom, err := s.records.Load(e.ID)
			if err != nil {
				s.logger.Debug("search: record unavailable", slog.String("id", e.ID), slog.String("error", err.Error()))
				return nil
			}
			contents[i] = strings.ToLower(atom.Content.Summary + " " + atom.Content.Details)
			loaded[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, e := range candidates {
		if !loaded[i] {
			continue
		}
		for _, tok := range tokens {
			if !strings.Contains(contents[i], tok) {
				continue
			}
			if scores[i] == 0 {
				scores[i] = contentMatchScore + PriorityScore(e) + PopularityBonus(e.Popularity)
			} else {
				scores[i] += contentMatchScore
			}
		}
	}
	return nil
}
