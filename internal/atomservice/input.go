package atomservice

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/ansuz/internal/models"
)

// UpsertInput is a create or update request. On update, nil lists, a nil
// Language and an empty Details keep the stored values.
type UpsertInput struct {
	// ID selects the atom to update. An unknown or empty ID creates a new atom;
	// empty allocates the next free id.
	ID         string            `json:"id,omitempty"`
	Title      string            `json:"title"`
	Type       models.AtomType   `json:"type"`
	Status     models.AtomStatus `json:"status"`
	Confidence models.Confidence `json:"confidence"`
	Summary    string            `json:"summary"`
	Details    string            `json:"details,omitempty"`
	Pitfalls   []string          `json:"pitfalls,omitempty"`
	Language   *string           `json:"language,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Sources    []models.Source   `json:"sources,omitempty"`
	Links      []models.Link     `json:"links,omitempty"`
	Supersedes []string          `json:"supersedes,omitempty"`

	// IfMatch, when set, must equal the ETag of the stored record.
	IfMatch string `json:"-"`
}

func (in *UpsertInput) normalize() {
	in.ID = strings.TrimSpace(in.ID)
	in.Title = strings.TrimSpace(in.Title)
	in.Summary = strings.TrimSpace(in.Summary)
	if in.Tags != nil {
		tags := make([]string, 0, len(in.Tags))
		for _, t := range in.Tags {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		in.Tags = tags
	}
	if in.Language != nil {
		lang := strings.TrimSpace(*in.Language)
		in.Language = &lang
	}
}

// Validate implements validation.Validatable.
func (in UpsertInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ID, validation.When(in.ID != "", validation.By(idRule))),
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Type),
		validation.Field(&in.Status),
		validation.Field(&in.Confidence),
		validation.Field(&in.Summary, validation.Required),
		validation.Field(&in.Sources),
		validation.Field(&in.Links),
		validation.Field(&in.Supersedes, validation.Each(validation.By(idRule))),
	)
}

func idRule(value any) error {
	id, _ := value.(string)
	return models.ValidateID(id)
}
