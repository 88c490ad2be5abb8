package index

import (
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

// Filter narrows candidates before scoring. Zero fields match everything;
// set fields are AND'd together.
type Filter struct {
	// Types matches if the entry's type is any of them.
	Types []models.AtomType
	// Tags matches if any entry tag equals any of them, ignoring case.
	Tags     []string
	Language string
	Status   models.AtomStatus
}

// Validate rejects unknown enum values.
func (f Filter) Validate() error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.Types),
		validation.Field(&f.Status, validation.Skip.When(f.Status == "")),
	)
	return apperr.Invalid(err)
}

// Match reports whether e passes every set criterion.
func (f Filter) Match(e models.IndexEntry) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Language != "" && e.Language != f.Language {
		return false
	}
	if len(f.Tags) > 0 && !hasAnyTag(e.Tags, f.Tags) {
		return false
	}
	return true
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}
