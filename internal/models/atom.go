// Package models defines the domain types for the knowledge base.
package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// IDPrefix starts every atom identifier.
const IDPrefix = "K-"

var idRe = regexp.MustCompile(`^K-\d{6}$`)

// FormatID renders n as a zero-padded atom identifier (K-000042).
func FormatID(n int) string {
	return fmt.Sprintf("%s%06d", IDPrefix, n)
}

// ParseID returns the numeric suffix of id. ok is false for foreign ids.
func ParseID(id string) (int, bool) {
	if !strings.HasPrefix(id, IDPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(IDPrefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ValidateID checks the K-NNNNNN format.
func ValidateID(id string) error {
	return validation.Validate(id, validation.Required, validation.Match(idRe).Error("must look like K-000001"))
}

// Source is a reference backing an atom.
type Source struct {
	Kind SourceKind `json:"kind" yaml:"kind"`
	Ref  string     `json:"ref" yaml:"ref"`
}

// Validate implements validation.Validatable.
func (s Source) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Kind),
		validation.Field(&s.Ref, validation.Required),
	)
}

// Link points at a related atom.
type Link struct {
	Rel LinkRel `json:"rel" yaml:"rel"`
	ID  string  `json:"id" yaml:"id"`
}

// Validate implements validation.Validatable.
func (l Link) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Rel),
		validation.Field(&l.ID, validation.Required),
	)
}

// UpdateNote records one edit of an atom.
type UpdateNote struct {
	Date string `json:"date" yaml:"date"`
	Note string `json:"note" yaml:"note"`
}

// AtomContent is the free-text body of an atom.
type AtomContent struct {
	Summary     string       `json:"summary" yaml:"summary"`
	Details     string       `json:"details" yaml:"details"`
	Pitfalls    []string     `json:"pitfalls" yaml:"pitfalls"`
	UpdateNotes []UpdateNote `json:"update_notes" yaml:"update_notes"`
}

// Atom is one unit of stored knowledge. It is the authoritative record; the
// index only holds a projection of it.
type Atom struct {
	ID           string      `json:"id" yaml:"id"`
	Title        string      `json:"title" yaml:"title"`
	Type         AtomType    `json:"type" yaml:"type"`
	Status       AtomStatus  `json:"status" yaml:"status"`
	Confidence   Confidence  `json:"confidence" yaml:"confidence"`
	Content      AtomContent `json:"content" yaml:"content"`
	Language     string      `json:"language,omitempty" yaml:"language,omitempty"`
	CreatedAt    string      `json:"created_at" yaml:"created_at"`
	UpdatedAt    string      `json:"updated_at" yaml:"updated_at"`
	Tags         []string    `json:"tags" yaml:"tags"`
	Sources      []Source    `json:"sources" yaml:"sources"`
	Links        []Link      `json:"links" yaml:"links"`
	Supersedes   []string    `json:"supersedes" yaml:"supersedes"`
	SupersededBy string      `json:"superseded_by,omitempty" yaml:"superseded_by,omitempty"`
}

// Validate implements validation.Validatable.
func (a *Atom) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ID, validation.Required, validation.Match(idRe)),
		validation.Field(&a.Title, validation.Required),
		validation.Field(&a.Type),
		validation.Field(&a.Status),
		validation.Field(&a.Confidence),
		validation.Field(&a.Sources),
		validation.Field(&a.Links),
	)
}

// Normalize replaces nil slices with empty ones so encoded records are stable.
func (a *Atom) Normalize() {
	a.Content.Pitfalls = nonNil(a.Content.Pitfalls)
	a.Content.UpdateNotes = nonNil(a.Content.UpdateNotes)
	a.Tags = nonNil(a.Tags)
	a.Sources = nonNil(a.Sources)
	a.Links = nonNil(a.Links)
	a.Supersedes = nonNil(a.Supersedes)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
