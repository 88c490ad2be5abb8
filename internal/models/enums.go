package models

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// AtomType classifies what kind of knowledge an atom holds.
type AtomType string

const (
	AtomTypeFact      AtomType = "fact"
	AtomTypeDecision  AtomType = "decision"
	AtomTypeProcedure AtomType = "procedure"
	AtomTypePattern   AtomType = "pattern"
	AtomTypeGotcha    AtomType = "gotcha"
	AtomTypeGlossary  AtomType = "glossary"
	AtomTypeSnippet   AtomType = "snippet"
)

// AtomTypes lists every valid atom type in declaration order.
func AtomTypes() []AtomType {
	return []AtomType{
		AtomTypeFact, AtomTypeDecision, AtomTypeProcedure,
		AtomTypePattern, AtomTypeGotcha, AtomTypeGlossary, AtomTypeSnippet,
	}
}

// Validate implements validation.Validatable.
func (t AtomType) Validate() error {
	return validation.Validate(string(t), validation.Required, validation.In(toAny(AtomTypes())...))
}

// AtomStatus is the lifecycle state of an atom.
type AtomStatus string

const (
	AtomStatusActive     AtomStatus = "active"
	AtomStatusDraft      AtomStatus = "draft"
	AtomStatusDeprecated AtomStatus = "deprecated"
)

// AtomStatuses lists every valid status.
func AtomStatuses() []AtomStatus {
	return []AtomStatus{AtomStatusActive, AtomStatusDraft, AtomStatusDeprecated}
}

// Validate implements validation.Validatable.
func (s AtomStatus) Validate() error {
	return validation.Validate(string(s), validation.Required, validation.In(toAny(AtomStatuses())...))
}

// Confidence expresses how sure the author is about an atom.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Confidences lists every valid confidence level.
func Confidences() []Confidence {
	return []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow}
}

// Validate implements validation.Validatable.
func (c Confidence) Validate() error {
	return validation.Validate(string(c), validation.Required, validation.In(toAny(Confidences())...))
}

// SourceKind is the kind of reference a Source points at.
type SourceKind string

const (
	SourceKindRepoPath     SourceKind = "repo_path"
	SourceKindTicket       SourceKind = "ticket"
	SourceKindURL          SourceKind = "url"
	SourceKindConversation SourceKind = "conversation"
)

// Validate implements validation.Validatable.
func (k SourceKind) Validate() error {
	return validation.Validate(string(k), validation.Required, validation.In(toAny([]SourceKind{
		SourceKindRepoPath, SourceKindTicket, SourceKindURL, SourceKindConversation,
	})...))
}

// LinkRel is the relationship carried by a Link.
type LinkRel string

const (
	LinkRelDependsOn   LinkRel = "depends_on"
	LinkRelSeeAlso     LinkRel = "see_also"
	LinkRelContradicts LinkRel = "contradicts"
)

// Validate implements validation.Validatable.
func (r LinkRel) Validate() error {
	return validation.Validate(string(r), validation.Required, validation.In(toAny([]LinkRel{
		LinkRelDependsOn, LinkRelSeeAlso, LinkRelContradicts,
	})...))
}

// toAny converts enum values to their plain string form; the rule input is
// passed as a string so ozzo does not recurse into Validate.
func toAny[T ~string](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
