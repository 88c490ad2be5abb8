package api

import (
	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
)

// UpsertRequest is the request body for creating or updating an atom.
type UpsertRequest = atomservice.UpsertInput

// Atom is the full atom response type (aliased from the domain layer).
type Atom = models.Atom

// AtomListResponse wraps filtered index listings.
type AtomListResponse struct {
	Atoms []models.IndexEntry `json:"atoms" validate:"required"`
	Total int                 `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps ranked search results.
type SearchResponse struct {
	Results []index.Result `json:"results" validate:"required"`
}

// IDsResponse lists every id in the record store.
type IDsResponse struct {
	IDs   []string `json:"ids" validate:"required"`
	Count int      `json:"count" example:"3" validate:"required"`
}

// NextIDResponse carries the id the next created atom would receive.
type NextIDResponse struct {
	ID string `json:"id" example:"K-000007" validate:"required"`
}

// MarkdownExportResponse is the markdown variant of GET /api/export.
type MarkdownExportResponse struct {
	Format string                     `json:"format" example:"markdown" validate:"required"`
	Count  int                        `json:"count" validate:"required"`
	Files  []atomservice.MarkdownFile `json:"files" validate:"required"`
}

// RebuildResponse reports the outcome of an index rebuild.
type RebuildResponse struct {
	Indexed  int      `json:"indexed" example:"12" validate:"required"`
	Warnings []string `json:"warnings" validate:"required"`
	Dropped  []string `json:"dropped" validate:"required"`
}
