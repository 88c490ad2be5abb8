package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
)

const maxBodyBytes = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *atomservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *atomservice.Service) *Handler {
	return &Handler{svc: svc}
}

// splitParam collects a repeatable, comma-separated query parameter.
func splitParam(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func filterFromQuery(q url.Values) index.Filter {
	f := index.Filter{
		Tags:     splitParam(q, "tag"),
		Language: q.Get("language"),
		Status:   models.AtomStatus(q.Get("status")),
	}
	for _, t := range splitParam(q, "type") {
		f.Types = append(f.Types, models.AtomType(t))
	}
	return f
}

func intParam(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalidf("%s must be an integer", key)
	}
	return n, nil
}

func ifMatch(r *http.Request) string {
	return strings.Trim(r.Header.Get("If-Match"), `"`)
}

func setETag(w http.ResponseWriter, a *models.Atom) {
	if tag := atomservice.ETag(a); tag != "" {
		w.Header().Set("ETag", fmt.Sprintf("%q", tag))
	}
}

// ListAtoms handles GET /api/atoms.
//
//	@Summary		List index entries with optional filtering
//	@Tags			atoms
//	@Produce		json
//	@Param			type		query		string	false	"Atom type (repeatable or comma-separated)"
//	@Param			tag			query		string	false	"Tag (repeatable or comma-separated)"
//	@Param			language	query		string	false	"Language"
//	@Param			status		query		string	false	"Status"
//	@Param			limit		query		int		false	"Max entries"
//	@Success		200			{object}	AtomListResponse
//	@Security		BearerAuth
//	@Router			/atoms [get]
func (h *Handler) ListAtoms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		writeError(w, "list atoms", err)
		return
	}
	entries, err := h.svc.List(r.Context(), atomservice.ListInput{Filter: filterFromQuery(q), Limit: limit})
	if err != nil {
		writeError(w, "list atoms", err)
		return
	}
	writeJSON(w, http.StatusOK, AtomListResponse{Atoms: entries, Total: len(entries)})
}

// GetAtom handles GET /api/atoms/{id}.
//
//	@Summary		Get a single atom by id
//	@Tags			atoms
//	@Produce		json
//	@Param			id	path		string	true	"Atom id"
//	@Success		200	{object}	Atom
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/atoms/{id} [get]
func (h *Handler) GetAtom(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get atom", err)
		return
	}
	setETag(w, a)
	writeJSON(w, http.StatusOK, a)
}

func decodeUpsert(w http.ResponseWriter, r *http.Request) (UpsertRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return req, false
	}
	return req, true
}

// CreateAtom handles POST /api/atoms. A body id naming an existing atom
// updates it.
//
//	@Summary		Create or update an atom
//	@Tags			atoms
//	@Accept			json
//	@Produce		json
//	@Param			body	body		UpsertRequest	true	"Atom to create"
//	@Success		201		{object}	Atom
//	@Success		200		{object}	Atom
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/atoms [post]
func (h *Handler) CreateAtom(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUpsert(w, r)
	if !ok {
		return
	}
	h.upsert(w, r, req)
}

// UpsertAtom handles PUT /api/atoms/{id}.
//
//	@Summary		Update an atom with optimistic concurrency
//	@Tags			atoms
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string			true	"Atom id"
//	@Param			If-Match	header		string			false	"ETag from a previous GET"
//	@Param			body		body		UpsertRequest	true	"Atom fields"
//	@Success		200			{object}	Atom
//	@Success		201			{object}	Atom
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/atoms/{id} [put]
func (h *Handler) UpsertAtom(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUpsert(w, r)
	if !ok {
		return
	}
	req.ID = chi.URLParam(r, "id")
	req.IfMatch = ifMatch(r)
	h.upsert(w, r, req)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request, req UpsertRequest) {
	a, created, err := h.svc.Upsert(r.Context(), req)
	if err != nil {
		writeError(w, "upsert atom", err)
		return
	}
	setETag(w, a)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, a)
}

// DeleteAtom handles DELETE /api/atoms/{id}. The atom is deprecated unless
// purge=true, which removes the record and its index entry permanently.
//
//	@Summary		Deprecate or purge an atom
//	@Tags			atoms
//	@Param			id		path	string	true	"Atom id"
//	@Param			purge	query	bool	false	"Delete permanently"
//	@Success		200		{object}	Atom
//	@Success		204		"Atom purged"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/atoms/{id} [delete]
func (h *Handler) DeleteAtom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	purge := false
	if raw := r.URL.Query().Get("purge"); raw != "" {
		var err error
		if purge, err = strconv.ParseBool(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("purge must be a boolean"))
			return
		}
	}
	if !purge {
		h.deprecate(w, r, id)
		return
	}
	if err := h.svc.Purge(r.Context(), id); err != nil {
		writeError(w, "purge atom", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeprecateAtom handles POST /api/atoms/{id}/deprecate.
//
//	@Summary		Mark an atom deprecated
//	@Tags			atoms
//	@Produce		json
//	@Param			id	path		string	true	"Atom id"
//	@Success		200	{object}	Atom
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/atoms/{id}/deprecate [post]
func (h *Handler) DeprecateAtom(w http.ResponseWriter, r *http.Request) {
	h.deprecate(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) deprecate(w http.ResponseWriter, r *http.Request, id string) {
	a, err := h.svc.Deprecate(r.Context(), id)
	if err != nil {
		writeError(w, "deprecate atom", err)
		return
	}
	setETag(w, a)
	writeJSON(w, http.StatusOK, a)
}

// Search handles GET /api/search.
//
//	@Summary		Ranked search over titles and tags, optionally content
//	@Tags			search
//	@Produce		json
//	@Param			q			query		string	false	"Whitespace-separated query"
//	@Param			deep		query		bool	false	"Also match summary and details"
//	@Param			type		query		string	false	"Atom type filter"
//	@Param			tag			query		string	false	"Tag filter"
//	@Param			language	query		string	false	"Language filter"
//	@Param			status		query		string	false	"Status filter"
//	@Param			limit		query		int		false	"Max results"
//	@Success		200			{object}	SearchResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		writeError(w, "search", err)
		return
	}
	deep := false
	if raw := q.Get("deep"); raw != "" {
		if deep, err = strconv.ParseBool(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("deep must be a boolean"))
			return
		}
	}
	results, err := h.svc.Search(r.Context(), atomservice.SearchInput{
		Query:  q.Get("q"),
		Filter: filterFromQuery(q),
		Limit:  limit,
		Deep:   deep,
	})
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ListAllIDs handles GET /api/ids.
//
//	@Summary		List every atom id in the record store
//	@Tags			store
//	@Produce		json
//	@Success		200	{object}	IDsResponse
//	@Security		BearerAuth
//	@Router			/ids [get]
func (h *Handler) ListAllIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.ListAllIDs(r.Context())
	if err != nil {
		writeError(w, "list ids", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, IDsResponse{IDs: ids, Count: len(ids)})
}

// NextID handles GET /api/next-id.
//
//	@Summary		Preview the id the next created atom would receive
//	@Tags			store
//	@Produce		json
//	@Success		200	{object}	NextIDResponse
//	@Security		BearerAuth
//	@Router			/next-id [get]
func (h *Handler) NextID(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.NextID(r.Context())
	if err != nil {
		writeError(w, "next id", err)
		return
	}
	writeJSON(w, http.StatusOK, NextIDResponse{ID: id})
}

// Export handles GET /api/export.
//
//	@Summary		Export every indexed atom
//	@Tags			store
//	@Produce		json
//	@Param			format	query		string	false	"Export format"	Enums(json, markdown)
//	@Success		200		{object}	atomservice.Export
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/export [get]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		doc, err := h.svc.Export(r.Context())
		if err != nil {
			writeError(w, "export", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case "markdown":
		files, err := h.svc.ExportMarkdown(r.Context())
		if err != nil {
			writeError(w, "export", err)
			return
		}
		writeJSON(w, http.StatusOK, MarkdownExportResponse{Format: format, Count: len(files), Files: files})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf(
			"format must be one of %s", strings.Join(atomservice.ExportFormats(), ", "))))
	}
}

// Summary handles GET /api/summary.
//
//	@Summary		Group atoms by type, tag or language
//	@Tags			store
//	@Produce		json
//	@Param			group_by	query		string	false	"Grouping"	Enums(type, tag, language)
//	@Success		200			{object}	atomservice.Summary
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/summary [get]
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summarize(r.Context(), r.URL.Query().Get("group_by"))
	if err != nil {
		writeError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Rebuild handles POST /api/rebuild.
//
//	@Summary		Rebuild the index from the record store
//	@Tags			store
//	@Produce		json
//	@Success		200	{object}	RebuildResponse
//	@Security		BearerAuth
//	@Router			/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Rebuild(r.Context())
	if err != nil {
		writeError(w, "rebuild", err)
		return
	}
	warnings := make([]string, 0, len(res.Warnings))
	for _, wn := range res.Warnings {
		warnings = append(warnings, wn.String())
	}
	dropped := res.Dropped
	if dropped == nil {
		dropped = []string{}
	}
	writeJSON(w, http.StatusOK, RebuildResponse{Indexed: res.Indexed, Warnings: warnings, Dropped: dropped})
}
