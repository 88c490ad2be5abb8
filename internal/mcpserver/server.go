// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Ansuz atom tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
)

// AtomFormatURI addresses the atom format resource.
const AtomFormatURI = "ansuz://atom-format"

// Server wraps the MCP server with Ansuz tools.
type Server struct {
	mcp *server.MCPServer
	svc *atomservice.Service
}

func enumValues[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// New creates a new MCP server with all Ansuz tools registered.
func New(svc *atomservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	types := enumValues(models.AtomTypes())
	statuses := enumValues(models.AtomStatuses())

	s.mcp.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search knowledge atoms by title and tags, optionally by content. "+
			"Results are ranked by match quality, status, confidence and popularity."),
		mcp.WithString("query", mcp.Description("Whitespace-separated search terms; empty lists atoms by priority")),
		mcp.WithArray("types", mcp.Description("Filter by types"), mcp.WithStringEnumItems(types)),
		mcp.WithArray("tags", mcp.Description("Filter by tags (any match)"), mcp.WithStringItems()),
		mcp.WithString("language", mcp.Description("Filter by programming language")),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum(statuses...)),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
		mcp.WithBoolean("include_content", mcp.Description("Also match summary and details. Slower but more thorough.")),
	), s.search)

	s.mcp.AddTool(mcp.NewTool("upsert",
		mcp.WithDescription("Create or update a knowledge atom. Pass id to update; omit it to create. "+
			"Read the "+AtomFormatURI+" resource for the field contract."),
		mcp.WithString("id", mcp.Description("Existing atom id to update, e.g. K-000001")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short descriptive title")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Atom type"), mcp.Enum(types...)),
		mcp.WithString("status", mcp.Required(), mcp.Description("Status"), mcp.Enum(statuses...)),
		mcp.WithString("confidence", mcp.Required(), mcp.Description("Confidence level"),
			mcp.Enum(enumValues(models.Confidences())...)),
		mcp.WithString("summary", mcp.Required(), mcp.Description("Main content summary")),
		mcp.WithString("details", mcp.Description("Detailed explanation or code")),
		mcp.WithArray("pitfalls", mcp.Description("Things to avoid"), mcp.WithStringItems()),
		mcp.WithString("language", mcp.Description("Programming language")),
		mcp.WithArray("tags", mcp.Description("Keywords for search"), mcp.WithStringItems()),
		mcp.WithArray("sources", mcp.Description(`References like [{"kind": "repo_path", "ref": "src/file.go"}]`)),
		mcp.WithArray("links", mcp.Description(`Related atoms like [{"rel": "see_also", "id": "K-000001"}]`)),
		mcp.WithArray("supersedes", mcp.Description("Ids this atom replaces; they are deprecated"), mcp.WithStringItems()),
		mcp.WithString("if_match", mcp.Description("ETag from get_atom; the update fails if the atom changed since")),
	), s.upsert)

	s.mcp.AddTool(mcp.NewTool("list_atoms",
		mcp.WithDescription("List knowledge atoms from the index with filtering."),
		mcp.WithArray("types", mcp.Description("Filter by types"), mcp.WithStringEnumItems(types)),
		mcp.WithArray("tags", mcp.Description("Filter by tags (any match)"), mcp.WithStringItems()),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum(statuses...)),
		mcp.WithString("language", mcp.Description("Filter by language")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	), s.listAtoms)

	s.mcp.AddTool(mcp.NewTool("get_atom",
		mcp.WithDescription("Get the full content of an atom by id. Counts toward its popularity."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The atom id")),
	), s.getAtom)

	s.mcp.AddTool(mcp.NewTool("delete_atom",
		mcp.WithDescription("Deprecate an atom (sets status to deprecated). The record is kept."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The atom id to deprecate")),
	), s.deleteAtom)

	s.mcp.AddTool(mcp.NewTool("purge_atom",
		mcp.WithDescription("Permanently delete an atom from storage. This cannot be undone; "+
			"use delete_atom to deprecate instead."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The atom id to permanently delete")),
	), s.purgeAtom)

	s.mcp.AddTool(mcp.NewTool("list_all_ids",
		mcp.WithDescription("List every atom id in storage, including ones missing from the index."),
	), s.listAllIDs)

	s.mcp.AddTool(mcp.NewTool("export_all",
		mcp.WithDescription("Export all indexed atoms in a single document."),
		mcp.WithString("format", mcp.Description("Export format (default json)"),
			mcp.Enum(atomservice.ExportFormats()...)),
	), s.exportAll)

	s.mcp.AddTool(mcp.NewTool("rebuild_index",
		mcp.WithDescription("Rebuild the index from atom files. Use this if the index gets out of sync."),
	), s.rebuildIndex)

	s.mcp.AddTool(mcp.NewTool("get_summary",
		mcp.WithDescription("Summarize knowledge grouped by type, tag or language."),
		mcp.WithString("group_by", mcp.Description("Grouping criterion (default type)"),
			mcp.Enum(atomservice.GroupByType, atomservice.GroupByTag, atomservice.GroupByLanguage)),
	), s.getSummary)

	s.mcp.AddTool(mcp.NewTool("get_next_id",
		mcp.WithDescription("Get the id the next created atom will receive."),
	), s.getNextID)

	s.mcp.AddResource(
		mcp.NewResource(AtomFormatURI, "Atom Format Contract",
			mcp.WithResourceDescription("Fields and rules every knowledge atom follows."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readAtomFormatResource,
	)

	return s
}

// Serve runs the MCP protocol over in/out until ctx is cancelled or in is
// closed. Transport errors are logged through logger.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func errorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("conflict: atom changed since if_match was read")
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalid):
		return mcp.NewToolResultError(err.Error())
	default:
		return mcp.NewToolResultError("internal error: " + err.Error())
	}
}

func filterFromRequest(req mcp.CallToolRequest) index.Filter {
	f := index.Filter{
		Tags:     req.GetStringSlice("tags", nil),
		Language: req.GetString("language", ""),
		Status:   models.AtomStatus(req.GetString("status", "")),
	}
	for _, t := range req.GetStringSlice("types", nil) {
		f.Types = append(f.Types, models.AtomType(t))
	}
	return f
}

func (s *Server) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	results, err := s.svc.Search(ctx, atomservice.SearchInput{
		Query:  req.GetString("query", ""),
		Filter: filterFromRequest(req),
		Limit:  req.GetInt("limit", 0),
		Deep:   req.GetBool("include_content", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(results)
}

type upsertArgs struct {
	atomservice.UpsertInput
	IfMatch string `json:"if_match"`
}

type upsertResult struct {
	Atom    *models.Atom `json:"atom"`
	Created bool         `json:"created"`
	ETag    string       `json:"etag"`
}

func (s *Server) upsert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args upsertArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	in := args.UpsertInput
	in.IfMatch = args.IfMatch

	a, created, err := s.svc.Upsert(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(upsertResult{Atom: a, Created: created, ETag: atomservice.ETag(a)})
}

func (s *Server) listAtoms(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.svc.List(ctx, atomservice.ListInput{
		Filter: filterFromRequest(req),
		Limit:  req.GetInt("limit", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(entries)
}

type atomResult struct {
	*models.Atom
	ETag string `json:"etag"`
}

func (s *Server) getAtom(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := s.svc.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(atomResult{Atom: a, ETag: atomservice.ETag(a)})
}

func (s *Server) deleteAtom(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := s.svc.Deprecate(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(a)
}

func (s *Server) purgeAtom(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Purge(ctx, id); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"success": true, "id": id})
}

func (s *Server) listAllIDs(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := s.svc.ListAllIDs(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	if ids == nil {
		ids = []string{}
	}
	return jsonResult(map[string]any{"ids": ids, "count": len(ids)})
}

func (s *Server) exportAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch format := req.GetString("format", "json"); format {
	case "", "json":
		doc, err := s.svc.Export(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(doc)
	case "markdown":
		files, err := s.svc.ExportMarkdown(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"format": format, "count": len(files), "files": files})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q; use one of %s",
			format, strings.Join(atomservice.ExportFormats(), ", "))), nil
	}
}

func (s *Server) rebuildIndex(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Rebuild(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) getSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := s.svc.Summarize(ctx, req.GetString("group_by", atomservice.GroupByType))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sum)
}

func (s *Server) getNextID(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.svc.NextID(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]string{"next_id": id})
}

func (s *Server) readAtomFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      AtomFormatURI,
			MIMEType: "text/markdown",
			Text:     AtomFormatContract,
		},
	}, nil
}
