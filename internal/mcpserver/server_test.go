package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/testutil"
)

func testServer(t *testing.T) (*Server, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	return New(env.Service, "test"), env
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]server.ToolHandlerFunc{
		"search":        srv.search,
		"upsert":        srv.upsert,
		"list_atoms":    srv.listAtoms,
		"get_atom":      srv.getAtom,
		"delete_atom":   srv.deleteAtom,
		"purge_atom":    srv.purgeAtom,
		"list_all_ids":  srv.listAllIDs,
		"export_all":    srv.exportAll,
		"rebuild_index": srv.rebuildIndex,
		"get_summary":   srv.getSummary,
		"get_next_id":   srv.getNextID,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeResult[T any](t *testing.T, r *mcp.CallToolResult) T {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool returned error: %s", resultText(r))
	}
	var v T
	if err := json.Unmarshal([]byte(resultText(r)), &v); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return v
}

func upsertArgsFor(title string, extra map[string]any) map[string]any {
	args := map[string]any{
		"title":      title,
		"type":       "pattern",
		"status":     "active",
		"confidence": "medium",
		"summary":    "About " + title,
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func TestAllToolsRegistered(t *testing.T) {
	srv, _ := testServer(t)
	resp := srv.MCPServer().HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	names := map[string]bool{}
	for _, tool := range listed.Result.Tools {
		names[tool.Name] = true
	}
	for _, name := range []string{
		"search", "upsert", "list_atoms", "get_atom", "delete_atom", "purge_atom",
		"list_all_ids", "export_all", "rebuild_index", "get_summary", "get_next_id",
	} {
		if !names[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
	if len(names) != 11 {
		t.Errorf("registered %d tools, want 11", len(names))
	}
}

func TestUpsertAndGetAtom(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "upsert", upsertArgsFor("Circuit breaker", map[string]any{
		"tags":     []any{"resilience", "http"},
		"language": "go",
		"sources":  []any{map[string]any{"kind": "repo_path", "ref": "internal/http/breaker.go"}},
		"links":    []any{map[string]any{"rel": "see_also", "id": "K-000009"}},
		"pitfalls": []any{"half-open storms"},
	}))
	res := decodeResult[upsertResult](t, r)
	if !res.Created || res.Atom.ID != "K-000001" || res.ETag == "" {
		t.Fatalf("upsert = %+v", res)
	}
	if res.Atom.Language != "go" || len(res.Atom.Sources) != 1 || res.Atom.Links[0].ID != "K-000009" {
		t.Errorf("fields not bound: %+v", res.Atom)
	}

	got := decodeResult[models.Atom](t, callTool(t, srv, "get_atom", map[string]any{"id": "K-000001"}))
	if got.Title != "Circuit breaker" || got.Content.Pitfalls[0] != "half-open storms" {
		t.Errorf("get_atom = %+v", got)
	}
}

func TestUpsertUpdateKeepsOmittedFields(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "upsert", upsertArgsFor("Feature flags", map[string]any{"tags": []any{"release"}}))

	r := callTool(t, srv, "upsert", upsertArgsFor("Feature flags v2", map[string]any{"id": "K-000001"}))
	res := decodeResult[upsertResult](t, r)
	if res.Created {
		t.Error("update reported as create")
	}
	if len(res.Atom.Tags) != 1 || res.Atom.Tags[0] != "release" {
		t.Errorf("tags = %v, want [release]", res.Atom.Tags)
	}
}

func TestUpsertIfMatchConflict(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "upsert", upsertArgsFor("Timeouts", nil))

	r := callTool(t, srv, "upsert", upsertArgsFor("Timeouts v2", map[string]any{
		"id":       "K-000001",
		"if_match": "stale",
	}))
	if !r.IsError || !strings.Contains(resultText(r), "conflict") {
		t.Errorf("expected conflict, got %q", resultText(r))
	}
}

func TestUpsertValidation(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "upsert", upsertArgsFor("bad", map[string]any{"confidence": "certain"}))
	if !r.IsError || !strings.Contains(resultText(r), "confidence") {
		t.Errorf("expected validation error naming confidence, got %q", resultText(r))
	}
}

func TestGetAtomMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_atom", map[string]any{"id": "K-000404"})
	if !r.IsError || !strings.Contains(resultText(r), "not found") {
		t.Errorf("expected not found, got %q", resultText(r))
	}
	r = callTool(t, srv, "get_atom", map[string]any{})
	if !r.IsError {
		t.Error("expected error for missing id argument")
	}
}

func TestSearchAndList(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "upsert", upsertArgsFor("Connection pooling", map[string]any{"tags": []any{"db"}}))
	callTool(t, srv, "upsert", upsertArgsFor("Log sampling", map[string]any{"tags": []any{"ops"}, "type": "gotcha"}))

	results := decodeResult[[]index.Result](t, callTool(t, srv, "search", map[string]any{"query": "pool"}))
	if len(results) != 1 || results[0].ID != "K-000001" {
		t.Errorf("search = %+v", results)
	}

	deep := decodeResult[[]index.Result](t, callTool(t, srv, "search", map[string]any{
		"query":           "about",
		"include_content": true,
		"limit":           float64(1),
	}))
	if len(deep) != 1 {
		t.Errorf("deep search with limit 1 = %+v", deep)
	}

	entries := decodeResult[[]models.IndexEntry](t, callTool(t, srv, "list_atoms", map[string]any{
		"types": []any{"gotcha"},
	}))
	if len(entries) != 1 || entries[0].ID != "K-000002" {
		t.Errorf("list_atoms = %+v", entries)
	}

	r := callTool(t, srv, "list_atoms", map[string]any{"status": "lost"})
	if !r.IsError {
		t.Error("expected error for invalid status filter")
	}
}

func TestDeleteAndPurge(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "upsert", upsertArgsFor("Retired", nil))

	a := decodeResult[models.Atom](t, callTool(t, srv, "delete_atom", map[string]any{"id": "K-000001"}))
	if a.Status != models.AtomStatusDeprecated {
		t.Errorf("status = %q", a.Status)
	}

	callTool(t, srv, "purge_atom", map[string]any{"id": "K-000001"})
	ids := decodeResult[struct {
		IDs   []string `json:"ids"`
		Count int      `json:"count"`
	}](t, callTool(t, srv, "list_all_ids", nil))
	if ids.Count != 0 || len(ids.IDs) != 0 {
		t.Errorf("ids after purge = %+v", ids)
	}

	r := callTool(t, srv, "purge_atom", map[string]any{"id": "K-000001"})
	if !r.IsError {
		t.Error("expected error purging a missing atom")
	}
}

func TestExportSummaryNextID(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "upsert", upsertArgsFor("Exported", map[string]any{"tags": []any{"go"}, "language": "go"}))

	doc := decodeResult[atomservice.Export](t, callTool(t, srv, "export_all", nil))
	if doc.Count != 1 || doc.Atoms[0].ID != "K-000001" {
		t.Errorf("export = %+v", doc)
	}
	md := decodeResult[struct {
		Files []atomservice.MarkdownFile `json:"files"`
	}](t, callTool(t, srv, "export_all", map[string]any{"format": "markdown"}))
	if len(md.Files) != 1 || !strings.Contains(md.Files[0].Content, "Exported") {
		t.Errorf("markdown export = %+v", md)
	}
	if r := callTool(t, srv, "export_all", map[string]any{"format": "csv"}); !r.IsError {
		t.Error("expected error for csv export")
	}

	sum := decodeResult[atomservice.Summary](t, callTool(t, srv, "get_summary", map[string]any{"group_by": "language"}))
	if sum.Groups["go"].Count != 1 {
		t.Errorf("summary = %+v", sum)
	}

	next := decodeResult[map[string]string](t, callTool(t, srv, "get_next_id", nil))
	if next["next_id"] != "K-000002" {
		t.Errorf("next_id = %q", next["next_id"])
	}
}

func TestRebuildIndexTool(t *testing.T) {
	srv, env := testServer(t)
	callTool(t, srv, "upsert", upsertArgsFor("kept", nil))
	env.Manager.InvalidateCache()

	res := decodeResult[index.RebuildResult](t, callTool(t, srv, "rebuild_index", nil))
	if res.Indexed != 1 {
		t.Errorf("indexed = %d, want 1", res.Indexed)
	}
}

func TestAtomFormatResource(t *testing.T) {
	srv, _ := testServer(t)
	contents, err := srv.readAtomFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok || text.URI != AtomFormatURI || !strings.Contains(text.Text, "confidence") {
		t.Errorf("unexpected resource: %+v", contents[0])
	}
}
