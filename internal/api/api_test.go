package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/testutil"
)

// testEnv sets up a temp store, service, and router. An empty authToken
// disables auth.
func testEnv(t *testing.T, authToken string) (*testutil.Env, http.Handler) {
	t.Helper()
	env := testutil.NewEnv(t)
	router := NewRouter(env.Service, authToken != "", authToken, nil)
	return env, router
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func createAtom(t *testing.T, router http.Handler, title string, tags ...string) models.Atom {
	t.Helper()
	w := do(t, router, http.MethodPost, "/atoms", testutil.Input(title, tags...))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	return decode[models.Atom](t, w)
}

func TestCreateAndGetAtom(t *testing.T) {
	_, router := testEnv(t, "")

	created := createAtom(t, router, "Retry budget", "http")
	if created.ID != "K-000001" {
		t.Errorf("id = %q, want K-000001", created.ID)
	}

	w := do(t, router, http.MethodGet, "/atoms/K-000001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("missing ETag header")
	}
	got := decode[models.Atom](t, w)
	if got.Title != "Retry budget" {
		t.Errorf("title = %q", got.Title)
	}
	if got.Content.Summary != "About Retry budget" {
		t.Errorf("summary = %q", got.Content.Summary)
	}
}

func TestGetAtomMissing(t *testing.T) {
	_, router := testEnv(t, "")
	for _, id := range []string{"K-000404", "not-an-id"} {
		w := do(t, router, http.MethodGet, "/atoms/"+id, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("get %s = %d, want 404", id, w.Code)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	_, router := testEnv(t, "")

	in := testutil.Input("bad type")
	in.Type = "rumour"
	w := do(t, router, http.MethodPost, "/atoms", in)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "type") {
		t.Errorf("error should name the field: %s", w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/atoms", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")
	createAtom(t, router, "Cache TTL")

	w := do(t, router, http.MethodGet, "/atoms/K-000001", nil)
	etag := w.Header().Get("ETag")

	in := testutil.Input("Cache TTL v2")
	w = do(t, router, http.MethodPut, "/atoms/K-000001", in, "If-Match", etag)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	updated := decode[models.Atom](t, w)
	if updated.Title != "Cache TTL v2" {
		t.Errorf("title = %q", updated.Title)
	}

	// The old ETag is stale now.
	w = do(t, router, http.MethodPut, "/atoms/K-000001", in, "If-Match", etag)
	if w.Code != http.StatusConflict {
		t.Errorf("stale update = %d, want 409", w.Code)
	}
}

func TestPutUnknownIDCreates(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodPut, "/atoms/K-000050", testutil.Input("explicit id"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[models.Atom](t, w); got.ID != "K-000050" {
		t.Errorf("id = %q", got.ID)
	}
}

func TestListAtomsFiltered(t *testing.T) {
	_, router := testEnv(t, "")
	createAtom(t, router, "one", "go")
	createAtom(t, router, "two", "rust")
	createAtom(t, router, "three", "go", "http")

	w := do(t, router, http.MethodGet, "/atoms?tag=go", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	resp := decode[AtomListResponse](t, w)
	if resp.Total != 2 || resp.Atoms[0].ID != "K-000001" || resp.Atoms[1].ID != "K-000003" {
		t.Errorf("unexpected list: %+v", resp)
	}

	w = do(t, router, http.MethodGet, "/atoms?limit=1", nil)
	if resp := decode[AtomListResponse](t, w); resp.Total != 1 {
		t.Errorf("limit ignored: %+v", resp)
	}

	w = do(t, router, http.MethodGet, "/atoms?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodGet, "/atoms?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status = %d, want 400", w.Code)
	}
}

func TestSearch(t *testing.T) {
	_, router := testEnv(t, "")
	createAtom(t, router, "Connection pooling", "db")
	createAtom(t, router, "Logging levels", "ops")

	w := do(t, router, http.MethodGet, "/search?q=pool", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
	resp := decode[SearchResponse](t, w)
	if len(resp.Results) != 1 || resp.Results[0].ID != "K-000001" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Summary != "About Connection pooling" {
		t.Errorf("summary = %q", resp.Results[0].Summary)
	}

	w = do(t, router, http.MethodGet, "/search?q=about+levels&deep=true", nil)
	resp = decode[SearchResponse](t, w)
	if len(resp.Results) != 2 || resp.Results[0].ID != "K-000002" {
		t.Errorf("deep results = %+v", resp.Results)
	}

	w = do(t, router, http.MethodGet, "/search?q=x&deep=maybe", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad deep = %d, want 400", w.Code)
	}
}

func TestDeleteDeprecatesAndPurgeRemoves(t *testing.T) {
	env, router := testEnv(t, "")
	createAtom(t, router, "old advice")

	w := do(t, router, http.MethodDelete, "/atoms/K-000001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if got := decode[models.Atom](t, w); got.Status != models.AtomStatusDeprecated {
		t.Errorf("status = %q, want deprecated", got.Status)
	}

	w = do(t, router, http.MethodDelete, "/atoms/K-000001?purge=true", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("purge status = %d", w.Code)
	}
	if _, err := os.Stat(filepath.Join(env.Store.Dir(), "K-000001.yaml")); !os.IsNotExist(err) {
		t.Errorf("record still on disk: %v", err)
	}

	w = do(t, router, http.MethodDelete, "/atoms/K-000001?purge=true", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second purge = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodPost, "/atoms/K-000001/deprecate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("deprecate purged = %d, want 404", w.Code)
	}
}

func TestDeleteRejectsBadPurgeFlag(t *testing.T) {
	env, router := testEnv(t, "")
	createAtom(t, router, "keep me")

	w := do(t, router, http.MethodDelete, "/atoms/K-000001?purge=yes", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	a, err := env.Service.Get(context.Background(), "K-000001")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != models.AtomStatusActive {
		t.Errorf("status = %q, atom should be untouched", a.Status)
	}
}

func TestIDsAndNextID(t *testing.T) {
	_, router := testEnv(t, "")
	createAtom(t, router, "a")
	createAtom(t, router, "b")

	ids := decode[IDsResponse](t, do(t, router, http.MethodGet, "/ids", nil))
	if ids.Count != 2 || ids.IDs[1] != "K-000002" {
		t.Errorf("ids = %+v", ids)
	}
	next := decode[NextIDResponse](t, do(t, router, http.MethodGet, "/next-id", nil))
	if next.ID != "K-000003" {
		t.Errorf("next id = %q", next.ID)
	}
}

func TestExport(t *testing.T) {
	_, router := testEnv(t, "")
	createAtom(t, router, "exported")

	doc := decode[atomservice.Export](t, do(t, router, http.MethodGet, "/export", nil))
	if doc.Count != 1 || doc.Atoms[0].Title != "exported" {
		t.Errorf("json export = %+v", doc)
	}

	md := decode[MarkdownExportResponse](t, do(t, router, http.MethodGet, "/export?format=markdown", nil))
	if md.Count != 1 || md.Files[0].Name != "K-000001.md" || !strings.Contains(md.Files[0].Content, "exported") {
		t.Errorf("markdown export = %+v", md)
	}

	w := do(t, router, http.MethodGet, "/export?format=pdf", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown format = %d, want 400", w.Code)
	}
}

func TestSummary(t *testing.T) {
	_, router := testEnv(t, "")
	createAtom(t, router, "a", "go")
	createAtom(t, router, "b", "go", "db")

	sum := decode[atomservice.Summary](t, do(t, router, http.MethodGet, "/summary?group_by=tag", nil))
	if sum.TotalAtoms != 2 || sum.Groups["go"].Count != 2 || sum.Groups["db"].Count != 1 {
		t.Errorf("summary = %+v", sum)
	}

	w := do(t, router, http.MethodGet, "/summary?group_by=colour", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad group_by = %d, want 400", w.Code)
	}
}

func TestRebuild(t *testing.T) {
	env, router := testEnv(t, "")
	createAtom(t, router, "kept")

	if err := os.WriteFile(filepath.Join(env.Store.Dir(), "K-000009.yaml"), []byte("title: [unterminated\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := do(t, router, http.MethodPost, "/rebuild", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[RebuildResponse](t, w)
	if resp.Indexed != 1 || len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "K-000009") {
		t.Errorf("rebuild = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, router := testEnv(t, "s3cret")

	w := do(t, router, http.MethodGet, "/atoms", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	w = do(t, router, http.MethodGet, "/atoms", nil, "Authorization", "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
	w = do(t, router, http.MethodGet, "/atoms", nil, "Authorization", "Bearer s3cret")
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestEventsMountedBehindAuth(t *testing.T) {
	env := testutil.NewEnv(t)
	var served bool
	sse := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served = true
		w.WriteHeader(http.StatusOK)
	})
	router := NewRouter(env.Service, true, "tok", sse)

	w := do(t, router, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized || served {
		t.Errorf("unauthenticated events = %d, served = %v", w.Code, served)
	}
	w = do(t, router, http.MethodGet, "/events", nil, "Authorization", "Bearer tok")
	if w.Code != http.StatusOK || !served {
		t.Errorf("authenticated events = %d, served = %v", w.Code, served)
	}
}

func TestGetCountsPopularity(t *testing.T) {
	env, router := testEnv(t, "")
	createAtom(t, router, "popular")
	for i := 0; i < 3; i++ {
		do(t, router, http.MethodGet, "/atoms/K-000001", nil)
	}
	e, ok, err := env.Manager.FindByID("K-000001")
	if err != nil || !ok {
		t.Fatalf("FindByID: %v %v", ok, err)
	}
	if e.Popularity != 3 {
		t.Errorf("popularity = %d, want 3", e.Popularity)
	}
}
