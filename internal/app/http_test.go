package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"govwatch/internal/diff"
	"govwatch/internal/diffcache"
	"govwatch/internal/docstore"
	"govwatch/internal/fetch"
	"govwatch/internal/ingest"
	"govwatch/internal/mailbox"
	"govwatch/internal/tagindex"
)

func testServer(t *testing.T, diffMaxBytes int) (*httptest.Server, *docstore.Store, *tagindex.Index) {
	t.Helper()
	store, err := docstore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mr := miniredis.RunT(t)
	cache := diffcache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	index := tagindex.New()

	service := NewService(store, index, cache, diff.NewEngine(diffMaxBytes))
	server := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(server.Close)
	return server, store, index
}

func getJSON(t *testing.T, server *httptest.Server, path string, target any) int {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// seedUpdate commits two revisions of path and registers the resulting
// update, returning its timestamp.
func seedUpdate(t *testing.T, store *docstore.Store, index *tagindex.Index, path, v1, v2, category string) time.Time {
	t.Helper()
	base := time.Date(2021, 1, 22, 8, 0, 0, 0, time.UTC)
	prev, _, err := store.Commit(path, []byte(v1), base, docstore.Meta{Category: category})
	if err != nil {
		t.Fatalf("commit v1: %v", err)
	}
	ts := base.Add(time.Hour)
	curr, _, err := store.Commit(path, []byte(v2), ts, docstore.Meta{Change: "updated", Category: category})
	if err != nil {
		t.Fatalf("commit v2: %v", err)
	}
	index.Register(tagindex.Tagged{
		Update: docstore.Update{
			Path:      path,
			Previous:  prev,
			Current:   curr,
			Timestamp: ts,
			Change:    "updated",
			Category:  category,
		},
		Tags: tagindex.DeriveTags(path, category),
	})
	return ts
}

func TestHealthAndReady(t *testing.T) {
	server, _, _ := testServer(t, 1<<20)

	var health struct {
		OK bool `json:"ok"`
	}
	if status := getJSON(t, server, "/api/health", &health); status != http.StatusOK || !health.OK {
		t.Fatalf("health = %d, ok=%v", status, health.OK)
	}

	var ready struct {
		Status string `json:"status"`
	}
	if status := getJSON(t, server, "/api/ready", &ready); status != http.StatusOK || ready.Status != "ready" {
		t.Fatalf("ready = %d, status=%q", status, ready.Status)
	}
}

func TestRecentUpdatesEmptyAndPopulated(t *testing.T) {
	server, store, index := testServer(t, 1<<20)

	var body struct {
		Updates []tagindex.Tagged `json:"updates"`
	}
	if status := getJSON(t, server, "/api/updates", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(body.Updates) != 0 {
		t.Fatalf("fresh service has %d updates", len(body.Updates))
	}

	seedUpdate(t, store, index, "www.gov.uk/guidance/a.html", "one\n", "two\n", "Trade")
	if status := getJSON(t, server, "/api/updates?limit=10", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(body.Updates) != 1 || body.Updates[0].Path != "www.gov.uk/guidance/a.html" {
		t.Fatalf("updates = %+v", body.Updates)
	}
}

func TestUpdateDiffRoute(t *testing.T) {
	server, store, index := testServer(t, 1<<20)
	ts := seedUpdate(t, store, index, "www.gov.uk/guidance/a.html", "line one\nline two\n", "line one\nline three\n", "Trade")

	path := "/api/updates/" + url.PathEscape(ts.Format(time.RFC3339)) + "/www.gov.uk/guidance/a.html"
	var body UpdateDiff
	if status := getJSON(t, server, path, &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body.Diff == nil || !body.Diff.Changed() {
		t.Fatalf("diff = %+v", body.Diff)
	}
	if body.Inserted != 1 || body.Deleted != 1 {
		t.Errorf("stats = +%d -%d, want +1 -1", body.Inserted, body.Deleted)
	}
	if body.Update.Change != "updated" {
		t.Errorf("change = %q", body.Update.Change)
	}
}

func TestUpdateDiffTooLargeDegrades(t *testing.T) {
	server, store, index := testServer(t, 4)
	ts := seedUpdate(t, store, index, "www.gov.uk/guidance/a.html", "a long first version\n", "a long second version\n", "")

	path := "/api/updates/" + url.PathEscape(ts.Format(time.RFC3339)) + "/www.gov.uk/guidance/a.html"
	var body UpdateDiff
	if status := getJSON(t, server, path, &body); status != http.StatusOK {
		t.Fatalf("oversized diff should degrade, not fail: status = %d", status)
	}
	if !body.TooLarge || body.Diff != nil {
		t.Fatalf("body = %+v, want tooLarge without spans", body)
	}
}

func TestUpdateDiffUnknownUpdate(t *testing.T) {
	server, store, index := testServer(t, 1<<20)
	seedUpdate(t, store, index, "www.gov.uk/guidance/a.html", "one\n", "two\n", "")

	wrong := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	path := "/api/updates/" + url.PathEscape(wrong.Format(time.RFC3339)) + "/www.gov.uk/guidance/a.html"
	var body struct {
		Code string `json:"code"`
	}
	if status := getJSON(t, server, path, &body); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if body.Code != "UPDATE_NOT_FOUND" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestTagsRoutes(t *testing.T) {
	server, store, index := testServer(t, 1<<20)
	seedUpdate(t, store, index, "www.gov.uk/guidance/a.html", "one\n", "two\n", "Trade")

	var tags struct {
		Tags []string `json:"tags"`
	}
	if status := getJSON(t, server, "/api/tags", &tags); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(tags.Tags) == 0 {
		t.Fatal("no tags listed")
	}

	var updates struct {
		Updates []tagindex.Tagged `json:"updates"`
	}
	if status := getJSON(t, server, "/api/tags/Trade", &updates); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(updates.Updates) != 1 {
		t.Fatalf("Trade has %d updates, want 1", len(updates.Updates))
	}

	// Unknown tag is an empty result, not an error.
	if status := getJSON(t, server, "/api/tags/Nonexistent", &updates); status != http.StatusOK {
		t.Fatalf("unknown tag status = %d", status)
	}
	if len(updates.Updates) != 0 {
		t.Fatalf("unknown tag has %d updates", len(updates.Updates))
	}
}

func TestDocumentRoutes(t *testing.T) {
	server, store, index := testServer(t, 1<<20)
	seedUpdate(t, store, index, "www.gov.uk/guidance/a.html", "one\n", "two\n", "")

	var history struct {
		Revisions []docstore.Revision `json:"revisions"`
	}
	if status := getJSON(t, server, "/api/documents/www.gov.uk/guidance/a.html", &history); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(history.Revisions) != 2 {
		t.Fatalf("history has %d revisions, want 2", len(history.Revisions))
	}

	var revision struct {
		Content string `json:"content"`
	}
	path := "/api/documents/www.gov.uk/guidance/a.html/revisions/" + string(history.Revisions[0].ID)
	if status := getJSON(t, server, path, &revision); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if revision.Content != "one\n" {
		t.Errorf("content = %q", revision.Content)
	}

	if status := getJSON(t, server, "/api/documents/www.gov.uk/nope.html", nil); status != http.StatusNotFound {
		t.Fatalf("unknown document status = %d, want 404", status)
	}
}

// TestUpdateDiffResolvesListedTimestamp runs the real ingestion path
// (wall-clock commit times, not fixture timestamps) and then resolves
// the diff using exactly the timestamp the updates listing advertises.
func TestUpdateDiffResolvesListedTimestamp(t *testing.T) {
	server, store, index := testServer(t, 1<<20)

	var mu sync.Mutex
	content := `<html><body><main><p>first version</p></main></body></html>`
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(content))
	}))
	t.Cleanup(site.Close)
	host := site.Listener.Addr().String()

	pipeline := &ingest.Pipeline{
		Fetcher:     fetch.New(5*time.Second, 1<<20),
		Store:       store,
		Index:       index,
		TrackedHost: host,
	}
	docURL, err := url.Parse("http://" + host + "/guidance/doc")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := pipeline.HandleChange(ctx, mailbox.Change{URL: docURL, Change: "first"}); err != nil {
		t.Fatalf("ingest v1: %v", err)
	}
	mu.Lock()
	content = `<html><body><main><p>second version</p></main></body></html>`
	mu.Unlock()
	if err := pipeline.HandleChange(ctx, mailbox.Change{URL: docURL, Change: "changed"}); err != nil {
		t.Fatalf("ingest v2: %v", err)
	}

	var listing struct {
		Updates []tagindex.Tagged `json:"updates"`
	}
	if status := getJSON(t, server, "/api/updates", &listing); status != http.StatusOK {
		t.Fatalf("listing status = %d", status)
	}
	if len(listing.Updates) != 1 {
		t.Fatalf("listing has %d updates, want 1", len(listing.Updates))
	}
	advertised := listing.Updates[0].Timestamp

	diffPath := "/api/updates/" + url.PathEscape(advertised.Format(time.RFC3339Nano)) + "/" + listing.Updates[0].Path
	var body UpdateDiff
	if status := getJSON(t, server, diffPath, &body); status != http.StatusOK {
		t.Fatalf("diff by advertised timestamp = %d, want 200", status)
	}
	if body.Diff == nil || !body.Diff.Changed() {
		t.Fatalf("diff = %+v, want a non-empty diff", body.Diff)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	server, _, _ := testServer(t, 1<<20)

	if status := getJSON(t, server, "/api/nonsense", nil); status != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", status)
	}

	resp, err := http.Post(server.URL+"/api/updates", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", resp.StatusCode)
	}
}
