package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/catalog"
	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/telemetry"
)

// fakeCatalog returns a fixed result and counts calls.
type fakeCatalog struct {
	result *catalog.Result
	err    error
	calls  atomic.Int32
}

func (f *fakeCatalog) Search(_ context.Context, _ catalog.Query) (*catalog.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeIndex reports the configured slugs as installed.
type fakeIndex struct {
	mu        sync.Mutex
	installed map[string]string
	failing   map[string]bool
	calls     map[string]int
}

func newFakeIndex(installed map[string]string) *fakeIndex {
	return &fakeIndex{installed: installed, failing: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeIndex) Lookup(_ context.Context, slug string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[slug]++
	if f.failing[slug] {
		return "", false, errors.New("index unavailable")
	}
	file, ok := f.installed[slug]
	return file, ok, nil
}

func (f *fakeIndex) Ping(_ context.Context) error { return nil }

func allowedCaller() auth.Caller {
	return auth.Caller{
		ID:            "editor",
		Method:        "jwt",
		Scopes:        []string{string(auth.ScopeBlocksInstall), string(auth.ScopeBlocksActivate)},
		Authenticated: true,
	}
}

func record(slug string) catalog.Record {
	rec := sampleRecord()
	rec.Slug = slug
	rec.Blocks = catalog.Blocks{{Name: "acme/" + slug, Title: slug}}
	return rec
}

func resultOf(slugs ...string) *catalog.Result {
	res := &catalog.Result{Records: []catalog.Record{}}
	for _, s := range slugs {
		res.Records = append(res.Records, record(s))
	}
	res.Info = catalog.PageInfo{Page: 1, Pages: 3, Results: catalog.Number(len(slugs) * 3)}
	return res
}

func newTestService(cat catalog.Searcher, idx *fakeIndex) *Service {
	return NewService(Options{
		Checker:    auth.ScopeChecker{},
		Catalog:    cat,
		Index:      idx,
		Normalizer: testNormalizer(),
		Links:      NewLinkBuilder("https://site.example", config.LinksConfig{InstallPath: "/install", PluginPath: "/plugins"}),
		Workers:    3,
	})
}

func slugsOf(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestSearch_UnauthorizedBeforeNetwork(t *testing.T) {
	tests := []struct {
		name       string
		caller     auth.Caller
		wantStatus int
	}{
		{"anonymous", auth.Anonymous(), http.StatusUnauthorized},
		{"install only", auth.Caller{Authenticated: true, Scopes: []string{string(auth.ScopeBlocksInstall)}}, http.StatusForbidden},
		{"activate only", auth.Caller{Authenticated: true, Scopes: []string{string(auth.ScopeBlocksActivate)}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &fakeCatalog{result: resultOf("gallery")}
			svc := newTestService(cat, newFakeIndex(nil))

			_, err := svc.Search(context.Background(), tt.caller, Query{Term: "gallery", Page: 1, PerPage: 5})
			var derr *Error
			if !errors.As(err, &derr) || derr.Code != CodeCannotView {
				t.Fatalf("Search error = %v, want %s", err, CodeCannotView)
			}
			if derr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", derr.Status, tt.wantStatus)
			}
			if n := cat.calls.Load(); n != 0 {
				t.Errorf("catalog called %d times, want 0", n)
			}
		})
	}
}

func TestSearch_AdminScopeIsEnough(t *testing.T) {
	cat := &fakeCatalog{result: resultOf("gallery")}
	svc := newTestService(cat, newFakeIndex(nil))
	caller := auth.Caller{Authenticated: true, Scopes: []string{string(auth.ScopeAdmin)}}

	coll, err := svc.Search(context.Background(), caller, Query{Term: "gallery", Page: 1, PerPage: 5})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(coll.Items) != 1 {
		t.Errorf("items = %d, want 1", len(coll.Items))
	}
}

func TestSearch_UpstreamFailure(t *testing.T) {
	cat := &fakeCatalog{err: &catalog.UpstreamError{Outcome: "http_error", StatusCode: 502, Err: errors.New("bad gateway")}}
	svc := newTestService(cat, newFakeIndex(nil))

	_, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "gallery", Page: 1, PerPage: 5})
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("Search error = %v, want *Error", err)
	}
	if derr.Status != http.StatusInternalServerError || derr.Code != CodeUpstreamFailed {
		t.Errorf("error = (%s, %d), want (%s, 500)", derr.Code, derr.Status, CodeUpstreamFailed)
	}
	if derr.Details == "" {
		t.Error("upstream detail should be carried")
	}
	if n := cat.calls.Load(); n != 1 {
		t.Errorf("catalog called %d times, want exactly 1 (no retries)", n)
	}
}

func TestSearch_ExcludesInstalled(t *testing.T) {
	cat := &fakeCatalog{result: resultOf("contact-form", "gallery", "slider")}
	idx := newFakeIndex(map[string]string{"contact-form": "contact-form/contact-form.php"})
	svc := newTestService(cat, idx)

	before := testutil.ToFloat64(telemetry.SearchItemsSkippedTotal.WithLabelValues(SkipInstalled))
	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "contact-form", Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if got, want := slugsOf(coll.Items), []string{"gallery", "slider"}; !reflect.DeepEqual(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if after := testutil.ToFloat64(telemetry.SearchItemsSkippedTotal.WithLabelValues(SkipInstalled)); after-before != 1 {
		t.Errorf("installed skips = %v, want 1", after-before)
	}
}

func TestSearch_EndToEnd(t *testing.T) {
	slugs := []string{"gallery", "gallery-pro", "photo-grid", "lightbox", "carousel"}
	cat := &fakeCatalog{result: resultOf(slugs...)}
	svc := newTestService(cat, newFakeIndex(nil))

	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "gallery", Page: 1, PerPage: 5})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if got := slugsOf(coll.Items); !reflect.DeepEqual(got, slugs) {
		t.Fatalf("items = %v, want %v", got, slugs)
	}
	if coll.Total != 15 || coll.TotalPages != 3 {
		t.Errorf("totals = (%d, %d), want (15, 3)", coll.Total, coll.TotalPages)
	}
	for _, it := range coll.Items {
		if it.Name == "" || it.Title == "" || it.Description == "" || it.Author == "" ||
			it.Icon == "" || it.LastUpdated == "" || it.HumanizedUpdated == "" || len(it.Assets) == 0 {
			t.Errorf("item %s has empty fields: %+v", it.ID, it)
		}
		if len(it.Links.Install) != 1 || it.Links.Plugin != nil {
			t.Errorf("item %s links = %+v, want exactly one install link", it.ID, it.Links)
		}
		if want := "https://site.example/install?slug=" + it.ID; it.Links.Install[0].Href != want {
			t.Errorf("install href = %q, want %q", it.Links.Install[0].Href, want)
		}
	}
}

func TestSearch_PreservesOrderUnderConcurrency(t *testing.T) {
	var slugs []string
	for i := 0; i < 50; i++ {
		slugs = append(slugs, fmt.Sprintf("block-%02d", i))
	}
	cat := &fakeCatalog{result: resultOf(slugs...)}
	svc := newTestService(cat, newFakeIndex(map[string]string{"block-07": "block-07/block-07.php"}))

	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "block", Page: 1, PerPage: 50})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	want := append(append([]string{}, slugs[:7]...), slugs[8:]...)
	if got := slugsOf(coll.Items); !reflect.DeepEqual(got, want) {
		t.Errorf("order not preserved:\n got %v\nwant %v", got, want)
	}
}

func TestSearch_MalformedRecordSkipped(t *testing.T) {
	res := resultOf("gallery", "broken", "slider")
	res.Records[1].Blocks = nil
	svc := newTestService(&fakeCatalog{result: res}, newFakeIndex(nil))

	before := testutil.ToFloat64(telemetry.SearchItemsSkippedTotal.WithLabelValues(SkipMalformed))
	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "g", Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if got, want := slugsOf(coll.Items), []string{"gallery", "slider"}; !reflect.DeepEqual(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if after := testutil.ToFloat64(telemetry.SearchItemsSkippedTotal.WithLabelValues(SkipMalformed)); after-before != 1 {
		t.Errorf("malformed skips = %v, want 1", after-before)
	}
}

func TestSearch_UndecodableRecordSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{
			"info": {"page": 1, "pages": 1, "results": 3},
			"plugins": [
				{"slug": "good", "name": "Good", "rating": 80, "blocks": [{"name": "a/good", "title": "Good"}]},
				{"slug": "bad", "name": "Bad", "rating": "n/a", "blocks": [{"name": "a/bad", "title": "Bad"}]},
				{"slug": "also-good", "name": "Also Good", "blocks": [{"name": "a/also", "title": "Also"}]}
			]
		}`))
	}))
	t.Cleanup(srv.Close)

	idx := newFakeIndex(nil)
	svc := newTestService(catalog.NewClient(config.CatalogConfig{BaseURL: srv.URL}), idx)

	before := testutil.ToFloat64(telemetry.SearchItemsSkippedTotal.WithLabelValues(SkipMalformed))
	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "g", Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if got, want := slugsOf(coll.Items), []string{"good", "also-good"}; !reflect.DeepEqual(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if coll.Items[0].Rating != 4 {
		t.Errorf("rating = %v, want 4", coll.Items[0].Rating)
	}
	if after := testutil.ToFloat64(telemetry.SearchItemsSkippedTotal.WithLabelValues(SkipMalformed)); after-before != 1 {
		t.Errorf("malformed skips = %v, want 1", after-before)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.calls["bad"] != 0 {
		t.Errorf("index consulted %d times for an undecodable record", idx.calls["bad"])
	}
}

func TestSearch_LookupErrorSkipsItem(t *testing.T) {
	idx := newFakeIndex(nil)
	idx.failing["flaky"] = true
	svc := newTestService(&fakeCatalog{result: resultOf("gallery", "flaky")}, idx)

	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "g", Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if got, want := slugsOf(coll.Items), []string{"gallery"}; !reflect.DeepEqual(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
}

func TestSearch_EmptyIsSuccess(t *testing.T) {
	svc := newTestService(&fakeCatalog{result: &catalog.Result{Records: []catalog.Record{}}}, newFakeIndex(nil))
	coll, err := svc.Search(context.Background(), allowedCaller(), Query{Term: "zzz", Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if coll.Items == nil || len(coll.Items) != 0 {
		t.Errorf("items = %#v, want empty non-nil slice", coll.Items)
	}
}

func TestSearch_MemoizesLookupsPerRequest(t *testing.T) {
	res := resultOf("gallery", "gallery", "gallery")
	idx := newFakeIndex(nil)
	svc := newTestService(&fakeCatalog{result: res}, idx)

	q := Query{Term: "gallery", Page: 1, PerPage: 10}
	if _, err := svc.Search(context.Background(), allowedCaller(), q); err != nil {
		t.Fatal(err)
	}
	if idx.calls["gallery"] != 1 {
		t.Errorf("lookups in first request = %d, want 1", idx.calls["gallery"])
	}

	// state is not carried across requests
	idx.installed = map[string]string{"gallery": "gallery/gallery.php"}
	coll, err := svc.Search(context.Background(), allowedCaller(), q)
	if err != nil {
		t.Fatal(err)
	}
	if len(coll.Items) != 0 {
		t.Errorf("items = %v, want none once installed", slugsOf(coll.Items))
	}
	if idx.calls["gallery"] != 2 {
		t.Errorf("total lookups = %d, want 2", idx.calls["gallery"])
	}
}

func TestSearch_Idempotent(t *testing.T) {
	cat := &fakeCatalog{result: resultOf("a-block", "b-block", "c-block")}
	svc := newTestService(cat, newFakeIndex(map[string]string{"b-block": "b-block/b-block.php"}))
	q := Query{Term: "block", Page: 1, PerPage: 10}

	first, err := svc.Search(context.Background(), allowedCaller(), q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Search(context.Background(), allowedCaller(), q)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated searches differ:\n%+v\n%+v", first, second)
	}
}

func TestSearch_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cat := &fakeCatalog{err: context.Canceled}
	svc := newTestService(cat, newFakeIndex(nil))

	_, err := svc.Search(ctx, allowedCaller(), Query{Term: "g", Page: 1, PerPage: 10})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Search error = %v, want context.Canceled", err)
	}
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(Options{})
	if svc.workers != DefaultWorkers {
		t.Errorf("workers = %d, want %d", svc.workers, DefaultWorkers)
	}
	if _, ok := svc.checker.(auth.ScopeChecker); !ok {
		t.Errorf("checker = %T, want auth.ScopeChecker", svc.checker)
	}
}
