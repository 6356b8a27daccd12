package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gin-gonic/gin"
)

type testApp struct {
	router     *gin.Engine
	controller *MapController
	sources    *SourceSet
	source     *Source
	auth       *AdminAuth
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dataset := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(controllerDataset))
	}))
	t.Cleanup(dataset.Close)

	mc, _, _ := newTestController(t, dataset.URL, dataset.Client())
	fetcher := &fakeFetcher{records: []PointRecord{
		{Name: "Smok", Pos: pos(50, 19), SourceURL: "https://www.openstreetmap.org/node/42", ElementIDs: []ElementID{{OSM: 42}}},
	}}
	ss, src, _ := newTestSourceSet(t, fetcher, nil)

	cfg := &Config{
		Map:      MapConfig{LoadTimeout: 5 * time.Second},
		Security: SecurityConfig{EnableCORS: true, CORSOrigins: []string{"https://maps.example.org"}},
		JWT:      testJWTConfig(),
	}
	auth := NewAdminAuth(cfg.JWT)

	router, err := NewRouter(&Server{
		Config:      cfg,
		Controller:  mc,
		Sources:     ss,
		Auth:        auth,
		Health:      NewHealthMonitor(time.Minute, nil),
		Shutdown:    NewShutdownManager(nil, time.Second),
		BaseContext: context.Background(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &testApp{router: router, controller: mc, sources: ss, source: src, auth: auth}
}

func (a *testApp) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) bearer(t *testing.T) map[string]string {
	t.Helper()
	token, err := a.auth.GenerateAdminToken("operator")
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestCategoryEndpoint(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/depiction/dragon.json", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Fatalf("before any fetch: %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	if _, err := app.sources.UpdateIfNeeded(context.Background(), app.source); err != nil {
		t.Fatal(err)
	}
	w = app.do(http.MethodGet, "/depiction/dragon.json", "", nil)
	var records []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil || len(records) != 1 {
		t.Fatalf("after fetch: %s (%v)", w.Body.String(), err)
	}
	if records[0]["name"] != "Smok" {
		t.Errorf("record = %v", records[0])
	}

	for _, path := range []string{"/depiction/unicorn.json", "/depiction/dragon"} {
		w := app.do(http.MethodGet, path, "", nil)
		if w.Code != http.StatusNotFound || w.Body.String() != "category does not exist" {
			t.Errorf("%s: %d %q", path, w.Code, w.Body.String())
		}
	}
}

func TestStaticPages(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("index: %d", w.Code)
	}
	doc, err := goquery.NewDocumentFromReader(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Find("#map").Length() != 1 {
		t.Error("index has no map element")
	}
	panel := doc.Find("#panel")
	if _, hidden := panel.Attr("hidden"); !hidden {
		t.Error("the side panel must stay hidden until the data is ready")
	}
	if panel.Find("#panel-toggle").Length() != 1 || panel.Find("input[type=checkbox]").Length() != 2 {
		t.Error("the side panel needs its collapse button and both toggles")
	}

	w = app.do(http.MethodGet, "/static/code.js", "", nil)
	for _, want := range []string{"updateStatus", "showPanel", "exclude_exhibits: filters.exclude_exhibits"} {
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), want) {
			t.Errorf("code.js: %d, missing %q", w.Code, want)
		}
	}
}

func TestMapEndpoints(t *testing.T) {
	app := newTestApp(t)
	bearer := app.bearer(t)

	if w := app.do(http.MethodGet, "/api/map/layer", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("layer before load: %d", w.Code)
	}
	if w := app.do(http.MethodPut, "/api/admin/filters", `{"exclude_exhibits": true}`, bearer); w.Code != http.StatusConflict {
		t.Errorf("filters before load: %d", w.Code)
	}
	if w := app.do(http.MethodGet, "/readyz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before load: %d", w.Code)
	}

	if err := app.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Recorded while unloaded, applied by Start.
	if f := app.controller.Filters(); !f.ExcludeExhibits {
		t.Errorf("filters = %+v", f)
	}

	tests := []struct {
		name     string
		query    string
		features int
	}{
		{"session toggles", "", 2},
		{"viewer shows exhibits", "&exclude_exhibits=false", 3},
		{"viewer wants missing images", "&exclude_exhibits=false&missing_image_only=true", 2},
		{"viewer with both toggles", "&missing_image_only=true", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(http.MethodGet, "/api/map/layer?bbox=-180,-90,180,90&zoom=19"+tt.query, "", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("layer: %d %s", w.Code, w.Body.String())
			}
			var fc struct {
				Type     string            `json:"type"`
				Features []json.RawMessage `json:"features"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &fc); err != nil {
				t.Fatal(err)
			}
			if fc.Type != "FeatureCollection" || len(fc.Features) != tt.features {
				t.Errorf("collection type %q with %d features, want %d", fc.Type, len(fc.Features), tt.features)
			}
		})
	}
	if f := app.controller.Filters(); !f.ExcludeExhibits || f.MissingImageOnly {
		t.Errorf("viewer toggles leaked into the session: %+v", f)
	}

	for _, query := range []string{"bbox=1,2,3", "exclude_exhibits=maybe", "zoom=x"} {
		if w := app.do(http.MethodGet, "/api/map/layer?"+query, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: %d", query, w.Code)
		}
	}

	if w := app.do(http.MethodPut, "/api/admin/filters", `{"missing_image_only": true}`, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("session filters without token: %d", w.Code)
	}
	w := app.do(http.MethodPut, "/api/admin/filters", `{"exclude_exhibits": false, "missing_image_only": true}`, bearer)
	var summary LayerSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil || w.Code != http.StatusOK {
		t.Fatalf("filters: %d %s", w.Code, w.Body.String())
	}
	if summary.Markers != 2 || !summary.Filters.MissingImageOnly {
		t.Errorf("summary = %+v", summary)
	}

	if w := app.do(http.MethodGet, "/api/map/status", "", nil); !strings.Contains(w.Body.String(), "ready to use!") {
		t.Errorf("status: %s", w.Body.String())
	}
	if w := app.do(http.MethodGet, "/readyz", "", nil); w.Code != http.StatusOK {
		t.Errorf("readyz after load: %d %s", w.Code, w.Body.String())
	}
}

func TestAdminEndpoints(t *testing.T) {
	app := newTestApp(t)

	if w := app.do(http.MethodGet, "/api/admin/sources", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("without token: %d", w.Code)
	}

	bearer := app.bearer(t)

	w := app.do(http.MethodGet, "/api/admin/sources", "", bearer)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "osm_dragon") {
		t.Errorf("sources: %d %s", w.Code, w.Body.String())
	}

	w = app.do(http.MethodPost, "/api/admin/reload", "", bearer)
	if w.Code != http.StatusOK || !app.controller.Loaded() {
		t.Errorf("reload: %d %s", w.Code, w.Body.String())
	}
}

func TestCORSMiddleware(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodOptions, "/api/map/status", "", map[string]string{"Origin": "https://maps.example.org"})
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://maps.example.org" {
		t.Errorf("allowed origin = %q", got)
	}

	w = app.do(http.MethodGet, "/healthz", "", map[string]string{"Origin": "https://evil.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected origin %q", got)
	}
}

func TestParseBBox(t *testing.T) {
	if _, err := parseBBox("0,10,5,1"); err == nil {
		t.Error("south above north accepted")
	}
	b, err := parseBBox("19.8, 50.0, 20.1, 50.1")
	if err != nil || b.Min.Lat() != 50.0 || b.Max.Lon() != 20.1 {
		t.Errorf("parseBBox = %+v, %v", b, err)
	}
}
