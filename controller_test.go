package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"depiction-map/cluster"
)

type recordingPublisher struct {
	mu            sync.Mutex
	phases        []Phase
	notifications []string
}

func (p *recordingPublisher) PublishStatus(status StatusSnapshot) {
	p.mu.Lock()
	p.phases = append(p.phases, status.Phase)
	p.mu.Unlock()
}

func (p *recordingPublisher) Notify(message string) {
	p.mu.Lock()
	p.notifications = append(p.notifications, message)
	p.mu.Unlock()
}

func newTestController(t *testing.T, url string, client *http.Client) (*MapController, *recordingSurface, *recordingPublisher) {
	surface := newRecordingSurface(t)
	layers := NewLayerManager(surface)
	publisher := &recordingPublisher{}
	mc := NewMapController(
		NewDataLoader(client),
		NewRefreshController(layers, cluster.DefaultOptions()),
		layers,
		NewStatusBoard(publisher),
		url,
		FilterConfig{},
	)
	return mc, surface, publisher
}

const controllerDataset = `{
	"0": {"name": "Statue", "pos": [50.05, 19.93], "source_url": "https://www.openstreetmap.org/node/1"},
	"1": {"name": "Exhibit", "pos": [48.86, 2.33], "source_url": "u", "is_in_exhibit": true},
	"2": {"name": "Pictured", "pos": [51.5, -0.12], "source_url": "u", "image": {"url": "https://img/x.jpg"}}
}`

func TestMapControllerStartAndToggle(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(controllerDataset))
	}))
	defer srv.Close()

	mc, surface, publisher := newTestController(t, srv.URL, srv.Client())
	ctx := context.Background()

	if err := mc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := mc.Status().Phase; got != PhaseReady {
		t.Errorf("phase = %q, want %q", got, PhaseReady)
	}
	if got := mc.Status().Text; got != "status: ready to use!" {
		t.Errorf("text = %q", got)
	}
	if n := len(mc.ActiveLayer().Markers); n != 3 {
		t.Errorf("expected 3 markers, got %d", n)
	}

	layer, err := mc.SetFilters(ctx, FilterConfig{ExcludeExhibits: true, MissingImageOnly: true})
	if err != nil {
		t.Fatalf("SetFilters: %v", err)
	}
	if len(layer.Markers) != 1 || layer.Markers[0].Key != "0" {
		t.Errorf("expected only record 0, got %+v", layer.Markers)
	}
	if !mc.Filters().ExcludeExhibits {
		t.Error("filters were not recorded")
	}
	if hits.Load() != 1 {
		t.Errorf("toggling must not refetch: %d requests", hits.Load())
	}
	if surface.attachedCount() != 1 {
		t.Errorf("expected one attached layer, got %d", surface.attachedCount())
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	want := []Phase{PhaseLoadingPage, PhaseFetching, PhaseProcessing, PhaseReady}
	if len(publisher.phases) != len(want) {
		t.Fatalf("phases = %v, want %v", publisher.phases, want)
	}
	for i := range want {
		if publisher.phases[i] != want[i] {
			t.Errorf("phase[%d] = %q, want %q", i, publisher.phases[i], want[i])
		}
	}
}

func TestMapControllerLoadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mc, surface, publisher := newTestController(t, srv.URL, srv.Client())

	err := mc.Start(context.Background())
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if mc.Status().Phase != PhaseFailure {
		t.Errorf("phase = %q, want failure", mc.Status().Phase)
	}
	if mc.Status().Notification != "No valid response received" {
		t.Errorf("notification = %q", mc.Status().Notification)
	}
	if surface.attachedCount() != 0 || mc.ActiveLayer() != nil {
		t.Error("no layer may be attached after a failed load")
	}

	publisher.mu.Lock()
	if len(publisher.notifications) != 1 {
		t.Errorf("expected one notification, got %v", publisher.notifications)
	}
	publisher.mu.Unlock()

	if _, err := mc.SetFilters(context.Background(), FilterConfig{ExcludeExhibits: true}); !errors.Is(err, ErrDatasetNotLoaded) {
		t.Errorf("expected ErrDatasetNotLoaded, got %v", err)
	}
	if !mc.Filters().ExcludeExhibits {
		t.Error("toggles must still be recorded before the dataset arrives")
	}
}

func TestMapControllerReloadKeepsLayerOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(controllerDataset))
	}))
	defer srv.Close()

	mc, _, _ := newTestController(t, srv.URL, srv.Client())
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := mc.ActiveLayer()

	fail.Store(true)
	if err := mc.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if mc.ActiveLayer() != before {
		t.Error("failed reload replaced the displayed layer")
	}
	if !mc.Loaded() {
		t.Error("previous dataset should remain loaded")
	}
}

func TestMapControllerFollowsPublishedCategory(t *testing.T) {
	fetcher := &fakeFetcher{records: []PointRecord{
		{Name: "Smok", Pos: pos(50.05, 19.93), SourceURL: "https://www.openstreetmap.org/node/42", ElementIDs: []ElementID{{OSM: 42}}},
		{Name: "Exhibit", Pos: pos(48.86, 2.33), SourceURL: "u", IsInExhibit: true},
	}}
	ss, src, _ := newTestSourceSet(t, fetcher, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, err := ss.Display().Get("dragon")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Write(entry.JSON)
	}))
	defer srv.Close()

	mc, _, _ := newTestController(t, srv.URL, srv.Client())
	ss.OnPublish(mc.FollowCategory(context.Background(), "dragon", time.Second))

	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(mc.ActiveLayer().Markers); n != 0 {
		t.Fatalf("nothing published yet, got %d markers", n)
	}

	if updated, err := ss.UpdateIfNeeded(context.Background(), src); err != nil || !updated {
		t.Fatalf("UpdateIfNeeded: %v, %v", updated, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(mc.ActiveLayer().Markers) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("map did not follow the update: %d markers", len(mc.ActiveLayer().Markers))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMapControllerIgnoresOtherCategories(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(controllerDataset))
	}))
	defer srv.Close()

	mc, _, _ := newTestController(t, srv.URL, srv.Client())
	hook := mc.FollowCategory(context.Background(), "dragon", time.Second)
	hook("lion")

	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 0 {
		t.Errorf("another category triggered %d loads", hits.Load())
	}
}

func TestMapControllerLayerForKeepsViewersApart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(controllerDataset))
	}))
	defer srv.Close()

	mc, surface, _ := newTestController(t, srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := mc.LayerFor(ctx, FilterConfig{}); !errors.Is(err, ErrDatasetNotLoaded) {
		t.Fatalf("expected ErrDatasetNotLoaded, got %v", err)
	}
	if err := mc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session := mc.ActiveLayer()

	tests := []struct {
		name string
		cfg  FilterConfig
		want int
	}{
		{"session toggles", FilterConfig{}, 3},
		{"exclude exhibits", FilterConfig{ExcludeExhibits: true}, 2},
		{"missing image only", FilterConfig{MissingImageOnly: true}, 2},
		{"both", FilterConfig{ExcludeExhibits: true, MissingImageOnly: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer, err := mc.LayerFor(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("LayerFor: %v", err)
			}
			if len(layer.Markers) != tt.want {
				t.Errorf("expected %d markers, got %d", tt.want, len(layer.Markers))
			}
			again, _ := mc.LayerFor(ctx, tt.cfg)
			if again != layer {
				t.Error("layer of the same toggles was rebuilt")
			}
		})
	}

	if mc.ActiveLayer() != session || mc.Filters() != (FilterConfig{}) {
		t.Error("a viewer's toggles changed the session")
	}
	if layer, _ := mc.LayerFor(ctx, FilterConfig{}); layer != session {
		t.Error("the session layer should serve viewers with the session toggles")
	}
	if surface.added != 1 {
		t.Errorf("viewer layers must not be attached, %d attached", surface.added)
	}

	if err := mc.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if layer, _ := mc.LayerFor(ctx, FilterConfig{ExcludeExhibits: true}); layer.CreatedAt.Before(mc.ActiveLayer().CreatedAt) {
		t.Error("viewer layer of the previous dataset was kept after a reload")
	}
}

func TestMapControllerKeepsTogglesOfFailedRedraw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(controllerDataset))
	}))
	defer srv.Close()

	mc, _, _ := newTestController(t, srv.URL, srv.Client())
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mc.SetFilters(ctx, FilterConfig{ExcludeExhibits: true}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mc.Filters() != mc.ActiveLayer().Filters {
		t.Errorf("toggles %+v do not match the displayed layer %+v", mc.Filters(), mc.ActiveLayer().Filters)
	}
}
