package main

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"depiction-map/cluster"
)

// recordingSurface fails the test if a layer is attached while another one still is.
type recordingSurface struct {
	t *testing.T

	mu       sync.Mutex
	attached map[string]*DisplayLayer
	added    int
	removed  int
}

func newRecordingSurface(t *testing.T) *recordingSurface {
	return &recordingSurface{t: t, attached: make(map[string]*DisplayLayer)}
}

func (s *recordingSurface) AddLayer(layer *DisplayLayer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attached) != 0 {
		s.t.Errorf("layer %s attached while %d layer(s) still attached", layer.ID, len(s.attached))
	}
	s.attached[layer.ID] = layer
	s.added++
}

func (s *recordingSurface) RemoveLayer(layer *DisplayLayer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[layer.ID]; !ok {
		s.t.Errorf("removing layer %s that is not attached", layer.ID)
	}
	delete(s.attached, layer.ID)
	s.removed++
}

func (s *recordingSurface) attachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

func sampleDataset() Dataset {
	return Dataset{
		"0": {Name: "Smok Wawelski", Pos: pos(50.0532, 19.9336), SourceURL: "https://www.openstreetmap.org/node/1", Nature: "statue"},
		"1": {Name: "Museum dragon", Pos: pos(48.8606, 2.3376), SourceURL: "https://www.wikidata.org/entity/Q2", IsInExhibit: true},
		"2": {Name: "With image", Pos: pos(51.5007, -0.1246), SourceURL: "u", Image: &ImageSource{URL: "https://img/x.jpg"}},
		"3": {Name: "No position", SourceURL: "u"},
	}
}

func newTestRefresher(t *testing.T) (*RefreshController, *LayerManager, *recordingSurface) {
	surface := newRecordingSurface(t)
	layers := NewLayerManager(surface)
	return NewRefreshController(layers, cluster.DefaultOptions()), layers, surface
}

func TestRefreshBuildsAndAttachesLayer(t *testing.T) {
	rc, layers, surface := newTestRefresher(t)

	layer, err := rc.Refresh(context.Background(), sampleDataset(), FilterConfig{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(layer.Markers) != 3 {
		t.Errorf("expected 3 markers, got %d", len(layer.Markers))
	}
	if layers.Active() != layer {
		t.Error("refreshed layer is not active")
	}
	if surface.attachedCount() != 1 {
		t.Errorf("expected one attached layer, got %d", surface.attachedCount())
	}

	fc := layer.GeoJSON(cluster.World, 19)
	if len(fc.Features) != 3 {
		t.Fatalf("expected 3 features at max zoom, got %d", len(fc.Features))
	}
	for _, f := range fc.Features {
		popup, _ := f.Properties["popup"].(string)
		if popup == "" {
			t.Errorf("feature %v has no popup", f.Properties["key"])
		}
	}
}

func TestRefreshTwiceLeavesExactlyOneLayer(t *testing.T) {
	rc, layers, surface := newTestRefresher(t)
	ds := sampleDataset()

	first, err := rc.Refresh(context.Background(), ds, FilterConfig{})
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	second, err := rc.Refresh(context.Background(), ds, FilterConfig{ExcludeExhibits: true})
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if first.ID == second.ID {
		t.Fatal("expected a new layer")
	}
	if surface.attachedCount() != 1 || surface.removed != 1 {
		t.Errorf("attached=%d removed=%d", surface.attachedCount(), surface.removed)
	}
	if layers.Active() != second {
		t.Error("second layer should be active")
	}
	if len(second.Markers) != 2 {
		t.Errorf("exclude exhibits: expected 2 markers, got %d", len(second.Markers))
	}
	if len(first.Markers) != 3 {
		t.Errorf("first layer was mutated: %d markers", len(first.Markers))
	}
}

func TestRefreshEmptyDatasetAttachesEmptyLayer(t *testing.T) {
	rc, layers, _ := newTestRefresher(t)

	layer, err := rc.Refresh(context.Background(), Dataset{}, FilterConfig{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(layer.Markers) != 0 || layers.Active() != layer {
		t.Errorf("expected an active empty layer, got %+v", layer.Summary())
	}
}

func TestRefreshSkipsUnrenderableRecords(t *testing.T) {
	rc, _, _ := newTestRefresher(t)
	ds := Dataset{
		"ok":       {Name: "ok", Pos: pos(10, 10), SourceURL: "u"},
		"far":      {Name: "far", Pos: pos(123, 10), SourceURL: "u"},
		"infinite": {Name: "inf", Pos: pos(math.Inf(1), 0), SourceURL: "u"},
	}

	layer, err := rc.Refresh(context.Background(), ds, FilterConfig{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(layer.Markers) != 1 || layer.Markers[0].Key != "ok" {
		t.Errorf("expected only the valid record, got %+v", layer.Markers)
	}
	if layer.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", layer.Skipped)
	}
}

func TestNewMarkerRenderError(t *testing.T) {
	_, err := NewMarker(KeyedRecord{Key: "x", Record: PointRecord{Pos: pos(0, 200)}})
	var renderErr *RenderError
	if !errors.As(err, &renderErr) || renderErr.Key != "x" {
		t.Fatalf("expected RenderError for x, got %v", err)
	}

	m, err := NewMarker(KeyedRecord{Key: "y", Record: PointRecord{Pos: pos(50, 19), Name: "n"}})
	if err != nil {
		t.Fatalf("NewMarker: %v", err)
	}
	if !m.Position.Equal(orb.Point{19, 50}) {
		t.Errorf("marker position %v should be [lon, lat]", m.Position)
	}
}

func TestCommitDiscardsStaleBuild(t *testing.T) {
	rc, layers, _ := newTestRefresher(t)

	older := rc.begin()
	newer := rc.begin()

	stale := NewDisplayLayer(nil, FilterConfig{}, 0, cluster.DefaultOptions())
	fresh := NewDisplayLayer(nil, FilterConfig{ExcludeExhibits: true}, 0, cluster.DefaultOptions())

	if err := rc.commit(newer, fresh); err != nil {
		t.Fatalf("commit newer: %v", err)
	}
	if err := rc.commit(older, stale); !errors.Is(err, ErrRefreshSuperseded) {
		t.Fatalf("expected ErrRefreshSuperseded, got %v", err)
	}
	if layers.Active() != fresh {
		t.Error("stale build replaced the newer layer")
	}
}

func TestConcurrentRefreshesKeepOneLayer(t *testing.T) {
	rc, layers, surface := newTestRefresher(t)
	ds := sampleDataset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := FilterConfig{ExcludeExhibits: i%2 == 0, MissingImageOnly: i%3 == 0}
			if _, err := rc.Refresh(context.Background(), ds, cfg); err != nil && !errors.Is(err, ErrRefreshSuperseded) {
				t.Errorf("refresh %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if surface.attachedCount() != 1 {
		t.Fatalf("expected exactly one attached layer, got %d", surface.attachedCount())
	}
	if layers.Active() == nil {
		t.Fatal("no active layer")
	}
}

func TestRefreshCancelled(t *testing.T) {
	rc, layers, _ := newTestRefresher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := rc.Refresh(ctx, sampleDataset(), FilterConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if layers.Active() != nil {
		t.Error("cancelled refresh must not attach a layer")
	}
}

func TestFailedNewerRefreshDoesNotSupersede(t *testing.T) {
	tests := []struct {
		name  string
		newer func(rc *RefreshController) error
	}{
		{"newer cancelled before building", func(rc *RefreshController) error {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := rc.Refresh(ctx, sampleDataset(), FilterConfig{ExcludeExhibits: true})
			return err
		}},
		{"newer timed out", func(rc *RefreshController) error {
			ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
			defer cancel()
			_, err := rc.Refresh(ctx, sampleDataset(), FilterConfig{MissingImageOnly: true})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, layers, surface := newTestRefresher(t)

			older := rc.begin()
			layer, err := rc.build(context.Background(), sampleDataset(), FilterConfig{})
			if err != nil {
				t.Fatalf("build: %v", err)
			}

			if err := tt.newer(rc); err == nil || errors.Is(err, ErrRefreshSuperseded) {
				t.Fatalf("expected the newer refresh to fail on its context, got %v", err)
			}
			if err := rc.commit(older, layer); err != nil {
				t.Fatalf("older build was discarded: %v", err)
			}
			if layers.Active() != layer || surface.attachedCount() != 1 {
				t.Errorf("active=%v attached=%d", layers.Active() == layer, surface.attachedCount())
			}
		})
	}
}

func TestRefreshAlongsideCancelledRefreshAttachesLayer(t *testing.T) {
	rc, layers, _ := newTestRefresher(t)

	ds := make(Dataset, 20000)
	for i := 0; i < 20000; i++ {
		ds[strconv.Itoa(i)] = PointRecord{Name: "d", Pos: pos(float64(i%180)-89.5, float64(i%360)-179.5), SourceURL: "u"}
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	var good, bad error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, good = rc.Refresh(context.Background(), ds, FilterConfig{})
	}()
	go func() {
		defer wg.Done()
		_, bad = rc.Refresh(cancelled, ds, FilterConfig{ExcludeExhibits: true})
	}()
	wg.Wait()

	if good != nil {
		t.Fatalf("good refresh: %v", good)
	}
	if !errors.Is(bad, context.Canceled) {
		t.Fatalf("cancelled refresh: %v", bad)
	}
	if active := layers.Active(); active == nil || len(active.Markers) != len(ds) {
		t.Fatal("the completed refresh must be displayed")
	}
}

func TestBuildLeavesSurfaceAlone(t *testing.T) {
	rc, layers, surface := newTestRefresher(t)

	layer, err := rc.Build(context.Background(), sampleDataset(), FilterConfig{MissingImageOnly: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(layer.Markers) != 2 {
		t.Errorf("expected 2 markers without image, got %d", len(layer.Markers))
	}
	if layers.Active() != nil || surface.attachedCount() != 0 {
		t.Error("Build must not attach a layer")
	}
}
