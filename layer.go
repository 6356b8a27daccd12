package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"depiction-map/cluster"
)

// Marker is a positioned popup ready to be clustered.
type Marker struct {
	Key      string
	Position orb.Point
	Name     string
	Popup    string
}

// NewMarker builds the marker of a filtered record. A position outside the WGS84
// range yields a RenderError; callers skip the record.
func NewMarker(kr KeyedRecord) (Marker, error) {
	p := kr.Record.Pos
	if p == nil {
		return Marker{}, &RenderError{Key: kr.Key, Reason: "no position"}
	}
	if !p.Valid() {
		return Marker{}, &RenderError{Key: kr.Key, Reason: "position out of range"}
	}

	return Marker{
		Key:      kr.Key,
		Position: orb.Point{p.Lon, p.Lat},
		Name:     kr.Record.Name,
		Popup:    BuildPopup(kr.Record),
	}, nil
}

// DisplayLayer is an immutable, clustered set of markers. A new filter state produces
// a new layer; an attached layer is never modified.
type DisplayLayer struct {
	ID        string
	Markers   []Marker
	Filters   FilterConfig
	Skipped   int
	CreatedAt time.Time

	index *cluster.Index
}

// NewDisplayLayer groups the markers into one cluster index.
func NewDisplayLayer(markers []Marker, filters FilterConfig, skipped int, opts cluster.Options) *DisplayLayer {
	points := make([]cluster.Point, len(markers))
	for i, m := range markers {
		points[i] = cluster.Point{
			ID:  uint32(i),
			Lng: m.Position.Lon(),
			Lat: m.Position.Lat(),
			Properties: map[string]interface{}{
				"key":   m.Key,
				"name":  m.Name,
				"popup": m.Popup,
			},
		}
	}

	index := cluster.New(opts)
	index.Load(points)

	return &DisplayLayer{
		ID:        uuid.New().String(),
		Markers:   markers,
		Filters:   filters,
		Skipped:   skipped,
		CreatedAt: time.Now(),
		index:     index,
	}
}

// GeoJSON returns the clusters and markers visible in bounds at zoom.
func (l *DisplayLayer) GeoJSON(bounds orb.Bound, zoom int) *geojson.FeatureCollection {
	return l.index.GeoJSON(bounds, zoom)
}

// LayerSummary is what clients are told about a layer change.
type LayerSummary struct {
	LayerID   string       `json:"layer_id"`
	Markers   int          `json:"markers"`
	Skipped   int          `json:"skipped"`
	Filters   FilterConfig `json:"filters"`
	CreatedAt time.Time    `json:"created_at"`
}

func (l *DisplayLayer) Summary() LayerSummary {
	return LayerSummary{
		LayerID:   l.ID,
		Markers:   len(l.Markers),
		Skipped:   l.Skipped,
		Filters:   l.Filters,
		CreatedAt: l.CreatedAt,
	}
}

// MapSurface is the display the layers are attached to.
type MapSurface interface {
	AddLayer(layer *DisplayLayer)
	RemoveLayer(layer *DisplayLayer)
}

// LayerManager keeps at most one layer attached to its surface.
type LayerManager struct {
	surface MapSurface

	mu     sync.RWMutex
	active *DisplayLayer
}

func NewLayerManager(surface MapSurface) *LayerManager {
	return &LayerManager{surface: surface}
}

// Swap detaches the active layer, if any, then attaches layer and makes it active.
// Readers of Active never observe the gap between the two.
func (lm *LayerManager) Swap(layer *DisplayLayer) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.active != nil {
		lm.surface.RemoveLayer(lm.active)
	}
	lm.active = layer
	lm.surface.AddLayer(layer)
}

// Active returns the attached layer, or nil before the first swap.
func (lm *LayerManager) Active() *DisplayLayer {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.active
}
