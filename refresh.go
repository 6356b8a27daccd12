package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"depiction-map/cluster"
)

// RefreshController rebuilds the display layer from the saved dataset and the
// current toggles. Concurrent refreshes are allowed; a build is swapped in unless a
// newer refresh already swapped its own, so the last request that completes a
// build wins. A newer refresh that fails supersedes nothing.
type RefreshController struct {
	layers *LayerManager

	optsMu sync.RWMutex
	opts   cluster.Options

	requested atomic.Uint64

	swapMu    sync.Mutex
	committed uint64
}

func NewRefreshController(layers *LayerManager, opts cluster.Options) *RefreshController {
	return &RefreshController{layers: layers, opts: opts}
}

// SetClusterOptions changes the grouping used by the next refresh.
func (rc *RefreshController) SetClusterOptions(opts cluster.Options) {
	rc.optsMu.Lock()
	rc.opts = opts
	rc.optsMu.Unlock()
}

func (rc *RefreshController) clusterOptions() cluster.Options {
	rc.optsMu.RLock()
	defer rc.optsMu.RUnlock()
	return rc.opts
}

// Refresh filters the dataset, builds one marker per surviving record, groups them
// into a new layer and swaps it onto the surface. Records that cannot be rendered
// are skipped and counted in the layer.
func (rc *RefreshController) Refresh(ctx context.Context, dataset Dataset, cfg FilterConfig) (*DisplayLayer, error) {
	gen := rc.begin()
	start := time.Now()

	ctx, span := StartSpan(ctx, "map.refresh")
	defer span.End()

	layer, err := rc.build(ctx, dataset, cfg)
	if err == nil {
		err = rc.commit(gen, layer)
	}

	result := "applied"
	switch {
	case errors.Is(err, ErrRefreshSuperseded):
		result = "superseded"
	case err != nil:
		result = "cancelled"
	}
	rc.record(ctx, span, start, result, layer, cfg, err)

	if err != nil {
		return nil, err
	}
	return layer, nil
}

// Build filters and groups the dataset like Refresh but leaves the surface alone.
// Per-viewer layers are built this way.
func (rc *RefreshController) Build(ctx context.Context, dataset Dataset, cfg FilterConfig) (*DisplayLayer, error) {
	start := time.Now()
	ctx, span := StartSpan(ctx, "map.build")
	defer span.End()

	layer, err := rc.build(ctx, dataset, cfg)
	result := "built"
	if err != nil {
		result = "cancelled"
	}
	rc.record(ctx, span, start, result, layer, cfg, err)
	return layer, err
}

func (rc *RefreshController) record(ctx context.Context, span oteltrace.Span, start time.Time, result string, layer *DisplayLayer, cfg FilterConfig, err error) {
	markers, skipped, layerID := 0, 0, ""
	if layer != nil {
		markers, skipped, layerID = len(layer.Markers), layer.Skipped, layer.ID
	}
	duration := time.Since(start)
	AddSpanAttributes(span, map[string]interface{}{"result": result, "markers": markers, "skipped": skipped})
	GetMetricsCollector().RecordRefresh(result, markers, skipped, duration)
	GetLogger().LogRefresh(ctx, layerID, cfg, markers, skipped, duration, err)
}

func (rc *RefreshController) begin() uint64 {
	return rc.requested.Add(1)
}

func (rc *RefreshController) build(ctx context.Context, dataset Dataset, cfg FilterConfig) (*DisplayLayer, error) {
	selected := SelectRecords(dataset, cfg)
	markers := make([]Marker, 0, len(selected))
	skipped := 0

	for _, kr := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := NewMarker(kr)
		if err != nil {
			skipped++
			GetLogger().WithContext(ctx).WithError(err).Warn("Skipping record that cannot be displayed")
			continue
		}
		markers = append(markers, m)
	}

	return NewDisplayLayer(markers, cfg, skipped, rc.clusterOptions()), nil
}

func (rc *RefreshController) commit(gen uint64, layer *DisplayLayer) error {
	rc.swapMu.Lock()
	defer rc.swapMu.Unlock()

	if gen <= rc.committed {
		return ErrRefreshSuperseded
	}
	rc.committed = gen
	rc.layers.Swap(layer)
	return nil
}
