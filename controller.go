package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MapController owns the map session: the saved dataset, the session toggles and
// the pipeline that turns them into the displayed layer. Viewers with their own
// toggles get layers from LayerFor, one per toggle combination. Built once at startup.
type MapController struct {
	loader     *DataLoader
	refresher  *RefreshController
	layers     *LayerManager
	status     *StatusBoard
	datasetURL string

	mu         sync.RWMutex
	dataset    Dataset
	loaded     bool
	filters    FilterConfig
	generation uint64
	views      map[FilterConfig]*DisplayLayer

	reloads singleflight.Group
	builds  singleflight.Group
}

func NewMapController(loader *DataLoader, refresher *RefreshController, layers *LayerManager, status *StatusBoard, datasetURL string, filters FilterConfig) *MapController {
	return &MapController{
		loader:     loader,
		refresher:  refresher,
		layers:     layers,
		status:     status,
		datasetURL: datasetURL,
		filters:    filters,
	}
}

// Start fetches the dataset once and displays it with the current toggles.
// On failure the user is notified and no layer is attached.
func (mc *MapController) Start(ctx context.Context) error {
	return mc.load(ctx)
}

// Reload fetches the dataset again. Concurrent calls share one fetch.
func (mc *MapController) Reload(ctx context.Context) error {
	_, err, _ := mc.reloads.Do("reload", func() (interface{}, error) {
		return nil, mc.load(ctx)
	})
	return err
}

func (mc *MapController) load(ctx context.Context) error {
	mc.status.Set(PhaseFetching)

	ds, err := mc.loader.Load(ctx, mc.datasetURL)
	if err != nil {
		GetLogger().WithContext(ctx).WithError(err).Error("Dataset load failed")
		mc.status.Fail(loadFailureMessage)
		return err
	}

	mc.mu.Lock()
	mc.dataset = ds
	mc.loaded = true
	mc.generation++
	mc.views = make(map[FilterConfig]*DisplayLayer)
	gen, cfg := mc.generation, mc.filters
	mc.mu.Unlock()

	mc.status.Set(PhaseProcessing)
	layer, err := mc.refresher.Refresh(ctx, ds, cfg)
	if err != nil {
		if errors.Is(err, ErrRefreshSuperseded) {
			mc.status.Set(PhaseReady)
			return nil
		}
		mc.status.Fail("Could not display the data")
		return err
	}

	mc.remember(gen, cfg, layer)
	mc.status.Set(PhaseReady)
	return nil
}

// FollowCategory returns a publish hook that reloads the dataset in the background
// each time category is republished, so the map follows source updates.
func (mc *MapController) FollowCategory(ctx context.Context, category string, timeout time.Duration) func(string) {
	return func(published string) {
		if published != category {
			return
		}
		go func() {
			ctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := mc.Reload(ctx); err != nil {
				GetLogger().WithError(err).WithFields(LogFields{"category": category}).Warn("Reload after source update failed")
			}
		}()
	}
}

// SetFilters records new session toggles and redraws from the saved dataset
// without fetching it again. When the redraw fails the previous toggles are kept.
func (mc *MapController) SetFilters(ctx context.Context, cfg FilterConfig) (*DisplayLayer, error) {
	mc.mu.Lock()
	prev := mc.filters
	mc.filters = cfg
	ds, loaded, gen := mc.dataset, mc.loaded, mc.generation
	mc.mu.Unlock()

	if !loaded {
		return nil, ErrDatasetNotLoaded
	}

	layer, err := mc.refresher.Refresh(ctx, ds, cfg)
	if err != nil {
		if !errors.Is(err, ErrRefreshSuperseded) {
			mc.mu.Lock()
			if mc.filters == cfg {
				mc.filters = prev
			}
			mc.mu.Unlock()
		}
		return nil, err
	}
	mc.remember(gen, cfg, layer)
	return layer, nil
}

// LayerFor returns the layer of the saved dataset under cfg without touching the
// session toggles or the attached layer. Layers are built on first use, shared by
// every viewer with the same toggles and dropped when a new dataset is loaded.
func (mc *MapController) LayerFor(ctx context.Context, cfg FilterConfig) (*DisplayLayer, error) {
	mc.mu.RLock()
	ds, loaded, gen := mc.dataset, mc.loaded, mc.generation
	layer := mc.views[cfg]
	mc.mu.RUnlock()

	if !loaded {
		return nil, ErrDatasetNotLoaded
	}
	if layer != nil {
		return layer, nil
	}

	key := fmt.Sprintf("%d:%t:%t", gen, cfg.ExcludeExhibits, cfg.MissingImageOnly)
	v, err, _ := mc.builds.Do(key, func() (interface{}, error) {
		return mc.refresher.Build(context.WithoutCancel(ctx), ds, cfg)
	})
	if err != nil {
		return nil, err
	}
	layer = v.(*DisplayLayer)
	mc.remember(gen, cfg, layer)
	return layer, nil
}

func (mc *MapController) remember(gen uint64, cfg FilterConfig, layer *DisplayLayer) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if gen == mc.generation {
		mc.views[cfg] = layer
	}
}

// Filters returns the session toggles, the defaults of new viewers.
func (mc *MapController) Filters() FilterConfig {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.filters
}

// Loaded reports whether a dataset was successfully fetched.
func (mc *MapController) Loaded() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.loaded
}

func (mc *MapController) Status() StatusSnapshot {
	return mc.status.Snapshot()
}

func (mc *MapController) ActiveLayer() *DisplayLayer {
	return mc.layers.Active()
}
