package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	sourceKindOverpass = "overpass"
	sourceKindWikidata = "wikidata"
)

// Fetcher retrieves every entry of one upstream source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]PointRecord, error)
	Title() string
	RetryEvery() time.Duration
}

// NewFetcher builds the fetcher for a configured source.
func NewFetcher(client *http.Client, sc SourcesConfig, src SourceConfig) (Fetcher, error) {
	switch src.Kind {
	case sourceKindOverpass:
		return NewOverpassFetcher(client, sc.OverpassURL, sc.UserAgent, src), nil
	case sourceKindWikidata:
		return NewWikidataFetcher(client, sc.WikidataURL, sc.UserAgent, src), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// Source is one fetcher with its stored data and the categories it depicts.
type Source struct {
	Name       string
	File       string
	Categories []string

	fetcher Fetcher
	breaker *CircuitBreaker

	mu          sync.RWMutex
	entries     []PointRecord
	lastUpdated *time.Time

	inFlight atomic.Bool
}

func NewSource(name, file string, categories []string, fetcher Fetcher, breaker *CircuitBreaker) *Source {
	return &Source{
		Name:       name,
		File:       file,
		Categories: categories,
		fetcher:    fetcher,
		breaker:    breaker,
	}
}

// ShouldUpdate reports whether the source is due: never fetched, the clock went
// backwards, or the retry period has passed.
func (s *Source) ShouldUpdate(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastUpdated == nil {
		return true
	}
	if now.Before(*s.lastUpdated) {
		return true
	}
	return s.lastUpdated.Add(s.fetcher.RetryEvery()).Before(now)
}

func (s *Source) depicts(category string) bool {
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}

func (s *Source) snapshot() []PointRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

// SourceStatus is the admin view of a source.
type SourceStatus struct {
	Name        string     `json:"name"`
	Title       string     `json:"title"`
	Categories  []string   `json:"categories"`
	Entries     int        `json:"entries"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	InFlight    bool       `json:"in_flight"`
	Breaker     string     `json:"breaker"`
}

// SourceSet owns every source and publishes their merged data per category.
type SourceSet struct {
	sources      []*Source
	storage      Storage
	overrides    *Overrides
	display      *DisplaySet
	cache        *CategoryCache
	pool         *WorkerPool
	fetchTimeout time.Duration
	now          func() time.Time

	published atomic.Pointer[func(category string)]
}

// NewSourceSet builds the display set from the categories of sources.
func NewSourceSet(sources []*Source, storage Storage, overrides *Overrides, cache *CategoryCache, pool *WorkerPool, fetchTimeout time.Duration) *SourceSet {
	seen := make(map[string]bool)
	var categories []string
	for _, s := range sources {
		for _, c := range s.Categories {
			if !seen[c] {
				seen[c] = true
				categories = append(categories, c)
			}
		}
	}

	return &SourceSet{
		sources:      sources,
		storage:      storage,
		overrides:    overrides,
		display:      NewDisplaySet(categories),
		cache:        cache,
		pool:         pool,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
	}
}

func (ss *SourceSet) Display() *DisplaySet { return ss.display }

// OnPublish registers fn to run after each category is republished with fresh data.
func (ss *SourceSet) OnPublish(fn func(category string)) {
	ss.published.Store(&fn)
}

// Preload reads every source from storage concurrently, then publishes each
// category. Categories with no stored source fall back to the Redis cache.
func (ss *SourceSet) Preload(ctx context.Context) error {
	loaded := make([]bool, len(ss.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, src := range ss.sources {
		i, src := i, src
		g.Go(func() error {
			data, err := ss.storage.Load(gctx, src.File)
			switch {
			case errors.Is(err, ErrNotStored):
				return nil
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				GetLogger().WithError(err).WithFields(LogFields{"source": src.Name}).Warn("Failed to load some storage")
				return nil
			}

			src.mu.Lock()
			src.entries = data.Entries
			src.lastUpdated = data.LastUpdated
			src.mu.Unlock()
			loaded[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, category := range ss.display.Categories() {
		fromStorage := false
		for i, src := range ss.sources {
			if loaded[i] && src.depicts(category) {
				fromStorage = true
				break
			}
		}
		if fromStorage {
			ss.publish(ctx, category)
			continue
		}
		ss.warmFromCache(ctx, category)
	}
	return nil
}

func (ss *SourceSet) warmFromCache(ctx context.Context, category string) {
	data, ok, err := ss.cache.GetCategoryJSON(ctx, category)
	if err != nil || !ok {
		return
	}
	var records []PointRecord
	if err := json.Unmarshal(data, &records); err != nil {
		GetLogger().WithError(err).WithFields(LogFields{"category": category}).Warn("Ignoring unreadable cached category")
		return
	}
	ss.display.Swap(category, &DisplayEntry{Records: records, JSON: data})
}

// BuildCategory merges the entries of every source depicting category, with
// overrides applied.
func (ss *SourceSet) BuildCategory(category string) []PointRecord {
	result := []PointRecord{}
	for _, src := range ss.sources {
		if !src.depicts(category) {
			continue
		}
		for _, rec := range src.snapshot() {
			result = append(result, ss.overrides.ApplyTo(rec))
		}
	}
	return result
}

func (ss *SourceSet) publish(ctx context.Context, category string) {
	entry, err := NewDisplayEntry(ss.BuildCategory(category))
	if err != nil {
		GetLogger().WithError(err).WithFields(LogFields{"category": category}).Error("Failed to create the shared display entry")
		return
	}
	if err := ss.display.Swap(category, entry); err != nil {
		GetLogger().WithError(err).WithFields(LogFields{"category": category}).Error("Failed to publish category")
		return
	}
	if err := ss.cache.SetCategoryJSON(ctx, category, entry.JSON); err != nil {
		GetLogger().WithError(err).WithFields(LogFields{"category": category}).Warn("Failed to cache category")
	}
	if fn := ss.published.Load(); fn != nil {
		(*fn)(category)
	}
}

// UpdateIfNeeded fetches src when it is due, saves the result and republishes its
// categories. last_updated is set before fetching, so a failure waits for the
// next period.
func (ss *SourceSet) UpdateIfNeeded(ctx context.Context, src *Source) (bool, error) {
	now := ss.now()
	if !src.ShouldUpdate(now) {
		return false, nil
	}

	title := src.fetcher.Title()
	GetLogger().WithFields(LogFields{"source": title}).Info("Updating source")

	src.mu.Lock()
	src.lastUpdated = &now
	src.mu.Unlock()

	if ss.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ss.fetchTimeout)
		defer cancel()
	}

	var records []PointRecord
	err := src.breaker.Call(func() error {
		var ferr error
		records, ferr = src.fetcher.Fetch(ctx)
		return ferr
	})
	GetMetricsCollector().RecordSourceFetch(src.Name, len(records), err)
	if err != nil {
		return false, fmt.Errorf("fetching data from %q: %w", title, err)
	}

	for i := range records {
		records[i].PostProcess()
	}

	src.mu.Lock()
	src.entries = records
	data := StoredSource{Entries: records, LastUpdated: src.lastUpdated}
	src.mu.Unlock()

	if err := ss.storage.Save(ctx, src.File, data); err != nil {
		return false, fmt.Errorf("saving data of %q: %w", title, err)
	}

	for _, category := range src.Categories {
		ss.publish(ctx, category)
	}
	GetLogger().WithFields(LogFields{"source": title, "entries": len(records)}).Info("Update successful")
	return true, nil
}

// Check schedules a fetch on the worker pool for every due source that has no
// fetch in flight. It returns the number of scheduled fetches.
func (ss *SourceSet) Check(ctx context.Context) int {
	now := ss.now()
	scheduled := 0

	for _, src := range ss.sources {
		if !src.ShouldUpdate(now) {
			continue
		}
		if !src.inFlight.CompareAndSwap(false, true) {
			continue
		}

		src := src
		job := PoolJob{Name: "fetch:" + src.Name, Run: func() error {
			defer src.inFlight.Store(false)
			_, err := ss.UpdateIfNeeded(ctx, src)
			if err != nil {
				GetLogger().WithError(err).WithFields(LogFields{"source": src.Name}).Warn("Could not perform update")
			}
			return err
		}}
		if !ss.pool.Submit(job) {
			src.inFlight.Store(false)
			GetLogger().WithFields(LogFields{"source": src.Name}).Warn("Worker pool full, fetch postponed")
			continue
		}
		scheduled++
	}
	return scheduled
}

// Run checks the sources every interval until ctx is done.
func (ss *SourceSet) Run(ctx context.Context, interval time.Duration) {
	GetLogger().WithFields(LogFields{"interval": interval.String()}).Info("Update loop started")
	ss.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			GetLogger().Info("Update loop stopped")
			return
		case <-ticker.C:
			ss.Check(ctx)
		}
	}
}

// ForceUpdate marks every source as due and schedules the fetches.
func (ss *SourceSet) ForceUpdate(ctx context.Context) int {
	for _, src := range ss.sources {
		src.mu.Lock()
		src.lastUpdated = nil
		src.mu.Unlock()
	}
	return ss.Check(ctx)
}

// PoolStats reports the fetch worker pool.
func (ss *SourceSet) PoolStats() map[string]interface{} {
	return ss.pool.GetStats()
}

// Statuses reports every source in name order.
func (ss *SourceSet) Statuses() []SourceStatus {
	out := make([]SourceStatus, 0, len(ss.sources))
	for _, src := range ss.sources {
		src.mu.RLock()
		st := SourceStatus{
			Name:        src.Name,
			Title:       src.fetcher.Title(),
			Categories:  src.Categories,
			Entries:     len(src.entries),
			LastUpdated: src.lastUpdated,
			InFlight:    src.inFlight.Load(),
			Breaker:     src.breaker.GetState().String(),
		}
		src.mu.RUnlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
