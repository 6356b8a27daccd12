package main

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// DisplayEntry is the published data of one category together with its encoded JSON.
type DisplayEntry struct {
	Records []PointRecord
	JSON    []byte
}

var emptyDisplayEntry = &DisplayEntry{Records: []PointRecord{}, JSON: []byte("[]")}

// NewDisplayEntry encodes records once so every request serves the same bytes.
func NewDisplayEntry(records []PointRecord) (*DisplayEntry, error) {
	if records == nil {
		records = []PointRecord{}
	}
	data, err := encodeJSON(records)
	if err != nil {
		return nil, fmt.Errorf("encoding display entry: %w", err)
	}
	return &DisplayEntry{Records: records, JSON: data}, nil
}

// DisplaySet holds one atomically swapped entry per category. Categories are
// fixed at construction.
type DisplaySet struct {
	entries map[string]*atomic.Pointer[DisplayEntry]
}

func NewDisplaySet(categories []string) *DisplaySet {
	ds := &DisplaySet{entries: make(map[string]*atomic.Pointer[DisplayEntry], len(categories))}
	for _, c := range categories {
		p := &atomic.Pointer[DisplayEntry]{}
		p.Store(emptyDisplayEntry)
		ds.entries[c] = p
	}
	return ds
}

// Get returns the current entry of category, or ErrUnknownCategory.
func (ds *DisplaySet) Get(category string) (*DisplayEntry, error) {
	p, ok := ds.entries[category]
	if !ok {
		return nil, ErrUnknownCategory
	}
	return p.Load(), nil
}

// Swap publishes entry for category. Readers see either the old or the new entry.
func (ds *DisplaySet) Swap(category string, entry *DisplayEntry) error {
	p, ok := ds.entries[category]
	if !ok {
		return ErrUnknownCategory
	}
	p.Store(entry)
	return nil
}

// Categories returns the known categories in sorted order.
func (ds *DisplaySet) Categories() []string {
	out := make([]string, 0, len(ds.entries))
	for c := range ds.entries {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
