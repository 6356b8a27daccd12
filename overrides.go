package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// OverrideEntry is a manual correction for one upstream element.
type OverrideEntry struct {
	LocalImage      string `json:"local_image,omitempty"`
	ImageSourceURL  string `json:"image_source_url,omitempty"`
	ImageSourceText string `json:"image_source_text,omitempty"`
}

// Apply rewrites the image of rec. The image is copied first, so records shared
// with storage are never modified.
func (e OverrideEntry) Apply(rec *PointRecord) {
	if e.LocalImage != "" {
		rec.Image = &ImageSource{URL: "/images/" + e.LocalImage}
	} else if rec.Image != nil {
		img := *rec.Image
		rec.Image = &img
	}

	if rec.Image == nil {
		return
	}
	if e.ImageSourceURL != "" {
		rec.Image.CreditURL = e.ImageSourceURL
	}
	if e.ImageSourceText != "" {
		rec.Image.CreditText = e.ImageSourceText
	}
}

// Overrides maps OSM node ids and Wikidata QIDs to corrections.
type Overrides struct {
	OSM      map[uint64]OverrideEntry `json:"osm"`
	Wikidata map[string]OverrideEntry `json:"wikidata"`
}

// LoadOverrides reads the overrides file. An empty path yields no overrides.
func LoadOverrides(path string) (*Overrides, error) {
	o := &Overrides{}
	if path == "" {
		return o, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, o); err != nil {
		return nil, fmt.Errorf("parsing overrides %s: %w", path, err)
	}
	return o, nil
}

// Lookup returns the override for id, if any.
func (o *Overrides) Lookup(id ElementID) (OverrideEntry, bool) {
	if o == nil {
		return OverrideEntry{}, false
	}
	if id.Wikidata != "" {
		e, ok := o.Wikidata[id.Wikidata]
		return e, ok
	}
	e, ok := o.OSM[id.OSM]
	return e, ok
}

// ApplyTo returns rec with every matching override applied in element id order.
func (o *Overrides) ApplyTo(rec PointRecord) PointRecord {
	for _, id := range rec.ElementIDs {
		if e, ok := o.Lookup(id); ok {
			e.Apply(&rec)
		}
	}
	return rec
}
