package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Position is a WGS84 coordinate. On the wire it is the pair [lat, lon].
type Position struct {
	Lat float64
	Lon float64
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lon})
}

// Valid reports whether the coordinate is finite and inside the WGS84 range.
func (p Position) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// ImageSource is an image shown in a popup together with its credit.
type ImageSource struct {
	URL        string `json:"url"`
	CreditURL  string `json:"credit_url,omitempty"`
	CreditText string `json:"credit_text,omitempty"`
}

// ElementID identifies the upstream object a record was built from.
// Exactly one of the fields is set. On the wire it is {"Osm": n} or {"Wikidata": "Q.."}.
type ElementID struct {
	OSM      uint64
	Wikidata string
}

func (id ElementID) String() string {
	if id.Wikidata != "" {
		return "wikidata:" + id.Wikidata
	}
	return "osm:" + strconv.FormatUint(id.OSM, 10)
}

func (id ElementID) MarshalJSON() ([]byte, error) {
	if id.Wikidata != "" {
		return json.Marshal(map[string]string{"Wikidata": id.Wikidata})
	}
	return json.Marshal(map[string]uint64{"Osm": id.OSM})
}

// UnmarshalJSON reads the tagged form. Tags are matched case-insensitively.
func (id *ElementID) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("element id needs exactly one tag, got %d", len(tagged))
	}

	for tag, value := range tagged {
		switch strings.ToLower(tag) {
		case "osm":
			*id = ElementID{}
			return json.Unmarshal(value, &id.OSM)
		case "wikidata":
			*id = ElementID{}
			return json.Unmarshal(value, &id.Wikidata)
		default:
			return fmt.Errorf("unknown element id tag %q", tag)
		}
	}
	return nil
}

// PointRecord is one point of interest as served by /depiction/<category>.json.
// Empty strings stand for absent values.
type PointRecord struct {
	Pos          *Position    `json:"pos"`
	Name         string       `json:"name,omitempty"`
	LocationName string       `json:"location_name,omitempty"`
	Image        *ImageSource `json:"image,omitempty"`
	SourceURL    string       `json:"source_url"`
	IsInExhibit  bool         `json:"is_in_exhibit"`
	Nature       string       `json:"nature,omitempty"`
	ElementIDs   []ElementID  `json:"element_ids,omitempty"`

	malformedPos bool
}

type pointRecordFields PointRecord

// UnmarshalJSON decodes a record, turning a malformed "pos" into an absent position
// instead of failing the whole document. "image" may also be a bare URL, with the
// credit in "image_source_url" and "image_source_text".
func (r *PointRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		pointRecordFields
		Pos             json.RawMessage `json:"pos"`
		Image           json.RawMessage `json:"image"`
		ImageSourceURL  string          `json:"image_source_url"`
		ImageSourceText string          `json:"image_source_text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = PointRecord(raw.pointRecordFields)
	r.Pos, r.malformedPos = decodePosition(raw.Pos)

	image, err := decodeImage(raw.Image)
	if err != nil {
		return err
	}
	if image != nil && image.CreditURL == "" && image.CreditText == "" {
		image.CreditURL, image.CreditText = raw.ImageSourceURL, raw.ImageSourceText
	}
	r.Image = image
	return nil
}

func decodeImage(raw json.RawMessage) (*ImageSource, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var u string
		if err := json.Unmarshal(trimmed, &u); err != nil {
			return nil, err
		}
		if u == "" {
			return nil, nil
		}
		return &ImageSource{URL: u}, nil
	}

	var img ImageSource
	if err := json.Unmarshal(trimmed, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func decodePosition(raw json.RawMessage) (*Position, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}

	var pair []float64
	if err := json.Unmarshal(trimmed, &pair); err != nil || len(pair) != 2 {
		return nil, true
	}
	return &Position{Lat: pair[0], Lon: pair[1]}, false
}

// HasPosition reports whether the record carries a usable coordinate pair.
func (r PointRecord) HasPosition() bool {
	return r.Pos != nil && !r.malformedPos
}

// PostProcess fills the image credit text from the credit URL domain when the
// source gave no text.
func (r *PointRecord) PostProcess() {
	if r.Image == nil || r.Image.CreditText != "" || r.Image.CreditURL == "" {
		return
	}

	u, err := url.Parse(r.Image.CreditURL)
	if err != nil || u.Hostname() == "" {
		GetLogger().WithFields(LogFields{
			"credit_url": r.Image.CreditURL,
		}).Warn("Could not get the domain of an image source")
		return
	}
	r.Image.CreditText = "From " + u.Hostname()
}

// FilterConfig holds the two user toggles. Read fresh for every refresh.
type FilterConfig struct {
	ExcludeExhibits  bool `json:"exclude_exhibits" mapstructure:"exclude_exhibits"`
	MissingImageOnly bool `json:"missing_image_only" mapstructure:"missing_image_only"`
}

// Dataset is a decoded dataset document keyed by opaque identifiers.
type Dataset map[string]PointRecord

// KeyedRecord pairs a record with its dataset key.
type KeyedRecord struct {
	Key    string
	Record PointRecord
}

// DecodeDataset accepts either a JSON object of records or a JSON array of records.
// Array elements are keyed by their index. A record that cannot be decoded is left
// out and counted in skipped; only a document that is not an object or array of
// JSON values fails as a whole.
func DecodeDataset(data []byte) (ds Dataset, skipped int, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("empty document")
	}

	var raw map[string]json.RawMessage
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, 0, err
		}
		raw = make(map[string]json.RawMessage, len(list))
		for i, item := range list {
			raw[strconv.Itoa(i)] = item
		}
	case '{':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("expected a JSON object or array, got %q", trimmed[0])
	}

	ds = make(Dataset, len(raw))
	for key, item := range raw {
		var rec PointRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			skipped++
			GetLogger().WithError(err).WithFields(LogFields{"key": key}).Warn("Skipping record that cannot be decoded")
			continue
		}
		ds[key] = rec
	}
	return ds, skipped, nil
}

// SortedKeys returns the dataset keys in a stable order. Numeric keys sort numerically.
func (ds Dataset) SortedKeys() []string {
	keys := make([]string, 0, len(ds))
	for k := range ds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}
