package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// OverpassFetcher runs an Overpass QL query and keeps the returned nodes.
type OverpassFetcher struct {
	client     *http.Client
	endpoint   string
	query      string
	title      string
	userAgent  string
	retryEvery time.Duration
}

func NewOverpassFetcher(client *http.Client, endpoint, userAgent string, src SourceConfig) *OverpassFetcher {
	return &OverpassFetcher{
		client:     client,
		endpoint:   endpoint,
		query:      src.Query,
		title:      src.Title,
		userAgent:  userAgent,
		retryEvery: src.RetryEvery,
	}
}

type overpassDocument struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type string            `json:"type"`
	ID   uint64            `json:"id"`
	Lat  *float64          `json:"lat"`
	Lon  *float64          `json:"lon"`
	Tags map[string]string `json:"tags"`
}

func (f *OverpassFetcher) Title() string             { return f.title }
func (f *OverpassFetcher) RetryEvery() time.Duration { return f.retryEvery }

// Fetch posts the query and converts every node to a record. Ways and relations
// are skipped.
func (f *OverpassFetcher) Fetch(ctx context.Context) ([]PointRecord, error) {
	ctx, span := StartSpan(ctx, "source.overpass")
	defer span.End()
	start := time.Now()

	body, status, err := f.post(ctx)
	GetLogger().LogAPICall(ctx, "overpass", f.endpoint, http.MethodPost, status, time.Since(start), err, LogFields{"source": f.title})
	if err != nil {
		return nil, err
	}

	var doc overpassDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ParseError{URL: f.endpoint, Err: err}
	}

	records := make([]PointRecord, 0, len(doc.Elements))
	for _, el := range doc.Elements {
		if el.Type != "node" {
			GetLogger().WithFields(LogFields{"type": el.Type, "osm_id": el.ID}).Warn("Ignored OSM element")
			continue
		}
		records = append(records, overpassNodeRecord(el))
	}

	AddSpanAttributes(span, map[string]interface{}{"elements": len(doc.Elements), "records": len(records)})
	return records, nil
}

func (f *OverpassFetcher) post(ctx context.Context) ([]byte, int, error) {
	form := url.Values{"data": {f.query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, &NetworkError{URL: f.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: f.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, &NetworkError{URL: f.endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{URL: f.endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	return body, resp.StatusCode, nil
}

func overpassNodeRecord(el overpassElement) PointRecord {
	rec := PointRecord{
		Name:       el.Tags["name"],
		Nature:     el.Tags["artwork_type"],
		SourceURL:  "https://www.openstreetmap.org/node/" + strconv.FormatUint(el.ID, 10),
		ElementIDs: []ElementID{{OSM: el.ID}},
	}
	if el.Lat != nil && el.Lon != nil {
		rec.Pos = &Position{Lat: *el.Lat, Lon: *el.Lon}
	}
	return rec
}
