package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// WikidataFetcher runs a SPARQL query against the Wikidata query service.
type WikidataFetcher struct {
	client     *http.Client
	endpoint   string
	query      string
	title      string
	userAgent  string
	retryEvery time.Duration
}

func NewWikidataFetcher(client *http.Client, endpoint, userAgent string, src SourceConfig) *WikidataFetcher {
	return &WikidataFetcher{
		client:     client,
		endpoint:   endpoint,
		query:      src.Query,
		title:      src.Title,
		userAgent:  userAgent,
		retryEvery: src.RetryEvery,
	}
}

type sparqlValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// sparqlBinding maps a variable name to its value. Unbound variables are absent.
type sparqlBinding map[string]sparqlValue

type sparqlDocument struct {
	Results struct {
		Bindings []sparqlBinding `json:"bindings"`
	} `json:"results"`
}

// Order in which coordinate variables are tried.
var wikidataCoordVars = []string{
	"coords",
	"coordsApproxP1_0",
	"coordsApproxP2_0",
	"coordsApproxP1_1",
	"coordsApproxC1_0_0",
	"coordsApproxC1_0_1",
}

const commonsCreditText = "from Wikimedia Commons"

func (f *WikidataFetcher) Title() string             { return f.title }
func (f *WikidataFetcher) RetryEvery() time.Duration { return f.retryEvery }

func (f *WikidataFetcher) Fetch(ctx context.Context) ([]PointRecord, error) {
	ctx, span := StartSpan(ctx, "source.wikidata")
	defer span.End()
	start := time.Now()

	target := f.endpoint + "?" + url.Values{"query": {f.query}}.Encode()
	body, status, err := f.get(ctx, target)
	GetLogger().LogAPICall(ctx, "wikidata", f.endpoint, http.MethodGet, status, time.Since(start), err, LogFields{"source": f.title})
	if err != nil {
		return nil, err
	}

	var doc sparqlDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ParseError{URL: f.endpoint, Err: err}
	}

	records := make([]PointRecord, 0, len(doc.Results.Bindings))
	for _, b := range doc.Results.Bindings {
		rec, err := wikidataRecord(b)
		if err != nil {
			return nil, &ParseError{URL: f.endpoint, Err: err}
		}
		records = append(records, rec)
	}

	AddSpanAttributes(span, map[string]interface{}{"records": len(records)})
	return records, nil
}

func (f *WikidataFetcher) get(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, &NetworkError{URL: f.endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/sparql-results+json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: f.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		GetLogger().WithFields(LogFields{"status_code": resp.StatusCode, "response": string(detail)}).Warn("Wikidata request failed")
		return nil, resp.StatusCode, &NetworkError{URL: f.endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{URL: f.endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	return body, resp.StatusCode, nil
}

func (b sparqlBinding) value(name string) (string, bool) {
	v, ok := b[name]
	return v.Value, ok
}

func wikidataRecord(b sparqlBinding) (PointRecord, error) {
	itemURL, ok := b.value("item")
	if !ok || itemURL == "" {
		return PointRecord{}, fmt.Errorf("item URL missing in an entry (the query likely has an issue)")
	}
	qid := itemURL[strings.LastIndex(itemURL, "/")+1:]
	if qid == "" {
		return PointRecord{}, fmt.Errorf("could not extract the qid from %q", itemURL)
	}

	rec := PointRecord{
		SourceURL:  itemURL,
		ElementIDs: []ElementID{{Wikidata: qid}},
	}
	rec.Name, _ = b.value("itemLabel")
	rec.LocationName, _ = b.value("placeLabel")
	rec.Nature, _ = b.value("natureLabel")

	for _, name := range wikidataCoordVars {
		if raw, ok := b.value(name); ok {
			if p, ok := parseWKTPoint(raw); ok {
				rec.Pos = &p
			}
			break
		}
	}

	if image, ok := b.value("image"); ok && image != "" {
		rec.Image = &ImageSource{
			URL:        image,
			CreditURL:  commonsFilePage(image),
			CreditText: commonsCreditText,
		}
	}

	exhibit, _ := b.value("isInExhibit")
	_, direct := b.value("coords")
	rec.IsInExhibit = strings.EqualFold(exhibit, "true") || !direct

	return rec, nil
}

// parseWKTPoint reads "Point(lon lat)" as returned by the query service.
func parseWKTPoint(value string) (Position, bool) {
	_, rest, found := strings.Cut(value, "Point(")
	if !found {
		return Position{}, false
	}
	inner, _, _ := strings.Cut(rest, ")")
	parts := strings.Fields(inner)
	if len(parts) < 2 {
		return Position{}, false
	}
	lon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Position{}, false
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Position{}, false
	}
	return Position{Lat: lat, Lon: lon}, true
}

// commonsFilePage turns a Commons file URL into its description page.
func commonsFilePage(image string) string {
	u, err := url.Parse(image)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	file := path[strings.LastIndex(path, "/")+1:]
	if file == "" {
		return ""
	}
	return "https://commons.wikimedia.org/wiki/File:" + file
}
