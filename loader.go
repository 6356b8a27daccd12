package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxDatasetBytes bounds the size of a dataset document.
const maxDatasetBytes = 64 << 20

// DataLoader performs the one-shot dataset request. It never retries.
type DataLoader struct {
	client *http.Client
}

func NewDataLoader(client *http.Client) *DataLoader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DataLoader{client: client}
}

// Load fetches and decodes the dataset at url. Transport failures and non-success
// statuses yield a *NetworkError, a body that is not a JSON object or array a
// *ParseError. Individual records that cannot be decoded are dropped.
func (dl *DataLoader) Load(ctx context.Context, url string) (Dataset, error) {
	start := time.Now()
	ctx, span := StartSpan(ctx, "map.load")
	defer span.End()

	statusCode, skipped := 0, 0
	ds, err := dl.fetch(ctx, url, &statusCode, &skipped)

	GetMetricsCollector().RecordDatasetLoad(skipped, err)
	GetLogger().LogAPICall(ctx, "dataset", url, http.MethodGet, statusCode, time.Since(start), err, LogFields{
		"records": len(ds),
		"skipped": skipped,
	})
	AddSpanAttributes(span, map[string]interface{}{"url": url, "status_code": statusCode, "records": len(ds), "skipped": skipped})

	return ds, err
}

func (dl *DataLoader) fetch(ctx context.Context, url string, statusCode, skipped *int) (Dataset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := dl.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	*statusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDatasetBytes+1))
	if err != nil {
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if len(body) > maxDatasetBytes {
		return nil, &ParseError{URL: url, Err: fmt.Errorf("document larger than %d bytes", maxDatasetBytes)}
	}

	ds, n, err := DecodeDataset(body)
	*skipped = n
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	return ds, nil
}
