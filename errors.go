package main

import (
	"errors"
	"fmt"
)

var (
	ErrDatasetNotLoaded  = errors.New("dataset not loaded yet")
	ErrRefreshSuperseded = errors.New("refresh superseded by a newer request")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrUnknownCategory   = errors.New("category does not exist")
)

// NetworkError is returned when the dataset request fails or answers with a non-success status.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError is returned when a response body is not a valid dataset document.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse answer from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RenderError describes a single record that could not be turned into a marker.
// It never aborts a refresh.
type RenderError struct {
	Key    string
	Reason string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("record %q skipped: %s", e.Key, e.Reason)
}
