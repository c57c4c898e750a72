// Package ingest downloads raw station data from NOAA and OpenAQ into the
// on-disk cache.
package ingest

import (
	"fmt"
	"time"
)

// Outcome classifies a single fetch unit. Only OutcomeFetched and
// OutcomeCached carry data; the rest mean the station contributed nothing for
// that period.
type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeFetched
	OutcomeCached
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFetched:
		return "fetched"
	case OutcomeCached:
		return "cached"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// FetchResult captures one station-period download for auditing.
type FetchResult struct {
	Outcome      Outcome
	Key          string
	Path         string
	SHA256       string
	HTTPStatus   int
	ResponseSize int
	Duration     time.Duration
	Err          error
}

// Found reports whether the fetch produced a usable local file.
func (r FetchResult) Found() bool {
	return r.Outcome == OutcomeFetched || r.Outcome == OutcomeCached
}

// ArchiveResult is the outcome of downloading every archive object for one
// location-year.
type ArchiveResult struct {
	LocationID string
	Year       int
	Listed     int
	Cached     int
	Fetched    int
	Failed     int
	Paths      []string
	ListErr    error
}
