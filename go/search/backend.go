// Package search implements the facet search engine: uniform query
// parsing and translation-aware request handling over pluggable
// metadata index backends.
package search

import (
	"context"
	"fmt"

	"github.com/freva-org/freva-gateway/go/translate"
)

// UniqKey selects which identifier column a search returns.
type UniqKey string

const (
	UniqFile UniqKey = "file"
	UniqURI  UniqKey = "uri"
)

// DefaultBatchSize is the page size used when walking full result sets.
const DefaultBatchSize = 150

// Request is a parsed, validated and canonical-vocabulary search.
type Request struct {
	UniqKey   UniqKey
	Flavour   *translate.Flavour
	Translate bool
	// Facets maps canonical facet name to requested values. A key with
	// the `_not_` suffix already stripped and Negated=true lives in
	// NotFacets instead.
	Facets    map[string][]string
	NotFacets map[string][]string
	Time      *TimeRange
	BBox      *BBox
	// Start/MaxResults page extended searches; streaming searches
	// ignore MaxResults and walk the full set.
	Start      int
	MaxResults int
	// FacetFields limits which facets are counted (empty: all).
	FacetFields []string
	// UserOnly restricts to user-ingested records (the `user` flavour);
	// otherwise user records are excluded.
	UserOnly bool
	// MultiVersion includes all dataset versions, not just the latest.
	MultiVersion bool
}

// Doc is one metadata record of the index.
type Doc map[string]any

// FacetCounts maps facet name to a flat [value, count, value, count...]
// sequence, preserving index order.
type FacetCounts map[string][]any

// Result is the non-streamed part of a search response.
type Result struct {
	Total       int64
	Facets      FacetCounts
	Docs        []Doc
	PrimaryKeys []string
}

// Backend is a metadata index implementation. Iterating methods push
// one item at a time through |emit| so that responses stream without
// buffering the full result set.
type Backend interface {
	// Facets returns the facet names the index carries.
	Facets(ctx context.Context) ([]string, error)
	// MetadataSearch counts facets without returning documents.
	MetadataSearch(ctx context.Context, req *Request) (*Result, error)
	// ExtendedSearch counts facets and returns a page of documents.
	ExtendedSearch(ctx context.Context, req *Request) (*Result, error)
	// StreamKeys walks the full result set, emitting the uniq key of
	// every match. Emit errors abort the walk.
	StreamKeys(ctx context.Context, req *Request, emit func(key string) error) (int64, error)
	// StreamDocs walks the full result set, emitting complete records.
	StreamDocs(ctx context.Context, req *Request, emit func(doc Doc) error) (int64, error)
}

// Ingester is implemented by backends which accept user data
// (currently only Solr).
type Ingester interface {
	IngestUserData(ctx context.Context, username string, docs []Doc) (added, skipped int, err error)
	DeleteUserData(ctx context.Context, username string, match map[string][]string) error
}

// ErrBackend wraps index errors surfaced as HTTP 500.
type ErrBackend struct{ Err error }

func (e *ErrBackend) Error() string { return fmt.Sprintf("search backend error: %s", e.Err) }
func (e *ErrBackend) Unwrap() error { return e.Err }
