// Package cmr provides a client for NASA's Common Metadata Repository (CMR) API.
package cmr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the default CMR API base URL.
	DefaultBaseURL = "https://cmr.earthdata.nasa.gov/search"

	// DefaultPageSize is the default number of results per page.
	DefaultPageSize = 100

	// MaxPageSize is the maximum page size supported by CMR.
	MaxPageSize = 2000

	// CMRSearchAfterHeader is the header used for cursor-based pagination.
	CMRSearchAfterHeader = "CMR-Search-After"

	clientID = "cmr-tiler"
)

// Client handles communication with the CMR API.
type Client struct {
	baseURL    string
	pageSize   int
	sortKey    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new CMR API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		pageSize: DefaultPageSize,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithPageSize sets the page size used when paging through granules.
func (c *Client) WithPageSize(size int) *Client {
	if size > 0 {
		c.pageSize = min(size, MaxPageSize)
	}
	return c
}

// WithSortKey sets the default sort key applied when a search does not set one.
func (c *Client) WithSortKey(key string) *Client {
	c.sortKey = key
	return c
}

// SearchResult contains the results of a CMR search.
type SearchResult struct {
	Granules    []Granule
	Hits        int
	SearchAfter string // Cursor for next page
	TookMs      int
}

// Search performs a single-page granule search against CMR.
func (c *Client) Search(ctx context.Context, params *SearchParams) (*SearchResult, error) {
	searchURL := c.baseURL + "/granules.umm_json"

	queryParams := params.ToURLValues()
	if params.SortKey == "" && c.sortKey != "" {
		queryParams.Set("sort_key", c.sortKey)
	}

	c.logger.DebugContext(ctx, "executing CMR search",
		slog.String("url", searchURL),
		slog.String("params", queryParams.Encode()),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL+"?"+queryParams.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.nasa.cmr.umm_results+json")
	req.Header.Set("User-Agent", clientID+"/1.0")
	req.Header.Set("Client-Id", clientID)

	if params.SearchAfter != "" {
		req.Header.Set(CMRSearchAfterHeader, params.SearchAfter)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "CMR API request failed",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("CMR API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.ErrorContext(ctx, "CMR API returned non-200 status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(body)),
		)
		return nil, fmt.Errorf("CMR API returned status %d: %s", resp.StatusCode, string(body))
	}

	var cmrResp UMMSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmrResp); err != nil {
		c.logger.ErrorContext(ctx, "failed to decode CMR response",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to decode CMR response: %w", err)
	}

	granules := make([]Granule, 0, len(cmrResp.Items))
	for _, item := range cmrResp.Items {
		granules = append(granules, Granule{
			ConceptID:  item.Meta.ConceptID,
			ProviderID: item.Meta.ProviderID,
			UMM:        item.UMM,
		})
	}

	searchAfter := resp.Header.Get(CMRSearchAfterHeader)

	c.logger.DebugContext(ctx, "CMR search completed",
		slog.Int("hits", cmrResp.Hits),
		slog.Int("returned", len(granules)),
		slog.Bool("has_next", searchAfter != ""),
	)

	return &SearchResult{
		Granules:    granules,
		Hits:        cmrResp.Hits,
		SearchAfter: searchAfter,
		TookMs:      cmrResp.Took,
	}, nil
}

// Granules lazily pages through every granule matching params, stopping
// after limit granules when limit is positive. Pages are requested only as
// the caller consumes them. A search error is yielded once and ends the
// sequence.
func (c *Client) Granules(ctx context.Context, params SearchParams, limit int) iter.Seq2[Granule, error] {
	return func(yield func(Granule, error) bool) {
		p := params
		if p.PageSize <= 0 {
			p.PageSize = c.pageSize
		}
		if limit > 0 && p.PageSize > limit {
			p.PageSize = limit
		}

		seen := 0
		for {
			res, err := c.Search(ctx, &p)
			if err != nil {
				yield(Granule{}, err)
				return
			}
			for _, g := range res.Granules {
				if !yield(g, nil) {
					return
				}
				seen++
				if limit > 0 && seen >= limit {
					return
				}
			}
			if res.SearchAfter == "" || len(res.Granules) < p.PageSize {
				return
			}
			p.SearchAfter = res.SearchAfter
		}
	}
}

// SearchParams represents parameters for CMR granule searches.
type SearchParams struct {
	// Collection identification
	CollectionConceptID []string

	// Spatial filter
	BoundingBox string // west,south,east,north

	// Temporal filter: start,end in ISO 8601; either side may be empty.
	Temporal string

	// Pagination
	PageSize    int
	SearchAfter string

	// Sorting
	SortKey string // CMR sort key (e.g., "-start_date" for descending)
}

// ToURLValues converts SearchParams to URL query parameters.
func (p *SearchParams) ToURLValues() url.Values {
	values := url.Values{}

	for _, cid := range p.CollectionConceptID {
		values.Add("collection_concept_id", cid)
	}

	if p.BoundingBox != "" {
		values.Set("bounding_box", p.BoundingBox)
	}
	if p.Temporal != "" {
		values.Set("temporal", p.Temporal)
	}

	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	values.Set("page_size", strconv.Itoa(min(pageSize, MaxPageSize)))

	if p.SortKey != "" {
		values.Set("sort_key", p.SortKey)
	}

	return values
}

// FormatBoundingBox renders a west,south,east,north box without losing
// precision.
func FormatBoundingBox(bbox [4]float64) string {
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// FormatTemporal renders a CMR temporal range; nil bounds are left open.
func FormatTemporal(start, end *time.Time) string {
	if start == nil && end == nil {
		return ""
	}
	var s, e string
	if start != nil {
		s = start.UTC().Format(time.RFC3339Nano)
	}
	if end != nil {
		e = end.UTC().Format(time.RFC3339Nano)
	}
	return s + "," + e
}
