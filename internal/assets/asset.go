// Package assets resolves a spatial/temporal query against CMR into the
// list of granule files that a mosaic read should visit.
package assets

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robert-malhotra/cmr-tiler/internal/cmr"
)

// DefaultLimit caps the number of granules a query visits.
const DefaultLimit = 100

// coordPrecision rounds coordinates to 8 decimal digits before they are
// submitted to CMR or used as a cache key.
const coordPrecision = 1e8

// ErrInvalidBandsRegex is returned when a band regex does not compile.
var ErrInvalidBandsRegex = errors.New("invalid bands_regex")

// AccessMode selects between in-region S3 links and external HTTPS links.
type AccessMode string

const (
	AccessDirect   AccessMode = "direct"
	AccessExternal AccessMode = "external"
)

// ParseAccessMode validates an access mode string.
func ParseAccessMode(s string) (AccessMode, error) {
	switch AccessMode(s) {
	case AccessDirect, AccessExternal:
		return AccessMode(s), nil
	case "":
		return AccessExternal, nil
	}
	return "", fmt.Errorf("access mode must be 'direct' or 'external', got %q", s)
}

// Asset is one granule's data location. Exactly one of URL and Bands is set:
// URL for a single-file granule, Bands (match text -> link) when a band regex
// was supplied.
type Asset struct {
	ID       string            `json:"id"`
	URL      string            `json:"url,omitempty"`
	Bands    map[string]string `json:"bands,omitempty"`
	Provider string            `json:"provider,omitempty"`

	// Listing metadata, not used for reads.
	Collection string     `json:"collection,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	BBox       []float64  `json:"bbox,omitempty"`
	// Footprint is the granule's GeoJSON geometry.
	Footprint  json.RawMessage `json:"footprint,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	CloudCover *float64        `json:"cloud_cover,omitempty"`
}

// IsMultiBand reports whether the asset is a band -> file composite.
func (a Asset) IsMultiBand() bool { return len(a.Bands) > 0 }

// TemporalRange is a closed datetime interval; nil bounds are open.
type TemporalRange struct {
	Start *time.Time
	End   *time.Time
}

// String renders the range in CMR's "start,end" form.
func (t *TemporalRange) String() string {
	if t == nil {
		return ""
	}
	return cmr.FormatTemporal(t.Start, t.End)
}

// Query describes one discovery call.
type Query struct {
	Collection string
	BBox       [4]float64
	Temporal   *TemporalRange
	Limit      int
	BandsRegex string
	Access     AccessMode
}

// RoundCoord rounds a coordinate to the precision used for discovery.
func RoundCoord(v float64) float64 {
	r := math.Round(v*coordPrecision) / coordPrecision
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}

// Rounded returns a copy of q with rounded coordinates and defaults applied.
func (q Query) Rounded() Query {
	for i := range q.BBox {
		q.BBox[i] = RoundCoord(q.BBox[i])
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Access == "" {
		q.Access = AccessExternal
	}
	return q
}

// Key is the cache identity of the query. Logically identical queries map
// to the same key regardless of float noise below 1e-8.
func (q Query) Key() string {
	q = q.Rounded()
	coords := make([]string, len(q.BBox))
	for i, v := range q.BBox {
		coords[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join([]string{
		q.Collection,
		strings.Join(coords, ","),
		q.Temporal.String(),
		q.BandsRegex,
		string(q.Access),
		strconv.Itoa(q.Limit),
	}, "|")
}

// DiscoveryError reports that discovery failed after all retries.
type DiscoveryError struct {
	Attempts int
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("asset discovery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
