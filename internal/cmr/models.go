package cmr

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RelatedUrls types that point at granule data.
const (
	URLTypeGetData       = "GET DATA"
	URLTypeDirectAccess  = "GET DATA VIA DIRECT ACCESS"
	URLTypeVisualization = "GET RELATED VISUALIZATION"
)

// UMMSearchResponse represents a CMR UMM-G search response.
type UMMSearchResponse struct {
	Hits  int             `json:"hits"`
	Took  int             `json:"took"`
	Items []UMMResultItem `json:"items"`
}

// UMMResultItem wraps a UMM granule with metadata.
type UMMResultItem struct {
	Meta UMMMeta    `json:"meta"`
	UMM  UMMGranule `json:"umm"`
}

// UMMMeta contains metadata about a CMR result item.
type UMMMeta struct {
	ConceptID  string `json:"concept-id"`
	ProviderID string `json:"provider-id"`
}

// Granule is one search hit: the UMM-G record plus the catalog metadata
// needed to fetch its data.
type Granule struct {
	ConceptID  string
	ProviderID string
	UMM        UMMGranule
}

// UMMGranule represents a UMM-G (Unified Metadata Model for Granules) record.
type UMMGranule struct {
	GranuleUR           string              `json:"GranuleUR"`
	CollectionReference CollectionReference `json:"CollectionReference"`
	RelatedUrls         []RelatedURL        `json:"RelatedUrls,omitempty"`
	TemporalExtent      *TemporalExtent     `json:"TemporalExtent,omitempty"`
	SpatialExtent       *SpatialExtent      `json:"SpatialExtent,omitempty"`
	Platforms           []Platform          `json:"Platforms,omitempty"`
	CloudCover          *float64            `json:"CloudCover,omitempty"`
}

// CollectionReference identifies the parent collection.
type CollectionReference struct {
	ShortName string `json:"ShortName,omitempty"`
}

// RelatedURL represents a URL related to the granule.
type RelatedURL struct {
	URL  string `json:"URL"`
	Type string `json:"Type"`
}

// TemporalExtent contains temporal information.
type TemporalExtent struct {
	RangeDateTime  *RangeDateTime `json:"RangeDateTime,omitempty"`
	SingleDateTime string         `json:"SingleDateTime,omitempty"`
}

// RangeDateTime represents a time range.
type RangeDateTime struct {
	BeginningDateTime string `json:"BeginningDateTime"`
	EndingDateTime    string `json:"EndingDateTime"`
}

// SpatialExtent contains spatial information.
type SpatialExtent struct {
	HorizontalSpatialDomain *HorizontalSpatialDomain `json:"HorizontalSpatialDomain,omitempty"`
}

// HorizontalSpatialDomain contains horizontal spatial domain information.
type HorizontalSpatialDomain struct {
	Geometry *Geometry `json:"Geometry,omitempty"`
}

// Geometry contains geometry information.
type Geometry struct {
	GPolygons          []GPolygon          `json:"GPolygons,omitempty"`
	BoundingRectangles []BoundingRectangle `json:"BoundingRectangles,omitempty"`
	Points             []Point             `json:"Points,omitempty"`
}

// GPolygon represents a polygon geometry.
type GPolygon struct {
	Boundary Boundary `json:"Boundary"`
}

// Boundary contains boundary points.
type Boundary struct {
	Points []Point `json:"Points"`
}

// Point represents a geographic point.
type Point struct {
	Longitude float64 `json:"Longitude"`
	Latitude  float64 `json:"Latitude"`
}

// BoundingRectangle represents a bounding box.
type BoundingRectangle struct {
	WestBoundingCoordinate  float64 `json:"WestBoundingCoordinate"`
	NorthBoundingCoordinate float64 `json:"NorthBoundingCoordinate"`
	EastBoundingCoordinate  float64 `json:"EastBoundingCoordinate"`
	SouthBoundingCoordinate float64 `json:"SouthBoundingCoordinate"`
}

// Platform contains platform/instrument information.
type Platform struct {
	ShortName string `json:"ShortName"`
}

// DataLinks returns the granule's data links for an access mode, in
// metadata order and without duplicates. "direct" selects in-region S3
// links; anything else selects external HTTPS links.
func (g *UMMGranule) DataLinks(access string) []string {
	seen := make(map[string]struct{})
	var links []string
	for _, u := range g.RelatedUrls {
		if !linkMatches(u, access) {
			continue
		}
		if _, ok := seen[u.URL]; ok {
			continue
		}
		seen[u.URL] = struct{}{}
		links = append(links, u.URL)
	}
	return links
}

func linkMatches(u RelatedURL, access string) bool {
	scheme := ""
	if parsed, err := url.Parse(u.URL); err == nil {
		scheme = strings.ToLower(parsed.Scheme)
	}
	if access == "direct" {
		switch u.Type {
		case URLTypeDirectAccess:
			return scheme == "s3"
		case URLTypeGetData:
			return scheme == "s3"
		}
		return false
	}
	return u.Type == URLTypeGetData && (scheme == "https" || scheme == "http")
}

// GetStartTime returns the start time of the granule.
func (g *UMMGranule) GetStartTime() (time.Time, error) {
	if g.TemporalExtent == nil {
		return time.Time{}, nil
	}

	if g.TemporalExtent.RangeDateTime != nil && g.TemporalExtent.RangeDateTime.BeginningDateTime != "" {
		return parseTime(g.TemporalExtent.RangeDateTime.BeginningDateTime)
	}

	if g.TemporalExtent.SingleDateTime != "" {
		return parseTime(g.TemporalExtent.SingleDateTime)
	}

	return time.Time{}, nil
}

// GetEndTime returns the end time of the granule.
func (g *UMMGranule) GetEndTime() (time.Time, error) {
	if g.TemporalExtent == nil {
		return time.Time{}, nil
	}

	if g.TemporalExtent.RangeDateTime != nil && g.TemporalExtent.RangeDateTime.EndingDateTime != "" {
		return parseTime(g.TemporalExtent.RangeDateTime.EndingDateTime)
	}

	if g.TemporalExtent.SingleDateTime != "" {
		return parseTime(g.TemporalExtent.SingleDateTime)
	}

	return time.Time{}, nil
}

// GetGeometry returns the granule footprint as GeoJSON.
func (g *UMMGranule) GetGeometry() (json.RawMessage, error) {
	if g.SpatialExtent == nil || g.SpatialExtent.HorizontalSpatialDomain == nil {
		return nil, nil
	}

	geom := g.SpatialExtent.HorizontalSpatialDomain.Geometry
	if geom == nil {
		return nil, nil
	}

	if len(geom.GPolygons) > 0 {
		poly := geom.GPolygons[0]
		coords := make([][]float64, len(poly.Boundary.Points))
		for i, pt := range poly.Boundary.Points {
			coords[i] = []float64{pt.Longitude, pt.Latitude}
		}
		if len(coords) > 0 {
			first := coords[0]
			last := coords[len(coords)-1]
			if first[0] != last[0] || first[1] != last[1] {
				coords = append(coords, first)
			}
		}
		return json.Marshal(map[string]any{
			"type":        "Polygon",
			"coordinates": []any{coords},
		})
	}

	if len(geom.BoundingRectangles) > 0 {
		rect := geom.BoundingRectangles[0]
		coords := [][]float64{
			{rect.WestBoundingCoordinate, rect.SouthBoundingCoordinate},
			{rect.EastBoundingCoordinate, rect.SouthBoundingCoordinate},
			{rect.EastBoundingCoordinate, rect.NorthBoundingCoordinate},
			{rect.WestBoundingCoordinate, rect.NorthBoundingCoordinate},
			{rect.WestBoundingCoordinate, rect.SouthBoundingCoordinate},
		}
		return json.Marshal(map[string]any{
			"type":        "Polygon",
			"coordinates": []any{coords},
		})
	}

	if len(geom.Points) > 0 {
		pt := geom.Points[0]
		return json.Marshal(map[string]any{
			"type":        "Point",
			"coordinates": []float64{pt.Longitude, pt.Latitude},
		})
	}

	return nil, nil
}

// GetBBox returns the footprint envelope as [west, south, east, north].
func (g *UMMGranule) GetBBox() []float64 {
	if g.SpatialExtent == nil || g.SpatialExtent.HorizontalSpatialDomain == nil ||
		g.SpatialExtent.HorizontalSpatialDomain.Geometry == nil {
		return nil
	}
	geom := g.SpatialExtent.HorizontalSpatialDomain.Geometry

	var pts []Point
	for _, poly := range geom.GPolygons {
		pts = append(pts, poly.Boundary.Points...)
	}
	for _, r := range geom.BoundingRectangles {
		pts = append(pts,
			Point{Longitude: r.WestBoundingCoordinate, Latitude: r.SouthBoundingCoordinate},
			Point{Longitude: r.EastBoundingCoordinate, Latitude: r.NorthBoundingCoordinate},
		)
	}
	pts = append(pts, geom.Points...)
	if len(pts) == 0 {
		return nil
	}

	bbox := []float64{pts[0].Longitude, pts[0].Latitude, pts[0].Longitude, pts[0].Latitude}
	for _, p := range pts[1:] {
		bbox[0] = min(bbox[0], p.Longitude)
		bbox[1] = min(bbox[1], p.Latitude)
		bbox[2] = max(bbox[2], p.Longitude)
		bbox[3] = max(bbox[3], p.Latitude)
	}
	return bbox
}

// parseTime parses a CMR timestamp string.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05.000Z",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", s)
}
