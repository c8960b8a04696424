// Package tms defines the tile matrix sets the service can render into and
// the coordinate conversions between them.
package tms

import (
	"fmt"
	"math"
	"sort"
)

// BBox is minx, miny, maxx, maxy.
type BBox [4]float64

// Width of the box.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height of the box.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Intersects reports whether b and o overlap with non-zero area.
func (b BBox) Intersects(o BBox) bool {
	return b[0] < o[2] && o[0] < b[2] && b[1] < o[3] && o[1] < b[3]
}

// Valid reports whether the box is ordered.
func (b BBox) Valid() bool {
	return b[0] <= b[2] && b[1] <= b[3]
}

// TileMatrixSet is a quadtree tiling of one CRS. Zoom level z has
// MatrixWidth(z) x MatrixHeight(z) tiles of TileSize pixels.
type TileMatrixSet struct {
	ID       string
	Title    string
	CRS      string
	URI      string
	Extent   BBox // in CRS units
	TileSize int
	MinZoom  int
	MaxZoom  int

	// columns at zoom 0
	baseCols int
}

// MatrixWidth is the number of tile columns at zoom z.
func (t *TileMatrixSet) MatrixWidth(z int) int { return t.baseCols << z }

// MatrixHeight is the number of tile rows at zoom z.
func (t *TileMatrixSet) MatrixHeight(z int) int { return 1 << z }

// CellSize is the CRS size of one pixel at zoom z.
func (t *TileMatrixSet) CellSize(z int) float64 {
	return t.Extent.Height() / float64(t.MatrixHeight(z)) / float64(t.TileSize)
}

// Contains reports whether the tile exists in the set.
func (t *TileMatrixSet) Contains(x, y, z int) bool {
	return z >= t.MinZoom && z <= t.MaxZoom &&
		x >= 0 && x < t.MatrixWidth(z) &&
		y >= 0 && y < t.MatrixHeight(z)
}

// XYBounds returns the tile bounds in the set's CRS.
func (t *TileMatrixSet) XYBounds(x, y, z int) (BBox, error) {
	if !t.Contains(x, y, z) {
		return BBox{}, fmt.Errorf("tile %d/%d/%d is outside %s", z, x, y, t.ID)
	}
	w := t.Extent.Width() / float64(t.MatrixWidth(z))
	h := t.Extent.Height() / float64(t.MatrixHeight(z))
	minx := t.Extent[0] + float64(x)*w
	maxy := t.Extent[3] - float64(y)*h
	return BBox{minx, maxy - h, minx + w, maxy}, nil
}

// Bounds returns the tile bounds in geographic longitude/latitude.
func (t *TileMatrixSet) Bounds(x, y, z int) (BBox, error) {
	b, err := t.XYBounds(x, y, z)
	if err != nil {
		return BBox{}, err
	}
	return TransformBounds(t.CRS, EPSG4326, b)
}

// GeographicExtent is the set's extent in longitude/latitude.
func (t *TileMatrixSet) GeographicExtent() BBox {
	b, err := TransformBounds(t.CRS, EPSG4326, t.Extent)
	if err != nil {
		return BBox{-180, -90, 180, 90}
	}
	return b
}

// TileRange returns the inclusive tile index range covering a geographic box at zoom z.
func (t *TileMatrixSet) TileRange(geo BBox, z int) (minX, minY, maxX, maxY int, err error) {
	b, err := TransformBounds(EPSG4326, t.CRS, geo)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	w := t.Extent.Width() / float64(t.MatrixWidth(z))
	h := t.Extent.Height() / float64(t.MatrixHeight(z))
	clamp := func(v, n int) int { return max(0, min(v, n-1)) }
	minX = clamp(int(math.Floor((b[0]-t.Extent[0])/w)), t.MatrixWidth(z))
	maxX = clamp(int(math.Ceil((b[2]-t.Extent[0])/w))-1, t.MatrixWidth(z))
	minY = clamp(int(math.Floor((t.Extent[3]-b[3])/h)), t.MatrixHeight(z))
	maxY = clamp(int(math.Ceil((t.Extent[3]-b[1])/h))-1, t.MatrixHeight(z))
	return minX, minY, maxX, maxY, nil
}

// WebMercatorQuad is the EPSG:3857 quadtree used by most web maps.
var WebMercatorQuad = &TileMatrixSet{
	ID:       "WebMercatorQuad",
	Title:    "Google Maps Compatible for the World",
	CRS:      EPSG3857,
	URI:      "http://www.opengis.net/def/tilematrixset/OGC/1.0/WebMercatorQuad",
	Extent:   BBox{-mercatorMax, -mercatorMax, mercatorMax, mercatorMax},
	TileSize: 256,
	MinZoom:  0,
	MaxZoom:  24,
	baseCols: 1,
}

// WorldCRS84Quad is the geographic quadtree with two tiles at zoom 0.
var WorldCRS84Quad = &TileMatrixSet{
	ID:       "WorldCRS84Quad",
	Title:    "CRS84 for the World",
	CRS:      EPSG4326,
	URI:      "http://www.opengis.net/def/tilematrixset/OGC/1.0/WorldCRS84Quad",
	Extent:   BBox{-180, -90, 180, 90},
	TileSize: 256,
	MinZoom:  0,
	MaxZoom:  17,
	baseCols: 2,
}

// Registry holds the available tile matrix sets by id.
type Registry struct {
	sets map[string]*TileMatrixSet
}

// DefaultRegistry returns the built-in sets.
func DefaultRegistry() *Registry {
	return NewRegistry(WebMercatorQuad, WorldCRS84Quad)
}

// NewRegistry builds a registry from sets.
func NewRegistry(sets ...*TileMatrixSet) *Registry {
	r := &Registry{sets: make(map[string]*TileMatrixSet, len(sets))}
	for _, s := range sets {
		r.sets[s.ID] = s
	}
	return r
}

// Get looks up a set by id.
func (r *Registry) Get(id string) (*TileMatrixSet, bool) {
	s, ok := r.sets[id]
	return s, ok
}

// List returns the registered ids in sorted order.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.sets))
	for id := range r.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
