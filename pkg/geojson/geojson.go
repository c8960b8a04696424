// Package geojson provides the GeoJSON geometry and feature types accepted
// in request bodies, plus the envelope, masking and reprojection helpers the
// raster endpoints need.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Geometry represents a GeoJSON geometry object. Coordinates stay raw until
// a typed accessor decodes them.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

func decode[T any](g *Geometry, want string) (T, error) {
	var coords T
	if g == nil {
		return coords, errors.New("geometry is nil")
	}
	if g.Type != want {
		return coords, fmt.Errorf("geometry is not a %s, got %s", want, g.Type)
	}
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return coords, fmt.Errorf("failed to unmarshal %s coordinates: %w", want, err)
	}
	return coords, nil
}

// Point returns the coordinates as a Point [lon, lat].
func (g *Geometry) Point() ([]float64, error) {
	coords, err := decode[[]float64](g, "Point")
	if err != nil {
		return nil, err
	}
	if len(coords) < 2 {
		return nil, fmt.Errorf("invalid Point coordinates: expected at least 2 values, got %d", len(coords))
	}
	return coords, nil
}

// LineString returns the coordinates as a LineString [][lon, lat].
func (g *Geometry) LineString() ([][]float64, error) {
	return decode[[][]float64](g, "LineString")
}

// Polygon returns the coordinates as a Polygon [][][lon, lat].
func (g *Geometry) Polygon() ([][][]float64, error) {
	return decode[[][][]float64](g, "Polygon")
}

// MultiPolygon returns the coordinates as a MultiPolygon [][][][lon, lat].
func (g *Geometry) MultiPolygon() ([][][][]float64, error) {
	return decode[[][][][]float64](g, "MultiPolygon")
}

// polygons returns the geometry as a list of polygons. Point and
// LineString geometries have no area and are rejected.
func (g *Geometry) polygons() ([][][][]float64, error) {
	switch g.Type {
	case "Polygon":
		p, err := g.Polygon()
		if err != nil {
			return nil, err
		}
		return [][][][]float64{p}, nil
	case "MultiPolygon":
		return g.MultiPolygon()
	}
	return nil, fmt.Errorf("geometry type %s has no area", g.Type)
}

// BBox computes the bounding box of the geometry as [west, south, east, north].
func (g *Geometry) BBox() ([]float64, error) {
	return ComputeBBox(g)
}

// ComputeBBox computes the bounding box of a geometry as [west, south, east, north].
func ComputeBBox(g *Geometry) ([]float64, error) {
	if g == nil {
		return nil, errors.New("geometry is nil")
	}

	var points [][]float64
	switch g.Type {
	case "Point":
		p, err := g.Point()
		if err != nil {
			return nil, err
		}
		points = [][]float64{p}
	case "LineString":
		line, err := g.LineString()
		if err != nil {
			return nil, err
		}
		points = line
	case "Polygon", "MultiPolygon":
		polys, err := g.polygons()
		if err != nil {
			return nil, err
		}
		for _, poly := range polys {
			for _, ring := range poly {
				points = append(points, ring...)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.Type)
	}

	minLon, minLat := math.Inf(1), math.Inf(1)
	maxLon, maxLat := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		if len(p) < 2 {
			continue
		}
		minLon, maxLon = math.Min(minLon, p[0]), math.Max(maxLon, p[0])
		minLat, maxLat = math.Min(minLat, p[1]), math.Max(maxLat, p[1])
	}

	if math.IsInf(minLon, 0) || math.IsInf(minLat, 0) {
		return nil, errors.New("failed to compute bounding box: no valid coordinates found")
	}

	return []float64{minLon, minLat, maxLon, maxLat}, nil
}

// NewPolygonFromBBox creates a polygon geometry from [west, south, east, north].
func NewPolygonFromBBox(bbox []float64) (*Geometry, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values [west, south, east, north], got %d", len(bbox))
	}

	west, south, east, north := bbox[0], bbox[1], bbox[2], bbox[3]
	coords := [][][]float64{{
		{west, south},
		{east, south},
		{east, north},
		{west, north},
		{west, south},
	}}

	coordsJSON, err := json.Marshal(coords)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal polygon coordinates: %w", err)
	}

	return &Geometry{Type: "Polygon", Coordinates: coordsJSON}, nil
}

// Transform applies fn to every coordinate and returns a new geometry.
func (g *Geometry) Transform(fn func(x, y float64) (float64, float64, error)) (*Geometry, error) {
	if g == nil {
		return nil, errors.New("geometry is nil")
	}

	mapPoint := func(p []float64) ([]float64, error) {
		if len(p) < 2 {
			return p, nil
		}
		x, y, err := fn(p[0], p[1])
		if err != nil {
			return nil, err
		}
		return append([]float64{x, y}, p[2:]...), nil
	}
	mapRing := func(ring [][]float64) ([][]float64, error) {
		out := make([][]float64, len(ring))
		for i, p := range ring {
			q, err := mapPoint(p)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	}

	var (
		coords any
		err    error
	)
	switch g.Type {
	case "Point":
		var p []float64
		if p, err = g.Point(); err == nil {
			coords, err = mapPoint(p)
		}
	case "LineString":
		var line [][]float64
		if line, err = g.LineString(); err == nil {
			coords, err = mapRing(line)
		}
	case "Polygon", "MultiPolygon":
		var polys [][][][]float64
		if polys, err = g.polygons(); err != nil {
			break
		}
		out := make([][][][]float64, len(polys))
		for i, poly := range polys {
			out[i] = make([][][]float64, len(poly))
			for j, ring := range poly {
				if out[i][j], err = mapRing(ring); err != nil {
					return nil, err
				}
			}
		}
		if g.Type == "Polygon" {
			coords = out[0]
		} else {
			coords = out
		}
	default:
		err = fmt.Errorf("unsupported geometry type: %s", g.Type)
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(coords)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coordinates: %w", err)
	}
	return &Geometry{Type: g.Type, Coordinates: raw}, nil
}

// Mask tests points against a polygonal geometry using the even-odd rule,
// so polygon holes are excluded.
type Mask struct {
	polygons [][][][]float64
}

// NewMask builds a mask from a Polygon or MultiPolygon.
func NewMask(g *Geometry) (*Mask, error) {
	if g == nil {
		return nil, errors.New("geometry is nil")
	}
	polys, err := g.polygons()
	if err != nil {
		return nil, err
	}
	return &Mask{polygons: polys}, nil
}

// Contains reports whether (x, y) lies inside the geometry.
func (m *Mask) Contains(x, y float64) bool {
	for _, poly := range m.polygons {
		inside := false
		for _, ring := range poly {
			if ringContains(ring, x, y) {
				inside = !inside
			}
		}
		if inside {
			return true
		}
	}
	return false
}

func ringContains(ring [][]float64, x, y float64) bool {
	in := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if len(ring[i]) < 2 || len(ring[j]) < 2 {
			continue
		}
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}
