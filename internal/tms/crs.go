package tms

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Supported coordinate reference systems.
const (
	EPSG4326 = "EPSG:4326"
	EPSG3857 = "EPSG:3857"
)

const (
	earthRadius = 6378137.0
	mercatorMax = math.Pi * earthRadius
	// latitude at which web mercator becomes square
	mercatorMaxLat = 85.0511287798066
	densifyPoints  = 21
)

// ErrUnsupportedCRS is returned for CRS identifiers other than EPSG:4326 and EPSG:3857.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

// ParseCRS normalises a CRS identifier (EPSG code, OGC URI or CRS84) to
// EPSG:4326 or EPSG:3857. An empty string yields def.
func ParseCRS(s, def string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return def, nil
	}
	upper := strings.ToUpper(v)
	switch {
	case upper == "EPSG:4326", upper == "CRS84", upper == "OGC:CRS84",
		strings.HasSuffix(upper, "/EPSG/0/4326"), strings.HasSuffix(upper, "/OGC/1.3/CRS84"):
		return EPSG4326, nil
	case upper == "EPSG:3857", upper == "EPSG:900913",
		strings.HasSuffix(upper, "/EPSG/0/3857"):
		return EPSG3857, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedCRS, s)
}

// URI returns the OGC URI for a supported CRS.
func URI(crs string) string {
	switch crs {
	case EPSG3857:
		return "http://www.opengis.net/def/crs/EPSG/0/3857"
	default:
		return "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	}
}

// ToGeographic converts a coordinate in crs to longitude/latitude.
func ToGeographic(crs string, x, y float64) (lon, lat float64, err error) {
	switch crs {
	case EPSG4326:
		return x, y, nil
	case EPSG3857:
		lon = x / earthRadius * 180 / math.Pi
		lat = (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
		return lon, lat, nil
	}
	return 0, 0, fmt.Errorf("%w %q", ErrUnsupportedCRS, crs)
}

// FromGeographic converts longitude/latitude to crs. Latitudes beyond the
// mercator limit are clamped.
func FromGeographic(crs string, lon, lat float64) (x, y float64, err error) {
	switch crs {
	case EPSG4326:
		return lon, lat, nil
	case EPSG3857:
		lat = max(-mercatorMaxLat, min(mercatorMaxLat, lat))
		x = lon * math.Pi / 180 * earthRadius
		y = math.Log(math.Tan(math.Pi/4+lat*math.Pi/360)) * earthRadius
		return x, y, nil
	}
	return 0, 0, fmt.Errorf("%w %q", ErrUnsupportedCRS, crs)
}

// Transform converts a coordinate between two supported CRSs.
func Transform(src, dst string, x, y float64) (float64, float64, error) {
	if src == dst {
		return x, y, nil
	}
	lon, lat, err := ToGeographic(src, x, y)
	if err != nil {
		return 0, 0, err
	}
	return FromGeographic(dst, lon, lat)
}

// TransformBounds reprojects a box by densifying its edges and taking the
// envelope of the transformed points.
func TransformBounds(src, dst string, b BBox) (BBox, error) {
	if src == dst {
		return b, nil
	}
	out := BBox{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	add := func(x, y float64) error {
		tx, ty, err := Transform(src, dst, x, y)
		if err != nil {
			return err
		}
		out[0] = min(out[0], tx)
		out[1] = min(out[1], ty)
		out[2] = max(out[2], tx)
		out[3] = max(out[3], ty)
		return nil
	}
	for i := range densifyPoints {
		f := float64(i) / float64(densifyPoints-1)
		x := b[0] + f*b.Width()
		y := b[1] + f*b.Height()
		for _, p := range [][2]float64{{x, b[1]}, {x, b[3]}, {b[0], y}, {b[2], y}} {
			if err := add(p[0], p[1]); err != nil {
				return BBox{}, err
			}
		}
	}
	return out, nil
}
