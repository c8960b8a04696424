// Package reader opens one granule asset and samples it into a requested
// output grid. Readers are selected by Kind and configured by a validated
// Config built once per request.
package reader

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedReader is returned when no reader is registered for a kind.
	ErrUnsupportedReader = errors.New("unsupported reader")
	// ErrNotSupported is returned for operations the mosaic backend does not offer.
	ErrNotSupported = errors.New("operation not supported")
)

// Kind tags the reader variant.
type Kind string

const (
	// KindRasterio reads a single-file raster asset.
	KindRasterio Kind = "rasterio"
	// KindMultiBand composites one file per band.
	KindMultiBand Kind = "multiband"
	// KindXarray reads a variable from a hierarchical array dataset.
	KindXarray Kind = "xarray"
)

// ParseKind maps the "backend" query value to a kind. A rasterio request
// with a band regex becomes KindMultiBand.
func ParseKind(backend string, hasBandsRegex bool) (Kind, error) {
	switch backend {
	case "", string(KindRasterio):
		if hasBandsRegex {
			return KindMultiBand, nil
		}
		return KindRasterio, nil
	case string(KindXarray):
		return KindXarray, nil
	}
	return "", fmt.Errorf("backend must be 'rasterio' or 'xarray', got %q", backend)
}

// RasterOptions configure the rasterio and multiband readers.
type RasterOptions struct {
	// Bands selects band labels, in output order, for multiband assets.
	Bands []string
	// Indexes selects 1-based band indexes of a single-file asset.
	Indexes    []int
	NoData     *float64
	Unscale    bool
	Resampling string
}

// XarrayOptions configure the hierarchical array reader.
type XarrayOptions struct {
	Variable     string
	Group        *int
	Reference    bool
	DecodeTimes  bool
	Consolidated bool
	TimeSlice    string
	DropDim      string
}

// Config is the complete, validated reader configuration for one request.
type Config struct {
	Kind   Kind
	Raster RasterOptions
	Xarray XarrayOptions
}

// Validate checks the options against the kind.
func (c Config) Validate() error {
	switch c.Kind {
	case KindRasterio, KindMultiBand:
		for _, idx := range c.Raster.Indexes {
			if idx < 1 {
				return fmt.Errorf("bidx must be >= 1, got %d", idx)
			}
		}
		if c.Raster.Resampling != "" && c.Raster.Resampling != "nearest" {
			return fmt.Errorf("unsupported resampling method %q", c.Raster.Resampling)
		}
	case KindXarray:
		if c.Xarray.Variable == "" {
			return errors.New("variable is required for the xarray backend")
		}
		if c.Xarray.Group != nil && *c.Xarray.Group < 0 {
			return fmt.Errorf("group must be >= 0, got %d", *c.Xarray.Group)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedReader, c.Kind)
	}
	return nil
}
