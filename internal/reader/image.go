package reader

import (
	"fmt"

	"github.com/robert-malhotra/cmr-tiler/internal/tms"
)

// ImageData is a band-interleaved raster with a validity mask. Pixel i of
// band b is Bands[b][i]; Mask[i] is true when the pixel holds data.
type ImageData struct {
	Width     int
	Height    int
	Bands     [][]float64
	Mask      []bool
	BandNames []string
	Bounds    tms.BBox
	CRS       string
	// Assets lists the contributing asset ids after a mosaic merge.
	Assets []string
}

// NewImageData allocates a fully masked image.
func NewImageData(width, height, count int, bounds tms.BBox, crs string) *ImageData {
	n := width * height
	bands := make([][]float64, count)
	names := make([]string, count)
	for b := range bands {
		bands[b] = make([]float64, n)
		names[b] = fmt.Sprintf("b%d", b+1)
	}
	return &ImageData{
		Width:     width,
		Height:    height,
		Bands:     bands,
		Mask:      make([]bool, n),
		BandNames: names,
		Bounds:    bounds,
		CRS:       crs,
	}
}

// Count is the number of bands.
func (d *ImageData) Count() int { return len(d.Bands) }

// Valid reports whether pixel i holds data.
func (d *ImageData) Valid(i int) bool { return d.Mask[i] }

// ValidCount is the number of pixels holding data.
func (d *ImageData) ValidCount() int {
	n := 0
	for _, v := range d.Mask {
		if v {
			n++
		}
	}
	return n
}

// Full reports whether no pixel is missing.
func (d *ImageData) Full() bool {
	for _, v := range d.Mask {
		if !v {
			return false
		}
	}
	return true
}

// SameShape reports whether o can be composited onto d.
func (d *ImageData) SameShape(o *ImageData) bool {
	return d.Width == o.Width && d.Height == o.Height && d.Count() == o.Count()
}
