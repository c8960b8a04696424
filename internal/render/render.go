// Package render turns mosaic output into images and zonal statistics.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"github.com/robert-malhotra/cmr-tiler/internal/reader"
)

// ErrUnsupportedFormat is returned for output formats other than PNG and JPEG.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format is an output image format.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
)

// ParseFormat accepts png, jpeg and jpg. An empty string yields def.
func ParseFormat(s string, def Format) (Format, error) {
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "png":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedFormat, s)
}

// MediaType returns the Content-Type of the format.
func (f Format) MediaType() string {
	if f == JPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Options control how band values become colors.
type Options struct {
	// Rescale maps [min, max] to [0, 255], per band. A single range applies
	// to every band.
	Rescale [][2]float64
	// Colormap colors single-band output.
	Colormap Colormap
	// ReturnMask makes masked pixels transparent in PNG output.
	ReturnMask bool
}

// Encode renders img. One band renders as gray (or through the colormap),
// three or more bands render the first three as RGB.
func Encode(img *reader.ImageData, format Format, opts Options) ([]byte, error) {
	if img == nil || img.Count() == 0 {
		return nil, errors.New("nothing to render")
	}
	if len(opts.Rescale) > 1 && len(opts.Rescale) != img.Count() {
		return nil, fmt.Errorf("rescale has %d ranges for %d bands", len(opts.Rescale), img.Count())
	}

	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	rgb := img.Count() >= 3
	for i := range img.Width * img.Height {
		var c color.NRGBA
		switch {
		case rgb:
			c = color.NRGBA{opts.scale(img, 0, i), opts.scale(img, 1, i), opts.scale(img, 2, i), 255}
		case opts.Colormap != nil:
			v := img.Bands[0][i]
			if len(opts.Rescale) > 0 {
				v = float64(opts.scale(img, 0, i))
			}
			cm, ok := opts.Colormap[int(math.Round(v))]
			if ok {
				c = color.NRGBA{cm.R, cm.G, cm.B, cm.A}
			}
		default:
			g := opts.scale(img, 0, i)
			c = color.NRGBA{g, g, g, 255}
		}
		if opts.ReturnMask && !img.Valid(i) {
			c.A = 0
		}
		out.SetNRGBA(i%img.Width, i/img.Width, c)
	}

	var buf bytes.Buffer
	switch format {
	case JPEG:
		if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case PNG, "":
		if err := png.Encode(&buf, out); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
	return buf.Bytes(), nil
}

// scale converts band b of pixel i to 8 bits.
func (o Options) scale(img *reader.ImageData, b, i int) uint8 {
	v := img.Bands[b][i]
	if len(o.Rescale) > 0 {
		r := o.Rescale[0]
		if len(o.Rescale) > 1 {
			r = o.Rescale[b]
		}
		if r[1] == r[0] {
			return 0
		}
		v = (v - r[0]) / (r[1] - r[0]) * 255
	}
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(max(0, min(255, v))))
}
