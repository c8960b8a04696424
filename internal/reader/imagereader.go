package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/robert-malhotra/cmr-tiler/internal/tms"
	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

// WorldFile is an ESRI world file georeferencing an image in EPSG:4326.
// C and F locate the center of the upper-left pixel.
type WorldFile struct {
	A, D, B, E, C, F float64
}

// ParseWorldFile reads the six world file parameters. Rotated images are rejected.
func ParseWorldFile(data []byte) (WorldFile, error) {
	fields := strings.Fields(string(data))
	if len(fields) < 6 {
		return WorldFile{}, fmt.Errorf("world file has %d values, want 6", len(fields))
	}
	var v [6]float64
	for i := range v {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return WorldFile{}, fmt.Errorf("world file value %d: %w", i+1, err)
		}
		v[i] = f
	}
	w := WorldFile{A: v[0], D: v[1], B: v[2], E: v[3], C: v[4], F: v[5]}
	if w.B != 0 || w.D != 0 {
		return WorldFile{}, errors.New("rotated world files are not supported")
	}
	if w.A == 0 || w.E == 0 {
		return WorldFile{}, errors.New("world file has zero pixel size")
	}
	return w, nil
}

// pixel returns the pixel containing (x, y).
func (w WorldFile) pixel(x, y float64) (col, row int) {
	return int(math.Floor((x-w.C)/w.A + 0.5)), int(math.Floor((y-w.F)/w.E + 0.5))
}

// Bounds is the georeferenced extent of a width x height image.
func (w WorldFile) Bounds(width, height int) tms.BBox {
	x0 := w.C - w.A/2
	y0 := w.F - w.E/2
	x1 := x0 + w.A*float64(width)
	y1 := y0 + w.E*float64(height)
	return tms.BBox{min(x0, x1), min(y0, y1), max(x0, x1), max(y0, y1)}
}

// sidecars lists candidate world file URLs for an image URL, most specific first.
func sidecars(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return nil
	}
	ext := strings.ToLower(path.Ext(u.Path))
	base := strings.TrimSuffix(u.Path, path.Ext(u.Path))

	var exts []string
	switch ext {
	case ".png":
		exts = append(exts, ".pgw")
	case ".jpg", ".jpeg":
		exts = append(exts, ".jgw")
	case ".gif":
		exts = append(exts, ".gfw")
	}
	exts = append(exts, ".wld")

	out := make([]string, 0, len(exts))
	for _, e := range exts {
		c := *u
		c.Path = base + e
		c.RawPath = ""
		if u.Scheme == "" {
			out = append(out, c.Path)
			continue
		}
		out = append(out, c.String())
	}
	return out
}

// ImageReader reads PNG, JPEG and GIF granules georeferenced by a world
// file sidecar, sampling with nearest neighbour. Image formats carry no
// scale/offset, so Unscale has no effect.
type ImageReader struct {
	opts RasterOptions
}

// NewImageReader is the Factory for KindRasterio.
func NewImageReader(cfg Config) (Reader, error) {
	return &ImageReader{opts: cfg.Raster}, nil
}

// Open fetches and decodes the image and its world file.
func (r *ImageReader) Open(ctx context.Context, src Source, sess *Session) (Dataset, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("asset %s has no single-file URL", src.ID)
	}

	data, err := sess.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src.URL, err)
	}

	var (
		world   WorldFile
		lastErr error
		found   bool
	)
	for _, candidate := range sidecars(src.URL) {
		raw, err := sess.Fetch(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if world, err = ParseWorldFile(raw); err != nil {
			return nil, fmt.Errorf("world file %s: %w", candidate, err)
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("no world file for %s: %v", src.URL, lastErr)
	}

	_, gray := img.(*image.Gray)
	_, gray16 := img.(*image.Gray16)
	count := 3
	if gray || gray16 {
		count = 1
	}

	sel := r.opts.Indexes
	if len(sel) == 0 {
		sel = make([]int, count)
		for i := range sel {
			sel[i] = i + 1
		}
	}
	for _, idx := range sel {
		if idx > count {
			return nil, fmt.Errorf("bidx %d out of range for %s (%d bands)", idx, src.ID, count)
		}
	}

	return &imageDataset{img: img, world: world, indexes: sel, nodata: r.opts.NoData}, nil
}

type imageDataset struct {
	img     image.Image
	world   WorldFile
	indexes []int
	nodata  *float64
}

func (d *imageDataset) Tile(ctx context.Context, req TileRequest) (*ImageData, error) {
	return d.read(ctx, req.Grid, nil)
}

func (d *imageDataset) Part(ctx context.Context, req PartRequest) (*ImageData, error) {
	return d.read(ctx, req.Grid, nil)
}

func (d *imageDataset) Feature(ctx context.Context, req FeatureRequest) (*ImageData, error) {
	mask, err := geojson.NewMask(req.Shape)
	if err != nil {
		return nil, err
	}
	return d.read(ctx, req.Grid, mask)
}

func (d *imageDataset) Close() error {
	d.img = nil
	return nil
}

// sample returns the pixel's band values and whether it holds data.
func (d *imageDataset) sample(x, y int) ([3]float64, bool) {
	switch im := d.img.(type) {
	case *image.Gray:
		return [3]float64{float64(im.GrayAt(x, y).Y)}, true
	case *image.Gray16:
		return [3]float64{float64(im.Gray16At(x, y).Y)}, true
	}
	r, g, b, a := d.img.At(x, y).RGBA()
	if a == 0 {
		return [3]float64{}, false
	}
	// un-premultiply to 8-bit
	scale := func(c uint32) float64 { return float64((c * 0xffff / a) >> 8) }
	return [3]float64{scale(r), scale(g), scale(b)}, true
}

func (d *imageDataset) read(ctx context.Context, grid Grid, mask *geojson.Mask) (*ImageData, error) {
	if d.img == nil {
		return nil, errors.New("dataset is closed")
	}
	if grid.Width <= 0 || grid.Height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", grid.Width, grid.Height)
	}

	out := NewImageData(grid.Width, grid.Height, len(d.indexes), grid.Bounds, grid.CRS)
	for i, idx := range d.indexes {
		out.BandNames[i] = fmt.Sprintf("b%d", idx)
	}

	rect := d.img.Bounds()
	for row := range grid.Height {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for col := range grid.Width {
			x, y := grid.PixelCenter(col, row)
			lon, lat, err := tms.ToGeographic(grid.CRS, x, y)
			if err != nil {
				return nil, err
			}
			if mask != nil && !mask.Contains(lon, lat) {
				continue
			}
			px, py := d.world.pixel(lon, lat)
			if px < 0 || py < 0 || px >= rect.Dx() || py >= rect.Dy() {
				continue
			}
			vals, ok := d.sample(rect.Min.X+px, rect.Min.Y+py)
			if !ok {
				continue
			}

			i := row*grid.Width + col
			allNoData := d.nodata != nil
			for b, idx := range d.indexes {
				v := vals[idx-1]
				out.Bands[b][i] = v
				if allNoData && v != *d.nodata {
					allNoData = false
				}
			}
			out.Mask[i] = !allNoData
		}
	}
	return out, nil
}
