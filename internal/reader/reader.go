package reader

import (
	"context"
	"fmt"
	"sync"

	"github.com/robert-malhotra/cmr-tiler/internal/tms"
	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

// Grid is the output raster a read samples into.
type Grid struct {
	Bounds tms.BBox
	CRS    string
	Width  int
	Height int
}

// PixelCenter returns the CRS coordinate of the center of pixel (col, row).
func (g Grid) PixelCenter(col, row int) (x, y float64) {
	resX := g.Bounds.Width() / float64(g.Width)
	resY := g.Bounds.Height() / float64(g.Height)
	return g.Bounds[0] + (float64(col)+0.5)*resX, g.Bounds[3] - (float64(row)+0.5)*resY
}

// Source locates one asset: a single URL or a band -> URL map.
type Source struct {
	ID    string
	URL   string
	Bands map[string]string
}

// TileRequest reads one map tile.
type TileRequest struct {
	X, Y, Z int
	TMS     string
	Grid    Grid
}

// PartRequest reads an arbitrary bounding box.
type PartRequest struct {
	Grid Grid
}

// FeatureRequest reads the envelope of a shape and masks pixels outside it.
// Shape is in geographic coordinates.
type FeatureRequest struct {
	Grid  Grid
	Shape *geojson.Geometry
}

// Dataset is an opened asset. Close must be called on every path once the
// dataset is no longer needed.
type Dataset interface {
	Tile(ctx context.Context, req TileRequest) (*ImageData, error)
	Part(ctx context.Context, req PartRequest) (*ImageData, error)
	Feature(ctx context.Context, req FeatureRequest) (*ImageData, error)
	Close() error
}

// Reader opens assets with a per-asset session.
type Reader interface {
	Open(ctx context.Context, src Source, sess *Session) (Dataset, error)
}

// Factory builds a reader for a validated configuration.
type Factory func(cfg Config) (Reader, error)

// Registry maps reader kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns a registry with the built-in rasterio and multiband readers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Kind]Factory)}
	r.Register(KindRasterio, NewImageReader)
	r.Register(KindMultiBand, NewMultiBandReader)
	return r
}

// Register installs or replaces the factory for kind.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds the reader for cfg.Kind.
func (r *Registry) New(cfg Config) (Reader, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no reader registered for %q", ErrUnsupportedReader, cfg.Kind)
	}
	return f(cfg)
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register installs a factory in the process-wide registry.
func Register(kind Kind, f Factory) { defaultRegistry.Register(kind, f) }
