// Package backend provides the CMR mosaic backend: a virtual, per-request
// mosaic over a live granule search. Each read discovers assets, opens them
// with a per-asset session and composites the results.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/credentials"
	"github.com/robert-malhotra/cmr-tiler/internal/mosaic"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
	"github.com/robert-malhotra/cmr-tiler/internal/tms"
	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

// DefaultMaxSize bounds the longest side of a part or feature read when no
// explicit size is requested.
const DefaultMaxSize = 1024

// DefaultMaxDimension caps any output side when the caller sets no limit.
const DefaultMaxDimension = 4096

var (
	// ErrInvalidTile is returned for tile indexes outside the tiling scheme.
	ErrInvalidTile = errors.New("invalid tile")
	// ErrInvalidGeometry is returned for shapes that cannot mask a read.
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// NoAssetsError reports that discovery returned nothing for a read. It is
// returned before any reader is opened.
type NoAssetsError struct {
	Locator string
}

func (e *NoAssetsError) Error() string {
	return "no assets found for " + e.Locator
}

// MosaicInfo is the read-only mosaic definition used for tilejson. It is
// never persisted.
type MosaicInfo struct {
	TMS     string
	Bounds  tms.BBox
	MinZoom int
	MaxZoom int
}

// Center returns [lon, lat, zoom] at the middle of the bounds.
func (m MosaicInfo) Center() [3]float64 {
	return [3]float64{
		(m.Bounds[0] + m.Bounds[2]) / 2,
		(m.Bounds[1] + m.Bounds[3]) / 2,
		float64(m.MinZoom),
	}
}

// Options configures a backend. Assets, Sessions and Engine are required.
type Options struct {
	TMS     *tms.TileMatrixSet
	Reader  reader.Config
	Readers *reader.Registry

	// Bounds defaults to the tiling scheme's geographic extent.
	Bounds  *tms.BBox
	MinZoom *int
	MaxZoom *int

	Identity    *credentials.Identity
	Access      assets.AccessMode
	Assets      assets.Resolver
	Credentials credentials.Resolver
	Sessions    *reader.SessionFactory
	Engine      *mosaic.Engine
	Logger      *slog.Logger
}

// CMRBackend serves tile, part and feature reads. It holds only
// construction-time configuration.
type CMRBackend struct {
	tms       *tms.TileMatrixSet
	info      MosaicInfo
	reader    reader.Reader
	readerErr error
	identity  *credentials.Identity
	access    assets.AccessMode
	assets    assets.Resolver
	creds     credentials.Resolver
	sessions  *reader.SessionFactory
	engine    *mosaic.Engine
	logger    *slog.Logger
}

// New validates the reader configuration and builds a backend. A reader
// kind with no registered factory is accepted here and fails each asset
// read with reader.ErrUnsupportedReader.
func New(opts Options) (*CMRBackend, error) {
	if opts.Assets == nil || opts.Sessions == nil || opts.Engine == nil {
		return nil, errors.New("backend requires an asset resolver, a session factory and a mosaic engine")
	}
	if err := opts.Reader.Validate(); err != nil {
		return nil, err
	}
	if opts.TMS == nil {
		opts.TMS = tms.WebMercatorQuad
	}
	if opts.Readers == nil {
		opts.Readers = reader.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	access := opts.Access
	if access == "" {
		access = assets.AccessExternal
	}

	b := &CMRBackend{
		tms:      opts.TMS,
		identity: opts.Identity,
		access:   access,
		assets:   opts.Assets,
		creds:    opts.Credentials,
		sessions: opts.Sessions,
		engine:   opts.Engine,
		logger:   opts.Logger,
	}

	r, err := opts.Readers.New(opts.Reader)
	switch {
	case errors.Is(err, reader.ErrUnsupportedReader):
		b.readerErr = err
	case err != nil:
		return nil, err
	default:
		b.reader = r
	}

	b.info = MosaicInfo{
		TMS:     opts.TMS.ID,
		Bounds:  opts.TMS.GeographicExtent(),
		MinZoom: opts.TMS.MinZoom,
		MaxZoom: opts.TMS.MaxZoom,
	}
	if opts.Bounds != nil {
		b.info.Bounds = *opts.Bounds
	}
	if opts.MinZoom != nil {
		b.info.MinZoom = *opts.MinZoom
	}
	if opts.MaxZoom != nil {
		b.info.MaxZoom = *opts.MaxZoom
	}
	return b, nil
}

// Info returns the placeholder mosaic definition.
func (b *CMRBackend) Info() MosaicInfo { return b.info }

// TMS returns the backend's tiling scheme.
func (b *CMRBackend) TMS() *tms.TileMatrixSet { return b.tms }

// TileOptions configure a tile read.
type TileOptions struct {
	// TileSize defaults to the scheme's tile size.
	TileSize int
}

// PartOptions configure a bounding box read. BoundsCRS defaults to
// EPSG:4326 and DstCRS to BoundsCRS.
type PartOptions struct {
	DstCRS    string
	BoundsCRS string
	Width     int
	Height    int
	MaxSize   int
}

// FeatureOptions configure a shape read. ShapeCRS defaults to EPSG:4326
// and DstCRS to ShapeCRS.
type FeatureOptions struct {
	DstCRS   string
	ShapeCRS string
	Width    int
	Height   int
	MaxSize  int
}

// AssetsForTile lists the assets intersecting a tile.
func (b *CMRBackend) AssetsForTile(ctx context.Context, x, y, z int, q assets.Query) ([]assets.Asset, error) {
	geo, err := b.tms.Bounds(x, y, z)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTile, err)
	}
	return b.discover(ctx, geo, q)
}

// AssetsForBBox lists the assets intersecting bbox, given in crs.
func (b *CMRBackend) AssetsForBBox(ctx context.Context, bbox tms.BBox, crs string, q assets.Query) ([]assets.Asset, error) {
	if crs == "" {
		crs = tms.EPSG4326
	}
	geo, err := tms.TransformBounds(crs, tms.EPSG4326, bbox)
	if err != nil {
		return nil, err
	}
	return b.discover(ctx, geo, q)
}

func (b *CMRBackend) discover(ctx context.Context, geo tms.BBox, q assets.Query) ([]assets.Asset, error) {
	q.BBox = geo
	q.Access = b.access
	return b.assets.Resolve(ctx, q)
}

// Tile reads one map tile of the backend's tiling scheme.
func (b *CMRBackend) Tile(ctx context.Context, x, y, z int, q assets.Query, opts TileOptions) (*reader.ImageData, []string, error) {
	xy, err := b.tms.XYBounds(x, y, z)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTile, err)
	}
	list, err := b.AssetsForTile(ctx, x, y, z, q)
	if err != nil {
		return nil, nil, err
	}
	if len(list) == 0 {
		return nil, nil, &NoAssetsError{Locator: fmt.Sprintf("tile %d-%d-%d", z, x, y)}
	}

	size := opts.TileSize
	if size <= 0 {
		size = b.tms.TileSize
	}
	req := reader.TileRequest{
		X: x, Y: y, Z: z,
		TMS:  b.tms.ID,
		Grid: reader.Grid{Bounds: xy, CRS: b.tms.CRS, Width: size, Height: size},
	}
	return b.engine.Merge(ctx, list, b.readFunc(func(ctx context.Context, ds reader.Dataset) (*reader.ImageData, error) {
		return ds.Tile(ctx, req)
	}))
}

// Part reads an arbitrary bounding box.
func (b *CMRBackend) Part(ctx context.Context, bbox tms.BBox, q assets.Query, opts PartOptions) (*reader.ImageData, []string, error) {
	boundsCRS, dstCRS, err := crsPair(opts.BoundsCRS, opts.DstCRS)
	if err != nil {
		return nil, nil, err
	}
	if !bbox.Valid() {
		return nil, nil, fmt.Errorf("invalid bounds %v", bbox)
	}
	list, err := b.AssetsForBBox(ctx, bbox, boundsCRS, q)
	if err != nil {
		return nil, nil, err
	}
	if len(list) == 0 {
		return nil, nil, &NoAssetsError{Locator: fmt.Sprintf("bbox %g,%g,%g,%g", bbox[0], bbox[1], bbox[2], bbox[3])}
	}

	dst, err := tms.TransformBounds(boundsCRS, dstCRS, bbox)
	if err != nil {
		return nil, nil, err
	}
	w, h := gridSize(dst, opts.Width, opts.Height, opts.MaxSize)
	req := reader.PartRequest{Grid: reader.Grid{Bounds: dst, CRS: dstCRS, Width: w, Height: h}}
	return b.engine.Merge(ctx, list, b.readFunc(func(ctx context.Context, ds reader.Dataset) (*reader.ImageData, error) {
		return ds.Part(ctx, req)
	}))
}

// Feature reads the envelope of shape and masks pixels outside it.
func (b *CMRBackend) Feature(ctx context.Context, shape *geojson.Geometry, q assets.Query, opts FeatureOptions) (*reader.ImageData, []string, error) {
	shapeCRS, dstCRS, err := crsPair(opts.ShapeCRS, opts.DstCRS)
	if err != nil {
		return nil, nil, err
	}
	if shape == nil || (shape.Type != "Polygon" && shape.Type != "MultiPolygon") {
		return nil, nil, fmt.Errorf("%w: feature reads need a Polygon or MultiPolygon", ErrInvalidGeometry)
	}

	geoShape := shape
	if shapeCRS != tms.EPSG4326 {
		geoShape, err = shape.Transform(func(x, y float64) (float64, float64, error) {
			return tms.ToGeographic(shapeCRS, x, y)
		})
		if err != nil {
			return nil, nil, err
		}
	}
	env, err := geojson.ComputeBBox(geoShape)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	geo := tms.BBox{env[0], env[1], env[2], env[3]}

	list, err := b.discover(ctx, geo, q)
	if err != nil {
		return nil, nil, err
	}
	if len(list) == 0 {
		return nil, nil, &NoAssetsError{Locator: fmt.Sprintf("feature bounds %g,%g,%g,%g", geo[0], geo[1], geo[2], geo[3])}
	}

	dst, err := tms.TransformBounds(tms.EPSG4326, dstCRS, geo)
	if err != nil {
		return nil, nil, err
	}
	w, h := gridSize(dst, opts.Width, opts.Height, opts.MaxSize)
	req := reader.FeatureRequest{
		Grid:  reader.Grid{Bounds: dst, CRS: dstCRS, Width: w, Height: h},
		Shape: geoShape,
	}
	return b.engine.Merge(ctx, list, b.readFunc(func(ctx context.Context, ds reader.Dataset) (*reader.ImageData, error) {
		return ds.Feature(ctx, req)
	}))
}

// Point sampling is not offered by the mosaic backend.
func (b *CMRBackend) Point(context.Context, float64, float64, assets.Query) ([]float64, []string, error) {
	return nil, nil, reader.ErrNotSupported
}

// readFunc wraps a dataset operation with per-asset credentials, a
// per-asset session and scoped dataset acquisition.
func (b *CMRBackend) readFunc(op func(context.Context, reader.Dataset) (*reader.ImageData, error)) mosaic.ReadFunc {
	return func(ctx context.Context, a assets.Asset) (*reader.ImageData, error) {
		if b.readerErr != nil {
			return nil, b.readerErr
		}

		var creds *credentials.S3Credentials
		if b.access == assets.AccessDirect && b.identity != nil && b.creds != nil {
			c, err := b.creds.Resolve(ctx, b.identity, a.Provider)
			if err != nil {
				return nil, fmt.Errorf("credentials for provider %s: %w", a.Provider, err)
			}
			creds = &c
		}

		sess := b.sessions.New(creds, b.identity)
		defer sess.Close()

		ds, err := b.reader.Open(ctx, reader.Source{ID: a.ID, URL: a.URL, Bands: a.Bands}, sess)
		if err != nil {
			return nil, err
		}
		defer ds.Close()

		b.logger.Debug("reading asset", slog.String("asset", a.ID))
		return op(ctx, ds)
	}
}

func crsPair(src, dst string) (string, string, error) {
	s, err := tms.ParseCRS(src, tms.EPSG4326)
	if err != nil {
		return "", "", err
	}
	d, err := tms.ParseCRS(dst, s)
	if err != nil {
		return "", "", err
	}
	return s, d, nil
}

// gridSize picks the output size. Explicit width and height win; a single
// dimension keeps the aspect ratio; otherwise the longest side is maxSize.
// A derived side never exceeds the larger of the explicit side and maxSize.
func gridSize(b tms.BBox, width, height, maxSize int) (int, int) {
	if width > 0 && height > 0 {
		return width, height
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	ratio := 1.0
	if b.Width() > 0 && b.Height() > 0 {
		ratio = b.Width() / b.Height()
	}
	round := func(v float64, limit int) int {
		return max(1, int(math.Round(min(v, float64(limit)))))
	}

	switch {
	case width > 0:
		return width, round(float64(width)/ratio, max(width, maxSize))
	case height > 0:
		return round(float64(height)*ratio, max(height, maxSize)), height
	case ratio >= 1:
		return maxSize, round(float64(maxSize)/ratio, maxSize)
	default:
		return round(float64(maxSize)*ratio, maxSize), maxSize
	}
}
