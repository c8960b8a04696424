package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	ogcapi "github.com/planetlabs/go-ogc/api"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/backend"
	"github.com/robert-malhotra/cmr-tiler/internal/config"
	"github.com/robert-malhotra/cmr-tiler/internal/credentials"
	"github.com/robert-malhotra/cmr-tiler/internal/mosaic"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
	"github.com/robert-malhotra/cmr-tiler/internal/render"
	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
	"github.com/robert-malhotra/cmr-tiler/internal/tms"
	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

// maxBodySize bounds GeoJSON request bodies.
const maxBodySize = 10 << 20

// Dependencies are the shared services every request's backend is built
// from. Assets, Sessions and Engine are required.
type Dependencies struct {
	Assets         assets.Resolver
	Credentials    credentials.Resolver
	Identity       *credentials.Identity
	Access         assets.AccessMode
	Sessions       *reader.SessionFactory
	Engine         *mosaic.Engine
	Readers        *reader.Registry
	TileMatrixSets *tms.Registry
	Fetcher        *timeseries.Fetcher
}

// Handlers contains all HTTP handlers for the tiler API.
type Handlers struct {
	cfg    *config.Config
	deps   Dependencies
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.TileMatrixSets == nil {
		deps.TileMatrixSets = tms.DefaultRegistry()
	}
	if deps.Readers == nil {
		deps.Readers = reader.Default()
	}
	if deps.Fetcher == nil {
		deps.Fetcher = timeseries.NewFetcher(nil, cfg.Timeseries.Timeout, logger)
	}
	return &Handlers{cfg: cfg, deps: deps, logger: logger}
}

// newBackend builds the per-request mosaic backend.
func (h *Handlers) newBackend(set *tms.TileMatrixSet, rc reader.Config, minZoom, maxZoom *int) (*backend.CMRBackend, error) {
	return backend.New(backend.Options{
		TMS:         set,
		Reader:      rc,
		Readers:     h.deps.Readers,
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
		Identity:    h.deps.Identity,
		Access:      h.deps.Access,
		Assets:      h.deps.Assets,
		Credentials: h.deps.Credentials,
		Sessions:    h.deps.Sessions,
		Engine:      h.deps.Engine,
		Logger:      h.logger,
	})
}

// sizeLimit caps the width and height a request may ask for.
func (h *Handlers) sizeLimit() int {
	if h.cfg.Mosaic.MaxDimension > 0 {
		return h.cfg.Mosaic.MaxDimension
	}
	return max(h.cfg.Mosaic.MaxSize, backend.DefaultMaxDimension)
}

// baseURL is the externally visible URL of the API root.
func (h *Handlers) baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + strings.TrimSuffix(h.cfg.API.RootPath, "/")
}

func (h *Handlers) tileMatrixSet(w http.ResponseWriter, r *http.Request) (*tms.TileMatrixSet, bool) {
	id := chi.URLParam(r, "tileMatrixSetId")
	set, ok := h.deps.TileMatrixSets.Get(id)
	if !ok {
		WriteNotFound(w, fmt.Sprintf("unknown tile matrix set %q", id))
	}
	return set, ok
}

// landingPage is the OGC API landing page.
type landingPage struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Links       []*ogcapi.Link `json:"links"`
}

// LandingPage returns the API landing page.
// GET /
func (h *Handlers) LandingPage(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL(r)
	WriteJSON(w, http.StatusOK, &landingPage{
		Title:       h.cfg.API.Name,
		Description: "Dynamic map tiles and statistics from CMR granule searches",
		Links: []*ogcapi.Link{
			{Rel: "self", Href: base + "/", Type: "application/json", Title: "Landing page"},
			{Rel: "conformance", Href: base + "/conformance", Type: "application/json", Title: "Conformance"},
			{Rel: relTilingSchemes, Href: base + "/tileMatrixSets", Type: "application/json", Title: "Tile matrix sets"},
		},
	})
}

const (
	relTilingSchemes = "http://www.opengis.net/def/rel/ogc/1.0/tiling-schemes"
	relTilingScheme  = "http://www.opengis.net/def/rel/ogc/1.0/tiling-scheme"
)

var conformanceClasses = []string{
	"http://www.opengis.net/spec/ogcapi-common-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-common-1/1.0/conf/landing-page",
	"http://www.opengis.net/spec/ogcapi-common-1/1.0/conf/json",
	"http://www.opengis.net/spec/ogcapi-tiles-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-tiles-1/1.0/conf/tileset",
	"http://www.opengis.net/spec/ogcapi-tiles-1/1.0/conf/png",
	"http://www.opengis.net/spec/ogcapi-tiles-1/1.0/conf/jpeg",
	"http://www.opengis.net/spec/tms/2.0/conf/tilematrixset",
	"http://www.opengis.net/spec/tms/2.0/conf/json-tilematrixset",
}

// Conformance returns the conformance classes supported by this API.
// GET /conformance
func (h *Handlers) Conformance(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, &ogcapi.Conformance{ConformsTo: conformanceClasses})
}

// Health returns the health status of the service.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tileMatrixSetRef struct {
	ID    string         `json:"id"`
	Title string         `json:"title,omitempty"`
	URI   string         `json:"uri,omitempty"`
	CRS   string         `json:"crs"`
	Links []*ogcapi.Link `json:"links"`
}

// TileMatrixSets lists the available tiling schemes.
// GET /tileMatrixSets
func (h *Handlers) TileMatrixSets(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL(r)
	refs := make([]tileMatrixSetRef, 0)
	for _, id := range h.deps.TileMatrixSets.List() {
		set, _ := h.deps.TileMatrixSets.Get(id)
		refs = append(refs, tileMatrixSetRef{
			ID:    set.ID,
			Title: set.Title,
			URI:   set.URI,
			CRS:   tms.URI(set.CRS),
			Links: []*ogcapi.Link{{
				Rel:   relTilingScheme,
				Href:  base + "/tileMatrixSets/" + set.ID,
				Type:  "application/json",
				Title: set.Title,
			}},
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tileMatrixSets": refs})
}

type tileMatrix struct {
	ID               string     `json:"id"`
	ScaleDenominator float64    `json:"scaleDenominator"`
	CellSize         float64    `json:"cellSize"`
	CornerOfOrigin   string     `json:"cornerOfOrigin"`
	PointOfOrigin    [2]float64 `json:"pointOfOrigin"`
	TileWidth        int        `json:"tileWidth"`
	TileHeight       int        `json:"tileHeight"`
	MatrixWidth      int        `json:"matrixWidth"`
	MatrixHeight     int        `json:"matrixHeight"`
}

type tileMatrixSetDoc struct {
	ID           string       `json:"id"`
	Title        string       `json:"title,omitempty"`
	URI          string       `json:"uri,omitempty"`
	CRS          string       `json:"crs"`
	OrderedAxes  []string     `json:"orderedAxes"`
	TileMatrices []tileMatrix `json:"tileMatrices"`
}

// metres per degree at the equator, for scale denominators
const metersPerDegree = 2 * math.Pi * 6378137 / 360

// TileMatrixSet describes one tiling scheme.
// GET /tileMatrixSets/{tileMatrixSetId}
func (h *Handlers) TileMatrixSet(w http.ResponseWriter, r *http.Request) {
	set, ok := h.tileMatrixSet(w, r)
	if !ok {
		return
	}

	unit, axes := 1.0, []string{"X", "Y"}
	if set.CRS == tms.EPSG4326 {
		unit, axes = metersPerDegree, []string{"Lon", "Lat"}
	}
	doc := tileMatrixSetDoc{
		ID:          set.ID,
		Title:       set.Title,
		URI:         set.URI,
		CRS:         tms.URI(set.CRS),
		OrderedAxes: axes,
	}
	for z := set.MinZoom; z <= set.MaxZoom; z++ {
		cell := set.CellSize(z)
		doc.TileMatrices = append(doc.TileMatrices, tileMatrix{
			ID:               strconv.Itoa(z),
			ScaleDenominator: cell * unit / 0.28e-3,
			CellSize:         cell,
			CornerOfOrigin:   "topLeft",
			PointOfOrigin:    [2]float64{set.Extent[0], set.Extent[3]},
			TileWidth:        set.TileSize,
			TileHeight:       set.TileSize,
			MatrixWidth:      set.MatrixWidth(z),
			MatrixHeight:     set.MatrixHeight(z),
		})
	}
	WriteJSON(w, http.StatusOK, doc)
}

// tilePath is the parsed /tiles/{tileMatrixSetId}/{z}/{x}/{y} path.
type tilePath struct {
	set     *tms.TileMatrixSet
	z, x, y int
	scale   int
	format  string
}

func (h *Handlers) parseTilePath(w http.ResponseWriter, r *http.Request) (*tilePath, bool) {
	set, ok := h.tileMatrixSet(w, r)
	if !ok {
		return nil, false
	}
	p := &tilePath{set: set}
	var err error
	if p.z, err = strconv.Atoi(chi.URLParam(r, "z")); err != nil {
		WriteInvalidParameter(w, "invalid z: must be an integer")
		return nil, false
	}
	if p.x, err = strconv.Atoi(chi.URLParam(r, "x")); err != nil {
		WriteInvalidParameter(w, "invalid x: must be an integer")
		return nil, false
	}
	if p.y, p.scale, p.format, err = parseTileY(chi.URLParam(r, "y")); err != nil {
		WriteInvalidParameter(w, err.Error())
		return nil, false
	}
	return p, true
}

// Tile renders one map tile.
// GET /tiles/{tileMatrixSetId}/{z}/{x}/{y}[@{scale}x][.{format}]
func (h *Handlers) Tile(w http.ResponseWriter, r *http.Request) {
	tp, ok := h.parseTilePath(w, r)
	if !ok {
		return
	}
	format, err := render.ParseFormat(tp.format, render.PNG)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	p, err := parseReadParams(r.URL.Query(), h.cfg.Mosaic.MaxSize, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	b, err := h.newBackend(tp.set, p.Reader, p.MinZoom, p.MaxZoom)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	img, used, err := b.Tile(r.Context(), tp.x, tp.y, tp.z, p.Query, backend.TileOptions{TileSize: tp.set.TileSize * tp.scale})
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	h.writeRendered(w, img, used, format, p.Render)
}

// TileAssets lists the assets a tile read would visit.
// GET /tiles/{tileMatrixSetId}/{z}/{x}/{y}/assets
func (h *Handlers) TileAssets(w http.ResponseWriter, r *http.Request) {
	set, ok := h.tileMatrixSet(w, r)
	if !ok {
		return
	}
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errZ != nil || errX != nil || errY != nil {
		WriteInvalidParameter(w, "tile indexes must be integers")
		return
	}
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	b, err := h.newBackend(set, reader.Config{Kind: reader.KindRasterio}, nil, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	list, err := b.AssetsForTile(r.Context(), x, y, z, q)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	WriteGeoJSON(w, http.StatusOK, newItemCollection(list, h.baseURL(r)+r.URL.RequestURI()))
}

// TileJSON is a TileJSON 3.0.0 document.
type TileJSON struct {
	TileJSON string     `json:"tilejson"`
	Name     string     `json:"name,omitempty"`
	Version  string     `json:"version"`
	Scheme   string     `json:"scheme"`
	Tiles    []string   `json:"tiles"`
	MinZoom  int        `json:"minzoom"`
	MaxZoom  int        `json:"maxzoom"`
	Bounds   tms.BBox   `json:"bounds"`
	Center   [3]float64 `json:"center"`
}

// tileJSONParams are consumed by the tilejson endpoint and not forwarded
// to the tile URL.
var tileJSONParams = []string{"tile_format", "tile_scale", "minzoom", "maxzoom"}

// TileJSONHandler returns a TileJSON document whose tile URL template
// carries the request's query parameters.
// GET /{tileMatrixSetId}/tilejson.json
func (h *Handlers) TileJSONHandler(w http.ResponseWriter, r *http.Request) {
	set, ok := h.tileMatrixSet(w, r)
	if !ok {
		return
	}
	v := r.URL.Query()
	p, err := parseReadParams(v, h.cfg.Mosaic.MaxSize, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	scale, err := intParam(v, "tile_scale", 1, 1)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	if scale > 4 {
		WriteInvalidParameter(w, "invalid tile_scale: must be between 1 and 4")
		return
	}
	var ext string
	if f := v.Get("tile_format"); f != "" {
		format, err := render.ParseFormat(f, render.PNG)
		if err != nil {
			writeBackendError(w, h.logger, err)
			return
		}
		ext = "." + string(format)
	}
	b, err := h.newBackend(set, p.Reader, p.MinZoom, p.MaxZoom)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	tile := "{z}/{x}/{y}"
	if scale > 1 {
		tile += fmt.Sprintf("@%dx", scale)
	}
	tileURL := h.baseURL(r) + "/tiles/" + set.ID + "/" + tile + ext
	for _, k := range tileJSONParams {
		v.Del(k)
	}
	if qs := v.Encode(); qs != "" {
		tileURL += "?" + qs
	}

	info := b.Info()
	WriteJSON(w, http.StatusOK, &TileJSON{
		TileJSON: "3.0.0",
		Name:     h.cfg.API.Name,
		Version:  "1.0.0",
		Scheme:   "xyz",
		Tiles:    []string{tileURL},
		MinZoom:  info.MinZoom,
		MaxZoom:  info.MaxZoom,
		Bounds:   info.Bounds,
		Center:   info.Center(),
	})
}

// bboxPath is the parsed /bbox/{minx},{miny},{maxx},{maxy}[/{w}x{h}].{format}
// path. Coords and Size keep the raw segments without the extension.
type bboxPath struct {
	BBox   tms.BBox
	Coords string
	Size   string
	Width  int
	Height int
	Format string
}

func parseBBoxPath(r *http.Request, limit int) (*bboxPath, error) {
	p := &bboxPath{}
	coords, size := chi.URLParam(r, "coords"), chi.URLParam(r, "size")
	if size == "" {
		p.Coords, p.Format = splitExt(coords)
	} else {
		p.Coords = coords
		p.Size, p.Format = splitExt(size)
		w, h, err := parseSize(p.Size, limit)
		if err != nil {
			return nil, err
		}
		p.Width, p.Height = w, h
	}
	if p.Format == "" {
		return nil, queryErrorf("format", "the path must end with an image format extension")
	}
	bbox, err := parseCoords(p.Coords)
	if err != nil {
		return nil, err
	}
	p.BBox = bbox
	return p, nil
}

// BBox renders an arbitrary bounding box.
// GET /bbox/{minx},{miny},{maxx},{maxy}[/{width}x{height}].{format}
func (h *Handlers) BBox(w http.ResponseWriter, r *http.Request) {
	bp, err := parseBBoxPath(r, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	format, err := render.ParseFormat(bp.Format, render.PNG)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	p, err := parseReadParams(r.URL.Query(), h.cfg.Mosaic.MaxSize, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	if bp.Width > 0 {
		p.Width, p.Height = bp.Width, bp.Height
	}
	b, err := h.newBackend(tms.WebMercatorQuad, p.Reader, nil, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	img, used, err := b.Part(r.Context(), bp.BBox, p.Query, backend.PartOptions{
		DstCRS:    p.DstCRS,
		BoundsCRS: p.CoordCRS,
		Width:     p.Width,
		Height:    p.Height,
		MaxSize:   p.MaxSize,
	})
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	h.writeRendered(w, img, used, format, p.Render)
}

// BBoxAssets lists the assets a bbox read would visit.
// GET /bbox/{minx},{miny},{maxx},{maxy}/assets
func (h *Handlers) BBoxAssets(w http.ResponseWriter, r *http.Request) {
	bbox, err := parseCoords(chi.URLParam(r, "coords"))
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	v := r.URL.Query()
	q, err := parseQuery(v)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	b, err := h.newBackend(tms.WebMercatorQuad, reader.Config{Kind: reader.KindRasterio}, nil, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	list, err := b.AssetsForBBox(r.Context(), bbox, v.Get("coord_crs"), q)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	WriteGeoJSON(w, http.StatusOK, newItemCollection(list, h.baseURL(r)+r.URL.RequestURI()))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, *geojson.Body, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidParameter, "request body too large")
		return nil, nil, false
	}
	body, err := geojson.ParseBody(data)
	if err != nil {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeInvalidParameter, err.Error())
		return nil, nil, false
	}
	return data, body, true
}

// Feature renders the envelope of a GeoJSON Feature, masked to its shape.
// POST /feature[.{format}]
// POST /feature/{width}x{height}.{format}
func (h *Handlers) Feature(w http.ResponseWriter, r *http.Request) {
	format, err := render.ParseFormat(chi.URLParam(r, "format"), render.PNG)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	p, err := parseReadParams(r.URL.Query(), h.cfg.Mosaic.MaxSize, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	if size := chi.URLParam(r, "size"); size != "" {
		if p.Width, p.Height, err = parseSize(size, h.sizeLimit()); err != nil {
			writeBackendError(w, h.logger, err)
			return
		}
	}
	_, body, ok := readBody(w, r)
	if !ok {
		return
	}
	if body.Feature == nil {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeInvalidParameter, "expected a GeoJSON Feature")
		return
	}
	b, err := h.newBackend(tms.WebMercatorQuad, p.Reader, nil, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	img, used, err := b.Feature(r.Context(), body.Feature.Geometry, p.Query, featureOptions(p))
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	h.writeRendered(w, img, used, format, p.Render)
}

func featureOptions(p *readParams) backend.FeatureOptions {
	return backend.FeatureOptions{
		DstCRS:   p.DstCRS,
		ShapeCRS: p.CoordCRS,
		Width:    p.Width,
		Height:   p.Height,
		MaxSize:  p.MaxSize,
	}
}

// Statistics computes per-band statistics for each feature of a GeoJSON
// Feature or FeatureCollection and stores them in properties.statistics.
// POST /statistics
func (h *Handlers) Statistics(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	p, err := parseReadParams(v, h.cfg.Mosaic.MaxSize, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	opts, err := parseStatsOptions(v)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	_, body, ok := readBody(w, r)
	if !ok {
		return
	}
	b, err := h.newBackend(tms.WebMercatorQuad, p.Reader, nil, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	for _, f := range body.Features() {
		img, _, err := b.Feature(r.Context(), f.Geometry, p.Query, featureOptions(p))
		if err != nil {
			writeBackendError(w, h.logger, err)
			return
		}
		stats, err := render.Statistics(img, opts)
		if err != nil {
			writeBackendError(w, h.logger, err)
			return
		}
		f.Properties["statistics"] = stats
	}
	WriteGeoJSON(w, http.StatusOK, body.Value())
}

// writeRendered encodes img and lists the contributing assets in X-Assets.
func (h *Handlers) writeRendered(w http.ResponseWriter, img *reader.ImageData, used []string, format render.Format, opts render.Options) {
	data, err := render.Encode(img, format, opts)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	w.Header().Set("X-Assets", strings.Join(used, ","))
	WriteImage(w, format.MediaType(), data)
}

// subRequestBase resolves path against the timeseries base URL. Without one
// it targets the local address of the connection that carried r; the Host
// and forwarding headers are client input and never pick the target.
func (h *Handlers) subRequestBase(r *http.Request, path string) (*url.URL, error) {
	base := h.cfg.Timeseries.BaseURL
	if base == "" {
		addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
		if !ok {
			return nil, errors.New("timeseries base URL is not configured")
		}
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + addr.String() + strings.TrimSuffix(h.cfg.API.RootPath, "/")
	}
	return url.Parse(strings.TrimSuffix(base, "/") + path)
}
