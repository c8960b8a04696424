package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/config"
	"github.com/robert-malhotra/cmr-tiler/internal/mosaic"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
)

// constReader fills every grid with the value registered for the asset id.
// Unknown ids fail to open.
type constReader struct {
	values map[string]float64
}

func (r *constReader) Open(_ context.Context, src reader.Source, _ *reader.Session) (reader.Dataset, error) {
	v, ok := r.values[src.ID]
	if !ok {
		return nil, errors.New("object not found")
	}
	return constDataset(v), nil
}

type constDataset float64

func (d constDataset) fill(g reader.Grid) (*reader.ImageData, error) {
	img := reader.NewImageData(g.Width, g.Height, 1, g.Bounds, g.CRS)
	for i := range img.Mask {
		img.Bands[0][i] = float64(d)
		img.Mask[i] = true
	}
	return img, nil
}

func (d constDataset) Tile(_ context.Context, req reader.TileRequest) (*reader.ImageData, error) {
	return d.fill(req.Grid)
}

func (d constDataset) Part(_ context.Context, req reader.PartRequest) (*reader.ImageData, error) {
	return d.fill(req.Grid)
}

func (d constDataset) Feature(_ context.Context, req reader.FeatureRequest) (*reader.ImageData, error) {
	return d.fill(req.Grid)
}

func (d constDataset) Close() error { return nil }

// monthlyResolver returns the asset named for the month the query starts
// in, or every asset for an open query.
type monthlyResolver struct {
	byMonth map[time.Month]assets.Asset

	mu      sync.Mutex
	queries []assets.Query
}

func (m *monthlyResolver) Resolve(_ context.Context, q assets.Query) ([]assets.Asset, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	m.mu.Unlock()

	if q.Temporal == nil || q.Temporal.Start == nil {
		var out []assets.Asset
		for _, month := range []time.Month{time.January, time.February, time.March} {
			if a, ok := m.byMonth[month]; ok {
				out = append(out, a)
			}
		}
		return out, nil
	}
	if a, ok := m.byMonth[q.Temporal.Start.Month()]; ok {
		return []assets.Asset{a}, nil
	}
	return nil, nil
}

func (m *monthlyResolver) lastQuery() assets.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[len(m.queries)-1]
}

func createTestConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{
			Name:         "cmr-tiler",
			CORSOrigins:  []string{"*"},
			CacheControl: "public, max-age=3600",
		},
		Mosaic:     config.MosaicConfig{MaxSize: 64, MaxDimension: 256},
		Timeseries: config.TimeseriesConfig{Timeout: 5 * time.Second, MaxWindows: 500},
	}
}

func newTestServer(t *testing.T, res assets.Resolver) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	readers := reader.NewRegistry()
	readers.Register(reader.KindRasterio, func(reader.Config) (reader.Reader, error) {
		return &constReader{values: map[string]float64{"jan": 1, "feb": 2}}, nil
	})
	h := NewHandlers(createTestConfig(), Dependencies{
		Assets:   res,
		Sessions: reader.NewSessionFactory(aws.Config{}, nil),
		Engine:   mosaic.NewEngine(2, 0, logger),
		Readers:  readers,
		Fetcher:  timeseries.NewFetcher(nil, 5*time.Second, logger),
	}, logger)

	srv := httptest.NewServer(NewRouter(h, logger))
	t.Cleanup(srv.Close)
	return srv
}

func defaultResolver() *monthlyResolver {
	day := func(m time.Month) *time.Time {
		t := time.Date(2024, m, 10, 0, 0, 0, 0, time.UTC)
		return &t
	}
	return &monthlyResolver{byMonth: map[time.Month]assets.Asset{
		time.January:  {ID: "jan", URL: "https://data.example.com/jan.tif", Collection: "C1-TEST", Start: day(time.January), End: day(time.January), BBox: []float64{-10, -10, 10, 10}},
		time.February: {ID: "feb", URL: "https://data.example.com/feb.tif", Collection: "C1-TEST", Start: day(time.February), End: day(time.February)},
	}}
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) APIError {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", status, resp.StatusCode, body)
	}
	var apiErr APIError
	decodeJSON(t, resp, &apiErr)
	if apiErr.Code != code {
		t.Errorf("expected code %q, got %q (%s)", code, apiErr.Code, apiErr.Description)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("expected errors to be uncached, got Cache-Control %q", cc)
	}
	return apiErr
}

const polygon = `{"type":"Feature","properties":{"name":"box"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,5],[0,5],[0,0]]]}}`

func TestLandingPageAndConformance(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	var landing struct {
		Title string `json:"title"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	decodeJSON(t, get(t, srv, "/"), &landing)
	if landing.Title != "cmr-tiler" {
		t.Errorf("expected title cmr-tiler, got %q", landing.Title)
	}
	rels := map[string]string{}
	for _, l := range landing.Links {
		rels[l.Rel] = l.Href
	}
	if rels["conformance"] != srv.URL+"/conformance" {
		t.Errorf("unexpected conformance link %q", rels["conformance"])
	}
	if rels[relTilingSchemes] != srv.URL+"/tileMatrixSets" {
		t.Errorf("unexpected tiling schemes link %q", rels[relTilingSchemes])
	}

	var conf struct {
		ConformsTo []string `json:"conformsTo"`
	}
	decodeJSON(t, get(t, srv, "/conformance"), &conf)
	found := false
	for _, c := range conf.ConformsTo {
		if c == "http://www.opengis.net/spec/ogcapi-tiles-1/1.0/conf/core" {
			found = true
		}
	}
	if !found {
		t.Errorf("tiles core conformance class missing: %v", conf.ConformsTo)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, defaultResolver())
	resp := get(t, srv, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

func TestTileMatrixSets(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	var list struct {
		TileMatrixSets []tileMatrixSetRef `json:"tileMatrixSets"`
	}
	decodeJSON(t, get(t, srv, "/tileMatrixSets"), &list)
	if len(list.TileMatrixSets) != 2 {
		t.Fatalf("expected 2 tile matrix sets, got %d", len(list.TileMatrixSets))
	}

	var doc tileMatrixSetDoc
	decodeJSON(t, get(t, srv, "/tileMatrixSets/WorldCRS84Quad"), &doc)
	if len(doc.TileMatrices) != 18 {
		t.Fatalf("expected 18 tile matrices, got %d", len(doc.TileMatrices))
	}
	z1 := doc.TileMatrices[1]
	if z1.MatrixWidth != 4 || z1.MatrixHeight != 2 {
		t.Errorf("expected a 4x2 matrix at zoom 1, got %dx%d", z1.MatrixWidth, z1.MatrixHeight)
	}
	if z1.PointOfOrigin != [2]float64{-180, 90} {
		t.Errorf("unexpected point of origin %v", z1.PointOfOrigin)
	}

	expectError(t, get(t, srv, "/tileMatrixSets/nope"), http.StatusNotFound, ErrCodeNotFound)
}

func TestTile(t *testing.T) {
	res := defaultResolver()
	srv := newTestServer(t, res)

	tests := []struct {
		path      string
		mediaType string
		size      int
	}{
		{"/tiles/WebMercatorQuad/2/1/1?concept_id=C1-TEST", "image/png", 256},
		{"/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1-TEST", "image/png", 256},
		{"/tiles/WebMercatorQuad/2/1/1@2x.png?concept_id=C1-TEST", "image/png", 512},
		{"/tiles/WebMercatorQuad/2/1/1.jpg?concept_id=C1-TEST", "image/jpeg", 256},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := get(t, srv, tt.path)
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
			}
			if ct := resp.Header.Get("Content-Type"); ct != tt.mediaType {
				t.Errorf("expected %s, got %s", tt.mediaType, ct)
			}
			// jan fills the tile, so feb does not contribute
			if got := resp.Header.Get("X-Assets"); got != "jan" {
				t.Errorf("expected X-Assets jan, got %q", got)
			}
			if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
				t.Errorf("unexpected Cache-Control %q", cc)
			}

			data, _ := io.ReadAll(resp.Body)
			decode := png.DecodeConfig
			if tt.mediaType == "image/jpeg" {
				decode = jpeg.DecodeConfig
			}
			cfg, err := decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("failed to decode image: %v", err)
			}
			if cfg.Width != tt.size || cfg.Height != tt.size {
				t.Errorf("expected %dx%d, got %dx%d", tt.size, tt.size, cfg.Width, cfg.Height)
			}
		})
	}

	q := res.lastQuery()
	if q.Collection != "C1-TEST" || q.Limit != assets.DefaultLimit {
		t.Errorf("unexpected discovery query %+v", q)
	}
}

func TestTile_DatetimeForwardedToDiscovery(t *testing.T) {
	res := defaultResolver()
	srv := newTestServer(t, res)

	resp := get(t, srv, "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1-TEST&datetime=2024-02-01/2024-02-10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Assets"); got != "feb" {
		t.Errorf("expected only the February asset, got %q", got)
	}
	q := res.lastQuery()
	want := time.Date(2024, 2, 10, 23, 59, 59, 999999000, time.UTC)
	if q.Temporal == nil || q.Temporal.End == nil || !q.Temporal.End.Equal(want) {
		t.Errorf("expected the end date to cover the whole day, got %+v", q.Temporal)
	}
}

func TestTile_Errors(t *testing.T) {
	empty := &monthlyResolver{byMonth: map[time.Month]assets.Asset{}}
	broken := &monthlyResolver{byMonth: map[time.Month]assets.Asset{
		time.January: {ID: "missing", URL: "https://data.example.com/missing.tif"},
	}}
	failing := assets.ResolverFunc(func(context.Context, assets.Query) ([]assets.Asset, error) {
		return nil, &assets.DiscoveryError{Attempts: 3, Err: errors.New("cmr unavailable")}
	})

	tests := []struct {
		name     string
		resolver assets.Resolver
		path     string
		status   int
		code     string
		contains string
	}{
		{"missing concept id", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.png", http.StatusBadRequest, ErrCodeInvalidParameter, "concept_id"},
		{"bad datetime", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1&datetime=yesterday", http.StatusBadRequest, ErrCodeInvalidParameter, "datetime"},
		{"bad format", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.webp?concept_id=C1", http.StatusBadRequest, ErrCodeInvalidParameter, "webp"},
		{"bad colormap", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1&colormap_name=jet", http.StatusBadRequest, ErrCodeInvalidParameter, "colormap"},
		{"bad backend", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1&backend=gdal", http.StatusBadRequest, ErrCodeInvalidParameter, "backend"},
		{"xarray without variable", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1&backend=xarray", http.StatusBadRequest, ErrCodeInvalidParameter, "variable"},
		{"bad bands regex", defaultResolver(), "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1&bands_regex=(&bands=B04", http.StatusBadRequest, ErrCodeInvalidParameter, "bands_regex"},
		{"unknown tms", defaultResolver(), "/tiles/LINZAntarticaMapTilegrid/2/1/1.png?concept_id=C1", http.StatusNotFound, ErrCodeNotFound, "LINZ"},
		{"outside tms", defaultResolver(), "/tiles/WebMercatorQuad/1/5/0.png?concept_id=C1", http.StatusNotFound, ErrCodeTileOutside, "outside"},
		{"no assets", empty, "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1", http.StatusNotFound, ErrCodeNoAssets, "no assets found for tile 2-1-1"},
		{"no data", broken, "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1", http.StatusInternalServerError, ErrCodeNoData, "no data"},
		{"discovery failure", failing, "/tiles/WebMercatorQuad/2/1/1.png?concept_id=C1", http.StatusBadGateway, ErrCodeUpstreamError, "cmr unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.resolver)
			apiErr := expectError(t, get(t, srv, tt.path), tt.status, tt.code)
			if !strings.Contains(apiErr.Description, tt.contains) {
				t.Errorf("expected description to contain %q, got %q", tt.contains, apiErr.Description)
			}
		})
	}
}

func TestTileAssets(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	resp := get(t, srv, "/tiles/WebMercatorQuad/2/1/1/assets?concept_id=C1-TEST&datetime=2024-01-01/2024-01-31")
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("expected geo+json, got %s", ct)
	}
	var ic struct {
		Type     string `json:"type"`
		Features []struct {
			ID         string         `json:"id"`
			Collection string         `json:"collection"`
			Bbox       []float64      `json:"bbox"`
			Properties map[string]any `json:"properties"`
			Assets     map[string]struct {
				Href string `json:"href"`
			} `json:"assets"`
		} `json:"features"`
		NumberReturned int `json:"numberReturned"`
	}
	decodeJSON(t, resp, &ic)
	if ic.Type != "FeatureCollection" || ic.NumberReturned != 1 {
		t.Fatalf("unexpected collection %+v", ic)
	}
	item := ic.Features[0]
	if item.ID != "jan" || item.Collection != "C1-TEST" {
		t.Errorf("unexpected item %s/%s", item.Collection, item.ID)
	}
	if item.Assets["data"].Href != "https://data.example.com/jan.tif" {
		t.Errorf("unexpected data asset %+v", item.Assets)
	}
	if item.Properties["datetime"] != "2024-01-10T00:00:00Z" {
		t.Errorf("unexpected datetime %v", item.Properties["datetime"])
	}
	if len(item.Bbox) != 4 {
		t.Errorf("expected a bbox, got %v", item.Bbox)
	}
}

func TestBBox(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	tests := []struct {
		path          string
		width, height int
	}{
		{"/bbox/0,0,10,5/20x10.png?concept_id=C1", 20, 10},
		{"/bbox/0.5,0.25,10.5,5.25.png?concept_id=C1", 64, 32},
		{"/bbox/0,0,10,5.png?concept_id=C1&max_size=32", 32, 16},
		{"/bbox/0,0,10,5.png?concept_id=C1&width=10", 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := get(t, srv, tt.path)
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
			}
			cfg, err := png.DecodeConfig(resp.Body)
			if err != nil {
				t.Fatalf("failed to decode png: %v", err)
			}
			if cfg.Width != tt.width || cfg.Height != tt.height {
				t.Errorf("expected %dx%d, got %dx%d", tt.width, tt.height, cfg.Width, cfg.Height)
			}
		})
	}

	expectError(t, get(t, srv, "/bbox/0,0,10,5?concept_id=C1"), http.StatusBadRequest, ErrCodeInvalidParameter)
	expectError(t, get(t, srv, "/bbox/0,0,10.png?concept_id=C1"), http.StatusBadRequest, ErrCodeInvalidParameter)
	expectError(t, get(t, srv, "/bbox/10,0,0,5.png?concept_id=C1"), http.StatusBadRequest, ErrCodeInvalidParameter)
	expectError(t, get(t, srv, "/bbox/0,0,10,5.png?concept_id=C1&dst_crs=EPSG:32618"), http.StatusBadRequest, ErrCodeInvalidParameter)
}

func TestBBox_SizeLimit(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	for _, path := range []string{
		"/bbox/0,0,1,1/4611686018427387904x4.png?concept_id=C1",
		"/bbox/0,0,1,1/99999999999999999999x4.png?concept_id=C1",
		"/bbox/0,0,1,1/257x4.png?concept_id=C1",
		"/bbox/0,0,1,1.png?concept_id=C1&width=100000",
		"/bbox/0,0,1,1.png?concept_id=C1&height=257",
		"/bbox/0,0,1,1.png?concept_id=C1&max_size=4096",
	} {
		apiErr := expectError(t, get(t, srv, path), http.StatusBadRequest, ErrCodeInvalidParameter)
		if apiErr.Description == "" {
			t.Errorf("%s: expected a description", path)
		}
	}
	expectError(t, post(t, srv, "/feature/300x300.png?concept_id=C1", polygon), http.StatusBadRequest, ErrCodeInvalidParameter)

	// A sliver with one explicit side derives the other up to max_size.
	resp := get(t, srv, "/bbox/0,0,0.000001,1.png?concept_id=C1&width=4")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	cfg, err := png.DecodeConfig(resp.Body)
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	if cfg.Width != 4 || cfg.Height != 64 {
		t.Errorf("expected 4x64, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestBBoxAssets(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	var ic struct {
		Features []struct {
			ID string `json:"id"`
		} `json:"features"`
		NumberReturned int `json:"numberReturned"`
	}
	decodeJSON(t, get(t, srv, "/bbox/0,0,10,5/assets?concept_id=C1"), &ic)
	if ic.NumberReturned != 2 || len(ic.Features) != 2 {
		t.Fatalf("expected 2 items, got %d", ic.NumberReturned)
	}
	if ic.Features[0].ID != "jan" || ic.Features[1].ID != "feb" {
		t.Errorf("expected priority order jan, feb; got %s, %s", ic.Features[0].ID, ic.Features[1].ID)
	}
}

func TestTileJSON(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	var tj TileJSON
	decodeJSON(t, get(t, srv, "/WebMercatorQuad/tilejson.json?concept_id=C1&tile_format=png&tile_scale=2&minzoom=3&maxzoom=12"), &tj)

	if tj.TileJSON != "3.0.0" {
		t.Errorf("expected tilejson 3.0.0, got %s", tj.TileJSON)
	}
	want := srv.URL + "/tiles/WebMercatorQuad/{z}/{x}/{y}@2x.png?concept_id=C1"
	if len(tj.Tiles) != 1 || tj.Tiles[0] != want {
		t.Errorf("expected tiles [%s], got %v", want, tj.Tiles)
	}
	if tj.MinZoom != 3 || tj.MaxZoom != 12 {
		t.Errorf("expected zooms 3..12, got %d..%d", tj.MinZoom, tj.MaxZoom)
	}
	if tj.Center[2] != 3 {
		t.Errorf("expected center zoom 3, got %v", tj.Center)
	}

	expectError(t, get(t, srv, "/WebMercatorQuad/tilejson.json?concept_id=C1&minzoom=5&maxzoom=2"), http.StatusBadRequest, ErrCodeInvalidParameter)
	expectError(t, get(t, srv, "/WebMercatorQuad/tilejson.json?concept_id=C1&tile_scale=9"), http.StatusBadRequest, ErrCodeInvalidParameter)
}

func TestFeature(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	resp := post(t, srv, "/feature/16x8.png?concept_id=C1", polygon)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	cfg, err := png.DecodeConfig(resp.Body)
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	if cfg.Width != 16 || cfg.Height != 8 {
		t.Errorf("expected 16x8, got %dx%d", cfg.Width, cfg.Height)
	}

	resp = post(t, srv, "/feature.jpg?concept_id=C1", polygon)
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", ct)
	}

	expectError(t, post(t, srv, "/feature?concept_id=C1", `{"type":"Feature"}`), http.StatusUnprocessableEntity, ErrCodeInvalidParameter)
	expectError(t, post(t, srv, "/feature?concept_id=C1", `{"type":"FeatureCollection","features":[]}`), http.StatusUnprocessableEntity, ErrCodeInvalidParameter)
	point := `{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[1,2]}}`
	expectError(t, post(t, srv, "/feature?concept_id=C1", point), http.StatusBadRequest, ErrCodeInvalidParameter)
}

func TestStatistics(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	resp := post(t, srv, "/statistics?concept_id=C1&datetime=2024-02-01&p=50", polygon)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var f struct {
		Properties struct {
			Name       string                                `json:"name"`
			Statistics map[string]map[string]json.RawMessage `json:"statistics"`
		} `json:"properties"`
	}
	decodeJSON(t, resp, &f)
	if f.Properties.Name != "box" {
		t.Errorf("input properties must be preserved, got %q", f.Properties.Name)
	}
	b1 := f.Properties.Statistics["b1"]
	if string(b1["mean"]) != "2" || string(b1["percentile_50"]) != "2" {
		t.Errorf("unexpected statistics %v", b1)
	}
}

func TestTimeseriesStatistics(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	resp := post(t, srv, "/timeseries/statistics?concept_id=C1&start_datetime=2024-01-01T00:00:00Z&end_datetime=2024-02-29T00:00:00Z&step=P1M", polygon)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var f struct {
		Properties struct {
			Statistics map[string]map[string]struct {
				Mean float64 `json:"mean"`
			} `json:"statistics"`
		} `json:"properties"`
	}
	decodeJSON(t, resp, &f)

	want := map[string]float64{
		"2024-01-01T00:00:00Z/2024-01-31T23:59:59Z": 1,
		"2024-02-01T00:00:00Z/2024-02-29T00:00:00Z": 2,
	}
	if len(f.Properties.Statistics) != len(want) {
		t.Fatalf("expected %d windows, got %v", len(want), f.Properties.Statistics)
	}
	for label, mean := range want {
		if got := f.Properties.Statistics[label]["b1"].Mean; got != mean {
			t.Errorf("window %s: expected mean %v, got %v", label, mean, got)
		}
	}
}

func TestTimeseries_SubRequestFailureForwarded(t *testing.T) {
	res := &monthlyResolver{byMonth: map[time.Month]assets.Asset{
		time.January: {ID: "jan", URL: "https://data.example.com/jan.tif"},
	}}
	srv := newTestServer(t, res)

	resp := post(t, srv, "/timeseries/statistics?concept_id=C1&start_datetime=2024-01-01&end_datetime=2024-02-29&step=P1M", polygon)
	apiErr := expectError(t, resp, http.StatusNotFound, ErrCodeNoAssets)
	if !strings.Contains(apiErr.Description, "no assets found") {
		t.Errorf("expected the sub-request detail, got %q", apiErr.Description)
	}
}

func TestTimeseries_SubRequestsIgnoreClientHost(t *testing.T) {
	var elsewhere atomic.Int32
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		elsewhere.Add(1)
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(other.Close)
	srv := newTestServer(t, defaultResolver())

	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/timeseries/statistics?concept_id=C1&start_datetime=2024-01-01T00:00:00Z&end_datetime=2024-02-29T00:00:00Z&step=P1M",
		strings.NewReader(polygon))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = strings.TrimPrefix(other.URL, "http://")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Proto", "http")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if n := elsewhere.Load(); n != 0 {
		t.Errorf("expected no sub-requests to the Host header target, got %d", n)
	}
}

func TestTimeseries_InvalidRequests(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	tests := []struct {
		name string
		path string
	}{
		{"missing step", "/timeseries/WebMercatorQuad/tilejson.json?concept_id=C1&start_datetime=2024-01-01&end_datetime=2024-02-01"},
		{"bad step", "/timeseries/WebMercatorQuad/tilejson.json?concept_id=C1&start_datetime=2024-01-01&end_datetime=2024-02-01&step=1M"},
		{"end before start", "/timeseries/WebMercatorQuad/tilejson.json?concept_id=C1&start_datetime=2024-02-01&end_datetime=2024-01-01&step=P1D"},
		{"missing concept id", "/timeseries/WebMercatorQuad/tilejson.json?start_datetime=2024-01-01&end_datetime=2024-02-01&step=P1D"},
		{"too many windows", "/timeseries/WebMercatorQuad/tilejson.json?concept_id=C1&start_datetime=2024-01-01&end_datetime=2025-01-01&step=PT1H"},
		{"gif fps", "/timeseries/bbox/0,0,10,5.gif?concept_id=C1&start_datetime=2024-01-01&end_datetime=2024-02-01&step=P1D&fps=1"},
		{"not gif", "/timeseries/bbox/0,0,10,5.png?concept_id=C1&start_datetime=2024-01-01&end_datetime=2024-02-01&step=P1D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, get(t, srv, tt.path), http.StatusBadRequest, ErrCodeInvalidParameter)
		})
	}
}

func TestTimeseriesTileJSON(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	var out struct {
		Timeseries map[string]TileJSON `json:"timeseries_tilejsons"`
	}
	decodeJSON(t, get(t, srv, "/timeseries/WebMercatorQuad/tilejson.json?concept_id=C1&start_datetime=2024-01-01T00:00:00Z&end_datetime=2024-01-03T00:00:00Z&step=P1D&tile_format=png"), &out)

	if len(out.Timeseries) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(out.Timeseries))
	}
	tj, ok := out.Timeseries["2024-01-01T00:00:00Z/2024-01-01T23:59:59Z"]
	if !ok {
		t.Fatalf("missing first window: %v", out.Timeseries)
	}
	if !strings.Contains(tj.Tiles[0], "datetime=2024-01-01T00%3A00%3A00Z%2F2024-01-01T23%3A59%3A59Z") {
		t.Errorf("expected the window datetime in the tile URL, got %s", tj.Tiles[0])
	}
	if strings.Contains(tj.Tiles[0], "start_datetime") {
		t.Errorf("timeseries parameters must not be forwarded: %s", tj.Tiles[0])
	}
}

func TestTimeseriesBBox(t *testing.T) {
	srv := newTestServer(t, defaultResolver())

	resp := get(t, srv, "/timeseries/bbox/0,0,10,5/20x10.gif?concept_id=C1&start_datetime=2024-01-01&end_datetime=2024-02-29&step=P1M&fps=5")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/gif" {
		t.Errorf("expected image/gif, got %s", ct)
	}
	anim, err := gif.DecodeAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to decode gif: %v", err)
	}
	if len(anim.Image) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(anim.Image))
	}
	if anim.Delay[0] != 20 {
		t.Errorf("expected a 20/100s delay at 5 fps, got %d", anim.Delay[0])
	}
	if b := anim.Image[0].Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Errorf("expected 20x10 frames, got %v", b)
	}
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, defaultResolver())
	expectError(t, get(t, srv, "/collections"), http.StatusNotFound, ErrCodeNotFound)
}
