package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
	"github.com/robert-malhotra/cmr-tiler/internal/render"
	"github.com/robert-malhotra/cmr-tiler/internal/tms"
)

// readParams holds everything a read endpoint needs from the query string.
type readParams struct {
	Query  assets.Query
	Reader reader.Config
	Render render.Options

	DstCRS   string
	CoordCRS string
	Width    int
	Height   int
	MaxSize  int
	MinZoom  *int
	MaxZoom  *int
}

// parseReadParams reads the shared read parameters. Output sizes may not
// exceed limit on either side.
func parseReadParams(v url.Values, defaultMaxSize, limit int) (*readParams, error) {
	q, err := parseQuery(v)
	if err != nil {
		return nil, err
	}
	rc, err := parseReaderConfig(v, q.BandsRegex != "")
	if err != nil {
		return nil, err
	}
	ro, err := parseRenderOptions(v)
	if err != nil {
		return nil, err
	}

	p := &readParams{
		Query:    q,
		Reader:   rc,
		Render:   ro,
		DstCRS:   v.Get("dst_crs"),
		CoordCRS: v.Get("coord_crs"),
	}
	for _, crs := range []struct{ name, value string }{{"dst_crs", p.DstCRS}, {"coord_crs", p.CoordCRS}} {
		if _, err := tms.ParseCRS(crs.value, tms.EPSG4326); err != nil {
			return nil, &QueryError{Param: crs.name, Err: err}
		}
	}
	if p.Width, err = sizeParam(v, "width", 0, limit); err != nil {
		return nil, err
	}
	if p.Height, err = sizeParam(v, "height", 0, limit); err != nil {
		return nil, err
	}
	if p.MaxSize, err = sizeParam(v, "max_size", min(defaultMaxSize, limit), limit); err != nil {
		return nil, err
	}
	if p.MinZoom, err = optionalInt(v, "minzoom", 0); err != nil {
		return nil, err
	}
	if p.MaxZoom, err = optionalInt(v, "maxzoom", 0); err != nil {
		return nil, err
	}
	if p.MinZoom != nil && p.MaxZoom != nil && *p.MinZoom > *p.MaxZoom {
		return nil, queryErrorf("minzoom", "minzoom %d is greater than maxzoom %d", *p.MinZoom, *p.MaxZoom)
	}
	return p, nil
}

// parseQuery reads the discovery parameters. concept_id is required;
// datetime takes precedence over the legacy temporal parameter.
func parseQuery(v url.Values) (assets.Query, error) {
	q := assets.Query{Collection: strings.TrimSpace(v.Get("concept_id"))}
	if q.Collection == "" {
		return q, queryErrorf("concept_id", "concept_id is required")
	}

	name, raw := "datetime", v.Get("datetime")
	if raw == "" {
		name, raw = "temporal", v.Get("temporal")
	}
	temporal, err := ParseDateTimeInterval(raw)
	if err != nil {
		return q, &QueryError{Param: name, Err: err}
	}
	q.Temporal = temporal

	if q.Limit, err = intParam(v, "limit", assets.DefaultLimit, 1); err != nil {
		return q, err
	}
	if q.BandsRegex = v.Get("bands_regex"); q.BandsRegex != "" {
		if _, err := assets.CompileBandsRegex(q.BandsRegex); err != nil {
			return q, &QueryError{Param: "bands_regex", Err: err}
		}
	}
	return q, nil
}

func parseReaderConfig(v url.Values, hasBandsRegex bool) (reader.Config, error) {
	kind, err := reader.ParseKind(v.Get("backend"), hasBandsRegex)
	if err != nil {
		return reader.Config{}, &QueryError{Param: "backend", Err: err}
	}
	cfg := reader.Config{Kind: kind}

	cfg.Raster.Bands = listParam(v, "bands")
	for _, s := range listParam(v, "bidx") {
		idx, err := strconv.Atoi(s)
		if err != nil {
			return cfg, queryErrorf("bidx", "%q is not an integer", s)
		}
		cfg.Raster.Indexes = append(cfg.Raster.Indexes, idx)
	}
	if raw := v.Get("nodata"); raw != "" {
		nd, err := parseNoData(raw)
		if err != nil {
			return cfg, &QueryError{Param: "nodata", Err: err}
		}
		cfg.Raster.NoData = &nd
	}
	if cfg.Raster.Unscale, err = boolParam(v, "unscale"); err != nil {
		return cfg, err
	}
	cfg.Raster.Resampling = v.Get("resampling")

	cfg.Xarray.Variable = v.Get("variable")
	if cfg.Xarray.Group, err = optionalInt(v, "group", 0); err != nil {
		return cfg, err
	}
	if cfg.Xarray.Reference, err = boolParam(v, "reference"); err != nil {
		return cfg, err
	}
	if cfg.Xarray.DecodeTimes, err = boolParam(v, "decode_times"); err != nil {
		return cfg, err
	}
	if cfg.Xarray.Consolidated, err = boolParam(v, "consolidated"); err != nil {
		return cfg, err
	}
	cfg.Xarray.TimeSlice = v.Get("time_slice")
	cfg.Xarray.DropDim = v.Get("drop_dim")

	if err := cfg.Validate(); err != nil {
		return cfg, &QueryError{Param: "reader options", Err: err}
	}
	return cfg, nil
}

func parseNoData(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "nan":
		return 0, fmt.Errorf("nan nodata is not supported")
	case "inf", "-inf":
		return 0, fmt.Errorf("infinite nodata is not supported")
	}
	return strconv.ParseFloat(s, 64)
}

func parseRenderOptions(v url.Values) (render.Options, error) {
	var (
		opts render.Options
		err  error
	)
	for _, raw := range v["rescale"] {
		parts := strings.Split(raw, ",")
		if len(parts) != 2 {
			return opts, queryErrorf("rescale", "%q must be 'min,max'", raw)
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return opts, queryErrorf("rescale", "%q must be numeric", raw)
		}
		opts.Rescale = append(opts.Rescale, [2]float64{lo, hi})
	}

	switch name, raw := v.Get("colormap_name"), v.Get("colormap"); {
	case name != "" && raw != "":
		return opts, queryErrorf("colormap", "colormap and colormap_name are mutually exclusive")
	case name != "":
		if opts.Colormap, err = render.NamedColormap(name); err != nil {
			return opts, &QueryError{Param: "colormap_name", Err: err}
		}
	case raw != "":
		if opts.Colormap, err = render.ParseColormap(raw); err != nil {
			return opts, &QueryError{Param: "colormap", Err: err}
		}
	}

	mask := true
	if v.Has("return_mask") {
		if mask, err = boolParam(v, "return_mask"); err != nil {
			return opts, err
		}
	}
	opts.ReturnMask = mask
	return opts, nil
}

func parseStatsOptions(v url.Values) (render.StatsOptions, error) {
	var (
		opts render.StatsOptions
		err  error
	)
	if opts.Categorical, err = boolParam(v, "categorical"); err != nil {
		return opts, err
	}
	for _, s := range listParam(v, "c") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return opts, queryErrorf("c", "%q is not a number", s)
		}
		opts.CategoryValues = append(opts.CategoryValues, f)
	}
	for _, s := range listParam(v, "p") {
		p, err := strconv.Atoi(s)
		if err != nil || p < 0 || p > 100 {
			return opts, queryErrorf("p", "%q is not a percentile in [0, 100]", s)
		}
		opts.Percentiles = append(opts.Percentiles, p)
	}
	if opts.HistogramBins, err = intParam(v, "histogram_bins", render.DefaultHistogramBins, 1); err != nil {
		return opts, err
	}
	return opts, nil
}

// listParam accepts repeated parameters and comma separated values.
func listParam(v url.Values, name string) []string {
	var out []string
	for _, raw := range v[name] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func intParam(v url.Values, name string, def, minimum int) (int, error) {
	p, err := optionalInt(v, name, minimum)
	if err != nil || p == nil {
		return def, err
	}
	return *p, nil
}

func sizeParam(v url.Values, name string, def, limit int) (int, error) {
	n, err := intParam(v, name, def, 1)
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, queryErrorf(name, "must be <= %d, got %d", limit, n)
	}
	return n, nil
}

func optionalInt(v url.Values, name string, minimum int) (*int, error) {
	raw := v.Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, queryErrorf(name, "%q is not an integer", raw)
	}
	if n < minimum {
		return nil, queryErrorf(name, "must be >= %d, got %d", minimum, n)
	}
	return &n, nil
}

func boolParam(v url.Values, name string) (bool, error) {
	raw := v.Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, queryErrorf(name, "%q is not a boolean", raw)
	}
	return b, nil
}

// Path segment grammars.
var (
	tileYRe = regexp.MustCompile(`^(\d+)(?:@([1-4])x)?(?:\.([A-Za-z]+))?$`)
	sizeRe  = regexp.MustCompile(`^(\d+)x(\d+)$`)
	extRe   = regexp.MustCompile(`\.([A-Za-z]+)$`)
)

// splitExt removes a trailing alphabetic extension: "1,2,3,4.png" yields
// "1,2,3,4" and "png".
func splitExt(s string) (string, string) {
	m := extRe.FindStringSubmatchIndex(s)
	if m == nil {
		return s, ""
	}
	return s[:m[0]], s[m[2]:m[3]]
}

// parseTileY parses "{y}[@{scale}x][.{format}]".
func parseTileY(s string) (y, scale int, format string, err error) {
	m := tileYRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, "", queryErrorf("y", "%q is not a tile row", s)
	}
	y, _ = strconv.Atoi(m[1])
	scale = 1
	if m[2] != "" {
		scale, _ = strconv.Atoi(m[2])
	}
	return y, scale, m[3], nil
}

// parseCoords parses "minx,miny,maxx,maxy".
func parseCoords(s string) (tms.BBox, error) {
	var b tms.BBox
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return b, queryErrorf("bbox", "%q must be minx,miny,maxx,maxy", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return b, queryErrorf("bbox", "%q is not a number", p)
		}
		b[i] = f
	}
	if !b.Valid() {
		return b, queryErrorf("bbox", "min must not exceed max in %q", s)
	}
	return b, nil
}

// parseSize parses "{width}x{height}" with both sides in [1, limit].
func parseSize(s string, limit int) (int, int, error) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, queryErrorf("size", "%q must be {width}x{height}", s)
	}
	var dims [2]int
	for i, raw := range m[1:] {
		n, err := strconv.Atoi(raw)
		if err != nil || n > limit {
			return 0, 0, queryErrorf("size", "%q exceeds the %dx%d limit", s, limit, limit)
		}
		if n == 0 {
			return 0, 0, queryErrorf("size", "%q must be positive", s)
		}
		dims[i] = n
	}
	return dims[0], dims[1], nil
}
