package api

import (
	"log/slog"
	"net/http"

	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
)

// forwardedHeaders are copied from the incoming request to every
// timeseries sub-request.
var forwardedHeaders = []string{"Authorization", "Accept-Language"}

func (h *Handlers) windows(r *http.Request) ([]timeseries.Window, error) {
	v := r.URL.Query()
	if _, err := parseQuery(v); err != nil {
		return nil, err
	}
	req, err := timeseries.ParseRequest(v)
	if err != nil {
		return nil, err
	}
	return req.Windows(h.cfg.Timeseries.MaxWindows)
}

// fanOut issues one sub-request per window against path and returns the
// results in window order.
func (h *Handlers) fanOut(r *http.Request, method, path string, windows []timeseries.Window, body []byte) ([]timeseries.Result, error) {
	base, err := h.subRequestBase(r, path)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	for _, k := range forwardedHeaders {
		if v := r.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	reqs := timeseries.BuildSubRequests(method, base, r.URL.Query(), windows, body, header)

	h.logger.Debug("timeseries fan-out",
		slog.String("path", path),
		slog.Int("windows", len(reqs)),
	)
	return h.deps.Fetcher.Do(r.Context(), reqs)
}

// TimeseriesStatistics computes statistics for every time window and
// merges them per feature under properties.statistics[window].
// POST /timeseries/statistics
func (h *Handlers) TimeseriesStatistics(w http.ResponseWriter, r *http.Request) {
	windows, err := h.windows(r)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	data, body, ok := readBody(w, r)
	if !ok {
		return
	}

	results, err := h.fanOut(r, http.MethodPost, "/statistics", windows, data)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	if err := timeseries.MergeStatistics(body, results); err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	WriteGeoJSON(w, http.StatusOK, body.Value())
}

// TimeseriesTileJSON returns one TileJSON document per time window.
// GET /timeseries/{tileMatrixSetId}/tilejson.json
func (h *Handlers) TimeseriesTileJSON(w http.ResponseWriter, r *http.Request) {
	set, ok := h.tileMatrixSet(w, r)
	if !ok {
		return
	}
	windows, err := h.windows(r)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	results, err := h.fanOut(r, http.MethodGet, "/"+set.ID+"/tilejson.json", windows, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	out, err := timeseries.CollectTileJSONs(results)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// TimeseriesBBox renders the bbox once per time window and animates the
// frames.
// GET /timeseries/bbox/{minx},{miny},{maxx},{maxy}[/{width}x{height}].gif
func (h *Handlers) TimeseriesBBox(w http.ResponseWriter, r *http.Request) {
	bp, err := parseBBoxPath(r, h.sizeLimit())
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	if bp.Format != "gif" {
		WriteInvalidParameter(w, "invalid format: timeseries bbox output must be gif")
		return
	}
	fps, err := intParam(r.URL.Query(), "fps", timeseries.DefaultFPS, 2)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	windows, err := h.windows(r)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	path := "/bbox/" + bp.Coords
	if bp.Size != "" {
		path += "/" + bp.Size
	}
	results, err := h.fanOut(r, http.MethodGet, path+".png", windows, nil)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}

	frames := make([][]byte, len(results))
	for i, res := range results {
		frames[i] = res.Body
	}
	gif, err := timeseries.EncodeGIF(frames, fps)
	if err != nil {
		writeBackendError(w, h.logger, err)
		return
	}
	WriteImage(w, "image/gif", gif)
}
