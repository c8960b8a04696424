package timeseries

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	_ "image/jpeg" // frame decoder
	_ "image/png"  // frame decoder

	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

// DefaultFPS is the animation rate when none is requested.
const DefaultFPS = 10

// MergeStatistics stores each window's statistics in the input body under
// properties.statistics[label]. Each result must be the statistics
// response for the same body.
func MergeStatistics(body *geojson.Body, results []Result) error {
	features := body.Features()
	perFeature := make([]map[string]any, len(features))
	for i := range perFeature {
		perFeature[i] = make(map[string]any, len(results))
	}

	for _, res := range results {
		out, err := geojson.ParseBody(res.Body)
		if err != nil {
			return fmt.Errorf("window %s: %w", res.Label, err)
		}
		got := out.Features()
		if len(got) != len(features) {
			return fmt.Errorf("window %s returned %d features, want %d", res.Label, len(got), len(features))
		}
		for i, f := range got {
			stats, ok := f.Properties["statistics"]
			if !ok {
				return fmt.Errorf("window %s: feature %d has no statistics", res.Label, i)
			}
			perFeature[i][res.Label] = stats
		}
	}

	for i, f := range features {
		f.Properties["statistics"] = perFeature[i]
	}
	return nil
}

// TileJSONs is the timeseries tilejson response.
type TileJSONs struct {
	Timeseries map[string]json.RawMessage `json:"timeseries_tilejsons"`
}

// CollectTileJSONs keys each window's tilejson document by its label.
func CollectTileJSONs(results []Result) (*TileJSONs, error) {
	out := &TileJSONs{Timeseries: make(map[string]json.RawMessage, len(results))}
	for _, res := range results {
		if !json.Valid(res.Body) {
			return nil, fmt.Errorf("window %s returned invalid JSON", res.Label)
		}
		out.Timeseries[res.Label] = json.RawMessage(res.Body)
	}
	return out, nil
}

// EncodeGIF assembles decoded frames, in order, into an animated GIF that
// loops forever. Frames are quantized to the Plan 9 palette with
// Floyd-Steinberg dithering.
func EncodeGIF(frames [][]byte, fps int) ([]byte, error) {
	if len(frames) == 0 {
		return nil, errors.New("no frames to encode")
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	delay := max(1, 100/fps)

	anim := &gif.GIF{LoopCount: 0}
	for i, data := range frames {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", i, err)
		}
		b := img.Bounds()
		pal := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette.Plan9)
		draw.FloydSteinberg.Draw(pal, pal.Bounds(), img, b.Min)
		anim.Image = append(anim.Image, pal)
		anim.Delay = append(anim.Delay, delay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("encode gif: %w", err)
	}
	return buf.Bytes(), nil
}
