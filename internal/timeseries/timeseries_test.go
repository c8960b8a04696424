package timeseries

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{"P1Y", Duration{Years: 1}},
		{"P1M", Duration{Months: 1}},
		{"P3D", Duration{Days: 3}},
		{"PT1H", Duration{Hours: 1}},
		{"PT30M", Duration{Minutes: 30}},
		{"PT0.5S", Duration{Seconds: 0.5}},
		{"P1Y2M3DT4H5M6.5S", Duration{1, 2, 3, 4, 5, 6.5}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "P1DT", "1D", "P1W", "invalid", "P1D extra", "xP1D", "P-1D"} {
		_, err := ParseDuration(in)
		assert.ErrorIs(t, err, ErrInvalidDuration, "%q", in)
	}
}

func TestDuration_AddTo(t *testing.T) {
	jan31 := ts("2023-01-31T00:00:00Z")
	assert.Equal(t, ts("2023-02-28T00:00:00Z"), MustParseDuration("P1M").AddTo(jan31), "day clamps to the month end")
	assert.Equal(t, ts("2024-02-29T12:00:00Z"), MustParseDuration("P1Y1M").AddTo(ts("2023-01-31T12:00:00Z")))
	assert.Equal(t, ts("2023-03-01T00:00:00Z"), MustParseDuration("P1M1D").AddTo(jan31), "days apply after the clamp")
	assert.Equal(t, ts("2024-01-31T00:00:00Z"), MustParseDuration("P12M").AddTo(jan31))
	assert.Equal(t, ts("2023-11-30T00:00:00Z"), MustParseDuration("P10M").AddTo(jan31))
	assert.Equal(t, ts("2023-02-01T01:30:00.25Z"), MustParseDuration("P1DT1H30M0.25S").AddTo(jan31))
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		step       string
		want       []Window
		wantCount  int
	}{
		{
			name:      "monthly over a year",
			start:     "2023-01-01T00:00:00Z",
			end:       "2023-12-31T23:59:59Z",
			step:      "P1M",
			wantCount: 12,
		},
		{
			name:  "monthly from a month end",
			start: "2023-01-31T00:00:00Z",
			end:   "2023-04-30T00:00:00Z",
			step:  "P1M",
			want: []Window{
				{ts("2023-01-31T00:00:00Z"), ts("2023-02-27T23:59:59Z")},
				{ts("2023-02-28T00:00:00Z"), ts("2023-03-27T23:59:59Z")},
				{ts("2023-03-28T00:00:00Z"), ts("2023-04-27T23:59:59Z")},
				{ts("2023-04-28T00:00:00Z"), ts("2023-04-30T00:00:00Z")},
			},
		},
		{
			name:  "hourly",
			start: "2023-01-01T00:00:00Z",
			end:   "2023-01-01T05:00:00Z",
			step:  "PT1H",
			want: []Window{
				{ts("2023-01-01T00:00:00Z"), ts("2023-01-01T00:59:59Z")},
				{ts("2023-01-01T01:00:00Z"), ts("2023-01-01T01:59:59Z")},
				{ts("2023-01-01T02:00:00Z"), ts("2023-01-01T02:59:59Z")},
				{ts("2023-01-01T03:00:00Z"), ts("2023-01-01T03:59:59Z")},
				{ts("2023-01-01T04:00:00Z"), ts("2023-01-01T05:00:00Z")},
			},
		},
		{
			name:  "last window clamped",
			start: "2023-01-01T00:00:00Z",
			end:   "2023-01-11T00:00:00Z",
			step:  "P3D",
			want: []Window{
				{ts("2023-01-01T00:00:00Z"), ts("2023-01-03T23:59:59Z")},
				{ts("2023-01-04T00:00:00Z"), ts("2023-01-06T23:59:59Z")},
				{ts("2023-01-07T00:00:00Z"), ts("2023-01-09T23:59:59Z")},
				{ts("2023-01-10T00:00:00Z"), ts("2023-01-11T00:00:00Z")},
			},
		},
		{
			name:  "sub-second step uses microsecond gap",
			start: "2023-01-01T00:00:00Z",
			end:   "2023-01-01T00:00:01Z",
			step:  "PT0.5S",
			want: []Window{
				{ts("2023-01-01T00:00:00Z"), ts("2023-01-01T00:00:00.499999Z")},
				{ts("2023-01-01T00:00:00.5Z"), ts("2023-01-01T00:00:01Z")},
			},
		},
		{
			name:  "one second step boundary",
			start: "2023-01-01T00:00:00Z",
			end:   "2023-01-01T00:00:01.999999Z",
			step:  "PT1S",
			want: []Window{
				{ts("2023-01-01T00:00:00Z"), ts("2023-01-01T00:00:00.999999Z")},
				{ts("2023-01-01T00:00:01Z"), ts("2023-01-01T00:00:01.999999Z")},
			},
		},
		{
			name:  "step larger than range",
			start: "2023-01-01T00:00:00Z",
			end:   "2023-01-01T00:00:29Z",
			step:  "PT30S",
			want:  []Window{{ts("2023-01-01T00:00:00Z"), ts("2023-01-01T00:00:29Z")}},
		},
		{
			name:  "zero width",
			start: "2023-01-01T00:00:00Z",
			end:   "2023-01-01T00:00:00Z",
			step:  "P1D",
			want:  []Window{{ts("2023-01-01T00:00:00Z"), ts("2023-01-01T00:00:00Z")}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(ts(tt.start), ts(tt.end), MustParseDuration(tt.step))
			require.NoError(t, err)
			if tt.want != nil {
				assert.Equal(t, tt.want, got)
				return
			}
			require.Len(t, got, tt.wantCount)
			assert.Equal(t, ts(tt.end), got[len(got)-1].End)
			for i := 1; i < len(got); i++ {
				assert.Equal(t, got[i-1].End.Add(time.Second), got[i].Start)
			}
		})
	}
}

func TestExpand_Errors(t *testing.T) {
	start := ts("2023-01-02T00:00:00Z")
	_, err := Expand(start, start.Add(-time.Hour), MustParseDuration("PT1H"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = Expand(start, start.Add(time.Hour), Duration{})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = ExpandLimit(start, start.Add(time.Hour), MustParseDuration("PT1M"), 10)
	assert.ErrorIs(t, err, ErrTooManyWindows)
}

func TestWindowLabel(t *testing.T) {
	w := Window{ts("2023-01-01T00:00:00Z"), ts("2023-01-01T00:00:00.499999Z")}
	assert.Equal(t, "2023-01-01T00:00:00Z/2023-01-01T00:00:00.499999Z", w.Label())
}

func TestParseRequest(t *testing.T) {
	v := url.Values{}
	v.Set(ParamStart, "2023-01-01")
	v.Set(ParamEnd, "2023-01-10T00:00:00Z")
	v.Set(ParamStep, "P3D")

	req, err := ParseRequest(v)
	require.NoError(t, err)
	windows, err := req.Windows(0)
	require.NoError(t, err)
	assert.Len(t, windows, 3)

	v.Set(ParamStepIdx, "1")
	req, err = ParseRequest(v)
	require.NoError(t, err)
	windows, err = req.Windows(0)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, ts("2023-01-04T00:00:00Z"), windows[0].Start)

	v.Set(ParamStepIdx, "7")
	req, err = ParseRequest(v)
	require.NoError(t, err)
	_, err = req.Windows(0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	for _, missing := range []string{ParamStart, ParamEnd, ParamStep} {
		q := url.Values{}
		for k, vals := range v {
			if k != missing {
				q[k] = vals
			}
		}
		_, err := ParseRequest(q)
		assert.ErrorIs(t, err, ErrInvalidRequest, "missing %s", missing)
	}

	v.Set(ParamStep, "P")
	v.Del(ParamStepIdx)
	_, err = ParseRequest(v)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestBuildSubRequests(t *testing.T) {
	base, _ := url.Parse("http://localhost/statistics")
	q := url.Values{}
	q.Set("concept_id", "C1-LPCLOUD")
	q["bands"] = []string{"B04", "B05"}
	q.Set("bands_regex", "B0[45]")
	q.Set("datetime", "ignored")
	q.Set("fps", "5")
	q.Set(ParamStart, "2023-01-01")
	q.Set(ParamEnd, "2023-01-02")
	q.Set(ParamStep, "P1D")
	q.Set(ParamStepIdx, "0")
	windows := []Window{{ts("2023-01-01T00:00:00Z"), ts("2023-01-02T00:00:00Z")}}

	reqs := BuildSubRequests(http.MethodPost, base, q, windows, []byte(`{}`), nil)
	require.Len(t, reqs, 1)
	u, err := url.Parse(reqs[0].URL)
	require.NoError(t, err)
	got := u.Query()

	assert.Equal(t, "/statistics", u.Path)
	assert.Equal(t, windows[0].Label(), got.Get("datetime"))
	assert.Equal(t, []string{"B04", "B05"}, got["bands"])
	assert.Equal(t, "C1-LPCLOUD", got.Get("concept_id"))
	for _, k := range []string{ParamStart, ParamEnd, ParamStep, ParamStepIdx, "fps"} {
		assert.False(t, got.Has(k), k)
	}
}

func TestFetcher_Do(t *testing.T) {
	var (
		ids       requestIDs
		mu        sync.Mutex
		completed []string
		later     atomic.Int32
	)
	othersDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids.add(r.Header.Get("X-Request-ID"))
		datetime := r.URL.Query().Get("datetime")
		// the first window answers only after every other window has
		if strings.HasPrefix(datetime, "2023-01-01") {
			select {
			case <-othersDone:
			case <-time.After(3 * time.Second):
			}
		}
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, `{"datetime":%q,"body":%q}`, datetime, body)

		mu.Lock()
		completed = append(completed, datetime)
		mu.Unlock()
		if !strings.HasPrefix(datetime, "2023-01-01") && later.Add(1) == 3 {
			close(othersDone)
		}
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/statistics")
	windows, err := Expand(ts("2023-01-01T00:00:00Z"), ts("2023-01-05T00:00:00Z"), MustParseDuration("P1D"))
	require.NoError(t, err)

	f := NewFetcher(srv.Client(), 5*time.Second, nil)
	results, err := f.Do(context.Background(), BuildSubRequests(http.MethodPost, base, nil, windows, []byte(`{"a":1}`), nil))
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, completed, 4)
	assert.Equal(t, windows[0].Label(), completed[3], "the first window completed last")
	mu.Unlock()

	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, windows[i].Label(), res.Label, "results keep window order")
		var got map[string]string
		require.NoError(t, json.Unmarshal(res.Body, &got))
		assert.Equal(t, windows[i].Label(), got["datetime"])
		assert.Equal(t, `{"a":1}`, got["body"])
	}
	assert.Equal(t, int32(4), ids.count.Load())
}

func TestFetcher_AllOrNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Query().Get("datetime"), "2023-01-03") {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":"NoAssetFoundError"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/tilejson.json")
	windows, _ := Expand(ts("2023-01-01T00:00:00Z"), ts("2023-01-05T00:00:00Z"), MustParseDuration("P1D"))

	results, err := NewFetcher(srv.Client(), time.Second, nil).Do(context.Background(), BuildSubRequests(http.MethodGet, base, nil, windows, nil, nil))
	assert.Nil(t, results)

	var subErr *SubRequestError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, http.StatusNotFound, subErr.Status)
	assert.JSONEq(t, `{"code":"NoAssetFoundError"}`, string(subErr.Body))
}

type requestIDs struct{ count atomic.Int32 }

func (m *requestIDs) add(id string) {
	if id != "" {
		m.count.Add(1)
	}
}

func TestMergeStatistics(t *testing.T) {
	body, err := geojson.ParseBody([]byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"name":"a"}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[1,1]},"properties":{}}]}`))
	require.NoError(t, err)

	stat := func(v int) []byte {
		return []byte(fmt.Sprintf(`{"type":"FeatureCollection","features":[
			{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"statistics":{"b1":{"mean":%d}}}},
			{"type":"Feature","geometry":{"type":"Point","coordinates":[1,1]},"properties":{"statistics":{"b1":{"mean":%d}}}}]}`, v, v*10))
	}
	results := []Result{{Label: "w1", Body: stat(1)}, {Label: "w2", Body: stat(2)}}
	require.NoError(t, MergeStatistics(body, results))

	out, err := json.Marshal(body.Value())
	require.NoError(t, err)
	var decoded struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))

	first := decoded.Features[0].Properties
	assert.Equal(t, "a", first["name"])
	assert.Equal(t, map[string]any{
		"w1": map[string]any{"b1": map[string]any{"mean": 1.0}},
		"w2": map[string]any{"b1": map[string]any{"mean": 2.0}},
	}, first["statistics"])
	assert.Equal(t, 20.0, decoded.Features[1].Properties["statistics"].(map[string]any)["w2"].(map[string]any)["b1"].(map[string]any)["mean"])

	err = MergeStatistics(body, []Result{{Label: "w3", Body: []byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}`)}})
	assert.Error(t, err)
}

func TestCollectTileJSONs(t *testing.T) {
	out, err := CollectTileJSONs([]Result{
		{Label: "w1", Body: []byte(`{"tilejson":"3.0.0"}`)},
		{Label: "w2", Body: []byte(`{"tilejson":"3.0.0","minzoom":2}`)},
	})
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeseries_tilejsons":{"w1":{"tilejson":"3.0.0"},"w2":{"tilejson":"3.0.0","minzoom":2}}}`, string(data))

	_, err = CollectTileJSONs([]Result{{Label: "w1", Body: []byte("not json")}})
	assert.Error(t, err)
}

func pngFrame(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncodeGIF(t *testing.T) {
	frames := [][]byte{
		pngFrame(t, color.RGBA{255, 0, 0, 255}),
		pngFrame(t, color.RGBA{0, 255, 0, 255}),
		pngFrame(t, color.RGBA{0, 0, 255, 255}),
	}
	data, err := EncodeGIF(frames, 5)
	require.NoError(t, err)

	anim, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, anim.Image, 3)
	assert.Equal(t, []int{20, 20, 20}, anim.Delay)
	assert.Equal(t, 0, anim.LoopCount)

	data, err = EncodeGIF(frames[:1], 0)
	require.NoError(t, err)
	anim, err = gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []int{10}, anim.Delay, "default 10 fps")

	_, err = EncodeGIF(nil, 10)
	assert.Error(t, err)
	_, err = EncodeGIF([][]byte{[]byte("nope")}, 10)
	assert.Error(t, err)
}
