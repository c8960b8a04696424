package render

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/robert-malhotra/cmr-tiler/internal/reader"
)

// DefaultHistogramBins is used when no bin count is requested.
const DefaultHistogramBins = 10

// DefaultPercentiles are reported when none are requested.
var DefaultPercentiles = []int{2, 98}

// StatsOptions control per-band statistics.
type StatsOptions struct {
	// Categorical counts each distinct value instead of binning.
	Categorical bool
	// CategoryValues restricts categorical counts to these values.
	CategoryValues []float64
	Percentiles    []int
	HistogramBins  int
}

// BandStatistics summarises the valid pixels of one band.
type BandStatistics struct {
	Min          float64
	Max          float64
	Mean         float64
	Count        float64
	Sum          float64
	Std          float64
	Median       float64
	Majority     float64
	Minority     float64
	Unique       float64
	Histogram    [2][]float64
	ValidPercent float64
	MaskedPixels float64
	ValidPixels  float64
	Percentiles  map[int]float64
}

// MarshalJSON emits percentiles as percentile_<n> members.
func (s BandStatistics) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"min":           s.Min,
		"max":           s.Max,
		"mean":          s.Mean,
		"count":         s.Count,
		"sum":           s.Sum,
		"std":           s.Std,
		"median":        s.Median,
		"majority":      s.Majority,
		"minority":      s.Minority,
		"unique":        s.Unique,
		"histogram":     [2][]float64{nonNil(s.Histogram[0]), nonNil(s.Histogram[1])},
		"valid_percent": s.ValidPercent,
		"masked_pixels": s.MaskedPixels,
		"valid_pixels":  s.ValidPixels,
	}
	for p, v := range s.Percentiles {
		m["percentile_"+strconv.Itoa(p)] = v
	}
	return json.Marshal(m)
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// Statistics computes statistics for every band of img, keyed by band name.
func Statistics(img *reader.ImageData, opts StatsOptions) (map[string]BandStatistics, error) {
	if img == nil {
		return nil, fmt.Errorf("no image")
	}
	percentiles := opts.Percentiles
	if percentiles == nil {
		percentiles = DefaultPercentiles
	}
	for _, p := range percentiles {
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("percentile %d out of range [0, 100]", p)
		}
	}
	bins := opts.HistogramBins
	if bins <= 0 {
		bins = DefaultHistogramBins
	}

	out := make(map[string]BandStatistics, img.Count())
	total := float64(len(img.Mask))
	for b, band := range img.Bands {
		values := make([]float64, 0, len(band))
		for i, v := range band {
			if img.Mask[i] && !math.IsNaN(v) {
				values = append(values, v)
			}
		}

		s := BandStatistics{
			Count:        float64(len(values)),
			ValidPixels:  float64(len(values)),
			MaskedPixels: total - float64(len(values)),
			Percentiles:  make(map[int]float64, len(percentiles)),
		}
		if total > 0 {
			s.ValidPercent = math.Round(float64(len(values))/total*10000) / 100
		}
		if len(values) > 0 {
			describe(&s, values, percentiles, bins, opts)
		}
		out[img.BandNames[b]] = s
	}
	return out, nil
}

func describe(s *BandStatistics, values []float64, percentiles []int, bins int, opts StatsOptions) {
	slices.Sort(values)
	s.Min, s.Max = values[0], values[len(values)-1]
	s.Mean, s.Std = stat.PopMeanStdDev(values, nil)
	for _, v := range values {
		s.Sum += v
	}
	s.Median = median(values)
	for _, p := range percentiles {
		s.Percentiles[p] = stat.Quantile(float64(p)/100, stat.Empirical, values, nil)
	}

	// distinct values, ascending, with counts
	var uniq, counts []float64
	for _, v := range values {
		if n := len(uniq); n > 0 && uniq[n-1] == v {
			counts[n-1]++
			continue
		}
		uniq = append(uniq, v)
		counts = append(counts, 1)
	}
	s.Unique = float64(len(uniq))
	majority, minority := 0, 0
	for i, c := range counts {
		if c > counts[majority] {
			majority = i
		}
		if c < counts[minority] {
			minority = i
		}
	}
	s.Majority, s.Minority = uniq[majority], uniq[minority]

	if opts.Categorical {
		s.Histogram = categorical(uniq, counts, opts.CategoryValues)
		return
	}
	s.Histogram = histogram(values, s.Min, s.Max, bins)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func categorical(uniq, counts, only []float64) [2][]float64 {
	if len(only) == 0 {
		return [2][]float64{slices.Clone(counts), slices.Clone(uniq)}
	}
	out := [2][]float64{make([]float64, len(only)), slices.Clone(only)}
	for i, v := range only {
		if j, ok := slices.BinarySearch(uniq, v); ok {
			out[0][i] = counts[j]
		}
	}
	return out
}

// histogram bins sorted values into equal-width bins between lo and hi.
// A constant band uses [lo-0.5, hi+0.5].
func histogram(sorted []float64, lo, hi float64, bins int) [2][]float64 {
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	edges := make([]float64, bins+1)
	width := (hi - lo) / float64(bins)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[bins] = hi

	// the last bin is closed on the right
	dividers := slices.Clone(edges)
	dividers[bins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(make([]float64, bins), dividers, sorted, nil)
	return [2][]float64{counts, edges}
}
