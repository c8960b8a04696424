// Package mosaic composites per-asset reads into a single image.
//
// Assets are read concurrently in chunks and merged in their discovery
// order: the first asset holding a valid value for a pixel wins. Reading
// stops once every output pixel is filled.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
)

// ErrNoData is returned when no asset produced a valid pixel.
var ErrNoData = errors.New("no data found in the mosaic")

// ReadFunc reads one asset into the output grid.
type ReadFunc func(ctx context.Context, asset assets.Asset) (*reader.ImageData, error)

// Engine runs mosaic merges.
type Engine struct {
	concurrency int
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewEngine creates an engine. A concurrency of zero or less uses
// 4 * runtime.NumCPU(); a zero read timeout disables the per-read deadline.
func NewEngine(concurrency int, readTimeout time.Duration, logger *slog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 4 * runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{concurrency: concurrency, readTimeout: readTimeout, logger: logger}
}

// Concurrency returns the chunk size.
func (e *Engine) Concurrency() int { return e.concurrency }

type readResult struct {
	img *reader.ImageData
	err error
}

// Merge reads list in chunks and composites the results. It returns the
// merged image and the ids of the assets that filled at least one pixel.
// Failed reads are logged and skipped. If nothing contributed, Merge
// returns ErrNoData.
func (e *Engine) Merge(ctx context.Context, list []assets.Asset, read ReadFunc) (*reader.ImageData, []string, error) {
	var (
		out          *reader.ImageData
		contributing []string
	)

	for start := 0; start < len(list); start += e.concurrency {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		chunk := list[start:min(start+e.concurrency, len(list))]
		results := e.readChunk(ctx, chunk, read)

		for i, res := range results {
			asset := chunk[i]
			if res.err != nil {
				e.logger.Warn("asset read failed",
					slog.String("asset", asset.ID),
					slog.String("error", res.err.Error()))
				continue
			}
			if out == nil {
				out = reader.NewImageData(res.img.Width, res.img.Height, res.img.Count(), res.img.Bounds, res.img.CRS)
				copy(out.BandNames, res.img.BandNames)
			}
			if !out.SameShape(res.img) {
				e.logger.Warn("asset read has mismatched shape",
					slog.String("asset", asset.ID),
					slog.Int("width", res.img.Width),
					slog.Int("height", res.img.Height),
					slog.Int("bands", res.img.Count()))
				continue
			}
			if fill(out, res.img) > 0 {
				contributing = append(contributing, asset.ID)
			}
		}

		if out != nil && out.Full() {
			if rest := len(list) - start - len(chunk); rest > 0 {
				e.logger.Debug("mosaic filled, skipping remaining assets", slog.Int("skipped", rest))
			}
			break
		}
	}

	if len(contributing) == 0 {
		return nil, nil, ErrNoData
	}
	out.Assets = contributing
	return out, contributing, nil
}

func (e *Engine) readChunk(ctx context.Context, chunk []assets.Asset, read ReadFunc) []readResult {
	results := make([]readResult, len(chunk))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, asset := range chunk {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					results[i] = readResult{err: fmt.Errorf("read panicked: %v", rec)}
				}
			}()
			rctx, cancel := ctx, context.CancelFunc(func() {})
			if e.readTimeout > 0 {
				rctx, cancel = context.WithTimeout(ctx, e.readTimeout)
			}
			defer cancel()
			img, err := read(rctx, asset)
			if err == nil && img == nil {
				err = errors.New("reader returned no image")
			}
			results[i] = readResult{img: img, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fill copies src pixels into the missing pixels of dst and returns how
// many it filled.
func fill(dst, src *reader.ImageData) int {
	n := 0
	for p, ok := range src.Mask {
		if !ok || dst.Mask[p] {
			continue
		}
		for b := range dst.Bands {
			dst.Bands[b][p] = src.Bands[b][p]
		}
		dst.Mask[p] = true
		n++
	}
	return n
}
