package reader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// MultiBandReader composites one single-band file per band label.
type MultiBandReader struct {
	single Reader
	bands  []string
}

// NewMultiBandReader is the Factory for KindMultiBand.
func NewMultiBandReader(cfg Config) (Reader, error) {
	single := cfg
	single.Kind = KindRasterio
	single.Raster.Indexes = []int{1}
	r, err := NewImageReader(single)
	if err != nil {
		return nil, err
	}
	return &MultiBandReader{single: r, bands: slices.Clone(cfg.Raster.Bands)}, nil
}

// Open opens every selected band file. Nothing stays open on error.
func (r *MultiBandReader) Open(ctx context.Context, src Source, sess *Session) (Dataset, error) {
	labels := r.bands
	if len(labels) == 0 {
		for label := range src.Bands {
			labels = append(labels, label)
		}
		sort.Strings(labels)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("asset %s has no band files", src.ID)
	}

	ds := &multiDataset{labels: labels}
	for _, label := range labels {
		link, ok := src.Bands[label]
		if !ok {
			ds.Close()
			return nil, fmt.Errorf("band %q not found in asset %s", label, src.ID)
		}
		part, err := r.single.Open(ctx, Source{ID: src.ID + ":" + label, URL: link}, sess)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("band %q: %w", label, err)
		}
		ds.parts = append(ds.parts, part)
	}
	return ds, nil
}

type multiDataset struct {
	labels []string
	parts  []Dataset
}

func (d *multiDataset) each(read func(Dataset) (*ImageData, error)) (*ImageData, error) {
	var out *ImageData
	for i, part := range d.parts {
		img, err := read(part)
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", d.labels[i], err)
		}
		if out == nil {
			out = NewImageData(img.Width, img.Height, len(d.parts), img.Bounds, img.CRS)
			copy(out.Mask, img.Mask)
		} else if img.Width != out.Width || img.Height != out.Height {
			return nil, fmt.Errorf("band %q has size %dx%d, want %dx%d", d.labels[i], img.Width, img.Height, out.Width, out.Height)
		} else {
			for p, v := range img.Mask {
				out.Mask[p] = out.Mask[p] && v
			}
		}
		out.Bands[i] = img.Bands[0]
		out.BandNames[i] = d.labels[i]
	}
	return out, nil
}

func (d *multiDataset) Tile(ctx context.Context, req TileRequest) (*ImageData, error) {
	return d.each(func(p Dataset) (*ImageData, error) { return p.Tile(ctx, req) })
}

func (d *multiDataset) Part(ctx context.Context, req PartRequest) (*ImageData, error) {
	return d.each(func(p Dataset) (*ImageData, error) { return p.Part(ctx, req) })
}

func (d *multiDataset) Feature(ctx context.Context, req FeatureRequest) (*ImageData, error) {
	return d.each(func(p Dataset) (*ImageData, error) { return p.Feature(ctx, req) })
}

func (d *multiDataset) Close() error {
	var errs []error
	for _, p := range d.parts {
		errs = append(errs, p.Close())
	}
	d.parts = nil
	return errors.Join(errs...)
}
