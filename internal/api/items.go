package api

import (
	"time"

	"github.com/planetlabs/go-stac"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

const stacVersion = "1.0.0"

// ItemCollection is the asset listing response: one STAC Item per granule,
// in mosaic priority order.
type ItemCollection struct {
	Type           string       `json:"type"` // "FeatureCollection"
	Features       []*stac.Item `json:"features"`
	Links          []*stac.Link `json:"links"`
	NumberReturned int          `json:"numberReturned"`
}

func newItemCollection(list []assets.Asset, self string) *ItemCollection {
	ic := &ItemCollection{
		Type:           "FeatureCollection",
		Features:       make([]*stac.Item, 0, len(list)),
		Links:          []*stac.Link{{Rel: "self", Href: self, Type: "application/geo+json"}},
		NumberReturned: len(list),
	}
	for _, a := range list {
		ic.Features = append(ic.Features, assetItem(a))
	}
	return ic
}

// assetItem converts a discovered asset to a STAC Item. Single-file assets
// get a "data" asset; multi-band assets get one asset per band label.
func assetItem(a assets.Asset) *stac.Item {
	item := &stac.Item{
		Version:    stacVersion,
		Id:         a.ID,
		Collection: a.Collection,
		Properties: make(map[string]any),
		Assets:     make(map[string]*stac.Asset),
		Links:      make([]*stac.Link, 0),
	}

	if len(a.BBox) == 4 {
		item.Bbox = a.BBox
		if geom, err := geojson.NewPolygonFromBBox(a.BBox); err == nil {
			item.Geometry = geom
		}
	}
	if len(a.Footprint) > 0 {
		item.Geometry = a.Footprint
	}

	// STAC requires datetime to be null when a range is given.
	item.Properties["datetime"] = nil
	if a.Start != nil {
		item.Properties["start_datetime"] = a.Start.UTC().Format(time.RFC3339)
	}
	if a.End != nil {
		item.Properties["end_datetime"] = a.End.UTC().Format(time.RFC3339)
	}
	if a.Start != nil && a.End != nil && a.Start.Equal(*a.End) {
		item.Properties["datetime"] = a.Start.UTC().Format(time.RFC3339)
	}
	if a.Platform != "" {
		item.Properties["platform"] = a.Platform
	}
	if a.CloudCover != nil {
		item.Properties["eo:cloud_cover"] = *a.CloudCover
	}
	if a.Provider != "" {
		item.Properties["providers"] = []map[string]any{{"name": a.Provider, "roles": []string{"host"}}}
	}

	if a.URL != "" {
		item.Assets["data"] = &stac.Asset{
			Href:  a.URL,
			Title: a.ID,
			Roles: []string{"data"},
		}
	}
	for band, href := range a.Bands {
		item.Assets[band] = &stac.Asset{
			Href:  href,
			Title: band,
			Roles: []string{"data"},
		}
	}
	return item
}
