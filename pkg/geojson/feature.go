package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Feature is a GeoJSON Feature. Unknown members are not preserved.
type Feature struct {
	Type       string         `json:"type"`
	ID         any            `json:"id,omitempty"`
	Geometry   *Geometry      `json:"geometry"`
	Properties map[string]any `json:"properties"`
	BBox       []float64      `json:"bbox,omitempty"`
}

// FeatureCollection is a GeoJSON FeatureCollection.
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// Body is a decoded request body: either a single Feature or a
// FeatureCollection. Exactly one field is set.
type Body struct {
	Feature    *Feature
	Collection *FeatureCollection
}

// ParseBody decodes a Feature or FeatureCollection.
func ParseBody(data []byte) (*Body, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}

	switch head.Type {
	case "Feature":
		var f Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid Feature: %w", err)
		}
		if err := f.validate(); err != nil {
			return nil, err
		}
		return &Body{Feature: &f}, nil
	case "FeatureCollection":
		var fc FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("invalid FeatureCollection: %w", err)
		}
		for i, f := range fc.Features {
			if f == nil {
				return nil, fmt.Errorf("feature %d is null", i)
			}
			if err := f.validate(); err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
		}
		return &Body{Collection: &fc}, nil
	}
	return nil, fmt.Errorf("expected a Feature or FeatureCollection, got %q", head.Type)
}

func (f *Feature) validate() error {
	if f.Geometry == nil {
		return errors.New("feature has no geometry")
	}
	if _, err := f.Geometry.BBox(); err != nil {
		return err
	}
	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	return nil
}

// Features returns the features of the body in order.
func (b *Body) Features() []*Feature {
	if b.Feature != nil {
		return []*Feature{b.Feature}
	}
	return b.Collection.Features
}

// Value returns the body for JSON encoding.
func (b *Body) Value() any {
	if b.Feature != nil {
		return b.Feature
	}
	return b.Collection
}
