package geojson_test

import (
	"fmt"
	"log"

	"github.com/robert-malhotra/cmr-tiler/pkg/geojson"
)

func ExampleParseBody() {
	body := []byte(`{
		"type": "Feature",
		"properties": {"name": "field"},
		"geometry": {"type": "Polygon", "coordinates": [[[-105.3, 39.9], [-105.1, 39.9], [-105.1, 40.1], [-105.3, 40.1], [-105.3, 39.9]]]}
	}`)

	b, err := geojson.ParseBody(body)
	if err != nil {
		log.Fatal(err)
	}

	bbox, err := b.Feature.Geometry.BBox()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("features: %d\n", len(b.Features()))
	fmt.Printf("bbox: %v\n", bbox)
	// Output:
	// features: 1
	// bbox: [-105.3 39.9 -105.1 40.1]
}

func ExampleMask() {
	g, err := geojson.NewPolygonFromBBox([]float64{0, 0, 10, 10})
	if err != nil {
		log.Fatal(err)
	}

	m, err := geojson.NewMask(g)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(m.Contains(5, 5), m.Contains(15, 5))
	// Output: true false
}
