package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"sort"
	"strconv"
	"strings"
)

// Colormap maps an integer pixel value to a color. Values without an entry
// render transparent.
type Colormap map[int]color.RGBA

// ErrUnknownColormap is returned for colormap names that are not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

type stop struct {
	at float64
	c  color.RGBA
}

var ramps = map[string][]stop{
	"viridis": {
		{0, color.RGBA{0x44, 0x01, 0x54, 0xff}},
		{0.25, color.RGBA{0x3b, 0x52, 0x8b, 0xff}},
		{0.5, color.RGBA{0x21, 0x91, 0x8c, 0xff}},
		{0.75, color.RGBA{0x5e, 0xc9, 0x62, 0xff}},
		{1, color.RGBA{0xfd, 0xe7, 0x25, 0xff}},
	},
	"greys": {
		{0, color.RGBA{0xff, 0xff, 0xff, 0xff}},
		{1, color.RGBA{0x00, 0x00, 0x00, 0xff}},
	},
	"terrain": {
		{0, color.RGBA{0x33, 0x33, 0x99, 0xff}},
		{0.15, color.RGBA{0x00, 0x99, 0xff, 0xff}},
		{0.25, color.RGBA{0x00, 0xcc, 0x66, 0xff}},
		{0.5, color.RGBA{0xff, 0xff, 0x99, 0xff}},
		{0.75, color.RGBA{0x80, 0x66, 0x33, 0xff}},
		{1, color.RGBA{0xff, 0xff, 0xff, 0xff}},
	},
}

// ColormapNames lists the named colormaps, including reversed variants.
func ColormapNames() []string {
	names := make([]string, 0, 2*len(ramps))
	for name := range ramps {
		names = append(names, name, name+"_r")
	}
	sort.Strings(names)
	return names
}

// NamedColormap builds a 256 entry colormap. A "_r" suffix reverses it.
func NamedColormap(name string) (Colormap, error) {
	key := strings.ToLower(name)
	reverse := strings.HasSuffix(key, "_r")
	stops, ok := ramps[strings.TrimSuffix(key, "_r")]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownColormap, name)
	}

	cm := make(Colormap, 256)
	for i := range 256 {
		t := float64(i) / 255
		if reverse {
			t = 1 - t
		}
		cm[i] = interpolate(stops, t)
	}
	return cm, nil
}

func interpolate(stops []stop, t float64) color.RGBA {
	for i := 1; i < len(stops); i++ {
		a, b := stops[i-1], stops[i]
		if t > b.at {
			continue
		}
		f := (t - a.at) / (b.at - a.at)
		lerp := func(x, y uint8) uint8 { return uint8(float64(x) + f*(float64(y)-float64(x)) + 0.5) }
		return color.RGBA{lerp(a.c.R, b.c.R), lerp(a.c.G, b.c.G), lerp(a.c.B, b.c.B), lerp(a.c.A, b.c.A)}
	}
	return stops[len(stops)-1].c
}

// ParseColormap decodes a JSON colormap: an object whose keys are integer
// pixel values and whose values are [r, g, b], [r, g, b, a] or "#rrggbb[aa]".
func ParseColormap(data string) (Colormap, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("invalid colormap: %w", err)
	}

	cm := make(Colormap, len(raw))
	for k, v := range raw {
		key, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid colormap key %q: intervals are not supported", k)
		}
		c, err := parseColor(v)
		if err != nil {
			return nil, fmt.Errorf("colormap entry %s: %w", k, err)
		}
		cm[key] = c
	}
	return cm, nil
}

func parseColor(v json.RawMessage) (color.RGBA, error) {
	var hex string
	if err := json.Unmarshal(v, &hex); err == nil {
		return parseHex(hex)
	}

	var parts []int
	if err := json.Unmarshal(v, &parts); err != nil {
		return color.RGBA{}, errors.New("color must be a list of integers or a hex string")
	}
	if len(parts) != 3 && len(parts) != 4 {
		return color.RGBA{}, fmt.Errorf("color must have 3 or 4 components, got %d", len(parts))
	}
	for _, p := range parts {
		if p < 0 || p > 255 {
			return color.RGBA{}, fmt.Errorf("color component %d out of range", p)
		}
	}
	c := color.RGBA{uint8(parts[0]), uint8(parts[1]), uint8(parts[2]), 255}
	if len(parts) == 4 {
		c.A = uint8(parts[3])
	}
	return c, nil
}

func parseHex(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 && len(s) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	if len(s) == 6 {
		n = n<<8 | 0xff
	}
	return color.RGBA{uint8(n >> 24), uint8(n >> 16), uint8(n >> 8), uint8(n)}, nil
}
