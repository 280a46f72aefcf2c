// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package holo

import (
	"fmt"
	"math"
	"strings"
)

// Shape of the window applied to a hologram before propagation
type WindowShape int

const (
	WindowNone WindowShape = iota
	WindowCircular
	WindowRectangular
)

func (s WindowShape) String() string {
	switch s {
	case WindowCircular:
		return "circular"
	case WindowRectangular:
		return "rectangular"
	default:
		return "none"
	}
}

func ParseWindowShape(s string) (WindowShape, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return WindowNone, nil
	case "circular", "circle":
		return WindowCircular, nil
	case "rectangular", "rect":
		return WindowRectangular, nil
	}
	return WindowNone, fmt.Errorf("unknown window shape '%s'", s)
}

func (s WindowShape) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *WindowShape) UnmarshalText(b []byte) (err error) {
	*s, err = ParseWindowShape(string(b))
	return err
}

// A window with a cosine-tapered edge of the given thickness in pixels
type Window struct {
	Shape     WindowShape `json:"shape"     yaml:"shape"`
	Thickness int         `json:"thickness" yaml:"thickness"`
}

// Returns the window weights for an image of the given size
func (w Window) Mask(width, height int) []float64 {
	m := make([]float64, width*height)
	cx, cy := float64(width-1)/2, float64(height-1)/2
	radius := math.Min(float64(width), float64(height)) / 2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var d float64 // distance inside of the window edge
			switch w.Shape {
			case WindowCircular:
				d = radius - math.Hypot(float64(x)-cx, float64(y)-cy)
			case WindowRectangular:
				d = math.Min(math.Min(float64(x), float64(width-1-x)), math.Min(float64(y), float64(height-1-y))) + 0.5
			default:
				d = math.Inf(1)
			}
			m[y*width+x] = taper(d, float64(w.Thickness))
		}
	}
	return m
}

func taper(d, thickness float64) float64 {
	if d <= 0 {
		return 0
	}
	if d >= thickness {
		return 1
	}
	return 0.5 - 0.5*math.Cos(math.Pi*d/thickness)
}
