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
	"strings"

	"github.com/mlnoga/holobundle/internal/frame"
	"gonum.org/v1/gonum/stat"
)

// Scores the sharpness of an amplitude image. Higher is sharper
type FocusMetric interface {
	Name() string
	Score(amp *frame.Image) (float64, error)
}

// Peak intensity of the amplitude
type PeakMetric struct{}

func (PeakMetric) Name() string { return "peak" }

func (PeakMetric) Score(amp *frame.Image) (float64, error) {
	if len(amp.Data) == 0 {
		return 0, fmt.Errorf("%d: empty image", amp.ID)
	}
	return float64(frame.Max(amp.Data)), nil
}

// Intensity variance of the amplitude
type VarianceMetric struct{}

func (VarianceMetric) Name() string { return "variance" }

func (VarianceMetric) Score(amp *frame.Image) (float64, error) {
	if len(amp.Data) < 2 {
		return 0, fmt.Errorf("%d: too few pixels for variance", amp.ID)
	}
	xs := make([]float64, len(amp.Data))
	for i, d := range amp.Data {
		xs[i] = float64(d)
	}
	return stat.Variance(xs, nil), nil
}

// Brenner gradient: sum of squared differences between pixels two columns apart
type BrennerMetric struct{}

func (BrennerMetric) Name() string { return "brenner" }

func (BrennerMetric) Score(amp *frame.Image) (float64, error) {
	width, height := amp.Width(), amp.Height()
	if width < 3 {
		return 0, fmt.Errorf("%d: image too narrow for Brenner gradient", amp.ID)
	}
	sum := 0.0
	for y := 0; y < height; y++ {
		row := amp.Data[y*width : (y+1)*width]
		for x := 0; x+2 < width; x++ {
			d := float64(row[x+2] - row[x])
			sum += d * d
		}
	}
	return sum, nil
}

// Returns the focus metric with the given name. Empty selects the peak metric
func ParseFocusMetric(s string) (FocusMetric, error) {
	switch strings.ToLower(s) {
	case "", "peak":
		return PeakMetric{}, nil
	case "variance", "var":
		return VarianceMetric{}, nil
	case "brenner":
		return BrennerMetric{}, nil
	}
	return nil, fmt.Errorf("unknown focus metric '%s'", s)
}
