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


package bundle

import (
	"math"
)

// Lookup table from depth to super-resolution shift parameters. Built by linear regression
// through a baseline at zero depth, sampled at evenly spaced depths. Immutable once built
type LUT struct {
	MinDepth float64     `json:"minDepth"`
	MaxDepth float64     `json:"maxDepth"`
	Depths   []float64   `json:"depths"`   // Sampled depths, ascending
	Params   [][]float64 `json:"params"`   // Parameter vector at each sampled depth
	Baseline []float64   `json:"baseline"` // Parameter vector at zero depth
	Slopes   []float64   `json:"slopes"`   // Change of each parameter per unit depth
}

// Evaluates the regression at the given depth
func (l *LUT) Eval(depth float64) []float64 {
	p := make([]float64, len(l.Baseline))
	for i, b := range l.Baseline {
		p[i] = b + l.Slopes[i]*depth
	}
	return p
}

// Returns the shifts of the table entry nearest to the given depth. Depths outside of the range
// map to the first or last entry
func (l *LUT) Lookup(depth float64) *SRCalibration {
	if len(l.Depths) == 0 {
		return SRCalibrationFromParams(l.Eval(depth))
	}
	best, bestDist := 0, math.Inf(1)
	for i, d := range l.Depths {
		if dist := math.Abs(d - depth); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return SRCalibrationFromParams(l.Params[best])
}
