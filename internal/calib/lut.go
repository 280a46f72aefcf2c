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


package calib

import (
	"fmt"
	"math"

	"github.com/mlnoga/holobundle/internal/bundle"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Fits each parameter as baseline + slope*depth by least squares through the baseline, and samples
// the fit at numSteps evenly spaced depths in [minDepth, maxDepth]
func BuildLUT(samples []Sample, baseline []float64, minDepth, maxDepth float64, numSteps int) (*bundle.LUT, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples")
	}
	if numSteps < 1 {
		return nil, fmt.Errorf("invalid number of steps %d", numSteps)
	}
	if minDepth > maxDepth {
		minDepth, maxDepth = maxDepth, minDepth
	}
	numParams := len(baseline)
	xs := make([]float64, len(samples))
	nonZero := false
	for i, s := range samples {
		if len(s.Params) != numParams {
			return nil, fmt.Errorf("sample %d has %d parameters, want %d", i, len(s.Params), numParams)
		}
		xs[i] = s.Depth
		nonZero = nonZero || s.Depth != 0
	}
	if !nonZero {
		return nil, fmt.Errorf("all samples at zero depth")
	}

	slopes := make([]float64, numParams)
	ys := make([]float64, len(samples))
	for j := range slopes {
		for i, s := range samples {
			ys[i] = s.Params[j] - baseline[j]
		}
		_, beta := stat.LinearRegression(xs, ys, nil, true)
		if math.IsNaN(beta) || math.IsInf(beta, 0) {
			return nil, fmt.Errorf("degenerate fit for parameter %d", j)
		}
		slopes[j] = beta
	}

	l := &bundle.LUT{
		MinDepth: minDepth,
		MaxDepth: maxDepth,
		Baseline: append([]float64(nil), baseline...),
		Slopes:   slopes,
		Depths:   []float64{minDepth},
	}
	if numSteps > 1 {
		l.Depths = floats.Span(make([]float64, numSteps), minDepth, maxDepth)
	}
	l.Params = make([][]float64, len(l.Depths))
	for k, d := range l.Depths {
		l.Params[k] = l.Eval(d)
	}
	return l, nil
}
