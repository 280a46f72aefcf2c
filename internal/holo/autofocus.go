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
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/mlnoga/holobundle/internal/frame"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// No pre-processed frame is available to focus on
var ErrNoFrameAvailable = errors.New("no frame available")

// Maximum number of focus metric evaluations in the fine search
const maxFineEvaluations = 40

// Parameters of one autofocus search
type Query struct {
	ROI             *image.Rectangle // Region to evaluate the metric on, nil for the full frame
	Margin          int              // Pixels around the ROI included in the propagation
	MinDepth        float64
	MaxDepth        float64
	CoarseDivisions int         // Number of depths in the coarse scan, <=1 skips the coarse scan
	Metric          FocusMetric // nil selects the peak metric
}

// Suspends and restarts frame acquisition
type Pauser interface {
	Pause()
	Resume()
}

// Searches the depth with the sharpest refocused image of f. The frame source is paused for the
// duration of the search and resumed on every exit path
func AutoFocus(src Pauser, f *frame.Image, base Params, q Query, prop Propagator) (depth float64, err error) {
	if f == nil {
		return 0, ErrNoFrameAvailable
	}
	src.Pause()
	defer src.Resume()
	return Search(f, base, q, prop)
}

// Searches the depth with the sharpest refocused image of f: an optional coarse scan over evenly
// spaced depths brackets the optimum, then a Nelder-Mead search refines within the bracket.
// Without coarse divisions, the fine search covers the full range
func Search(f *frame.Image, base Params, q Query, prop Propagator) (depth float64, err error) {
	if f == nil {
		return 0, ErrNoFrameAvailable
	}
	lo, hi := q.MinDepth, q.MaxDepth
	if lo > hi {
		lo, hi = hi, lo
	}
	metric := q.Metric
	if metric == nil {
		metric = PeakMetric{}
	}

	// restrict propagation to the ROI plus margin, and scoring to the ROI
	src, inner := f, image.Rectangle{}
	if q.ROI != nil {
		outer := q.ROI.Inset(-q.Margin).Intersect(f.Bounds())
		if outer.Empty() {
			return 0, fmt.Errorf("%d: region of interest %v outside of frame %s", f.ID, *q.ROI, f.DimensionsToString())
		}
		src = f.Crop(outer)
		inner = q.ROI.Intersect(outer).Sub(outer.Min)
	}

	bestDepth, bestCost := math.NaN(), math.Inf(1)
	cost := func(d float64) (float64, error) {
		field, err := prop.Propagate(src, base.AtDepth(d))
		if err != nil {
			return 0, err
		}
		amp := field.Amplitude()
		if q.ROI != nil {
			amp = amp.Crop(inner)
		}
		score, err := metric.Score(amp)
		if err != nil {
			return 0, err
		}
		c := -score
		if c < bestCost || math.IsNaN(bestDepth) {
			bestDepth, bestCost = d, c
		}
		return c, nil
	}

	// coarse scan narrows the range to the neighbours of the best depth
	if q.CoarseDivisions > 1 && hi > lo {
		depths := floats.Span(make([]float64, q.CoarseDivisions), lo, hi)
		best := 0
		for i, d := range depths {
			if _, err := cost(d); err != nil {
				return 0, err
			}
			if d == bestDepth {
				best = i
			}
		}
		lo = depths[max(best-1, 0)]
		hi = depths[min(best+1, len(depths)-1)]
	}
	if hi == lo {
		if _, err := cost(lo); err != nil {
			return 0, err
		}
		return bestDepth, nil
	}

	// fine search within the bracket
	var evalErr error
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if evalErr != nil || x[0] < lo || x[0] > hi {
				return math.Inf(1)
			}
			c, err := cost(x[0])
			if err != nil {
				evalErr = err
				return math.Inf(1)
			}
			return c
		},
	}
	x0 := bestDepth
	if math.IsNaN(x0) || x0 < lo || x0 > hi {
		x0 = 0.5 * (lo + hi)
	}
	settings := &optimize.Settings{
		FuncEvaluations: maxFineEvaluations,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-10, Relative: 1e-10, Iterations: 8},
	}
	method := &optimize.NelderMead{SimplexSize: 0.25 * (hi - lo)}
	// cost tracks the best evaluated depth, the result itself is not needed
	optimize.Minimize(problem, []float64{x0}, settings, method)
	if evalErr != nil {
		return 0, evalErr
	}
	if math.IsNaN(bestDepth) {
		return 0, fmt.Errorf("%d: no depth evaluated", f.ID)
	}
	return bestDepth, nil
}
