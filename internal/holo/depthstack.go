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

	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/mlnoga/holobundle/internal/ops"
	"gonum.org/v1/gonum/floats"
)

// Refocuses f to n evenly spaced depths in [minDepth, maxDepth] and returns the amplitudes as a stack,
// one plane per depth. Depths are computed in parallel with the given thread limit
func DepthStack(f *frame.Image, base Params, minDepth, maxDepth float64, n int, prop Propagator, maxThreads int) (*frame.Image, []float64, error) {
	if f == nil {
		return nil, nil, ErrNoFrameAvailable
	}
	if n < 1 {
		return nil, nil, fmt.Errorf("invalid number of depths %d", n)
	}
	depths := []float64{minDepth}
	if n > 1 {
		depths = floats.Span(make([]float64, n), minDepth, maxDepth)
	}
	planes := make(frame.Batch, n)
	err := ops.InParallel(n, maxThreads, func(i int) error {
		field, err := prop.Propagate(f, base.AtDepth(depths[i]))
		if err != nil {
			return fmt.Errorf("depth %g: %w", depths[i], err)
		}
		planes[i] = field.Amplitude()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	stack, err := planes.Stack()
	if err != nil {
		return nil, nil, err
	}
	return stack, depths, nil
}
