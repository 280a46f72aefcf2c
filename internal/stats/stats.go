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


package stats

import (
	"fmt"
	"math"

	"github.com/mlnoga/holobundle/internal/qsort"
	"github.com/valyala/fastrand"
)

// Number of samples drawn for approximate location and scale estimates
const NumSamples = 4096

// Basic statistics of a frame. Min, max and mean are computed eagerly.
// Location and scale are estimated lazily by sampling, as only previews and logs need them.
type Stats struct {
	data     []float32
	Min      float32 `json:"min"`
	Max      float32 `json:"max"`
	Mean     float32 `json:"mean"`
	location float32
	scale    float32
}

// Creates statistics for the given data. The data must not be modified while the stats are in use
func NewStats(data []float32) *Stats {
	s := &Stats{data: data, location: float32(math.NaN()), scale: float32(math.NaN())}
	s.Min, s.Mean, s.Max = MinMeanMax(data)
	return s
}

// Sampled median of the data
func (s *Stats) Location() float32 {
	if math.IsNaN(float64(s.location)) {
		s.location = FastApproxMedian(s.data, NumSamples)
	}
	return s.location
}

// Sampled median absolute deviation of the data, scaled to match the standard deviation of a normal distribution
func (s *Stats) Scale() float32 {
	if math.IsNaN(float64(s.scale)) {
		s.scale = FastApproxMAD(s.data, s.Location(), NumSamples) * 1.4826
	}
	return s.scale
}

func (s *Stats) String() string {
	return fmt.Sprintf("Min %.4g Max %.4g Mean %.4g Loc %.4g Scale %.4g", s.Min, s.Max, s.Mean, s.Location(), s.Scale())
}

// Calculates minimum, mean and maximum of the given data in one pass
func MinMeanMax(data []float32) (min, mean, max float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	min, max = data[0], data[0]
	sum := float64(0)
	for _, d := range data {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += float64(d)
	}
	return min, float32(sum / float64(len(data))), max
}

// Calculates fast approximate median of the (presumably large) data by subsampling the given number of values and taking the median of that.
// Small inputs are evaluated exactly
func FastApproxMedian(data []float32, numSamples int) float32 {
	if len(data) == 0 {
		return 0
	}
	samples := make([]float32, numSamples)
	if len(data) <= numSamples {
		samples = samples[:len(data)]
		copy(samples, data)
		return qsort.QSelectMedianFloat32(samples)
	}
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		samples[i] = data[rng.Uint32n(max)]
	}
	return qsort.QSelectMedianFloat32(samples)
}

// Calculates fast approximate median absolute deviation from the given location by subsampling
func FastApproxMAD(data []float32, location float32, numSamples int) float32 {
	if len(data) == 0 {
		return 0
	}
	n := numSamples
	if len(data) < n {
		n = len(data)
	}
	samples := make([]float32, n)
	if len(data) <= numSamples {
		for i, d := range data {
			samples[i] = float32(math.Abs(float64(d - location)))
		}
	} else {
		max := uint32(len(data))
		rng := fastrand.RNG{}
		for i := range samples {
			samples[i] = float32(math.Abs(float64(data[rng.Uint32n(max)] - location)))
		}
	}
	return qsort.QSelectMedianFloat32(samples)
}
