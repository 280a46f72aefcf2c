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
	"math"
	"testing"

	"github.com/valyala/fastrand"
)

func TestMinMeanMax(t *testing.T) {
	min, mean, max := MinMeanMax([]float32{3, -1, 4, 2})
	if min != -1 || mean != 2 || max != 4 {
		t.Errorf("min,mean,max=%f,%f,%f; want -1,2,4", min, mean, max)
	}
	min, mean, max = MinMeanMax(nil)
	if min != 0 || mean != 0 || max != 0 {
		t.Errorf("empty min,mean,max=%f,%f,%f; want 0,0,0", min, mean, max)
	}
}

func TestLocationScaleSmall(t *testing.T) {
	s := NewStats([]float32{1, 2, 3, 4, 100})
	if l := s.Location(); l != 3 {
		t.Errorf("location=%f; want 3", l)
	}
	// deviations 2,1,0,1,97 have median 1
	if sc := s.Scale(); math.Abs(float64(sc-1.4826)) > 1e-5 {
		t.Errorf("scale=%f; want 1.4826", sc)
	}
}

func TestLocationSampled(t *testing.T) {
	rng := fastrand.RNG{}
	data := make([]float32, 100000)
	for i := range data {
		data[i] = 10 + float32(rng.Uint32n(1001))/1000 // uniform in [10,11]
	}
	s := NewStats(data)
	if l := s.Location(); math.Abs(float64(l-10.5)) > 0.05 {
		t.Errorf("location=%f; want 10.5+-0.05", l)
	}
}
