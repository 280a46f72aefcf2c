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
	"testing"

	"github.com/mlnoga/holobundle/internal/frame"
)

func newFilled(w, h int, v float32) *frame.Image {
	f := frame.NewImage(w, h)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

// A frame of zeros with a single bright pixel at x,y
func newSpot(w, h, x, y int) *frame.Image {
	f := frame.NewImage(w, h)
	f.Data[y*w+x] = 100
	return f
}

func TestProcessSubtractsBackground(t *testing.T) {
	p := NewProcessor()
	art := &Artifacts{Background: newFilled(4, 4, 2)}
	g, err := p.Process(frame.Batch{newFilled(4, 4, 5)}, Options{}, art)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	for i, d := range g.Data {
		if d != 3 {
			t.Errorf("g[%d]=%f; want 3", i, d)
		}
	}
}

func TestProcessNilArtifacts(t *testing.T) {
	in := newFilled(3, 3, 7)
	g, err := NewProcessor().Process(frame.Batch{in}, Options{}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if g.Data[4] != 7 {
		t.Errorf("g=%f; want 7", g.Data[4])
	}
	if &g.Data[0] == &in.Data[0] {
		t.Errorf("output shares data with input")
	}
}

func TestProcessDespeckle(t *testing.T) {
	in := newFilled(5, 5, 4)
	in.Data[2*5+2] = 0 // dead core
	g, err := NewProcessor().Process(frame.Batch{in}, Options{Despeckle: true}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if g.Data[2*5+2] != 4 {
		t.Errorf("dead core=%f; want 4", g.Data[2*5+2])
	}
}

func TestProcessBackgroundSizeMismatch(t *testing.T) {
	art := &Artifacts{Background: newFilled(3, 3, 1)}
	if _, err := NewProcessor().Process(frame.Batch{newFilled(4, 4, 1)}, Options{}, art); err == nil {
		t.Errorf("err=nil; want size mismatch")
	}
}

func TestSuperResolutionRegistersShifts(t *testing.T) {
	// blank reference, then the same spot seen at x=3, 5 and 7
	in := frame.Batch{newFilled(11, 5, 0), newSpot(11, 5, 3, 2), newSpot(11, 5, 5, 2), newSpot(11, 5, 7, 2)}
	art := &Artifacts{SR: &SRCalibration{Shifts: [][2]float64{{0, 0}, {-2, 0}, {0, 0}, {2, 0}}}}
	g, err := NewProcessor().Process(in, Options{SuperRes: true, BlankReference: true}, art)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if v := g.Data[2*11+5]; math.Abs(float64(v-100)) > 1e-4 {
		t.Errorf("registered spot=%f; want 100", v)
	}
}

func TestSuperResolutionShiftCountMismatch(t *testing.T) {
	in := frame.Batch{newFilled(4, 4, 0), newFilled(4, 4, 1)}
	art := &Artifacts{SR: &SRCalibration{Shifts: [][2]float64{{0, 0}}}}
	if _, err := NewProcessor().Process(in, Options{SuperRes: true}, art); err == nil {
		t.Errorf("err=nil; want shift count mismatch")
	}
}

func TestCalibrateSRMeasuresCentroids(t *testing.T) {
	in := frame.Batch{newFilled(11, 5, 0), newSpot(11, 5, 3, 2), newSpot(11, 5, 5, 2), newSpot(11, 5, 7, 2)}
	cal, err := NewCalibrator(nil).CalibrateSR(in, Options{BlankReference: true}, &Artifacts{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := [][2]float64{{0, 0}, {-2, 0}, {0, 0}, {2, 0}}
	for i, s := range cal.Shifts {
		if math.Abs(s[0]-want[i][0]) > 1e-9 || math.Abs(s[1]-want[i][1]) > 1e-9 {
			t.Errorf("shift[%d]=%v; want %v", i, s, want[i])
		}
	}
}

func TestCalibrateSRPerPlaneBackgrounds(t *testing.T) {
	const w, h = 16, 16
	gradient := frame.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gradient.Data[y*w+x] = float32(x * 5)
		}
	}
	p0, p1 := newSpot(w, h, 4, 8), newSpot(w, h, 12, 8)
	frame.Add(p1.Data, p1.Data, gradient.Data)
	bgs, err := frame.Batch{frame.NewImage(w, h), gradient}.Stack()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	art := &Artifacts{Backgrounds: bgs}

	cal, err := NewCalibrator(nil).CalibrateSR(frame.Batch{p0, p1}, Options{MultiBackgrounds: true}, art)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if dx := cal.Shifts[1][0] - cal.Shifts[0][0]; math.Abs(dx-8) > 1e-6 {
		t.Errorf("dx=%f; want 8, shifts %v", dx, cal.Shifts)
	}
	if dy := cal.Shifts[1][1] - cal.Shifts[0][1]; math.Abs(dy) > 1e-6 {
		t.Errorf("dy=%f; want 0", dy)
	}
}

func TestCalibrateNormalisation(t *testing.T) {
	cal, err := NewCalibrator(nil).Calibrate(newFilled(8, 8, 4), 1)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cal.Background.Data[0] != 4 {
		t.Errorf("background=%f; want 4", cal.Background.Data[0])
	}
	if v := cal.Normalisation.Data[9]; math.Abs(float64(v-1)) > 1e-5 {
		t.Errorf("normalisation=%f; want 1", v)
	}
	if _, err := NewCalibrator(nil).Calibrate(nil, 1); err == nil {
		t.Errorf("err=nil; want error for missing background")
	}
}

func TestLUTLookupNearest(t *testing.T) {
	l := &LUT{
		Depths:   []float64{0, 10, 20},
		Params:   [][]float64{{0, 0}, {1, 2}, {2, 4}},
		Baseline: []float64{0, 0},
		Slopes:   []float64{0.1, 0.2},
	}
	if s := l.Lookup(12).Shifts[0]; s != [2]float64{1, 2} {
		t.Errorf("lookup(12)=%v; want [1 2]", s)
	}
	if s := l.Lookup(100).Shifts[0]; s != [2]float64{2, 4} {
		t.Errorf("lookup(100)=%v; want [2 4]", s)
	}
	if p := l.Eval(5); p[0] != 0.5 || p[1] != 1 {
		t.Errorf("eval(5)=%v; want [0.5 1]", p)
	}
}
