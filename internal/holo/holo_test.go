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
	"image"
	"math"
	"math/cmplx"
	"testing"

	"github.com/mlnoga/holobundle/internal/frame"
)

// Propagator returning a constant field whose value depends on the depth
type fakePropagator struct {
	value func(depth float64) complex128
}

func (p *fakePropagator) Propagate(f *frame.Image, params Params) (*Field, error) {
	field := &Field{ID: f.ID, Width: f.Width(), Height: f.Height(), Data: make([]complex128, f.PlaneSize())}
	for i := range field.Data {
		field.Data[i] = p.value(params.Depth)
	}
	return field, nil
}

// Focus peaks at the given depth
func peakAt(d0 float64) *fakePropagator {
	return &fakePropagator{value: func(d float64) complex128 {
		return complex(1/(1+(d-d0)*(d-d0)), 0)
	}}
}

type countingPauser struct {
	pauses, resumes int
}

func (p *countingPauser) Pause()  { p.pauses++ }
func (p *countingPauser) Resume() { p.resumes++ }

var errMetric = errors.New("metric failed")

// Metric failing on the given call
type failingMetric struct {
	failAt, calls int
}

func (m *failingMetric) Name() string { return "failing" }

func (m *failingMetric) Score(amp *frame.Image) (float64, error) {
	m.calls++
	if m.calls >= m.failAt {
		return 0, errMetric
	}
	return float64(m.calls), nil
}

var testParams = Params{Wavelength: 0.455e-6, PixelSize: 0.64e-6}

func TestPropagateZeroDepthIsIdentity(t *testing.T) {
	f := frame.NewImage(12, 10)
	for i := range f.Data {
		f.Data[i] = float32(i%7) + 1
	}
	field, err := AngularSpectrum{}.Propagate(f, testParams)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	amp := field.Amplitude()
	for i, d := range amp.Data {
		if math.Abs(float64(d-f.Data[i])) > 1e-4 {
			t.Errorf("amp[%d]=%f; want %f", i, d, f.Data[i])
		}
	}
}

func TestPropagateConservesEnergyOfPlaneWave(t *testing.T) {
	f := frame.NewImage(16, 16)
	for i := range f.Data {
		f.Data[i] = 2
	}
	field, err := AngularSpectrum{}.Propagate(f, testParams.AtDepth(100e-6))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	for i, c := range field.Data {
		if math.Abs(cmplx.Abs(c)-2) > 1e-6 {
			t.Errorf("|field[%d]|=%f; want 2", i, cmplx.Abs(c))
		}
	}
}

func TestPropagateRejectsInvalidParams(t *testing.T) {
	if _, err := (AngularSpectrum{}).Propagate(frame.NewImage(4, 4), Params{}); err == nil {
		t.Errorf("err=nil; want invalid params")
	}
}

func TestWindowMask(t *testing.T) {
	m := Window{Shape: WindowCircular, Thickness: 2}.Mask(9, 9)
	if m[4*9+4] != 1 {
		t.Errorf("centre=%f; want 1", m[4*9+4])
	}
	if m[0] != 0 {
		t.Errorf("corner=%f; want 0", m[0])
	}
	for i, v := range (Window{}).Mask(3, 3) {
		if v != 1 {
			t.Errorf("none[%d]=%f; want 1", i, v)
		}
	}
}

func TestRefocusAmplitudeInvert(t *testing.T) {
	f := frame.NewImage(2, 1)
	p := &valuesPropagator{values: []complex128{complex(3, 4), complex(1, 0)}}
	out, err := Refocus(f, RefocusState{Invert: true}, p)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Data[0] != 0 || out.Data[1] != 4 {
		t.Errorf("out=%v; want [0 4]", out.Data)
	}
	out, _ = Refocus(f, RefocusState{}, p)
	if out.Data[0] != 5 || out.Data[1] != 1 {
		t.Errorf("out=%v; want [5 1]", out.Data)
	}
}

func TestRefocusPhaseTakesMagnitude(t *testing.T) {
	f := frame.NewImage(2, 1)
	p := &valuesPropagator{values: []complex128{complex(0, -1), complex(0, 1)}}
	out, err := Refocus(f, RefocusState{ShowPhase: true, Invert: true}, p)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	half := float32(math.Pi / 2)
	if out.Data[0] != half || out.Data[1] != half {
		t.Errorf("out=%v; want [%f %f]", out.Data, half, half)
	}
}

// Propagator returning a fixed field
type valuesPropagator struct {
	values []complex128
}

func (p *valuesPropagator) Propagate(f *frame.Image, params Params) (*Field, error) {
	return &Field{ID: f.ID, Width: f.Width(), Height: f.Height(), Data: append([]complex128(nil), p.values...)}, nil
}

func TestAutoFocusCoarseToFine(t *testing.T) {
	src := &countingPauser{}
	d, err := AutoFocus(src, frame.NewImage(4, 4), testParams, Query{MinDepth: 0, MaxDepth: 100, CoarseDivisions: 11}, peakAt(37.3))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if math.Abs(d-37.3) > 0.5 {
		t.Errorf("depth=%f; want 37.3+-0.5", d)
	}
	if src.pauses != 1 || src.resumes != 1 {
		t.Errorf("pauses=%d resumes=%d; want 1 1", src.pauses, src.resumes)
	}
}

func TestAutoFocusFullRangeWithoutDivisions(t *testing.T) {
	for _, div := range []int{0, 1} {
		d, err := Search(frame.NewImage(4, 4), testParams, Query{MinDepth: 100, MaxDepth: 0, CoarseDivisions: div}, peakAt(62))
		if err != nil {
			t.Fatalf("div=%d err=%v", div, err)
		}
		if math.Abs(d-62) > 1 {
			t.Errorf("div=%d depth=%f; want 62+-1", div, d)
		}
	}
}

func TestAutoFocusResumesOnMetricError(t *testing.T) {
	for _, failAt := range []int{1, 3, 7} {
		src := &countingPauser{}
		q := Query{MinDepth: 0, MaxDepth: 10, CoarseDivisions: 5, Metric: &failingMetric{failAt: failAt}}
		_, err := AutoFocus(src, frame.NewImage(4, 4), testParams, q, peakAt(5))
		if !errors.Is(err, errMetric) {
			t.Errorf("failAt=%d err=%v; want %v", failAt, err, errMetric)
		}
		if src.pauses != 1 || src.resumes != 1 {
			t.Errorf("failAt=%d pauses=%d resumes=%d; want 1 1", failAt, src.pauses, src.resumes)
		}
	}
}

func TestAutoFocusNoFrame(t *testing.T) {
	src := &countingPauser{}
	if _, err := AutoFocus(src, nil, testParams, Query{}, peakAt(0)); !errors.Is(err, ErrNoFrameAvailable) {
		t.Errorf("err=%v; want %v", err, ErrNoFrameAvailable)
	}
	if src.pauses != 0 || src.resumes != 0 {
		t.Errorf("pauses=%d resumes=%d; want 0 0", src.pauses, src.resumes)
	}
}

func TestAutoFocusROI(t *testing.T) {
	roi := image.Rect(2, 2, 4, 4)
	d, err := Search(frame.NewImage(8, 8), testParams, Query{ROI: &roi, Margin: 1, MinDepth: 0, MaxDepth: 20, CoarseDivisions: 5}, peakAt(12))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if math.Abs(d-12) > 0.5 {
		t.Errorf("depth=%f; want 12+-0.5", d)
	}
	outside := image.Rect(20, 20, 30, 30)
	if _, err := Search(frame.NewImage(8, 8), testParams, Query{ROI: &outside, MinDepth: 0, MaxDepth: 20}, peakAt(12)); err == nil {
		t.Errorf("err=nil; want ROI outside of frame")
	}
}

func TestDepthStack(t *testing.T) {
	prop := &fakePropagator{value: func(d float64) complex128 { return complex(d, 0) }}
	s, depths, err := DepthStack(frame.NewImage(3, 2), testParams, 1, 3, 3, prop, 2)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if s.Depth() != 3 || len(depths) != 3 {
		t.Fatalf("depth=%d depths=%v; want 3", s.Depth(), depths)
	}
	for i, p := range s.Planes() {
		if p.Data[0] != float32(i+1) {
			t.Errorf("plane %d=%f; want %d", i, p.Data[0], i+1)
		}
	}
}

func TestParseFocusMetric(t *testing.T) {
	for _, name := range []string{"", "peak", "variance", "brenner"} {
		if _, err := ParseFocusMetric(name); err != nil {
			t.Errorf("parse(%q) err=%v", name, err)
		}
	}
	if _, err := ParseFocusMetric("sharpest"); err == nil {
		t.Errorf("err=nil; want unknown metric")
	}
}
