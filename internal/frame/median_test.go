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


package frame

import (
	"testing"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/holobundle/internal/qsort"
)

func TestMedianOf9MatchesSelection(t *testing.T) {
	var rng fastrand.RNG
	for n := 0; n < 1000; n++ {
		var a [9]float32
		for i := range a {
			a[i] = float32(rng.Uint32n(20))
		}
		b := a
		got := MedianOf9(&a)
		want := qsort.QSelectFloat32(b[:], 5)
		if got != want {
			t.Fatalf("%v: median=%f; want %f", b, got, want)
		}
	}
}

func TestMedianFilterRemovesHotPixel(t *testing.T) {
	f := NewImage(5, 4)
	for i := range f.Data {
		f.Data[i] = 1
	}
	f.Data[1*5+2] = 100 // hot pixel inside
	f.Data[0] = 50      // border pixel, copied unchanged
	g := MedianFiltered(f)
	if g.Data[1*5+2] != 1 {
		t.Errorf("hot pixel=%f; want 1", g.Data[1*5+2])
	}
	if g.Data[0] != 50 {
		t.Errorf("border=%f; want 50", g.Data[0])
	}
	if f.Data[1*5+2] != 100 {
		t.Errorf("input modified")
	}
}

func TestMedianFilterStack(t *testing.T) {
	a, b := NewImage(3, 3), NewImage(3, 3)
	b.Data[4] = 9
	for i := range a.Data {
		a.Data[i] = 2
	}
	a.Data[4] = 7
	s, err := Batch{a, b}.Stack()
	if err != nil {
		t.Fatal(err)
	}
	g := MedianFiltered(s)
	if g.Depth() != 2 || g.Data[4] != 2 || g.Data[9+4] != 0 {
		t.Errorf("depth=%d centres=%f %f; want 2 2 0", g.Depth(), g.Data[4], g.Data[9+4])
	}
}
