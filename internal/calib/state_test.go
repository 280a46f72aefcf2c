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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/mlnoga/holobundle/internal/bundle"
)

func TestSaveAndLoadState(t *testing.T) {
	m := NewManager(&countingCalibrator{}, nil)
	m.Restore(State{
		SR:      &bundle.SRCalibration{Shifts: [][2]float64{{0, 0}, {1.5, -0.5}}},
		LUT:     &bundle.LUT{MinDepth: 0, MaxDepth: 1e-3, Depths: []float64{0, 1e-3}, Params: [][]float64{{0, 0, 1.5, -0.5}, {0, 0, 2.5, -1.5}}, Baseline: []float64{0, 0, 1.5, -0.5}, Slopes: []float64{0, 0, 1000, -1000}},
		Samples: []Sample{{Depth: 5e-4, Params: []float64{0, 0, 2, -1}}},
	})
	path := filepath.Join(t.TempDir(), "calib", "state.yaml")
	if err := m.SaveState(path); err != nil {
		t.Fatalf("save err=%v", err)
	}

	n := NewManager(&countingCalibrator{}, nil)
	if err := n.LoadState(path); err != nil {
		t.Fatalf("load err=%v", err)
	}
	st := n.State()
	if st.SR == nil || len(st.SR.Shifts) != 2 || st.SR.Shifts[1] != [2]float64{1.5, -0.5} {
		t.Errorf("shifts=%+v; want [[0 0] [1.5 -0.5]]", st.SR)
	}
	if st.LUT == nil || len(st.LUT.Depths) != 2 || st.LUT.Slopes[2] != 1000 {
		t.Errorf("lut=%+v; want 2 depths with slope 1000", st.LUT)
	}
	if n.NumShifts() != 1 || st.Samples[0].Depth != 5e-4 {
		t.Errorf("samples=%+v; want one at 5e-4", st.Samples)
	}
	if a := n.Artifacts(); a.LUT == nil || a.SR == nil {
		t.Errorf("artifacts not restored")
	}
}

func TestLoadStateErrors(t *testing.T) {
	m := NewManager(&countingCalibrator{}, nil)
	dir := t.TempDir()
	if err := m.LoadState(filepath.Join(dir, "missing.yaml")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err=%v; want not exist", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	data := "superres:\n  shifts: [[0, 0], [1, 1]]\nsamples:\n  - depth: 1\n    params: [1, 2]\n"
	if err := os.WriteFile(bad, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadState(bad); err == nil {
		t.Errorf("err=nil; want param count mismatch")
	}
	if m.NumShifts() != 0 || m.Artifacts().SR != nil {
		t.Errorf("state changed by failed load")
	}
}
