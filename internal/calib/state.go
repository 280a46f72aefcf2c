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
	"os"
	"path/filepath"

	"github.com/mlnoga/holobundle/internal/bundle"
	"gopkg.in/yaml.v3"
)

// Calibration state which survives a restart. Background images are not included,
// they are reloaded from their TIFF files and recalibrated
type State struct {
	SR      *bundle.SRCalibration `json:"superres,omitempty" yaml:"superres,omitempty"`
	LUT     *bundle.LUT           `json:"lut,omitempty"      yaml:"lut,omitempty"`
	Samples []Sample              `json:"samples,omitempty"  yaml:"samples,omitempty"`
}

// Snapshot of the current calibration state
func (m *Manager) State() State {
	a := m.Artifacts()
	return State{SR: a.SR, LUT: a.LUT, Samples: m.Samples()}
}

// Replaces super-resolution calibration, LUT and shift samples with the given state
func (m *Manager) Restore(st State) {
	m.SetSRCalibration(st.SR)
	m.SetLUT(st.LUT)
	m.mu.Lock()
	m.samples = append([]Sample(nil), st.Samples...)
	m.mu.Unlock()
	fmt.Fprintf(m.Log, "Restored calibration with %d shift samples\n", len(st.Samples))
}

// Writes the calibration state to a YAML file
func (m *Manager) SaveState(path string) error {
	data, err := yaml.Marshal(m.State())
	if err != nil {
		return fmt.Errorf("error marshaling calibration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing calibration file: %w", err)
	}
	fmt.Fprintf(m.Log, "Saved calibration to %s\n", path)
	return nil
}

// Restores the calibration state from a YAML file
func (m *Manager) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("error parsing calibration file %s: %w", path, err)
	}
	for i, s := range st.Samples {
		if st.SR != nil && len(s.Params) != 2*len(st.SR.Shifts) {
			return fmt.Errorf("calibration file %s: sample %d has %d params for %d shifts", path, i, len(s.Params), len(st.SR.Shifts))
		}
	}
	m.Restore(st)
	return nil
}
