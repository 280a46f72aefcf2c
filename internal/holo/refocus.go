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
	"github.com/mlnoga/holobundle/internal/frame"
)

// Settings of the refocus stage
type RefocusState struct {
	Enabled    bool    `json:"enabled"    yaml:"enabled"`
	Depth      float64 `json:"depth"      yaml:"depth"`
	Wavelength float64 `json:"wavelength" yaml:"wavelength"`
	PixelSize  float64 `json:"pixelSize"  yaml:"pixelSize"`
	ShowPhase  bool    `json:"showPhase"  yaml:"showPhase"`
	Invert     bool    `json:"invert"     yaml:"invert"`
	Window     *Window `json:"window"     yaml:"window"`
}

// Propagation parameters of the refocus state
func (s RefocusState) Params() Params {
	p := Params{Wavelength: s.Wavelength, PixelSize: s.PixelSize, Depth: s.Depth}
	if s.Window != nil {
		p.Window = *s.Window
	}
	return p
}

// Propagates the frame to the depth of the state. In amplitude mode the output is the magnitude
// of the field, optionally inverted against its maximum. In phase mode the output is the phase angle.
// The magnitude of the result is taken in both modes, so phase output carries no sign
func Refocus(f *frame.Image, s RefocusState, prop Propagator) (*frame.Image, error) {
	field, err := prop.Propagate(f, s.Params())
	if err != nil {
		return nil, err
	}
	var out *frame.Image
	if !s.ShowPhase {
		out = field.Amplitude()
		if s.Invert {
			frame.Invert(out.Data, frame.Max(out.Data))
		}
	} else {
		out = field.Phase()
	}
	frame.Abs(out.Data)
	out.FileName = f.FileName
	return out, nil
}
