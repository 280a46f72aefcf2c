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


// Package holo implements numerical refocusing of inline holograms, focus metrics and the autofocus search.
package holo

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mlnoga/holobundle/internal/frame"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Optical parameters of a propagation. Lengths in metres
type Params struct {
	Wavelength float64 `json:"wavelength"`
	PixelSize  float64 `json:"pixelSize"`
	Depth      float64 `json:"depth"`
	Window     Window  `json:"window"`
}

// Returns a copy of the parameters at the given depth
func (p Params) AtDepth(depth float64) Params {
	p.Depth = depth
	return p
}

func (p Params) validate() error {
	if p.Wavelength <= 0 || p.PixelSize <= 0 {
		return fmt.Errorf("invalid wavelength %g or pixel size %g", p.Wavelength, p.PixelSize)
	}
	return nil
}

// A complex-valued optical field
type Field struct {
	ID     int
	Width  int
	Height int
	Data   []complex128
}

// Magnitude of the field
func (f *Field) Amplitude() *frame.Image {
	g := frame.NewImage(f.Width, f.Height)
	g.ID = f.ID
	for i, c := range f.Data {
		g.Data[i] = float32(cmplx.Abs(c))
	}
	return g
}

// Phase angle of the field, in (-pi, pi]
func (f *Field) Phase() *frame.Image {
	g := frame.NewImage(f.Width, f.Height)
	g.ID = f.ID
	for i, c := range f.Data {
		g.Data[i] = float32(cmplx.Phase(c))
	}
	return g
}

// Propagates a hologram to the given depth
type Propagator interface {
	Propagate(f *frame.Image, p Params) (*Field, error)
}

// Angular spectrum propagation via 2D FFT. Evanescent components are discarded
type AngularSpectrum struct{}

func (AngularSpectrum) Propagate(f *frame.Image, p Params) (*Field, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if f.IsStack() {
		return nil, fmt.Errorf("%d: cannot propagate a stack of %s", f.ID, f.DimensionsToString())
	}
	width, height := f.Width(), f.Height()
	data := make([]complex128, width*height)
	mask := p.Window.Mask(width, height)
	for i, d := range f.Data {
		data[i] = complex(float64(d)*mask[i], 0)
	}

	fft2D(data, width, height, false)

	// apply the transfer function
	invLambdaSq := 1 / (p.Wavelength * p.Wavelength)
	for y := 0; y < height; y++ {
		fy := freq(y, height) / p.PixelSize
		for x := 0; x < width; x++ {
			fx := freq(x, width) / p.PixelSize
			arg := invLambdaSq - fx*fx - fy*fy
			if arg < 0 {
				data[y*width+x] = 0
				continue
			}
			phase := 2 * math.Pi * p.Depth * math.Sqrt(arg)
			data[y*width+x] *= cmplx.Exp(complex(0, phase))
		}
	}

	fft2D(data, width, height, true)
	return &Field{ID: f.ID, Width: width, Height: height, Data: data}, nil
}

// Frequency of FFT coefficient i of n, in cycles per sample
func freq(i, n int) float64 {
	if i > n/2 {
		i -= n
	}
	return float64(i) / float64(n)
}

// In-place 2D FFT of row-major data, rows first, then columns. The inverse is normalised
func fft2D(data []complex128, width, height int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(width)
	row := make([]complex128, width)
	for y := 0; y < height; y++ {
		line := data[y*width : (y+1)*width]
		if inverse {
			rowFFT.Sequence(row, line)
		} else {
			rowFFT.Coefficients(row, line)
		}
		copy(line, row)
	}

	colFFT := fourier.NewCmplxFFT(height)
	col, out := make([]complex128, height), make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			col[y] = data[y*width+x]
		}
		if inverse {
			colFFT.Sequence(out, col)
		} else {
			colFFT.Coefficients(out, col)
		}
		for y := 0; y < height; y++ {
			data[y*width+x] = out[y]
		}
	}

	if inverse {
		scale := complex(1/float64(width*height), 0)
		for i := range data {
			data[i] *= scale
		}
	}
}
