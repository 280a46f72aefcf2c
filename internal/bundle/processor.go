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
	"fmt"
	"math"

	"github.com/mlnoga/holobundle/internal/frame"
)

// Normalisation values below this are treated as outside of the bundle
const normEpsilon = 1e-3

// Default pre-processor for fibre bundle images
type Processor struct{}

func NewProcessor() *Processor { return &Processor{} }

// Pre-processes the batch. Without super-resolution, only the first frame is used.
func (p *Processor) Process(in frame.Batch, opts Options, art *Artifacts) (*frame.Image, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if art == nil {
		art = &Artifacts{}
	}
	if !opts.SuperRes || len(in) == 1 {
		return p.processPlane(in[0], 0, opts, art)
	}

	shifts := srShifts(opts, art)
	if shifts != nil && len(shifts.Shifts) != len(in) {
		return nil, fmt.Errorf("%d: super-resolution calibration has %d shifts for batch of %d", in[0].ID, len(shifts.Shifts), len(in))
	}
	planes := make(frame.Batch, 0, len(in))
	offsets := make([][2]float64, 0, len(in))
	for i, f := range in {
		if i == 0 && opts.BlankReference {
			continue
		}
		g, err := p.processPlane(f, i, opts, art)
		if err != nil {
			return nil, err
		}
		planes = append(planes, g)
		if shifts != nil {
			offsets = append(offsets, shifts.Shifts[i])
		} else {
			offsets = append(offsets, [2]float64{})
		}
	}
	if len(planes) == 0 {
		return nil, fmt.Errorf("%d: no exposures left for reconstruction", in[0].ID)
	}
	return ShiftAndAdd(planes, offsets), nil
}

// Pre-processes f as plane i of a sorted batch
func (p *Processor) ProcessPlane(f *frame.Image, i int, opts Options, art *Artifacts) (*frame.Image, error) {
	if art == nil {
		art = &Artifacts{}
	}
	return p.processPlane(f, i, opts, art)
}

// Subtracts the background, normalises and removes the core pattern of plane i of a batch
func (p *Processor) processPlane(f *frame.Image, i int, opts Options, art *Artifacts) (*frame.Image, error) {
	g := f.Clone()
	g.Naxisn = g.Naxisn[:2]
	if bg := background(i, opts, art); bg != nil {
		if !frame.SamePlaneSize(bg, g) {
			return nil, fmt.Errorf("%d: background %s does not match frame %s", f.ID, bg.DimensionsToString(), g.DimensionsToString())
		}
		frame.Subtract(g.Data, g.Data, bg.Data)
	}
	if norm := normalisation(i, opts, art); norm != nil && frame.SamePlaneSize(norm, g) {
		frame.Divide(g.Data, g.Data, norm.Data, normEpsilon)
	}
	if opts.Despeckle {
		g = frame.MedianFiltered(g)
	}
	if opts.FilterSize > 0 {
		g = frame.GaussFiltered(g, opts.FilterSize)
	}
	g.Invalidate()
	return g, nil
}

func background(i int, opts Options, art *Artifacts) *frame.Image {
	if opts.MultiBackgrounds && art.Backgrounds != nil && i < art.Backgrounds.Depth() {
		return art.Backgrounds.Plane(i)
	}
	if art.Calibration != nil && art.Calibration.Background != nil {
		return art.Calibration.Background
	}
	return art.Background
}

func normalisation(i int, opts Options, art *Artifacts) *frame.Image {
	if art.Calibration == nil {
		return nil
	}
	if opts.MultiNormalisation && art.Backgrounds != nil && i < art.Backgrounds.Depth() {
		return frame.GaussFiltered(art.Backgrounds.Plane(i), art.Calibration.FilterSize)
	}
	return art.Calibration.Normalisation
}

// Picks the super-resolution shifts: from the LUT at the current parameter value if enabled, else the calibration
func srShifts(opts Options, art *Artifacts) *SRCalibration {
	if opts.UseLUT && art.LUT != nil {
		return art.LUT.Lookup(opts.ParamValue)
	}
	return art.SR
}

// Registers each plane by its offset with bilinear interpolation, and averages the result
func ShiftAndAdd(planes frame.Batch, offsets [][2]float64) *frame.Image {
	res := frame.NewImageLike(planes[0])
	width, height := res.Width(), res.Height()
	for n, f := range planes {
		dx, dy := offsets[n][0], offsets[n][1]
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				res.Data[y*width+x] += bilinear(f.Data, width, height, float64(x)+dx, float64(y)+dy)
			}
		}
	}
	frame.Scale(res.Data, 1/float32(len(planes)))
	return res
}

// Samples data at fractional coordinates, clamping to the image border
func bilinear(data []float32, width, height int, x, y float64) float32 {
	x = math.Max(0, math.Min(x, float64(width-1)))
	y = math.Max(0, math.Min(y, float64(height-1)))
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 >= width {
		x1 = x0
	}
	if y1 >= height {
		y1 = y0
	}
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))
	top := data[y0*width+x0]*(1-fx) + data[y0*width+x1]*fx
	bottom := data[y1*width+x0]*(1-fx) + data[y1*width+x1]*fx
	return top*(1-fy) + bottom*fy
}
