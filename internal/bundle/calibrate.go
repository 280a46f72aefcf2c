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

// Default calibrator. The normalisation image is the smoothed background. Super-resolution shifts
// are measured from the intensity centroid of each pre-processed plane, relative to the mean centroid
type CentroidCalibrator struct {
	Pre PreProcessor
}

func NewCalibrator(pre PreProcessor) *CentroidCalibrator {
	if pre == nil {
		pre = NewProcessor()
	}
	return &CentroidCalibrator{Pre: pre}
}

func (c *CentroidCalibrator) Calibrate(background *frame.Image, filterSize float32) (*Calibration, error) {
	if background == nil {
		return nil, fmt.Errorf("no background image")
	}
	bg := background
	if bg.IsStack() {
		bg = bg.Plane(0)
	}
	sigma := filterSize
	if sigma <= 0 {
		sigma = 1
	}
	norm := frame.GaussFiltered(bg, sigma*4)
	// keep relative scale, so normalised frames stay in the range of the input
	if m := frame.MeanValue(norm.Data); m > 0 {
		frame.Scale(norm.Data, 1/m)
	}
	return &Calibration{
		Background:    bg.Clone(),
		Normalisation: norm,
		FilterSize:    filterSize,
	}, nil
}

func (c *CentroidCalibrator) CalibrateSR(in frame.Batch, opts Options, art *Artifacts) (*SRCalibration, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	opts.SuperRes = false
	cal := &SRCalibration{Shifts: make([][2]float64, len(in))}
	centroids := make([][2]float64, len(in))
	sum, n := [2]float64{}, 0
	for i, f := range in {
		if i == 0 && opts.BlankReference {
			continue
		}
		g, err := c.processPlane(f, i, opts, art)
		if err != nil {
			return nil, err
		}
		cx, cy, err := Centroid(g)
		if err != nil {
			return nil, fmt.Errorf("%d: plane %d: %w", f.ID, i, err)
		}
		centroids[i] = [2]float64{cx, cy}
		sum[0], sum[1], n = sum[0]+cx, sum[1]+cy, n+1
	}
	if n == 0 {
		return nil, fmt.Errorf("%d: no exposures to calibrate", in[0].ID)
	}
	mx, my := sum[0]/float64(n), sum[1]/float64(n)
	for i := range in {
		if i == 0 && opts.BlankReference {
			continue
		}
		cal.Shifts[i] = [2]float64{centroids[i][0] - mx, centroids[i][1] - my}
	}
	return cal, nil
}

// Pre-processes plane i the way super-resolution reconstruction does, where the pre-processor supports it
func (c *CentroidCalibrator) processPlane(f *frame.Image, i int, opts Options, art *Artifacts) (*frame.Image, error) {
	if pp, ok := c.Pre.(PlaneProcessor); ok {
		return pp.ProcessPlane(f, i, opts, art)
	}
	return c.Pre.Process(frame.Batch{f}, opts, art)
}

// Intensity-weighted centroid of the absolute deviation from the frame median
func Centroid(f *frame.Image) (x, y float64, err error) {
	width, height := f.Width(), f.Height()
	mean := float64(f.Stats().Location())
	sum, sx, sy := 0.0, 0.0, 0.0
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			w := math.Abs(float64(f.Data[j*width+i]) - mean)
			sum += w
			sx += w * float64(i)
			sy += w * float64(j)
		}
	}
	if sum == 0 || math.IsNaN(sum) {
		return 0, 0, fmt.Errorf("featureless frame")
	}
	return sx / sum, sy / sum, nil
}
