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


// Package bundle implements the fibre bundle pre-processing transform: background subtraction,
// normalisation, core pattern removal and LED-shift super-resolution reconstruction.
package bundle

import (
	"github.com/mlnoga/holobundle/internal/frame"
)

// Settings of the pre-processing transform. Passed by value, never mutated by the transform
type Options struct {
	FilterSize         float32 `json:"filterSize"         yaml:"filterSize"`         // Gaussian sigma for core removal in pixels, 0=off
	Despeckle          bool    `json:"despeckle"          yaml:"despeckle"`          // Replace dead and hot cores with the 3x3 median before filtering
	SuperRes           bool    `json:"superRes"           yaml:"-"`                  // Reconstruct from a batch of LED-shifted exposures
	BlankReference     bool    `json:"blankReference"     yaml:"blankReference"`     // Plane 0 of a super-resolution batch is an unlit reference, excluded from reconstruction
	MultiBackgrounds   bool    `json:"multiBackgrounds"   yaml:"multiBackgrounds"`   // Subtract one background per plane of the batch
	MultiNormalisation bool    `json:"multiNormalisation" yaml:"multiNormalisation"` // Normalise each plane by its own background
	UseLUT             bool    `json:"useLUT"             yaml:"useLUT"`             // Take super-resolution shifts from the LUT
	ParamValue         float64 `json:"paramValue"         yaml:"-"`                  // LUT parameter value, usually the refocus depth
}

// Interpolation calibration, derived from a background image
type Calibration struct {
	Background    *frame.Image // Background subtracted from each frame
	Normalisation *frame.Image // Smoothed background to divide by
	FilterSize    float32      // Filter size the calibration was made with
}

// Super-resolution calibration: shift of each plane of a sorted batch, in pixels
type SRCalibration struct {
	Shifts [][2]float64 `json:"shifts"`
}

// Flattens the shifts into a parameter vector x0,y0,x1,y1,...
func (c *SRCalibration) Params() []float64 {
	p := make([]float64, 0, 2*len(c.Shifts))
	for _, s := range c.Shifts {
		p = append(p, s[0], s[1])
	}
	return p
}

// Creates a super-resolution calibration from a parameter vector x0,y0,x1,y1,...
func SRCalibrationFromParams(p []float64) *SRCalibration {
	c := &SRCalibration{Shifts: make([][2]float64, len(p)/2)}
	for i := range c.Shifts {
		c.Shifts[i] = [2]float64{p[2*i], p[2*i+1]}
	}
	return c
}

// Immutable set of calibration artifacts read by the pre-processor. Any field may be nil
type Artifacts struct {
	Background  *frame.Image   // Single background image
	Backgrounds *frame.Image   // Background stack with one plane per LED, for multi-background mode
	Calibration *Calibration   // Interpolation calibration
	SR          *SRCalibration // Super-resolution calibration
	LUT         *LUT           // Depth to super-resolution shift lookup table
}

// Returns a shallow copy, for copy-on-write updates
func (a *Artifacts) Clone() *Artifacts {
	if a == nil {
		return &Artifacts{}
	}
	b := *a
	return &b
}

// The pre-processing transform. Takes a single frame as a batch of one, or a sorted batch in
// super-resolution mode, and returns one pre-processed frame
type PreProcessor interface {
	Process(in frame.Batch, opts Options, art *Artifacts) (*frame.Image, error)
}

// Optional extension of a PreProcessor: pre-processes a single exposure as plane i of a
// sorted batch, with that plane's background and normalisation
type PlaneProcessor interface {
	ProcessPlane(f *frame.Image, i int, opts Options, art *Artifacts) (*frame.Image, error)
}

// Calibration routines of the bundle transform
type Calibrator interface {
	// Derives the interpolation calibration from a background image
	Calibrate(background *frame.Image, filterSize float32) (*Calibration, error)

	// Measures the shift of each plane of a sorted batch
	CalibrateSR(in frame.Batch, opts Options, art *Artifacts) (*SRCalibration, error)
}
