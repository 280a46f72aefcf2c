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
	"fmt"
	"image"

	"github.com/mlnoga/holobundle/internal/stats"
)

// A camera frame, or a stack of frames captured together as one unit.
// Data is stored plane by plane, with the most quickly varying dimension first (X, Y, plane)
type Image struct {
	ID       int     // Sequence index assigned by the frame source. Derived images keep the ID of their input
	FileName string  // Original file name, if any, for log output
	Naxisn   []int32 // Axis dimensions. Two for a single frame, three for a stack
	Pixels   int32   // Number of pixels in the image. Product of Naxisn[]
	Data     []float32

	stats *stats.Stats
}

// Creates an image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	return &Image{
		Naxisn: append([]int32(nil), naxisn...), // clone slice
		Pixels: numPixels,
		Data:   data,
	}
}

// Creates an empty single frame of the given size
func NewImage(width, height int) *Image {
	return NewImageFromNaxisn([]int32{int32(width), int32(height)}, nil)
}

// Creates an empty frame with the same ID and plane size as the given one
func NewImageLike(f *Image) *Image {
	g := NewImage(f.Width(), f.Height())
	g.ID, g.FileName = f.ID, f.FileName
	return g
}

func (f *Image) Width() int  { return int(f.Naxisn[0]) }
func (f *Image) Height() int { return int(f.Naxisn[1]) }

// Number of pixels in one plane
func (f *Image) PlaneSize() int { return int(f.Naxisn[0]) * int(f.Naxisn[1]) }

// Whether the image carries a third, batch dimension
func (f *Image) IsStack() bool { return len(f.Naxisn) > 2 }

// Number of planes. A single frame has depth one
func (f *Image) Depth() int {
	if len(f.Naxisn) < 3 {
		return 1
	}
	return int(f.Naxisn[2])
}

// Returns plane i as a single frame. The plane shares its data with the stack
func (f *Image) Plane(i int) *Image {
	size := f.PlaneSize()
	p := NewImageFromNaxisn(f.Naxisn[:2], f.Data[i*size:(i+1)*size:(i+1)*size])
	p.ID, p.FileName = f.ID, f.FileName
	return p
}

// Returns all planes of the image as a batch in storage order
func (f *Image) Planes() Batch {
	b := make(Batch, f.Depth())
	for i := range b {
		b[i] = f.Plane(i)
	}
	return b
}

// Deep copy of the image, with separate data
func (f *Image) Clone() *Image {
	g := NewImageFromNaxisn(f.Naxisn, append([]float32(nil), f.Data...))
	g.ID, g.FileName = f.ID, f.FileName
	return g
}

// Bounds of a plane of the image
func (f *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width(), f.Height())
}

// Copies the given region of the first plane into a new frame. The region is clipped to the image bounds
func (f *Image) Crop(r image.Rectangle) *Image {
	r = r.Intersect(f.Bounds())
	g := NewImage(r.Dx(), r.Dy())
	g.ID, g.FileName = f.ID, f.FileName
	width := f.Width()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		copy(g.Data[(y-r.Min.Y)*r.Dx():(y-r.Min.Y+1)*r.Dx()], f.Data[y*width+r.Min.X:y*width+r.Max.X])
	}
	return g
}

// Basic statistics, computed on first use
func (f *Image) Stats() *stats.Stats {
	if f.stats == nil {
		f.stats = stats.NewStats(f.Data)
	}
	return f.stats
}

// Drops cached statistics after the data was modified in place
func (f *Image) Invalidate() {
	f.stats = nil
}

// Returns a string representation of the dimensions of the image, e.g. 640x480x4
func (f *Image) DimensionsToString() string {
	if len(f.Naxisn) == 0 {
		return "(none)"
	}
	s := fmt.Sprintf("%d", f.Naxisn[0])
	for _, n := range f.Naxisn[1:] {
		s += fmt.Sprintf("x%d", n)
	}
	return s
}

// Whether the two images have the same width and height
func SamePlaneSize(a, b *Image) bool {
	return a.Naxisn[0] == b.Naxisn[0] && a.Naxisn[1] == b.Naxisn[1]
}
