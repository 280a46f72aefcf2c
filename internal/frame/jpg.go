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
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Write a single frame to grayscale JPG, scaled to its own min and max
func (f *Image) WriteJPGToFile(fileName string, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteJPG(writer, quality)
}

// Write a single frame to grayscale JPG, scaled to its own min and max
func (f *Image) WriteJPG(writer io.Writer, quality int) error {
	width, height := f.Width(), f.Height()
	s := f.Stats()
	scale := float32(1)
	if s.Max > s.Min {
		scale = 1 / (s.Max - s.Min)
	}
	img := image.NewGray(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{uint8(unit(f.Data[yoffset+x], s.Min, scale) * 255)})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Write a phase image to JPG with a hue colormap. Values in [0, pi] map onto hues from blue to red
func (f *Image) WritePhaseJPG(writer io.Writer, quality int) error {
	width, height := f.Width(), f.Height()
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := float32(1 / math.Pi)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := unit(f.Data[yoffset+x], 0, scale)
			c := colorful.Hsv(240*(1-float64(v)), 1, 1).Clamped()
			r, g, b := c.RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Maps v to [0,1] given offset and scale, replacing NaNs with zero
func unit(v, min, scale float32) float32 {
	v = (v - min) * scale
	if math.IsNaN(float64(v)) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
