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
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Read a grayscale TIFF image from file. Color images are converted to luminance
func ReadTIFF(fileName string) (*Image, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	f, err := DecodeTIFF(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	f.FileName = fileName
	return f, nil
}

// Decode a TIFF image from the reader into a single frame
func DecodeTIFF(reader io.Reader) (*Image, error) {
	t, err := tiff.Decode(reader)
	if err != nil {
		return nil, err
	}
	b := t.Bounds()
	width, height := b.Dx(), b.Dy()
	f := NewImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.Gray16Model.Convert(t.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			f.Data[y*width+x] = float32(c.Y)
		}
	}
	return f, nil
}

// Write a single frame to 16-bit grayscale TIFF, using the given min, max and gamma.
func (f *Image) WriteMonoTIFF16ToFile(fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteMonoTIFF16(writer, min, max, gamma)
}

// Write a single frame to 16-bit grayscale TIFF, using the given min, max and gamma.
// Only the first plane of a stack is written
func (f *Image) WriteMonoTIFF16(writer io.Writer, min, max, gamma float32) error {
	width, height := f.Width(), f.Height()
	img := image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := float32(1)
	if max > min {
		scale = 1 / (max - min)
	}
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := f.Data[yoffset+x]
			gray = (gray - min) * scale
			// replace NaNs with zeros for export, else TIFF output breaks
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			if gammaInv != 1.0 {
				gray = float32(math.Pow(float64(gray), gammaInv))
			}
			img.SetGray16(x, y, color.Gray16{uint16(gray * 65535)})
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Write each plane of the image into a separate 16-bit TIFF, with file names given by the pattern and plane index.
// All planes share the min and max of the full stack
func (f *Image) WritePlanesTIFF16(pattern string) ([]string, error) {
	s := f.Stats()
	names := make([]string, f.Depth())
	for i, p := range f.Planes() {
		names[i] = fmt.Sprintf(pattern, i)
		if err := p.WriteMonoTIFF16ToFile(names[i], s.Min, s.Max, 1); err != nil {
			return nil, err
		}
	}
	return names, nil
}
