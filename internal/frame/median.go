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

// Applies a 3x3 median filter to the plane data of the given width, storing results in output.
// Copies over the outermost rows and columns unchanged
func MedianFilter3x3(output, data []float32, width int) {
	height := len(data) / width
	if height < 3 || width < 3 {
		copy(output, data)
		return
	}
	copy(output[:width], data[:width]) // first row
	for line := 0; line < height-2; line++ {
		start, end := line*width, (line+3)*width
		output[start+width] = data[start+width] // first column
		medianFilterLine3x3(output[start:end], data[start:end], width)
		output[start+2*width-1] = data[start+2*width-1] // last column
	}
	copy(output[(height-1)*width:], data[(height-1)*width:]) // last row
}

// Input data is three lines of given width. Stores the 3x3 medians in the middle row of
// the output, except for the first and last column
func medianFilterLine3x3(output, data []float32, width int) {
	var gathered [9]float32
	for i := width + 1; i < 2*width-1; i++ {
		top, mid, bot := i-width-1, i-1, i+width-1
		gathered[0], gathered[1], gathered[2] = data[top], data[top+1], data[top+2]
		gathered[3], gathered[4], gathered[5] = data[mid], data[mid+1], data[mid+2]
		gathered[6], gathered[7], gathered[8] = data[bot], data[bot+1], data[bot+2]
		output[i] = MedianOf9(&gathered)
	}
}

// Median of nine values via a min/max selection network. Modifies the array.
// Values must not be NaN
func MedianOf9(a *[9]float32) float32 {
	sort2 := func(i, j int) {
		if a[i] > a[j] {
			a[i], a[j] = a[j], a[i]
		}
	}
	sort2(0, 1)
	sort2(3, 4)
	sort2(6, 7)
	sort2(1, 2)
	sort2(4, 5)
	sort2(7, 8)
	sort2(0, 1)
	sort2(3, 4)
	sort2(6, 7)
	a[3] = max(a[0], a[3])
	a[6] = max(a[3], a[6])
	sort2(1, 4)
	a[4] = min(a[4], a[7])
	a[4] = max(a[1], a[4])
	a[5] = min(a[5], a[8])
	a[2] = min(a[2], a[5])
	sort2(2, 4)
	a[4] = min(a[4], a[6])
	a[4] = max(a[2], a[4])
	return a[4]
}

// Returns a copy of the frame with each plane median filtered
func MedianFiltered(f *Image) *Image {
	g := NewImageFromNaxisn(append([]int32(nil), f.Naxisn...), make([]float32, len(f.Data)))
	g.ID, g.FileName = f.ID, f.FileName
	size, width := f.PlaneSize(), f.Width()
	for i := 0; i < f.Depth(); i++ {
		MedianFilter3x3(g.Data[i*size:(i+1)*size], f.Data[i*size:(i+1)*size], width)
	}
	return g
}
