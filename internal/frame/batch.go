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
)

// An ordered, fixed-length sequence of frames consumed together by one reconstruction
type Batch []*Image

// Combines the frames of the batch into one stack, copying the data.
// The stack takes the ID of the first frame
func (b Batch) Stack() (*Image, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("cannot stack an empty batch")
	}
	first := b[0]
	size := first.PlaneSize()
	data := make([]float32, 0, size*len(b))
	for i, f := range b {
		if f.IsStack() {
			return nil, fmt.Errorf("%d: frame %d of batch is already a stack of %s", f.ID, i, f.DimensionsToString())
		}
		if !SamePlaneSize(first, f) {
			return nil, fmt.Errorf("%d: frame %d of batch has size %s, want %s", f.ID, i, f.DimensionsToString(), first.DimensionsToString())
		}
		data = append(data, f.Data...)
	}
	s := NewImageFromNaxisn([]int32{first.Naxisn[0], first.Naxisn[1], int32(len(b))}, data)
	s.ID, s.FileName = first.ID, first.FileName
	return s, nil
}

// IDs of the frames in the batch, for log output
func (b Batch) IDs() []int {
	ids := make([]int, len(b))
	for i, f := range b {
		ids[i] = f.ID
	}
	return ids
}

// Returns a new frame holding a-b. Keeps the ID of a
func Difference(a, b *Image) (*Image, error) {
	if !SamePlaneSize(a, b) || a.IsStack() || b.IsStack() {
		return nil, fmt.Errorf("%d: cannot subtract %s from %s", a.ID, b.DimensionsToString(), a.DimensionsToString())
	}
	d := NewImageLike(a)
	Subtract(d.Data, a.Data, b.Data)
	return d, nil
}
