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


// Package sorter reorders the planes of a raw capture unit into canonical acquisition order,
// anchored on the position of a known reference exposure.
package sorter

import (
	"errors"
	"fmt"

	"github.com/mlnoga/holobundle/internal/frame"
)

// The depth of a capture unit is not a multiple of the batch size
var ErrMalformedBatch = errors.New("malformed batch")

// Locates the reference exposure within a capture unit
type ReferenceLocator interface {
	Locate(planes frame.Batch) (int, error)
}

// A reference at a fixed, known position in the acquisition cycle
type FixedReference int

func (r FixedReference) Locate(planes frame.Batch) (int, error) {
	return int(r), nil
}

// The reference is the darkest plane, e.g. the exposure with all LEDs off
type DarkestPlane struct{}

func (DarkestPlane) Locate(planes frame.Batch) (int, error) {
	best, bestMean := -1, float32(0)
	for i, p := range planes {
		if m := frame.MeanValue(p.Data); best < 0 || m < bestMean {
			best, bestMean = i, m
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("no planes to locate reference in")
	}
	return best, nil
}

// Sorts capture units into batches of the given size
type Sorter struct {
	BatchSize int
	Reference ReferenceLocator
}

func New(batchSize int, ref ReferenceLocator) *Sorter {
	if ref == nil {
		ref = FixedReference(0)
	}
	return &Sorter{BatchSize: batchSize, Reference: ref}
}

// Sorts the given unit, see SortWithReference. The reference index comes from the locator
func (s *Sorter) Sort(unit *frame.Image) (frame.Batch, error) {
	if unit == nil {
		return nil, nil
	}
	planes := unit.Planes()
	ref, err := s.Reference.Locate(planes)
	if err != nil {
		return nil, err
	}
	return sortPlanes(planes, s.BatchSize, ref)
}

// Reorders the planes of the unit into a batch of batchSize frames, starting at the reference index
// and wrapping around the acquisition cycle. Returns nil without error if the unit has fewer planes
// than the batch size. Fails with ErrMalformedBatch if the depth is not a multiple of the batch size.
// Pure function of its inputs; the returned frames share data with the unit.
func SortWithReference(unit *frame.Image, batchSize, ref int) (frame.Batch, error) {
	if unit == nil {
		return nil, nil
	}
	return sortPlanes(unit.Planes(), batchSize, ref)
}

func sortPlanes(planes frame.Batch, batchSize, ref int) (frame.Batch, error) {
	depth := len(planes)
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	if depth < batchSize {
		return nil, nil
	}
	if depth%batchSize != 0 {
		return nil, fmt.Errorf("%w: depth %d is not a multiple of batch size %d", ErrMalformedBatch, depth, batchSize)
	}
	if ref < 0 || ref >= depth {
		return nil, fmt.Errorf("reference index %d outside of depth %d", ref, depth)
	}
	batch := make(frame.Batch, batchSize)
	for i := range batch {
		batch[i] = planes[(ref+i)%depth]
	}
	return batch, nil
}
